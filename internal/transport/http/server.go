package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"fleet-monitor/aggregator/internal/domain"
	"fleet-monitor/aggregator/internal/engine"
	"fleet-monitor/aggregator/internal/metrics"
	"fleet-monitor/aggregator/internal/publish"
)

// Engine is the part of the engine the HTTP surface reads and mutates.
type Engine interface {
	Snapshot() []domain.AssetState
	ActiveFaults() []domain.ActiveFault
	Asset(id string) (domain.AssetState, error)
	ClearFault(assetID, code, clearedBy string) (domain.Fault, error)
	IdentityDebug() engine.IdentityDebug
	Subscribe(sub publish.Subscriber) bool
	Unsubscribe(id string)
}

type Server struct {
	engine     Engine
	auth       *AuthMiddleware
	sendBuffer int
	logger     *zap.Logger
	srv        *http.Server
}

func NewServer(addr string, eng Engine, auth *AuthMiddleware, sendBuffer int, logger *zap.Logger) *Server {
	s := &Server{
		engine:     eng,
		auth:       auth,
		sendBuffer: sendBuffer,
		logger:     logger.Named("http"),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/faults/active", s.handleActiveFaults)
		r.Get("/assets/{id}", s.handleAsset)
		r.Get("/debug/identity", s.handleIdentityDebug)
		r.With(s.auth.Wrap).Post("/assets/{id}/faults/clear", s.handleClearFault)
	})
	return r
}

// ListenAndServe blocks until ctx is cancelled, then shuts the server down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
