package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"fleet-monitor/aggregator/internal/engine"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"assets": s.engine.IdentityDebug().Assets,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleActiveFaults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ActiveFaults())
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Asset(chi.URLParam(r, "id"))
	if errors.Is(err, engine.ErrAssetNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleIdentityDebug(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.IdentityDebug())
}

type clearRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleClearFault(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	assetID := chi.URLParam(r, "id")
	cleared, err := s.engine.ClearFault(assetID, req.Code, Operator(r.Context()))
	switch {
	case errors.Is(err, engine.ErrAssetNotFound), errors.Is(err, engine.ErrFaultNotActive):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.Error("clear fault", zap.String("asset", assetID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, cleared)
}
