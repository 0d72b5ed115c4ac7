package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/aggregator/internal/domain"
)

type StateMirror interface {
	MirrorState(ctx context.Context, st *domain.AssetState, ttl time.Duration) error
}

// StateWriter mirrors asset updates. Updates for the same asset within one
// flush window are coalesced to the latest.
type StateWriter struct {
	ch     <-chan *domain.AssetState
	mirror StateMirror
	ttl    time.Duration
	logger *zap.Logger
}

func NewStateWriter(
	ch <-chan *domain.AssetState,
	mirror StateMirror,
	ttl time.Duration,
	logger *zap.Logger,
) *StateWriter {
	return &StateWriter{ch: ch, mirror: mirror, ttl: ttl, logger: logger.Named("state")}
}

func (w *StateWriter) Run(ctx context.Context) {
	pending := newPending(100)
	ticker := time.NewTicker(50 * time.Millisecond) // 50ms keeps dashboards live
	defer ticker.Stop()

	for {
		select {
		case st, ok := <-w.ch:
			if !ok {
				w.flush(context.Background(), pending)
				return
			}
			pending.add(st)
			if pending.len() >= 100 {
				w.flush(ctx, pending)
			}

		case <-ticker.C:
			w.flush(ctx, pending)

		case <-ctx.Done():
			w.flush(context.Background(), pending)
			return
		}
	}
}

func (w *StateWriter) flush(ctx context.Context, p *pending) {
	for _, st := range p.drain() {
		if err := w.mirror.MirrorState(ctx, st, w.ttl); err != nil {
			w.logger.Error("redis state update failed", zap.String("asset", st.Identity.PrimaryID), zap.Error(err))
		}
	}
}

// pending keeps the latest state per asset in first-seen order.
type pending struct {
	order  []string
	latest map[string]*domain.AssetState
}

func newPending(size int) *pending {
	return &pending{latest: make(map[string]*domain.AssetState, size)}
}

func (p *pending) add(st *domain.AssetState) {
	id := st.Identity.PrimaryID
	if _, ok := p.latest[id]; !ok {
		p.order = append(p.order, id)
	}
	p.latest[id] = st
}

func (p *pending) len() int { return len(p.order) }

func (p *pending) drain() []*domain.AssetState {
	out := make([]*domain.AssetState, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.latest[id])
	}
	p.order = p.order[:0]
	clear(p.latest)
	return out
}
