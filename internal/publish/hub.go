package publish

import (
	"go.uber.org/zap"

	"fleet-monitor/aggregator/internal/domain"
	"fleet-monitor/aggregator/internal/metrics"
)

// Subscriber receives events in the order the hub delivers them. Deliver
// must not block; returning false evicts the subscriber.
type Subscriber interface {
	ID() string
	Deliver(ev *Event) bool
	Close()
}

// Hub is not safe for concurrent use. The engine calls it while holding the
// lock that guards the asset store, which keeps snapshots and per-subscriber
// order consistent with the mutation order.
type Hub struct {
	subs     map[string]Subscriber
	order    []string
	snapshot func() []domain.AssetState
	logger   *zap.Logger
}

func NewHub(snapshot func() []domain.AssetState, logger *zap.Logger) *Hub {
	return &Hub{
		subs:     make(map[string]Subscriber),
		snapshot: snapshot,
		logger:   logger.Named("hub"),
	}
}

// Attach sends sub the current snapshot and registers it for subsequent
// events. It returns false if the snapshot could not be delivered.
func (h *Hub) Attach(sub Subscriber) bool {
	if !sub.Deliver(NewSnapshot(h.Snapshot())) {
		sub.Close()
		metrics.SubscriberEvictions.Inc()
		return false
	}
	if _, ok := h.subs[sub.ID()]; !ok {
		h.order = append(h.order, sub.ID())
	}
	h.subs[sub.ID()] = sub
	metrics.Subscribers.Set(float64(len(h.subs)))
	h.logger.Debug("subscriber attached", zap.String("subscriber", sub.ID()))
	return true
}

func (h *Hub) Detach(id string) {
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	sub.Close()
	metrics.Subscribers.Set(float64(len(h.subs)))
}

func (h *Hub) Len() int {
	return len(h.subs)
}

func (h *Hub) Snapshot() []domain.AssetState {
	if h.snapshot == nil {
		return []domain.AssetState{}
	}
	return h.snapshot()
}

// OnAssetChanged publishes an update carrying a copy of st.
func (h *Hub) OnAssetChanged(st *domain.AssetState) {
	h.broadcast(NewUpdate(st.Clone()))
}

func (h *Hub) OnFaultEvent(id domain.Identity, f domain.Fault) {
	h.broadcast(NewFault(domain.NewFaultEvent(id, f)))
}

func (h *Hub) broadcast(ev *Event) {
	var evicted []string
	for _, id := range h.order {
		if !h.subs[id].Deliver(ev) {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		h.logger.Warn("evicting slow subscriber", zap.String("subscriber", id), zap.String("event", string(ev.Type)))
		metrics.SubscriberEvictions.Inc()
		h.Detach(id)
	}
}
