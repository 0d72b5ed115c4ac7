// Package engine is the single mutation entry point of the aggregator. Every
// broker message, manual clear and subscriber attach goes through one lock,
// so snapshots never observe a half-applied message.
package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"fleet-monitor/aggregator/internal/domain"
	"fleet-monitor/aggregator/internal/identity"
	"fleet-monitor/aggregator/internal/metrics"
	"fleet-monitor/aggregator/internal/normalize"
	"fleet-monitor/aggregator/internal/payload"
	"fleet-monitor/aggregator/internal/publish"
	"fleet-monitor/aggregator/internal/schema"
	"fleet-monitor/aggregator/internal/store"
)

var (
	ErrAssetNotFound  = errors.New("asset not found")
	ErrFaultNotActive = errors.New("fault not active")
)

type Outcome int

const (
	Applied Outcome = iota
	DroppedUnclassified
	DroppedUnroutable
	DroppedUnresolved
	DroppedNoFaults
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case DroppedUnclassified:
		return "unclassified"
	case DroppedUnroutable:
		return "unroutable"
	case DroppedUnresolved:
		return "unresolved"
	case DroppedNoFaults:
		return "no_faults"
	}
	return "unknown"
}

type Options struct {
	Identity identity.Options
	Clock    clock.PassiveClock
}

type Engine struct {
	mu       sync.Mutex
	store    *store.AssetStore
	resolver *identity.Resolver
	hub      *publish.Hub
	clock    clock.PassiveClock
	logger   *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	assets := store.NewAssetStore(clk)
	return &Engine{
		store:    assets,
		resolver: identity.NewResolver(opts.Identity, assets),
		hub:      publish.NewHub(assets.Snapshot, logger),
		clock:    clk,
		logger:   logger.Named("engine"),
	}
}

// Ingest applies one broker message. It never fails; messages that cannot be
// applied are dropped and reported through the returned Outcome.
func (e *Engine) Ingest(msg domain.Message) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	faultPath := msg.IsFaultTopic()
	path := "location"
	if faultPath {
		path = "fault"
	}
	metrics.MessagesReceived.WithLabelValues(path).Inc()

	root, ok := payload.Decode(msg.Value)
	if !ok {
		metrics.DecodeFailures.Inc()
	}

	m := schema.Classify(root)
	if m.Kind == schema.KindUnknown {
		e.logger.Debug("dropping unclassified message", msgFields(msg)...)
		return e.drop(DroppedUnclassified)
	}
	if m.Kind.IsFault() != faultPath {
		e.logger.Debug("dropping message routed to the wrong path",
			append(msgFields(msg), zap.String("kind", m.Kind.String()), zap.String("path", path))...)
		return e.drop(DroppedUnroutable)
	}

	res := e.resolver.Resolve(root, identity.Transport{
		Partition: msg.Partition,
		Key:       msg.Key,
		Headers:   msg.Headers,
		FaultPath: faultPath,
	})
	if !res.Resolved() {
		e.logger.Warn("dropping message without resolvable identity", diagFields(msg, root)...)
		return e.drop(DroppedUnresolved)
	}
	metrics.IdentityResolutions.WithLabelValues(res.Tier.String()).Inc()
	e.logger.Debug("identity resolved",
		zap.String("asset", res.Identity.PrimaryID),
		zap.Stringer("tier", res.Tier),
		zap.String("matcher", m.Matcher),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset))

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = e.clock.Now()
	}

	// The VIN placeholder must not replace a VIN learned earlier.
	if res.VINFallback {
		res.Identity.VIN = ""
	}

	if faultPath {
		return e.applyFaults(msg, m, res, ts)
	}
	return e.applyLocation(msg, m, res, ts)
}

func (e *Engine) applyLocation(msg domain.Message, m schema.Match, res identity.Resolution, ts time.Time) Outcome {
	loc := normalize.Location(m, ts)
	st := e.store.Upsert(res.Identity, loc, msg.Topic)
	e.resolver.Observe(msg.Partition, st.Identity.PrimaryID)
	metrics.TrackedAssets.Set(float64(e.store.Len()))
	e.hub.OnAssetChanged(st)
	return Applied
}

func (e *Engine) applyFaults(msg domain.Message, m schema.Match, res identity.Resolution, ts time.Time) Outcome {
	faults := normalize.Faults(m, ts)
	if len(faults) == 0 {
		e.logger.Warn("dropping fault message without usable fault items",
			append(diagFields(msg, m.Root), zap.String("asset", res.Identity.PrimaryID))...)
		return e.drop(DroppedNoFaults)
	}

	st := e.store.Upsert(res.Identity, domain.Location{}, msg.Topic)
	for _, f := range faults {
		e.store.MergeFault(st, f)
		metrics.FaultsMerged.WithLabelValues(string(f.Severity)).Inc()
	}
	metrics.TrackedAssets.Set(float64(e.store.Len()))

	e.hub.OnAssetChanged(st)
	for _, f := range faults {
		e.hub.OnFaultEvent(st.Identity, f)
	}
	return Applied
}

func (e *Engine) drop(o Outcome) Outcome {
	metrics.MessagesDropped.WithLabelValues(o.String()).Inc()
	return o
}

// ClearFault retires the active fault code of an asset on behalf of an
// operator and publishes the change like any other merge.
func (e *Engine) ClearFault(assetID, code, clearedBy string) (domain.Fault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.store.Get(assetID)
	if !ok {
		return domain.Fault{}, ErrAssetNotFound
	}
	var prior *domain.Fault
	for i := range st.LastFaultSnapshot.ActiveFaults {
		if st.LastFaultSnapshot.ActiveFaults[i].Code == code {
			prior = &st.LastFaultSnapshot.ActiveFaults[i]
			break
		}
	}
	if prior == nil {
		return domain.Fault{}, ErrFaultNotActive
	}

	now := e.clock.Now().UTC()
	meta := domain.FaultMeta{}
	if prior.Meta != nil {
		meta = *prior.Meta
	}
	meta.ClearedBy = clearedBy
	cleared := domain.Fault{
		ID:          code + "@" + now.Format(time.RFC3339Nano),
		Code:        code,
		Description: prior.Description,
		Severity:    prior.Severity,
		Active:      false,
		Time:        now,
		Meta:        &meta,
	}

	e.store.MergeFault(st, cleared)
	e.hub.OnAssetChanged(st)
	e.hub.OnFaultEvent(st.Identity, cleared)
	e.logger.Info("fault cleared",
		zap.String("asset", assetID), zap.String("code", code), zap.String("cleared_by", clearedBy))
	return cleared, nil
}

// Snapshot returns a consistent copy of every asset state.
func (e *Engine) Snapshot() []domain.AssetState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Snapshot()
}

func (e *Engine) ActiveFaults() []domain.ActiveFault {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.ActiveFaults()
}

func (e *Engine) Asset(id string) (domain.AssetState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.store.Get(id)
	if !ok {
		return domain.AssetState{}, ErrAssetNotFound
	}
	return st.Clone(), nil
}

// Subscribe delivers a snapshot to sub and registers it for later events.
func (e *Engine) Subscribe(sub publish.Subscriber) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hub.Attach(sub)
}

func (e *Engine) Unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hub.Detach(id)
}

// IdentityDebug describes what the heuristic identity tiers would currently
// resolve to.
type IdentityDebug struct {
	Partitions map[int]string `json:"partitions"`
	Assets     int            `json:"assets"`
	Sole       string         `json:"sole,omitempty"`
}

func (e *Engine) IdentityDebug() IdentityDebug {
	e.mu.Lock()
	defer e.mu.Unlock()
	sole, _ := e.store.Sole()
	return IdentityDebug{
		Partitions: e.resolver.Partitions(),
		Assets:     e.store.Len(),
		Sole:       sole,
	}
}

func msgFields(msg domain.Message) []zap.Field {
	return []zap.Field{
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	}
}

func diagFields(msg domain.Message, root *fastjson.Value) []zap.Field {
	return append(msgFields(msg),
		zap.String("key", msg.Key),
		zap.Any("headers", msg.Headers),
		zap.Strings("keys", payload.Keys(root)),
	)
}
