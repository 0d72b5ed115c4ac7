package store

import (
	"sort"

	"k8s.io/utils/clock"

	"fleet-monitor/aggregator/internal/domain"
)

// AssetStore is the in-memory map of asset states keyed by primary id. It is
// not safe for concurrent use; the engine serialises every call.
type AssetStore struct {
	assets map[string]*domain.AssetState
	clock  clock.PassiveClock
}

func NewAssetStore(clk clock.PassiveClock) *AssetStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &AssetStore{
		assets: make(map[string]*domain.AssetState),
		clock:  clk,
	}
}

// Upsert creates the state for id on first sight and sparse-merges loc into
// its last location. A set VIN or serial replaces the stored one; an asset
// that never reported a VIN carries its primary id as VIN.
func (s *AssetStore) Upsert(id domain.Identity, loc domain.Location, topic string) *domain.AssetState {
	st, ok := s.assets[id.PrimaryID]
	if !ok {
		st = domain.NewAssetState(domain.Identity{PrimaryID: id.PrimaryID})
		s.assets[id.PrimaryID] = st
	}
	if id.VIN != "" {
		st.Identity.VIN = id.VIN
	}
	if st.Identity.VIN == "" {
		st.Identity.VIN = st.Identity.PrimaryID
	}
	if id.Serial != "" {
		st.Identity.Serial = id.Serial
	}
	st.LastLocation = st.LastLocation.Merge(loc)
	if topic != "" {
		st.LastTopic = topic
	}
	st.LastUpdateTimestamp = s.clock.Now().UTC()
	return st
}

// MergeFault records f in the history ring and applies it to the active set:
// an active fault replaces the entry with the same code, an inactive one
// removes it. Counts are recomputed from the active set.
func (s *AssetStore) MergeFault(st *domain.AssetState, f domain.Fault) {
	snap := &st.LastFaultSnapshot
	if snap.History == nil {
		snap.History = domain.NewFaultHistory(domain.HistoryCapacity)
	}
	snap.History.Append(f)

	idx := -1
	for i := range snap.ActiveFaults {
		if snap.ActiveFaults[i].Code == f.Code {
			idx = i
			break
		}
	}
	switch {
	case f.Active && idx >= 0:
		snap.ActiveFaults[idx] = f
	case f.Active:
		snap.ActiveFaults = append(snap.ActiveFaults, f)
	case idx >= 0:
		snap.ActiveFaults = append(snap.ActiveFaults[:idx], snap.ActiveFaults[idx+1:]...)
	}

	snap.Counts = domain.CountSeverities(snap.ActiveFaults)
	st.LastUpdateTimestamp = s.clock.Now().UTC()
}

func (s *AssetStore) Get(id string) (*domain.AssetState, bool) {
	st, ok := s.assets[id]
	return st, ok
}

func (s *AssetStore) Len() int {
	return len(s.assets)
}

// Sole returns the id of the only tracked asset.
func (s *AssetStore) Sole() (string, bool) {
	if len(s.assets) != 1 {
		return "", false
	}
	for id := range s.assets {
		return id, true
	}
	return "", false
}

// Snapshot returns deep copies of every state ordered by id.
func (s *AssetStore) Snapshot() []domain.AssetState {
	out := make([]domain.AssetState, 0, len(s.assets))
	for _, id := range s.ids() {
		out = append(out, s.assets[id].Clone())
	}
	return out
}

// ActiveFaults flattens the active faults of every asset with the asset's
// identity and location.
func (s *AssetStore) ActiveFaults() []domain.ActiveFault {
	out := []domain.ActiveFault{}
	for _, id := range s.ids() {
		st := s.assets[id]
		for _, f := range st.LastFaultSnapshot.ActiveFaults {
			out = append(out, domain.ActiveFault{
				FaultEvent:          domain.NewFaultEvent(st.Identity, f),
				Location:            st.LastLocation,
				LastTopic:           st.LastTopic,
				LastUpdateTimestamp: st.LastUpdateTimestamp,
			})
		}
	}
	return out
}

func (s *AssetStore) ids() []string {
	ids := make([]string, 0, len(s.assets))
	for id := range s.assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
