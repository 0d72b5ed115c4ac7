package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	"fleet-monitor/aggregator/internal/domain"
	"fleet-monitor/aggregator/internal/identity"
	"fleet-monitor/aggregator/internal/publish"
)

var now = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

func newEngine() (*Engine, *clocktesting.FakePassiveClock) {
	clk := clocktesting.NewFakePassiveClock(now)
	e := New(Options{
		Identity: identity.Options{IDHeader: "asset-id", VINHeader: "vin", SerialHeader: "serial"},
		Clock:    clk,
	}, zap.NewNop())
	return e, clk
}

func location(id string, lat float64) domain.Message {
	return domain.Message{
		Topic:     "vehicle-locations",
		Timestamp: now,
		Value:     []byte(fmt.Sprintf(`{"vehicle":{"id":%q},"location":{"latitude":%v,"longitude":-120}}`, id, lat)),
	}
}

type sink struct {
	mu     sync.Mutex
	id     string
	events []*publish.Event
}

func (s *sink) ID() string { return s.id }
func (s *sink) Deliver(ev *publish.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}
func (s *sink) Close() {}

func TestIngest_DropsAndOutcomes(t *testing.T) {
	e, _ := newEngine()

	assert.Equal(t, DroppedUnclassified, e.Ingest(domain.Message{Topic: "vehicle-locations", Value: []byte("not json")}))
	assert.Equal(t, DroppedUnclassified, e.Ingest(domain.Message{Topic: "vehicle-locations"}))
	assert.Equal(t, DroppedUnroutable, e.Ingest(domain.Message{Topic: "vehicle-locations", Value: []byte(`{"spnId":1,"assetId":"a"}`)}))
	assert.Equal(t, DroppedUnroutable, e.Ingest(domain.Message{Topic: "vehicle-faults", Value: []byte(`{"vehicleId":"a","ecuSpeedMph":3}`)}))
	assert.Equal(t, DroppedUnresolved, e.Ingest(domain.Message{Topic: "vehicle-locations", Value: []byte(`{"ecuSpeedMph":3}`)}))
	assert.Equal(t, DroppedNoFaults, e.Ingest(domain.Message{Topic: "vehicle-faults", Value: []byte(`{"assetId":"a","items":[]}`)}))
	assert.Empty(t, e.Snapshot())

	assert.Equal(t, Applied, e.Ingest(location("a", 1)))
	assert.Len(t, e.Snapshot(), 1)
}

func TestIngest_IdentityFallbackScenario(t *testing.T) {
	fault := domain.Message{
		Topic:     "Vehicle-FAULTS",
		Key:       "abc123",
		Timestamp: now,
		Value:     []byte(`{"faults":[{"spnId":1327,"fmiId":11,"checkEngineLightIsOn":true}]}`),
	}

	e, _ := newEngine()
	assert.Equal(t, DroppedUnresolved, e.Ingest(fault))

	e, _ = newEngine()
	require.Equal(t, Applied, e.Ingest(domain.Message{Topic: "loc", Partition: 1, Value: location("abc123", 1).Value}))
	require.Equal(t, Applied, e.Ingest(domain.Message{Topic: "loc", Partition: 2, Value: location("other", 1).Value}))
	assert.Equal(t, DroppedUnresolved, e.Ingest(fault))

	e, _ = newEngine()
	require.Equal(t, Applied, e.Ingest(domain.Message{Topic: "loc", Partition: 1, Value: location("abc123", 1).Value}))
	require.Equal(t, Applied, e.Ingest(fault))

	st, err := e.Asset("abc123")
	require.NoError(t, err)
	require.Len(t, st.LastFaultSnapshot.ActiveFaults, 1)
	assert.Equal(t, domain.SeverityCritical, st.LastFaultSnapshot.ActiveFaults[0].Severity)
	assert.Equal(t, "Vehicle-FAULTS", st.LastTopic)
}

func TestIngest_PartitionStickyAttribution(t *testing.T) {
	e, _ := newEngine()
	require.Equal(t, Applied, e.Ingest(domain.Message{Topic: "loc", Partition: 4, Value: location("t4", 1).Value}))
	require.Equal(t, Applied, e.Ingest(domain.Message{Topic: "loc", Partition: 5, Value: location("t5", 1).Value}))

	out := e.Ingest(domain.Message{Topic: "faults", Partition: 5, Key: "fault-record-1", Value: []byte(`{"spnId":100,"fmiId":1}`)})
	require.Equal(t, Applied, out)

	st, err := e.Asset("t5")
	require.NoError(t, err)
	assert.Len(t, st.LastFaultSnapshot.ActiveFaults, 1)
	assert.Equal(t, map[int]string{4: "t4", 5: "t5"}, e.IdentityDebug().Partitions)
}

func TestIngest_FaultFlowPublishesUpdateThenFaults(t *testing.T) {
	e, _ := newEngine()
	require.Equal(t, Applied, e.Ingest(location("a1", 10)))

	sub := &sink{id: "s"}
	require.True(t, e.Subscribe(sub))

	msg := domain.Message{
		Topic:     "vehicle-faults",
		Timestamp: now,
		Value: []byte(`{"vehicle":{"id":"a1","vin":"VIN-A1"},"faults":[
			{"spnId":1327,"fmiId":11,"checkEngineLightIsOn":true},
			{"spnId":100,"fmiId":1,"checkEngineLightIsOn":true},
			{"spnId":1327,"fmiId":11,"checkEngineLightIsOn":true}
		]}`),
	}
	require.Equal(t, Applied, e.Ingest(msg))

	var types []publish.EventType
	for _, ev := range sub.events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []publish.EventType{
		publish.EventSnapshot, publish.EventUpdate,
		publish.EventFault, publish.EventFault, publish.EventFault,
	}, types)
	assert.Equal(t, "VIN-A1", sub.events[2].Fault.VIN)

	st := sub.events[1].Asset
	assert.Len(t, st.LastFaultSnapshot.ActiveFaults, 2)
	assert.Equal(t, domain.SeverityCounts{Critical: 1, Warning: 1}, st.LastFaultSnapshot.Counts)
	assert.Equal(t, 3, st.LastFaultSnapshot.History.Len())
	require.NotNil(t, st.LastLocation.Lat, "fault merge keeps the known location")

	flat := e.ActiveFaults()
	require.Len(t, flat, 2)
	assert.Equal(t, "a1", flat[0].AssetID)
	assert.InDelta(t, 10, *flat[0].Location.Lat, 1e-9)
}

func TestClearFault(t *testing.T) {
	e, clk := newEngine()
	require.Equal(t, Applied, e.Ingest(domain.Message{
		Topic: "faults",
		Value: []byte(`{"assetId":"a1","spnId":1327,"fmiId":11,"checkEngineLightIsOn":true}`),
	}))

	_, err := e.ClearFault("missing", "SPN 1327 FMI 11", "ops")
	assert.ErrorIs(t, err, ErrAssetNotFound)
	_, err = e.ClearFault("a1", "SPN 1 FMI 1", "ops")
	assert.ErrorIs(t, err, ErrFaultNotActive)

	sub := &sink{id: "s"}
	require.True(t, e.Subscribe(sub))

	clk.SetTime(now.Add(time.Minute))
	cleared, err := e.ClearFault("a1", "SPN 1327 FMI 11", "ops")
	require.NoError(t, err)
	assert.False(t, cleared.Active)
	assert.Equal(t, "ops", cleared.Meta.ClearedBy)
	assert.Equal(t, domain.SeverityCritical, cleared.Severity)

	st, err := e.Asset("a1")
	require.NoError(t, err)
	assert.Empty(t, st.LastFaultSnapshot.ActiveFaults)
	assert.Equal(t, domain.SeverityCounts{}, st.LastFaultSnapshot.Counts)
	assert.Equal(t, 2, st.LastFaultSnapshot.History.Len())
	assert.Equal(t, now.Add(time.Minute), st.LastUpdateTimestamp)

	require.Len(t, sub.events, 3)
	assert.Equal(t, publish.EventFault, sub.events[2].Type)
	assert.False(t, sub.events[2].Fault.Active)
}

func TestSnapshotConsistency(t *testing.T) {
	e, _ := newEngine()
	require.Equal(t, Applied, e.Ingest(location("a1", 0)))

	const n = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			// lat and lon always move together
			e.Ingest(domain.Message{
				Topic: "loc",
				Value: []byte(fmt.Sprintf(`{"vehicle":{"id":"a1"},"location":{"latitude":%d,"longitude":%d}}`, i, -i)),
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for _, st := range e.Snapshot() {
				loc := st.LastLocation
				if loc.Lon != nil {
					assert.Equal(t, *loc.Lat, -*loc.Lon)
				}
			}
		}
	}()
	wg.Wait()

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.InDelta(t, float64(n), *snap[0].LastLocation.Lat, 1e-9)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "no_faults", DroppedNoFaults.String())
	assert.Equal(t, "applied", Applied.String())
}

func TestIngest_FaultWithoutVINKeepsKnownVIN(t *testing.T) {
	e, _ := newEngine()
	sub := &sink{id: "s"}
	e.Subscribe(sub)

	require.Equal(t, Applied, e.Ingest(domain.Message{
		Topic:     "vehicle-locations",
		Timestamp: now,
		Value:     []byte(`{"vehicle":{"id":"a1","vin":"1FUJGLDR5CLBP8834"},"location":{"latitude":36.1,"longitude":-115.2}}`),
	}))
	require.Equal(t, Applied, e.Ingest(domain.Message{
		Topic:     "vehicle-faults",
		Timestamp: now,
		Value:     []byte(`{"assetId":"a1","spnId":100,"fmiId":1}`),
	}))

	st, err := e.Asset("a1")
	require.NoError(t, err)
	assert.Equal(t, "1FUJGLDR5CLBP8834", st.Identity.VIN)

	last := sub.events[len(sub.events)-1]
	require.Equal(t, publish.EventFault, last.Type)
	assert.Equal(t, "1FUJGLDR5CLBP8834", last.Fault.VIN)
}

func TestIngest_VINFallsBackToPrimaryID(t *testing.T) {
	e, _ := newEngine()
	require.Equal(t, Applied, e.Ingest(location("a2", 1)))

	st, err := e.Asset("a2")
	require.NoError(t, err)
	assert.Equal(t, "a2", st.Identity.VIN)
}

func TestIngest_FlatSpeedAliases(t *testing.T) {
	e, _ := newEngine()
	for i, raw := range []string{
		`{"vehicleId":"v1","speedMilesPerHour":40}`,
		`{"vehicleId":"v2","speedMph":41}`,
	} {
		require.Equal(t, Applied, e.Ingest(domain.Message{Topic: "vehicle-locations", Timestamp: now, Value: []byte(raw)}), raw)
		st, err := e.Asset(fmt.Sprintf("v%d", i+1))
		require.NoError(t, err)
		require.NotNil(t, st.LastLocation.SpeedMph)
		assert.InDelta(t, float64(40+i), *st.LastLocation.SpeedMph, 1e-9)
	}
}
