package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleet-monitor/aggregator/internal/domain"
	"fleet-monitor/aggregator/internal/publish"
)

func faultEvent(asset, code string, sev domain.Severity, active bool) domain.FaultEvent {
	return domain.NewFaultEvent(domain.Identity{PrimaryID: asset}, domain.Fault{Code: code, Severity: sev, Active: active})
}

func TestDispatcher_Routes(t *testing.T) {
	d := NewDispatcher(1, 2, 2)

	st := domain.NewAssetState(domain.Identity{PrimaryID: "a1"})
	assert.True(t, d.Deliver(publish.NewUpdate(*st)))
	assert.True(t, d.Deliver(publish.NewUpdate(*st)), "full channel drops without evicting")
	assert.True(t, d.Deliver(publish.NewFault(faultEvent("a1", "SPN 1", domain.SeverityWarning, true))))
	assert.True(t, d.Deliver(publish.NewFault(faultEvent("a1", "SPN 1327", domain.SeverityCritical, true))))
	assert.True(t, d.Deliver(publish.NewFault(faultEvent("a1", "SPN 1327", domain.SeverityCritical, false))))
	assert.True(t, d.Deliver(publish.NewSnapshot(nil)))

	assert.Len(t, d.StateChan, 1)
	assert.Len(t, d.ArchiveChan, 2)
	require.Len(t, d.AlertChan, 1)
	assert.Equal(t, "SPN 1327", (<-d.AlertChan).Code)

	d.Close()
	d.Close()
}

func TestDispatcher_DisabledSinks(t *testing.T) {
	d := NewDispatcher(0, 0, 0)
	assert.True(t, d.Deliver(publish.NewFault(faultEvent("a1", "SPN 1327", domain.SeverityCritical, true))))
	assert.Nil(t, d.ArchiveChan)
	d.Close()
}

type fakeArchive struct {
	mu       sync.Mutex
	fail     int
	attempts int
	batches  [][]domain.FaultEvent
}

func (f *fakeArchive) attempted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeArchive) BatchInsertFaults(_ context.Context, events []domain.FaultEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.fail > 0 {
		f.fail--
		return errors.New("db down")
	}
	f.batches = append(f.batches, append([]domain.FaultEvent(nil), events...))
	return nil
}

func TestArchiveWriter_BatchesAndDrainsOnClose(t *testing.T) {
	ch := make(chan domain.FaultEvent, 10)
	db := &fakeArchive{fail: 1}
	w := NewArchiveWriter(ch, db, 2, time.Hour, zap.NewNop())
	w.retryDelay = 0

	for _, code := range []string{"A", "B", "C"} {
		ch <- faultEvent("a1", code, domain.SeverityInfo, true)
	}
	close(ch)
	w.Run(context.Background())

	require.Len(t, db.batches, 2)
	assert.Len(t, db.batches[0], 2)
	assert.Equal(t, "C", db.batches[1][0].Code)
}

func TestArchiveWriter_ShutdownInterruptsRetryWait(t *testing.T) {
	ch := make(chan domain.FaultEvent, 1)
	db := &fakeArchive{fail: 1}
	w := NewArchiveWriter(ch, db, 1, time.Hour, zap.NewNop())
	w.retryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	ch <- faultEvent("a1", "A", domain.SeverityInfo, true)
	require.Eventually(t, func() bool { return db.attempted() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer kept waiting to retry after shutdown")
	}
	require.Len(t, db.batches, 1, "the pending batch is written by the shutdown drain")
	assert.Equal(t, "A", db.batches[0][0].Code)
}

type fakeMirror struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeMirror) MirrorState(_ context.Context, st *domain.AssetState, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, st.Identity.PrimaryID+"@"+st.LastTopic)
	return nil
}

func TestStateWriter_CoalescesPerAsset(t *testing.T) {
	ch := make(chan *domain.AssetState, 10)
	m := &fakeMirror{}
	w := NewStateWriter(ch, m, time.Minute, zap.NewNop())

	for _, u := range []struct{ id, topic string }{{"a", "1"}, {"b", "1"}, {"a", "2"}} {
		st := domain.NewAssetState(domain.Identity{PrimaryID: u.id})
		st.LastTopic = u.topic
		ch <- st
	}
	close(ch)
	w.Run(context.Background())

	assert.Equal(t, []string{"a@2", "b@1"}, m.calls)
}

type fakeDeduper struct {
	claimed   map[string]bool
	published [][]byte
	ctxs      []context.Context
}

func (f *fakeDeduper) ClaimAlert(ctx context.Context, assetID, code string, _ time.Duration) (bool, error) {
	f.ctxs = append(f.ctxs, ctx)
	k := assetID + "/" + code
	if f.claimed[k] {
		return false, nil
	}
	f.claimed[k] = true
	return true, nil
}

func (f *fakeDeduper) PublishAlert(_ context.Context, payload []byte) error {
	f.published = append(f.published, payload)
	return nil
}

type fakeRecorder struct{ rows []domain.FaultEvent }

func (f *fakeRecorder) InsertAlert(_ context.Context, e domain.FaultEvent) error {
	f.rows = append(f.rows, e)
	return nil
}

func TestAlertEvaluator_DedupsCriticalActivations(t *testing.T) {
	dedup := &fakeDeduper{claimed: map[string]bool{}}
	rec := &fakeRecorder{}
	e := NewAlertEvaluator(nil, dedup, rec, time.Minute, zap.NewNop())
	e.now = func() time.Time { return time.Unix(100, 0) }

	e.evaluate(context.Background(), faultEvent("a1", "SPN 1327 FMI 11", domain.SeverityCritical, true))
	e.evaluate(context.Background(), faultEvent("a1", "SPN 1327 FMI 11", domain.SeverityCritical, true))
	e.evaluate(context.Background(), faultEvent("a2", "SPN 1327 FMI 11", domain.SeverityCritical, true))
	e.evaluate(context.Background(), faultEvent("a3", "SPN 100 FMI 1", domain.SeverityWarning, true))
	e.evaluate(context.Background(), faultEvent("a4", "SPN 1327 FMI 11", domain.SeverityCritical, false))

	require.Len(t, dedup.published, 2)
	assert.Len(t, rec.rows, 2)
	assert.Contains(t, string(dedup.published[0]), `"asset_id":"a1"`)
	assert.Contains(t, string(dedup.published[0]), `"triggered_at":100`)
}

type requestKey struct{}

func TestAlertEvaluator_RunPassesContext(t *testing.T) {
	ch := make(chan domain.FaultEvent, 1)
	dedup := &fakeDeduper{claimed: map[string]bool{}}
	e := NewAlertEvaluator(ch, dedup, nil, time.Minute, zap.NewNop())

	ctx := context.WithValue(context.Background(), requestKey{}, "run")
	ch <- faultEvent("a1", "SPN 1327 FMI 11", domain.SeverityCritical, true)
	close(ch)
	e.Run(ctx)

	require.Len(t, dedup.ctxs, 1)
	assert.Equal(t, "run", dedup.ctxs[0].Value(requestKey{}))
	assert.Len(t, dedup.published, 1)
}
