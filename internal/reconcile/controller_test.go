package reconcile

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"DelegateLedger/internal/event"
	"DelegateLedger/internal/ledger"
)

type fakeResolver struct {
	mu       sync.Mutex
	balances map[string]float64
	calls    int
}

func (f *fakeResolver) Resolve(_ context.Context, id string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	vp, ok := f.balances[id]
	return vp, ok
}

type fakeStore struct {
	mu          sync.Mutex
	records     map[string]*ledger.Delegate
	upsertErr   error
	readAllErr  error
	bulkErr     error
	bulkFailIDs map[string]bool // rows reported as failed within a bulk pass
	upsertCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*ledger.Delegate)}
}

func (f *fakeStore) UpsertBalance(_ context.Context, id string, vp float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	rec, ok := f.records[id]
	if !ok {
		rec = &ledger.Delegate{ID: id}
		f.records[id] = rec
	}
	rec.VotingPower = vp
	rec.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) ReadAll(_ context.Context) ([]ledger.Delegate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readAllErr != nil {
		return nil, f.readAllErr
	}
	out := make([]ledger.Delegate, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (f *fakeStore) ReadOne(_ context.Context, id string) (*ledger.Delegate, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

func (f *fakeStore) BulkSetShares(_ context.Context, shares map[string]float64) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkErr != nil {
		return 0, len(shares), f.bulkErr
	}
	updated, failed := 0, 0
	for id, share := range shares {
		if f.bulkFailIDs[id] {
			failed++
			continue
		}
		if rec, ok := f.records[id]; ok {
			rec.SharePercent = share
			updated++
		}
	}
	return updated, failed, nil
}

func (f *fakeStore) share(t *testing.T, id string) float64 {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		t.Fatalf("no record for %s", id)
	}
	return rec.SharePercent
}

func (f *fakeStore) power(t *testing.T, id string) float64 {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		t.Fatalf("no record for %s", id)
	}
	return rec.VotingPower
}

func newTestController(r Resolver, s Store) *Controller {
	return NewController(r, s, nil, 64, nil, zerolog.Nop(), nil)
}

func changeEvent(from, to, tx string) *event.DelegationChanged {
	return &event.DelegationChanged{
		Delegator:    "0x00000000000000000000000000000000000000aa",
		FromDelegate: from,
		ToDelegate:   to,
		TxHash:       tx,
		BlockNumber:  1200,
		LogIndex:     3,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestHandleFullSwingMovesShares(t *testing.T) {
	store := newFakeStore()
	store.records["0xaaa0000000000000000000000000000000000001"] = &ledger.Delegate{
		ID: "0xaaa0000000000000000000000000000000000001", VotingPower: 100, SharePercent: 100,
	}
	store.records["0xbbb0000000000000000000000000000000000002"] = &ledger.Delegate{
		ID: "0xbbb0000000000000000000000000000000000002", VotingPower: 0, SharePercent: 0,
	}

	resolver := &fakeResolver{balances: map[string]float64{
		"0xaaa0000000000000000000000000000000000001": 0,
		"0xbbb0000000000000000000000000000000000002": 100,
	}}

	ctrl := newTestController(resolver, store)
	evt := changeEvent("0xAAA0000000000000000000000000000000000001", "0xBBB0000000000000000000000000000000000002", "0xtx1")
	if err := ctrl.Handle(context.Background(), evt); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if got := store.share(t, "0xaaa0000000000000000000000000000000000001"); !almostEqual(got, 0) {
		t.Errorf("loser share = %v, want 0", got)
	}
	if got := store.share(t, "0xbbb0000000000000000000000000000000000002"); !almostEqual(got, 100) {
		t.Errorf("winner share = %v, want 100", got)
	}
}

func TestHandleUnresolvedKeepsStoredState(t *testing.T) {
	store := newFakeStore()
	store.records["0xaaa0000000000000000000000000000000000001"] = &ledger.Delegate{
		ID: "0xaaa0000000000000000000000000000000000001", VotingPower: 60,
	}

	// The from side is unknown to the indexer; only the to side resolves.
	resolver := &fakeResolver{balances: map[string]float64{
		"0xbbb0000000000000000000000000000000000002": 40,
	}}

	ctrl := newTestController(resolver, store)
	evt := changeEvent("0xaaa0000000000000000000000000000000000001", "0xbbb0000000000000000000000000000000000002", "0xtx2")
	if err := ctrl.Handle(context.Background(), evt); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if got := store.power(t, "0xaaa0000000000000000000000000000000000001"); got != 60 {
		t.Errorf("unresolved delegate power = %v, want untouched 60", got)
	}
	if got := store.power(t, "0xbbb0000000000000000000000000000000000002"); got != 40 {
		t.Errorf("resolved delegate power = %v, want 40", got)
	}

	// Normalization still ran over the whole table.
	if got := store.share(t, "0xaaa0000000000000000000000000000000000001"); !almostEqual(got, 60) {
		t.Errorf("share = %v, want 60", got)
	}
	if got := store.share(t, "0xbbb0000000000000000000000000000000000002"); !almostEqual(got, 40) {
		t.Errorf("share = %v, want 40", got)
	}
}

func TestHandleCaseInsensitiveIdentifiers(t *testing.T) {
	store := newFakeStore()
	resolver := &fakeResolver{balances: map[string]float64{
		"0xabc0000000000000000000000000000000000003": 10,
	}}

	ctrl := newTestController(resolver, store)
	evt := changeEvent("", "0xABC0000000000000000000000000000000000003", "0xtx3")
	if err := ctrl.Handle(context.Background(), evt); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	store.mu.Lock()
	n := len(store.records)
	store.mu.Unlock()
	if n != 1 {
		t.Fatalf("record count = %d, want 1 (mixed-case id must collapse)", n)
	}
	if got := store.power(t, "0xabc0000000000000000000000000000000000003"); got != 10 {
		t.Errorf("power = %v, want 10", got)
	}
}

func TestHandleDuplicateNotificationSkipped(t *testing.T) {
	store := newFakeStore()
	resolver := &fakeResolver{balances: map[string]float64{
		"0xabc0000000000000000000000000000000000003": 10,
	}}

	ctrl := newTestController(resolver, store)
	evt := changeEvent("", "0xabc0000000000000000000000000000000000003", "0xtx4")
	if err := ctrl.Handle(context.Background(), evt); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	firstCalls := resolver.calls

	if err := ctrl.Handle(context.Background(), evt); err != nil {
		t.Fatalf("duplicate Handle: %v", err)
	}
	if resolver.calls != firstCalls {
		t.Errorf("duplicate notification hit the resolver (%d -> %d calls)", firstCalls, resolver.calls)
	}
}

func TestHandleStorageDownFailsAtPersisting(t *testing.T) {
	store := newFakeStore()
	store.upsertErr = errors.New("connection refused")
	resolver := &fakeResolver{balances: map[string]float64{
		"0xabc0000000000000000000000000000000000003": 10,
	}}

	ctrl := newTestController(resolver, store)
	evt := changeEvent("", "0xabc0000000000000000000000000000000000003", "0xtx5")
	err := ctrl.Handle(context.Background(), evt)
	if err == nil {
		t.Fatal("Handle succeeded with storage down, want failure")
	}

	// The failed notification must not be marked seen: once storage is
	// back a redelivery has to be processed, not skipped.
	store.upsertErr = nil
	if err := ctrl.Handle(context.Background(), evt); err != nil {
		t.Fatalf("redelivered Handle: %v", err)
	}
	if got := store.power(t, "0xabc0000000000000000000000000000000000003"); got != 10 {
		t.Errorf("power after recovery = %v, want 10", got)
	}
}

func TestHandleNormalizationErrorFails(t *testing.T) {
	store := newFakeStore()
	store.bulkErr = errors.New("deadlock detected")
	resolver := &fakeResolver{balances: map[string]float64{
		"0xabc0000000000000000000000000000000000003": 10,
	}}

	ctrl := newTestController(resolver, store)
	evt := changeEvent("", "0xabc0000000000000000000000000000000000003", "0xtx6")
	if err := ctrl.Handle(context.Background(), evt); err == nil {
		t.Fatal("Handle succeeded with share write failing, want failure")
	}
	// The balance write itself landed before the failure.
	if got := store.power(t, "0xabc0000000000000000000000000000000000003"); got != 10 {
		t.Errorf("power = %v, want 10 despite failed normalization", got)
	}
}

func TestHandlePartialShareWriteStillConfirms(t *testing.T) {
	const (
		idA = "0xaaa0000000000000000000000000000000000001"
		idB = "0xbbb0000000000000000000000000000000000002"
	)

	store := newFakeStore()
	store.records[idA] = &ledger.Delegate{ID: idA, VotingPower: 60}
	store.records[idB] = &ledger.Delegate{ID: idB, VotingPower: 40}
	// One row of the bulk share write fails; the pass is tolerated and the
	// next one heals it.
	store.bulkFailIDs = map[string]bool{idB: true}

	resolver := &fakeResolver{balances: map[string]float64{idA: 60}}
	results := make(chan Result, 1)

	ctrl := NewController(resolver, store, nil, 64, results, zerolog.Nop(), nil)
	evt := changeEvent("", idA, "0xtxp")
	if err := ctrl.Handle(context.Background(), evt); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	select {
	case r := <-results:
		if r.State != "confirmed" {
			t.Errorf("result state = %q, want confirmed despite partial share write", r.State)
		}
		if r.SharesSet != 1 {
			t.Errorf("result shares set = %d, want 1", r.SharesSet)
		}
	default:
		t.Fatal("no result emitted")
	}

	if got := store.share(t, idA); !almostEqual(got, 60) {
		t.Errorf("applied share = %v, want 60", got)
	}
	if got := store.share(t, idB); !almostEqual(got, 0) {
		t.Errorf("failed row share = %v, want untouched 0", got)
	}
}

func TestHandleUpsertIdempotent(t *testing.T) {
	store := newFakeStore()
	resolver := &fakeResolver{balances: map[string]float64{
		"0xabc0000000000000000000000000000000000003": 10,
	}}

	ctrl := newTestController(resolver, store)
	for i, tx := range []string{"0xt1", "0xt2", "0xt3"} {
		evt := changeEvent("", "0xabc0000000000000000000000000000000000003", tx)
		evt.LogIndex = uint(i)
		if err := ctrl.Handle(context.Background(), evt); err != nil {
			t.Fatalf("Handle %d: %v", i, err)
		}
	}

	store.mu.Lock()
	n := len(store.records)
	store.mu.Unlock()
	if n != 1 {
		t.Fatalf("record count = %d, want 1", n)
	}
	if got := store.share(t, "0xabc0000000000000000000000000000000000003"); !almostEqual(got, 100) {
		t.Errorf("share = %v, want 100", got)
	}
}

func TestHandleEmitsResult(t *testing.T) {
	store := newFakeStore()
	resolver := &fakeResolver{balances: map[string]float64{
		"0xabc0000000000000000000000000000000000003": 10,
	}}
	results := make(chan Result, 1)

	ctrl := NewController(resolver, store, nil, 64, results, zerolog.Nop(), nil)
	evt := changeEvent("", "0xabc0000000000000000000000000000000000003", "0xtx7")
	if err := ctrl.Handle(context.Background(), evt); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	select {
	case r := <-results:
		if r.State != "confirmed" {
			t.Errorf("result state = %q, want confirmed", r.State)
		}
		if r.Persisted != 1 {
			t.Errorf("result persisted = %d, want 1", r.Persisted)
		}
		if r.TxHash != "0xtx7" {
			t.Errorf("result tx = %q, want 0xtx7", r.TxHash)
		}
	default:
		t.Fatal("no result emitted")
	}
}
