package application

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KomaiX512/accountmanager-gate/internal/adapters/backend"
	"github.com/KomaiX512/accountmanager-gate/internal/adapters/bus"
	storeetcd "github.com/KomaiX512/accountmanager-gate/internal/adapters/etcd"
	"github.com/KomaiX512/accountmanager-gate/internal/config"
	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
)

type reconcilerFixture struct {
	leases     *storeetcd.MemoryLeaseStore
	overrides  *storeetcd.MemoryOverrideStore
	stub       *backend.Stub
	reconciler *Reconciler
}

func newReconcilerFixture(interval time.Duration) *reconcilerFixture {
	leases := storeetcd.NewMemoryLeaseStore(nil)
	overrides := storeetcd.NewMemoryOverrideStore()
	stub := backend.NewStub()
	rec := NewReconciler(leases, overrides, stub, bus.NewNotifier(), config.NewStaticPolicy(defaultPolicy()), interval)
	return &reconcilerFixture{leases: leases, overrides: overrides, stub: stub, reconciler: rec}
}

func seedLease(t *testing.T, leases *storeetcd.MemoryLeaseStore, owner string, resource gatetypes.Resource, window time.Duration) models.Lease {
	t.Helper()
	now := time.Now()
	lease := models.Lease{
		Owner:         owner,
		Resource:      resource,
		StartTime:     now.Unix(),
		EndTime:       now.Add(window).Unix(),
		Version:       1,
		LastUpdatedAt: now,
	}
	if err := leases.Put(context.Background(), lease); err != nil {
		t.Fatalf("put: %v", err)
	}
	return lease
}

func TestReconcileAllowRemovesLease(t *testing.T) {
	f := newReconcilerFixture(time.Minute)
	ctx := context.Background()
	seedLease(t, f.leases, "acct-1", gatetypes.ResourceInstagram, 10*time.Minute)

	outcome, err := f.reconciler.Reconcile(ctx, "acct-1", gatetypes.ResourceInstagram)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome != reconcileOutcomeAllow {
		t.Fatalf("outcome = %q, want allow", outcome)
	}
	if stored, _ := f.leases.Get(ctx, "acct-1", gatetypes.ResourceInstagram); stored != nil {
		t.Error("backend grant should have cleared the lease")
	}
}

func TestReconcileDenyWritesLeaseFromRemaining(t *testing.T) {
	f := newReconcilerFixture(time.Minute)
	ctx := context.Background()

	remaining := int64(300)
	f.stub.SetVerdict("acct-1", gatetypes.ResourceInstagram, models.AccessVerdict{AccessAllowed: false, Reason: gatetypes.AccessReasonProcessingActive})
	f.stub.SetStatus("acct-1", gatetypes.ResourceInstagram, models.JobStatus{Running: true, RemainingSeconds: &remaining})

	outcome, err := f.reconciler.Reconcile(ctx, "acct-1", gatetypes.ResourceInstagram)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome != reconcileOutcomeDeny {
		t.Fatalf("outcome = %q, want deny", outcome)
	}

	stored, _ := f.leases.Get(ctx, "acct-1", gatetypes.ResourceInstagram)
	if stored == nil {
		t.Fatal("backend denial should have written a lease")
	}
	var lease models.Lease
	if err := json.Unmarshal(stored.Raw, &lease); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := lease.EndTime - lease.StartTime; got != remaining {
		t.Errorf("window = %ds, want the backend's %ds", got, remaining)
	}
	if lease.Seq == 0 {
		t.Error("reconciled lease should carry its sequence number")
	}
}

func TestReconcileDenyFallsBackToCeiling(t *testing.T) {
	f := newReconcilerFixture(time.Minute)
	ctx := context.Background()

	f.stub.SetVerdict("acct-1", gatetypes.ResourceTwitter, models.AccessVerdict{AccessAllowed: false, Reason: gatetypes.AccessReasonProcessingActive})
	f.stub.SetStatus("acct-1", gatetypes.ResourceTwitter, models.JobStatus{Running: true})

	if _, err := f.reconciler.Reconcile(ctx, "acct-1", gatetypes.ResourceTwitter); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	stored, _ := f.leases.Get(ctx, "acct-1", gatetypes.ResourceTwitter)
	if stored == nil {
		t.Fatal("denial without an estimate should still write a lease")
	}
	var lease models.Lease
	if err := json.Unmarshal(stored.Raw, &lease); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := lease.EndTime - lease.StartTime; got != int64((20 * time.Minute).Seconds()) {
		t.Errorf("window = %ds, want resource ceiling 1200s", got)
	}
}

func TestReconcileBackendErrorHoldsPriorState(t *testing.T) {
	f := newReconcilerFixture(time.Minute)
	ctx := context.Background()
	seedLease(t, f.leases, "acct-1", gatetypes.ResourceInstagram, 10*time.Minute)

	f.stub.SetError(errors.New("connection refused"))

	outcome, err := f.reconciler.Reconcile(ctx, "acct-1", gatetypes.ResourceInstagram)
	if err == nil {
		t.Fatal("unreachable backend should surface an error")
	}
	if outcome != reconcileOutcomeInconclusive {
		t.Fatalf("outcome = %q, want inconclusive", outcome)
	}
	if stored, _ := f.leases.Get(ctx, "acct-1", gatetypes.ResourceInstagram); stored == nil {
		t.Error("prior lease must survive a backend failure")
	}
}

func TestReconcileStaleResponseDropped(t *testing.T) {
	f := newReconcilerFixture(time.Minute)
	ctx := context.Background()

	slow := f.reconciler.seq.Add(1)
	fast := f.reconciler.seq.Add(1)

	allow := &models.AccessVerdict{AccessAllowed: true, Reason: gatetypes.AccessReasonAllowed}
	deny := &models.AccessVerdict{AccessAllowed: false, Reason: gatetypes.AccessReasonProcessingActive}

	outcome, err := f.reconciler.apply(ctx, "acct-1", gatetypes.ResourceInstagram, fast, allow, nil, nil)
	if err != nil || outcome != reconcileOutcomeAllow {
		t.Fatalf("fast response: outcome=%q err=%v", outcome, err)
	}

	// The older denial resolves after the newer grant and must not win.
	outcome, err = f.reconciler.apply(ctx, "acct-1", gatetypes.ResourceInstagram, slow, deny, nil, nil)
	if outcome != reconcileOutcomeStale {
		t.Fatalf("outcome = %q, want stale", outcome)
	}
	if err == nil {
		t.Error("stale application should report the drop")
	}
	if stored, _ := f.leases.Get(ctx, "acct-1", gatetypes.ResourceInstagram); stored != nil {
		t.Error("stale denial must not write a lease over a fresher grant")
	}
}

// slowDeleteLeaseStore stalls the first lease removal until released,
// modelling a store call that outlives a newer reconcile response.
type slowDeleteLeaseStore struct {
	*storeetcd.MemoryLeaseStore
	entered chan struct{}
	release chan struct{}
	first   sync.Once
}

func (s *slowDeleteLeaseStore) RemoveIfCurrent(ctx context.Context, prior models.StoredLease) error {
	stall := false
	s.first.Do(func() { stall = true })
	if stall {
		close(s.entered)
		<-s.release
	}
	return s.MemoryLeaseStore.RemoveIfCurrent(ctx, prior)
}

func TestReconcileSlowGrantCannotOvertakeNewerDenial(t *testing.T) {
	store := &slowDeleteLeaseStore{
		MemoryLeaseStore: storeetcd.NewMemoryLeaseStore(nil),
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	rec := NewReconciler(store, storeetcd.NewMemoryOverrideStore(), backend.NewStub(), bus.NewNotifier(), config.NewStaticPolicy(defaultPolicy()), time.Minute)
	ctx := context.Background()
	seedLease(t, store.MemoryLeaseStore, "acct-1", gatetypes.ResourceInstagram, 10*time.Minute)

	slow := rec.seq.Add(1)
	fast := rec.seq.Add(1)
	allow := &models.AccessVerdict{AccessAllowed: true, Reason: gatetypes.AccessReasonAllowed}
	deny := &models.AccessVerdict{AccessAllowed: false, Reason: gatetypes.AccessReasonProcessingActive}

	grantDone := make(chan struct{})
	go func() {
		defer close(grantDone)
		_, _ = rec.apply(ctx, "acct-1", gatetypes.ResourceInstagram, slow, allow, nil, nil)
	}()
	<-store.entered

	denialOutcome := make(chan string, 1)
	go func() {
		outcome, _ := rec.apply(ctx, "acct-1", gatetypes.ResourceInstagram, fast, deny, nil, nil)
		denialOutcome <- outcome
	}()

	// The newer denial must wait for the stalled removal, not race past it.
	select {
	case outcome := <-denialOutcome:
		t.Fatalf("denial applied while the older grant was mid-write: %q", outcome)
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	<-grantDone
	if outcome := <-denialOutcome; outcome != reconcileOutcomeDeny {
		t.Fatalf("outcome = %q, want deny", outcome)
	}

	stored, _ := store.Get(ctx, "acct-1", gatetypes.ResourceInstagram)
	if stored == nil {
		t.Fatal("lease written by the newer denial must survive the older grant")
	}
	var lease models.Lease
	if err := json.Unmarshal(stored.Raw, &lease); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if lease.Seq != fast {
		t.Errorf("lease seq = %d, want %d", lease.Seq, fast)
	}
}

func TestReconcileAllowClearsLapsedOverride(t *testing.T) {
	f := newReconcilerFixture(time.Minute)
	ctx := context.Background()

	if err := f.overrides.Put(ctx, models.OverrideFlag{Owner: "acct-1", Resource: gatetypes.ResourceInstagram, GrantedBy: "support"}); err != nil {
		t.Fatalf("put flag: %v", err)
	}

	outcome, err := f.reconciler.Reconcile(ctx, "acct-1", gatetypes.ResourceInstagram)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome != reconcileOutcomeAllow {
		t.Fatalf("outcome = %q, want allow", outcome)
	}
	if flag, _ := f.overrides.Get(ctx, "acct-1", gatetypes.ResourceInstagram); flag != nil {
		t.Error("confirmed completion should retire the override flag")
	}
}

func TestReconcileDenyKeepsOverride(t *testing.T) {
	f := newReconcilerFixture(time.Minute)
	ctx := context.Background()

	if err := f.overrides.Put(ctx, models.OverrideFlag{Owner: "acct-1", Resource: gatetypes.ResourceInstagram, GrantedBy: "support"}); err != nil {
		t.Fatalf("put flag: %v", err)
	}
	f.stub.SetVerdict("acct-1", gatetypes.ResourceInstagram, models.AccessVerdict{AccessAllowed: false, Reason: gatetypes.AccessReasonProcessingActive})
	f.stub.SetStatus("acct-1", gatetypes.ResourceInstagram, models.JobStatus{Running: true})

	if _, err := f.reconciler.Reconcile(ctx, "acct-1", gatetypes.ResourceInstagram); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if flag, _ := f.overrides.Get(ctx, "acct-1", gatetypes.ResourceInstagram); flag == nil {
		t.Error("a still-running job must not clear the override flag")
	}
}

func TestReconcileDiscardedAfterUnmount(t *testing.T) {
	f := newReconcilerFixture(time.Minute)
	ctx := context.Background()

	f.stub.SetVerdict("acct-1", gatetypes.ResourceInstagram, models.AccessVerdict{AccessAllowed: false, Reason: gatetypes.AccessReasonProcessingActive})
	f.reconciler.SetMountedProbe(func(string, gatetypes.Resource) bool { return false })

	outcome, err := f.reconciler.Reconcile(ctx, "acct-1", gatetypes.ResourceInstagram)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome != reconcileOutcomeDiscarded {
		t.Fatalf("outcome = %q, want discarded", outcome)
	}
	if stored, _ := f.leases.Get(ctx, "acct-1", gatetypes.ResourceInstagram); stored != nil {
		t.Error("response for an unmounted resource must not be applied")
	}
}

type splitVerifier struct {
	status models.JobStatus
}

func (v splitVerifier) Status(context.Context, string, gatetypes.Resource) (models.JobStatus, error) {
	return v.status, nil
}

func (v splitVerifier) ValidateAccess(context.Context, string, gatetypes.Resource) (models.AccessVerdict, error) {
	return models.AccessVerdict{}, errors.New("validate endpoint down")
}

func TestReconcileStatusStandsInForVerdict(t *testing.T) {
	leases := storeetcd.NewMemoryLeaseStore(nil)
	rec := NewReconciler(leases, storeetcd.NewMemoryOverrideStore(), splitVerifier{status: models.JobStatus{Running: true}}, bus.NewNotifier(), config.NewStaticPolicy(defaultPolicy()), time.Minute)

	outcome, err := rec.Reconcile(context.Background(), "acct-1", gatetypes.ResourceInstagram)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome != reconcileOutcomeDeny {
		t.Fatalf("outcome = %q, want deny while the job still runs", outcome)
	}
}

type countingVerifier struct {
	calls atomic.Int64
}

func (v *countingVerifier) Status(context.Context, string, gatetypes.Resource) (models.JobStatus, error) {
	return models.JobStatus{}, errors.New("down")
}

func (v *countingVerifier) ValidateAccess(context.Context, string, gatetypes.Resource) (models.AccessVerdict, error) {
	v.calls.Add(1)
	return models.AccessVerdict{}, errors.New("down")
}

func TestReconcileLoopLifecycle(t *testing.T) {
	leases := storeetcd.NewMemoryLeaseStore(nil)
	verifier := &countingVerifier{}
	rec := NewReconciler(leases, storeetcd.NewMemoryOverrideStore(), verifier, bus.NewNotifier(), config.NewStaticPolicy(defaultPolicy()), 10*time.Millisecond)

	rec.Acquire("acct-1", gatetypes.ResourceInstagram)
	rec.Acquire("acct-1", gatetypes.ResourceInstagram)

	deadline := time.Now().Add(2 * time.Second)
	for verifier.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("loop never ran after acquire")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// First release only drops the refcount; the loop keeps ticking.
	rec.Release("acct-1", gatetypes.ResourceInstagram)
	rec.Release("acct-1", gatetypes.ResourceInstagram)

	time.Sleep(50 * time.Millisecond)
	settled := verifier.calls.Load()
	time.Sleep(100 * time.Millisecond)
	if verifier.calls.Load() != settled {
		t.Error("loop kept running after final release")
	}
}
