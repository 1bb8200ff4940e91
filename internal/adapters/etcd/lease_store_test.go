package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	gateerrors "github.com/KomaiX512/accountmanager-gate/internal/errors"
	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
)

func testLease(owner string, resource gatetypes.Resource, window time.Duration) models.Lease {
	now := time.Now()
	return models.Lease{
		Owner:         owner,
		Resource:      resource,
		StartTime:     now.Unix(),
		EndTime:       now.Add(window).Unix(),
		Version:       1,
		LastUpdatedAt: now,
	}
}

func TestMemoryLeaseStoreRoundTrip(t *testing.T) {
	store := NewMemoryLeaseStore(nil)
	ctx := context.Background()
	lease := testLease("acct-1", gatetypes.ResourceInstagram, 10*time.Minute)

	if err := store.Put(ctx, lease); err != nil {
		t.Fatalf("put: %v", err)
	}

	stored, err := store.Get(ctx, "acct-1", gatetypes.ResourceInstagram)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored == nil {
		t.Fatal("expected a record")
	}
	var decoded models.Lease
	if err := json.Unmarshal(stored.Raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.EndTime != lease.EndTime {
		t.Errorf("end time = %d, want %d", decoded.EndTime, lease.EndTime)
	}
	if stored.TwinEndTime == nil || *stored.TwinEndTime != lease.EndTime {
		t.Error("put must write the guard twin echoing the end time")
	}

	if absent, err := store.Get(ctx, "acct-1", gatetypes.ResourceTwitter); err != nil || absent != nil {
		t.Errorf("absent record: got %v err %v, want nil nil", absent, err)
	}
}

func TestMemoryLeaseStoreUpdateRequiresCurrentRevision(t *testing.T) {
	store := NewMemoryLeaseStore(nil)
	ctx := context.Background()
	lease := testLease("acct-1", gatetypes.ResourceInstagram, 10*time.Minute)

	if err := store.Put(ctx, lease); err != nil {
		t.Fatalf("put: %v", err)
	}
	prior, _ := store.Get(ctx, "acct-1", gatetypes.ResourceInstagram)

	// A concurrent writer bumps the revision.
	if err := store.Put(ctx, lease); err != nil {
		t.Fatalf("second put: %v", err)
	}

	lease.Version = 2
	if err := store.Update(ctx, lease, *prior); !errors.Is(err, gateerrors.ErrCASConflict) {
		t.Fatalf("update against stale revision: err = %v, want CAS conflict", err)
	}

	fresh, _ := store.Get(ctx, "acct-1", gatetypes.ResourceInstagram)
	if err := store.Update(ctx, lease, *fresh); err != nil {
		t.Fatalf("update against current revision: %v", err)
	}
}

func TestMemoryLeaseStoreRemoveIfCurrent(t *testing.T) {
	store := NewMemoryLeaseStore(nil)
	ctx := context.Background()
	lease := testLease("acct-1", gatetypes.ResourceInstagram, 10*time.Minute)

	if err := store.Put(ctx, lease); err != nil {
		t.Fatalf("put: %v", err)
	}
	stale, _ := store.Get(ctx, "acct-1", gatetypes.ResourceInstagram)

	if err := store.Put(ctx, lease); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if err := store.RemoveIfCurrent(ctx, *stale); !errors.Is(err, gateerrors.ErrCASConflict) {
		t.Fatalf("stale delete: err = %v, want CAS conflict", err)
	}
	if stored, _ := store.Get(ctx, "acct-1", gatetypes.ResourceInstagram); stored == nil {
		t.Fatal("rewritten record must survive the stale delete")
	}

	current, _ := store.Get(ctx, "acct-1", gatetypes.ResourceInstagram)
	if err := store.RemoveIfCurrent(ctx, *current); err != nil {
		t.Fatalf("current delete: %v", err)
	}
	if stored, _ := store.Get(ctx, "acct-1", gatetypes.ResourceInstagram); stored != nil {
		t.Error("record should be gone after a current delete")
	}
}

func TestMemoryLeaseStoreListActive(t *testing.T) {
	store := NewMemoryLeaseStore([]models.Lease{
		testLease("acct-1", gatetypes.ResourceInstagram, 10*time.Minute),
		testLease("acct-1", gatetypes.ResourceTwitter, 5*time.Minute),
		testLease("acct-2", gatetypes.ResourceFacebook, 5*time.Minute),
	})

	records, err := store.ListActive(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	for _, record := range records {
		if record.Owner != "acct-1" {
			t.Errorf("record owner = %q, want acct-1", record.Owner)
		}
	}
}

func TestSplitRecordKey(t *testing.T) {
	owner, resource, ok := SplitRecordKey(LeasePrefix() + "acct-1/instagram")
	if !ok || owner != "acct-1" || resource != gatetypes.ResourceInstagram {
		t.Errorf("got (%q, %q, %v)", owner, resource, ok)
	}

	if _, _, ok := SplitRecordKey(LeasePrefix() + "broken"); ok {
		t.Error("truncated key should not parse")
	}
}
