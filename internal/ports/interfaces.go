package ports

import (
	"context"

	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
)

// LeaseStore is the single source of client-side truth. Implementations must
// hand records back unparsed so the tamper classifier sees what is actually
// persisted. Get and ListActive return absent records as nil / omitted, not
// as errors.
type LeaseStore interface {
	Get(ctx context.Context, owner string, resource gatetypes.Resource) (*models.StoredLease, error)
	Put(ctx context.Context, lease models.Lease) error
	// Update replaces the record only if prior is still current, returning
	// ErrCASConflict otherwise. A lost race means someone wrote fresher
	// state; callers skip and let the next reconciliation settle it.
	Update(ctx context.Context, lease models.Lease, prior models.StoredLease) error
	Remove(ctx context.Context, owner string, resource gatetypes.Resource) error
	// RemoveIfCurrent deletes the exact record the caller classified, so a
	// tamper deletion never throws away a record rewritten underneath it.
	RemoveIfCurrent(ctx context.Context, prior models.StoredLease) error
	ListActive(ctx context.Context, owner string) ([]models.StoredLease, error)
}

type OverrideStore interface {
	Get(ctx context.Context, owner string, resource gatetypes.Resource) (*models.OverrideFlag, error)
	Put(ctx context.Context, flag models.OverrideFlag) error
	Remove(ctx context.Context, owner string, resource gatetypes.Resource) error
}

// BackendVerifier talks to the onboarding backend, the only authoritative
// actor in the system.
type BackendVerifier interface {
	Status(ctx context.Context, owner string, resource gatetypes.Resource) (models.JobStatus, error)
	ValidateAccess(ctx context.Context, owner string, resource gatetypes.Resource) (models.AccessVerdict, error)
}

// ChangeNotifier fans lease/override mutations out to subscribers within the
// process. Cross-process fanout rides the store watcher, which republishes
// into the same notifier.
type ChangeNotifier interface {
	Publish(event models.ChangeEvent)
	Subscribe(buffer int) (<-chan models.ChangeEvent, func())
}

type GatePolicySource interface {
	Policy() models.GatePolicy
}

type IdempotencyKeyStore interface {
	Get(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error)
	Put(ctx context.Context, scope, key string, record models.IdempotencyRecord) error
}
