package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	gateerrors "github.com/KomaiX512/accountmanager-gate/internal/errors"
	"github.com/KomaiX512/accountmanager-gate/internal/ports"
	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
	"github.com/KomaiX512/accountmanager-gate/pkg/metric"
)

const (
	reconcileOutcomeAllow        = "allow"
	reconcileOutcomeDeny         = "deny"
	reconcileOutcomeInconclusive = "inconclusive"
	reconcileOutcomeStale        = "stale"
	reconcileOutcomeDiscarded    = "discarded"

	reconcileCallTimeout = 10 * time.Second
)

type reconcileLoop struct {
	cancel context.CancelFunc
	refs   int
}

// Reconciler keeps lease state converged with the onboarding backend. Every
// reconcile request takes a sequence number from a process-wide counter at
// request start; a response is applied only if no response with a higher
// sequence has already been applied for the same (owner, resource). Slow
// responses arriving out of order are dropped, never rolled back over fresher
// state. A backend failure applies nothing, leaving the prior local verdict
// in force.
type Reconciler struct {
	leases    ports.LeaseStore
	overrides ports.OverrideStore
	backend   ports.BackendVerifier
	notifier  ports.ChangeNotifier
	policies  ports.GatePolicySource
	interval  time.Duration

	// mounted gates response application for resources torn down while a
	// request was in flight. Nil means always mounted.
	mounted func(owner string, resource gatetypes.Resource) bool

	seq atomic.Uint64

	mu          sync.Mutex
	lastApplied map[string]uint64
	loops       map[string]*reconcileLoop
	applyLocks  map[string]*sync.Mutex

	nowFn func() time.Time
}

func NewReconciler(leases ports.LeaseStore, overrides ports.OverrideStore, backend ports.BackendVerifier, notifier ports.ChangeNotifier, policies ports.GatePolicySource, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reconciler{
		leases:      leases,
		overrides:   overrides,
		backend:     backend,
		notifier:    notifier,
		policies:    policies,
		interval:    interval,
		lastApplied: make(map[string]uint64),
		loops:       make(map[string]*reconcileLoop),
		applyLocks:  make(map[string]*sync.Mutex),
		nowFn:       time.Now,
	}
}

// SetMountedProbe installs the liveness check consulted before a backend
// response is applied.
func (r *Reconciler) SetMountedProbe(probe func(owner string, resource gatetypes.Resource) bool) {
	r.mounted = probe
}

// Acquire starts the periodic loop for the pair on first reference and bumps
// the refcount on subsequent ones. Callers pair it with Release.
func (r *Reconciler) Acquire(owner string, resource gatetypes.Resource) {
	key := pairKey(owner, resource)

	r.mu.Lock()
	defer r.mu.Unlock()

	if loop, ok := r.loops[key]; ok {
		loop.refs++
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.loops[key] = &reconcileLoop{cancel: cancel, refs: 1}
	go r.run(ctx, owner, resource)
}

func (r *Reconciler) Release(owner string, resource gatetypes.Resource) {
	key := pairKey(owner, resource)

	r.mu.Lock()
	defer r.mu.Unlock()

	loop, ok := r.loops[key]
	if !ok {
		return
	}
	loop.refs--
	if loop.refs <= 0 {
		loop.cancel()
		delete(r.loops, key)
	}
}

func (r *Reconciler) run(ctx context.Context, owner string, resource gatetypes.Resource) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("owner", owner).
				Str("resource", string(resource)).Msg("reconcile loop panicked, restarting")
			time.Sleep(5 * time.Second)
			go r.run(ctx, owner, resource)
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, reconcileCallTimeout)
			_, _ = r.Reconcile(callCtx, owner, resource)
			cancel()
		}
	}
}

// Reconcile asks the backend whether access should be allowed for the pair
// and converges local lease state on the answer. The returned outcome names
// what happened to local state.
func (r *Reconciler) Reconcile(ctx context.Context, owner string, resource gatetypes.Resource) (string, error) {
	seq := r.seq.Add(1)
	start := r.nowFn()

	verdict, status, err := r.ask(ctx, owner, resource)
	outcome, applyErr := r.apply(ctx, owner, resource, seq, verdict, status, err)

	metric.ObserveReconcile(string(resource), outcome, r.nowFn().Sub(start))
	if outcome == reconcileOutcomeStale {
		metric.ObserveStaleResponse(string(resource))
	}
	return outcome, applyErr
}

// ask consults the backend. The access verdict is authoritative; job status
// supplies the remaining window for denials and stands in for the verdict
// when only one of the two calls succeeds.
func (r *Reconciler) ask(ctx context.Context, owner string, resource gatetypes.Resource) (*models.AccessVerdict, *models.JobStatus, error) {
	verdict, vErr := r.backend.ValidateAccess(ctx, owner, resource)
	status, sErr := r.backend.Status(ctx, owner, resource)

	if vErr != nil && sErr != nil {
		return nil, nil, vErr
	}
	if vErr != nil {
		return nil, &status, nil
	}
	if sErr != nil {
		return &verdict, nil, nil
	}
	return &verdict, &status, nil
}

func (r *Reconciler) apply(ctx context.Context, owner string, resource gatetypes.Resource, seq uint64, verdict *models.AccessVerdict, status *models.JobStatus, askErr error) (string, error) {
	if askErr != nil {
		log.Warn().Err(askErr).Str("owner", owner).Str("resource", string(resource)).
			Msg("backend unreachable, holding prior lease state")
		return reconcileOutcomeInconclusive, askErr
	}
	if r.mounted != nil && !r.mounted(owner, resource) {
		return reconcileOutcomeDiscarded, nil
	}

	allow := r.allowed(verdict, status)
	key := pairKey(owner, resource)

	// Responses for a pair apply one at a time, sequence check and store
	// mutation under the same lock. Without that a response that passed the
	// check and then stalled mid-write could land on top of a fresher one.
	lock := r.pairLock(key)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if seq <= r.lastApplied[key] {
		r.mu.Unlock()
		log.Debug().Str("owner", owner).Str("resource", string(resource)).
			Uint64("seq", seq).Msg("dropping out-of-order backend response")
		return reconcileOutcomeStale, gateerrors.ErrStaleResponse
	}
	r.lastApplied[key] = seq
	r.mu.Unlock()

	if allow {
		return reconcileOutcomeAllow, r.applyAllow(ctx, owner, resource)
	}
	return reconcileOutcomeDeny, r.applyDeny(ctx, owner, resource, seq, status)
}

// allowed resolves the two backend answers into one bit. An explicit verdict
// wins; with only job status available, a finished job reads as a grant.
func (r *Reconciler) allowed(verdict *models.AccessVerdict, status *models.JobStatus) bool {
	if verdict != nil {
		return verdict.AccessAllowed
	}
	return status == nil || !status.Running
}

func (r *Reconciler) applyAllow(ctx context.Context, owner string, resource gatetypes.Resource) error {
	stored, err := r.leases.Get(ctx, owner, resource)
	if err != nil {
		return err
	}
	if stored != nil {
		if err := r.leases.RemoveIfCurrent(ctx, *stored); err != nil {
			if errors.Is(err, gateerrors.ErrCASConflict) {
				// Record was rewritten after we read it; the newer write
				// stands, and the flag stays with it.
				return nil
			}
			return err
		}
		r.notifier.Publish(models.ChangeEvent{
			Kind:       models.ChangeLeaseRemoved,
			Owner:      owner,
			Resource:   resource,
			Detail:     "backend-allow",
			OccurredAt: r.nowFn(),
		})
	}
	r.clearLapsedOverride(ctx, owner, resource)
	return nil
}

// clearLapsedOverride retires the override flag once the backend has
// confirmed the run complete and no lease remains. The flag exists to defeat
// a lease that outlived its job, not to exempt the owner from future runs.
func (r *Reconciler) clearLapsedOverride(ctx context.Context, owner string, resource gatetypes.Resource) {
	if r.overrides == nil {
		return
	}
	flag, err := r.overrides.Get(ctx, owner, resource)
	if err != nil || flag == nil {
		return
	}
	if err := r.overrides.Remove(ctx, owner, resource); err != nil {
		log.Warn().Err(err).Str("owner", owner).Str("resource", string(resource)).
			Msg("failed to clear lapsed override flag")
		return
	}
	r.notifier.Publish(models.ChangeEvent{
		Kind:       models.ChangeOverrideCleared,
		Owner:      owner,
		Resource:   resource,
		Detail:     "lapsed",
		OccurredAt: r.nowFn(),
	})
	metric.ObserveOverrideMutation(string(resource), "lapse")
}

func (r *Reconciler) applyDeny(ctx context.Context, owner string, resource gatetypes.Resource, seq uint64, status *models.JobStatus) error {
	now := r.nowFn()
	window := ceilingFor(r.policies.Policy(), resource)
	if status != nil && status.RemainingSeconds != nil && *status.RemainingSeconds > 0 {
		window = time.Duration(*status.RemainingSeconds) * time.Second
		if ceiling := ceilingFor(r.policies.Policy(), resource); window > ceiling {
			window = ceiling
		}
	}

	lease := models.Lease{
		Owner:         owner,
		Resource:      resource,
		StartTime:     now.Unix(),
		EndTime:       now.Add(window).Unix(),
		Seq:           seq,
		Version:       1,
		LastUpdatedAt: now,
	}

	prior, err := r.leases.Get(ctx, owner, resource)
	if err != nil {
		return err
	}

	if prior != nil {
		if priorLease, ok := decodeLease(prior.Raw); ok {
			lease.Version = priorLease.Version + 1
			// A denial never shortens a window the user already saw.
			if priorLease.EndTime > lease.EndTime && priorLease.EndTime <= now.Add(ceilingFor(r.policies.Policy(), resource)).Unix() {
				lease.EndTime = priorLease.EndTime
				lease.StartTime = priorLease.StartTime
			}
		}
		if err := r.leases.Update(ctx, lease, *prior); err != nil {
			if errors.Is(err, gateerrors.ErrCASConflict) {
				// Someone refreshed the record first; their write carries
				// a newer revision and stands.
				return nil
			}
			return err
		}
	} else if err := r.leases.Put(ctx, lease); err != nil {
		return err
	}

	r.notifier.Publish(models.ChangeEvent{
		Kind:       models.ChangeLeasePut,
		Owner:      owner,
		Resource:   resource,
		Detail:     "backend-deny",
		OccurredAt: now,
	})
	return nil
}

func (r *Reconciler) pairLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.applyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.applyLocks[key] = lock
	}
	return lock
}

func pairKey(owner string, resource gatetypes.Resource) string {
	return owner + "::" + string(resource)
}
