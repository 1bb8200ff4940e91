package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	gateerrors "github.com/KomaiX512/accountmanager-gate/internal/errors"
	"github.com/KomaiX512/accountmanager-gate/internal/ports"
	"github.com/KomaiX512/accountmanager-gate/internal/tamper"
	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
	"github.com/KomaiX512/accountmanager-gate/pkg/metric"
)

const (
	defaultCheckpointDebounce = 100 * time.Millisecond
	defaultProcessingViewPath = "/processing"

	reasonAllowed     = "allowed"
	reasonUnprotected = "unprotected"
	reasonOverride    = "override"
	reasonProcessing  = "processing_active"
	reasonPanic       = "evaluation_error"
)

// GateService runs the enforcement checkpoint and every gate mutation. It
// fails open on its own defects: a panic or store failure during evaluation
// yields an allow verdict, because the gate is a courtesy layer and the
// backend still holds the real locks.
type GateService struct {
	leases     ports.LeaseStore
	overrides  ports.OverrideStore
	notifier   ports.ChangeNotifier
	policies   ports.GatePolicySource
	safeguards *SafeguardRegistry
	reconciler *Reconciler

	processingViewPath string
	debounce           time.Duration

	mu           sync.Mutex
	lastRedirect map[string]time.Time

	nowFn func() time.Time
}

func NewGateService(
	leases ports.LeaseStore,
	overrides ports.OverrideStore,
	notifier ports.ChangeNotifier,
	policies ports.GatePolicySource,
	safeguards *SafeguardRegistry,
	reconciler *Reconciler,
	processingViewPath string,
	debounce time.Duration,
) *GateService {
	if processingViewPath == "" {
		processingViewPath = defaultProcessingViewPath
	}
	if debounce <= 0 {
		debounce = defaultCheckpointDebounce
	}
	return &GateService{
		leases:             leases,
		overrides:          overrides,
		notifier:           notifier,
		policies:           policies,
		safeguards:         safeguards,
		reconciler:         reconciler,
		processingViewPath: processingViewPath,
		debounce:           debounce,
		lastRedirect:       make(map[string]time.Time),
		nowFn:              time.Now,
	}
}

// Checkpoint decides whether the instance may render the resource right now.
// It never returns an error; every failure mode degrades to allow.
//
// Order matters: override supremacy is checked before any lease is read, and
// the cross-resource scan runs only when no lease holds the requested
// resource itself.
func (s *GateService) Checkpoint(ctx context.Context, owner, rawResource, instanceID string) (verdict models.Verdict) {
	start := s.nowFn()
	resource := gatetypes.NormalizeResource(rawResource)
	verdict = models.Verdict{Owner: owner, Resource: resource, Reason: reasonAllowed}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("owner", owner).
				Str("resource", string(resource)).Msg("checkpoint evaluation panicked, failing open")
			metric.ObserveCheckpointPanic(string(resource))
			verdict = models.Verdict{Owner: owner, Resource: resource, Reason: reasonPanic}
		}
	}()

	if !gatetypes.IsProtectedResource(rawResource) {
		verdict.Reason = reasonUnprotected
		metric.ObserveCheckpoint(string(resource), reasonUnprotected, s.nowFn().Sub(start))
		return verdict
	}

	policy := s.policies.Policy()

	flag, err := s.overrides.Get(ctx, owner, resource)
	if err != nil {
		// An unreadable flag counts as present: the override always errs
		// toward letting the user through.
		log.Warn().Err(err).Str("owner", owner).Str("resource", string(resource)).
			Msg("override read failed, treating flag as granted")
		flag = &models.OverrideFlag{Owner: owner, Resource: resource}
	}
	if flag != nil {
		s.safeguards.Disarm(instanceID, owner, resource)
		verdict.Reason = reasonOverride
		metric.ObserveCheckpoint(string(resource), reasonOverride, s.nowFn().Sub(start))
		return verdict
	}

	stored, err := s.leases.Get(ctx, owner, resource)
	if err != nil {
		log.Warn().Err(err).Str("owner", owner).Str("resource", string(resource)).
			Msg("lease read failed, failing open")
		metric.ObserveCheckpoint(string(resource), reasonAllowed, s.nowFn().Sub(start))
		return verdict
	}
	if stored != nil {
		if lease := s.classifyOrEvict(ctx, *stored, policy); lease != nil {
			return s.block(ctx, instanceID, resource, *lease, start)
		}
	}

	if policy.BlockAllOnAnyActive {
		others, err := s.leases.ListActive(ctx, owner)
		if err != nil {
			log.Warn().Err(err).Str("owner", owner).Msg("lease scan failed, failing open")
		}
		for _, other := range others {
			if other.Resource == resource {
				continue
			}
			if lease := s.classifyOrEvict(ctx, other, policy); lease != nil {
				return s.block(ctx, instanceID, resource, *lease, start)
			}
		}
	}

	s.safeguards.Disarm(instanceID, owner, resource)
	metric.ObserveCheckpoint(string(resource), reasonAllowed, s.nowFn().Sub(start))
	return verdict
}

// classifyOrEvict returns the lease when it is active and deletes the record
// otherwise. Eviction uses the classified revision so a record rewritten
// underneath the classification survives untouched.
func (s *GateService) classifyOrEvict(ctx context.Context, stored models.StoredLease, policy models.GatePolicy) *models.Lease {
	class, lease := tamper.Classify(stored, s.nowFn(), ceilingFor(policy, stored.Resource), tolerancesFor(policy))
	switch class {
	case gatetypes.ClassificationActive:
		return lease
	case gatetypes.ClassificationCorrupted, gatetypes.ClassificationSuspicious:
		metric.ObserveTamper(string(stored.Resource), string(class))
		log.Warn().Str("owner", stored.Owner).Str("resource", string(stored.Resource)).
			Str("classification", string(class)).Msg("evicting bad lease record")
	}

	if err := s.leases.RemoveIfCurrent(ctx, stored); err != nil {
		if errors.Is(err, gateerrors.ErrCASConflict) {
			// Fresher record appeared while we classified; leave it alone.
			return nil
		}
		log.Warn().Err(err).Str("owner", stored.Owner).
			Str("resource", string(stored.Resource)).Msg("lease eviction failed")
		return nil
	}
	s.notifier.Publish(models.ChangeEvent{
		Kind:       models.ChangeLeaseRemoved,
		Owner:      stored.Owner,
		Resource:   stored.Resource,
		Detail:     strings.ToLower(string(class)),
		OccurredAt: s.nowFn(),
	})
	return nil
}

// block produces the blocked verdict for a checkpoint that found an active
// lease. blocking may belong to a different resource than the one requested
// under the block-all policy. Redirect side effects are debounced per
// (owner, requested resource, instance); the verdict itself is not.
func (s *GateService) block(ctx context.Context, instanceID string, requested gatetypes.Resource, blocking models.Lease, start time.Time) models.Verdict {
	now := s.nowFn()
	query := url.Values{}
	query.Set("owner", blocking.Owner)
	query.Set("resource", string(blocking.Resource))
	query.Set("remaining", fmt.Sprintf("%d", blocking.RemainingMinutes(now)))

	verdict := models.Verdict{
		Blocked:          true,
		Owner:            blocking.Owner,
		Resource:         requested,
		RedirectTarget:   s.processingViewPath + "?" + query.Encode(),
		RemainingMinutes: blocking.RemainingMinutes(now),
		WarnOnUnload:     true,
		Reassert:         s.safeguards.IsArmed(instanceID, blocking.Owner, requested),
		Reason:           reasonProcessing,
	}

	debounceKey := blocking.Owner + "::" + string(requested) + "::" + instanceID
	s.mu.Lock()
	last, seen := s.lastRedirect[debounceKey]
	fresh := !seen || now.Sub(last) >= s.debounce
	if fresh {
		s.lastRedirect[debounceKey] = now
	}
	s.mu.Unlock()

	if fresh {
		s.safeguards.Arm(instanceID, blocking.Owner, requested)
		metric.ObserveRedirect(string(blocking.Resource))
		if s.reconciler != nil {
			owner, res := blocking.Owner, blocking.Resource
			go func() {
				rctx, cancel := context.WithTimeout(context.Background(), reconcileCallTimeout)
				defer cancel()
				_, _ = s.reconciler.Reconcile(rctx, owner, res)
			}()
		}
	}

	metric.ObserveCheckpoint(string(requested), "blocked", s.nowFn().Sub(start))
	return verdict
}

// SeedLease writes a fresh lease for an onboarding run that just started.
// The start time is stamped server-side; the requested duration is clamped
// to the resource ceiling, and a non-positive duration takes the ceiling.
func (s *GateService) SeedLease(ctx context.Context, owner, rawResource string, duration time.Duration, metadata map[string]string) (models.Lease, error) {
	if strings.TrimSpace(owner) == "" {
		return models.Lease{}, fmt.Errorf("%w: owner is required", gateerrors.ErrInvalidRequest)
	}
	if !gatetypes.IsProtectedResource(rawResource) {
		return models.Lease{}, fmt.Errorf("%w: %q", gateerrors.ErrUnknownResource, rawResource)
	}
	resource := gatetypes.NormalizeResource(rawResource)

	ceiling := ceilingFor(s.policies.Policy(), resource)
	if duration <= 0 || duration > ceiling {
		duration = ceiling
	}

	now := s.nowFn()
	lease := models.Lease{
		Owner:         strings.TrimSpace(owner),
		Resource:      resource,
		StartTime:     now.Unix(),
		EndTime:       now.Add(duration).Unix(),
		Metadata:      metadata,
		Version:       1,
		LastUpdatedAt: now,
	}
	if err := s.leases.Put(ctx, lease); err != nil {
		return models.Lease{}, err
	}
	s.notifier.Publish(models.ChangeEvent{
		Kind:       models.ChangeLeasePut,
		Owner:      lease.Owner,
		Resource:   resource,
		Detail:     "seed",
		OccurredAt: now,
	})
	return lease, nil
}

// ListLeases returns the owner's currently active leases, evicting expired
// and tampered records found along the way.
func (s *GateService) ListLeases(ctx context.Context, owner string) ([]models.Lease, error) {
	stored, err := s.leases.ListActive(ctx, owner)
	if err != nil {
		return nil, err
	}
	policy := s.policies.Policy()

	leases := make([]models.Lease, 0, len(stored))
	for _, record := range stored {
		if lease := s.classifyOrEvict(ctx, record, policy); lease != nil {
			leases = append(leases, *lease)
		}
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].Resource < leases[j].Resource })
	return leases, nil
}

// GrantOverride sets the override flag and clears the lease in one logical
// step. The flag defeats any lease written afterwards until it is cleared,
// explicitly or by the reconciler once the run is confirmed complete.
func (s *GateService) GrantOverride(ctx context.Context, owner, rawResource, grantedBy, reason string) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: owner is required", gateerrors.ErrInvalidRequest)
	}
	if !gatetypes.IsProtectedResource(rawResource) {
		return fmt.Errorf("%w: %q", gateerrors.ErrUnknownResource, rawResource)
	}
	resource := gatetypes.NormalizeResource(rawResource)
	now := s.nowFn()

	if err := s.overrides.Put(ctx, models.OverrideFlag{
		Owner:     strings.TrimSpace(owner),
		Resource:  resource,
		GrantedAt: now,
		GrantedBy: grantedBy,
		Reason:    reason,
	}); err != nil {
		return err
	}
	if err := s.leases.Remove(ctx, strings.TrimSpace(owner), resource); err != nil {
		log.Warn().Err(err).Str("owner", owner).Str("resource", string(resource)).
			Msg("lease removal on override failed, flag still defeats it")
	}

	s.notifier.Publish(models.ChangeEvent{
		Kind:       models.ChangeOverrideGranted,
		Owner:      strings.TrimSpace(owner),
		Resource:   resource,
		Detail:     grantedBy,
		OccurredAt: now,
	})
	metric.ObserveOverrideMutation(string(resource), "grant")
	return nil
}

func (s *GateService) ClearOverride(ctx context.Context, owner, rawResource string) error {
	if !gatetypes.IsProtectedResource(rawResource) {
		return fmt.Errorf("%w: %q", gateerrors.ErrUnknownResource, rawResource)
	}
	resource := gatetypes.NormalizeResource(rawResource)

	if err := s.overrides.Remove(ctx, strings.TrimSpace(owner), resource); err != nil {
		return err
	}
	s.notifier.Publish(models.ChangeEvent{
		Kind:       models.ChangeOverrideCleared,
		Owner:      strings.TrimSpace(owner),
		Resource:   resource,
		OccurredAt: s.nowFn(),
	})
	metric.ObserveOverrideMutation(string(resource), "clear")
	return nil
}

// MountInstance registers an instance rendering the resource and starts
// backend reconciliation for the pair, including one immediate pass.
func (s *GateService) MountInstance(instanceID, owner, rawResource string) error {
	if strings.TrimSpace(instanceID) == "" || strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: instance_id and owner are required", gateerrors.ErrInvalidRequest)
	}
	if !gatetypes.IsProtectedResource(rawResource) {
		return fmt.Errorf("%w: %q", gateerrors.ErrUnknownResource, rawResource)
	}
	resource := gatetypes.NormalizeResource(rawResource)
	owner = strings.TrimSpace(owner)

	s.safeguards.Mount(instanceID, owner, resource)
	if s.reconciler != nil {
		s.reconciler.Acquire(owner, resource)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), reconcileCallTimeout)
			defer cancel()
			_, _ = s.reconciler.Reconcile(ctx, owner, resource)
		}()
	}
	return nil
}

func (s *GateService) UnmountInstance(instanceID, owner, rawResource string) error {
	if !gatetypes.IsProtectedResource(rawResource) {
		return fmt.Errorf("%w: %q", gateerrors.ErrUnknownResource, rawResource)
	}
	resource := gatetypes.NormalizeResource(rawResource)
	owner = strings.TrimSpace(owner)

	s.safeguards.Unmount(instanceID, owner, resource)
	if s.reconciler != nil {
		s.reconciler.Release(owner, resource)
	}
	return nil
}

// UnloadAdvisory tells an instance whether tearing down now would abandon a
// resource that is still under an active lease. Purely advisory: nothing can
// stop the teardown, and nothing needs to, since lease state is not
// instance-local.
func (s *GateService) UnloadAdvisory(ctx context.Context, instanceID string) models.UnloadAdvisory {
	policy := s.policies.Policy()

	var resources []string
	for _, mount := range s.safeguards.ArmedMounts(instanceID) {
		stored, err := s.leases.Get(ctx, mount.Owner, mount.Resource)
		if err != nil || stored == nil {
			continue
		}
		if lease := s.classifyOrEvict(ctx, *stored, policy); lease != nil {
			resources = append(resources, string(mount.Resource))
		}
	}
	sort.Strings(resources)
	return models.UnloadAdvisory{Warn: len(resources) > 0, Resources: resources}
}

func ceilingFor(policy models.GatePolicy, resource gatetypes.Resource) time.Duration {
	if secs, ok := policy.CeilingSeconds[string(resource)]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return gatetypes.LeaseCeiling(resource)
}

func tolerancesFor(policy models.GatePolicy) tamper.Tolerances {
	tol := tamper.DefaultTolerances()
	if policy.FutureStartToleranceSeconds > 0 {
		tol.FutureStart = time.Duration(policy.FutureStartToleranceSeconds) * time.Second
	}
	if policy.TwinToleranceSeconds > 0 {
		tol.TwinSkew = time.Duration(policy.TwinToleranceSeconds) * time.Second
	}
	return tol
}

func decodeLease(raw []byte) (models.Lease, bool) {
	var lease models.Lease
	if err := json.Unmarshal(raw, &lease); err != nil {
		return models.Lease{}, false
	}
	return lease, true
}
