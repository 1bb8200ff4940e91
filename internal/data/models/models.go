package models

import (
	"time"

	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
)

// Lease is a time-boxed denial of access to one protected resource for one
// owner. Timestamps are absolute unix seconds, never durations.
type Lease struct {
	Owner         string             `json:"owner"`
	Resource      gatetypes.Resource `json:"resource"`
	StartTime     int64              `json:"start_time"`
	EndTime       int64              `json:"end_time"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
	Seq           uint64             `json:"seq"`
	Version       int64              `json:"version"`
	LastUpdatedAt time.Time          `json:"last_updated_at"`
}

func (l Lease) RemainingMinutes(now time.Time) int {
	remaining := l.EndTime - now.Unix()
	if remaining <= 0 {
		return 0
	}
	return int((remaining + 59) / 60)
}

// StoredLease is a lease as read back from the store: raw bytes plus the
// companion guard record's end-time echo. The record is handed to the tamper
// classifier unparsed so that structural corruption is still observable.
type StoredLease struct {
	Owner       string
	Resource    gatetypes.Resource
	Raw         []byte
	TwinEndTime *int64
	ModRevision int64
}

// LeaseGuard is the companion record written next to every lease. The tamper
// detector cross-checks its echo against the primary record.
type LeaseGuard struct {
	EndTimeEcho int64     `json:"end_time_echo"`
	WrittenAt   time.Time `json:"written_at"`
}

// OverrideFlag unconditionally defeats the corresponding lease while present.
type OverrideFlag struct {
	Owner     string             `json:"owner"`
	Resource  gatetypes.Resource `json:"resource"`
	GrantedAt time.Time          `json:"granted_at"`
	GrantedBy string             `json:"granted_by"`
	Reason    string             `json:"reason,omitempty"`
}

type ChangeEventKind string

const (
	ChangeLeasePut        ChangeEventKind = "LEASE_PUT"
	ChangeLeaseRemoved    ChangeEventKind = "LEASE_REMOVED"
	ChangeOverrideGranted ChangeEventKind = "OVERRIDE_GRANTED"
	ChangeOverrideCleared ChangeEventKind = "OVERRIDE_CLEARED"
)

// ChangeEvent fans out on the notifier whenever the lease or override state
// for an owner changes, for other instances and the presentation layer.
type ChangeEvent struct {
	Kind       ChangeEventKind    `json:"kind"`
	Owner      string             `json:"owner"`
	Resource   gatetypes.Resource `json:"resource"`
	Detail     string             `json:"detail,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// JobStatus is the onboarding backend's view of the background job.
// RemainingSeconds is nil when the backend does not report an estimate.
type JobStatus struct {
	Running          bool   `json:"running"`
	RemainingSeconds *int64 `json:"remaining_seconds,omitempty"`
}

// AccessVerdict is the backend's authoritative access decision.
type AccessVerdict struct {
	AccessAllowed bool                   `json:"access_allowed"`
	Reason        gatetypes.AccessReason `json:"reason"`
}

// Verdict is what the checkpoint hands back to the caller attempting to
// render a protected resource.
type Verdict struct {
	Blocked          bool
	Owner            string
	Resource         gatetypes.Resource
	RedirectTarget   string
	RemainingMinutes int
	WarnOnUnload     bool
	Reassert         bool
	Reason           string
}

type UnloadAdvisory struct {
	Warn      bool
	Resources []string
}

// GatePolicy is the deployment-tunable part of enforcement. Ceilings override
// the built-in per-resource defaults when present.
type GatePolicy struct {
	BlockAllOnAnyActive         bool             `json:"block_all_on_any_active"`
	CeilingSeconds              map[string]int64 `json:"ceiling_seconds,omitempty"`
	FutureStartToleranceSeconds int64            `json:"future_start_tolerance_seconds"`
	TwinToleranceSeconds        int64            `json:"twin_tolerance_seconds"`
}

type IdempotencyRecord struct {
	RequestHash  string
	StatusCode   int
	ResponseBody []byte
	ContentType  string
}
