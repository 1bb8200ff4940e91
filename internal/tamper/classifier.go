package tamper

import (
	"encoding/json"
	"time"

	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
)

// Tolerances bound the slack the classifier grants before calling a record
// suspicious. Both exist to absorb write-time clock skew, not tampering.
type Tolerances struct {
	FutureStart time.Duration
	TwinSkew    time.Duration
}

func DefaultTolerances() Tolerances {
	return Tolerances{
		FutureStart: 5 * time.Second,
		TwinSkew:    3 * time.Second,
	}
}

// Classify inspects a stored lease record against the current time and the
// resource's ceiling. It is a pure function: deletion of bad records is the
// caller's job. The parsed lease is returned only for ACTIVE and EXPIRED
// records; corrupted and suspicious records yield nil.
//
// The classifier cannot prove tampering. It catches the cheap classes
// (edited expiry, duplicated record with a stale twin, clock rollback) and
// leaves anything subtler to backend reconciliation, which is authoritative.
func Classify(stored models.StoredLease, now time.Time, ceiling time.Duration, tol Tolerances) (gatetypes.Classification, *models.Lease) {
	var lease models.Lease
	if err := json.Unmarshal(stored.Raw, &lease); err != nil {
		return gatetypes.ClassificationCorrupted, nil
	}
	if lease.StartTime <= 0 || lease.EndTime <= 0 {
		return gatetypes.ClassificationCorrupted, nil
	}

	// Internally inconsistent fields are handled like any other invariant
	// violation: delete, never trust-but-watch.
	if lease.EndTime < lease.StartTime {
		return gatetypes.ClassificationSuspicious, nil
	}
	if float64(lease.StartTime-now.Unix()) > tol.FutureStart.Seconds() {
		return gatetypes.ClassificationSuspicious, nil
	}
	if ceiling > 0 && float64(lease.EndTime-lease.StartTime) > ceiling.Seconds() {
		return gatetypes.ClassificationSuspicious, nil
	}
	if stored.TwinEndTime != nil {
		skew := lease.EndTime - *stored.TwinEndTime
		if skew < 0 {
			skew = -skew
		}
		if float64(skew) > tol.TwinSkew.Seconds() {
			return gatetypes.ClassificationSuspicious, nil
		}
	}

	if now.Unix() > lease.EndTime {
		return gatetypes.ClassificationExpired, &lease
	}
	return gatetypes.ClassificationActive, &lease
}
