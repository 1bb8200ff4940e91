package backend

import (
	"context"
	"sync"

	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
)

// Stub is the mock-mode verifier: no job is ever running and access is
// always allowed, so a gate wired with USE_MOCK_ADAPTERS never blocks on a
// backend that is not there. Tests override its answers per (owner,resource).
type Stub struct {
	mu       sync.RWMutex
	statuses map[string]models.JobStatus
	verdicts map[string]models.AccessVerdict
	err      error
}

func NewStub() *Stub {
	return &Stub{
		statuses: make(map[string]models.JobStatus),
		verdicts: make(map[string]models.AccessVerdict),
	}
}

func (s *Stub) SetStatus(owner string, resource gatetypes.Resource, status models.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[stubKey(owner, resource)] = status
}

func (s *Stub) SetVerdict(owner string, resource gatetypes.Resource, verdict models.AccessVerdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts[stubKey(owner, resource)] = verdict
}

// SetError makes every call fail, simulating an unreachable backend.
func (s *Stub) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Stub) Status(_ context.Context, owner string, resource gatetypes.Resource) (models.JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return models.JobStatus{}, s.err
	}
	if status, ok := s.statuses[stubKey(owner, resource)]; ok {
		return status, nil
	}
	return models.JobStatus{Running: false}, nil
}

func (s *Stub) ValidateAccess(_ context.Context, owner string, resource gatetypes.Resource) (models.AccessVerdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return models.AccessVerdict{}, s.err
	}
	if verdict, ok := s.verdicts[stubKey(owner, resource)]; ok {
		return verdict, nil
	}
	return models.AccessVerdict{AccessAllowed: true, Reason: gatetypes.AccessReasonAllowed}, nil
}

func stubKey(owner string, resource gatetypes.Resource) string {
	return owner + "::" + string(resource)
}
