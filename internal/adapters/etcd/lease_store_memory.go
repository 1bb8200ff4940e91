package etcd

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	gateerrors "github.com/KomaiX512/accountmanager-gate/internal/errors"
	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
)

type memoryLeaseRecord struct {
	raw         []byte
	twinEndTime *int64
	modRevision int64
}

// MemoryLeaseStore mirrors the etcd store contract for mock mode and tests.
// Several gate instances may share one store, which is exactly how
// multi-instance propagation is simulated.
type MemoryLeaseStore struct {
	mu       sync.RWMutex
	state    map[string]map[gatetypes.Resource]memoryLeaseRecord
	revision int64
}

func NewMemoryLeaseStore(seed []models.Lease) *MemoryLeaseStore {
	store := &MemoryLeaseStore{
		state: make(map[string]map[gatetypes.Resource]memoryLeaseRecord),
	}
	for _, lease := range seed {
		_ = store.Put(context.Background(), lease)
	}
	return store
}

// Corrupt overwrites a record with arbitrary bytes. Test hook for the tamper
// paths; the etcd store has no equivalent because etcd clients can write any
// bytes already.
func (s *MemoryLeaseStore) Corrupt(owner string, resource gatetypes.Resource, raw []byte, twinEndTime *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureOwner(owner)
	s.revision++
	s.state[owner][resource] = memoryLeaseRecord{
		raw:         append([]byte(nil), raw...),
		twinEndTime: twinEndTime,
		modRevision: s.revision,
	}
}

func (s *MemoryLeaseStore) Get(_ context.Context, owner string, resource gatetypes.Resource) (*models.StoredLease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.state[strings.TrimSpace(owner)][resource]
	if !ok {
		return nil, nil
	}
	return s.toStored(owner, resource, record), nil
}

func (s *MemoryLeaseStore) Put(_ context.Context, lease models.Lease) error {
	raw, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := strings.TrimSpace(lease.Owner)
	s.ensureOwner(owner)
	echo := lease.EndTime
	s.revision++
	s.state[owner][lease.Resource] = memoryLeaseRecord{
		raw:         raw,
		twinEndTime: &echo,
		modRevision: s.revision,
	}
	return nil
}

func (s *MemoryLeaseStore) Update(_ context.Context, lease models.Lease, prior models.StoredLease) error {
	raw, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := strings.TrimSpace(lease.Owner)
	current, ok := s.state[owner][lease.Resource]
	if !ok || current.modRevision != prior.ModRevision {
		return gateerrors.ErrCASConflict
	}
	echo := lease.EndTime
	s.revision++
	s.state[owner][lease.Resource] = memoryLeaseRecord{
		raw:         raw,
		twinEndTime: &echo,
		modRevision: s.revision,
	}
	return nil
}

func (s *MemoryLeaseStore) Remove(_ context.Context, owner string, resource gatetypes.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state[strings.TrimSpace(owner)], resource)
	return nil
}

func (s *MemoryLeaseStore) RemoveIfCurrent(_ context.Context, prior models.StoredLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := strings.TrimSpace(prior.Owner)
	current, ok := s.state[owner][prior.Resource]
	if !ok || current.modRevision != prior.ModRevision {
		return gateerrors.ErrCASConflict
	}
	delete(s.state[owner], prior.Resource)
	return nil
}

func (s *MemoryLeaseStore) ListActive(_ context.Context, owner string) ([]models.StoredLease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byResource := s.state[strings.TrimSpace(owner)]
	result := make([]models.StoredLease, 0, len(byResource))
	for resource, record := range byResource {
		result = append(result, *s.toStored(owner, resource, record))
	}
	return result, nil
}

func (s *MemoryLeaseStore) ensureOwner(owner string) {
	if _, ok := s.state[owner]; !ok {
		s.state[owner] = make(map[gatetypes.Resource]memoryLeaseRecord)
	}
}

func (s *MemoryLeaseStore) toStored(owner string, resource gatetypes.Resource, record memoryLeaseRecord) *models.StoredLease {
	var twin *int64
	if record.twinEndTime != nil {
		echo := *record.twinEndTime
		twin = &echo
	}
	return &models.StoredLease{
		Owner:       strings.TrimSpace(owner),
		Resource:    resource,
		Raw:         append([]byte(nil), record.raw...),
		TwinEndTime: twin,
		ModRevision: record.modRevision,
	}
}
