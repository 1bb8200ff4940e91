package etcd

import (
	"context"
	"strings"
	"sync"

	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
)

type MemoryOverrideStore struct {
	mu    sync.RWMutex
	flags map[string]models.OverrideFlag
}

func NewMemoryOverrideStore() *MemoryOverrideStore {
	return &MemoryOverrideStore{
		flags: make(map[string]models.OverrideFlag),
	}
}

func (s *MemoryOverrideStore) Get(_ context.Context, owner string, resource gatetypes.Resource) (*models.OverrideFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flag, ok := s.flags[overrideMapKey(owner, resource)]
	if !ok {
		return nil, nil
	}
	copied := flag
	return &copied, nil
}

func (s *MemoryOverrideStore) Put(_ context.Context, flag models.OverrideFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flags[overrideMapKey(flag.Owner, flag.Resource)] = flag
	return nil
}

func (s *MemoryOverrideStore) Remove(_ context.Context, owner string, resource gatetypes.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.flags, overrideMapKey(owner, resource))
	return nil
}

func overrideMapKey(owner string, resource gatetypes.Resource) string {
	return strings.TrimSpace(owner) + "::" + string(resource)
}
