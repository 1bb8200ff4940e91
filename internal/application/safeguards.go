package application

import (
	"strings"
	"sync"

	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
)

// Mount is one client instance's declared intent to render one protected
// resource.
type Mount struct {
	InstanceID string
	Owner      string
	Resource   gatetypes.Resource
}

type mountKey struct {
	owner    string
	resource gatetypes.Resource
}

type mountState struct {
	armed bool
}

// SafeguardRegistry tracks which instances have which protected resources
// mounted, and which of those are armed (actively redirected away from a
// leased resource). Armed state is what turns a repeat block into a history
// re-assertion instead of a fresh redirect, and what feeds the unload
// advisory. It is advisory bookkeeping only, never an enforcement layer: the
// lease store outlives every instance.
type SafeguardRegistry struct {
	mu     sync.RWMutex
	mounts map[string]map[mountKey]*mountState
}

func NewSafeguardRegistry() *SafeguardRegistry {
	return &SafeguardRegistry{
		mounts: make(map[string]map[mountKey]*mountState),
	}
}

func (r *SafeguardRegistry) Mount(instanceID, owner string, resource gatetypes.Resource) {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.mounts[instanceID]; !ok {
		r.mounts[instanceID] = make(map[mountKey]*mountState)
	}
	key := mountKey{owner: strings.TrimSpace(owner), resource: resource}
	if _, ok := r.mounts[instanceID][key]; !ok {
		r.mounts[instanceID][key] = &mountState{}
	}
}

func (r *SafeguardRegistry) Unmount(instanceID, owner string, resource gatetypes.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := mountKey{owner: strings.TrimSpace(owner), resource: resource}
	delete(r.mounts[strings.TrimSpace(instanceID)], key)
	if len(r.mounts[strings.TrimSpace(instanceID)]) == 0 {
		delete(r.mounts, strings.TrimSpace(instanceID))
	}
}

func (r *SafeguardRegistry) Arm(instanceID, owner string, resource gatetypes.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := mountKey{owner: strings.TrimSpace(owner), resource: resource}
	if state, ok := r.mounts[strings.TrimSpace(instanceID)][key]; ok {
		state.armed = true
	}
}

func (r *SafeguardRegistry) Disarm(instanceID, owner string, resource gatetypes.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := mountKey{owner: strings.TrimSpace(owner), resource: resource}
	if state, ok := r.mounts[strings.TrimSpace(instanceID)][key]; ok {
		state.armed = false
	}
}

func (r *SafeguardRegistry) IsArmed(instanceID, owner string, resource gatetypes.Resource) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := mountKey{owner: strings.TrimSpace(owner), resource: resource}
	state, ok := r.mounts[strings.TrimSpace(instanceID)][key]
	return ok && state.armed
}

// MountsFor lists every mount touching the owner, across instances. The sync
// loop re-runs checkpoints for all of them when the owner's state changes.
func (r *SafeguardRegistry) MountsFor(owner string) []Mount {
	owner = strings.TrimSpace(owner)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Mount
	for instanceID, keys := range r.mounts {
		for key := range keys {
			if key.owner == owner {
				out = append(out, Mount{InstanceID: instanceID, Owner: key.owner, Resource: key.resource})
			}
		}
	}
	return out
}

func (r *SafeguardRegistry) AnyMounted(owner string, resource gatetypes.Resource) bool {
	owner = strings.TrimSpace(owner)
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, keys := range r.mounts {
		if _, ok := keys[mountKey{owner: owner, resource: resource}]; ok {
			return true
		}
	}
	return false
}

// ArmedMounts lists the instance's armed mounts, newest knowledge the unload
// advisory has.
func (r *SafeguardRegistry) ArmedMounts(instanceID string) []Mount {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Mount
	for key, state := range r.mounts[strings.TrimSpace(instanceID)] {
		if state.armed {
			out = append(out, Mount{InstanceID: strings.TrimSpace(instanceID), Owner: key.owner, Resource: key.resource})
		}
	}
	return out
}
