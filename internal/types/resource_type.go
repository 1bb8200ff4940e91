package types

import (
	"strings"
	"time"
)

// Resource identifies a protected platform dashboard. Anything outside this
// enumeration is unprotected and the gate never blocks it.
type Resource string

const (
	ResourceInstagram Resource = "instagram"
	ResourceFacebook  Resource = "facebook"
	ResourceTwitter   Resource = "twitter"
	ResourceLinkedIn  Resource = "linkedin"
)

// Per-resource ceiling on end_time - start_time. A stored lease whose window
// exceeds the ceiling is treated as tampered with.
var leaseCeilings = map[Resource]time.Duration{
	ResourceInstagram: 15 * time.Minute,
	ResourceFacebook:  15 * time.Minute,
	ResourceTwitter:   20 * time.Minute,
	ResourceLinkedIn:  20 * time.Minute,
}

func NormalizeResource(raw string) Resource {
	return Resource(strings.ToLower(strings.TrimSpace(raw)))
}

func IsProtectedResource(raw string) bool {
	_, ok := leaseCeilings[NormalizeResource(raw)]
	return ok
}

// LeaseCeiling returns the maximum lease window for the resource, or 0 for
// unprotected resources.
func LeaseCeiling(resource Resource) time.Duration {
	return leaseCeilings[resource]
}

func ProtectedResources() []Resource {
	out := make([]Resource, 0, len(leaseCeilings))
	for r := range leaseCeilings {
		out = append(out, r)
	}
	return out
}

type OverrideAction string

const (
	OverrideActionGrant OverrideAction = "GRANT"
	OverrideActionClear OverrideAction = "CLEAR"
)

type InstanceAction string

const (
	InstanceActionMount   InstanceAction = "MOUNT"
	InstanceActionUnmount InstanceAction = "UNMOUNT"
)
