package etcd

import (
	"os"
	"strings"

	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
)

// Key layout below the app base path. Leases, guards and overrides live in
// separate namespaces so a prefix watch on one never sees the others.
const (
	leaseSection    = "leases"
	guardSection    = "lease-guards"
	overrideSection = "overrides"
)

func basePath() string {
	base := strings.TrimSpace(os.Getenv("ETCD_APP_NAME"))
	if base == "" {
		base = strings.TrimSpace(os.Getenv("APP_NAME"))
	}
	if base == "" {
		base = "accountmanager-gate"
	}
	return "/config/" + base
}

func LeasePrefix() string {
	return basePath() + "/" + leaseSection + "/"
}

func OverridePrefix() string {
	return basePath() + "/" + overrideSection + "/"
}

func leaseOwnerPrefix(owner string) string {
	return LeasePrefix() + strings.TrimSpace(owner) + "/"
}

func guardOwnerPrefix(owner string) string {
	return basePath() + "/" + guardSection + "/" + strings.TrimSpace(owner) + "/"
}

func leaseKey(owner string, resource gatetypes.Resource) string {
	return leaseOwnerPrefix(owner) + string(resource)
}

func guardKey(owner string, resource gatetypes.Resource) string {
	return guardOwnerPrefix(owner) + string(resource)
}

func overrideKey(owner string, resource gatetypes.Resource) string {
	return OverridePrefix() + strings.TrimSpace(owner) + "/" + string(resource)
}

// SplitRecordKey recovers (owner, resource) from a watched lease or override
// key. ok is false for keys outside the expected layout.
func SplitRecordKey(key string) (owner string, resource gatetypes.Resource, ok bool) {
	for _, prefix := range []string{LeasePrefix(), OverridePrefix()} {
		if strings.HasPrefix(key, prefix) {
			rest := strings.TrimPrefix(key, prefix)
			parts := strings.SplitN(rest, "/", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				return "", "", false
			}
			return parts[0], gatetypes.NormalizeResource(parts[1]), true
		}
	}
	return "", "", false
}
