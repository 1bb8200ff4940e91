package config

import (
	"time"

	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	pkgconfig "github.com/KomaiX512/accountmanager-gate/pkg/config"
)

// DefaultsFromEnv builds the policy used until the etcd policy node is read,
// and permanently in mock mode.
func DefaultsFromEnv(env pkgconfig.Env) models.GatePolicy {
	return models.GatePolicy{
		BlockAllOnAnyActive:         env.BlockAllResources,
		FutureStartToleranceSeconds: int64(env.FutureStartTolerance / time.Second),
		TwinToleranceSeconds:        int64(env.TwinTolerance / time.Second),
	}
}
