package app

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/KomaiX512/accountmanager-gate/internal/adapters/backend"
	"github.com/KomaiX512/accountmanager-gate/internal/adapters/bus"
	etcdadapter "github.com/KomaiX512/accountmanager-gate/internal/adapters/etcd"
	"github.com/KomaiX512/accountmanager-gate/internal/api"
	"github.com/KomaiX512/accountmanager-gate/internal/application"
	gateconfig "github.com/KomaiX512/accountmanager-gate/internal/config"
	"github.com/KomaiX512/accountmanager-gate/internal/ports"
	"github.com/KomaiX512/accountmanager-gate/pkg/config"
)

// BuildHandler assembles the full gate: stores, backend client, reconciler,
// sync loop and the HTTP surface. Background loops are tied to ctx and stop
// with it.
func BuildHandler(ctx context.Context) (http.Handler, error) {
	envCfg := config.Instance()

	notifier := bus.NewNotifier()
	safeguards := application.NewSafeguardRegistry()

	var leaseStore ports.LeaseStore
	var overrideStore ports.OverrideStore
	var idempotencyStore ports.IdempotencyKeyStore
	var verifier ports.BackendVerifier
	var policies ports.GatePolicySource

	if envCfg.UseMockAdapters {
		log.Warn().Msg("USE_MOCK_ADAPTERS=true, using in-memory stores and a stub backend")
		leaseStore = etcdadapter.NewMemoryLeaseStore(nil)
		overrideStore = etcdadapter.NewMemoryOverrideStore()
		idempotencyStore = etcdadapter.NewMemoryIdempotencyKeyStore()
		verifier = backend.NewStub()
		policies = gateconfig.NewStaticPolicy(gateconfig.DefaultsFromEnv(envCfg))
	} else {
		log.Info().Strs("endpoints", envCfg.EtcdEndpoints).Dur("etcd_timeout", envCfg.EtcdTimeout).Msg("initializing etcd-backed adapters")
		etcdClient, err := etcdadapter.NewClient(etcdadapter.ClientConfig{
			Endpoints: envCfg.EtcdEndpoints,
			Username:  envCfg.EtcdUsername,
			Password:  envCfg.EtcdPassword,
			Timeout:   envCfg.EtcdTimeout,
		})
		if err != nil {
			return nil, err
		}

		leaseStore = etcdadapter.NewEtcdLeaseStore(etcdClient.Raw())
		overrideStore = etcdadapter.NewEtcdOverrideStore(etcdClient.Raw())
		idempotencyStore = etcdadapter.NewEtcdIdempotencyKeyStore(etcdClient.Raw(), envCfg.IdempotencyTTLSeconds)
		verifier = backend.NewClient(envCfg.BackendBaseURL, envCfg.BackendTimeout)

		if manager := gateconfig.Instance(gateconfig.DefaultVersion); manager != nil {
			policies = manager
		} else {
			log.Warn().Msg("policy bridge is not initialized, falling back to env defaults")
			policies = gateconfig.NewStaticPolicy(gateconfig.DefaultsFromEnv(envCfg))
		}

		// Writes from other gate instances surface as local change events.
		watcher := etcdadapter.NewLeaseWatcher(etcdClient.Raw(), notifier)
		watcher.Start(ctx)
	}

	reconciler := application.NewReconciler(leaseStore, overrideStore, verifier, notifier, policies, envCfg.ReconcileInterval)
	reconciler.SetMountedProbe(safeguards.AnyMounted)

	gate := application.NewGateService(leaseStore, overrideStore, notifier, policies, safeguards, reconciler, envCfg.ProcessingViewPath, envCfg.CheckpointDebounce)
	go application.NewSyncLoop(gate, notifier, safeguards).Run(ctx)

	handler := api.NewHandler(gate, notifier, idempotencyStore)

	mux := http.NewServeMux()
	handler.Register(mux)
	return authMiddleware(envCfg.APIAuthToken, mux), nil
}
