package main

import (
	"context"

	"github.com/rs/zerolog/log"

	etcdadapter "github.com/KomaiX512/accountmanager-gate/internal/adapters/etcd"
	"github.com/KomaiX512/accountmanager-gate/internal/app"
	gateconfig "github.com/KomaiX512/accountmanager-gate/internal/config"
	"github.com/KomaiX512/accountmanager-gate/pkg/config"
	"github.com/KomaiX512/accountmanager-gate/pkg/logger"
	"github.com/KomaiX512/accountmanager-gate/pkg/metric"
)

func main() {
	config.InitEnv()
	logger.Init()
	metric.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	envCfg := config.Instance()
	if !envCfg.UseMockAdapters {
		etcdClient, err := etcdadapter.NewClient(etcdadapter.ClientConfig{
			Endpoints: envCfg.EtcdEndpoints,
			Username:  envCfg.EtcdUsername,
			Password:  envCfg.EtcdPassword,
			Timeout:   envCfg.EtcdTimeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to etcd")
		}

		policy := gateconfig.NewEtcdPolicy(etcdClient.Raw(), gateconfig.DefaultsFromEnv(envCfg))
		gateconfig.InitPolicyBridge(policy)
		if err := policy.RefreshGatePolicy(); err != nil {
			log.Error().Err(err).Msg("Error refreshing gate policy, serving defaults")
		}
		policy.Watch(ctx)
	}

	handler, err := app.BuildHandler(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build api handler")
	}
	server := app.NewServer(envCfg.AppPort, handler)
	if err := server.Run(); err != nil {
		log.Fatal().Err(err).Msg("gate-server exited with error")
	}
}
