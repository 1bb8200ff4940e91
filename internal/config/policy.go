package config

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Manager serves the current gate policy. The etcd-backed manager hot-reloads
// it from a single policy node so enforcement can be retuned per deployment
// without a restart.
type Manager interface {
	RefreshGatePolicy() error
	Policy() models.GatePolicy
}

type EtcdPolicy struct {
	client   *clientv3.Client
	defaults models.GatePolicy

	mu     sync.RWMutex
	policy models.GatePolicy
}

func NewEtcdPolicy(client *clientv3.Client, defaults models.GatePolicy) *EtcdPolicy {
	return &EtcdPolicy{
		client:   client,
		defaults: defaults,
		policy:   defaults,
	}
}

func policyKey() string {
	base := strings.TrimSpace(os.Getenv("ETCD_APP_NAME"))
	if base == "" {
		base = strings.TrimSpace(os.Getenv("APP_NAME"))
	}
	if base == "" {
		base = "accountmanager-gate"
	}
	return "/config/" + base + "/gate-policy"
}

func (e *EtcdPolicy) RefreshGatePolicy() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := e.client.Get(ctx, policyKey())
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 {
		e.mu.Lock()
		e.policy = e.defaults
		e.mu.Unlock()
		log.Info().Msg("no gate policy node in etcd, keeping env defaults")
		return nil
	}

	policy := e.defaults
	if err := json.Unmarshal(resp.Kvs[0].Value, &policy); err != nil {
		log.Error().Err(err).Msg("unparseable gate policy node, keeping current policy")
		return err
	}

	e.mu.Lock()
	e.policy = policy
	e.mu.Unlock()
	log.Info().
		Bool("block_all", policy.BlockAllOnAnyActive).
		Int("ceiling_overrides", len(policy.CeilingSeconds)).
		Msg("gate policy refreshed from etcd")
	return nil
}

// Watch refreshes the cached policy whenever the policy node changes.
func (e *EtcdPolicy) Watch(ctx context.Context) {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Msgf("panic in policy watch: %v", r)
					}
				}()
				watchChan := e.client.Watch(ctx, policyKey())
				for watchResp := range watchChan {
					for range watchResp.Events {
						if err := e.RefreshGatePolicy(); err != nil {
							log.Error().Err(err).Msg("failed to refresh gate policy on watch event")
						}
					}
				}
			}()

			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
}

func (e *EtcdPolicy) Policy() models.GatePolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// StaticPolicy serves a fixed policy; mock mode and tests.
type StaticPolicy struct {
	policy models.GatePolicy
}

func NewStaticPolicy(policy models.GatePolicy) *StaticPolicy {
	return &StaticPolicy{policy: policy}
}

func (s *StaticPolicy) RefreshGatePolicy() error {
	return nil
}

func (s *StaticPolicy) Policy() models.GatePolicy {
	return s.policy
}
