package etcd

import (
	"context"
	"encoding/json"

	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Override flags carry no TTL: they persist until the support flow or the
// owner clears them explicitly.
type EtcdOverrideStore struct {
	client *clientv3.Client
}

func NewEtcdOverrideStore(client *clientv3.Client) *EtcdOverrideStore {
	return &EtcdOverrideStore{client: client}
}

func (s *EtcdOverrideStore) Get(ctx context.Context, owner string, resource gatetypes.Resource) (*models.OverrideFlag, error) {
	resp, err := s.client.Get(ctx, overrideKey(owner, resource))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	var flag models.OverrideFlag
	if err := json.Unmarshal(resp.Kvs[0].Value, &flag); err != nil {
		// An unreadable flag still counts as present: the override always
		// errs toward allowing the user through.
		log.Warn().Str("owner", owner).Str("resource", string(resource)).Msg("unreadable override flag, treating as granted")
		return &models.OverrideFlag{Owner: owner, Resource: resource}, nil
	}
	return &flag, nil
}

func (s *EtcdOverrideStore) Put(ctx context.Context, flag models.OverrideFlag) error {
	raw, err := json.Marshal(flag)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, overrideKey(flag.Owner, flag.Resource), string(raw))
	if err == nil {
		log.Info().
			Str("owner", flag.Owner).
			Str("resource", string(flag.Resource)).
			Str("granted_by", flag.GrantedBy).
			Msg("override flag written to etcd")
	}
	return err
}

func (s *EtcdOverrideStore) Remove(ctx context.Context, owner string, resource gatetypes.Resource) error {
	_, err := s.client.Delete(ctx, overrideKey(owner, resource))
	return err
}
