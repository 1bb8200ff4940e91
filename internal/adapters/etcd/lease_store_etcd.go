package etcd

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	gateerrors "github.com/KomaiX512/accountmanager-gate/internal/errors"
	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// TTL slack past end_time so expired records are reaped by etcd even if no
// instance ever reads them again.
const leaseTTLSlackSeconds int64 = 60

type EtcdLeaseStore struct {
	client *clientv3.Client
}

func NewEtcdLeaseStore(client *clientv3.Client) *EtcdLeaseStore {
	return &EtcdLeaseStore{client: client}
}

func (s *EtcdLeaseStore) Get(ctx context.Context, owner string, resource gatetypes.Resource) (*models.StoredLease, error) {
	key := leaseKey(owner, resource)
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	kv := resp.Kvs[0]
	stored := &models.StoredLease{
		Owner:       strings.TrimSpace(owner),
		Resource:    resource,
		Raw:         append([]byte(nil), kv.Value...),
		TwinEndTime: s.twinEndTime(ctx, owner, resource),
		ModRevision: kv.ModRevision,
	}
	return stored, nil
}

func (s *EtcdLeaseStore) Put(ctx context.Context, lease models.Lease) error {
	raw, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	guardRaw, err := json.Marshal(models.LeaseGuard{
		EndTimeEcho: lease.EndTime,
		WrittenAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	ttl := lease.EndTime - time.Now().Unix() + leaseTTLSlackSeconds
	if ttl < leaseTTLSlackSeconds {
		ttl = leaseTTLSlackSeconds
	}
	grant, err := s.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	// Lease and guard change in one transaction; last write wins across
	// instances, ordering is the reconciler's concern.
	_, err = s.client.Txn(ctx).Then(
		clientv3.OpPut(leaseKey(lease.Owner, lease.Resource), string(raw), clientv3.WithLease(grant.ID)),
		clientv3.OpPut(guardKey(lease.Owner, lease.Resource), string(guardRaw), clientv3.WithLease(grant.ID)),
	).Commit()
	if err != nil {
		return err
	}

	log.Info().
		Str("owner", lease.Owner).
		Str("resource", string(lease.Resource)).
		Int64("start_time", lease.StartTime).
		Int64("end_time", lease.EndTime).
		Uint64("seq", lease.Seq).
		Int64("ttl_seconds", ttl).
		Msg("lease written to etcd with guard record")
	return nil
}

func (s *EtcdLeaseStore) Update(ctx context.Context, lease models.Lease, prior models.StoredLease) error {
	raw, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	guardRaw, err := json.Marshal(models.LeaseGuard{
		EndTimeEcho: lease.EndTime,
		WrittenAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	cas, err := compareAndSwap(
		ctx,
		s.client,
		leaseKey(lease.Owner, lease.Resource),
		prior.ModRevision,
		string(prior.Raw),
		string(raw),
		clientv3.OpPut(guardKey(lease.Owner, lease.Resource), string(guardRaw)),
	)
	if err != nil {
		return err
	}
	if !cas.Applied {
		log.Info().
			Str("owner", lease.Owner).
			Str("resource", string(lease.Resource)).
			Uint64("seq", lease.Seq).
			Msg("lease update CAS not applied, fresher record already present")
		return gateerrors.ErrCASConflict
	}
	return nil
}

func (s *EtcdLeaseStore) Remove(ctx context.Context, owner string, resource gatetypes.Resource) error {
	_, err := s.client.Txn(ctx).Then(
		clientv3.OpDelete(leaseKey(owner, resource)),
		clientv3.OpDelete(guardKey(owner, resource)),
	).Commit()
	if err != nil {
		return err
	}
	log.Info().Str("owner", owner).Str("resource", string(resource)).Msg("lease removed from etcd")
	return nil
}

func (s *EtcdLeaseStore) RemoveIfCurrent(ctx context.Context, prior models.StoredLease) error {
	cas, err := compareAndDelete(
		ctx,
		s.client,
		leaseKey(prior.Owner, prior.Resource),
		prior.ModRevision,
		clientv3.OpDelete(guardKey(prior.Owner, prior.Resource)),
	)
	if err != nil {
		return err
	}
	if !cas.Applied {
		return gateerrors.ErrCASConflict
	}
	log.Info().Str("owner", prior.Owner).Str("resource", string(prior.Resource)).Msg("classified lease record removed from etcd")
	return nil
}

func (s *EtcdLeaseStore) ListActive(ctx context.Context, owner string) ([]models.StoredLease, error) {
	resp, err := s.client.Get(ctx, leaseOwnerPrefix(owner), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	twins := s.twinEndTimes(ctx, owner)

	result := make([]models.StoredLease, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		resource := gatetypes.NormalizeResource(strings.TrimPrefix(string(kv.Key), leaseOwnerPrefix(owner)))
		result = append(result, models.StoredLease{
			Owner:       strings.TrimSpace(owner),
			Resource:    resource,
			Raw:         append([]byte(nil), kv.Value...),
			TwinEndTime: twins[resource],
			ModRevision: kv.ModRevision,
		})
	}
	return result, nil
}

func (s *EtcdLeaseStore) twinEndTime(ctx context.Context, owner string, resource gatetypes.Resource) *int64 {
	resp, err := s.client.Get(ctx, guardKey(owner, resource))
	if err != nil || len(resp.Kvs) == 0 {
		return nil
	}
	var guard models.LeaseGuard
	if err := json.Unmarshal(resp.Kvs[0].Value, &guard); err != nil {
		log.Debug().Str("owner", owner).Str("resource", string(resource)).Msg("unreadable guard record, treating as absent")
		return nil
	}
	echo := guard.EndTimeEcho
	return &echo
}

func (s *EtcdLeaseStore) twinEndTimes(ctx context.Context, owner string) map[gatetypes.Resource]*int64 {
	out := make(map[gatetypes.Resource]*int64)
	resp, err := s.client.Get(ctx, guardOwnerPrefix(owner), clientv3.WithPrefix())
	if err != nil {
		return out
	}
	for _, kv := range resp.Kvs {
		var guard models.LeaseGuard
		if err := json.Unmarshal(kv.Value, &guard); err != nil {
			continue
		}
		resource := gatetypes.NormalizeResource(strings.TrimPrefix(string(kv.Key), guardOwnerPrefix(owner)))
		echo := guard.EndTimeEcho
		out[resource] = &echo
	}
	return out
}
