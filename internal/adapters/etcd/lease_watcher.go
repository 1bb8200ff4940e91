package etcd

import (
	"context"
	"time"

	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	"github.com/KomaiX512/accountmanager-gate/internal/ports"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const watchRestartDelay = 5 * time.Second

// LeaseWatcher is the cross-instance synchronization channel: it republishes
// lease and override mutations made by any gate instance sharing the same
// etcd namespace into this instance's notifier. Delivery is last-write-wins
// with no causal ordering; the reconciler's sequence numbers are the only
// ordered channel.
type LeaseWatcher struct {
	client   *clientv3.Client
	notifier ports.ChangeNotifier
}

func NewLeaseWatcher(client *clientv3.Client, notifier ports.ChangeNotifier) *LeaseWatcher {
	return &LeaseWatcher{client: client, notifier: notifier}
}

// Start spawns one watch loop per namespace. Loops survive panics and watch
// channel closure with a delayed restart.
func (w *LeaseWatcher) Start(ctx context.Context) {
	go w.watchLoop(ctx, LeasePrefix())
	go w.watchLoop(ctx, OverridePrefix())
}

func (w *LeaseWatcher) watchLoop(ctx context.Context, prefix string) {
	for {
		if ctx.Err() != nil {
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Msgf("panic in watch loop for %s: %v", prefix, r)
				}
			}()
			watchChan := w.client.Watch(ctx, prefix, clientv3.WithPrefix())
			for watchResp := range watchChan {
				if err := watchResp.Err(); err != nil {
					log.Error().Err(err).Str("prefix", prefix).Msg("watch response error")
					continue
				}
				for _, event := range watchResp.Events {
					w.publish(prefix, event)
				}
			}
		}()

		// Avoid frequent restarts on panics or channel closure.
		select {
		case <-ctx.Done():
			return
		case <-time.After(watchRestartDelay):
		}
	}
}

func (w *LeaseWatcher) publish(prefix string, event *clientv3.Event) {
	owner, resource, ok := SplitRecordKey(string(event.Kv.Key))
	if !ok {
		return
	}

	var kind models.ChangeEventKind
	isOverride := prefix == OverridePrefix()
	switch {
	case event.Type == clientv3.EventTypePut && isOverride:
		kind = models.ChangeOverrideGranted
	case event.Type == clientv3.EventTypeDelete && isOverride:
		kind = models.ChangeOverrideCleared
	case event.Type == clientv3.EventTypePut:
		kind = models.ChangeLeasePut
	default:
		kind = models.ChangeLeaseRemoved
	}

	log.Debug().
		Str("key", string(event.Kv.Key)).
		Str("kind", string(kind)).
		Msg("store mutation observed by watcher")
	w.notifier.Publish(models.ChangeEvent{
		Kind:       kind,
		Owner:      owner,
		Resource:   resource,
		Detail:     "etcd-watch",
		OccurredAt: time.Now().UTC(),
	})
}
