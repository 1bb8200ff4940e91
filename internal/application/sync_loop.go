package application

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/KomaiX512/accountmanager-gate/internal/ports"
	"github.com/KomaiX512/accountmanager-gate/pkg/metric"
)

const syncSubscribeBuffer = 64

// SyncLoop listens on the change notifier and re-runs the checkpoint for
// every mounted instance touching the changed owner. Local mutations and
// store-watch republications land on the same notifier, so an override
// granted on one instance unblocks every other instance within one event.
type SyncLoop struct {
	gate       *GateService
	notifier   ports.ChangeNotifier
	safeguards *SafeguardRegistry
}

func NewSyncLoop(gate *GateService, notifier ports.ChangeNotifier, safeguards *SafeguardRegistry) *SyncLoop {
	return &SyncLoop{gate: gate, notifier: notifier, safeguards: safeguards}
}

// Run blocks until ctx is cancelled. Callers start it on its own goroutine.
func (l *SyncLoop) Run(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("sync loop panicked, restarting")
			time.Sleep(5 * time.Second)
			go l.Run(ctx)
		}
	}()

	events, cancel := l.notifier.Subscribe(syncSubscribeBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			metric.ObserveChangeEvent(string(event.Kind))
			// Any change for the owner can flip the verdict of every one
			// of the owner's mounts under the block-all policy, so all of
			// them re-evaluate, not just the changed resource.
			for _, mount := range l.safeguards.MountsFor(event.Owner) {
				l.gate.Checkpoint(ctx, mount.Owner, string(mount.Resource), mount.InstanceID)
			}
		}
	}
}
