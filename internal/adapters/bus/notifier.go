package bus

import (
	"sync"

	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	"github.com/rs/zerolog/log"
)

// Notifier is the in-process change-notification channel. The sync loop and
// the SSE surface subscribe to it; publishers are the gate services and the
// etcd watcher. Slow subscribers drop events rather than block a publish;
// every consumer re-reads the store on wake, so a dropped event only delays
// convergence until the next one.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan models.ChangeEvent
	nextID      uint64
}

func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[uint64]chan models.ChangeEvent),
	}
}

func (n *Notifier) Publish(event models.ChangeEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for id, ch := range n.subscribers {
		select {
		case ch <- event:
		default:
			log.Debug().Uint64("subscriber", id).Str("kind", string(event.Kind)).Msg("subscriber buffer full, event dropped")
		}
	}
}

func (n *Notifier) Subscribe(buffer int) (<-chan models.ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan models.ChangeEvent, buffer)

	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subscribers[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if _, ok := n.subscribers[id]; ok {
			delete(n.subscribers, id)
			close(ch)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}
