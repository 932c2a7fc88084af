// SPDX-License-Identifier: MIT

package events

import (
	"sync"

	"github.com/forgeops/forged/internal/metrics"
)

// subscriberQueueSize bounds each live subscriber's backlog.
const subscriberQueueSize = 64

// broadcaster fans events out to per-run subscriber channels. Entries are
// created lazily on the first subscriber and removed when the last one leaves.
type broadcaster struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[string][]chan Event)}
}

func (b *broadcaster) subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberQueueSize)

	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			chans := b.subs[runID]
			for i, c := range chans {
				if c == ch {
					b.subs[runID] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// deliver pushes the event to every subscriber without blocking. A full
// queue drops the event for that subscriber only.
func (b *broadcaster) deliver(runID string, e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[runID] {
		select {
		case ch <- e:
		default:
			metrics.SubscriberDropsTotal.Inc()
		}
	}
}
