// Package notify fans invoice status changes out to in-process observers.
// Delivery is best-effort: a slow subscriber loses events instead of blocking
// the lifecycle operation that produced them.
package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/atelierhq/billing/internal/models"
)

// Event is emitted after every successful lifecycle transition.
type Event struct {
	InvoiceID uint                 `json:"invoice_id"`
	Status    models.InvoiceStatus `json:"status"`
}

// Notifier is the seam the lifecycle manager publishes through. A broker-backed
// implementation can replace the in-process one without touching the manager.
type Notifier interface {
	Publish(ev Event)
}

const subscriberBuffer = 16

// Broadcaster is the in-process Notifier used by the server: one buffered
// channel per subscriber, non-blocking sends.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	log  zerolog.Logger
}

func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{subs: map[chan Event]struct{}{}, log: log}
}

// Subscribe registers an observer. The returned channel is owned by the
// broadcaster; release it with Unsubscribe.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers ev to every subscriber whose buffer has room. Dropped
// deliveries are logged and forgotten; the financial record never depends on
// an observer seeing the event.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn().Uint("invoice_id", ev.InvoiceID).Str("status", string(ev.Status)).Msg("notifier: dropping event for slow subscriber")
		}
	}
}
