// Package events carries session-state transitions to the rest of the
// application over a typed channel. The event set is closed; consumers
// switch on Type rather than matching string keys.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	TypeProductReserved    Type = "product-reserved"
	TypeTransactionExpired Type = "transaction-expired"
	TypeProductSold        Type = "product-sold"
	TypeMarketplaceRefresh Type = "marketplace-refresh"
	TypeTransactionUpdate  Type = "transaction-update"
)

// Event is one state transition. Every payload carries the session and
// product identifiers and a timestamp.
type Event struct {
	Type       Type      `json:"type"`
	SessionID  string    `json:"sessionId"`
	ProductRef string    `json:"productRef"`
	State      string    `json:"state"`
	TxHash     string    `json:"txHash,omitempty"`
	At         time.Time `json:"at"`
}

// Broadcaster fans events out to subscribers. Publish is fire-and-forget:
// a subscriber with a full buffer misses the event rather than blocking
// the purchase flow.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
	now  func() time.Time
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]chan Event),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a listener. The returned cancel func must be called
// to release the subscription.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish stamps the event and delivers it to every live subscriber.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
