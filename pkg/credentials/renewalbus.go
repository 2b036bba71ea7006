package credentials

import "sync"

// RenewalBus broadcasts zero-payload credential-renewal events to every
// subscriber. No subscriber consumes an event exclusively: each one observes
// each broadcast. Construct instances explicitly and pass them by reference;
// there is no ambient process-wide bus.
type RenewalBus struct {
	mu   sync.Mutex
	subs map[int]chan struct{}
	next int
}

// NewRenewalBus returns an empty bus.
func NewRenewalBus() *RenewalBus {
	return &RenewalBus{subs: make(map[int]chan struct{})}
}

// Subscribe registers a listener. The returned channel receives one value
// per broadcast (consecutive broadcasts coalesce while unread, which is
// sufficient for a level signal). cancel releases the subscription; it is
// idempotent and must be called on every exit path.
func (b *RenewalBus) Subscribe() (<-chan struct{}, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan struct{}, 1)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast signals every current subscriber without blocking.
func (b *RenewalBus) Broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribers returns the current listener count.
func (b *RenewalBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
