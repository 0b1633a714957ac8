// Package broadcast implements a bounded, multi-consumer, lossy
// notification fan-out. One broadcaster exists per scope: a process-wide
// one for server notifications and one per workspace bundle.
//
// Delivery is lossy by design: a consumer that falls behind has its oldest
// pending notification dropped in favor of the newest, so a slow client can
// never block the publisher or its peers.
package broadcast

import (
	"sync"

	"github.com/zorz/ultra-ecp-sub000/internal/ecp"
)

// DefaultCapacity is the per-subscriber buffer size used when 0 is passed
// to New.
const DefaultCapacity = 64

// Broadcaster fans notifications out to any number of subscribers.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	cap    int
	closed bool
}

// Subscription is one consumer's view of a broadcaster.
type Subscription struct {
	id int
	b  *Broadcaster
	ch chan *ecp.Notification
}

// New creates a broadcaster whose subscribers each buffer up to capacity
// notifications.
func New(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broadcaster{
		subs: make(map[int]*Subscription),
		cap:  capacity,
	}
}

// Subscribe registers a new consumer. Subscribing to a closed broadcaster
// returns a subscription whose channel is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id: b.nextID,
		b:  b,
		ch: make(chan *ecp.Notification, b.cap),
	}
	b.nextID++

	if b.closed {
		close(sub.ch)
		return sub
	}

	b.subs[sub.id] = sub
	return sub
}

// Publish delivers a notification to every subscriber. For a subscriber
// with a full buffer, the oldest pending notification is dropped to make
// room; Publish itself never blocks.
func (b *Broadcaster) Publish(n *ecp.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		for {
			select {
			case sub.ch <- n:
			default:
				// Buffer full: evict the oldest and retry.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates every subscription. Further Publish calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// C returns the receive channel. It is closed when the subscription or the
// broadcaster is closed.
func (s *Subscription) C() <-chan *ecp.Notification {
	return s.ch
}

// Close detaches the subscription from its broadcaster and closes the
// channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if _, ok := s.b.subs[s.id]; !ok {
		return
	}
	delete(s.b.subs, s.id)
	close(s.ch)
}
