// Package local implements an in-process [pubsub.Bus] for single-process
// deployments and tests, where forwarding lifecycle events through a
// broker would be pure overhead.
package local

import (
	"context"
	"sync"

	"github.com/cradlesystems/cradle-core/pkg/pubsub"
)

// subscriberBuffer is the channel capacity granted to each subscriber. A
// subscriber that falls this far behind has events dropped for it rather
// than blocking the publisher — lifecycle events are a live feed, not a
// durable log (that's what pkg/audit is for).
const subscriberBuffer = 32

// Bus is an in-memory [pubsub.Bus]. The zero value is not usable; create
// one with [New].
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]map[chan pubsub.Event]struct{}
	closed      bool
}

// New creates an empty in-memory Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]map[chan pubsub.Event]struct{}),
	}
}

// Publish sends event to every current subscriber of topic. Subscribers
// whose buffer is full have this event dropped rather than blocking the
// publisher.
func (b *Bus) Publish(ctx context.Context, topic string, event pubsub.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for ch := range b.subscribers[topic] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of events published to topic from this call
// forward.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan pubsub.Event, func(), error) {
	ch := make(chan pubsub.Event, subscriberBuffer)

	b.mu.Lock()
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[chan pubsub.Event]struct{})
	}
	b.subscribers[topic][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers[topic], ch)
			if len(b.subscribers[topic]) == 0 {
				delete(b.subscribers, topic)
			}
			b.mu.Unlock()
			close(ch)
		})
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return ch, unsubscribe, nil
}

// Close releases all subscriber channels. The Bus must not be used after
// Close returns.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for ch := range subs {
			close(ch)
		}
	}
	b.subscribers = nil
	return nil
}

var _ pubsub.Bus = (*Bus)(nil)
