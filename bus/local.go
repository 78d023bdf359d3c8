package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
)

const defaultSlowSubscriberTimeout = 100 * time.Millisecond

// LocalBus is an in-process Bus backed by a concurrent topic registry. Each
// subscriber owns a buffered channel drained by its own goroutine, so a slow
// or crashed receiver never stalls a publisher; per-subscriber delivery order
// matches publish order.
type LocalBus struct {
	topics                *haxmap.Map[string, *topic]
	slowSubscriberTimeout time.Duration
}

// Local creates an in-process Bus.
func Local() *LocalBus {
	return &LocalBus{
		topics:                haxmap.New[string, *topic](),
		slowSubscriberTimeout: defaultSlowSubscriberTimeout,
	}
}

// WithSlowSubscriberTimeout configures the timeout for detecting slow subscribers
func (b *LocalBus) WithSlowSubscriberTimeout(timeout time.Duration) *LocalBus {
	b.slowSubscriberTimeout = timeout
	return b
}

func (b *LocalBus) topic(id string) *topic {
	top, _ := b.topics.GetOrCompute(id, func() *topic {
		return &topic{
			id:                    id,
			subscribers:           haxmap.New[string, *subscriber](),
			slowSubscriberTimeout: b.slowSubscriberTimeout,
		}
	})
	return top
}

func (b *LocalBus) Create(ctx context.Context, id string) error {
	b.topic(id)
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, id, topicID string, deliver DeliverFunc) error {
	if deliver == nil {
		return fmt.Errorf("deliver func is required")
	}
	t := b.topic(topicID)
	// GetOrCompute makes a double subscribe of the same id a no-op.
	t.subscribers.GetOrCompute(id, func() *subscriber {
		sub := &subscriber{
			id:        id,
			ctx:       ctx,
			channel:   make(chan Record, 50),
			done:      make(chan struct{}),
			closeOnce: sync.Once{},
			onClose:   func() { t.subscribers.Del(id) },
			deliver:   deliver,
		}
		go sub.forward()
		return sub
	})
	return nil
}

func (b *LocalBus) Unsubscribe(ctx context.Context, id, topicID string) error {
	if t, ok := b.topics.Get(topicID); ok {
		if sub, ok := t.subscribers.Get(id); ok {
			sub.close()
		}
	}
	return nil
}

func (b *LocalBus) Broadcast(ctx context.Context, topicID string, rec Record) error {
	return b.topic(topicID).publish(ctx, "", rec)
}

func (b *LocalBus) BroadcastExcept(ctx context.Context, excluded, topicID string, rec Record) error {
	rec.Excluded = excluded
	return b.topic(topicID).publish(ctx, excluded, rec)
}

type topic struct {
	id                    string
	subscribers           *haxmap.Map[string, *subscriber]
	slowSubscriberTimeout time.Duration
}

func (t *topic) publish(ctx context.Context, excluded string, rec Record) error {
	t.subscribers.ForEach(func(id string, sub *subscriber) bool {
		if sub == nil || id == excluded {
			return true
		}

		// Check if the subscription is still active
		select {
		case <-ctx.Done():
			return false
		case <-sub.done:
			return true
		case <-sub.ctx.Done():
			sub.close()
			return true
		default:
		}

		// Try to send the record
		select {
		case <-ctx.Done():
			return false
		case <-sub.done:
			// Unsubscribed while the send was parked
		case <-sub.ctx.Done():
			sub.close()
		case sub.channel <- rec:
			// Successfully sent
		case <-time.After(t.slowSubscriberTimeout):
			// Channel is full after timeout, unsubscribe
			sub.close()
		}
		return true
	})
	return nil
}

// subscriber's record channel is never closed: publishers may be parked on
// the send at any moment, so shutdown is signaled through done instead, which
// both the forwarder and parked sends select on.
type subscriber struct {
	id        string
	ctx       context.Context
	channel   chan Record
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
	deliver   DeliverFunc
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		close(s.done)
	})
}

func (s *subscriber) forward() {
	for {
		select {
		case rec := <-s.channel:
			if rec.Excluded != "" && rec.Excluded == s.id {
				continue
			}
			s.deliver(s.ctx, rec)
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}
