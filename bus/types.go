package bus

import "context"

// DeliverFunc receives one broadcast record on behalf of a single
// subscriber. Implementations must tolerate being called from the bus's own
// goroutines; a single subscriber's records arrive in publish order.
type DeliverFunc func(ctx context.Context, rec Record)

// Bus is the fan-out delivery substrate consumed by the channel runtime.
// Implementations must support concurrent Subscribe/Unsubscribe/Broadcast
// calls from arbitrarily many connections without corrupting the topic
// registry.
type Bus interface {
	// Create registers a topic. It is idempotent: creating a topic that
	// already exists is a no-op.
	Create(ctx context.Context, topic string) error

	// Subscribe registers a subscriber id on a topic. Subscribing the same
	// id to the same topic twice does not create a second subscription.
	Subscribe(ctx context.Context, id, topic string, deliver DeliverFunc) error

	// Unsubscribe removes a subscriber from a topic. Unknown ids and topics
	// are ignored.
	Unsubscribe(ctx context.Context, id, topic string) error

	// Broadcast delivers a record to every current subscriber of the topic.
	Broadcast(ctx context.Context, topic string, rec Record) error

	// BroadcastExcept delivers a record to every current subscriber of the
	// topic except the excluded id.
	BroadcastExcept(ctx context.Context, excluded, topic string, rec Record) error
}
