package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/partyline/pkg/slogx"
	"github.com/nats-io/nats.go"
)

type natsBus struct {
	client *nats.Conn
	subs   *haxmap.Map[string, *nats.Subscription]
}

// NATS creates a Bus backed by a NATS connection. Topics map directly onto
// subjects, so records fan out across every process sharing the connection's
// cluster. Fan-out time exclusion is not available server-side; the Excluded
// tag on the record is enforced on receipt instead.
func NATS(client *nats.Conn) Bus {
	return &natsBus{
		client: client,
		subs:   haxmap.New[string, *nats.Subscription](),
	}
}

func subKey(id, topic string) string {
	return id + "\x00" + topic
}

func (b *natsBus) Create(ctx context.Context, topic string) error {
	// Subjects exist implicitly; there is nothing to register.
	return nil
}

func (b *natsBus) Subscribe(ctx context.Context, id, topic string, deliver DeliverFunc) error {
	if deliver == nil {
		return fmt.Errorf("deliver func is required")
	}
	key := subKey(id, topic)
	if _, ok := b.subs.Get(key); ok {
		return nil
	}

	nsub, err := b.client.Subscribe(topic, func(msg *nats.Msg) {
		rec, err := FromJSON(msg.Data)
		if err != nil {
			slog.Error("failed to unmarshal record", slogx.Error(err))
			return
		}
		if rec.Excluded != "" && rec.Excluded == id {
			return
		}
		deliver(ctx, rec)
	})
	if err != nil {
		return err
	}

	if _, loaded := b.subs.GetOrCompute(key, func() *nats.Subscription { return nsub }); loaded {
		// Lost the race against a concurrent subscribe for the same pair.
		if uerr := nsub.Unsubscribe(); uerr != nil {
			slog.Error("failed to unsubscribe duplicate", slogx.Error(uerr))
		}
	}
	return nil
}

func (b *natsBus) Unsubscribe(ctx context.Context, id, topic string) error {
	key := subKey(id, topic)
	nsub, ok := b.subs.Get(key)
	if !ok {
		return nil
	}
	b.subs.Del(key)
	if err := nsub.Unsubscribe(); err != nil {
		slog.Error("failed to unsubscribe", slogx.Error(err), slog.String("subscriber", id), slog.String("topic", topic))
	}
	return nil
}

func (b *natsBus) Broadcast(ctx context.Context, topic string, rec Record) error {
	data, err := ToJSON(rec)
	if err != nil {
		return err
	}
	return b.client.Publish(topic, data)
}

func (b *natsBus) BroadcastExcept(ctx context.Context, excluded, topic string, rec Record) error {
	rec.Excluded = excluded
	return b.Broadcast(ctx, topic, rec)
}
