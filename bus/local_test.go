package bus

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalEvictsSlowSubscribers(t *testing.T) {
	b := Local().WithSlowSubscriberTimeout(10 * time.Millisecond)
	ctx := context.Background()

	block := make(chan struct{})
	defer close(block)

	require.NoError(t, b.Subscribe(ctx, "slow", "room:1", func(ctx context.Context, rec Record) {
		<-block
	}))

	top, ok := b.topics.Get("room:1")
	require.True(t, ok)
	require.EqualValues(t, 1, top.subscribers.Len())

	// The forwarder is stuck on the first record, so once the buffer fills
	// the publisher hits the slow-subscriber timeout and drops the subscriber.
	rec := Record{Topic: "room:1", Event: "e", Payload: json.RawMessage(`{}`)}
	for i := 0; i < 60; i++ {
		require.NoError(t, b.Broadcast(ctx, "room:1", rec))
	}

	assert.Eventually(t, func() bool {
		return top.subscribers.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLocalUnsubscribeReleasesParkedBroadcast(t *testing.T) {
	b := Local().WithSlowSubscriberTimeout(5 * time.Second)
	ctx := context.Background()

	block := make(chan struct{})
	defer close(block)

	require.NoError(t, b.Subscribe(ctx, "slow", "room:4", func(ctx context.Context, rec Record) {
		<-block
	}))

	// With the forwarder wedged the buffer fills and the publisher parks on
	// the channel send, well inside the slow-subscriber window. A concurrent
	// unsubscribe must release it rather than close the channel under it.
	rec := Record{Topic: "room:4", Event: "e", Payload: json.RawMessage(`{}`)}
	published := make(chan error, 1)
	go func() {
		for i := 0; i < 60; i++ {
			if err := b.Broadcast(ctx, "room:4", rec); err != nil {
				published <- err
				return
			}
		}
		published <- nil
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, b.Unsubscribe(ctx, "slow", "room:4"))

	select {
	case err := <-published:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast still parked after unsubscribe")
	}
}

func TestLocalUnsubscribeUnknownTopic(t *testing.T) {
	b := Local()
	require.NoError(t, b.Unsubscribe(context.Background(), "nobody", "no:such:topic"))
}

func TestLocalHonorsCancelledSubscriberContext(t *testing.T) {
	b := Local()
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan Record, 1)
	require.NoError(t, b.Subscribe(ctx, "sub-1", "room:2", func(ctx context.Context, rec Record) {
		got <- rec
	}))

	cancel()

	rec := Record{Topic: "room:2", Event: "e", Payload: json.RawMessage(`{}`)}
	require.NoError(t, b.Broadcast(context.Background(), "room:2", rec))

	select {
	case <-got:
		t.Fatal("expected no delivery after the subscriber context was cancelled")
	case <-time.After(150 * time.Millisecond):
	}
}
