package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/partyline/pkg/uuidx"
	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// busFactory is a function that creates a new bus instance for testing
type busFactory func(t *testing.T) Bus

// acceptanceTest represents a single acceptance test case
type acceptanceTest struct {
	name string
	test func(t *testing.T, createBus busFactory)
}

// runAcceptanceTests runs all acceptance tests against a bus implementation
func runAcceptanceTests(t *testing.T, name string, factory busFactory) {
	tests := []acceptanceTest{
		{"creates topics idempotently", testCreateIdempotent},
		{"broadcasts to all subscribers", testBroadcastToAll},
		{"delivers duplicates without deduplication", testNoDeduplication},
		{"excludes the sender from broadcast-except", testBroadcastExcept},
		{"keeps per-subscriber delivery order", testPerSubscriberFIFO},
		{"ignores duplicate subscriptions", testSubscribeIdempotent},
		{"stops delivery after unsubscribe", testUnsubscribeStopsDelivery},
		{"handles concurrent operations", testConcurrentOperations},
		{"validates deliver func requirement", testDeliverValidation},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", name, tt.name), func(t *testing.T) {
			tt.test(t, factory)
		})
	}
}

func TestBusImplementations(t *testing.T) {
	t.Run("Local", func(t *testing.T) {
		runAcceptanceTests(t, "Local", func(t *testing.T) Bus {
			return Local()
		})
	})

	t.Run("NATS", func(t *testing.T) {
		nc, err := nats.Connect(nats.DefaultURL)
		if err != nil {
			t.Skipf("nats server not available at %s: %v", nats.DefaultURL, err)
		}
		nc.Close()

		runAcceptanceTests(t, "NATS", func(t *testing.T) Bus {
			conn, err := nats.Connect(nats.DefaultURL)
			require.NoError(t, err)
			t.Cleanup(func() { conn.Close() })
			return NATS(conn)
		})
	})
}

type recordingSink struct {
	mu   sync.Mutex
	recs []Record
}

func (s *recordingSink) deliver(ctx context.Context, rec Record) {
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
}

func (s *recordingSink) records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.recs))
	copy(out, s.recs)
	return out
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func awaitCount(t *testing.T, sink *recordingSink, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return sink.count() >= n }, 2*time.Second, 5*time.Millisecond)
}

// settle gives in-flight deliveries time to land before a negative assertion.
func settle() {
	time.Sleep(150 * time.Millisecond)
}

func payloadWithSeq(seq int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"seq":%d}`, seq))
}

func testCreateIdempotent(t *testing.T, createBus busFactory) {
	b := createBus(t)
	ctx := context.Background()
	topic := uuidx.NewString()

	require.NoError(t, b.Create(ctx, topic))
	require.NoError(t, b.Create(ctx, topic))

	sink := &recordingSink{}
	require.NoError(t, b.Subscribe(ctx, "sub-1", topic, sink.deliver))
	require.NoError(t, b.Broadcast(ctx, topic, Record{Topic: topic, Event: "e", Payload: payloadWithSeq(0)}))
	awaitCount(t, sink, 1)
}

func testBroadcastToAll(t *testing.T, createBus busFactory) {
	b := createBus(t)
	ctx := context.Background()
	topic := uuidx.NewString()

	sink1 := &recordingSink{}
	sink2 := &recordingSink{}
	require.NoError(t, b.Subscribe(ctx, "sub-1", topic, sink1.deliver))
	require.NoError(t, b.Subscribe(ctx, "sub-2", topic, sink2.deliver))

	rec := Record{Topic: topic, Event: "new:msg", Payload: json.RawMessage(`{"body":"hi"}`), Sender: "sub-1"}
	require.NoError(t, b.Broadcast(ctx, topic, rec))

	awaitCount(t, sink1, 1)
	awaitCount(t, sink2, 1)

	for _, sink := range []*recordingSink{sink1, sink2} {
		got := sink.records()[0]
		assert.Equal(t, topic, got.Topic)
		assert.Equal(t, "new:msg", got.Event)
		assert.Equal(t, "hi", gjson.GetBytes(got.Payload, "body").String())
		assert.Equal(t, "sub-1", got.Sender)
	}
}

func testNoDeduplication(t *testing.T, createBus busFactory) {
	b := createBus(t)
	ctx := context.Background()
	topic := uuidx.NewString()

	sink := &recordingSink{}
	require.NoError(t, b.Subscribe(ctx, "sub-1", topic, sink.deliver))

	rec := Record{Topic: topic, Event: "e", Payload: payloadWithSeq(1)}
	require.NoError(t, b.Broadcast(ctx, topic, rec))
	require.NoError(t, b.Broadcast(ctx, topic, rec))

	awaitCount(t, sink, 2)
	settle()
	assert.Equal(t, 2, sink.count())
}

func testBroadcastExcept(t *testing.T, createBus busFactory) {
	b := createBus(t)
	ctx := context.Background()
	topic := uuidx.NewString()

	excluded := &recordingSink{}
	other1 := &recordingSink{}
	other2 := &recordingSink{}
	require.NoError(t, b.Subscribe(ctx, "sub-a", topic, excluded.deliver))
	require.NoError(t, b.Subscribe(ctx, "sub-b", topic, other1.deliver))
	require.NoError(t, b.Subscribe(ctx, "sub-c", topic, other2.deliver))

	rec := Record{Topic: topic, Event: "e", Payload: payloadWithSeq(1), Sender: "sub-a"}
	require.NoError(t, b.BroadcastExcept(ctx, "sub-a", topic, rec))

	awaitCount(t, other1, 1)
	awaitCount(t, other2, 1)
	settle()
	assert.Zero(t, excluded.count(), "excluded subscriber must never observe its own broadcast")
}

func testPerSubscriberFIFO(t *testing.T, createBus busFactory) {
	b := createBus(t)
	ctx := context.Background()
	topic := uuidx.NewString()

	sink := &recordingSink{}
	require.NoError(t, b.Subscribe(ctx, "sub-1", topic, sink.deliver))

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, b.Broadcast(ctx, topic, Record{Topic: topic, Event: "e", Payload: payloadWithSeq(i)}))
	}

	awaitCount(t, sink, n)
	for i, rec := range sink.records() {
		assert.EqualValues(t, i, gjson.GetBytes(rec.Payload, "seq").Int())
	}
}

func testSubscribeIdempotent(t *testing.T, createBus busFactory) {
	b := createBus(t)
	ctx := context.Background()
	topic := uuidx.NewString()

	sink := &recordingSink{}
	require.NoError(t, b.Subscribe(ctx, "sub-1", topic, sink.deliver))
	require.NoError(t, b.Subscribe(ctx, "sub-1", topic, sink.deliver))

	require.NoError(t, b.Broadcast(ctx, topic, Record{Topic: topic, Event: "e", Payload: payloadWithSeq(1)}))

	awaitCount(t, sink, 1)
	settle()
	assert.Equal(t, 1, sink.count(), "duplicate subscription must not double deliveries")
}

func testUnsubscribeStopsDelivery(t *testing.T, createBus busFactory) {
	b := createBus(t)
	ctx := context.Background()
	topic := uuidx.NewString()

	sink := &recordingSink{}
	require.NoError(t, b.Subscribe(ctx, "sub-1", topic, sink.deliver))

	require.NoError(t, b.Broadcast(ctx, topic, Record{Topic: topic, Event: "e", Payload: payloadWithSeq(1)}))
	awaitCount(t, sink, 1)

	require.NoError(t, b.Unsubscribe(ctx, "sub-1", topic))
	require.NoError(t, b.Broadcast(ctx, topic, Record{Topic: topic, Event: "e", Payload: payloadWithSeq(2)}))

	settle()
	assert.Equal(t, 1, sink.count())

	// Unsubscribing again is harmless.
	require.NoError(t, b.Unsubscribe(ctx, "sub-1", topic))
}

func testConcurrentOperations(t *testing.T, createBus busFactory) {
	b := createBus(t)
	ctx := context.Background()
	topic := uuidx.NewString()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			sink := &recordingSink{}
			assert.NoError(t, b.Subscribe(ctx, fmt.Sprintf("sub-%d", i), topic, sink.deliver))
		}(i)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, b.Broadcast(ctx, topic, Record{Topic: topic, Event: "e", Payload: payloadWithSeq(i)}))
		}(i)
	}
	wg.Wait()
}

func testDeliverValidation(t *testing.T, createBus busFactory) {
	b := createBus(t)
	err := b.Subscribe(context.Background(), "sub-1", uuidx.NewString(), nil)
	require.Error(t, err)
}
