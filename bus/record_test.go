package bus

import (
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestRecordMarshal(t *testing.T) {
	t.Run("tags the envelope and preserves the payload", func(t *testing.T) {
		rec := Record{
			Topic:     "room:lobby",
			Event:     "new:msg",
			Payload:   json.RawMessage(`{"body":"hello","uid":3}`),
			Sender:    "conn-1",
			Excluded:  "conn-2",
			Timestamp: strfmt.DateTime(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		}

		data, err := ToJSON(rec)
		require.NoError(t, err)

		assert.Equal(t, "broadcast", gjson.GetBytes(data, "type").String())
		assert.Equal(t, "room:lobby", gjson.GetBytes(data, "topic").String())
		assert.Equal(t, "new:msg", gjson.GetBytes(data, "event").String())
		assert.Equal(t, "hello", gjson.GetBytes(data, "payload.body").String())
		assert.EqualValues(t, 3, gjson.GetBytes(data, "payload.uid").Int())
		assert.Equal(t, "conn-1", gjson.GetBytes(data, "sender").String())
		assert.Equal(t, "conn-2", gjson.GetBytes(data, "excluded").String())
		assert.True(t, gjson.GetBytes(data, "timestamp").Exists())
	})

	t.Run("defaults an absent payload to an empty object", func(t *testing.T) {
		data, err := ToJSON(Record{Topic: "room:lobby", Event: "ping"})
		require.NoError(t, err)
		assert.Equal(t, "{}", gjson.GetBytes(data, "payload").Raw)
	})

	t.Run("omits empty optional fields", func(t *testing.T) {
		data, err := ToJSON(Record{Topic: "room:lobby", Event: "ping"})
		require.NoError(t, err)
		assert.False(t, gjson.GetBytes(data, "sender").Exists())
		assert.False(t, gjson.GetBytes(data, "excluded").Exists())
		assert.False(t, gjson.GetBytes(data, "timestamp").Exists())
	})
}

func TestRecordUnmarshal(t *testing.T) {
	t.Run("round trips", func(t *testing.T) {
		orig := Record{
			Topic:    "room:lobby",
			Event:    "new:msg",
			Payload:  json.RawMessage(`{"body":"hi"}`),
			Sender:   "conn-1",
			Excluded: "conn-2",
		}
		data, err := ToJSON(orig)
		require.NoError(t, err)

		got, err := FromJSON(data)
		require.NoError(t, err)
		assert.Equal(t, orig.Topic, got.Topic)
		assert.Equal(t, orig.Event, got.Event)
		assert.JSONEq(t, string(orig.Payload), string(got.Payload))
		assert.Equal(t, orig.Sender, got.Sender)
		assert.Equal(t, orig.Excluded, got.Excluded)
	})

	t.Run("rejects a missing type tag", func(t *testing.T) {
		_, err := FromJSON([]byte(`{"topic":"room:lobby","event":"e","payload":{}}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broadcast")
	})

	t.Run("rejects a foreign type tag", func(t *testing.T) {
		_, err := FromJSON([]byte(`{"type":"reply","topic":"room:lobby","event":"e","payload":{}}`))
		require.Error(t, err)
	})

	t.Run("rejects missing required fields", func(t *testing.T) {
		for _, data := range []string{
			`{"type":"broadcast","event":"e","payload":{}}`,
			`{"type":"broadcast","topic":"room:lobby","payload":{}}`,
			`{"type":"broadcast","topic":"room:lobby","event":"e"}`,
		} {
			_, err := FromJSON([]byte(data))
			require.Error(t, err, data)
		}
	})

	t.Run("rejects non-object payloads", func(t *testing.T) {
		for _, data := range []string{
			`{"type":"broadcast","topic":"t","event":"e","payload":"nope"}`,
			`{"type":"broadcast","topic":"t","event":"e","payload":[1,2]}`,
			`{"type":"broadcast","topic":"t","event":"e","payload":42}`,
		} {
			_, err := FromJSON([]byte(data))
			require.Error(t, err, data)
		}
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		_, err := FromJSON([]byte(`{"type":`))
		require.Error(t, err)
	})
}
