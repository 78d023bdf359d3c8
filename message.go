package partyline

import (
	"fmt"

	"github.com/casualjim/partyline/pkg/jsonx"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Payload is the body of a message: an ordered mapping of string keys to
// JSON-serializable values. Only JSON objects are valid payloads; scalars and
// arrays are rejected wherever a payload is produced.
type Payload = *orderedmap.OrderedMap[string, any]

// NewPayload creates an empty payload.
func NewPayload() Payload {
	return orderedmap.New[string, any]()
}

// toPayload coerces an arbitrary value into a Payload, rejecting anything
// whose JSON form is not an object.
func toPayload(v any) (Payload, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: got nil", ErrInvalidPayload)
	}
	if p, ok := v.(Payload); ok {
		if p == nil {
			return nil, fmt.Errorf("%w: got nil", ErrInvalidPayload)
		}
		return p, nil
	}
	om, err := jsonx.ToOrdered(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return om, nil
}

// Message is the canonical envelope exchanged over a topic.
type Message struct {
	Topic   string
	Event   string
	Payload Payload
}

// NewMessage builds a message, validating that the payload encodes to a JSON
// object. Producing a message from a non-object payload is a programming
// error, reported as ErrInvalidPayload.
func NewMessage(topic, event string, payload any) (Message, error) {
	p, err := toPayload(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: topic, Event: event, Payload: p}, nil
}

// MarshalJSON implements custom JSON marshaling for Message
func (m Message) MarshalJSON() ([]byte, error) {
	result := []byte(`{}`)

	var err error
	result, err = sjson.SetBytes(result, "topic", m.Topic)
	if err != nil {
		return nil, err
	}

	result, err = sjson.SetBytes(result, "event", m.Event)
	if err != nil {
		return nil, err
	}

	payload := []byte(`{}`)
	if m.Payload != nil {
		payload, err = json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}
	result, err = sjson.SetRawBytes(result, "payload", payload)
	return result, err
}

// UnmarshalJSON implements custom JSON unmarshaling for Message
func (m *Message) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}

	topic := gjson.GetBytes(data, "topic")
	if !topic.Exists() {
		return fmt.Errorf("missing required field 'topic'")
	}
	m.Topic = topic.String()

	event := gjson.GetBytes(data, "event")
	if !event.Exists() {
		return fmt.Errorf("missing required field 'event'")
	}
	m.Event = event.String()

	m.Payload = NewPayload()
	if payload := gjson.GetBytes(data, "payload"); payload.Exists() {
		if !payload.IsObject() {
			return fmt.Errorf("%w: got %s", ErrInvalidPayload, payload.Type)
		}
		if err := json.Unmarshal([]byte(payload.Raw), m.Payload); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	return nil
}
