package bus

import (
	"fmt"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var recordJSON = []byte(`{"type":"broadcast"}`)

// Record is the internally-tagged broadcast envelope that travels across the
// bus. Payload holds the raw JSON object of the event body; Excluded carries
// the connection id that must not observe the record (broadcast-except
// semantics), enforced by implementations that cannot filter at fan-out time.
type Record struct {
	Topic     string          `json:"topic"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Sender    string          `json:"sender,omitempty"`
	Excluded  string          `json:"excluded,omitempty"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for Record
func (r Record) MarshalJSON() ([]byte, error) {
	result := recordJSON

	var err error
	result, err = sjson.SetBytes(result, "topic", r.Topic)
	if err != nil {
		return nil, err
	}

	result, err = sjson.SetBytes(result, "event", r.Event)
	if err != nil {
		return nil, err
	}

	payload := r.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	result, err = sjson.SetRawBytes(result, "payload", payload)
	if err != nil {
		return nil, err
	}

	if r.Sender != "" {
		result, err = sjson.SetBytes(result, "sender", r.Sender)
		if err != nil {
			return nil, err
		}
	}

	if r.Excluded != "" {
		result, err = sjson.SetBytes(result, "excluded", r.Excluded)
		if err != nil {
			return nil, err
		}
	}

	if !r.Timestamp.IsZero() {
		result, err = sjson.SetBytes(result, "timestamp", r.Timestamp.String())
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

// UnmarshalJSON implements custom JSON unmarshaling for Record
func (r *Record) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}

	msgType := gjson.GetBytes(data, "type")
	if !msgType.Exists() || msgType.String() != "broadcast" {
		return fmt.Errorf("missing or invalid type, expected 'broadcast'")
	}

	topic := gjson.GetBytes(data, "topic")
	if !topic.Exists() {
		return fmt.Errorf("missing required field 'topic'")
	}
	r.Topic = topic.String()

	event := gjson.GetBytes(data, "event")
	if !event.Exists() {
		return fmt.Errorf("missing required field 'event'")
	}
	r.Event = event.String()

	payload := gjson.GetBytes(data, "payload")
	if !payload.Exists() {
		return fmt.Errorf("missing required field 'payload'")
	}
	if !payload.IsObject() {
		return fmt.Errorf("invalid payload: expected a JSON object")
	}
	r.Payload = json.RawMessage(payload.Raw)

	if sender := gjson.GetBytes(data, "sender"); sender.Exists() {
		r.Sender = sender.String()
	}

	if excluded := gjson.GetBytes(data, "excluded"); excluded.Exists() {
		r.Excluded = excluded.String()
	}

	if timestamp := gjson.GetBytes(data, "timestamp"); timestamp.Exists() {
		if err := r.Timestamp.UnmarshalText([]byte(timestamp.String())); err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
	}

	return nil
}

// ToJSON serializes a record for transports that ship bytes.
func ToJSON(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

// FromJSON deserializes a record produced by ToJSON.
func FromJSON(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
