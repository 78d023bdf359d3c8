package partyline

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPayload reports that a payload does not encode to a JSON
	// object. It is a programming-contract violation: the call aborts before
	// any delivery is attempted and is never retried.
	ErrInvalidPayload = errors.New("payload must encode to a JSON object")

	// ErrUnauthorized reports a broadcast, reply, or incoming dispatch on a
	// socket that is not authorized for the implicated topic.
	ErrUnauthorized = errors.New("socket is not authorized for topic")

	// ErrUnhandledEvent reports an event with no matching handler clause and
	// no applicable default. Handlers return it from Incoming to refuse an
	// event, and from Outgoing to make the runtime apply the default relay
	// for that event.
	ErrUnhandledEvent = errors.New("no handler clause matches event")
)

// JoinRefusedError is the explicit refusal a channel handler returns from
// Join. It is an expected outcome rather than a failure: the connection
// supervisor decides whether to close the connection or notify the client.
// The runtime guarantees subscription state is untouched when it surfaces.
type JoinRefusedError struct {
	Topic  string
	Reason string
}

func (e *JoinRefusedError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("join refused: %s", e.Reason)
	}
	return fmt.Sprintf("join refused for topic %q: %s", e.Topic, e.Reason)
}

// RefuseJoin builds the refusal a handler returns from Join. The runtime
// fills in the topic before surfacing it to the caller.
func RefuseJoin(reason string) error {
	return &JoinRefusedError{Reason: reason}
}
