package partyline

import "maps"

// Socket is the per-connection authorization and state record. It is owned
// exclusively by one connection's runtime session for its lifetime and is
// only mutated inside runtime-invoked handler callbacks for that connection:
// handlers receive a socket value and return the updated value, and the
// runtime keeps the authoritative copy per connection.
//
// A socket is authorized for at most one topic at a time. Joining a new topic
// deauthorizes the previous one first.
type Socket struct {
	// ID is the opaque connection identity, used as the bus subscriber key
	// and as the delivery address for replies.
	ID string

	// Topic is the single currently-authorized topic, empty when unjoined.
	Topic string

	// Joined is true only between a successful join and the matching
	// leave/unsubscribe.
	Joined bool

	// Assigns holds handler-owned scratch state, e.g. the current user.
	Assigns map[string]any
}

func newSocket(id string) Socket {
	return Socket{ID: id, Assigns: map[string]any{}}
}

// Assign stores a key/value pair in the socket's scratch state and returns
// the updated socket. The assigns map is copied so previously returned socket
// values stay unaffected.
func (s Socket) Assign(key string, value any) Socket {
	assigns := make(map[string]any, len(s.Assigns)+1)
	maps.Copy(assigns, s.Assigns)
	assigns[key] = value
	s.Assigns = assigns
	return s
}

// Value looks up a key in the socket's scratch state.
func (s Socket) Value(key string) (any, bool) {
	v, ok := s.Assigns[key]
	return v, ok
}

func (s Socket) authorizedFor(topic string) bool {
	return s.Joined && s.Topic == topic
}
