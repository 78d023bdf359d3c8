package partyline

import "context"

// Handler is the user-supplied logic for one topic pattern. Join and Incoming
// are required; optional behavior is added by also implementing Leaver and/or
// Outgoer. The runtime supplies defaults for the optional operations: leave
// is the identity, outgoing relays the message to the socket's connection
// unchanged.
//
// Runtime operations invoked from handler code (Reply, the broadcast forms,
// Subscribe, Unsubscribe, Terminate, Detach) must be passed the callback's
// ctx: it carries the dispatch state that lets them run reentrantly on the
// session being dispatched.
type Handler interface {
	// Join authorizes or refuses a connection for a topic. On success the
	// runtime subscribes the connection to the bus and marks the socket
	// joined. Returning an error (conventionally built with RefuseJoin)
	// leaves subscription state untouched and surfaces the refusal to the
	// caller.
	Join(ctx context.Context, topic string, auth Payload, socket Socket) (Socket, error)

	// Incoming is invoked for every event received from the connection after
	// a successful join. Events the handler does not recognize must be
	// reported with ErrUnhandledEvent, never silently ignored.
	Incoming(ctx context.Context, event string, msg Message, socket Socket) (Socket, error)
}

// Leaver is implemented by handlers that need cleanup before unsubscription,
// whether from an explicit leave or connection teardown. Handlers without it
// get the identity behavior.
type Leaver interface {
	Leave(ctx context.Context, msg Message, socket Socket) (Socket, error)
}

// Outgoer is implemented by handlers that customize or suppress broadcasts
// per receiving socket. It runs once per subscribed socket whenever a
// broadcast delivers an event on the socket's topic. The handler decides
// delivery by calling Runtime.Reply itself; returning without a Reply call
// suppresses the message for this socket. Returning ErrUnhandledEvent makes
// the runtime apply the default relay for that event, so partially
// overriding handlers never silently drop unmatched events.
//
// Handlers without Outgoer get the default relay for every event.
type Outgoer interface {
	Outgoing(ctx context.Context, event string, msg Message, socket Socket) (Socket, error)
}
