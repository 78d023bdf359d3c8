package partyline

import "context"

// Conn is the transport-owned side of a connection. The runtime never does
// network I/O itself; it addresses the client exclusively through this
// interface. Terminate and Hibernate are asynchronous signals, not
// synchronous calls, and must not block.
type Conn interface {
	// ID returns the opaque connection identity. It must be stable for the
	// lifetime of the connection and unique across live connections.
	ID() string

	// Send pushes a message to the client.
	Send(ctx context.Context, msg Message) error

	// Terminate signals the connection to shut down.
	Terminate()

	// Hibernate signals the connection to enter a low-resource idle state.
	Hibernate()
}
