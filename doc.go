/*
Package partyline provides a topic-based publish/subscribe channel layer for
bidirectional client connections. A per-connection socket joins named topics,
exchanges inbound and outbound events through user-defined handlers, and
receives fan-out messages through a broadcast bus.

The package is built around a few core abstractions:

  - Message: the canonical envelope exchanged over a topic (topic, event, and
    an ordered JSON-object payload)
  - Socket: per-connection authorization and state record, authorized for at
    most one topic at a time
  - Handler: user-supplied logic for one topic pattern implementing
    join/incoming, optionally leave/outgoing
  - Router: ordered pattern table routing topic strings to handlers
  - Runtime: glue that authorizes sockets, dispatches events, and exposes
    broadcast/reply/terminate/hibernate to handler code
  - bus.Bus: the fan-out substrate, in-process or NATS-backed

# Basic Usage

A handler implements Join and Incoming; the runtime supplies defaults for
Leave (identity) and Outgoing (relay unchanged):

	type RoomChannel struct{ rt *partyline.Runtime }

	func (c *RoomChannel) Join(ctx context.Context, topic string, auth partyline.Payload, socket partyline.Socket) (partyline.Socket, error) {
		user, ok := auth.Get("user")
		if !ok {
			return socket, partyline.RefuseJoin("unauthorized")
		}
		return socket.Assign("user", user), nil
	}

	func (c *RoomChannel) Incoming(ctx context.Context, event string, msg partyline.Message, socket partyline.Socket) (partyline.Socket, error) {
		if event != "new:msg" {
			return socket, partyline.ErrUnhandledEvent
		}
		if err := c.rt.BroadcastFrom(ctx, socket, event, msg.Payload); err != nil {
			return socket, err
		}
		return c.rt.Reply(ctx, socket, "ack", map[string]any{"ok": true})
	}

Wire it up:

	channel := &RoomChannel{}
	router := partyline.NewRouter().Handle("rooms:*", channel)
	rt, err := partyline.New(router)
	channel.rt = rt

The transport attaches each accepted connection and feeds it events:

	socket, _ := rt.Attach(conn)
	socket, err = rt.DispatchInbound(ctx, socket, msg.Event, msg)
	...
	rt.Detach(ctx, socket)

# Delivery semantics

Broadcast delivers to every current subscriber of a topic, the sender
included if subscribed. BroadcastFrom excludes the sender's own connection.
Reply bypasses the bus and delivers directly to the socket's connection.
All three are fire-and-forget: a slow or crashing receiver never stalls the
sender. For a single sender, records broadcast to the same topic arrive at
each individual subscriber in publish order; no ordering holds across
subscribers or topics.
*/
package partyline
