package partyline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/partyline/bus"
	"github.com/casualjim/partyline/pkg/slogx"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
)

// Reserved event names routed by DispatchInbound instead of a handler's
// Incoming clause. Both are configurable through WithJoinEvent and
// WithLeaveEvent.
const (
	EventJoin  = "pl_join"
	EventLeave = "pl_leave"
)

// session pairs a connection with its authoritative socket value. The mutex
// serializes handler invocations for the connection: inbound transport calls
// and the bus delivery goroutine both funnel through it, so a socket is never
// mutated by two invocations at once.
type session struct {
	mu       sync.Mutex
	conn     Conn
	socket   Socket
	detached bool
}

type lockedSessionKey struct{}

// lockCtx marks a context as running under the session's mutex. Every handler
// callback receives a marked context, so runtime operations invoked from
// handler code re-enter the locked path rather than blocking on the mutex
// their own dispatch holds. Handler code must pass its callback context to
// runtime operations for this reason.
func lockCtx(ctx context.Context, sess *session) context.Context {
	return context.WithValue(ctx, lockedSessionKey{}, sess)
}

func lockHeld(ctx context.Context, sess *session) bool {
	held, _ := ctx.Value(lockedSessionKey{}).(*session)
	return held == sess
}

// Runtime glues connections, channel handlers, and the bus together. It
// authorizes sockets on join, dispatches inbound events to Incoming,
// dispatches bus-delivered events to Outgoing, and exposes the broadcast,
// reply, terminate, and hibernate operations handler code builds on.
type Runtime struct {
	router     *Router
	bus        bus.Bus
	log        *slog.Logger
	joinEvent  string
	leaveEvent string
	sessions   *haxmap.Map[string, *session]
}

// New creates a runtime routing topics through the given router. By default
// it fans out through an in-process bus and logs through slog.Default.
func New(router *Router, options ...Option) (*Runtime, error) {
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	rt := &Runtime{
		router:     router,
		bus:        bus.Local(),
		log:        slog.Default().With(slogx.LoggerName("partyline")),
		joinEvent:  EventJoin,
		leaveEvent: EventLeave,
		sessions:   haxmap.New[string, *session](),
	}
	if err := applyOptions(rt, options); err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) session(id string) (*session, error) {
	sess, ok := rt.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("no session for connection %q", id)
	}
	return sess, nil
}

// Attach registers a connection and returns its fresh, unjoined socket.
func (rt *Runtime) Attach(conn Conn) (Socket, error) {
	if conn == nil {
		return Socket{}, fmt.Errorf("conn cannot be nil")
	}
	id := conn.ID()
	if id == "" {
		return Socket{}, fmt.Errorf("conn must have an id")
	}
	sess := &session{conn: conn, socket: newSocket(id)}
	if _, loaded := rt.sessions.GetOrCompute(id, func() *session { return sess }); loaded {
		return Socket{}, fmt.Errorf("connection %q already attached", id)
	}
	return sess.socket, nil
}

// DispatchInbound routes one wire event from the connection. The join and
// leave events drive the authorization state machine; everything else goes to
// the handler's Incoming clause and requires the socket to be joined to the
// message's topic. The returned socket is the new authoritative value.
func (rt *Runtime) DispatchInbound(ctx context.Context, socket Socket, event string, msg Message) (Socket, error) {
	sess, err := rt.session(socket.ID)
	if err != nil {
		return socket, err
	}
	if msg.Payload == nil {
		msg.Payload = NewPayload()
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	ctx = lockCtx(ctx, sess)

	current := sess.socket
	switch event {
	case rt.joinEvent:
		return rt.joinLocked(ctx, sess, current, msg)
	case rt.leaveEvent:
		return rt.unsubscribeLocked(ctx, sess, current, current.Topic, msg)
	default:
		if !current.Joined {
			return current, fmt.Errorf("%w: %q received %q before a join", ErrUnauthorized, current.ID, event)
		}
		if msg.Topic != "" && msg.Topic != current.Topic {
			return current, fmt.Errorf("%w: %q is joined to %q, not %q", ErrUnauthorized, current.ID, current.Topic, msg.Topic)
		}
		h, ok := rt.router.Route(current.Topic)
		if !ok {
			return current, fmt.Errorf("%w: no channel handler matches topic %q", ErrUnhandledEvent, current.Topic)
		}
		next, err := h.Incoming(ctx, event, msg, current)
		if err != nil {
			return current, err
		}
		sess.socket = next
		return next, nil
	}
}

// joinLocked runs the Unjoined -> Joined transition. A socket joined to a
// different topic is deauthorized first, so a refused join never leaves the
// socket half-moved.
func (rt *Runtime) joinLocked(ctx context.Context, sess *session, current Socket, msg Message) (Socket, error) {
	topic := msg.Topic
	if topic == "" {
		return current, fmt.Errorf("join requires a topic")
	}
	h, ok := rt.router.Route(topic)
	if !ok {
		return current, fmt.Errorf("no channel handler matches topic %q", topic)
	}
	if current.authorizedFor(topic) {
		return current, nil
	}
	if current.Joined {
		var err error
		current, err = rt.unsubscribeLocked(ctx, sess, current, current.Topic, Message{Topic: current.Topic, Event: rt.leaveEvent, Payload: NewPayload()})
		if err != nil {
			return current, err
		}
	}

	next, err := h.Join(ctx, topic, msg.Payload, current)
	if err != nil {
		var refused *JoinRefusedError
		if errors.As(err, &refused) && refused.Topic == "" {
			refused.Topic = topic
		}
		return current, err
	}

	if err := rt.subscribeBus(ctx, sess.conn.ID(), topic); err != nil {
		return current, err
	}
	next.Topic = topic
	next.Joined = true
	sess.socket = next
	return next, nil
}

// Subscribe authorizes a socket on a topic without running a handler's Join
// clause. It is idempotent: subscribing an already-authorized socket returns
// it unchanged. A socket joined to a different topic is unsubscribed from it
// first, preserving the one-topic-per-socket invariant.
func (rt *Runtime) Subscribe(ctx context.Context, socket Socket, topic string) (Socket, error) {
	if topic == "" {
		return socket, fmt.Errorf("topic cannot be empty")
	}
	sess, err := rt.session(socket.ID)
	if err != nil {
		return socket, err
	}
	if lockHeld(ctx, sess) {
		return rt.subscribeLocked(ctx, sess, topic)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return rt.subscribeLocked(lockCtx(ctx, sess), sess, topic)
}

func (rt *Runtime) subscribeLocked(ctx context.Context, sess *session, topic string) (Socket, error) {
	current := sess.socket
	if current.authorizedFor(topic) {
		return current, nil
	}
	if current.Joined {
		var err error
		current, err = rt.unsubscribeLocked(ctx, sess, current, current.Topic, Message{Topic: current.Topic, Event: rt.leaveEvent, Payload: NewPayload()})
		if err != nil {
			return current, err
		}
	}
	if err := rt.subscribeBus(ctx, sess.conn.ID(), topic); err != nil {
		return current, err
	}
	current.Topic = topic
	current.Joined = true
	sess.socket = current
	return current, nil
}

// SubscribeID subscribes a raw connection identity unconditionally. Records
// delivered for ids without a live session are dropped.
func (rt *Runtime) SubscribeID(ctx context.Context, id, topic string) error {
	return rt.subscribeBus(ctx, id, topic)
}

// Unsubscribe removes a socket from a topic, invoking the handler's Leave
// clause first, and returns the socket with authorization cleared.
func (rt *Runtime) Unsubscribe(ctx context.Context, socket Socket, topic string) (Socket, error) {
	sess, err := rt.session(socket.ID)
	if err != nil {
		return socket, err
	}
	msg := Message{Topic: topic, Event: rt.leaveEvent, Payload: NewPayload()}
	if lockHeld(ctx, sess) {
		return rt.unsubscribeLocked(ctx, sess, sess.socket, topic, msg)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return rt.unsubscribeLocked(lockCtx(ctx, sess), sess, sess.socket, topic, msg)
}

// UnsubscribeID removes a raw connection identity from a topic.
func (rt *Runtime) UnsubscribeID(ctx context.Context, id, topic string) error {
	return rt.bus.Unsubscribe(ctx, id, topic)
}

func (rt *Runtime) subscribeBus(ctx context.Context, id, topic string) error {
	if err := rt.bus.Create(ctx, topic); err != nil {
		return fmt.Errorf("failed to create topic %q: %w", topic, err)
	}
	// The subscription outlives the dispatch that created it, so it is bound
	// to the background context rather than the request's.
	if err := rt.bus.Subscribe(context.Background(), id, topic, func(ctx context.Context, rec bus.Record) {
		rt.dispatchRecord(ctx, id, rec)
	}); err != nil {
		return fmt.Errorf("failed to subscribe %q to topic %q: %w", id, topic, err)
	}
	return nil
}

// unsubscribeLocked runs the Joined -> Unjoined transition: Leave first, then
// the bus unsubscription, then authorization cleared.
func (rt *Runtime) unsubscribeLocked(ctx context.Context, sess *session, current Socket, topic string, msg Message) (Socket, error) {
	if topic == "" {
		return current, nil
	}
	if current.authorizedFor(topic) {
		if h, ok := rt.router.Route(topic); ok {
			if leaver, ok := h.(Leaver); ok {
				next, err := leaver.Leave(ctx, msg, current)
				if err != nil {
					rt.log.ErrorContext(ctx, "leave handler failed", slogx.Error(err), slog.String("topic", topic))
				} else {
					current = next
				}
			}
		}
	}
	if err := rt.bus.Unsubscribe(ctx, sess.conn.ID(), topic); err != nil {
		return current, fmt.Errorf("failed to unsubscribe %q from topic %q: %w", sess.conn.ID(), topic, err)
	}
	if current.Topic == topic {
		current.Topic = ""
		current.Joined = false
	}
	sess.socket = current
	return current, nil
}

// dispatchRecord is the bus-side entry point for one subscriber. A record for
// a topic the socket is no longer authorized on is dropped: a terminated or
// re-subscribed connection mid-delivery must not observe stale fan-out.
func (rt *Runtime) dispatchRecord(ctx context.Context, id string, rec bus.Record) {
	sess, ok := rt.sessions.Get(id)
	if !ok {
		return
	}

	payload := NewPayload()
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, payload); err != nil {
			rt.log.ErrorContext(ctx, "failed to unmarshal record payload", slogx.Error(err), slog.String("topic", rec.Topic))
			return
		}
	}
	msg := Message{Topic: rec.Topic, Event: rec.Event, Payload: payload}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	ctx = lockCtx(ctx, sess)
	if sess.detached || !sess.socket.authorizedFor(rec.Topic) {
		return
	}
	if _, err := rt.outgoingLocked(ctx, sess, sess.socket, msg); err != nil {
		rt.log.ErrorContext(ctx, "outgoing handler failed", slogx.Error(err),
			slog.String("topic", rec.Topic), slog.String("event", rec.Event), slog.String("conn", id))
	}
}

// DispatchBusDelivery routes one bus-delivered message to the socket's
// Outgoing clause (or the default relay). The handler is responsible for
// calling Reply if it wants delivery; returning without one suppresses the
// message for this socket.
func (rt *Runtime) DispatchBusDelivery(ctx context.Context, socket Socket, msg Message) (Socket, error) {
	sess, err := rt.session(socket.ID)
	if err != nil {
		return socket, err
	}
	if msg.Payload == nil {
		msg.Payload = NewPayload()
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return rt.outgoingLocked(lockCtx(ctx, sess), sess, sess.socket, msg)
}

func (rt *Runtime) outgoingLocked(ctx context.Context, sess *session, current Socket, msg Message) (Socket, error) {
	if h, routed := rt.router.Route(msg.Topic); routed {
		if outgoer, ok := h.(Outgoer); ok {
			next, err := outgoer.Outgoing(ctx, msg.Event, msg, current)
			switch {
			case errors.Is(err, ErrUnhandledEvent):
				// Fall through to the default relay for this event only.
			case err != nil:
				return current, err
			default:
				sess.socket = next
				return next, nil
			}
		}
	}

	// Default relay: deliver unchanged and return the socket as-is.
	return rt.relayLocked(ctx, sess, current, msg)
}

func (rt *Runtime) relayLocked(ctx context.Context, sess *session, current Socket, msg Message) (Socket, error) {
	if err := sess.conn.Send(ctx, msg); err != nil {
		// Transport failures are the transport's problem; the subscriber is
		// treated as gone, never surfaced to the sender.
		rt.log.WarnContext(ctx, "failed to relay message", slogx.Error(err), slog.String("conn", current.ID))
	}
	return current, nil
}

// Reply delivers a message directly to the socket's own connection, bypassing
// the bus entirely, and returns the socket unchanged.
func (rt *Runtime) Reply(ctx context.Context, socket Socket, event string, payload any) (Socket, error) {
	p, err := toPayload(payload)
	if err != nil {
		return socket, err
	}
	if !socket.Joined {
		return socket, fmt.Errorf("%w: reply on unjoined socket %q", ErrUnauthorized, socket.ID)
	}
	sess, err := rt.session(socket.ID)
	if err != nil {
		return socket, err
	}
	msg := Message{Topic: socket.Topic, Event: event, Payload: p}
	if err := sess.conn.Send(ctx, msg); err != nil {
		rt.log.WarnContext(ctx, "failed to deliver reply", slogx.Error(err), slog.String("conn", socket.ID))
	}
	return socket, nil
}

// Broadcast constructs a message and delivers it to all subscribers of the
// topic, the sender included if subscribed. This is the trusted, explicit
// topic form; use BroadcastSocket or BroadcastFrom from handler code.
func (rt *Runtime) Broadcast(ctx context.Context, topic, event string, payload any) error {
	rec, err := rt.record(topic, event, payload, "")
	if err != nil {
		return err
	}
	return rt.bus.Broadcast(ctx, topic, rec)
}

// BroadcastSocket broadcasts on the socket's current topic to all
// subscribers, the sender included.
func (rt *Runtime) BroadcastSocket(ctx context.Context, socket Socket, event string, payload any) error {
	if !socket.Joined {
		return fmt.Errorf("%w: broadcast on unjoined socket %q", ErrUnauthorized, socket.ID)
	}
	rec, err := rt.record(socket.Topic, event, payload, socket.ID)
	if err != nil {
		return err
	}
	return rt.bus.Broadcast(ctx, socket.Topic, rec)
}

// BroadcastFrom broadcasts on the socket's current topic to every subscriber
// except the sender's own connection.
func (rt *Runtime) BroadcastFrom(ctx context.Context, socket Socket, event string, payload any) error {
	if !socket.Joined {
		return fmt.Errorf("%w: broadcast on unjoined socket %q", ErrUnauthorized, socket.ID)
	}
	rec, err := rt.record(socket.Topic, event, payload, socket.ID)
	if err != nil {
		return err
	}
	return rt.bus.BroadcastExcept(ctx, socket.ID, socket.Topic, rec)
}

func (rt *Runtime) record(topic, event string, payload any, sender string) (bus.Record, error) {
	p, err := toPayload(payload)
	if err != nil {
		return bus.Record{}, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return bus.Record{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return bus.Record{
		Topic:     topic,
		Event:     event,
		Payload:   raw,
		Sender:    sender,
		Timestamp: strfmt.DateTime(time.Now()),
	}, nil
}

// Terminate signals the owning connection to shut down and detaches it,
// invoking Leave and removing the bus subscription exactly once. Called from
// handler code it never blocks: the detach runs on the lock the dispatch
// already holds and completes before the dispatch returns.
func (rt *Runtime) Terminate(ctx context.Context, socket Socket) {
	sess, err := rt.session(socket.ID)
	if err != nil {
		return
	}
	sess.conn.Terminate()
	if lockHeld(ctx, sess) {
		rt.detachLocked(ctx, sess)
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	rt.detachLocked(lockCtx(ctx, sess), sess)
}

// Hibernate signals the owning connection to enter a low-resource idle state.
// Subscription state is unchanged.
func (rt *Runtime) Hibernate(socket Socket) {
	sess, err := rt.session(socket.ID)
	if err != nil {
		return
	}
	sess.conn.Hibernate()
}

// Detach tears a connection down: Leave is invoked once, every held topic is
// unsubscribed, and the session is removed. Detaching twice is a no-op.
func (rt *Runtime) Detach(ctx context.Context, socket Socket) {
	sess, ok := rt.sessions.Get(socket.ID)
	if !ok {
		return
	}
	if lockHeld(ctx, sess) {
		rt.detachLocked(ctx, sess)
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	rt.detachLocked(lockCtx(ctx, sess), sess)
}

func (rt *Runtime) detachLocked(ctx context.Context, sess *session) {
	if sess.detached {
		return
	}
	sess.detached = true
	current := sess.socket
	if current.Joined {
		if _, err := rt.unsubscribeLocked(ctx, sess, current, current.Topic, Message{Topic: current.Topic, Event: rt.leaveEvent, Payload: NewPayload()}); err != nil {
			rt.log.ErrorContext(ctx, "failed to unsubscribe on detach", slogx.Error(err), slog.String("conn", current.ID))
		}
	}
	rt.sessions.Del(sess.conn.ID())
}
