package partyline

import (
	"strings"
	"sync"
)

type route struct {
	pattern string
	handler Handler
}

// Router maps topic strings to channel handlers. Patterns are tested in
// registration order and the first match wins, so register the most specific
// patterns first.
type Router struct {
	mu     sync.RWMutex
	routes []route
}

func NewRouter() *Router {
	return &Router{}
}

// Handle registers a handler for a topic pattern. Patterns are colon
// delimited; a trailing "*" segment matches any non-empty suffix, so
// "rooms:*" matches "rooms:lobby" but not "rooms". Returns the router for
// chaining.
func (r *Router) Handle(pattern string, h Handler) *Router {
	if pattern == "" {
		panic("pattern cannot be empty")
	}
	if h == nil {
		panic("handler cannot be nil")
	}
	r.mu.Lock()
	r.routes = append(r.routes, route{pattern: pattern, handler: h})
	r.mu.Unlock()
	return r
}

// Route finds the handler for a topic, if any pattern matches.
func (r *Router) Route(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes {
		if matchTopic(rt.pattern, topic) {
			return rt.handler, true
		}
	}
	return nil, false
}

func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	psegs := strings.Split(pattern, ":")
	tsegs := strings.Split(topic, ":")
	for i, p := range psegs {
		if p == "*" {
			// The wildcard consumes the rest, but there must be a rest.
			return i < len(tsegs)
		}
		if i >= len(tsegs) || p != tsegs[i] {
			return false
		}
	}
	return len(psegs) == len(tsegs)
}
