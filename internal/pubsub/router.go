// Package pubsub holds the pieces shared by the bus transports: the message
// handler signature and a per-connection router that maps channel names to
// handlers.
package pubsub

import (
	"errors"
	"sort"
	"sync"
)

// Handler receives a message delivered on channel.
type Handler func(channel string, payload []byte)

// ErrAlreadySubscribed is returned when a channel already has a handler.
var ErrAlreadySubscribed = errors.New("channel already subscribed")

// Router dispatches messages arriving on one underlying connection to the
// handler registered for the exact channel name. Messages for channels
// without a handler are dropped.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

func (r *Router) Register(channel string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[channel]; ok {
		return ErrAlreadySubscribed
	}
	r.handlers[channel] = h
	return nil
}

// Unregister removes the handler for channel and reports whether one existed.
func (r *Router) Unregister(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[channel]; !ok {
		return false
	}
	delete(r.handlers, channel)
	return true
}

// Dispatch delivers payload to the handler for channel. It returns false if
// the message was dropped.
func (r *Router) Dispatch(channel string, payload []byte) bool {
	r.mu.RLock()
	h, ok := r.handlers[channel]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	h(channel, payload)
	return true
}

func (r *Router) Has(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[channel]
	return ok
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Channels returns the registered channel names in sorted order.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for ch := range r.handlers {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
