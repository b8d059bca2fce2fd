// Package messaging implements the send_message transport: a loopback
// adapter used by default and in tests, and a Telegram adapter, selected
// per destination by address scheme.
package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Transport sends one outbound message to an address.
type Transport interface {
	Send(ctx context.Context, to, content string, threadID *string) error
}

// Router dispatches to the transport matching a destination address's
// scheme (e.g. "telegram:123456" vs. a bare loopback address), falling
// back to the default transport when no scheme matches.
type Router struct {
	mu        sync.RWMutex
	transports map[string]Transport
	def       Transport
}

// NewRouter creates a Router whose fallback transport is a fresh
// Loopback.
func NewRouter() *Router {
	return &Router{transports: make(map[string]Transport), def: NewLoopback()}
}

// RegisterScheme binds a transport to an address scheme prefix
// ("telegram", "loopback", ...).
func (r *Router) RegisterScheme(scheme string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[scheme] = t
}

// Send implements executor.Messenger.
func (r *Router) Send(ctx context.Context, to, content string, threadID *string) error {
	r.mu.RLock()
	t := r.transportFor(to)
	r.mu.RUnlock()
	return t.Send(ctx, to, content, threadID)
}

func (r *Router) transportFor(to string) Transport {
	if scheme, _, ok := strings.Cut(to, ":"); ok {
		if t, ok := r.transports[scheme]; ok {
			return t
		}
	}
	return r.def
}

// Loopback is an in-memory transport: messages are appended to a buffer
// instead of leaving the process. Used as the default transport and by
// every test that doesn't exercise a real channel.
type Loopback struct {
	mu       sync.Mutex
	Outbound []LoopbackMessage
}

// LoopbackMessage is one message captured by Loopback.Send.
type LoopbackMessage struct {
	To       string
	Content  string
	ThreadID *string
}

func NewLoopback() *Loopback {
	return &Loopback{}
}

func (l *Loopback) Send(ctx context.Context, to, content string, threadID *string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Outbound = append(l.Outbound, LoopbackMessage{To: to, Content: content, ThreadID: threadID})
	return nil
}

// Drain returns and clears the captured messages.
func (l *Loopback) Drain() []LoopbackMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.Outbound
	l.Outbound = nil
	return out
}

// errUnconfiguredTransport is returned by NewTelegramTransport when it is
// given an empty token.
var errUnconfiguredTransport = fmt.Errorf("messaging: transport not configured")
