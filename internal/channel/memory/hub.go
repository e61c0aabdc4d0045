// Package memory is an in-process room-event hub. Every endpoint joined to
// the hub sees every other endpoint's events; nothing leaves the process.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/roomcall/internal/channel"
)

// Hub routes events between endpoints.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	// Duplicate delivers every event this many extra times.
	Duplicate int
	// Hold buffers deliveries until Release when set.
	Hold bool
	held []held
}

type held struct {
	to  *Endpoint
	env *channel.Envelope
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Endpoint)}
}

// Join registers userID and returns its endpoint. Joining twice returns the
// existing endpoint.
func (h *Hub) Join(userID string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[userID]; ok {
		return ep
	}
	ep := &Endpoint{hub: h, self: userID, out: channel.NewFanout()}
	h.endpoints[userID] = ep
	return ep
}

// Release delivers held events in reverse order of sending.
func (h *Hub) Release() {
	h.mu.Lock()
	pending := h.held
	h.held = nil
	h.Hold = false
	h.mu.Unlock()
	for i := len(pending) - 1; i >= 0; i-- {
		pending[i].to.out.Publish(pending[i].env)
	}
}

func (h *Hub) deliver(from *Endpoint, env *channel.Envelope) {
	h.mu.Lock()
	targets := make([]*Endpoint, 0, len(h.endpoints))
	for id, ep := range h.endpoints {
		if id != from.self && !ep.isClosed() {
			targets = append(targets, ep)
		}
	}
	if h.Hold {
		for _, ep := range targets {
			h.held = append(h.held, held{to: ep, env: env})
		}
		h.mu.Unlock()
		return
	}
	dup := h.Duplicate
	h.mu.Unlock()

	for _, ep := range targets {
		for i := 0; i <= dup; i++ {
			ep.out.Publish(env)
		}
	}
}

// Endpoint is one user's view of the hub. It implements channel.Channel.
type Endpoint struct {
	hub  *Hub
	self string
	out  *channel.Fanout

	mu     sync.Mutex
	closed bool
}

var ErrClosed = errors.New("memory: endpoint closed")

func (e *Endpoint) SelfID() string { return e.self }

func (e *Endpoint) Send(ctx context.Context, conversationID, kind string, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.isClosed() {
		return ErrClosed
	}
	e.hub.deliver(e, &channel.Envelope{
		ConversationID: conversationID,
		Kind:           kind,
		Sender:         e.self,
		EventID:        "$" + uuid.NewString(),
		Payload:        append(json.RawMessage(nil), payload...),
	})
	return nil
}

func (e *Endpoint) Subscribe() (<-chan *channel.Envelope, func()) {
	return e.out.Subscribe()
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.out.CloseAll()
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
