// Package channel is the room-event messaging surface the engine signals
// over. Delivery is asynchronous and at-least-once; ordering is not
// guaranteed and the sender's own events are never echoed back.
package channel

import (
	"context"
	"encoding/json"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("channel")

// Envelope is one room event as received.
type Envelope struct {
	ConversationID string          `json:"conversation_id"`
	Kind           string          `json:"kind"`
	Sender         string          `json:"sender"`
	EventID        string          `json:"event_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// Channel sends and receives room events.
type Channel interface {
	// SelfID is the user identity this channel sends as.
	SelfID() string
	Send(ctx context.Context, conversationID, kind string, payload json.RawMessage) error
	Subscribe() (<-chan *Envelope, func())
	Close() error
}

// Joiner is implemented by channels that must subscribe to a conversation
// before its events arrive.
type Joiner interface {
	Join(ctx context.Context, conversationID string) error
}

// Fanout is the listener set shared by the channel backends.
type Fanout struct {
	mu        sync.RWMutex
	listeners map[chan *Envelope]struct{}
}

func NewFanout() *Fanout {
	return &Fanout{listeners: make(map[chan *Envelope]struct{})}
}

// Subscribe returns a buffered channel of envelopes and its cancel func.
func (f *Fanout) Subscribe() (<-chan *Envelope, func()) {
	ch := make(chan *Envelope, 128)
	f.mu.Lock()
	f.listeners[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.listeners[ch]; ok {
			delete(f.listeners, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Publish hands env to every listener, dropping it for listeners that are full.
func (f *Fanout) Publish(env *Envelope) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.listeners {
		select {
		case ch <- env:
		default:
			log.Warnf("listener full, dropping %s in %s", env.Kind, env.ConversationID)
		}
	}
}

// CloseAll closes every listener.
func (f *Fanout) CloseAll() {
	f.mu.Lock()
	for ch := range f.listeners {
		close(ch)
	}
	f.listeners = make(map[chan *Envelope]struct{})
	f.mu.Unlock()
}
