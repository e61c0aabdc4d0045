// Package events fans engine notifications out to registered listeners.
package events

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("events")

type Name string

const (
	CallIncoming           Name = "call.incoming"
	CallStateChanged       Name = "call.state_changed"
	CallQualityChanged     Name = "call.quality_changed"
	CallDurationChanged    Name = "call.duration_changed"
	CallParticipantChanged Name = "call.participant_changed"
	CallScreenShareChanged Name = "call.screen_share_changed"
	CallDTMF               Name = "call.dtmf"
	CallDTMFReceived       Name = "call.dtmf_received"
	CallCandidatesDropped  Name = "call.candidates_dropped"
	GroupStateChanged      Name = "group_call.state_changed"
	GroupParticipant       Name = "group_call.participant_changed"
	RecordingStarted       Name = "recording.started"
	RecordingStopped       Name = "recording.stopped"
)

// Event is one notification. Data holds one of the payload types below.
type Event struct {
	Name           Name      `json:"name"`
	CallID         string    `json:"call_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	At             time.Time `json:"at"`
	Data           any       `json:"data,omitempty"`
}

type Listener func(Event)

type ListenerID uint64

type entry struct {
	fn    Listener
	scope string
}

// Bus is safe for concurrent use. Listeners run synchronously on the
// emitting goroutine, outside the bus lock; a panicking listener is logged
// and does not affect the others.
type Bus struct {
	mu        sync.RWMutex
	next      ListenerID
	listeners map[Name]map[ListenerID]entry
	subs      map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{
		listeners: make(map[Name]map[ListenerID]entry),
		subs:      make(map[chan Event]struct{}),
	}
}

// On registers fn for name and returns the id Off takes.
func (b *Bus) On(name Name, fn Listener) ListenerID {
	return b.OnScoped("", name, fn)
}

// OnScoped registers fn under scope; DropScope removes every listener of
// that scope at once. The engine scopes per-call listeners by call id.
func (b *Bus) OnScoped(scope string, name Name, fn Listener) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	m, ok := b.listeners[name]
	if !ok {
		m = make(map[ListenerID]entry)
		b.listeners[name] = m
	}
	m[id] = entry{fn: fn, scope: scope}
	return id
}

// Off removes a listener. Unknown ids are ignored.
func (b *Bus) Off(name Name, id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.listeners[name]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(b.listeners, name)
		}
	}
}

// DropScope removes every listener registered under scope.
func (b *Bus) DropScope(scope string) {
	if scope == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, m := range b.listeners {
		for id, e := range m {
			if e.scope == scope {
				delete(m, id)
			}
		}
		if len(m) == 0 {
			delete(b.listeners, name)
		}
	}
}

// Count returns the number of listeners registered for name.
func (b *Bus) Count(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name])
}

// Subscribe streams every event. Slow subscribers lose events.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// Emit delivers e to listeners of e.Name and to every subscriber.
func (b *Bus) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	fns := make([]Listener, 0, len(b.listeners[e.Name]))
	for _, en := range b.listeners[e.Name] {
		fns = append(fns, en.fn)
	}
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Debugf("subscriber full, dropping %s", e.Name)
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.call(fn, e)
	}
}

func (b *Bus) call(fn Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("listener for %s panicked: %v", e.Name, r)
		}
	}()
	fn(e)
}
