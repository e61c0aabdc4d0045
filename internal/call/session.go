package call

import (
	"sync"
	"time"

	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/transport"
)

// session is the registry record of one call: the call itself plus every
// resource it owns.
//
// op serialises engine operations on the call (user actions, inbound
// signaling, transport callbacks) and may be held across I/O. mu guards the
// fields and is only held briefly, so reads never wait on network calls.
type session struct {
	id string
	op sync.Mutex

	mu          sync.RWMutex
	call        Call
	offer       *transport.Description
	transport   transport.Session
	streams     media.Set
	senders     map[string]transport.Sender
	screen      []transport.Sender
	heldEnabled map[string]bool
	speakerOff  bool
	closed      bool

	batcher     *transport.Batcher
	stopTick    chan struct{}
	inviteTimer *time.Timer
}

func newSession(id, conversationID string, kind MediaKind, initiator bool) *session {
	return &session{
		id: id,
		call: Call{
			ID:             id,
			ConversationID: conversationID,
			MediaKind:      kind,
			IsInitiator:    initiator,
			State:          StateSetup,
		},
		senders: make(map[string]transport.Sender),
	}
}

func (s *session) snapshot() Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.call
	c.Participants = append([]Participant(nil), s.call.Participants...)
	if !c.StartTime.IsZero() {
		end := c.EndTime
		if end.IsZero() {
			end = time.Now()
		}
		c.Duration = end.Sub(c.StartTime).Truncate(time.Second)
	}
	return c
}

func (s *session) state() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.call.State
}

func (s *session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// setState records the transition and stamps start and end times. It
// reports the previous state and whether anything changed.
func (s *session) setState(to State, reason string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.call.State
	if from == to {
		return from, false
	}
	s.call.State = to
	now := time.Now()
	if to == StateConnected && s.call.StartTime.IsZero() {
		s.call.StartTime = now
	}
	if to.IsTerminal() {
		s.call.EndTime = now
		if reason != "" {
			s.call.HangupReason = reason
		}
	}
	return from, true
}

// setTracks switches local tracks. While the call is on hold the tracks stay
// off and only the state Resume restores is updated.
func (s *session) setTracks(tracks []media.Track, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call.State == StateOnHold {
		if s.heldEnabled == nil {
			s.heldEnabled = make(map[string]bool)
		}
		for _, t := range tracks {
			s.heldEnabled[t.ID()] = enabled
		}
		return
	}
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
}

// intent reports whether t is meant to be live, looking through a hold.
func (s *session) intent(t media.Track) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.call.State == StateOnHold {
		if on, ok := s.heldEnabled[t.ID()]; ok {
			return on
		}
	}
	return t.Enabled()
}

// upsertParticipant adds p or replaces the entry with the same user id.
// Local participants go first.
func (s *session) upsertParticipant(p Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.call.Participants {
		if x.UserID == p.UserID {
			s.call.Participants[i] = p
			return
		}
	}
	if p.UserID == LocalUserID {
		s.call.Participants = append([]Participant{p}, s.call.Participants...)
		return
	}
	s.call.Participants = append(s.call.Participants, p)
}

// updateParticipant applies fn to the participant with userID, if present.
func (s *session) updateParticipant(userID string, fn func(*Participant)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.call.Participants {
		if s.call.Participants[i].UserID == userID {
			fn(&s.call.Participants[i])
			return true
		}
	}
	return false
}

// remoteUserID returns the first non-local participant.
func (s *session) remoteUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.call.Participants {
		if p.UserID != LocalUserID {
			return p.UserID
		}
	}
	return ""
}

func (s *session) localTracks() []media.Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []media.Track
	for _, st := range []*media.Stream{s.streams.LocalAudio, s.streams.LocalVideo} {
		if st != nil {
			out = append(out, st.Tracks()...)
		}
	}
	return out
}

func (s *session) transportSession() transport.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// Registry maps call ids to live sessions. It holds at most one entry per
// call id and never holds its lock across I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

// add registers s unless its id is taken.
func (r *Registry) add(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.id]; ok {
		return false
	}
	r.sessions[s.id] = s
	return true
}

func (r *Registry) get(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// remove deletes id only if it still maps to s.
func (r *Registry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
}

func (r *Registry) list() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len is the number of registered calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Transports counts registered calls that own an open transport session.
func (r *Registry) Transports() int {
	n := 0
	for _, s := range r.list() {
		if s.transportSession() != nil {
			n++
		}
	}
	return n
}
