// Package transporttest provides a scriptable transport.Factory for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/transport"
)

// Factory records every session it creates.
type Factory struct {
	mu       sync.Mutex
	sessions []*Session
	n        int

	// Err fails NewSession when set.
	Err error
	// DTMF makes audio senders advertise in-band tone insertion.
	DTMF bool
	// DTMFErr is returned from InsertDTMF when DTMF is set.
	DTMFErr error
	// SDPErr fails offer and answer creation on new sessions.
	SDPErr error
	// RemoteErr fails SetRemoteDescription on new sessions.
	RemoteErr error
	// Configure runs on each new session before it is returned.
	Configure func(*Session)
}

func (f *Factory) NewSession(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.n++
	s := &Session{
		id: f.n, Config: cfg, dtmf: f.DTMF, dtmfErr: f.DTMFErr,
		FailOffer: f.SDPErr, FailAnswer: f.SDPErr, FailRemote: f.RemoteErr,
	}
	if f.Configure != nil {
		f.Configure(s)
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

// Sessions returns every session created so far.
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Session(nil), f.sessions...)
}

// Open counts sessions not yet closed.
func (f *Factory) Open() int {
	n := 0
	for _, s := range f.Sessions() {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// Last returns the most recent session or nil.
func (f *Factory) Last() *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// Session is a fake transport.Session. Fire* methods invoke the registered
// callbacks synchronously.
type Session struct {
	id     int
	Config transport.Config

	mu         sync.Mutex
	senders    []*Sender
	local      *transport.Description
	remote     *transport.Description
	candidates []transport.Candidate
	closed     bool
	dtmf       bool
	dtmfErr    error

	FailRemote    error
	FailCandidate error
	FailOffer     error
	FailAnswer    error

	onCandidate func(*transport.Candidate)
	onTrack     func(media.Track)
	onConn      func(transport.ConnectionState)
	onICE       func(transport.ICEState)
}

type Sender struct {
	track   media.Track
	dtmf    bool
	dtmfErr error

	mu    sync.Mutex
	Tones []string
}

func (s *Sender) Track() media.Track  { return s.track }
func (s *Sender) CanInsertDTMF() bool { return s.dtmf }

func (s *Sender) InsertDTMF(tones string, _, _ time.Duration) error {
	if s.dtmfErr != nil {
		return s.dtmfErr
	}
	s.mu.Lock()
	s.Tones = append(s.Tones, tones)
	s.mu.Unlock()
	return nil
}

func (s *Session) AddTrack(t media.Track) (transport.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("transporttest: session closed")
	}
	snd := &Sender{track: t, dtmf: s.dtmf && t.Kind() == media.KindAudio, dtmfErr: s.dtmfErr}
	s.senders = append(s.senders, snd)
	return snd, nil
}

func (s *Session) RemoveTrack(ts transport.Sender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.senders {
		if transport.Sender(x) == ts {
			s.senders = append(s.senders[:i], s.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("transporttest: unknown sender")
}

func (s *Session) Senders() []transport.Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Sender, len(s.senders))
	for i, x := range s.senders {
		out[i] = x
	}
	return out
}

func (s *Session) CreateOffer(context.Context) (transport.Description, error) {
	if s.FailOffer != nil {
		return transport.Description{}, s.FailOffer
	}
	return transport.Description{Type: transport.TypeOffer, SDP: s.sdp("offer")}, nil
}

func (s *Session) CreateAnswer(context.Context) (transport.Description, error) {
	if s.FailAnswer != nil {
		return transport.Description{}, s.FailAnswer
	}
	return transport.Description{Type: transport.TypeAnswer, SDP: s.sdp("answer")}, nil
}

func (s *Session) sdp(kind string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := fmt.Sprintf("v=0\r\no=- %d 1 IN IP4 127.0.0.1\r\ns=%s\r\n", s.id, kind)
	for _, snd := range s.senders {
		out += fmt.Sprintf("m=%s 9 UDP/TLS/RTP/SAVPF 96\r\n", snd.track.Kind())
	}
	return out
}

func (s *Session) SetLocalDescription(_ context.Context, d transport.Description) error {
	s.mu.Lock()
	s.local = &d
	s.mu.Unlock()
	return nil
}

func (s *Session) SetRemoteDescription(_ context.Context, d transport.Description) error {
	if s.FailRemote != nil {
		return s.FailRemote
	}
	s.mu.Lock()
	s.remote = &d
	s.mu.Unlock()
	return nil
}

func (s *Session) AddICECandidate(c transport.Candidate) error {
	if s.FailCandidate != nil {
		return s.FailCandidate
	}
	s.mu.Lock()
	s.candidates = append(s.candidates, c)
	s.mu.Unlock()
	return nil
}

func (s *Session) OnICECandidate(fn func(*transport.Candidate)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

func (s *Session) OnTrack(fn func(media.Track)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *Session) OnConnectionStateChange(fn func(transport.ConnectionState)) {
	s.mu.Lock()
	s.onConn = fn
	s.mu.Unlock()
}

func (s *Session) OnICEConnectionStateChange(fn func(transport.ICEState)) {
	s.mu.Lock()
	s.onICE = fn
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Local() *transport.Description {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) Remote() *transport.Description {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) Candidates() []transport.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Candidate(nil), s.candidates...)
}

func (s *Session) FireCandidate(c *transport.Candidate) {
	s.mu.Lock()
	fn := s.onCandidate
	s.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (s *Session) FireTrack(t media.Track) {
	s.mu.Lock()
	fn := s.onTrack
	s.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (s *Session) FireConnectionState(st transport.ConnectionState) {
	s.mu.Lock()
	fn := s.onConn
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (s *Session) FireICEState(st transport.ICEState) {
	s.mu.Lock()
	fn := s.onICE
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}
