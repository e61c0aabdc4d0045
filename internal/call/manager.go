// Package call runs one-to-one calls: the registry of live calls, their
// state machine, media controls and DTMF. Signaling goes out through a
// signal.Outbox; inbound messages arrive through Handle.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/roomcall/internal/callerr"
	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/signal"
	"github.com/petervdpas/roomcall/internal/transport"
)

var log = logging.Logger("call")

// sendTimeout bounds signaling sent from timers and transport callbacks.
const sendTimeout = 10 * time.Second

type Config struct {
	// ICE returns the transport config for new sessions. Read on every
	// session so server lists can change at runtime.
	ICE            func() transport.Config
	InviteTimeout  time.Duration
	CandidateBatch time.Duration
	DurationTick   time.Duration
	DeviceID       string
}

// Manager owns every one-to-one call.
type Manager struct {
	out        *signal.Outbox
	transports transport.Factory
	device     media.Device
	bus        *events.Bus
	cfg        Config
	reg        *Registry

	hookMu   sync.RWMutex
	cleanups []func(callID string)

	done chan struct{}
}

func New(out *signal.Outbox, tf transport.Factory, dev media.Device, bus *events.Bus, cfg Config) *Manager {
	if cfg.ICE == nil {
		cfg.ICE = func() transport.Config { return transport.Config{} }
	}
	if cfg.DurationTick <= 0 {
		cfg.DurationTick = time.Second
	}
	return &Manager{
		out:        out,
		transports: tf,
		device:     dev,
		bus:        bus,
		cfg:        cfg,
		reg:        NewRegistry(),
		done:       make(chan struct{}),
	}
}

// Registry exposes the live-call table for inspection.
func (m *Manager) Registry() *Registry { return m.reg }

// OnCleanup registers fn to run while a call releases its resources,
// before it leaves the registry.
func (m *Manager) OnCleanup(fn func(callID string)) {
	m.hookMu.Lock()
	m.cleanups = append(m.cleanups, fn)
	m.hookMu.Unlock()
}

// Get returns a snapshot of a live call.
func (m *Manager) Get(callID string) (Call, bool) {
	s, ok := m.reg.get(callID)
	if !ok {
		return Call{}, false
	}
	return s.snapshot(), true
}

// List returns snapshots of every live call.
func (m *Manager) List() []Call {
	ss := m.reg.list()
	out := make([]Call, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.snapshot())
	}
	return out
}

func noSuchCall(op, id string) error {
	return callerr.New(callerr.CodeNoSuchCall, op, fmt.Errorf("call %s", id))
}

// Start places an outbound call in conversationID.
func (m *Manager) Start(ctx context.Context, conversationID string, kind MediaKind) (Call, error) {
	s := newSession(uuid.NewString(), conversationID, kind, true)
	s.op.Lock()
	defer s.op.Unlock()

	m.reg.add(s)
	m.emitState(s, "", StateSetup, "")
	log.Infof("[%s] starting %s call in %s", s.id, kind, conversationID)

	if err := m.acquireLocal(ctx, s, kind); err != nil {
		m.cleanup(s, StateFailed, err.Error())
		return Call{}, err
	}
	if err := m.openTransport(ctx, s); err != nil {
		m.cleanup(s, StateFailed, err.Error())
		return Call{}, err
	}

	offer, err := transport.Offer(ctx, s.transportSession())
	if err != nil {
		err = callerr.New(callerr.CodeTransport, "create offer", err)
		m.cleanup(s, StateFailed, err.Error())
		return Call{}, err
	}

	invite := &signal.Invite{
		Header:    signal.Header{CallID: s.id},
		MediaKind: string(kind),
		Offer:     offer,
		Lifetime:  m.cfg.InviteTimeout.Milliseconds(),
	}
	if err := m.out.Send(ctx, conversationID, invite); err != nil {
		m.cleanup(s, StateFailed, err.Error())
		return Call{}, err
	}

	m.transition(s, StateInviteSent, "")
	s.batcher.Release()
	m.armInviteTimeout(s)
	return s.snapshot(), nil
}

// Accept answers an incoming call.
func (m *Manager) Accept(ctx context.Context, callID string) (Call, error) {
	s, ok := m.reg.get(callID)
	if !ok {
		return Call{}, noSuchCall("accept", callID)
	}
	s.op.Lock()
	defer s.op.Unlock()
	if s.isClosed() {
		return Call{}, noSuchCall("accept", callID)
	}
	if st := s.state(); st != StateInviteReceived && st != StateRinging {
		return Call{}, callerr.Wrap(callerr.CodeInvalidState, "accept", "call %s is %s", callID, st)
	}
	s.stopInviteTimer()

	s.mu.RLock()
	kind, conv, offer := s.call.MediaKind, s.call.ConversationID, s.offer
	s.mu.RUnlock()

	if err := m.acquireLocal(ctx, s, kind); err != nil {
		return Call{}, m.failAccept(ctx, s, conv, signal.ReasonUserMediaFailed, err)
	}
	if err := m.openTransport(ctx, s); err != nil {
		return Call{}, m.failAccept(ctx, s, conv, signal.ReasonUnknownError, err)
	}

	answer, err := transport.Answer(ctx, s.transportSession(), *offer)
	if err != nil {
		err = callerr.New(callerr.CodeTransport, "answer", err)
		return Call{}, m.failAccept(ctx, s, conv, signal.ReasonUnknownError, err)
	}

	msg := &signal.Answer{Header: signal.Header{CallID: callID}, MediaKind: string(kind), Answer: answer}
	if err := m.out.Send(ctx, conv, msg); err != nil {
		m.cleanup(s, StateFailed, err.Error())
		return Call{}, err
	}

	m.transition(s, StateConnected, "")
	s.batcher.Release()
	log.Infof("[%s] accepted", callID)
	return s.snapshot(), nil
}

// failAccept hangs up on the caller after a local setup failure, so it stops
// ringing, and fails the call. The hangup is best effort.
func (m *Manager) failAccept(ctx context.Context, s *session, conv, reason string, err error) error {
	hangup := &signal.Hangup{Header: signal.Header{CallID: s.id}, Reason: reason}
	if serr := m.out.Send(ctx, conv, hangup); serr != nil {
		log.Warnf("[%s] hangup after failed accept not delivered: %v", s.id, serr)
	}
	m.cleanup(s, StateFailed, err.Error())
	return err
}

// Reject declines an incoming call.
func (m *Manager) Reject(ctx context.Context, callID string) error {
	s, ok := m.reg.get(callID)
	if !ok {
		return noSuchCall("reject", callID)
	}
	s.op.Lock()
	defer s.op.Unlock()
	if s.isClosed() {
		return noSuchCall("reject", callID)
	}

	conv := s.snapshot().ConversationID
	if err := m.out.Send(ctx, conv, &signal.Reject{Header: signal.Header{CallID: callID}}); err != nil {
		log.Warnf("[%s] reject not delivered: %v", callID, err)
	}
	m.cleanup(s, StateEnded, signal.ReasonRejected)
	return nil
}

// End hangs up a call. Ending an unknown or finished call is a no-op.
func (m *Manager) End(ctx context.Context, callID string) error {
	s, ok := m.reg.get(callID)
	if !ok {
		return nil
	}
	s.op.Lock()
	defer s.op.Unlock()
	if s.isClosed() {
		return nil
	}

	m.transition(s, StateEnding, "")
	conv := s.snapshot().ConversationID
	hangup := &signal.Hangup{Header: signal.Header{CallID: callID}, Reason: signal.ReasonUserHangup}
	if err := m.out.Send(ctx, conv, hangup); err != nil {
		log.Warnf("[%s] hangup not delivered: %v", callID, err)
	}
	m.cleanup(s, StateEnded, signal.ReasonUserHangup)
	return nil
}

// Hold pauses every local track of a connected call.
func (m *Manager) Hold(_ context.Context, callID string) error {
	return m.withSession("hold", callID, func(s *session) error {
		if st := s.state(); st != StateConnected {
			return callerr.Wrap(callerr.CodeInvalidState, "hold", "call %s is %s", callID, st)
		}
		held := make(map[string]bool)
		for _, t := range s.localTracks() {
			held[t.ID()] = t.Enabled()
			t.SetEnabled(false)
		}
		s.mu.Lock()
		s.heldEnabled = held
		s.mu.Unlock()
		m.transition(s, StateOnHold, "")
		return nil
	})
}

// Resume restores the tracks paused by Hold.
func (m *Manager) Resume(_ context.Context, callID string) error {
	return m.withSession("resume", callID, func(s *session) error {
		if st := s.state(); st != StateOnHold {
			return callerr.Wrap(callerr.CodeInvalidState, "resume", "call %s is %s", callID, st)
		}
		s.mu.Lock()
		held := s.heldEnabled
		s.heldEnabled = nil
		s.mu.Unlock()
		for _, t := range s.localTracks() {
			if on, ok := held[t.ID()]; ok {
				t.SetEnabled(on)
			}
		}
		m.transition(s, StateConnected, "")
		return nil
	})
}

// Close hangs up every call.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	for _, s := range m.reg.list() {
		_ = m.End(ctx, s.id)
	}
}

func (m *Manager) withSession(op, callID string, fn func(*session) error) error {
	s, ok := m.reg.get(callID)
	if !ok {
		return noSuchCall(op, callID)
	}
	s.op.Lock()
	defer s.op.Unlock()
	if s.isClosed() {
		return noSuchCall(op, callID)
	}
	return fn(s)
}

// acquireLocal opens microphone, plus camera for video calls, and records
// the local participant.
func (m *Manager) acquireLocal(ctx context.Context, s *session, kind MediaKind) error {
	stream, err := m.device.Acquire(ctx, media.Constraints{Audio: true, Video: kind == Video})
	if err != nil {
		return callerr.New(callerr.CodeMediaAcquisition, "acquire media", err)
	}

	audio := stream.AudioTracks()
	video := stream.VideoTracks()
	s.mu.Lock()
	if len(audio) > 0 {
		s.streams.LocalAudio = media.NewStream(stream.ID+"-audio", audio...)
	}
	if len(video) > 0 {
		s.streams.LocalVideo = media.NewStream(stream.ID+"-video", video...)
	}
	s.mu.Unlock()

	s.upsertParticipant(Participant{
		UserID:       LocalUserID,
		DeviceID:     m.cfg.DeviceID,
		VideoEnabled: len(video) > 0,
	})
	return nil
}

// openTransport creates the call's transport session, wires its callbacks
// and attaches the local tracks.
func (m *Manager) openTransport(ctx context.Context, s *session) error {
	ts, err := m.transports.NewSession(ctx, m.cfg.ICE())
	if err != nil {
		return callerr.New(callerr.CodeTransport, "new session", err)
	}

	id := s.id
	conv := s.snapshot().ConversationID
	batcher := transport.NewBatcher(m.cfg.CandidateBatch, func(batch []transport.Candidate) {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		msg := &signal.Candidates{Header: signal.Header{CallID: id}, Candidates: batch}
		if err := m.out.Send(ctx, conv, msg); err != nil {
			log.Warnf("[%s] %d candidates not delivered: %v", id, len(batch), err)
		}
	})

	s.mu.Lock()
	s.transport = ts
	s.batcher = batcher
	s.mu.Unlock()

	ts.OnICECandidate(func(c *transport.Candidate) { m.onLocalCandidate(id, c) })
	ts.OnTrack(func(t media.Track) { go m.onRemoteTrack(id, t) })
	ts.OnConnectionStateChange(func(st transport.ConnectionState) { go m.onConnectionState(id, st) })
	ts.OnICEConnectionStateChange(func(st transport.ICEState) { go m.onICEState(id, st) })

	for _, t := range s.localTracks() {
		snd, err := ts.AddTrack(t)
		if err != nil {
			return callerr.New(callerr.CodeTransport, "add track", err)
		}
		s.mu.Lock()
		s.senders[t.ID()] = snd
		s.mu.Unlock()
	}
	return nil
}

// transition moves s to a new state and notifies listeners.
func (m *Manager) transition(s *session, to State, reason string) {
	from, changed := s.setState(to, reason)
	if !changed {
		return
	}
	if to == StateConnected && from != StateOnHold {
		m.startTick(s)
	}
	m.emitState(s, from.String(), to, reason)
}

func (m *Manager) emitState(s *session, from string, to State, reason string) {
	c := s.snapshot()
	log.Infof("[%s] %s -> %s", s.id, from, to)
	m.bus.Emit(events.Event{
		Name:           events.CallStateChanged,
		CallID:         c.ID,
		ConversationID: c.ConversationID,
		Data: events.StateChange{
			From:      from,
			To:        to.String(),
			Reason:    reason,
			Initiator: c.IsInitiator,
			MediaKind: string(c.MediaKind),
			Duration:  c.Duration,
			StartedAt: c.StartTime,
		},
	})
}

// startTick publishes the call duration once per tick while connected.
// Duration itself is derived from the start time on every snapshot.
func (m *Manager) startTick(s *session) {
	s.mu.Lock()
	if s.stopTick != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stopTick = stop
	s.mu.Unlock()

	go func() {
		t := time.NewTicker(m.cfg.DurationTick)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				c := s.snapshot()
				if c.State.IsTerminal() || c.StartTime.IsZero() {
					continue
				}
				m.bus.Emit(events.Event{
					Name:           events.CallDurationChanged,
					CallID:         c.ID,
					ConversationID: c.ConversationID,
					Data:           events.Duration{Duration: c.Duration},
				})
			}
		}
	}()
}

func (m *Manager) armInviteTimeout(s *session) {
	if m.cfg.InviteTimeout <= 0 {
		return
	}
	t := time.AfterFunc(m.cfg.InviteTimeout, func() {
		s.op.Lock()
		defer s.op.Unlock()
		if s.isClosed() || s.state() != StateInviteSent {
			return
		}
		log.Infof("[%s] invite unanswered after %s", s.id, m.cfg.InviteTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		conv := s.snapshot().ConversationID
		hangup := &signal.Hangup{Header: signal.Header{CallID: s.id}, Reason: signal.ReasonInviteTimeout}
		if err := m.out.Send(ctx, conv, hangup); err != nil {
			log.Warnf("[%s] hangup not delivered: %v", s.id, err)
		}
		m.cleanup(s, StateEnded, signal.ReasonInviteTimeout)
	})
	s.mu.Lock()
	s.inviteTimer = t
	s.mu.Unlock()
}

func (s *session) stopInviteTimer() {
	s.mu.Lock()
	if s.inviteTimer != nil {
		s.inviteTimer.Stop()
		s.inviteTimer = nil
	}
	s.mu.Unlock()
}

// cleanup releases every resource of s and moves it to final. The caller
// holds s.op. Safe to call more than once.
func (m *Manager) cleanup(s *session, final State, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	prev := s.call.State
	ts := s.transport
	s.transport = nil
	streams := s.streams
	s.streams = media.Set{}
	s.senders = make(map[string]transport.Sender)
	s.screen = nil
	batcher := s.batcher
	stop := s.stopTick
	s.stopTick = nil
	timer := s.inviteTimer
	s.inviteTimer = nil
	s.call.IsScreenSharing = false
	s.mu.Unlock()

	if final == StateEnded && prev != StateEnding && !prev.IsTerminal() {
		m.transition(s, StateEnding, "")
	}
	if batcher != nil {
		batcher.Stop()
	}
	if stop != nil {
		close(stop)
	}
	if timer != nil {
		timer.Stop()
	}

	m.hookMu.RLock()
	hooks := append([]func(string){}, m.cleanups...)
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(s.id)
	}

	if ts != nil {
		if err := ts.Close(); err != nil {
			log.Warnf("[%s] close transport: %v", s.id, err)
		}
	}
	streams.StopAll()
	m.reg.remove(s)

	m.transition(s, final, reason)
	m.bus.DropScope(s.id)
	log.Infof("[%s] cleaned up (%s)", s.id, reason)
}
