package call

import (
	"context"
	"time"

	"github.com/petervdpas/roomcall/internal/channel"
	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/signal"
	"github.com/petervdpas/roomcall/internal/transport"
)

// Handle applies one decoded inbound message. Messages for unknown calls
// are dropped; nothing here returns an error to the sender.
func (m *Manager) Handle(ctx context.Context, env *channel.Envelope, msg signal.Message) {
	switch v := msg.(type) {
	case *signal.Invite:
		m.onInvite(env, v)
	case *signal.Candidates:
		m.onCandidates(v)
	case *signal.Answer:
		m.onAnswer(ctx, env, v)
	case *signal.Hangup:
		m.onTerminate(v.CallID, v.Reason)
	case *signal.Reject:
		m.onTerminate(v.CallID, signal.ReasonRejected)
	case *signal.SelectAnswer:
		m.onSelectAnswer(v)
	case *signal.Negotiate:
		m.onNegotiate(ctx, env, v)
	case *signal.DTMF:
		m.bus.Emit(events.Event{
			Name:           events.CallDTMFReceived,
			CallID:         v.CallID,
			ConversationID: env.ConversationID,
			Data:           events.DTMF{Tone: v.Tone, Path: events.DTMFSideChannel, From: env.Sender},
		})
	case *signal.Malformed:
		log.Warnf("dropping malformed %s from %s: %v", v.Type, env.Sender, v.Err)
	case *signal.Unknown:
		log.Debugf("ignoring %s from %s", v.Type, env.Sender)
	}
}

func (m *Manager) onInvite(env *channel.Envelope, v *signal.Invite) {
	kind, ok := ParseMediaKind(v.MediaKind)
	if !ok {
		kind = Voice
	}
	s := newSession(v.CallID, env.ConversationID, kind, false)
	offer := v.Offer
	s.offer = &offer
	s.call.State = StateInviteReceived
	s.call.Participants = []Participant{{
		UserID:       env.Sender,
		DeviceID:     v.PartyID,
		VideoEnabled: kind == Video,
	}}
	if !m.reg.add(s) {
		log.Debugf("[%s] duplicate invite ignored", v.CallID)
		return
	}

	log.Infof("[%s] incoming %s call from %s in %s", v.CallID, kind, env.Sender, env.ConversationID)
	m.emitState(s, "", StateInviteReceived, "")
	m.bus.Emit(events.Event{
		Name:           events.CallIncoming,
		CallID:         v.CallID,
		ConversationID: env.ConversationID,
		Data:           events.Incoming{From: env.Sender, MediaKind: string(kind)},
	})

	if v.Lifetime > 0 {
		lifetime := time.Duration(v.Lifetime) * time.Millisecond
		t := time.AfterFunc(lifetime, func() {
			s.op.Lock()
			defer s.op.Unlock()
			if s.isClosed() || s.state() != StateInviteReceived {
				return
			}
			log.Infof("[%s] invite expired", s.id)
			m.cleanup(s, StateEnded, signal.ReasonInviteTimeout)
		})
		s.mu.Lock()
		s.inviteTimer = t
		s.mu.Unlock()
	}
}

// onCandidates applies remote candidates. Candidates for a call with no
// transport session yet are dropped, not queued.
func (m *Manager) onCandidates(v *signal.Candidates) {
	drop := func() {
		log.Warnf("[%s] no transport session, dropping %d candidates", v.CallID, len(v.Candidates))
		m.bus.Emit(events.Event{
			Name:   events.CallCandidatesDropped,
			CallID: v.CallID,
			Data:   events.CandidatesDropped{Count: len(v.Candidates)},
		})
	}

	s, ok := m.reg.get(v.CallID)
	if !ok {
		drop()
		return
	}
	s.op.Lock()
	defer s.op.Unlock()
	ts := s.transportSession()
	if s.isClosed() || ts == nil {
		drop()
		return
	}
	for _, c := range v.Candidates {
		if err := ts.AddICECandidate(c); err != nil {
			log.Warnf("[%s] add candidate: %v", v.CallID, err)
		}
	}
}

func (m *Manager) onAnswer(ctx context.Context, env *channel.Envelope, v *signal.Answer) {
	s, ok := m.reg.get(v.CallID)
	if !ok {
		log.Debugf("[%s] answer for unknown call", v.CallID)
		return
	}
	s.op.Lock()
	defer s.op.Unlock()
	if s.isClosed() || !s.snapshot().IsInitiator {
		return
	}
	if st := s.state(); st != StateInviteSent {
		log.Debugf("[%s] answer ignored in %s", v.CallID, st)
		return
	}
	ts := s.transportSession()
	if ts == nil {
		return
	}

	if err := ts.SetRemoteDescription(ctx, v.Answer); err != nil {
		log.Errorf("[%s] apply answer: %v", v.CallID, err)
		m.cleanup(s, StateFailed, "transport: "+err.Error())
		return
	}
	s.stopInviteTimer()

	s.mu.RLock()
	kind := s.call.MediaKind
	s.mu.RUnlock()
	s.upsertParticipant(Participant{
		UserID:       env.Sender,
		DeviceID:     v.PartyID,
		VideoEnabled: kind == Video,
	})
	m.emitParticipant(s, env.Sender, events.Joined)
	m.transition(s, StateConnected, "")

	sel := &signal.SelectAnswer{
		Header:          signal.Header{CallID: v.CallID},
		ConversationID:  env.ConversationID,
		SelectedPartyID: v.PartyID,
	}
	if err := m.out.Send(ctx, env.ConversationID, sel); err != nil {
		log.Warnf("[%s] select_answer not delivered: %v", v.CallID, err)
	}
}

func (m *Manager) onTerminate(callID, reason string) {
	s, ok := m.reg.get(callID)
	if !ok {
		return
	}
	s.op.Lock()
	defer s.op.Unlock()
	log.Infof("[%s] remote ended call (%s)", callID, reason)
	m.cleanup(s, StateEnded, reason)
}

// onSelectAnswer ends a callee's call when the caller picked another
// device's answer.
func (m *Manager) onSelectAnswer(v *signal.SelectAnswer) {
	s, ok := m.reg.get(v.CallID)
	if !ok {
		return
	}
	s.op.Lock()
	defer s.op.Unlock()
	if s.isClosed() || s.snapshot().IsInitiator {
		return
	}
	if v.SelectedPartyID == "" || v.SelectedPartyID == m.out.PartyID() {
		log.Debugf("[%s] answer selected", v.CallID)
		return
	}
	log.Infof("[%s] answered on another device (%s)", v.CallID, v.SelectedPartyID)
	m.cleanup(s, StateEnded, signal.ReasonAnsweredElsewhere)
}

func (m *Manager) onNegotiate(ctx context.Context, env *channel.Envelope, v *signal.Negotiate) {
	s, ok := m.reg.get(v.CallID)
	if !ok {
		return
	}
	s.op.Lock()
	defer s.op.Unlock()
	ts := s.transportSession()
	if s.isClosed() || ts == nil {
		return
	}

	if v.Description.Type == transport.TypeAnswer {
		if err := ts.SetRemoteDescription(ctx, v.Description); err != nil {
			log.Warnf("[%s] apply renegotiation answer: %v", v.CallID, err)
		}
		return
	}
	answer, err := transport.Answer(ctx, ts, v.Description)
	if err != nil {
		log.Warnf("[%s] renegotiation: %v", v.CallID, err)
		return
	}
	reply := &signal.Negotiate{Header: signal.Header{CallID: v.CallID}, Description: answer}
	if err := m.out.Send(ctx, env.ConversationID, reply); err != nil {
		log.Warnf("[%s] renegotiation answer not delivered: %v", v.CallID, err)
	}
}

// renegotiate re-offers after the local track set changed mid-call.
func (m *Manager) renegotiate(ctx context.Context, s *session) {
	ts := s.transportSession()
	if ts == nil {
		return
	}
	offer, err := transport.Offer(ctx, ts)
	if err != nil {
		log.Warnf("[%s] re-offer: %v", s.id, err)
		return
	}
	conv := s.snapshot().ConversationID
	msg := &signal.Negotiate{Header: signal.Header{CallID: s.id}, Description: offer}
	if err := m.out.Send(ctx, conv, msg); err != nil {
		log.Warnf("[%s] re-offer not delivered: %v", s.id, err)
	}
}

func (m *Manager) onLocalCandidate(callID string, c *transport.Candidate) {
	s, ok := m.reg.get(callID)
	if !ok {
		return
	}
	s.mu.RLock()
	b := s.batcher
	closed := s.closed
	s.mu.RUnlock()
	if b != nil && !closed {
		b.Add(c)
	}
}

func (m *Manager) onRemoteTrack(callID string, t media.Track) {
	s, ok := m.reg.get(callID)
	if !ok {
		t.Stop()
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Stop()
		return
	}
	if t.Kind() == media.KindAudio {
		if s.streams.RemoteAudio == nil {
			s.streams.RemoteAudio = media.NewStream(callID + "-remote-audio")
		}
		s.streams.RemoteAudio.AddTrack(t)
		if s.speakerOff {
			t.SetEnabled(false)
		}
	} else {
		if s.streams.RemoteVideo == nil {
			s.streams.RemoteVideo = media.NewStream(callID + "-remote-video")
		}
		s.streams.RemoteVideo.AddTrack(t)
	}
	s.mu.Unlock()
	log.Debugf("[%s] remote %s track %s", callID, t.Kind(), t.ID())
}

func (m *Manager) onConnectionState(callID string, st transport.ConnectionState) {
	s, ok := m.reg.get(callID)
	if !ok {
		return
	}
	s.op.Lock()
	defer s.op.Unlock()
	if s.isClosed() {
		return
	}
	log.Debugf("[%s] transport %s", callID, st)

	switch st {
	case transport.ConnectionConnected:
		if cur := s.state(); cur != StateConnected && cur != StateOnHold && cur != StateEnding {
			m.transition(s, StateConnected, "")
		}
	case transport.ConnectionDisconnected:
		m.cleanup(s, StateEnded, string(st))
	case transport.ConnectionFailed:
		m.cleanup(s, StateFailed, signal.ReasonICEFailed)
	}
}

func qualityFor(st transport.ICEState) (Quality, bool) {
	switch st {
	case transport.ICEConnected, transport.ICECompleted:
		return QualityExcellent, true
	case transport.ICEChecking:
		return QualityGood, true
	case transport.ICEDisconnected:
		return QualityPoor, true
	case transport.ICEFailed:
		return QualityVeryPoor, true
	}
	return "", false
}

func (m *Manager) onICEState(callID string, st transport.ICEState) {
	s, ok := m.reg.get(callID)
	if !ok {
		return
	}
	s.op.Lock()
	defer s.op.Unlock()
	if s.isClosed() {
		return
	}

	if remote := s.remoteUserID(); remote != "" {
		s.updateParticipant(remote, func(p *Participant) { p.ConnectionState = st })
	}

	if q, ok := qualityFor(st); ok {
		s.mu.Lock()
		changed := s.call.Quality != q
		s.call.Quality = q
		s.mu.Unlock()
		if changed {
			c := s.snapshot()
			m.bus.Emit(events.Event{
				Name:           events.CallQualityChanged,
				CallID:         c.ID,
				ConversationID: c.ConversationID,
				Data:           events.Quality{Quality: string(q)},
			})
		}
	}

	if st == transport.ICEFailed {
		m.cleanup(s, StateFailed, signal.ReasonICEFailed)
	}
}

func (m *Manager) emitParticipant(s *session, userID, action string) {
	c := s.snapshot()
	m.bus.Emit(events.Event{
		Name:           events.CallParticipantChanged,
		CallID:         c.ID,
		ConversationID: c.ConversationID,
		Data:           events.Participant{UserID: userID, Action: action},
	})
}
