package group

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/roomcall/internal/call"
	"github.com/petervdpas/roomcall/internal/callerr"
	"github.com/petervdpas/roomcall/internal/channel"
	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/signal"
	"github.com/petervdpas/roomcall/internal/transport"
)

// link is the peer session between this device and one participant.
type link struct {
	callID    string
	userID    string
	deviceID  string
	initiator bool

	mu      sync.Mutex
	ts      transport.Session
	batcher *transport.Batcher
	senders map[string]transport.Sender
	remote  *media.Stream
	closed  bool
}

func (l *link) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	ts, b, remote := l.ts, l.batcher, l.remote
	l.mu.Unlock()

	if b != nil {
		b.Stop()
	}
	if ts != nil {
		if err := ts.Close(); err != nil {
			log.Warnf("[%s] close link: %v", l.callID, err)
		}
	}
	if remote != nil {
		remote.Stop()
	}
}

func (l *link) remoteTracks() []media.Track {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remote == nil {
		return nil
	}
	return l.remote.Tracks()
}

// ConnectParticipant opens a mesh link to userID and sends it an invite
// carrying the group's conference id.
func (m *Manager) ConnectParticipant(ctx context.Context, conv, userID, deviceID string) error {
	return m.withCall("connect participant", conv, func(g *groupCall) error {
		if st := g.getState(); st != StateConnected && st != StateOnHold {
			return callerr.Wrap(callerr.CodeInvalidState, "connect participant", "group call in %s is %s", conv, st)
		}
		g.mu.RLock()
		_, exists := g.links[userID]
		g.mu.RUnlock()
		if exists {
			log.Debugf("[%s] already linked to %s", conv, userID)
			return nil
		}

		l, err := m.openLink(ctx, g, uuid.NewString(), userID, deviceID, true)
		if err != nil {
			return err
		}
		offer, err := transport.Offer(ctx, l.ts)
		if err != nil {
			m.dropParticipant(g, userID)
			return callerr.New(callerr.CodeTransport, "connect participant", err)
		}
		invite := &signal.Invite{
			Header:    signal.Header{CallID: l.callID, ConfID: g.id, Invitee: userID},
			MediaKind: string(g.kind),
			Offer:     offer,
		}
		if err := m.out.Send(ctx, conv, invite); err != nil {
			m.dropParticipant(g, userID)
			return err
		}
		l.batcher.Release()
		log.Infof("[%s] invited %s to group call %s", conv, userID, g.id)
		return nil
	})
}

// openLink creates the session for userID, attaches local and screen
// tracks and registers the participant. The caller holds g.op.
func (m *Manager) openLink(ctx context.Context, g *groupCall, callID, userID, deviceID string, initiator bool) (*link, error) {
	ts, err := m.transports.NewSession(ctx, m.cfg.ICE())
	if err != nil {
		return nil, callerr.New(callerr.CodeTransport, "open link", err)
	}
	l := &link{
		callID:    callID,
		userID:    userID,
		deviceID:  deviceID,
		initiator: initiator,
		ts:        ts,
		senders:   make(map[string]transport.Sender),
	}
	conv, confID := g.conv, g.id
	l.batcher = transport.NewBatcher(m.cfg.CandidateBatch, func(batch []transport.Candidate) {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		msg := &signal.Candidates{
			Header:     signal.Header{CallID: callID, ConfID: confID, Invitee: userID},
			Candidates: batch,
		}
		if err := m.out.Send(ctx, conv, msg); err != nil {
			log.Warnf("[%s] %d link candidates not delivered: %v", callID, len(batch), err)
		}
	})

	ts.OnICECandidate(func(c *transport.Candidate) { l.batcher.Add(c) })
	ts.OnTrack(func(t media.Track) { go m.onLinkTrack(conv, l, t) })
	ts.OnConnectionStateChange(func(st transport.ConnectionState) { go m.onLinkState(conv, l, st) })
	ts.OnICEConnectionStateChange(func(st transport.ICEState) { go m.onLinkICE(conv, l, st) })

	g.mu.RLock()
	tracks := append([]media.Track(nil), g.localTracksLocked()...)
	if g.local.ScreenShare != nil {
		tracks = append(tracks, g.local.ScreenShare.Tracks()...)
	}
	g.mu.RUnlock()
	for _, t := range tracks {
		snd, err := ts.AddTrack(t)
		if err != nil {
			l.close()
			return nil, callerr.New(callerr.CodeTransport, "open link", err)
		}
		l.senders[t.ID()] = snd
	}

	g.mu.Lock()
	g.links[userID] = l
	g.upsertLocked(call.Participant{UserID: userID, DeviceID: deviceID, VideoEnabled: g.kind == call.Video})
	g.mu.Unlock()
	return l, nil
}

func (g *groupCall) localTracksLocked() []media.Track {
	var out []media.Track
	for _, st := range []*media.Stream{g.local.LocalAudio, g.local.LocalVideo} {
		if st != nil {
			out = append(out, st.Tracks()...)
		}
	}
	return out
}

// linkByCall finds the link with callID.
func (g *groupCall) noteConf(userID, confID string) {
	if confID == "" {
		return
	}
	g.mu.Lock()
	g.confs[userID] = confID
	g.mu.Unlock()
}

// terminatedBy reports whether a conference hangup from sender belongs to
// this group call. It must carry the conf id sender announced on its link
// invite. The owner is trusted before any invite from it was seen.
func (g *groupCall) terminatedBy(sender, confID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if known, ok := g.confs[sender]; ok {
		return known == confID
	}
	return sender == g.owner
}

func (g *groupCall) linkByCall(callID string) *link {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, l := range g.links {
		if l.callID == callID {
			return l
		}
	}
	return nil
}

// Handle applies one inbound mesh message. Only messages with a conf_id
// reach here.
func (m *Manager) Handle(ctx context.Context, env *channel.Envelope, msg signal.Message) {
	g, ok := m.lookup(env.ConversationID)
	if !ok {
		log.Debugf("[%s] %s for unknown group call", env.ConversationID, msg.Kind())
		return
	}
	g.op.Lock()
	defer g.op.Unlock()
	if g.isClosed() {
		return
	}

	switch v := msg.(type) {
	case *signal.Invite:
		m.onLinkInvite(ctx, g, env, v)
	case *signal.Answer:
		m.onLinkAnswer(ctx, g, env, v)
	case *signal.Candidates:
		l := g.linkByCall(v.CallID)
		if l == nil {
			log.Warnf("[%s] no link %s, dropping %d candidates", env.ConversationID, v.CallID, len(v.Candidates))
			return
		}
		for _, c := range v.Candidates {
			if err := l.ts.AddICECandidate(c); err != nil {
				log.Warnf("[%s] add link candidate: %v", v.CallID, err)
			}
		}
	case *signal.Hangup:
		if v.CallID == v.ConfID {
			if !g.terminatedBy(env.Sender, v.ConfID) {
				log.Infof("[%s] stale terminate %s from %s, ignored", env.ConversationID, v.ConfID, env.Sender)
				return
			}
			log.Infof("[%s] group call terminated by %s", env.ConversationID, env.Sender)
			m.cleanup(g, StateEnded, v.Reason)
			return
		}
		if l := g.linkByCall(v.CallID); l != nil {
			m.dropParticipant(g, l.userID)
		}
	case *signal.Reject:
		if l := g.linkByCall(v.CallID); l != nil {
			m.dropParticipant(g, l.userID)
		}
	case *signal.Negotiate:
		m.onLinkNegotiate(ctx, g, env, v)
	default:
		log.Debugf("[%s] ignoring %s in group call", env.ConversationID, msg.Kind())
	}
}

func (m *Manager) onLinkInvite(ctx context.Context, g *groupCall, env *channel.Envelope, v *signal.Invite) {
	if v.Invitee != m.out.SelfID() {
		return
	}
	if st := g.getState(); st != StateConnected && st != StateOnHold {
		log.Infof("[%s] link invite from %s before entering, ignored", env.ConversationID, env.Sender)
		return
	}
	g.noteConf(env.Sender, v.ConfID)
	if old := g.linkByCall(v.CallID); old != nil {
		return
	}
	g.mu.RLock()
	_, linked := g.links[env.Sender]
	g.mu.RUnlock()
	if linked {
		// Both sides connected at once: the side with the lower id keeps
		// its own offer.
		if m.out.SelfID() < env.Sender {
			log.Debugf("[%s] glare with %s, keeping own offer", env.ConversationID, env.Sender)
			return
		}
		m.dropParticipant(g, env.Sender)
	}

	l, err := m.openLink(ctx, g, v.CallID, env.Sender, v.PartyID, false)
	if err != nil {
		log.Errorf("[%s] open link for %s: %v", env.ConversationID, env.Sender, err)
		return
	}
	answer, err := transport.Answer(ctx, l.ts, v.Offer)
	if err != nil {
		log.Errorf("[%s] answer link %s: %v", env.ConversationID, v.CallID, err)
		m.dropParticipant(g, env.Sender)
		return
	}
	reply := &signal.Answer{
		Header:    signal.Header{CallID: v.CallID, ConfID: v.ConfID, Invitee: env.Sender},
		MediaKind: string(g.kind),
		Answer:    answer,
	}
	if err := m.out.Send(ctx, env.ConversationID, reply); err != nil {
		log.Warnf("[%s] link answer not delivered: %v", v.CallID, err)
		m.dropParticipant(g, env.Sender)
		return
	}
	l.batcher.Release()
	m.emitParticipant(g, env.Sender, events.Joined)
}

func (m *Manager) onLinkAnswer(ctx context.Context, g *groupCall, env *channel.Envelope, v *signal.Answer) {
	l := g.linkByCall(v.CallID)
	if l == nil || !l.initiator {
		return
	}
	if err := l.ts.SetRemoteDescription(ctx, v.Answer); err != nil {
		log.Errorf("[%s] apply link answer: %v", v.CallID, err)
		m.dropParticipant(g, l.userID)
		return
	}
	if v.PartyID != "" {
		g.mu.Lock()
		if p, ok := g.participants[l.userID]; ok {
			p.DeviceID = v.PartyID
		}
		g.mu.Unlock()
	}
	m.emitParticipant(g, l.userID, events.Joined)
}

func (m *Manager) onLinkNegotiate(ctx context.Context, g *groupCall, env *channel.Envelope, v *signal.Negotiate) {
	l := g.linkByCall(v.CallID)
	if l == nil {
		return
	}
	g.noteConf(env.Sender, v.ConfID)
	if v.Description.Type == transport.TypeAnswer {
		if err := l.ts.SetRemoteDescription(ctx, v.Description); err != nil {
			log.Warnf("[%s] apply link renegotiation answer: %v", v.CallID, err)
		}
		return
	}
	answer, err := transport.Answer(ctx, l.ts, v.Description)
	if err != nil {
		log.Warnf("[%s] link renegotiation: %v", v.CallID, err)
		return
	}
	reply := &signal.Negotiate{Header: signal.Header{CallID: v.CallID, ConfID: g.id, Invitee: env.Sender}, Description: answer}
	if err := m.out.Send(ctx, env.ConversationID, reply); err != nil {
		log.Warnf("[%s] link renegotiation answer not delivered: %v", v.CallID, err)
	}
}

// renegotiate re-offers every link after the local track set changed.
// The caller holds g.op.
func (m *Manager) renegotiate(ctx context.Context, g *groupCall) {
	g.mu.RLock()
	links := make([]*link, 0, len(g.links))
	for _, l := range g.links {
		links = append(links, l)
	}
	g.mu.RUnlock()
	for _, l := range links {
		offer, err := transport.Offer(ctx, l.ts)
		if err != nil {
			log.Warnf("[%s] re-offer: %v", l.callID, err)
			continue
		}
		msg := &signal.Negotiate{Header: signal.Header{CallID: l.callID, ConfID: g.id, Invitee: l.userID}, Description: offer}
		if err := m.out.Send(ctx, g.conv, msg); err != nil {
			log.Warnf("[%s] re-offer not delivered: %v", l.callID, err)
		}
	}
}

func (m *Manager) onLinkTrack(conv string, l *link, t media.Track) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		t.Stop()
		return
	}
	if l.remote == nil {
		l.remote = media.NewStream(l.callID + "-remote")
	}
	l.remote.AddTrack(t)
	l.mu.Unlock()
	log.Debugf("[%s] remote %s track from %s", conv, t.Kind(), l.userID)
}

// onLinkState drops a participant whose link failed or closed.
func (m *Manager) onLinkState(conv string, l *link, st transport.ConnectionState) {
	if st != transport.ConnectionFailed && st != transport.ConnectionClosed {
		return
	}
	g, ok := m.lookup(conv)
	if !ok {
		return
	}
	g.op.Lock()
	defer g.op.Unlock()
	if g.isClosed() || g.linkByCall(l.callID) != l {
		return
	}
	log.Infof("[%s] link to %s %s", conv, l.userID, st)
	m.dropParticipant(g, l.userID)
}

func (m *Manager) onLinkICE(conv string, l *link, st transport.ICEState) {
	g, ok := m.lookup(conv)
	if !ok {
		return
	}
	g.mu.Lock()
	p, ok := g.participants[l.userID]
	if ok {
		p.ConnectionState = st
	}
	g.mu.Unlock()
	if ok {
		m.emitParticipant(g, l.userID, events.Updated)
	}
}
