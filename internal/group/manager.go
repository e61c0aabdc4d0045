// Package group runs multi-party calls as a mesh of peer links, one group
// call per conversation.
package group

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/roomcall/internal/call"
	"github.com/petervdpas/roomcall/internal/callerr"
	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/signal"
	"github.com/petervdpas/roomcall/internal/transport"
)

var log = logging.Logger("group")

const sendTimeout = 10 * time.Second

type Config struct {
	ICE            func() transport.Config
	CandidateBatch time.Duration
	DeviceID       string
}

// groupCall is the record of one conversation's group call. op serialises
// operations and may be held across I/O; mu guards the fields.
type groupCall struct {
	id   string
	conv string
	op   sync.Mutex

	mu           sync.RWMutex
	kind         call.MediaKind
	owner        string
	state        State
	participants map[string]*call.Participant
	order        []string
	links        map[string]*link // by user id
	confs        map[string]string // conf id announced by each peer
	local        media.Set
	recording    bool
	startTime    time.Time
	endTime      time.Time
	endReason    string
	closed       bool
}

// Manager owns the group calls of this device.
type Manager struct {
	out        *signal.Outbox
	transports transport.Factory
	device     media.Device
	bus        *events.Bus
	cfg        Config

	mu    sync.RWMutex
	calls map[string]*groupCall // by conversation id

	hookMu   sync.RWMutex
	cleanups []func(conversationID string)
}

func New(out *signal.Outbox, tf transport.Factory, dev media.Device, bus *events.Bus, cfg Config) *Manager {
	if cfg.ICE == nil {
		cfg.ICE = func() transport.Config { return transport.Config{} }
	}
	return &Manager{
		out:        out,
		transports: tf,
		device:     dev,
		bus:        bus,
		cfg:        cfg,
		calls:      make(map[string]*groupCall),
	}
}

// OnCleanup registers fn to run while a group call releases its resources.
func (m *Manager) OnCleanup(fn func(conversationID string)) {
	m.hookMu.Lock()
	m.cleanups = append(m.cleanups, fn)
	m.hookMu.Unlock()
}

// Create registers a group call for conversationID owned by owner. It does
// not look for an existing one: a previous group call in the same
// conversation is replaced and torn down locally.
func (m *Manager) Create(conversationID string, kind call.MediaKind, owner string) GroupCall {
	g := &groupCall{
		id:           uuid.NewString(),
		conv:         conversationID,
		kind:         kind,
		owner:        owner,
		participants: make(map[string]*call.Participant),
		links:        make(map[string]*link),
		confs:        make(map[string]string),
	}

	m.mu.Lock()
	prev := m.calls[conversationID]
	m.calls[conversationID] = g
	m.mu.Unlock()

	if prev != nil {
		log.Warnf("[%s] replacing group call %s with %s", conversationID, prev.id, g.id)
		prev.op.Lock()
		m.cleanup(prev, StateEnded, "replaced")
		prev.op.Unlock()
	}

	log.Infof("[%s] group call %s created (%s)", conversationID, g.id, kind)
	m.emitState(g, "", StateSetup, "")
	m.transition(g, StateReady, "")
	return g.snapshot(m.out.SelfID())
}

// Get returns a snapshot of the group call in conversationID.
func (m *Manager) Get(conversationID string) (GroupCall, bool) {
	g, ok := m.lookup(conversationID)
	if !ok {
		return GroupCall{}, false
	}
	return g.snapshot(m.out.SelfID()), true
}

func (m *Manager) List() []GroupCall {
	m.mu.RLock()
	gs := make([]*groupCall, 0, len(m.calls))
	for _, g := range m.calls {
		gs = append(gs, g)
	}
	m.mu.RUnlock()
	out := make([]GroupCall, 0, len(gs))
	for _, g := range gs {
		out = append(out, g.snapshot(m.out.SelfID()))
	}
	return out
}

// Len is the number of live group calls.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

func (m *Manager) lookup(conversationID string) (*groupCall, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.calls[conversationID]
	return g, ok
}

func noSuchGroup(op, conv string) error {
	return callerr.New(callerr.CodeNoSuchGroupCall, op, fmt.Errorf("conversation %s", conv))
}

func (m *Manager) withCall(op, conv string, fn func(*groupCall) error) error {
	g, ok := m.lookup(conv)
	if !ok {
		return noSuchGroup(op, conv)
	}
	g.op.Lock()
	defer g.op.Unlock()
	if g.isClosed() {
		return noSuchGroup(op, conv)
	}
	return fn(g)
}

// Enter publishes local media into the group call.
func (m *Manager) Enter(ctx context.Context, conv string, opts EnterOptions) (GroupCall, error) {
	err := m.withCall("enter", conv, func(g *groupCall) error {
		st := g.getState()
		if st == StateConnected || st == StateOnHold {
			log.Debugf("[%s] already entered", conv)
			return nil
		}
		if st != StateReady {
			return callerr.Wrap(callerr.CodeInvalidState, "enter", "group call in %s is %s", conv, st)
		}

		g.mu.RLock()
		kind := g.kind
		g.mu.RUnlock()
		stream, err := m.device.Acquire(ctx, media.Constraints{Audio: true, Video: kind == call.Video})
		if err != nil {
			err = callerr.New(callerr.CodeMediaAcquisition, "enter", err)
			m.cleanup(g, StateFailed, err.Error())
			return err
		}

		audio, video := stream.AudioTracks(), stream.VideoTracks()
		mic, cam := on(opts.Microphone), on(opts.Camera)
		for _, t := range audio {
			t.SetEnabled(mic)
		}
		for _, t := range video {
			t.SetEnabled(cam)
		}

		g.mu.Lock()
		if len(audio) > 0 {
			g.local.LocalAudio = media.NewStream(stream.ID+"-audio", audio...)
		}
		if len(video) > 0 {
			g.local.LocalVideo = media.NewStream(stream.ID+"-video", video...)
		}
		g.upsertLocked(call.Participant{
			UserID:       call.LocalUserID,
			DeviceID:     m.cfg.DeviceID,
			Muted:        !mic,
			VideoEnabled: len(video) > 0 && cam,
		})
		g.mu.Unlock()

		m.emitParticipant(g, call.LocalUserID, events.Joined)
		m.transition(g, StateConnected, "")
		return nil
	})
	if err != nil {
		return GroupCall{}, err
	}
	snap, _ := m.Get(conv)
	return snap, nil
}

// Hold pauses local media in a connected group call.
func (m *Manager) Hold(_ context.Context, conv string) error {
	return m.withCall("hold", conv, func(g *groupCall) error {
		if st := g.getState(); st != StateConnected {
			return callerr.Wrap(callerr.CodeInvalidState, "hold", "group call in %s is %s", conv, st)
		}
		for _, t := range g.localTracks() {
			t.SetEnabled(false)
		}
		m.transition(g, StateOnHold, "")
		return nil
	})
}

// Resume restores local media to the participant's mute and camera state.
func (m *Manager) Resume(_ context.Context, conv string) error {
	return m.withCall("resume", conv, func(g *groupCall) error {
		if st := g.getState(); st != StateOnHold {
			return callerr.Wrap(callerr.CodeInvalidState, "resume", "group call in %s is %s", conv, st)
		}
		g.mu.RLock()
		p := g.participants[call.LocalUserID]
		muted, videoOn := p != nil && p.Muted, p != nil && p.VideoEnabled
		g.mu.RUnlock()
		for _, t := range g.localTracks() {
			if t.Kind() == media.KindAudio {
				t.SetEnabled(!muted)
			} else {
				t.SetEnabled(videoOn)
			}
		}
		m.transition(g, StateConnected, "")
		return nil
	})
}

// Leave tears the group call down locally without signaling anyone.
func (m *Manager) Leave(_ context.Context, conv string) error {
	g, ok := m.lookup(conv)
	if !ok {
		return nil
	}
	g.op.Lock()
	defer g.op.Unlock()
	log.Infof("[%s] leaving group call %s", conv, g.id)
	m.cleanup(g, StateEnded, "left")
	return nil
}

// Terminate ends the group call for everyone. Only the owner may do this.
func (m *Manager) Terminate(ctx context.Context, conv string) error {
	return m.withCall("terminate", conv, func(g *groupCall) error {
		self := m.out.SelfID()
		g.mu.RLock()
		owner := g.owner
		g.mu.RUnlock()
		if owner != self {
			return callerr.Wrap(callerr.CodeNotOwner, "terminate", "group call in %s is owned by %q", conv, owner)
		}

		m.transition(g, StateEnding, "")
		hangup := &signal.Hangup{
			Header: signal.Header{CallID: g.id, ConfID: g.id},
			Reason: signal.ReasonCallEnded,
		}
		if err := m.out.Send(ctx, conv, hangup); err != nil {
			log.Warnf("[%s] terminate hangup not delivered: %v", conv, err)
		}
		m.cleanup(g, StateEnded, signal.ReasonCallEnded)
		return nil
	})
}

// RemoveParticipant drops userID's link and participant entry.
func (m *Manager) RemoveParticipant(_ context.Context, conv, userID string) error {
	return m.withCall("remove participant", conv, func(g *groupCall) error {
		if !m.dropParticipant(g, userID) {
			log.Warnf("[%s] remove: %s is not a participant", conv, userID)
		}
		return nil
	})
}

// dropParticipant closes userID's link and removes the entry. The caller
// holds g.op.
func (m *Manager) dropParticipant(g *groupCall, userID string) bool {
	g.mu.Lock()
	l := g.links[userID]
	delete(g.links, userID)
	_, present := g.participants[userID]
	delete(g.participants, userID)
	for i, id := range g.order {
		if id == userID {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	g.mu.Unlock()

	if l != nil {
		l.close()
	}
	if present {
		m.emitParticipant(g, userID, events.Removed)
	}
	return present || l != nil
}

// Close leaves every group call.
func (m *Manager) Close() {
	m.mu.RLock()
	convs := make([]string, 0, len(m.calls))
	for c := range m.calls {
		convs = append(convs, c)
	}
	m.mu.RUnlock()
	for _, c := range convs {
		_ = m.Leave(context.Background(), c)
	}
}

func (m *Manager) transition(g *groupCall, to State, reason string) {
	g.mu.Lock()
	from := g.state
	if from == to {
		g.mu.Unlock()
		return
	}
	g.state = to
	now := time.Now()
	if to == StateConnected && g.startTime.IsZero() {
		g.startTime = now
	}
	if to.IsTerminal() {
		g.endTime = now
		g.endReason = reason
	}
	g.mu.Unlock()
	m.emitState(g, from.String(), to, reason)
}

func (m *Manager) emitState(g *groupCall, from string, to State, reason string) {
	log.Infof("[%s] group %s -> %s", g.conv, from, to)
	m.bus.Emit(events.Event{
		Name:           events.GroupStateChanged,
		CallID:         g.id,
		ConversationID: g.conv,
		Data:           events.StateChange{From: from, To: to.String(), Reason: reason, MediaKind: string(g.kind)},
	})
}

func (m *Manager) emitParticipant(g *groupCall, userID, action string) {
	m.bus.Emit(events.Event{
		Name:           events.GroupParticipant,
		CallID:         g.id,
		ConversationID: g.conv,
		Data:           events.Participant{UserID: userID, Action: action},
	})
}

// cleanup releases every resource of g and moves it to final. The caller
// holds g.op. Safe to call more than once.
func (m *Manager) cleanup(g *groupCall, final State, reason string) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	prev := g.state
	links := g.links
	g.links = make(map[string]*link)
	local := g.local
	g.local = media.Set{}
	g.mu.Unlock()

	if final == StateEnded && prev != StateEnding && !prev.IsTerminal() {
		m.transition(g, StateEnding, "")
	}

	m.hookMu.RLock()
	hooks := append([]func(string){}, m.cleanups...)
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(g.conv)
	}

	for _, l := range links {
		l.close()
	}
	local.StopAll()

	m.mu.Lock()
	if cur, ok := m.calls[g.conv]; ok && cur == g {
		delete(m.calls, g.conv)
	}
	m.mu.Unlock()

	m.transition(g, final, reason)
	m.bus.DropScope(g.id)
}

func (g *groupCall) isClosed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closed
}

func (g *groupCall) getState() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

func (g *groupCall) localTracks() []media.Track {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []media.Track
	for _, st := range []*media.Stream{g.local.LocalAudio, g.local.LocalVideo} {
		if st != nil {
			out = append(out, st.Tracks()...)
		}
	}
	return out
}

// upsertLocked requires g.mu.
func (g *groupCall) upsertLocked(p call.Participant) {
	if _, ok := g.participants[p.UserID]; !ok {
		if p.UserID == call.LocalUserID {
			g.order = append([]string{p.UserID}, g.order...)
		} else {
			g.order = append(g.order, p.UserID)
		}
	}
	cp := p
	g.participants[p.UserID] = &cp
}

func (g *groupCall) snapshot(self string) GroupCall {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := GroupCall{
		ID:              g.id,
		ConversationID:  g.conv,
		MediaKind:       g.kind,
		Owner:           g.owner,
		IsOwner:         g.owner != "" && g.owner == self,
		State:           g.state,
		StartTime:       g.startTime,
		EndTime:         g.endTime,
		IsRecording:     g.recording,
		IsScreenSharing: g.local.ScreenShare != nil,
		EndReason:       g.endReason,
	}
	for _, id := range g.order {
		if p, ok := g.participants[id]; ok {
			out.Participants = append(out.Participants, *p)
		}
	}
	return out
}
