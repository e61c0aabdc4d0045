package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/roomcall/internal/channel/memory"
	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/media/mediatest"
	"github.com/petervdpas/roomcall/internal/signal"
	"github.com/petervdpas/roomcall/internal/transport/transporttest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// peer is one user in a test: its hub endpoint, call manager and fakes.
type peer struct {
	user string
	ep   *memory.Endpoint
	m    *Manager
	tf   *transporttest.Factory
	dev  *mediatest.Device
	bus  *events.Bus
	log  *eventLog
}

func newPeer(t *testing.T, hub *memory.Hub, user string, cfg Config) *peer {
	t.Helper()
	ep := hub.Join(user)
	bus := events.NewBus()
	tf := &transporttest.Factory{}
	dev := &mediatest.Device{}
	cfg.DeviceID = user + "-device"
	m := New(signal.NewOutbox(ep, cfg.DeviceID), tf, dev, bus, cfg)

	p := &peer{user: user, ep: ep, m: m, tf: tf, dev: dev, bus: bus, log: watch(bus)}

	envs, cancel := ep.Subscribe()
	ctx, stop := context.WithCancel(context.Background())
	go func() {
		for env := range envs {
			m.Handle(ctx, env, signal.Decode(env.Kind, env.Payload))
		}
	}()
	t.Cleanup(func() {
		m.Close()
		stop()
		cancel()
	})
	return p
}

// only returns the single live call of p.
func (p *peer) only(t *testing.T) Call {
	t.Helper()
	var c Call
	require.Eventually(t, func() bool {
		calls := p.m.List()
		if len(calls) != 1 {
			return false
		}
		c = calls[0]
		return true
	}, waitFor, tick)
	return c
}

func (p *peer) waitState(t *testing.T, callID string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, ok := p.m.Get(callID)
		return ok && c.State == want
	}, waitFor, tick, "call %s never reached %s", callID, want)
}

// connect places a voice or video call from a to b and waits for both
// sides to be connected.
func connect(t *testing.T, a, b *peer, kind MediaKind) (Call, Call) {
	t.Helper()
	ctx := context.Background()
	out, err := a.m.Start(ctx, "room", kind)
	require.NoError(t, err)

	in := b.only(t)
	_, err = b.m.Accept(ctx, in.ID)
	require.NoError(t, err)

	a.waitState(t, out.ID, StateConnected)
	b.waitState(t, in.ID, StateConnected)
	out, _ = a.m.Get(out.ID)
	in, _ = b.m.Get(in.ID)
	return out, in
}

// eventLog records every event emitted on a bus.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

var allEvents = []events.Name{
	events.CallIncoming, events.CallStateChanged, events.CallQualityChanged, events.CallDurationChanged,
	events.CallParticipantChanged, events.CallScreenShareChanged, events.CallDTMF,
	events.CallDTMFReceived, events.CallCandidatesDropped,
}

func watch(bus *events.Bus) *eventLog {
	l := &eventLog{}
	for _, name := range allEvents {
		bus.On(name, func(e events.Event) {
			l.mu.Lock()
			l.events = append(l.events, e)
			l.mu.Unlock()
		})
	}
	return l
}

func (l *eventLog) named(name events.Name) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// states returns the state path of callID.
func (l *eventLog) states(callID string) []string {
	var out []string
	for _, e := range l.named(events.CallStateChanged) {
		if e.CallID == callID {
			out = append(out, e.Data.(events.StateChange).To)
		}
	}
	return out
}
