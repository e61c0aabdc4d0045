package group

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/roomcall/internal/call"
	"github.com/petervdpas/roomcall/internal/callerr"
	"github.com/petervdpas/roomcall/internal/channel/memory"
	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/media/mediatest"
	"github.com/petervdpas/roomcall/internal/signal"
	"github.com/petervdpas/roomcall/internal/transport/transporttest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type member struct {
	m   *Manager
	tf  *transporttest.Factory
	dev *mediatest.Device
	bus *events.Bus

	mu     sync.Mutex
	events []events.Event
}

func newMember(t *testing.T, hub *memory.Hub, user string) *member {
	t.Helper()
	ep := hub.Join(user)
	bus := events.NewBus()
	mb := &member{
		tf:  &transporttest.Factory{},
		dev: &mediatest.Device{},
		bus: bus,
	}
	mb.m = New(signal.NewOutbox(ep, user+"-device"), mb.tf, mb.dev, bus, Config{DeviceID: user + "-device"})
	for _, name := range []events.Name{events.GroupStateChanged, events.GroupParticipant, events.CallScreenShareChanged} {
		bus.On(name, func(e events.Event) {
			mb.mu.Lock()
			mb.events = append(mb.events, e)
			mb.mu.Unlock()
		})
	}

	envs, cancel := ep.Subscribe()
	ctx, stop := context.WithCancel(context.Background())
	go func() {
		for env := range envs {
			mb.m.Handle(ctx, env, signal.Decode(env.Kind, env.Payload))
		}
	}()
	t.Cleanup(func() {
		mb.m.Close()
		stop()
		cancel()
	})
	return mb
}

func (mb *member) named(name events.Name) []events.Event {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	var out []events.Event
	for _, e := range mb.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (mb *member) states() []string {
	var out []string
	for _, e := range mb.named(events.GroupStateChanged) {
		out = append(out, e.Data.(events.StateChange).To)
	}
	return out
}

// joined creates and enters the group call in "room" on every member.
func joined(t *testing.T, owner string, kind call.MediaKind, ms ...*member) {
	t.Helper()
	for _, mb := range ms {
		mb.m.Create("room", kind, owner)
		_, err := mb.m.Enter(context.Background(), "room", EnterOptions{})
		require.NoError(t, err)
	}
}

func TestCreateAndEnter(t *testing.T) {
	hub := memory.NewHub()
	alice := newMember(t, hub, "alice")

	g := alice.m.Create("room", call.Video, "alice")
	assert.Equal(t, StateReady, g.State)
	assert.True(t, g.IsOwner)
	assert.Empty(t, g.Participants)

	off := false
	g, err := alice.m.Enter(context.Background(), "room", EnterOptions{Microphone: &off})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, g.State)
	require.Len(t, g.Participants, 1)
	assert.Equal(t, call.LocalUserID, g.Participants[0].UserID)
	assert.True(t, g.Participants[0].Muted)
	assert.True(t, g.Participants[0].VideoEnabled)
	assert.False(t, alice.dev.Streams()[0].AudioTracks()[0].Enabled())

	// Entering twice is a no-op.
	_, err = alice.m.Enter(context.Background(), "room", EnterOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"SETUP", "READY", "CONNECTED"}, alice.states())
	assert.Len(t, alice.dev.Streams(), 1)
}

func TestEnterMediaFailure(t *testing.T) {
	hub := memory.NewHub()
	alice := newMember(t, hub, "alice")
	alice.dev.Err = errors.New("no devices")

	alice.m.Create("room", call.Voice, "alice")
	_, err := alice.m.Enter(context.Background(), "room", EnterOptions{})
	assert.ErrorIs(t, err, callerr.ErrMediaAcquisition)
	assert.Zero(t, alice.m.Len())
	assert.Equal(t, []string{"SETUP", "READY", "FAILED"}, alice.states())
}

func TestCreateReplacesExisting(t *testing.T) {
	hub := memory.NewHub()
	alice := newMember(t, hub, "alice")

	first := alice.m.Create("room", call.Voice, "alice")
	second := alice.m.Create("room", call.Voice, "alice")
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, alice.m.Len())

	got, ok := alice.m.Get("room")
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
}

func TestMeshLink(t *testing.T) {
	hub := memory.NewHub()
	alice := newMember(t, hub, "alice")
	bob := newMember(t, hub, "bob")
	joined(t, "alice", call.Video, alice, bob)
	ctx := context.Background()

	require.NoError(t, alice.m.ConnectParticipant(ctx, "room", "bob", "bob-device"))
	require.NoError(t, alice.m.ConnectParticipant(ctx, "room", "bob", "bob-device"))

	require.Eventually(t, func() bool { return bob.m.ParticipantCount("room") == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return len(alice.named(events.GroupParticipant)) >= 2
	}, waitFor, tick)

	assert.Equal(t, 2, alice.m.ParticipantCount("room"))
	assert.Equal(t, 1, alice.m.Links())
	assert.Equal(t, 1, bob.m.Links())
	assert.Len(t, alice.tf.Sessions(), 1)

	g, _ := bob.m.Get("room")
	require.Len(t, g.Participants, 2)
	assert.Equal(t, call.LocalUserID, g.Participants[0].UserID)
	assert.Equal(t, "alice", g.Participants[1].UserID)
	assert.Equal(t, "alice-device", g.Participants[1].DeviceID)

	require.NotNil(t, alice.tf.Last().Remote())
	assert.Equal(t, "answer", alice.tf.Last().Remote().Type)
}

func TestInviteBeforeEnterIsIgnored(t *testing.T) {
	hub := memory.NewHub()
	alice := newMember(t, hub, "alice")
	bob := newMember(t, hub, "bob")
	joined(t, "alice", call.Voice, alice)
	bob.m.Create("room", call.Voice, "alice")

	require.NoError(t, alice.m.ConnectParticipant(context.Background(), "room", "bob", ""))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, bob.m.Links())
	assert.Empty(t, bob.tf.Sessions())
}

func TestConnectBeforeEnter(t *testing.T) {
	hub := memory.NewHub()
	alice := newMember(t, hub, "alice")
	alice.m.Create("room", call.Voice, "alice")

	err := alice.m.ConnectParticipant(context.Background(), "room", "bob", "")
	assert.ErrorIs(t, err, callerr.ErrInvalidState)
	err = alice.m.ConnectParticipant(context.Background(), "nowhere", "bob", "")
	assert.ErrorIs(t, err, callerr.ErrNoSuchGroupCall)
}

func TestTerminateByOwner(t *testing.T) {
	hub := memory.NewHub()
	alice := newMember(t, hub, "alice")
	bob := newMember(t, hub, "bob")
	joined(t, "alice", call.Voice, alice, bob)
	ctx := context.Background()

	assert.ErrorIs(t, bob.m.Terminate(ctx, "room"), callerr.ErrNotOwner)

	require.NoError(t, alice.m.Terminate(ctx, "room"))
	assert.Zero(t, alice.m.Len())
	assert.Equal(t, []string{"SETUP", "READY", "CONNECTED", "ENDING", "ENDED"}, alice.states())

	require.Eventually(t, func() bool { return bob.m.Len() == 0 }, waitFor, tick)
	last := bob.named(events.GroupStateChanged)
	assert.Equal(t, signal.ReasonCallEnded, last[len(last)-1].Data.(events.StateChange).Reason)
}

func TestStaleTerminateIsIgnored(t *testing.T) {
	hub := memory.NewHub()
	alice := newMember(t, hub, "alice")
	bob := newMember(t, hub, "bob")
	carol := newMember(t, hub, "carol")
	joined(t, "alice", call.Voice, alice, bob, carol)
	ctx := context.Background()

	require.NoError(t, alice.m.ConnectParticipant(ctx, "room", "bob", "bob-device"))
	require.NoError(t, alice.m.ConnectParticipant(ctx, "room", "carol", "carol-device"))
	require.Eventually(t, func() bool { return bob.m.Links() == 1 && carol.m.Links() == 1 }, waitFor, tick)

	// A terminate left over from an earlier group call in the same room.
	stale := &signal.Hangup{Header: signal.Header{CallID: "old-conf", ConfID: "old-conf"}, Reason: signal.ReasonCallEnded}
	require.NoError(t, alice.m.out.Send(ctx, "room", stale))
	// Only the owner may end the call before announcing a conf id.
	forged := &signal.Hangup{Header: signal.Header{CallID: "carol-conf", ConfID: "carol-conf"}, Reason: signal.ReasonCallEnded}
	require.NoError(t, carol.m.out.Send(ctx, "room", forged))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, bob.m.Len())
	assert.Equal(t, 1, carol.m.Len())
	assert.Equal(t, 1, alice.m.Len())

	require.NoError(t, alice.m.Terminate(ctx, "room"))
	require.Eventually(t, func() bool { return bob.m.Len() == 0 && carol.m.Len() == 0 }, waitFor, tick)
}

func TestLeaveIsLocal(t *testing.T) {
	hub := memory.NewHub()
	alice := newMember(t, hub, "alice")
	bob := newMember(t, hub, "bob")
	joined(t, "alice", call.Voice, alice, bob)
	require.NoError(t, alice.m.ConnectParticipant(context.Background(), "room", "bob", ""))
	require.Eventually(t, func() bool { return bob.m.Links() == 1 }, waitFor, tick)

	require.NoError(t, bob.m.Leave(context.Background(), "room"))
	require.NoError(t, bob.m.Leave(context.Background(), "room"))
	assert.Zero(t, bob.m.Len())
	assert.True(t, bob.tf.Last().Closed())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, alice.m.Len())
}

func TestRemoveParticipantAndLinkFailure(t *testing.T) {
	hub := memory.NewHub()
	alice := newMember(t, hub, "alice")
	bob := newMember(t, hub, "bob")
	carol := newMember(t, hub, "carol")
	joined(t, "alice", call.Voice, alice, bob, carol)
	ctx := context.Background()

	require.NoError(t, alice.m.ConnectParticipant(ctx, "room", "bob", ""))
	require.NoError(t, alice.m.ConnectParticipant(ctx, "room", "carol", ""))
	assert.Equal(t, 3, alice.m.ParticipantCount("room"))

	require.NoError(t, alice.m.RemoveParticipant(ctx, "room", "bob"))
	require.NoError(t, alice.m.RemoveParticipant(ctx, "room", "bob"))
	assert.Equal(t, 2, alice.m.ParticipantCount("room"))

	var carolLink *transporttest.Session
	for _, s := range alice.tf.Sessions() {
		if !s.Closed() {
			carolLink = s
		}
	}
	require.NotNil(t, carolLink)
	carolLink.FireConnectionState("failed")
	require.Eventually(t, func() bool { return alice.m.ParticipantCount("room") == 1 }, waitFor, tick)
	assert.Zero(t, alice.m.Links())
}

func TestGlareLowerIDKeepsOffer(t *testing.T) {
	hub := memory.NewHub()
	hub.Hold = true
	alice := newMember(t, hub, "alice")
	bob := newMember(t, hub, "bob")
	joined(t, "alice", call.Voice, alice, bob)
	ctx := context.Background()

	require.NoError(t, alice.m.ConnectParticipant(ctx, "room", "bob", ""))
	require.NoError(t, bob.m.ConnectParticipant(ctx, "room", "alice", ""))
	hub.Release()

	// bob yields to alice's offer and answers it; alice ignores bob's.
	require.Eventually(t, func() bool { return alice.tf.Last().Remote() != nil }, waitFor, tick)
	assert.Len(t, alice.tf.Sessions(), 1)
	assert.Equal(t, 1, bob.m.Links())
	assert.True(t, bob.tf.Sessions()[0].Closed())
}

func TestHoldResumeAndMediaState(t *testing.T) {
	hub := memory.NewHub()
	alice := newMember(t, hub, "alice")
	joined(t, "alice", call.Video, alice)
	ctx := context.Background()
	stream := alice.dev.Streams()[0]
	mic, cam := stream.AudioTracks()[0], stream.VideoTracks()[0]

	require.NoError(t, alice.m.SetVideoEnabled(ctx, "room", false))
	require.NoError(t, alice.m.Hold(ctx, "room"))
	assert.False(t, mic.Enabled())

	// Muting while held takes effect on resume.
	require.NoError(t, alice.m.SetMuted(ctx, "room", true))
	require.NoError(t, alice.m.Resume(ctx, "room"))
	assert.False(t, mic.Enabled())
	assert.False(t, cam.Enabled())
	assert.ErrorIs(t, alice.m.Resume(ctx, "room"), callerr.ErrInvalidState)

	ls, err := alice.m.LocalState("room")
	require.NoError(t, err)
	assert.Equal(t, LocalState{Muted: true}, ls)

	_, err = alice.m.LocalState("nowhere")
	assert.ErrorIs(t, err, callerr.ErrNoSuchGroupCall)
}

func TestGroupScreenShare(t *testing.T) {
	hub := memory.NewHub()
	alice := newMember(t, hub, "alice")
	bob := newMember(t, hub, "bob")
	joined(t, "alice", call.Voice, alice, bob)
	ctx := context.Background()
	require.NoError(t, alice.m.ConnectParticipant(ctx, "room", "bob", ""))

	link := alice.tf.Last()
	before := len(link.Senders())
	require.NoError(t, alice.m.StartScreenShare(ctx, "room"))
	assert.ErrorIs(t, alice.m.StartScreenShare(ctx, "room"), callerr.ErrAlreadySharing)
	assert.Len(t, link.Senders(), before+1)

	ls, _ := alice.m.LocalState("room")
	assert.True(t, ls.IsScreenSharing)

	require.NoError(t, alice.m.StopScreenShare(ctx, "room"))
	require.NoError(t, alice.m.StopScreenShare(ctx, "room"))
	assert.Len(t, link.Senders(), before)
	assert.Len(t, alice.named(events.CallScreenShareChanged), 2)
}

func TestRecordTargetIncludesRemoteTracks(t *testing.T) {
	hub := memory.NewHub()
	alice := newMember(t, hub, "alice")
	bob := newMember(t, hub, "bob")
	joined(t, "alice", call.Voice, alice, bob)
	require.NoError(t, alice.m.ConnectParticipant(context.Background(), "room", "bob", ""))

	remote := media.NewTrack("bob-mic", media.KindAudio, "audio/opus")
	alice.tf.Last().FireTrack(remote)

	require.Eventually(t, func() bool {
		target, err := alice.m.RecordTarget("room")
		return err == nil && len(target.Tracks) == 2
	}, waitFor, tick)

	alice.m.SetRecording("room", true)
	g, _ := alice.m.Get("room")
	assert.True(t, g.IsRecording)

	_, err := alice.m.RecordTarget("nowhere")
	assert.ErrorIs(t, err, callerr.ErrNoActiveCall)

	require.NoError(t, alice.m.Leave(context.Background(), "room"))
	assert.True(t, remote.Stopped())
}

func TestCleanupHooks(t *testing.T) {
	hub := memory.NewHub()
	alice := newMember(t, hub, "alice")
	var released []string
	alice.m.OnCleanup(func(conv string) { released = append(released, conv) })

	joined(t, "alice", call.Voice, alice)
	require.NoError(t, alice.m.Leave(context.Background(), "room"))
	assert.Equal(t, []string{"room"}, released)
}
