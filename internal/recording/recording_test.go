package recording

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/roomcall/internal/callerr"
	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/media"
)

type fakeSource struct {
	mu     sync.Mutex
	tracks map[string][]media.Track
	on     map[string]bool
}

func newSource() *fakeSource {
	return &fakeSource{tracks: make(map[string][]media.Track), on: make(map[string]bool)}
}

func (f *fakeSource) RecordTarget(id string) (Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tracks, ok := f.tracks[id]
	if !ok {
		return Target{}, callerr.Wrap(callerr.CodeNoActiveCall, "record", "call %s", id)
	}
	return Target{ConversationID: "room", Tracks: tracks}, nil
}

func (f *fakeSource) SetRecording(id string, on bool) {
	f.mu.Lock()
	f.on[id] = on
	f.mu.Unlock()
}

func (f *fakeSource) recording(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on[id]
}

func voiceAndVideo() (*media.BaseTrack, *media.BaseTrack) {
	return media.NewTrack("mic", media.KindAudio, "audio/opus"),
		media.NewTrack("cam", media.KindVideo, "video/VP8")
}

func TestRecordRoundTrip(t *testing.T) {
	src := newSource()
	mic, cam := voiceAndVideo()
	src.tracks["c1"] = []media.Track{mic, cam}
	bus := events.NewBus()
	var stopped []events.Event
	bus.On(events.RecordingStopped, func(e events.Event) { stopped = append(stopped, e) })

	m := NewManager(src, bus, Config{FlushInterval: 10 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, "c1", Options{}))
	assert.True(t, src.recording("c1"))
	assert.True(t, m.IsRecording("c1"))

	s, ok := m.Session("c1")
	require.True(t, ok)
	assert.Equal(t, "video/webm;codecs=vp8,opus", s.MimeType)

	cam.Publish(media.Sample{Data: []byte{0x10, 0x20}, Keyframe: true})
	mic.Publish(media.Sample{Data: []byte{0x30}})
	require.Eventually(t, func() bool { return s.Frames() == 2 }, time.Second, 5*time.Millisecond)

	res, err := m.Stop(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", res.ID)
	assert.True(t, bytes.HasPrefix(res.Blob, []byte{0x1A, 0x45, 0xDF, 0xA3}), "EBML header")
	assert.True(t, bytes.Contains(res.Blob, []byte{0x1F, 0x43, 0xB6, 0x75}), "cluster")
	assert.False(t, src.recording("c1"))
	assert.False(t, m.IsRecording("c1"))

	require.Len(t, stopped, 1)
	rec := stopped[0].Data.(events.Recording)
	assert.Equal(t, len(res.Blob), rec.Size)
	assert.Equal(t, res.Blob, rec.Blob)
	assert.Equal(t, "room", stopped[0].ConversationID)
}

func TestStopWithoutStart(t *testing.T) {
	m := NewManager(newSource(), events.NewBus(), Config{})
	_, err := m.Stop(context.Background(), "c1")
	assert.ErrorIs(t, err, callerr.ErrNoActiveRecording)
	assert.ErrorIs(t, m.Pause(context.Background(), "c1"), callerr.ErrNoActiveRecording)
	assert.ErrorIs(t, m.Resume(context.Background(), "c1"), callerr.ErrNoActiveRecording)
}

func TestStartUnknownCall(t *testing.T) {
	m := NewManager(newSource(), events.NewBus(), Config{})
	err := m.Start(context.Background(), "nope", Options{})
	assert.ErrorIs(t, err, callerr.ErrNoActiveCall)
}

func TestStartTwiceIsNoop(t *testing.T) {
	src := newSource()
	mic, _ := voiceAndVideo()
	src.tracks["c1"] = []media.Track{mic}
	bus := events.NewBus()
	started := 0
	bus.On(events.RecordingStarted, func(events.Event) { started++ })

	m := NewManager(src, bus, Config{})
	defer m.Close()
	require.NoError(t, m.Start(context.Background(), "c1", Options{}))
	require.NoError(t, m.Start(context.Background(), "c1", Options{}))
	assert.Equal(t, 1, started)
}

func TestPauseDropsSamples(t *testing.T) {
	src := newSource()
	mic, _ := voiceAndVideo()
	src.tracks["c1"] = []media.Track{mic}
	m := NewManager(src, events.NewBus(), Config{})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, "c1", Options{}))
	s, _ := m.Session("c1")

	require.NoError(t, m.Pause(ctx, "c1"))
	require.NoError(t, m.Pause(ctx, "c1"))
	assert.Equal(t, StatePaused, s.State())
	mic.Publish(media.Sample{Data: []byte{1}})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, s.Frames())

	require.NoError(t, m.Resume(ctx, "c1"))
	assert.Equal(t, StateRecording, s.State())
	mic.Publish(media.Sample{Data: []byte{2}})
	require.Eventually(t, func() bool { return s.Frames() == 1 }, time.Second, 5*time.Millisecond)

	m.Release("c1")
	assert.Equal(t, StateInactive, s.State())
	m.Release("c1")
}

func TestNoSupportedEncoding(t *testing.T) {
	src := newSource()
	src.tracks["h264"] = []media.Track{media.NewTrack("cam", media.KindVideo, "video/H264")}
	src.tracks["empty"] = nil
	m := NewManager(src, events.NewBus(), Config{})

	assert.ErrorIs(t, m.Start(context.Background(), "h264", Options{}), callerr.ErrNoSupportedEncoding)
	assert.ErrorIs(t, m.Start(context.Background(), "empty", Options{}), callerr.ErrNoSupportedEncoding)
}

func TestChooseEncoding(t *testing.T) {
	mic, cam := voiceAndVideo()
	av := []media.Track{mic, cam}
	audioOnly := []media.Track{mic}

	assert.Equal(t, "video/webm;codecs=vp8,opus", choose("", Preferred, av, Supported))
	// Codec lists only constrain the tracks present.
	assert.Equal(t, "video/webm;codecs=vp9,opus", choose("", Preferred, audioOnly, Supported))
	assert.Equal(t, "audio/webm", choose("audio/webm", Preferred, audioOnly, Supported))
	// An unsupported preference falls back to the list.
	assert.Equal(t, "video/webm;codecs=vp8,opus", choose("audio/webm", Preferred, av, Supported))
	assert.Equal(t, "", choose("", []string{"video/mp4"}, av, Supported))
}

func TestSupported(t *testing.T) {
	mic, cam := voiceAndVideo()
	vp9 := media.NewTrack("cam9", media.KindVideo, "video/VP9")

	assert.True(t, Supported("video/webm", []media.Track{mic, cam}))
	assert.True(t, Supported("video/webm; codecs=vp9,opus", []media.Track{mic, vp9}))
	assert.False(t, Supported("video/webm;codecs=vp9,opus", []media.Track{mic, cam}))
	assert.False(t, Supported("audio/webm", []media.Track{cam}))
	assert.False(t, Supported("video/mp4", []media.Track{mic}))
}
