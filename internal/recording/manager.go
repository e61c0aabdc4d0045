// Package recording captures the live tracks of a call into a WebM blob.
package recording

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/roomcall/internal/callerr"
	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/media"
)

var log = logging.Logger("recording")

// Target is what a source hands over for recording.
type Target struct {
	ConversationID string
	Tracks         []media.Track
}

// Source resolves recordable calls. Implementations return a
// callerr.CodeNoActiveCall error for unknown ids.
type Source interface {
	RecordTarget(id string) (Target, error)
	SetRecording(id string, on bool)
}

// Options are caller hints for one recording.
type Options struct {
	MimeType           string `json:"mime_type,omitempty"`
	AudioBitsPerSecond int    `json:"audio_bits_per_second,omitempty"`
	VideoBitsPerSecond int    `json:"video_bits_per_second,omitempty"`
}

type Config struct {
	FlushInterval time.Duration
	Preferred     []string
	Width, Height uint16
	// Supported overrides the muxer capability check.
	Supported func(mime string, tracks []media.Track) bool
}

// Result is a finished recording.
type Result struct {
	ID       string
	MimeType string
	Blob     []byte
	Duration time.Duration
}

// Manager keeps at most one recording per id.
type Manager struct {
	src Source
	bus *events.Bus
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(src Source, bus *events.Bus, cfg Config) *Manager {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if len(cfg.Preferred) == 0 {
		cfg.Preferred = Preferred
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		cfg.Width, cfg.Height = 640, 480
	}
	if cfg.Supported == nil {
		cfg.Supported = Supported
	}
	return &Manager{src: src, bus: bus, cfg: cfg, sessions: make(map[string]*Session)}
}

// Start begins recording id. Starting an id that is already recording is a
// logged no-op.
func (m *Manager) Start(_ context.Context, id string, opts Options) error {
	target, err := m.src.RecordTarget(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		log.Warnf("[%s] already recording", id)
		return nil
	}
	if len(target.Tracks) == 0 {
		return callerr.Wrap(callerr.CodeNoSupportedEncoding, "start recording", "no tracks to record for %s", id)
	}
	mime := choose(opts.MimeType, m.cfg.Preferred, target.Tracks, m.cfg.Supported)
	if mime == "" {
		return callerr.Wrap(callerr.CodeNoSupportedEncoding, "start recording", "no supported encoding for %s", id)
	}
	mx, err := newMuxer(target.Tracks, m.cfg.Width, m.cfg.Height)
	if err != nil {
		return callerr.New(callerr.CodeNoSupportedEncoding, "start recording", err)
	}
	s, err := newSession(id, target.ConversationID, mime, opts, target.Tracks, mx, m.cfg.FlushInterval)
	if err != nil {
		return callerr.New(callerr.CodeNoSupportedEncoding, "start recording", fmt.Errorf("open track reader: %w", err))
	}
	m.sessions[id] = s
	m.src.SetRecording(id, true)

	log.Infof("[%s] recording %d tracks as %s", id, len(target.Tracks), mime)
	m.bus.Emit(events.Event{
		Name:           events.RecordingStarted,
		CallID:         id,
		ConversationID: target.ConversationID,
		Data:           events.Recording{MimeType: mime},
	})
	return nil
}

// Stop finalises the recording of id and returns its blob.
func (m *Manager) Stop(_ context.Context, id string) (Result, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return Result{}, callerr.Wrap(callerr.CodeNoActiveRecording, "stop recording", "%s is not recording", id)
	}

	blob, dur := s.finish()
	m.src.SetRecording(id, false)
	log.Infof("[%s] recording stopped: %d bytes, %s", id, len(blob), dur.Truncate(time.Millisecond))
	m.bus.Emit(events.Event{
		Name:           events.RecordingStopped,
		CallID:         id,
		ConversationID: s.ConversationID,
		Data:           events.Recording{MimeType: s.MimeType, Size: len(blob), Duration: dur, Blob: blob},
	})
	return Result{ID: id, MimeType: s.MimeType, Blob: blob, Duration: dur}, nil
}

// Pause is a no-op unless id is recording.
func (m *Manager) Pause(_ context.Context, id string) error {
	s, ok := m.session(id)
	if !ok {
		return callerr.Wrap(callerr.CodeNoActiveRecording, "pause recording", "%s is not recording", id)
	}
	if !s.pause() {
		log.Debugf("[%s] pause ignored in %s", id, s.State())
	}
	return nil
}

// Resume is a no-op unless id is paused.
func (m *Manager) Resume(_ context.Context, id string) error {
	s, ok := m.session(id)
	if !ok {
		return callerr.Wrap(callerr.CodeNoActiveRecording, "resume recording", "%s is not recording", id)
	}
	if !s.resume() {
		log.Debugf("[%s] resume ignored in %s", id, s.State())
	}
	return nil
}

// Release stops any recording of id. Used on call cleanup.
func (m *Manager) Release(id string) {
	if _, ok := m.session(id); !ok {
		return
	}
	if _, err := m.Stop(context.Background(), id); err != nil {
		log.Debugf("[%s] release: %v", id, err)
	}
}

// Session returns the live recording of id.
func (m *Manager) Session(id string) (*Session, bool) {
	return m.session(id)
}

func (m *Manager) IsRecording(id string) bool {
	_, ok := m.session(id)
	return ok
}

func (m *Manager) session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close stops every recording.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Release(id)
	}
}
