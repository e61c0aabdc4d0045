package media

import (
	"context"
	"errors"
	"sync"
)

// Stream groups the tracks produced by one acquisition or one remote peer.
type Stream struct {
	ID string

	mu     sync.RWMutex
	tracks []Track
}

func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{ID: id, tracks: tracks}
}

func (s *Stream) AddTrack(t Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []Track { return s.byKind(KindAudio) }
func (s *Stream) VideoTracks() []Track { return s.byKind(KindVideo) }

func (s *Stream) byKind(k Kind) []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track in the stream.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// Set holds the streams attached to one call. Each slot is optional.
type Set struct {
	LocalAudio  *Stream
	LocalVideo  *Stream
	RemoteAudio *Stream
	RemoteVideo *Stream
	ScreenShare *Stream
}

// Recordable returns every track of the local and remote audio/video slots.
func (s *Set) Recordable() []Track {
	var out []Track
	for _, st := range []*Stream{s.LocalAudio, s.LocalVideo, s.RemoteAudio, s.RemoteVideo} {
		if st == nil {
			continue
		}
		for _, t := range st.Tracks() {
			if !t.Stopped() {
				out = append(out, t)
			}
		}
	}
	return out
}

// StopAll stops every stream in the set, screen share included.
func (s *Set) StopAll() {
	for _, st := range []*Stream{s.LocalAudio, s.LocalVideo, s.RemoteAudio, s.RemoteVideo, s.ScreenShare} {
		if st != nil {
			st.Stop()
		}
	}
}

// Constraints selects which local sources to open.
type Constraints struct {
	Audio bool
	Video bool
}

// Device acquires local capture sources.
type Device interface {
	// Acquire opens microphone and/or camera and returns one stream holding
	// the opened tracks.
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
	// AcquireDisplay opens a screen capture source.
	AcquireDisplay(ctx context.Context) (*Stream, error)
}

// ErrUnavailable is returned by devices that cannot capture on this host.
var ErrUnavailable = errors.New("media: capture unavailable on this platform")
