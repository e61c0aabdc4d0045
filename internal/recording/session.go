package recording

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/petervdpas/roomcall/internal/media"
)

type State string

const (
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateInactive  State = "inactive"
)

// Session captures one call's tracks into buffered WebM chunks.
type Session struct {
	ID             string
	ConversationID string
	MimeType       string
	Options        Options
	StartedAt      time.Time

	mu       sync.Mutex
	state    State
	mux      *muxer
	chunks   [][]byte
	size     int
	frames   int
	pausedAt time.Time
	paused   time.Duration

	readers []media.SampleReader
	wg      sync.WaitGroup
	stop    chan struct{}
}

func newSession(id, conv, mime string, opts Options, tracks []media.Track, mx *muxer, flush time.Duration) (*Session, error) {
	s := &Session{
		ID:             id,
		ConversationID: conv,
		MimeType:       mime,
		Options:        opts,
		StartedAt:      time.Now(),
		state:          StateRecording,
		mux:            mx,
		stop:           make(chan struct{}),
	}
	s.appendChunk(mx.initSegment())

	for i, t := range tracks {
		r, err := t.NewReader()
		if err != nil {
			s.closeReaders()
			return nil, err
		}
		s.readers = append(s.readers, r)
		s.wg.Add(1)
		go s.pump(i+1, r)
	}

	s.wg.Add(1)
	go s.flushLoop(flush)
	return s, nil
}

func (s *Session) pump(num int, r media.SampleReader) {
	defer s.wg.Done()
	for {
		sample, err := r.ReadSample()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warnf("[%s] track %d: %v", s.ID, num, err)
			}
			return
		}
		s.mu.Lock()
		if s.state == StateRecording {
			ts := time.Since(s.StartedAt) - s.paused
			if c := s.mux.write(num, ts.Milliseconds(), sample.Keyframe, sample.Data); c != nil {
				s.appendChunk(c)
			}
			s.frames++
		}
		s.mu.Unlock()
	}
}

func (s *Session) flushLoop(every time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.mu.Lock()
			if c := s.mux.flush(); c != nil {
				s.appendChunk(c)
			}
			s.mu.Unlock()
		}
	}
}

// appendChunk requires s.mu, except from the constructor.
func (s *Session) appendChunk(c []byte) {
	s.chunks = append(s.chunks, c)
	s.size += len(c)
}

func (s *Session) closeReaders() {
	for _, r := range s.readers {
		_ = r.Close()
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Frames is the number of samples written so far.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Size is the number of bytes buffered so far.
func (s *Session) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Session) pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording {
		return false
	}
	s.state = StatePaused
	s.pausedAt = time.Now()
	if c := s.mux.flush(); c != nil {
		s.appendChunk(c)
	}
	return true
}

func (s *Session) resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return false
	}
	s.paused += time.Since(s.pausedAt)
	s.state = StateRecording
	return true
}

// finish stops capture and returns the assembled recording.
func (s *Session) finish() ([]byte, time.Duration) {
	close(s.stop)
	s.closeReaders()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.mux.flush(); c != nil {
		s.appendChunk(c)
	}
	if s.state == StatePaused {
		s.paused += time.Since(s.pausedAt)
	}
	s.state = StateInactive
	blob := bytes.Join(s.chunks, nil)
	s.chunks = nil
	return blob, time.Since(s.StartedAt) - s.paused
}
