// Package media models the local and remote tracks a call carries and the
// device capability that produces local ones.
package media

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Kind is the media type of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Sample is one encoded media frame.
type Sample struct {
	Data     []byte
	Duration time.Duration
	Keyframe bool
}

// SampleReader yields encoded samples of one track. ReadSample returns
// io.EOF once the track has stopped.
type SampleReader interface {
	ReadSample() (Sample, error)
	Close() error
}

// Track is a single audio or video source. Disabled tracks keep running
// but publish nothing.
type Track interface {
	ID() string
	Kind() Kind
	// Codec is the RTP MIME type of the encoded samples, e.g. "video/VP8".
	Codec() string
	Enabled() bool
	SetEnabled(bool)
	Stop()
	Stopped() bool
	NewReader() (SampleReader, error)
}

// ErrTrackStopped is returned by NewReader on a stopped track.
var ErrTrackStopped = errors.New("media: track stopped")

// BaseTrack is a Track whose samples are pushed in by a producer goroutine
// through Publish and fanned out to every reader.
type BaseTrack struct {
	id    string
	kind  Kind
	codec string

	enabled atomic.Bool

	mu      sync.Mutex
	readers map[*chanReader]struct{}
	stopped bool
	onStop  []func()
}

// NewTrack returns an enabled BaseTrack.
func NewTrack(id string, kind Kind, codec string) *BaseTrack {
	t := &BaseTrack{
		id:      id,
		kind:    kind,
		codec:   codec,
		readers: make(map[*chanReader]struct{}),
	}
	t.enabled.Store(true)
	return t
}

func (t *BaseTrack) ID() string         { return t.id }
func (t *BaseTrack) Kind() Kind         { return t.kind }
func (t *BaseTrack) Codec() string      { return t.codec }
func (t *BaseTrack) Enabled() bool      { return t.enabled.Load() }
func (t *BaseTrack) SetEnabled(on bool) { t.enabled.Store(on) }

// OnStop registers fn to run once when the track stops. Producers use it
// to release the underlying device or RTP receiver.
func (t *BaseTrack) OnStop(fn func()) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		fn()
		return
	}
	t.onStop = append(t.onStop, fn)
	t.mu.Unlock()
}

// Stop ends the track and every open reader. Idempotent.
func (t *BaseTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	readers := t.readers
	t.readers = nil
	hooks := t.onStop
	t.onStop = nil
	t.mu.Unlock()

	for r := range readers {
		r.closeOnce()
	}
	for _, fn := range hooks {
		fn()
	}
}

func (t *BaseTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Publish delivers s to every reader. Slow readers lose the sample rather
// than stall the producer. Nothing is delivered while the track is disabled.
func (t *BaseTrack) Publish(s Sample) {
	if !t.enabled.Load() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for r := range t.readers {
		select {
		case r.ch <- s:
		default:
		}
	}
}

// NewReader subscribes a reader to future samples.
func (t *BaseTrack) NewReader() (SampleReader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil, ErrTrackStopped
	}
	r := &chanReader{ch: make(chan Sample, 64), done: make(chan struct{})}
	r.detach = func() {
		t.mu.Lock()
		delete(t.readers, r)
		t.mu.Unlock()
	}
	t.readers[r] = struct{}{}
	return r, nil
}

type chanReader struct {
	ch     chan Sample
	done   chan struct{}
	once   sync.Once
	detach func()
}

func (r *chanReader) ReadSample() (Sample, error) {
	select {
	case s := <-r.ch:
		return s, nil
	case <-r.done:
		return Sample{}, io.EOF
	}
}

func (r *chanReader) closeOnce() {
	r.once.Do(func() { close(r.done) })
}

func (r *chanReader) Close() error {
	r.detach()
	r.closeOnce()
	return nil
}
