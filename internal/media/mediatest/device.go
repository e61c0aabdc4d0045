// Package mediatest provides an in-memory media.Device for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/roomcall/internal/media"
)

// Device hands out fresh BaseTracks. Set Err or DisplayErr to make the next
// acquisitions fail.
type Device struct {
	mu         sync.Mutex
	n          int
	Err        error
	DisplayErr error
	Acquired   []*media.Stream
}

func (d *Device) Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	d.n++
	s := media.NewStream(fmt.Sprintf("local-%d", d.n))
	if c.Audio {
		s.AddTrack(media.NewTrack(fmt.Sprintf("mic-%d", d.n), media.KindAudio, "audio/opus"))
	}
	if c.Video {
		s.AddTrack(media.NewTrack(fmt.Sprintf("cam-%d", d.n), media.KindVideo, "video/VP8"))
	}
	d.Acquired = append(d.Acquired, s)
	return s, nil
}

func (d *Device) AcquireDisplay(ctx context.Context) (*media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DisplayErr != nil {
		return nil, d.DisplayErr
	}
	d.n++
	s := media.NewStream(fmt.Sprintf("screen-%d", d.n),
		media.NewTrack(fmt.Sprintf("screen-%d", d.n), media.KindVideo, "video/VP8"))
	d.Acquired = append(d.Acquired, s)
	return s, nil
}

// Streams returns every stream handed out so far.
func (d *Device) Streams() []*media.Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*media.Stream(nil), d.Acquired...)
}
