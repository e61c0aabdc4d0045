//go:build !linux

// Package devices captures microphone, camera and screen through
// pion/mediadevices. Capture drivers are only wired on Linux; elsewhere every
// acquisition fails with media.ErrUnavailable and calls proceed without
// local media only if the caller tolerates that.
package devices

import (
	"context"

	"github.com/petervdpas/roomcall/internal/media"
)

type Capture struct{}

func New(int) (*Capture, error) { return &Capture{}, nil }

func (*Capture) Acquire(context.Context, media.Constraints) (*media.Stream, error) {
	return nil, media.ErrUnavailable
}

func (*Capture) AcquireDisplay(context.Context) (*media.Stream, error) {
	return nil, media.ErrUnavailable
}
