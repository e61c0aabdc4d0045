//go:build linux

// Package devices captures microphone, camera and screen through
// pion/mediadevices (V4L2 + malgo + X11 on Linux).
package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/roomcall/internal/media"
)

var log = logging.Logger("devices")

// Capture is a media.Device backed by the host's capture drivers.
type Capture struct {
	selector *mediadevices.CodecSelector
}

// New builds the VP8 + Opus codec selector used by every acquisition.
// videoBitRate is in bits per second; zero keeps 1.5 Mbps.
func New(videoBitRate int) (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000
	if videoBitRate > 0 {
		vpxParams.BitRate = videoBitRate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Capture{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Acquire opens the requested sources. GetUserMedia fails as a unit, so a
// failure is reported as is; callers decide whether to retry with fewer
// sources.
func (c *Capture) Acquire(ctx context.Context, want media.Constraints) (*media.Stream, error) {
	if !want.Audio && !want.Video {
		return nil, errors.New("devices: nothing requested")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	devs := mediadevices.EnumerateDevices()
	if len(devs) == 0 {
		return nil, media.ErrUnavailable
	}
	for _, d := range devs {
		log.Debugf("device kind=%v label=%q", d.Kind, d.Label)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if want.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras poison the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if want.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	return c.wrap(ms)
}

// AcquireDisplay opens the first screen source as a VP8 video track.
func (c *Capture) AcquireDisplay(ctx context.Context) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("get display media: %w", err)
	}
	return c.wrap(ms)
}

func (c *Capture) wrap(ms mediadevices.MediaStream) (*media.Stream, error) {
	out := media.NewStream(uuid.NewString())
	for _, mt := range ms.GetTracks() {
		t, err := newCaptureTrack(mt)
		if err != nil {
			out.Stop()
			for _, other := range ms.GetTracks() {
				other.Close()
			}
			return nil, err
		}
		out.AddTrack(t)
	}
	log.Infof("captured %d tracks", len(out.Tracks()))
	return out, nil
}

// newCaptureTrack pumps one mediadevices track into a BaseTrack. The
// encoder runs on its own reader, so the transport and recorder each get
// an independent fan-out copy.
func newCaptureTrack(mt mediadevices.Track) (*media.BaseTrack, error) {
	kind, codec, clock := media.KindAudio, webrtc.MimeTypeOpus, 48000
	if mt.Kind() == webrtc.RTPCodecTypeVideo {
		kind, codec, clock = media.KindVideo, webrtc.MimeTypeVP8, 90000
	}

	r, err := mt.NewEncodedReader(codec)
	if err != nil {
		return nil, fmt.Errorf("encoded reader %s: %w", kind, err)
	}

	t := media.NewTrack(mt.ID(), kind, codec)
	mt.OnEnded(func(err error) {
		if err != nil {
			log.Warnf("capture track %s ended: %v", mt.ID(), err)
		}
		t.Stop()
	})
	t.OnStop(func() {
		_ = r.Close()
		_ = mt.Close()
	})

	go func() {
		for {
			buf, release, err := r.Read()
			if err != nil {
				t.Stop()
				return
			}
			data := make([]byte, len(buf.Data))
			copy(data, buf.Data)
			release()

			t.Publish(media.Sample{
				Data:     data,
				Duration: time.Duration(buf.Samples) * time.Second / time.Duration(clock),
				Keyframe: kind == media.KindVideo && len(data) > 0 && data[0]&0x01 == 0,
			})
		}
	}()
	return t, nil
}
