package pionrtc

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/transport"
)

const streamID = "roomcall"

type session struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders []*sender
	closed  bool
}

type sender struct {
	rtp    *webrtc.RTPSender
	track  media.Track
	reader media.SampleReader
}

func (s *sender) Track() media.Track { return s.track }

func newSession(pc *webrtc.PeerConnection) *session {
	return &session{pc: pc}
}

// AddTrack publishes t through a static sample track. Samples are pumped
// from an independent reader so recording can read the same source.
func (s *session) AddTrack(t media.Track) (transport.Sender, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: t.Codec()}, t.ID(), streamID)
	if err != nil {
		return nil, err
	}
	rtpSender, err := s.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}
	reader, err := t.NewReader()
	if err != nil {
		_ = s.pc.RemoveTrack(rtpSender)
		return nil, err
	}

	snd := &sender{rtp: rtpSender, track: t, reader: reader}
	s.mu.Lock()
	s.senders = append(s.senders, snd)
	s.mu.Unlock()

	go func() {
		for {
			smp, err := reader.ReadSample()
			if err != nil {
				return
			}
			if err := local.WriteSample(pmedia.Sample{Data: smp.Data, Duration: smp.Duration}); err != nil {
				log.Debugf("write sample %s: %v", t.ID(), err)
			}
		}
	}()

	// Drain RTCP so interceptors (NACK, reports) keep working.
	go func() {
		for {
			pkts, _, err := rtpSender.ReadRTCP()
			if err != nil {
				return
			}
			for _, p := range pkts {
				switch p.(type) {
				case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
					log.Debugf("keyframe requested on %s", t.ID())
				}
			}
		}
	}()
	return snd, nil
}

func (s *session) RemoveTrack(ts transport.Sender) error {
	snd, ok := ts.(*sender)
	if !ok {
		return errors.New("pionrtc: foreign sender")
	}
	s.mu.Lock()
	for i, x := range s.senders {
		if x == snd {
			s.senders = append(s.senders[:i], s.senders[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	_ = snd.reader.Close()
	return s.pc.RemoveTrack(snd.rtp)
}

func (s *session) Senders() []transport.Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Sender, len(s.senders))
	for i, x := range s.senders {
		out[i] = x
	}
	return out
}

func (s *session) CreateOffer(_ context.Context) (transport.Description, error) {
	// Without any transceiver the offer has no m-lines and no ICE credentials.
	if len(s.pc.GetTransceivers()) == 0 {
		addRecvOnlyTransceivers(s.pc)
	}
	d, err := s.pc.CreateOffer(nil)
	if err != nil {
		return transport.Description{}, err
	}
	return transport.Description{Type: d.Type.String(), SDP: d.SDP}, nil
}

func (s *session) CreateAnswer(_ context.Context) (transport.Description, error) {
	d, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return transport.Description{}, err
	}
	return transport.Description{Type: d.Type.String(), SDP: d.SDP}, nil
}

func (s *session) SetLocalDescription(_ context.Context, d transport.Description) error {
	return s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP})
}

func (s *session) SetRemoteDescription(_ context.Context, d transport.Description) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP})
}

func (s *session) AddICECandidate(c transport.Candidate) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (s *session) OnICECandidate(fn func(*transport.Candidate)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		j := c.ToJSON()
		fn(&transport.Candidate{Candidate: j.Candidate, SDPMid: j.SDPMid, SDPMLineIndex: j.SDPMLineIndex})
	})
}

func (s *session) OnTrack(fn func(media.Track)) {
	s.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(s.remoteTrack(tr))
	})
}

func (s *session) OnConnectionStateChange(fn func(transport.ConnectionState)) {
	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		fn(transport.ConnectionState(st.String()))
	})
}

func (s *session) OnICEConnectionStateChange(fn func(transport.ICEState)) {
	s.pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		fn(transport.ICEState(st.String()))
	})
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	senders := s.senders
	s.senders = nil
	s.mu.Unlock()

	for _, snd := range senders {
		_ = snd.reader.Close()
	}
	return s.pc.Close()
}

// remoteTrack depacketizes an inbound RTP stream into samples.
func (s *session) remoteTrack(tr *webrtc.TrackRemote) media.Track {
	kind := media.KindAudio
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		kind = media.KindVideo
	}
	codec := tr.Codec()
	t := media.NewTrack(tr.ID(), kind, codec.MimeType)

	var depack rtp.Depacketizer
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(webrtc.MimeTypeVP8):
		depack = &codecs.VP8Packet{}
	case strings.ToLower(webrtc.MimeTypeVP9):
		depack = &codecs.VP9Packet{}
	case strings.ToLower(webrtc.MimeTypeOpus):
		depack = &codecs.OpusPacket{}
	}

	if kind == media.KindVideo {
		if err := s.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())},
		}); err != nil {
			log.Debugf("pli %s: %v", tr.ID(), err)
		}
	}

	go func() {
		defer t.Stop()
		var sb *samplebuilder.SampleBuilder
		if depack != nil {
			sb = samplebuilder.New(64, depack, codec.ClockRate)
		}
		for {
			pkt, _, err := tr.ReadRTP()
			if err != nil {
				return
			}
			if sb == nil {
				continue
			}
			sb.Push(pkt)
			for smp := sb.Pop(); smp != nil; smp = sb.Pop() {
				t.Publish(media.Sample{
					Data:     smp.Data,
					Duration: smp.Duration,
					Keyframe: kind == media.KindVideo && isVP8Keyframe(codec.MimeType, smp.Data),
				})
			}
		}
	}()
	return t
}

func isVP8Keyframe(mime string, data []byte) bool {
	return strings.EqualFold(mime, webrtc.MimeTypeVP8) && len(data) > 0 && data[0]&0x01 == 0
}

// addRecvOnlyTransceivers gives an otherwise empty offer valid m-lines.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, k := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("add %s transceiver: %v", k, err)
		}
	}
}
