package call

import (
	"context"

	"github.com/petervdpas/roomcall/internal/callerr"
	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/recording"
	"github.com/petervdpas/roomcall/internal/transport"
)

// Media controls act on whatever tracks exist. A missing stream is logged
// and ignored; only an unknown call is an error.

func (m *Manager) Mute(ctx context.Context, callID string) error {
	_, err := m.SetMuted(ctx, callID, true)
	return err
}

func (m *Manager) Unmute(ctx context.Context, callID string) error {
	_, err := m.SetMuted(ctx, callID, false)
	return err
}

// ToggleAudio flips the microphone and reports whether it is now enabled.
func (m *Manager) ToggleAudio(ctx context.Context, callID string) (bool, error) {
	var enabled bool
	err := m.withSession("toggle audio", callID, func(s *session) error {
		tracks := streamTracks(s, func(set *media.Set) *media.Stream { return set.LocalAudio })
		if len(tracks) == 0 {
			log.Warnf("[%s] toggle audio: no local audio", callID)
			return nil
		}
		enabled = !s.intent(tracks[0])
		m.setAudio(s, tracks, enabled)
		return nil
	})
	return enabled, err
}

// SetMuted sets the microphone state and reports whether it is now enabled.
// Without a microphone it reports false.
func (m *Manager) SetMuted(_ context.Context, callID string, muted bool) (bool, error) {
	var enabled bool
	err := m.withSession("mute", callID, func(s *session) error {
		tracks := streamTracks(s, func(set *media.Set) *media.Stream { return set.LocalAudio })
		if len(tracks) == 0 {
			log.Warnf("[%s] mute: no local audio", callID)
			return nil
		}
		m.setAudio(s, tracks, !muted)
		enabled = s.intent(tracks[0])
		return nil
	})
	return enabled, err
}

func (m *Manager) setAudio(s *session, tracks []media.Track, enabled bool) {
	s.setTracks(tracks, enabled)
	s.updateParticipant(LocalUserID, func(p *Participant) { p.Muted = !enabled })
	m.emitParticipant(s, LocalUserID, events.Updated)
}

func (m *Manager) EnableCamera(ctx context.Context, callID string) error {
	_, err := m.SetVideoEnabled(ctx, callID, true)
	return err
}

func (m *Manager) DisableCamera(ctx context.Context, callID string) error {
	_, err := m.SetVideoEnabled(ctx, callID, false)
	return err
}

// ToggleVideo flips the camera and reports whether it is now enabled.
func (m *Manager) ToggleVideo(_ context.Context, callID string) (bool, error) {
	var enabled bool
	err := m.withSession("toggle video", callID, func(s *session) error {
		tracks := streamTracks(s, func(set *media.Set) *media.Stream { return set.LocalVideo })
		if len(tracks) == 0 {
			log.Warnf("[%s] toggle video: no local video", callID)
			return nil
		}
		enabled = !s.intent(tracks[0])
		m.setVideo(s, tracks, enabled)
		return nil
	})
	return enabled, err
}

// SetVideoEnabled sets the camera state and reports whether it is now
// enabled. Without a camera it reports false.
func (m *Manager) SetVideoEnabled(_ context.Context, callID string, enabled bool) (bool, error) {
	var now bool
	err := m.withSession("camera", callID, func(s *session) error {
		tracks := streamTracks(s, func(set *media.Set) *media.Stream { return set.LocalVideo })
		if len(tracks) == 0 {
			log.Warnf("[%s] camera: no local video", callID)
			return nil
		}
		m.setVideo(s, tracks, enabled)
		now = s.intent(tracks[0])
		return nil
	})
	return now, err
}

func (m *Manager) setVideo(s *session, tracks []media.Track, enabled bool) {
	s.setTracks(tracks, enabled)
	s.updateParticipant(LocalUserID, func(p *Participant) { p.VideoEnabled = enabled })
	m.emitParticipant(s, LocalUserID, events.Updated)
}

// EnableSpeaker and DisableSpeaker gate playback of the remote audio.
func (m *Manager) EnableSpeaker(ctx context.Context, callID string) error {
	return m.setSpeaker(callID, true)
}

func (m *Manager) DisableSpeaker(ctx context.Context, callID string) error {
	return m.setSpeaker(callID, false)
}

func (m *Manager) setSpeaker(callID string, on bool) error {
	return m.withSession("speaker", callID, func(s *session) error {
		s.mu.Lock()
		s.speakerOff = !on
		s.mu.Unlock()
		tracks := streamTracks(s, func(set *media.Set) *media.Stream { return set.RemoteAudio })
		if len(tracks) == 0 {
			log.Warnf("[%s] speaker: no remote audio yet", callID)
			return nil
		}
		for _, t := range tracks {
			t.SetEnabled(on)
		}
		return nil
	})
}

// StartScreenShare adds a display capture to the call and renegotiates.
func (m *Manager) StartScreenShare(ctx context.Context, callID string) error {
	return m.withSession("start screen share", callID, func(s *session) error {
		s.mu.RLock()
		sharing := s.call.IsScreenSharing
		ts := s.transport
		s.mu.RUnlock()
		if sharing {
			return callerr.Wrap(callerr.CodeAlreadySharing, "start screen share", "call %s", callID)
		}

		stream, err := m.device.AcquireDisplay(ctx)
		if err != nil {
			return callerr.New(callerr.CodeMediaAcquisition, "acquire display", err)
		}

		var senders []transport.Sender
		if ts != nil {
			for _, t := range stream.Tracks() {
				snd, err := ts.AddTrack(t)
				if err != nil {
					for _, added := range senders {
						_ = ts.RemoveTrack(added)
					}
					stream.Stop()
					return callerr.New(callerr.CodeTransport, "add screen track", err)
				}
				senders = append(senders, snd)
			}
		} else {
			log.Warnf("[%s] screen share before transport, sharing locally only", callID)
		}

		s.mu.Lock()
		s.streams.ScreenShare = stream
		s.screen = senders
		s.call.IsScreenSharing = true
		s.mu.Unlock()

		m.emitScreenShare(s, true)
		if ts != nil {
			m.renegotiate(ctx, s)
		}
		return nil
	})
}

// StopScreenShare removes the display capture. Stopping when not sharing
// is a logged no-op.
func (m *Manager) StopScreenShare(ctx context.Context, callID string) error {
	return m.withSession("stop screen share", callID, func(s *session) error {
		s.mu.Lock()
		stream := s.streams.ScreenShare
		senders := s.screen
		ts := s.transport
		wasSharing := s.call.IsScreenSharing
		s.streams.ScreenShare = nil
		s.screen = nil
		s.call.IsScreenSharing = false
		s.mu.Unlock()

		if !wasSharing {
			log.Warnf("[%s] stop screen share: not sharing", callID)
			return nil
		}
		if ts != nil {
			for _, snd := range senders {
				if err := ts.RemoveTrack(snd); err != nil {
					log.Warnf("[%s] remove screen track: %v", callID, err)
				}
			}
		}
		if stream != nil {
			stream.Stop()
		}
		m.emitScreenShare(s, false)
		if ts != nil && len(senders) > 0 {
			m.renegotiate(ctx, s)
		}
		return nil
	})
}

func (m *Manager) emitScreenShare(s *session, active bool) {
	c := s.snapshot()
	m.bus.Emit(events.Event{
		Name:           events.CallScreenShareChanged,
		CallID:         c.ID,
		ConversationID: c.ConversationID,
		Data:           events.ScreenShare{Active: active},
	})
}

// RecordTarget returns every live local and remote track of a call. It
// only takes the field lock, so it is safe from cleanup hooks.
func (m *Manager) RecordTarget(callID string) (recording.Target, error) {
	s, ok := m.reg.get(callID)
	if !ok {
		return recording.Target{}, callerr.Wrap(callerr.CodeNoActiveCall, "record", "call %s", callID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return recording.Target{}, callerr.Wrap(callerr.CodeNoActiveCall, "record", "call %s", callID)
	}
	return recording.Target{ConversationID: s.call.ConversationID, Tracks: s.streams.Recordable()}, nil
}

// SetRecording mirrors the recorder state onto the call.
func (m *Manager) SetRecording(callID string, on bool) {
	s, ok := m.reg.get(callID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.call.IsRecording = on
	s.mu.Unlock()
}

func streamTracks(s *session, pick func(*media.Set) *media.Stream) []media.Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := pick(&s.streams)
	if st == nil {
		return nil
	}
	return st.Tracks()
}
