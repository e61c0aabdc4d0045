package group

import (
	"context"

	"github.com/petervdpas/roomcall/internal/call"
	"github.com/petervdpas/roomcall/internal/callerr"
	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/recording"
)

// SetMuted sets the local microphone of a group call.
func (m *Manager) SetMuted(_ context.Context, conv string, muted bool) error {
	return m.withCall("mute", conv, func(g *groupCall) error {
		g.mu.Lock()
		st := g.local.LocalAudio
		if p, ok := g.participants[call.LocalUserID]; ok {
			p.Muted = muted
		}
		held := g.state == StateOnHold
		g.mu.Unlock()
		if st == nil {
			log.Warnf("[%s] mute: no local audio", conv)
			return nil
		}
		if !held {
			for _, t := range st.Tracks() {
				t.SetEnabled(!muted)
			}
		}
		m.emitParticipant(g, call.LocalUserID, events.Updated)
		return nil
	})
}

// SetVideoEnabled sets the local camera of a group call.
func (m *Manager) SetVideoEnabled(_ context.Context, conv string, enabled bool) error {
	return m.withCall("camera", conv, func(g *groupCall) error {
		g.mu.Lock()
		st := g.local.LocalVideo
		if p, ok := g.participants[call.LocalUserID]; ok && st != nil {
			p.VideoEnabled = enabled
		}
		held := g.state == StateOnHold
		g.mu.Unlock()
		if st == nil {
			log.Warnf("[%s] camera: no local video", conv)
			return nil
		}
		if !held {
			for _, t := range st.Tracks() {
				t.SetEnabled(enabled)
			}
		}
		m.emitParticipant(g, call.LocalUserID, events.Updated)
		return nil
	})
}

// StartScreenShare adds a display capture to every link.
func (m *Manager) StartScreenShare(ctx context.Context, conv string) error {
	return m.withCall("start screen share", conv, func(g *groupCall) error {
		g.mu.RLock()
		sharing := g.local.ScreenShare != nil
		g.mu.RUnlock()
		if sharing {
			return callerr.Wrap(callerr.CodeAlreadySharing, "start screen share", "group call in %s", conv)
		}

		stream, err := m.device.AcquireDisplay(ctx)
		if err != nil {
			return callerr.New(callerr.CodeMediaAcquisition, "acquire display", err)
		}

		g.mu.Lock()
		g.local.ScreenShare = stream
		links := make([]*link, 0, len(g.links))
		for _, l := range g.links {
			links = append(links, l)
		}
		g.mu.Unlock()

		for _, l := range links {
			for _, t := range stream.Tracks() {
				snd, err := l.ts.AddTrack(t)
				if err != nil {
					log.Warnf("[%s] screen track to %s: %v", conv, l.userID, err)
					continue
				}
				l.mu.Lock()
				l.senders[t.ID()] = snd
				l.mu.Unlock()
			}
		}
		m.emitScreenShare(g, true)
		m.renegotiate(ctx, g)
		return nil
	})
}

// StopScreenShare removes the display capture from every link.
func (m *Manager) StopScreenShare(ctx context.Context, conv string) error {
	return m.withCall("stop screen share", conv, func(g *groupCall) error {
		g.mu.Lock()
		stream := g.local.ScreenShare
		g.local.ScreenShare = nil
		links := make([]*link, 0, len(g.links))
		for _, l := range g.links {
			links = append(links, l)
		}
		g.mu.Unlock()
		if stream == nil {
			log.Warnf("[%s] stop screen share: not sharing", conv)
			return nil
		}

		for _, l := range links {
			for _, t := range stream.Tracks() {
				l.mu.Lock()
				snd, ok := l.senders[t.ID()]
				delete(l.senders, t.ID())
				l.mu.Unlock()
				if !ok {
					continue
				}
				if err := l.ts.RemoveTrack(snd); err != nil {
					log.Warnf("[%s] remove screen track from %s: %v", conv, l.userID, err)
				}
			}
		}
		stream.Stop()
		m.emitScreenShare(g, false)
		m.renegotiate(ctx, g)
		return nil
	})
}

func (m *Manager) emitScreenShare(g *groupCall, active bool) {
	m.bus.Emit(events.Event{
		Name:           events.CallScreenShareChanged,
		CallID:         g.id,
		ConversationID: g.conv,
		Data:           events.ScreenShare{Active: active},
	})
}

// RecordTarget returns local tracks plus every participant's remote tracks.
func (m *Manager) RecordTarget(conv string) (recording.Target, error) {
	g, ok := m.lookup(conv)
	if !ok || g.isClosed() {
		return recording.Target{}, callerr.Wrap(callerr.CodeNoActiveCall, "record", "no group call in %s", conv)
	}
	g.mu.RLock()
	set := media.Set{LocalAudio: g.local.LocalAudio, LocalVideo: g.local.LocalVideo}
	links := make([]*link, 0, len(g.links))
	for _, l := range g.links {
		links = append(links, l)
	}
	g.mu.RUnlock()

	tracks := set.Recordable()
	for _, l := range links {
		for _, t := range l.remoteTracks() {
			if !t.Stopped() {
				tracks = append(tracks, t)
			}
		}
	}
	return recording.Target{ConversationID: conv, Tracks: tracks}, nil
}

func (m *Manager) SetRecording(conv string, on bool) {
	g, ok := m.lookup(conv)
	if !ok {
		return
	}
	g.mu.Lock()
	g.recording = on
	g.mu.Unlock()
}

// ParticipantCount counts participants, this device included once entered.
func (m *Manager) ParticipantCount(conv string) int {
	g, ok := m.lookup(conv)
	if !ok {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.participants)
}

func (m *Manager) LocalState(conv string) (LocalState, error) {
	g, ok := m.lookup(conv)
	if !ok {
		return LocalState{}, noSuchGroup("local state", conv)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	ls := LocalState{IsScreenSharing: g.local.ScreenShare != nil, IsRecording: g.recording}
	if p, ok := g.participants[call.LocalUserID]; ok {
		ls.Muted = p.Muted
		ls.VideoEnabled = p.VideoEnabled
	}
	return ls, nil
}

// Links is the number of open peer sessions across all group calls.
func (m *Manager) Links() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, g := range m.calls {
		g.mu.RLock()
		n += len(g.links)
		g.mu.RUnlock()
	}
	return n
}
