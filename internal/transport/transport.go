// Package transport is the narrow surface the engine needs from a real-time
// peer transport: sessions that carry tracks, negotiate through SDP and
// report connectivity.
package transport

import (
	"context"
	"time"

	"github.com/petervdpas/roomcall/internal/media"
)

// ConnectionState mirrors the peer connection state machine.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// ICEState mirrors the ICE agent connection state.
type ICEState string

const (
	ICENew          ICEState = "new"
	ICEChecking     ICEState = "checking"
	ICEConnected    ICEState = "connected"
	ICECompleted    ICEState = "completed"
	ICEDisconnected ICEState = "disconnected"
	ICEFailed       ICEState = "failed"
	ICEClosed       ICEState = "closed"
)

// Candidate is an ICE candidate in its JSON exchange form.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Description is an SDP offer or answer.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
)

// ICEServer is a STUN or TURN server.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config is applied when a session is created.
type Config struct {
	ICEServers []ICEServer
}

// Factory creates sessions.
type Factory interface {
	NewSession(ctx context.Context, cfg Config) (Session, error)
}

// Sender is the handle of a track attached to a session.
type Sender interface {
	Track() media.Track
}

// DTMFSender is implemented by senders that can insert tones in-band.
type DTMFSender interface {
	CanInsertDTMF() bool
	InsertDTMF(tones string, duration, gap time.Duration) error
}

// Session is one peer-to-peer transport. Callbacks may fire on any
// goroutine, including after Close returned.
type Session interface {
	AddTrack(t media.Track) (Sender, error)
	RemoveTrack(s Sender) error
	Senders() []Sender

	CreateOffer(ctx context.Context) (Description, error)
	CreateAnswer(ctx context.Context) (Description, error)
	SetLocalDescription(ctx context.Context, d Description) error
	SetRemoteDescription(ctx context.Context, d Description) error
	AddICECandidate(c Candidate) error

	// OnICECandidate receives nil once gathering completes.
	OnICECandidate(fn func(*Candidate))
	OnTrack(fn func(media.Track))
	OnConnectionStateChange(fn func(ConnectionState))
	OnICEConnectionStateChange(fn func(ICEState))

	Close() error
}

// Offer creates an offer and applies it locally.
func Offer(ctx context.Context, s Session) (Description, error) {
	d, err := s.CreateOffer(ctx)
	if err != nil {
		return Description{}, err
	}
	if err := s.SetLocalDescription(ctx, d); err != nil {
		return Description{}, err
	}
	return d, nil
}

// Answer applies a remote offer, then creates and applies the answer.
func Answer(ctx context.Context, s Session, offer Description) (Description, error) {
	if err := s.SetRemoteDescription(ctx, offer); err != nil {
		return Description{}, err
	}
	d, err := s.CreateAnswer(ctx)
	if err != nil {
		return Description{}, err
	}
	if err := s.SetLocalDescription(ctx, d); err != nil {
		return Description{}, err
	}
	return d, nil
}
