package group

import (
	"fmt"
	"time"

	"github.com/petervdpas/roomcall/internal/call"
)

// State is the lifecycle state of a group call.
type State int

const (
	StateSetup State = iota
	StateReady
	StateConnected
	StateOnHold
	StateEnding
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "SETUP"
	case StateReady:
		return "READY"
	case StateConnected:
		return "CONNECTED"
	case StateOnHold:
		return "ON_HOLD"
	case StateEnding:
		return "ENDING"
	case StateEnded:
		return "ENDED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateSetup; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

func (s State) IsTerminal() bool { return s == StateEnded || s == StateFailed }

// EnterOptions set the initial local media state. A nil field means on.
type EnterOptions struct {
	Microphone *bool `json:"microphone,omitempty"`
	Camera     *bool `json:"camera,omitempty"`
}

func on(b *bool) bool { return b == nil || *b }

// GroupCall is a point-in-time copy of a group call.
type GroupCall struct {
	ID              string             `json:"id"`
	ConversationID  string             `json:"conversation_id"`
	MediaKind       call.MediaKind     `json:"media_kind"`
	Owner           string             `json:"owner,omitempty"`
	IsOwner         bool               `json:"is_owner"`
	State           State              `json:"state"`
	Participants    []call.Participant `json:"participants"`
	StartTime       time.Time          `json:"start_time,omitempty"`
	EndTime         time.Time          `json:"end_time,omitempty"`
	IsRecording     bool               `json:"is_recording"`
	IsScreenSharing bool               `json:"is_screen_sharing"`
	EndReason       string             `json:"end_reason,omitempty"`
}

// LocalState is this device's media state within a group call.
type LocalState struct {
	Muted           bool `json:"muted"`
	VideoEnabled    bool `json:"video_enabled"`
	IsScreenSharing bool `json:"is_screen_sharing"`
	IsRecording     bool `json:"is_recording"`
}
