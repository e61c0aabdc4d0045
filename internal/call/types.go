package call

import (
	"fmt"
	"time"

	"github.com/petervdpas/roomcall/internal/transport"
)

// State is the lifecycle state of a call.
type State int

const (
	StateSetup State = iota
	StateInviteSent
	StateInviteReceived
	StateRinging
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
	case StateInviteSent:
		return "INVITE_SENT"
	case StateInviteReceived:
		return "INVITE_RECEIVED"
	case StateRinging:
		return "RINGING"
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

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateFailed
}

// IsActive reports whether the call is ringing or live.
func (s State) IsActive() bool {
	switch s {
	case StateInviteSent, StateInviteReceived, StateRinging, StateConnected, StateOnHold:
		return true
	}
	return false
}

type MediaKind string

const (
	Voice MediaKind = "voice"
	Video MediaKind = "video"
)

// ParseMediaKind accepts the wire names voice and video.
func ParseMediaKind(s string) (MediaKind, bool) {
	switch MediaKind(s) {
	case Voice, Video:
		return MediaKind(s), true
	}
	return "", false
}

// Quality is an advisory link rating derived from ICE state.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityVeryPoor  Quality = "very_poor"
)

// LocalUserID is the participant id of this device within its own calls.
const LocalUserID = "local"

type Participant struct {
	UserID          string             `json:"user_id"`
	DeviceID        string             `json:"device_id,omitempty"`
	DisplayName     string             `json:"display_name,omitempty"`
	Avatar          string             `json:"avatar,omitempty"`
	Muted           bool               `json:"muted"`
	VideoEnabled    bool               `json:"video_enabled"`
	Speaking        bool               `json:"speaking,omitempty"`
	AudioLevel      float64            `json:"audio_level,omitempty"`
	ConnectionState transport.ICEState `json:"connection_state,omitempty"`
}

// Call is a point-in-time copy of a call's observable fields.
type Call struct {
	ID              string        `json:"call_id"`
	ConversationID  string        `json:"conversation_id"`
	MediaKind       MediaKind     `json:"media_kind"`
	IsInitiator     bool          `json:"is_initiator"`
	State           State         `json:"state"`
	Participants    []Participant `json:"participants"`
	StartTime       time.Time     `json:"start_time,omitempty"`
	EndTime         time.Time     `json:"end_time,omitempty"`
	Duration        time.Duration `json:"duration"`
	Quality         Quality       `json:"quality,omitempty"`
	IsRecording     bool          `json:"is_recording"`
	IsScreenSharing bool          `json:"is_screen_sharing"`
	HangupReason    string        `json:"hangup_reason,omitempty"`
}

// Participant returns the participant with userID.
func (c Call) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}
