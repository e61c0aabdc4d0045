package events

import "time"

type Incoming struct {
	From      string `json:"from"`
	MediaKind string `json:"media_kind"`
}

type StateChange struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	// Initiator and MediaKind let history and metrics classify terminal
	// transitions without a registry lookup.
	Initiator bool          `json:"initiator"`
	MediaKind string        `json:"media_kind,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	StartedAt time.Time     `json:"started_at,omitempty"`
}

type Duration struct {
	Duration time.Duration `json:"duration"`
}

type Quality struct {
	Quality string `json:"quality"`
}

// Participant actions.
const (
	Joined  = "joined"
	Removed = "removed"
	Updated = "updated"
)

type Participant struct {
	UserID string `json:"user_id"`
	Action string `json:"action"`
}

type ScreenShare struct {
	Active bool `json:"active"`
}

// DTMF paths.
const (
	DTMFInBand      = "in_band"
	DTMFSideChannel = "side_channel"
)

type DTMF struct {
	Tone string `json:"tone"`
	Path string `json:"path,omitempty"`
	From string `json:"from,omitempty"`
}

type CandidatesDropped struct {
	Count int `json:"count"`
}

type Recording struct {
	MimeType string        `json:"mime_type"`
	Size     int           `json:"size,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	// Blob is the finished recording on RecordingStopped.
	Blob []byte `json:"-"`
}
