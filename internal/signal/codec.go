// Package signal encodes and decodes the m.call.* room events that carry
// call signaling.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/petervdpas/roomcall/internal/transport"
)

// Kind is the room event type of a signaling message.
type Kind string

const (
	KindInvite       Kind = "m.call.invite"
	KindCandidates   Kind = "m.call.candidates"
	KindAnswer       Kind = "m.call.answer"
	KindHangup       Kind = "m.call.hangup"
	KindReject       Kind = "m.call.reject"
	KindSelectAnswer Kind = "m.call.select_answer"
	KindNegotiate    Kind = "m.call.negotiate"
	KindDTMF         Kind = "m.call.dtmf"
)

// Version is stamped on every outbound message.
const Version = "1"

// Media kinds on the wire.
const (
	MediaVoice = "voice"
	MediaVideo = "video"
)

// Hangup reasons.
const (
	ReasonUserHangup        = "user_hangup"
	ReasonCallEnded         = "call_ended"
	ReasonInviteTimeout     = "invite_timeout"
	ReasonICEFailed         = "ice_failed"
	ReasonAnsweredElsewhere = "answered_elsewhere"
	ReasonRejected          = "rejected"
	ReasonUserMediaFailed   = "user_media_failed"
	ReasonUnknownError      = "unknown_error"
)

// Header holds the fields every call event carries. ConfID and Invitee are
// set only on group-call mesh traffic.
type Header struct {
	CallID  string `json:"call_id"`
	PartyID string `json:"party_id,omitempty"`
	Version string `json:"version,omitempty"`
	ConfID  string `json:"conf_id,omitempty"`
	Invitee string `json:"invitee,omitempty"`
}

func (h *Header) Head() *Header { return h }

// Message is a decoded signaling event. The concrete type is one of
// *Invite, *Candidates, *Answer, *Hangup, *Reject, *SelectAnswer,
// *Negotiate, *DTMF, *Unknown or *Malformed.
type Message interface {
	Kind() Kind
	Head() *Header
}

type Invite struct {
	Header
	MediaKind string                `json:"media_kind"`
	Offer     transport.Description `json:"offer"`
	Lifetime  int64                 `json:"lifetime,omitempty"`
}

type Candidates struct {
	Header
	Candidates []transport.Candidate `json:"candidates"`
}

type Answer struct {
	Header
	MediaKind string                `json:"media_kind"`
	Answer    transport.Description `json:"answer"`
}

type Hangup struct {
	Header
	Reason string `json:"reason"`
}

type Reject struct {
	Header
	Reason string `json:"reason,omitempty"`
}

type SelectAnswer struct {
	Header
	ConversationID  string `json:"conversation_id"`
	SelectedPartyID string `json:"selected_party_id,omitempty"`
}

type Negotiate struct {
	Header
	Description transport.Description `json:"description"`
}

type DTMF struct {
	Header
	ConversationID string `json:"conversation_id"`
	Tone           string `json:"tone"`
	DurationMs     int    `json:"duration_ms,omitempty"`
}

// Unknown is an event whose kind this engine does not interpret.
type Unknown struct {
	Header
	Type string
	Raw  json.RawMessage
}

// Malformed is an event of a known kind that failed validation.
type Malformed struct {
	Header
	Type string
	Raw  json.RawMessage
	Err  error
}

func (*Invite) Kind() Kind       { return KindInvite }
func (*Candidates) Kind() Kind   { return KindCandidates }
func (*Answer) Kind() Kind       { return KindAnswer }
func (*Hangup) Kind() Kind       { return KindHangup }
func (*Reject) Kind() Kind       { return KindReject }
func (*SelectAnswer) Kind() Kind { return KindSelectAnswer }
func (*Negotiate) Kind() Kind    { return KindNegotiate }
func (*DTMF) Kind() Kind         { return KindDTMF }
func (m *Unknown) Kind() Kind    { return Kind(m.Type) }
func (m *Malformed) Kind() Kind  { return Kind(m.Type) }

var (
	errMissingCallID = errors.New("missing call_id")
	errNotEncodable  = errors.New("signal: unknown and malformed messages cannot be encoded")
)

// Decode parses one room event. It never fails: unknown kinds come back as
// *Unknown and invalid payloads of known kinds as *Malformed.
func Decode(kind string, raw json.RawMessage) Message {
	var m Message
	switch Kind(kind) {
	case KindInvite:
		m = &Invite{}
	case KindCandidates:
		m = &Candidates{}
	case KindAnswer:
		m = &Answer{}
	case KindHangup:
		m = &Hangup{}
	case KindReject:
		m = &Reject{}
	case KindSelectAnswer:
		m = &SelectAnswer{}
	case KindNegotiate:
		m = &Negotiate{}
	case KindDTMF:
		m = &DTMF{}
	default:
		u := &Unknown{Type: kind, Raw: raw}
		_ = json.Unmarshal(raw, &u.Header)
		return u
	}

	malformed := func(err error) Message {
		mf := &Malformed{Type: kind, Raw: raw, Err: err}
		_ = json.Unmarshal(raw, &mf.Header)
		return mf
	}

	if err := json.Unmarshal(raw, m); err != nil {
		return malformed(err)
	}
	if m.Head().CallID == "" {
		return malformed(errMissingCallID)
	}
	if err := validate(m); err != nil {
		return malformed(err)
	}
	return m
}

func validate(m Message) error {
	switch v := m.(type) {
	case *Invite:
		if v.Offer.SDP == "" {
			return errors.New("missing offer")
		}
		if v.Offer.Type == "" {
			v.Offer.Type = transport.TypeOffer
		}
		if v.MediaKind == "" {
			v.MediaKind = InferMediaKind(v.Offer.SDP)
		}
		if v.MediaKind != MediaVoice && v.MediaKind != MediaVideo {
			return fmt.Errorf("bad media_kind %q", v.MediaKind)
		}
	case *Answer:
		if v.Answer.SDP == "" {
			return errors.New("missing answer")
		}
		if v.Answer.Type == "" {
			v.Answer.Type = transport.TypeAnswer
		}
		if v.MediaKind != MediaVoice && v.MediaKind != MediaVideo {
			return fmt.Errorf("bad media_kind %q", v.MediaKind)
		}
	case *SelectAnswer:
		if v.ConversationID == "" {
			return errors.New("missing conversation_id")
		}
	case *Negotiate:
		if v.Description.SDP == "" {
			return errors.New("missing description")
		}
		if v.Description.Type != transport.TypeOffer && v.Description.Type != transport.TypeAnswer {
			return fmt.Errorf("bad description type %q", v.Description.Type)
		}
	case *DTMF:
		if v.Tone == "" {
			return errors.New("missing tone")
		}
	}
	return nil
}

// InferMediaKind reports video when the SDP carries a video m-line.
func InferMediaKind(sdp string) string {
	for _, line := range strings.Split(sdp, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "m=video") {
			return MediaVideo
		}
	}
	return MediaVoice
}

// Encode serializes m for sending, stamping the protocol version.
func Encode(m Message) (Kind, json.RawMessage, error) {
	switch m.(type) {
	case *Unknown, *Malformed, nil:
		return "", nil, errNotEncodable
	}
	if m.Head().CallID == "" {
		return "", nil, errMissingCallID
	}
	if m.Head().Version == "" {
		m.Head().Version = Version
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", nil, err
	}
	return m.Kind(), b, nil
}
