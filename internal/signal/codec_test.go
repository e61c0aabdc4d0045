package signal

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/roomcall/internal/callerr"
	"github.com/petervdpas/roomcall/internal/channel/memory"
	"github.com/petervdpas/roomcall/internal/transport"
)

func TestEncodeStampsVersion(t *testing.T) {
	kind, raw, err := Encode(&Hangup{Header: Header{CallID: "c1"}, Reason: ReasonUserHangup})
	require.NoError(t, err)
	assert.Equal(t, KindHangup, kind)
	assert.JSONEq(t, `{"call_id":"c1","version":"1","reason":"user_hangup"}`, string(raw))
}

func TestEncodeRejects(t *testing.T) {
	_, _, err := Encode(&Hangup{})
	assert.Error(t, err)
	_, _, err = Encode(&Unknown{Header: Header{CallID: "c1"}, Type: "m.call.other"})
	assert.Error(t, err)
}

func TestDecodeInvite(t *testing.T) {
	raw := json.RawMessage(`{
		"call_id": "c1",
		"party_id": "DEV1",
		"version": "1",
		"offer": {"sdp": "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\n"},
		"lifetime": 60000
	}`)
	m := Decode(string(KindInvite), raw)
	inv, ok := m.(*Invite)
	require.True(t, ok, "got %T", m)
	assert.Equal(t, "c1", inv.CallID)
	assert.Equal(t, "DEV1", inv.PartyID)
	assert.Equal(t, MediaVideo, inv.MediaKind, "media kind inferred from the offer")
	assert.Equal(t, transport.TypeOffer, inv.Offer.Type)
	assert.EqualValues(t, 60000, inv.Lifetime)
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
		raw  string
	}{
		{"bad json", KindHangup, `{"call_id":`},
		{"missing call id", KindHangup, `{"reason":"x"}`},
		{"invite without offer", KindInvite, `{"call_id":"c1","media_kind":"voice"}`},
		{"bad media kind", KindInvite, `{"call_id":"c1","media_kind":"hologram","offer":{"sdp":"v=0"}}`},
		{"answer without sdp", KindAnswer, `{"call_id":"c1","media_kind":"voice","answer":{}}`},
		{"answer without media kind", KindAnswer, `{"call_id":"c1","answer":{"sdp":"v=0"}}`},
		{"select_answer without conversation", KindSelectAnswer, `{"call_id":"c1","selected_party_id":"DEV1"}`},
		{"negotiate bad type", KindNegotiate, `{"call_id":"c1","description":{"type":"pranswer","sdp":"v=0"}}`},
		{"dtmf without tone", KindDTMF, `{"call_id":"c1","conversation_id":"r"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Decode(string(tc.kind), json.RawMessage(tc.raw))
			mf, ok := m.(*Malformed)
			require.True(t, ok, "got %T", m)
			assert.Equal(t, tc.kind, mf.Kind())
			assert.Error(t, mf.Err)
		})
	}
}

func TestDecodeAnswerAndSelectAnswer(t *testing.T) {
	ans, ok := Decode(string(KindAnswer), json.RawMessage(`{"call_id":"c1","media_kind":"video","answer":{"sdp":"v=0"}}`)).(*Answer)
	require.True(t, ok)
	assert.Equal(t, MediaVideo, ans.MediaKind)
	assert.Equal(t, transport.TypeAnswer, ans.Answer.Type)

	sel, ok := Decode(string(KindSelectAnswer), json.RawMessage(`{"call_id":"c1","conversation_id":"room","selected_party_id":"DEV1"}`)).(*SelectAnswer)
	require.True(t, ok)
	assert.Equal(t, "room", sel.ConversationID)
	assert.Equal(t, "DEV1", sel.SelectedPartyID)
}

func TestDecodeUnknownKeepsHeader(t *testing.T) {
	m := Decode("m.call.sdp_stream_metadata_changed", json.RawMessage(`{"call_id":"c9","conf_id":"room"}`))
	u, ok := m.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, "c9", u.CallID)
	assert.Equal(t, "room", u.ConfID)
	assert.Equal(t, Kind("m.call.sdp_stream_metadata_changed"), u.Kind())
}

func TestRoundTripGroupHeader(t *testing.T) {
	in := &Candidates{
		Header:     Header{CallID: "c1", ConfID: "room", Invitee: "@bob"},
		Candidates: []transport.Candidate{{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}},
	}
	kind, raw, err := Encode(in)
	require.NoError(t, err)

	out, ok := Decode(string(kind), raw).(*Candidates)
	require.True(t, ok)
	assert.Equal(t, "room", out.ConfID)
	assert.Equal(t, "@bob", out.Invitee)
	assert.Equal(t, in.Candidates, out.Candidates)
}

func TestInferMediaKind(t *testing.T) {
	assert.Equal(t, MediaVoice, InferMediaKind("v=0\r\nm=audio 9 RTP 0\r\n"))
	assert.Equal(t, MediaVideo, InferMediaKind("v=0\r\nm=audio 9 RTP 0\r\nm=video 9 RTP 96\r\n"))
}

func TestOutboxStampsPartyID(t *testing.T) {
	hub := memory.NewHub()
	alice := hub.Join("alice")
	bob := hub.Join("bob")
	envs, cancel := bob.Subscribe()
	defer cancel()

	out := NewOutbox(alice, "ALICEDEV")
	assert.Equal(t, "alice", out.SelfID())
	require.NoError(t, out.Send(context.Background(), "room", &Reject{Header: Header{CallID: "c1"}}))

	env := <-envs
	assert.Equal(t, "room", env.ConversationID)
	assert.Equal(t, "alice", env.Sender)
	rej, ok := Decode(env.Kind, env.Payload).(*Reject)
	require.True(t, ok)
	assert.Equal(t, "ALICEDEV", rej.PartyID)
	assert.Equal(t, Version, rej.Version)
}

func TestOutboxSendFailure(t *testing.T) {
	hub := memory.NewHub()
	alice := hub.Join("alice")
	require.NoError(t, alice.Close())

	err := NewOutbox(alice, "D").Send(context.Background(), "room", &Hangup{Header: Header{CallID: "c1"}})
	assert.ErrorIs(t, err, callerr.ErrSignaling)
	assert.ErrorIs(t, err, memory.ErrClosed)
}
