package signal

import (
	"context"

	"github.com/petervdpas/roomcall/internal/callerr"
	"github.com/petervdpas/roomcall/internal/channel"
)

// Outbox encodes messages and sends them on a channel, stamping this
// device's party id.
type Outbox struct {
	ch      channel.Channel
	partyID string
}

func NewOutbox(ch channel.Channel, partyID string) *Outbox {
	return &Outbox{ch: ch, partyID: partyID}
}

// PartyID identifies this device in select_answer and group mesh traffic.
func (o *Outbox) PartyID() string { return o.partyID }

// SelfID is the user identity of the underlying channel.
func (o *Outbox) SelfID() string { return o.ch.SelfID() }

func (o *Outbox) Send(ctx context.Context, conversationID string, m Message) error {
	if h := m.Head(); h != nil && h.PartyID == "" {
		h.PartyID = o.partyID
	}
	kind, payload, err := Encode(m)
	if err != nil {
		return callerr.New(callerr.CodeSignaling, "encode "+string(m.Kind()), err)
	}
	if err := o.ch.Send(ctx, conversationID, string(kind), payload); err != nil {
		return callerr.New(callerr.CodeSignaling, "send "+string(kind), err)
	}
	return nil
}
