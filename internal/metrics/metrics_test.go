package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/roomcall/internal/channel/memory"
	"github.com/petervdpas/roomcall/internal/events"
)

func TestAttachCountsCallLifecycle(t *testing.T) {
	bus := events.NewBus()
	detach := Attach(bus)
	defer detach()

	active := testutil.ToFloat64(CallsActive)
	outgoing := testutil.ToFloat64(CallsTotal.WithLabelValues("outgoing"))
	failed := testutil.ToFloat64(CallOutcomesTotal.WithLabelValues("FAILED", "ice_failed"))

	bus.Emit(events.Event{Name: events.CallStateChanged, Data: events.StateChange{To: "SETUP", Initiator: true}})
	assert.Equal(t, active+1, testutil.ToFloat64(CallsActive))
	assert.Equal(t, outgoing+1, testutil.ToFloat64(CallsTotal.WithLabelValues("outgoing")))

	bus.Emit(events.Event{Name: events.CallStateChanged, Data: events.StateChange{From: "SETUP", To: "FAILED", Reason: "ice_failed"}})
	assert.Equal(t, active, testutil.ToFloat64(CallsActive))
	assert.Equal(t, failed+1, testutil.ToFloat64(CallOutcomesTotal.WithLabelValues("FAILED", "ice_failed")))
}

func TestAttachCountsDTMFAndCandidates(t *testing.T) {
	bus := events.NewBus()
	detach := Attach(bus)

	inBand := testutil.ToFloat64(DTMFTotal.WithLabelValues(events.DTMFInBand))
	dropped := testutil.ToFloat64(CandidatesDroppedTotal)

	bus.Emit(events.Event{Name: events.CallDTMF, Data: events.DTMF{Tone: "1", Path: events.DTMFInBand}})
	bus.Emit(events.Event{Name: events.CallCandidatesDropped, Data: events.CandidatesDropped{Count: 3}})
	assert.Equal(t, inBand+1, testutil.ToFloat64(DTMFTotal.WithLabelValues(events.DTMFInBand)))
	assert.Equal(t, dropped+3, testutil.ToFloat64(CandidatesDroppedTotal))

	detach()
	bus.Emit(events.Event{Name: events.CallCandidatesDropped, Data: events.CandidatesDropped{Count: 3}})
	assert.Equal(t, dropped+3, testutil.ToFloat64(CandidatesDroppedTotal))
}

func TestChannelCountsSends(t *testing.T) {
	hub := memory.NewHub()
	ep := hub.Join("alice")
	ch := Channel(ep)
	assert.Equal(t, "alice", ch.SelfID())

	out := testutil.ToFloat64(SignalingMessagesTotal.WithLabelValues("m.call.invite", "out"))
	require.NoError(t, ch.Send(context.Background(), "room", "m.call.invite", []byte(`{}`)))
	assert.Equal(t, out+1, testutil.ToFloat64(SignalingMessagesTotal.WithLabelValues("m.call.invite", "out")))

	errs := testutil.ToFloat64(SignalingErrorsTotal.WithLabelValues("m.call.hangup"))
	require.NoError(t, ep.Close())
	err := ch.Send(context.Background(), "room", "m.call.hangup", []byte(`{}`))
	assert.True(t, errors.Is(err, memory.ErrClosed))
	assert.Equal(t, errs+1, testutil.ToFloat64(SignalingErrorsTotal.WithLabelValues("m.call.hangup")))
}
