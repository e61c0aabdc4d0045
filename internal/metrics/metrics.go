// Package metrics exports call engine counters to Prometheus.
package metrics

import (
	"context"
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petervdpas/roomcall/internal/channel"
	"github.com/petervdpas/roomcall/internal/events"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomcall_calls_active",
		Help: "Current number of one-to-one calls in the registry",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomcall_calls_total",
		Help: "Total number of one-to-one calls by direction",
	}, []string{"direction"}) // "outgoing", "incoming"

	CallOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomcall_call_outcomes_total",
		Help: "Total number of finished calls by final state and reason",
	}, []string{"state", "reason"})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "roomcall_call_duration_seconds",
		Help:    "Connected time of finished calls",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	GroupCallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomcall_group_calls_active",
		Help: "Current number of group calls",
	})

	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomcall_signaling_messages_total",
		Help: "Total number of signaling messages by kind and direction",
	}, []string{"kind", "direction"}) // "in", "out"

	SignalingErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomcall_signaling_errors_total",
		Help: "Total number of signaling messages that failed to send",
	}, []string{"kind"})

	CandidatesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomcall_candidates_dropped_total",
		Help: "Total number of remote ICE candidates dropped for lack of a session",
	})

	DTMFTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomcall_dtmf_tones_total",
		Help: "Total number of DTMF tones sent by path",
	}, []string{"path"})

	RecordingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomcall_recordings_total",
		Help: "Total number of finished recordings",
	})

	RecordingBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomcall_recording_bytes_total",
		Help: "Total bytes of finished recordings",
	})
)

// Attach feeds the collectors from bus events and returns a function that
// detaches them.
func Attach(bus *events.Bus) func() {
	type reg struct {
		name events.Name
		id   events.ListenerID
	}
	var regs []reg
	on := func(name events.Name, fn events.Listener) {
		regs = append(regs, reg{name, bus.On(name, fn)})
	}

	on(events.CallStateChanged, func(e events.Event) {
		sc, ok := e.Data.(events.StateChange)
		if !ok {
			return
		}
		switch {
		case sc.From == "":
			CallsActive.Inc()
			dir := "incoming"
			if sc.Initiator {
				dir = "outgoing"
			}
			CallsTotal.WithLabelValues(dir).Inc()
		case sc.To == "ENDED" || sc.To == "FAILED":
			CallsActive.Dec()
			CallOutcomesTotal.WithLabelValues(sc.To, sc.Reason).Inc()
			if !sc.StartedAt.IsZero() {
				CallDuration.Observe(sc.Duration.Seconds())
			}
		}
	})
	on(events.GroupStateChanged, func(e events.Event) {
		sc, ok := e.Data.(events.StateChange)
		if !ok {
			return
		}
		switch {
		case sc.From == "":
			GroupCallsActive.Inc()
		case sc.To == "ENDED" || sc.To == "FAILED":
			GroupCallsActive.Dec()
		}
	})
	on(events.CallCandidatesDropped, func(e events.Event) {
		if d, ok := e.Data.(events.CandidatesDropped); ok {
			CandidatesDroppedTotal.Add(float64(d.Count))
		}
	})
	on(events.CallDTMF, func(e events.Event) {
		if d, ok := e.Data.(events.DTMF); ok {
			DTMFTotal.WithLabelValues(d.Path).Inc()
		}
	})
	on(events.RecordingStopped, func(e events.Event) {
		RecordingsTotal.Inc()
		if r, ok := e.Data.(events.Recording); ok {
			RecordingBytes.Add(float64(r.Size))
		}
	})

	return func() {
		for _, r := range regs {
			bus.Off(r.name, r.id)
		}
	}
}

// Inbound counts one received signaling message.
func Inbound(kind string) {
	SignalingMessagesTotal.WithLabelValues(kind, "in").Inc()
}

// countingChannel counts outbound signaling on the wrapped channel.
type countingChannel struct {
	channel.Channel
}

// Channel wraps ch so every Send is counted. The wrapper hides optional
// interfaces such as channel.Joiner; check those on ch itself.
func Channel(ch channel.Channel) channel.Channel {
	return countingChannel{ch}
}

func (c countingChannel) Send(ctx context.Context, conversationID, kind string, payload json.RawMessage) error {
	err := c.Channel.Send(ctx, conversationID, kind, payload)
	if err != nil {
		SignalingErrorsTotal.WithLabelValues(kind).Inc()
		return err
	}
	SignalingMessagesTotal.WithLabelValues(kind, "out").Inc()
	return nil
}
