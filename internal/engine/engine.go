// Package engine is the call engine's single entry point. It owns the
// one-to-one and group managers, their recorders and the event bus, and
// dispatches inbound signaling from the channel to them.
package engine

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/roomcall/internal/call"
	"github.com/petervdpas/roomcall/internal/channel"
	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/group"
	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/metrics"
	"github.com/petervdpas/roomcall/internal/recording"
	"github.com/petervdpas/roomcall/internal/signal"
	"github.com/petervdpas/roomcall/internal/transport"
)

var log = logging.Logger("engine")

const joinTimeout = 10 * time.Second

type Options struct {
	Channel    channel.Channel
	Transports transport.Factory
	Device     media.Device
	// Bus is created when nil.
	Bus *events.Bus

	// DeviceID is stamped as party_id on outbound signaling.
	DeviceID   string
	ICEServers []transport.ICEServer

	InviteTimeout  time.Duration
	CandidateBatch time.Duration
	DurationTick   time.Duration

	Recording recording.Config
}

// Engine is safe for concurrent use.
type Engine struct {
	ch     channel.Channel
	out    *signal.Outbox
	bus    *events.Bus
	calls  *call.Manager
	groups *group.Manager

	callRec  *recording.Manager
	groupRec *recording.Manager

	iceMu sync.RWMutex
	ice   []transport.ICEServer

	// createMu makes the check-then-create of group calls atomic.
	createMu sync.Mutex

	closeOnce sync.Once
}

func New(opts Options) *Engine {
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	e := &Engine{
		ch:  opts.Channel,
		out: signal.NewOutbox(metrics.Channel(opts.Channel), opts.DeviceID),
		bus: bus,
		ice: append([]transport.ICEServer(nil), opts.ICEServers...),
	}

	e.calls = call.New(e.out, opts.Transports, opts.Device, bus, call.Config{
		ICE:            e.transportConfig,
		InviteTimeout:  opts.InviteTimeout,
		CandidateBatch: opts.CandidateBatch,
		DurationTick:   opts.DurationTick,
		DeviceID:       opts.DeviceID,
	})
	e.groups = group.New(e.out, opts.Transports, opts.Device, bus, group.Config{
		ICE:            e.transportConfig,
		CandidateBatch: opts.CandidateBatch,
		DeviceID:       opts.DeviceID,
	})

	e.callRec = recording.NewManager(e.calls, bus, opts.Recording)
	e.groupRec = recording.NewManager(e.groups, bus, opts.Recording)
	e.calls.OnCleanup(e.callRec.Release)
	e.groups.OnCleanup(e.groupRec.Release)
	return e
}

func (e *Engine) Bus() *events.Bus { return e.bus }

// SelfID is the user identity this engine signals as.
func (e *Engine) SelfID() string { return e.out.SelfID() }

func (e *Engine) transportConfig() transport.Config {
	e.iceMu.RLock()
	defer e.iceMu.RUnlock()
	return transport.Config{ICEServers: append([]transport.ICEServer(nil), e.ice...)}
}

// SetICEServers replaces the server list used by sessions created from now on.
func (e *Engine) SetICEServers(servers []transport.ICEServer) {
	e.iceMu.Lock()
	e.ice = append([]transport.ICEServer(nil), servers...)
	e.iceMu.Unlock()
	log.Infof("ICE servers updated (%d)", len(servers))
}

func (e *Engine) ICEServers() []transport.ICEServer {
	return e.transportConfig().ICEServers
}

// Run dispatches inbound signaling until ctx is done or the channel closes.
// Each envelope is handled on its own goroutine.
func (e *Engine) Run(ctx context.Context) error {
	envs, cancel := e.ch.Subscribe()
	defer cancel()

	log.Infof("dispatching signaling for %s", e.out.SelfID())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-envs:
			if !ok {
				return nil
			}
			go e.dispatch(ctx, env)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, env *channel.Envelope) {
	msg := signal.Decode(env.Kind, env.Payload)
	kind := string(msg.Kind())
	if _, ok := msg.(*signal.Unknown); ok {
		kind = "unknown"
	}
	metrics.Inbound(kind)

	if h := msg.Head(); h != nil && h.ConfID != "" {
		e.groups.Handle(ctx, env, msg)
		return
	}
	e.calls.Handle(ctx, env, msg)
}

// join subscribes to conversationID on channels that need it.
func (e *Engine) join(ctx context.Context, conversationID string) {
	j, ok := e.ch.(channel.Joiner)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()
	if err := j.Join(ctx, conversationID); err != nil {
		log.Warnf("[%s] join conversation: %v", conversationID, err)
	}
}

// On registers a listener on the engine's bus.
func (e *Engine) On(name events.Name, fn events.Listener) events.ListenerID {
	return e.bus.On(name, fn)
}

// OnCall registers a listener that is dropped when callID is cleaned up.
func (e *Engine) OnCall(callID string, name events.Name, fn events.Listener) events.ListenerID {
	return e.bus.OnScoped(callID, name, fn)
}

func (e *Engine) Off(name events.Name, id events.ListenerID) {
	e.bus.Off(name, id)
}

// Close hangs up every call, leaves every group call and stops every
// recorder.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.calls.Close()
		e.groups.Close()
		e.callRec.Close()
		e.groupRec.Close()
	})
}
