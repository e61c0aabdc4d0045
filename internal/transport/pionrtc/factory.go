// Package pionrtc implements transport.Session on Pion WebRTC.
package pionrtc

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/roomcall/internal/transport"
)

var log = logging.Logger("pionrtc")

// Options tune the ICE agent. Zero values keep the defaults below.
type Options struct {
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// Generous timeouts so a short relay or NAT hiccup does not end the call.
const (
	defaultDisconnected = 30 * time.Second
	defaultFailed       = 120 * time.Second
	defaultKeepAlive    = 2 * time.Second
)

var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun2.l.google.com:19302"}},
}

// Factory builds peer connections sharing one configured API.
type Factory struct {
	api *webrtc.API
}

func New(opts Options) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	if opts.DisconnectedTimeout <= 0 {
		opts.DisconnectedTimeout = defaultDisconnected
	}
	if opts.FailedTimeout <= 0 {
		opts.FailedTimeout = defaultFailed
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = defaultKeepAlive
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)

	return &Factory{api: webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)}, nil
}

// NewSession opens a peer connection. An empty server list falls back to
// public STUN.
func (f *Factory) NewSession(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	servers := defaultICEServers
	if len(cfg.ICEServers) > 0 {
		servers = make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
		for _, s := range cfg.ICEServers {
			is := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
			if s.Credential != "" {
				is.Credential = s.Credential
			}
			servers = append(servers, is)
		}
	}

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}
	return newSession(pc), nil
}
