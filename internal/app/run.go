// Package app assembles a roomcall node from its config: signaling channel,
// capture devices, peer transport, engine, history, archive and API.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/roomcall/internal/api"
	"github.com/petervdpas/roomcall/internal/archive"
	"github.com/petervdpas/roomcall/internal/channel"
	"github.com/petervdpas/roomcall/internal/channel/matrix"
	"github.com/petervdpas/roomcall/internal/channel/memory"
	"github.com/petervdpas/roomcall/internal/channel/p2p"
	"github.com/petervdpas/roomcall/internal/config"
	"github.com/petervdpas/roomcall/internal/engine"
	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/history"
	"github.com/petervdpas/roomcall/internal/media/devices"
	"github.com/petervdpas/roomcall/internal/metrics"
	"github.com/petervdpas/roomcall/internal/recording"
	"github.com/petervdpas/roomcall/internal/transport"
	"github.com/petervdpas/roomcall/internal/transport/pionrtc"
	"github.com/petervdpas/roomcall/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// Run serves one node until ctx is done.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	setLogLevel(cfg.Log.Level)

	deviceID := cfg.Identity.DeviceID
	if deviceID == "" {
		deviceID = strings.ToUpper(uuid.NewString()[:8])
		log.Infof("no device_id configured, using %s for this run", deviceID)
	}

	// ── Signaling channel
	ch, err := openChannel(ctx, opt.Dir, cfg)
	if err != nil {
		return fmt.Errorf("signaling: %w", err)
	}
	defer ch.Close()

	// ── Media + transport
	dev, err := devices.New(cfg.Call.VideoBitRate)
	if err != nil {
		return fmt.Errorf("capture devices: %w", err)
	}
	tf, err := pionrtc.New(pionrtc.Options{
		DisconnectedTimeout: seconds(cfg.ICE.DisconnectedTimeout),
		FailedTimeout:       seconds(cfg.ICE.FailedTimeout),
		KeepAliveInterval:   seconds(cfg.ICE.KeepAliveInterval),
	})
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	bus := events.NewBus()
	defer metrics.Attach(bus)()

	// ── History
	var hist *history.DB
	if cfg.History.Enabled {
		hist, err = history.Open(util.ResolvePath(opt.Dir, cfg.History.Path))
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer hist.Close()
		id := hist.Attach(bus)
		defer bus.Off(events.CallStateChanged, id)
	}

	// ── Engine
	eng := engine.New(engine.Options{
		Channel:        ch,
		Transports:     tf,
		Device:         dev,
		Bus:            bus,
		DeviceID:       deviceID,
		ICEServers:     iceServers(cfg.ICE.Servers),
		InviteTimeout:  cfg.Call.InviteTimeout(),
		CandidateBatch: cfg.Call.CandidateBatch(),
		DurationTick:   cfg.Call.DurationTick(),
		Recording: recording.Config{
			FlushInterval: cfg.Recording.FlushInterval(),
			Preferred:     cfg.Recording.Preferred,
		},
	})
	defer eng.Close()

	// ── Archive
	store, err := openArchive(ctx, opt.Dir, cfg.Recording)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if store != nil {
		defer archive.Attach(bus, store, hist)()
	}

	// ── Hot reload
	if opt.CfgPath != "" {
		if err := config.Watch(ctx, opt.CfgPath, func(c config.Config) {
			eng.SetICEServers(iceServers(c.ICE.Servers))
			setLogLevel(c.Log.Level)
		}); err != nil {
			log.Warnf("config hot reload disabled: %v", err)
		}
	}

	// ── API
	if cfg.API.Addr != "" {
		srv := api.New(eng, api.Options{
			History:     hist,
			Metrics:     cfg.API.Metrics,
			EventBuffer: cfg.API.EventBuffer,
		})
		defer srv.Close()
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.API.Addr); err != nil {
				log.Errorf("API server: %v", err)
			}
		}()
	}

	log.Infof("roomcall node %s (device %s) ready on %s signaling", eng.SelfID(), deviceID, cfg.Signaling.Backend)
	err = eng.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openChannel(ctx context.Context, dir string, cfg config.Config) (channel.Channel, error) {
	switch cfg.Signaling.Backend {
	case config.BackendMemory:
		return memory.NewHub().Join(cfg.Identity.UserID), nil

	case config.BackendMatrix:
		m := cfg.Signaling.Matrix
		return matrix.New(ctx, matrix.Options{
			Homeserver:  m.Homeserver,
			UserID:      m.UserID,
			DeviceID:    m.DeviceID,
			AccessToken: m.AccessToken,
		})

	case config.BackendP2P:
		p := cfg.Signaling.P2P
		return p2p.New(ctx, p2p.Options{
			ListenPort: p.ListenPort,
			KeyFile:    util.ResolvePath(dir, p.KeyFile),
			MdnsTag:    p.MdnsTag,
			Bootstrap:  p.Bootstrap,
			Rooms:      p.Rooms,
		})
	}
	return nil, fmt.Errorf("unknown signaling backend %q", cfg.Signaling.Backend)
}

func openArchive(ctx context.Context, dir string, rc config.Recording) (archive.Store, error) {
	switch rc.Archive {
	case "", config.ArchiveNone:
		return nil, nil

	case config.ArchiveFile:
		var key []byte
		if rc.KeyFile != "" {
			k, err := archive.LoadOrCreateKey(util.ResolvePath(dir, rc.KeyFile))
			if err != nil {
				return nil, err
			}
			key = k
		}
		return archive.NewFileStore(util.ResolvePath(dir, rc.Dir), key)

	case config.ArchiveMinio:
		m := rc.Minio
		return archive.NewMinioStore(ctx, archive.MinioOptions{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			UseSSL:    m.UseSSL,
		})
	}
	return nil, fmt.Errorf("unknown archive backend %q", rc.Archive)
}

func iceServers(in []config.ICEServer) []transport.ICEServer {
	out := make([]transport.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, transport.ICEServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func setLogLevel(level string) {
	if level == "" {
		return
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnf("unknown log level %q", level)
		return
	}
	logging.SetAllLoggers(lvl)
	// libp2p dial noise stays quiet regardless.
	_ = logging.SetLogLevel("swarm2", "error")
}
