package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/roomcall/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	ICE       ICE       `json:"ice"`
	Call      Call      `json:"call"`
	Recording Recording `json:"recording"`
	History   History   `json:"history"`
	API       API       `json:"api"`
	Log       Log       `json:"log"`
}

type Identity struct {
	// UserID names this user on the signaling channel. The matrix backend
	// overrides it with the account's user id.
	UserID string `json:"user_id"`
	// DeviceID is sent as party_id so the callee's devices can be told apart.
	DeviceID string `json:"device_id"`
}

// Signaling backends.
const (
	BackendMemory = "memory"
	BackendMatrix = "matrix"
	BackendP2P    = "p2p"
)

type Signaling struct {
	Backend string `json:"backend"`
	Matrix  Matrix `json:"matrix"`
	P2P     P2P    `json:"p2p"`
}

type Matrix struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	AccessToken string `json:"access_token"`
}

type P2P struct {
	KeyFile    string   `json:"key_file"`
	ListenPort int      `json:"listen_port"`
	MdnsTag    string   `json:"mdns_tag"`
	Bootstrap  []string `json:"bootstrap"`
	// Rooms are joined at startup; others are joined on first use.
	Rooms []string `json:"rooms"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICE struct {
	// Servers is hot-reloaded from disk.
	Servers             []ICEServer `json:"servers"`
	DisconnectedTimeout int         `json:"disconnected_timeout_seconds"`
	FailedTimeout       int         `json:"failed_timeout_seconds"`
	KeepAliveInterval   int         `json:"keepalive_interval_seconds"`
}

type Call struct {
	InviteTimeoutSec int `json:"invite_timeout_seconds"`
	CandidateBatchMs int `json:"candidate_batch_ms"`
	DurationTickMs   int `json:"duration_tick_ms"`
	VideoBitRate     int `json:"video_bitrate"`
}

// Archive backends.
const (
	ArchiveNone  = "none"
	ArchiveFile  = "file"
	ArchiveMinio = "minio"
)

type Recording struct {
	FlushIntervalMs int      `json:"flush_interval_ms"`
	Preferred       []string `json:"preferred_mime_types"`
	Archive         string   `json:"archive"`
	Dir             string   `json:"dir"`
	// KeyFile holds a 32-byte key; when set, file archives are sealed.
	KeyFile string `json:"key_file"`
	Minio   Minio  `json:"minio"`
}

type Minio struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	UseSSL    bool   `json:"use_ssl"`
}

type History struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type API struct {
	// Addr is the listen address; empty disables the HTTP API.
	Addr    string `json:"addr"`
	Metrics bool   `json:"metrics"`
	// EventBuffer is the number of recent events replayed to new stream
	// subscribers.
	EventBuffer int `json:"event_buffer"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			UserID: "local-user",
		},
		Signaling: Signaling{
			Backend: BackendP2P,
			P2P: P2P{
				KeyFile: "data/identity.key",
				MdnsTag: "roomcall-mdns",
			},
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			DisconnectedTimeout: 30,
			FailedTimeout:       120,
			KeepAliveInterval:   2,
		},
		Call: Call{
			InviteTimeoutSec: 60,
			CandidateBatchMs: 100,
			DurationTickMs:   1000,
			VideoBitRate:     1_500_000,
		},
		Recording: Recording{
			FlushIntervalMs: 1000,
			Archive:         ArchiveNone,
			Dir:             "data/recordings",
		},
		History: History{
			Enabled: true,
			Path:    "data/history.db",
		},
		API: API{
			Addr:        "127.0.0.1:8989",
			Metrics:     true,
			EventBuffer: 100,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.UserID) == "" && c.Signaling.Backend != BackendMatrix {
		return errors.New("identity.user_id is required")
	}

	switch c.Signaling.Backend {
	case BackendMemory:
	case BackendMatrix:
		m := c.Signaling.Matrix
		if err := validateURL(m.Homeserver); err != nil {
			return fmt.Errorf("signaling.matrix.homeserver: %w", err)
		}
		if strings.TrimSpace(m.UserID) == "" {
			return errors.New("signaling.matrix.user_id is required")
		}
		if strings.TrimSpace(m.AccessToken) == "" {
			return errors.New("signaling.matrix.access_token is required")
		}
	case BackendP2P:
		p := c.Signaling.P2P
		if strings.TrimSpace(p.KeyFile) == "" {
			return errors.New("signaling.p2p.key_file is required")
		}
		if p.ListenPort < 0 || p.ListenPort > 65535 {
			return errors.New("signaling.p2p.listen_port must be 0..65535")
		}
		if strings.TrimSpace(p.MdnsTag) == "" {
			return errors.New("signaling.p2p.mdns_tag is required")
		}
	default:
		return fmt.Errorf("signaling.backend must be %s, %s or %s", BackendMemory, BackendMatrix, BackendP2P)
	}

	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls is required", i)
		}
	}
	if c.ICE.DisconnectedTimeout < 0 || c.ICE.FailedTimeout < 0 || c.ICE.KeepAliveInterval < 0 {
		return errors.New("ice timeouts must be >= 0")
	}

	if c.Call.InviteTimeoutSec < 0 {
		return errors.New("call.invite_timeout_seconds must be >= 0")
	}
	if c.Call.CandidateBatchMs < 0 {
		return errors.New("call.candidate_batch_ms must be >= 0")
	}
	if c.Call.DurationTickMs <= 0 {
		return errors.New("call.duration_tick_ms must be > 0")
	}

	if c.Recording.FlushIntervalMs <= 0 {
		return errors.New("recording.flush_interval_ms must be > 0")
	}
	switch c.Recording.Archive {
	case "", ArchiveNone:
	case ArchiveFile:
		if strings.TrimSpace(c.Recording.Dir) == "" {
			return errors.New("recording.dir is required for the file archive")
		}
	case ArchiveMinio:
		m := c.Recording.Minio
		if strings.TrimSpace(m.Endpoint) == "" || strings.TrimSpace(m.Bucket) == "" {
			return errors.New("recording.minio.endpoint and bucket are required")
		}
	default:
		return fmt.Errorf("recording.archive must be %s, %s or %s", ArchiveNone, ArchiveFile, ArchiveMinio)
	}

	if c.History.Enabled && strings.TrimSpace(c.History.Path) == "" {
		return errors.New("history.path is required when history is enabled")
	}

	if a := c.API.Addr; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("api.addr: %w", err)
		}
	}
	if c.API.EventBuffer < 0 {
		return errors.New("api.event_buffer must be >= 0")
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c Call) InviteTimeout() time.Duration  { return time.Duration(c.InviteTimeoutSec) * time.Second }
func (c Call) CandidateBatch() time.Duration { return ms(c.CandidateBatchMs) }
func (c Call) DurationTick() time.Duration   { return ms(c.DurationTickMs) }

func (r Recording) FlushInterval() time.Duration { return ms(r.FlushIntervalMs) }

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
