package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.Call.InviteTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.Call.CandidateBatch())
	assert.Equal(t, time.Second, cfg.Recording.FlushInterval())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
	}{
		{"no user", func(c *Config) { c.Identity.UserID = " " }},
		{"unknown backend", func(c *Config) { c.Signaling.Backend = "smtp" }},
		{"matrix without homeserver", func(c *Config) {
			c.Signaling.Backend = BackendMatrix
			c.Signaling.Matrix = Matrix{UserID: "@a:x", AccessToken: "t"}
		}},
		{"matrix bad scheme", func(c *Config) {
			c.Signaling.Backend = BackendMatrix
			c.Signaling.Matrix = Matrix{Homeserver: "ftp://x", UserID: "@a:x", AccessToken: "t"}
		}},
		{"p2p port", func(c *Config) { c.Signaling.P2P.ListenPort = 70000 }},
		{"ice server without urls", func(c *Config) { c.ICE.Servers = []ICEServer{{}} }},
		{"negative invite timeout", func(c *Config) { c.Call.InviteTimeoutSec = -1 }},
		{"zero tick", func(c *Config) { c.Call.DurationTickMs = 0 }},
		{"zero flush", func(c *Config) { c.Recording.FlushIntervalMs = 0 }},
		{"unknown archive", func(c *Config) { c.Recording.Archive = "tape" }},
		{"minio without bucket", func(c *Config) {
			c.Recording.Archive = ArchiveMinio
			c.Recording.Minio.Endpoint = "localhost:9000"
		}},
		{"history without path", func(c *Config) { c.History.Path = "" }},
		{"bad api addr", func(c *Config) { c.API.Addr = "nohostport" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mod(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateMatrix(t *testing.T) {
	cfg := Default()
	cfg.Identity.UserID = ""
	cfg.Signaling.Backend = BackendMatrix
	cfg.Signaling.Matrix = Matrix{Homeserver: "https://matrix.example.org", UserID: "@alice:example.org", AccessToken: "syt_x"}
	assert.NoError(t, cfg.Validate())
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node", "roomcall.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)

	cfg.Identity.UserID = "bob"
	require.NoError(t, Save(path, cfg))

	got, created, err := Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "bob", got.Identity.UserID)
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomcall.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"user_id":"carol"},"signaling":{"backend":"memory"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "carol", cfg.Identity.UserID)
	assert.Equal(t, BackendMemory, cfg.Signaling.Backend)
	assert.Equal(t, Default().Call, cfg.Call)
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Signaling.Backend = ""
	assert.Error(t, Save(filepath.Join(t.TempDir(), "x.json"), cfg))
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomcall.json")
	cfg := Default()
	require.NoError(t, Save(path, cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	require.NoError(t, Watch(ctx, path, func(c Config) { got <- c }))

	// An invalid edit is skipped.
	require.NoError(t, os.WriteFile(path, []byte(`{"call":{"duration_tick_ms":0}}`), 0o644))
	time.Sleep(2 * reloadDebounce)

	cfg.ICE.Servers = []ICEServer{{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "p"}}
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-got:
		require.Len(t, c.ICE.Servers, 1)
		assert.Equal(t, "turn:turn.example.org:3478", c.ICE.Servers[0].URLs[0])
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}
}
