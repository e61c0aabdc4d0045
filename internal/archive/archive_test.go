package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/history"
)

func TestObjectName(t *testing.T) {
	at := time.Unix(1700000000, 0)
	assert.Equal(t, "c1-1700000000.webm", ObjectName("c1", at, "video/webm;codecs=vp8,opus"))
	assert.Equal(t, "c1-1700000000.bin", ObjectName("c1", at, "audio/ogg"))
}

func TestFileStorePlain(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	ctx := context.Background()
	loc, err := s.Put(ctx, "../c1.webm", "video/webm", []byte("blob"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "c1.webm"), loc)

	got, err := s.Get(ctx, "c1.webm")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), got)
}

func TestFileStoreSealed(t *testing.T) {
	dir := t.TempDir()
	key, err := LoadOrCreateKey(filepath.Join(dir, "keys", "archive.key"))
	require.NoError(t, err)
	again, err := LoadOrCreateKey(filepath.Join(dir, "keys", "archive.key"))
	require.NoError(t, err)
	assert.Equal(t, key, again)

	s, err := NewFileStore(filepath.Join(dir, "rec"), key)
	require.NoError(t, err)

	ctx := context.Background()
	blob := bytes.Repeat([]byte("frame"), 100)
	loc, err := s.Put(ctx, "c1.webm", "video/webm", blob)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(loc, ".webm.sealed"))

	raw, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte("frame")))

	got, err := s.Get(ctx, "c1.webm")
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	// A sealed file renamed under another name fails authentication.
	require.NoError(t, os.Rename(loc, filepath.Join(dir, "rec", "c2.webm.sealed")))
	_, err = s.Get(ctx, "c2.webm")
	assert.Error(t, err)
}

func TestLoadOrCreateKeyRejectsShortKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.key")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))
	_, err := LoadOrCreateKey(path)
	assert.Error(t, err)
}

func TestAttachArchivesStoppedRecordings(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	hist, err := history.Open(":memory:")
	require.NoError(t, err)
	defer hist.Close()

	bus := events.NewBus()
	detach := Attach(bus, store, hist)
	defer detach()

	at := time.Unix(1700000000, 0)
	bus.Emit(events.Event{
		Name:   events.RecordingStopped,
		CallID: "c1",
		At:     at,
		Data:   events.Recording{MimeType: "video/webm", Size: 4, Blob: []byte("webm")},
	})
	// Empty recordings are not archived.
	bus.Emit(events.Event{Name: events.RecordingStopped, CallID: "c2", Data: events.Recording{MimeType: "video/webm"}})

	require.Eventually(t, func() bool {
		recs, err := hist.Recordings("c1")
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	recs, _ := hist.Recordings("c1")
	assert.Equal(t, filepath.Join(dir, "c1-1700000000.webm"), recs[0].Location)
	assert.Equal(t, 4, recs[0].Size)

	got, err := store.Get(context.Background(), "c1-1700000000.webm")
	require.NoError(t, err)
	assert.Equal(t, []byte("webm"), got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
