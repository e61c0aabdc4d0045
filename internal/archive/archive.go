// Package archive persists finished recordings.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/history"
)

var log = logging.Logger("archive")

// Store keeps recording blobs under a name and reports where they went.
type Store interface {
	Put(ctx context.Context, name, mimeType string, blob []byte) (string, error)
	Get(ctx context.Context, name string) ([]byte, error)
}

const putTimeout = 2 * time.Minute

// ObjectName is the archive name of a recording of callID.
func ObjectName(callID string, at time.Time, mimeType string) string {
	ext := ".webm"
	if !strings.Contains(mimeType, "webm") {
		ext = ".bin"
	}
	return fmt.Sprintf("%s-%d%s", callID, at.Unix(), ext)
}

// Attach archives every stopped recording into store and, when hist is
// set, notes the location there. Archiving runs off the emitting
// goroutine. It returns a function that detaches the listener.
func Attach(bus *events.Bus, store Store, hist *history.DB) func() {
	id := bus.On(events.RecordingStopped, func(e events.Event) {
		rec, ok := e.Data.(events.Recording)
		if !ok || len(rec.Blob) == 0 {
			return
		}
		name := ObjectName(e.CallID, e.At, rec.MimeType)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
			defer cancel()
			loc, err := store.Put(ctx, name, rec.MimeType, rec.Blob)
			if err != nil {
				log.Errorf("[%s] archive recording: %v", e.CallID, err)
				return
			}
			log.Infof("[%s] recording archived to %s", e.CallID, loc)
			if hist == nil {
				return
			}
			if err := hist.AddRecording(history.Recording{
				CallID:   e.CallID,
				MimeType: rec.MimeType,
				Size:     len(rec.Blob),
				Location: loc,
				At:       e.At,
			}); err != nil {
				log.Warnf("[%s] note archived recording: %v", e.CallID, err)
			}
		}()
	})
	return func() { bus.Off(events.RecordingStopped, id) }
}
