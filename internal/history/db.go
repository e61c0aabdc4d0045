// Package history keeps a SQLite log of finished calls and their archived
// recordings.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"

	"github.com/petervdpas/roomcall/internal/events"
)

var log = logging.Logger("history")

// Entry is one finished call.
type Entry struct {
	CallID         string        `json:"call_id"`
	ConversationID string        `json:"conversation_id"`
	MediaKind      string        `json:"media_kind"`
	Direction      string        `json:"direction"`
	Outcome        string        `json:"outcome"`
	Reason         string        `json:"reason,omitempty"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	EndedAt        time.Time     `json:"ended_at"`
	Duration       time.Duration `json:"duration"`
}

// Directions.
const (
	Outgoing = "outgoing"
	Incoming = "incoming"
)

type Recording struct {
	CallID   string    `json:"call_id"`
	MimeType string    `json:"mime_type"`
	Size     int       `json:"size"`
	Location string    `json:"location"`
	At       time.Time `json:"at"`
}

// DB wraps the history database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at path. ":memory:" is accepted.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			call_id         TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			media_kind      TEXT DEFAULT '',
			direction       TEXT NOT NULL,
			outcome         TEXT NOT NULL,
			reason          TEXT DEFAULT '',
			started_at      INTEGER DEFAULT 0,
			ended_at        INTEGER NOT NULL,
			duration_ms     INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS calls_ended ON calls(ended_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS recordings (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id   TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			size      INTEGER NOT NULL,
			location  TEXT NOT NULL,
			at        INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create recordings table: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Path() string {
	return d.path
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Record stores e, replacing an earlier entry with the same call id.
func (d *DB) Record(e Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO calls
			(call_id, conversation_id, media_kind, direction, outcome, reason, started_at, ended_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CallID, e.ConversationID, e.MediaKind, e.Direction, e.Outcome, e.Reason,
		unixMs(e.StartedAt), unixMs(e.EndedAt), e.Duration.Milliseconds())
	return err
}

// Recent returns up to limit entries, newest first.
func (d *DB) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT call_id, conversation_id, media_kind, direction, outcome, reason, started_at, ended_at, duration_ms
		FROM calls ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var started, ended, dur int64
		if err := rows.Scan(&e.CallID, &e.ConversationID, &e.MediaKind, &e.Direction,
			&e.Outcome, &e.Reason, &started, &ended, &dur); err != nil {
			return nil, err
		}
		e.StartedAt, e.EndedAt = fromMs(started), fromMs(ended)
		e.Duration = time.Duration(dur) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddRecording notes where a recording of callID was archived.
func (d *DB) AddRecording(r Recording) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT INTO recordings (call_id, mime_type, size, location, at) VALUES (?, ?, ?, ?, ?)`,
		r.CallID, r.MimeType, r.Size, r.Location, unixMs(r.At))
	return err
}

// Recordings lists the archived recordings of callID.
func (d *DB) Recordings(callID string) ([]Recording, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT call_id, mime_type, size, location, at FROM recordings WHERE call_id = ? ORDER BY id`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recording
	for rows.Next() {
		var r Recording
		var at int64
		if err := rows.Scan(&r.CallID, &r.MimeType, &r.Size, &r.Location, &at); err != nil {
			return nil, err
		}
		r.At = fromMs(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Attach records every one-to-one call that reaches a terminal state.
func (d *DB) Attach(bus *events.Bus) events.ListenerID {
	return bus.On(events.CallStateChanged, func(e events.Event) {
		sc, ok := e.Data.(events.StateChange)
		if !ok || (sc.To != "ENDED" && sc.To != "FAILED") {
			return
		}
		dir := Incoming
		if sc.Initiator {
			dir = Outgoing
		}
		entry := Entry{
			CallID:         e.CallID,
			ConversationID: e.ConversationID,
			MediaKind:      sc.MediaKind,
			Direction:      dir,
			Outcome:        sc.To,
			Reason:         sc.Reason,
			StartedAt:      sc.StartedAt,
			EndedAt:        e.At,
			Duration:       sc.Duration,
		}
		if entry.EndedAt.IsZero() {
			entry.EndedAt = time.Now()
		}
		if err := d.Record(entry); err != nil {
			log.Warnf("[%s] record history: %v", e.CallID, err)
		}
	})
}
