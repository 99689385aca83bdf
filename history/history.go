// Package history records connection sessions in a SQLite database. A
// Recorder is fed through event handlers, so any client can be tracked by
// chaining Recorder.Handlers into its handler set.
package history

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/yllada/openconnect-core/common"
	"github.com/yllada/openconnect-core/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	attempt_id   TEXT PRIMARY KEY,
	server       TEXT NOT NULL,
	protocol     TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	connected_at INTEGER NOT NULL DEFAULT 0,
	ended_at     INTEGER NOT NULL DEFAULT 0,
	interface    TEXT NOT NULL DEFAULT '',
	address      TEXT NOT NULL DEFAULT '',
	bytes_in     INTEGER NOT NULL DEFAULT 0,
	bytes_out    INTEGER NOT NULL DEFAULT 0,
	reconnects   INTEGER NOT NULL DEFAULT 0,
	outcome      TEXT NOT NULL DEFAULT 'active',
	reason       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`

// Session outcomes.
const (
	OutcomeActive       = "active"
	OutcomeDisconnected = "disconnected"
	OutcomeFailed       = "failed"
)

// Session is one recorded connection attempt.
type Session struct {
	AttemptID   string
	Server      string
	Protocol    string
	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	Interface   string
	Address     string
	BytesIn     uint64
	BytesOut    uint64
	Reconnects  int
	Outcome     string
	Reason      string
}

// Duration returns how long the tunnel was up, or zero if it never was.
func (s Session) Duration() time.Duration {
	if s.ConnectedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.ConnectedAt)
}

// Recorder writes sessions to a database.
type Recorder struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path. Use ":memory:"
// for an in-memory database.
func Open(path string) (*Recorder, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Recorder{db: db}, nil
}

// OpenDefault opens the history database in the application data
// directory.
func OpenDefault() (*Recorder, error) {
	dir, err := common.GetDataDir()
	if err != nil {
		return nil, err
	}
	return Open(filepath.Join(dir, common.HistoryFileName))
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Record applies ev to the session it belongs to.
func (r *Recorder) Record(ev events.Event) error {
	if ev.AttemptID == "" {
		return errors.New("event has no attempt ID")
	}
	if err := r.ensure(ev); err != nil {
		return err
	}

	at := millis(ev.Time)
	var err error
	switch ev.Kind {
	case events.KindConnected:
		_, err = r.db.Exec(`UPDATE sessions SET connected_at = ?, interface = ?, address = ? WHERE attempt_id = ?`,
			at, ev.Interface, ev.Address, ev.AttemptID)
	case events.KindStatsUpdated:
		_, err = r.db.Exec(`UPDATE sessions SET bytes_in = ?, bytes_out = ? WHERE attempt_id = ?`,
			int64(ev.Stats.BytesIn), int64(ev.Stats.BytesOut), ev.AttemptID)
	case events.KindReconnecting:
		_, err = r.db.Exec(`UPDATE sessions SET reconnects = reconnects + 1 WHERE attempt_id = ?`, ev.AttemptID)
	case events.KindDisconnected:
		outcome := OutcomeDisconnected
		if ev.Err != nil {
			outcome = OutcomeFailed
		}
		_, err = r.db.Exec(`
			UPDATE sessions
			SET ended_at = ?, outcome = ?, reason = ?,
				bytes_in = MAX(bytes_in, ?), bytes_out = MAX(bytes_out, ?)
			WHERE attempt_id = ?`,
			at, outcome, reason(ev), int64(ev.Stats.BytesIn), int64(ev.Stats.BytesOut), ev.AttemptID)
	case events.KindConnectionFailed:
		_, err = r.db.Exec(`UPDATE sessions SET ended_at = ?, outcome = ?, reason = ? WHERE attempt_id = ?`,
			at, OutcomeFailed, reason(ev), ev.AttemptID)
	}
	return err
}

func (r *Recorder) ensure(ev events.Event) error {
	_, err := r.db.Exec(`
		INSERT INTO sessions (attempt_id, server, protocol, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(attempt_id) DO NOTHING`,
		ev.AttemptID, ev.Server, ev.Protocol, millis(ev.Time))
	return err
}

// Handlers returns event handlers that record every event. Write errors
// are logged and never cancel the connection.
func (r *Recorder) Handlers() *events.EventHandlers {
	record := func(ev events.Event) events.Action {
		if err := r.Record(ev); err != nil {
			common.LogWarn("History: Failed to record %s: %v", ev.Kind, err)
		}
		return events.ActionContinue
	}
	return &events.EventHandlers{
		OnConnected:        record,
		OnDisconnected:     record,
		OnConnectionFailed: record,
		OnStatsUpdated:     record,
		OnReconnecting:     record,
	}
}

// Recent returns up to limit sessions, newest first.
func (r *Recorder) Recent(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`
		SELECT attempt_id, server, protocol, started_at, connected_at, ended_at,
			interface, address, bytes_in, bytes_out, reconnects, outcome, reason
		FROM sessions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s                         Session
			started, connected, ended int64
			bytesIn, bytesOut         int64
		)
		if err := rows.Scan(&s.AttemptID, &s.Server, &s.Protocol, &started, &connected, &ended,
			&s.Interface, &s.Address, &bytesIn, &bytesOut, &s.Reconnects, &s.Outcome, &s.Reason); err != nil {
			return nil, err
		}
		s.StartedAt = fromMillis(started)
		s.ConnectedAt = fromMillis(connected)
		s.EndedAt = fromMillis(ended)
		s.BytesIn = uint64(bytesIn)
		s.BytesOut = uint64(bytesOut)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes sessions that started before cutoff.
func (r *Recorder) Prune(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM sessions WHERE started_at < ?`, millis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func reason(ev events.Event) string {
	if ev.Err != nil {
		return ev.Err.Error()
	}
	return ev.Reason
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
