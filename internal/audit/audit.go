// Package audit is a best-effort, buffered sqlite trail of FSM state
// transitions; frames sent are not recorded separately. It is a pure observability
// side-channel: the manager never reads it back, so it does not
// reintroduce durable core state.
//
// Grounded on 4nonX-D-PlaneOS's internal/audit.BufferedLogger: the
// batch-flush-on-ticker-or-size pattern is carried over, trimmed of its
// HMAC hash-chain (no tamper-evidence requirement here) and its
// request/IP-address fields (there is no HTTP request context in the
// core's event stream).
package audit

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	log "github.com/fpemud/selfnetd/pkg/minilog"
)

// Event is one audit entry; the daemon records one per state transition.
type Event struct {
	Timestamp  time.Time
	PeerName   string
	UserName   string
	ModuleName string
	Action     string // e.g. "state"
	Detail     string
}

// Logger batches Events in memory and flushes them to sqlite on a ticker
// or when the buffer fills, whichever comes first.
type Logger struct {
	db            *sql.DB
	maxBuffer     int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []Event

	stop chan struct{}
	done chan struct{}
}

// Open opens (creating if necessary) the sqlite database at path and
// prepares its schema.
func Open(path string, maxBuffer int, flushInterval time.Duration) (*Logger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", path, err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp   INTEGER NOT NULL,
	peer_name   TEXT NOT NULL,
	user_name   TEXT NOT NULL,
	module_name TEXT NOT NULL,
	action      TEXT NOT NULL,
	detail      TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: creating schema: %w", err)
	}

	if maxBuffer <= 0 {
		maxBuffer = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	return &Logger{
		db:            db,
		maxBuffer:     maxBuffer,
		flushInterval: flushInterval,
		buffer:        make([]Event, 0, maxBuffer),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// Start begins the periodic-flush goroutine.
func (l *Logger) Start() {
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.Flush(); err != nil {
					log.Warn("audit: periodic flush: %v", err)
				}
			case <-l.stop:
				if err := l.Flush(); err != nil {
					log.Warn("audit: final flush: %v", err)
				}
				return
			}
		}
	}()
}

// Stop flushes one last time and closes the database. Blocks until the
// flush goroutine has exited.
func (l *Logger) Stop() error {
	close(l.stop)
	<-l.done
	return l.db.Close()
}

// Log appends an event to the buffer, flushing immediately if this fills
// it. Safe for concurrent use (the manager's loop goroutine and any
// module-facing wrapper may both call it).
func (l *Logger) Log(ev Event) error {
	l.mu.Lock()
	l.buffer = append(l.buffer, ev)
	full := len(l.buffer) >= l.maxBuffer
	l.mu.Unlock()

	if full {
		return l.Flush()
	}
	return nil
}

// History returns the events recorded for one (peerName, userName,
// moduleName) key, newest first, flushing any buffered-but-not-yet-written
// events first so a query always sees the latest state. limit <= 0 defaults
// to 100.
func (l *Logger) History(peerName, userName, moduleName string, limit int) ([]Event, error) {
	if err := l.Flush(); err != nil {
		return nil, fmt.Errorf("audit: history: %w", err)
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.Query(
		`SELECT timestamp, peer_name, user_name, module_name, action, detail
		 FROM audit_events
		 WHERE peer_name = ? AND user_name = ? AND module_name = ?
		 ORDER BY id DESC LIMIT ?`,
		peerName, userName, moduleName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: history: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var ts int64
		if err := rows.Scan(&ts, &ev.PeerName, &ev.UserName, &ev.ModuleName, &ev.Action, &ev.Detail); err != nil {
			return nil, fmt.Errorf("audit: history: scan: %w", err)
		}
		ev.Timestamp = time.Unix(ts, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Flush writes any buffered events to sqlite in one transaction.
func (l *Logger) Flush() error {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := l.buffer
	l.buffer = make([]Event, 0, l.maxBuffer)
	l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("audit: flush: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO audit_events (timestamp, peer_name, user_name, module_name, action, detail) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("audit: flush: prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		if _, err := stmt.Exec(ev.Timestamp.Unix(), ev.PeerName, ev.UserName, ev.ModuleName, ev.Action, ev.Detail); err != nil {
			return fmt.Errorf("audit: flush: insert: %w", err)
		}
	}

	return tx.Commit()
}
