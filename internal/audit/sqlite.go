package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	identity TEXT,
	service TEXT,
	fields TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_kind ON audit_events (kind);
CREATE INDEX IF NOT EXISTS idx_audit_events_occurred_at ON audit_events (occurred_at);
`

// SQLiteSink persists audit events to an append-only SQLite table. Events are
// queued on a buffered channel and written by a background goroutine so that
// Record never blocks the request path; when the buffer is full the event is
// dropped and counted.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewSQLiteSink opens (or creates) the audit database at path and starts the
// background writer. bufferSize bounds the in-flight event queue; zero picks
// a sensible default.
func NewSQLiteSink(path string, bufferSize int, logger *slog.Logger) (*SQLiteSink, error) {
	if path == "" {
		return nil, fmt.Errorf("audit database path is required")
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	if _, err := db.Exec(createEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}

	s := &SQLiteSink{
		db:     db,
		logger: logger,
		events: make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

// Record queues the event for persistence. It never blocks and never fails;
// if the queue is full or the sink is closed the event is dropped.
func (s *SQLiteSink) Record(ctx context.Context, event Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.events <- event:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Warn("Audit event dropped, buffer full", "kind", string(event.Kind))
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (s *SQLiteSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops accepting events, drains the queue, and closes the database.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

func (s *SQLiteSink) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case event := <-s.events:
			s.write(event)
		case <-s.done:
			// Drain whatever is still queued before shutting down.
			for {
				select {
				case event := <-s.events:
					s.write(event)
				default:
					return
				}
			}
		}
	}
}

func (s *SQLiteSink) write(event Event) {
	fields := "{}"
	if len(event.Fields) > 0 {
		if data, err := json.Marshal(event.Fields); err == nil {
			fields = string(data)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, kind, occurred_at, identity, service, fields) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, string(event.Kind), event.Time.Format(time.RFC3339Nano),
		event.Identity, event.Service, fields,
	)
	if err != nil {
		// Best effort: the audited operation already completed.
		s.logger.Warn("Failed to persist audit event", "error", err, "kind", string(event.Kind))
	}
}

// ReadSQLiteEvents loads every event from the audit database at path, oldest
// first. Intended for offline inspection and tests, not the hot path.
func ReadSQLiteEvents(path string) ([]Event, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT id, kind, occurred_at, identity, service, fields FROM audit_events ORDER BY occurred_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event      Event
			kind       string
			occurredAt string
			fields     string
		)
		if err := rows.Scan(&event.ID, &kind, &occurredAt, &event.Identity, &event.Service, &fields); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.Kind = Kind(kind)
		if event.Time, err = time.Parse(time.RFC3339Nano, occurredAt); err != nil {
			return nil, fmt.Errorf("failed to parse audit timestamp: %w", err)
		}
		if fields != "" && fields != "{}" {
			if err := json.Unmarshal([]byte(fields), &event.Fields); err != nil {
				return nil, fmt.Errorf("failed to decode audit fields: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
