package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createPostgresEventsTable = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	identity TEXT,
	service TEXT,
	fields JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_events_kind ON audit_events (kind);
CREATE INDEX IF NOT EXISTS idx_audit_events_occurred_at ON audit_events (occurred_at);
`

// PostgresSink persists audit events to PostgreSQL. Like SQLiteSink it
// decouples the request path from the database through a buffered channel and
// a single background writer; a full buffer drops the event rather than
// blocking admission decisions.
type PostgresSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewPostgresSink connects to the database at dsn, ensures the audit schema
// exists, and starts the background writer.
func NewPostgresSink(dsn string, bufferSize int, logger *slog.Logger) (*PostgresSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("connection string is required for the postgres audit sink")
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(context.Background(), createPostgresEventsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}

	s := &PostgresSink{
		pool:   pool,
		logger: logger,
		events: make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

// Record queues the event for persistence. It never blocks and never fails.
func (s *PostgresSink) Record(ctx context.Context, event Event) {
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
func (s *PostgresSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops accepting events, drains the queue, and releases the pool.
func (s *PostgresSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	s.pool.Close()
	return nil
}

func (s *PostgresSink) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case event := <-s.events:
			s.write(event)
		case <-s.done:
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

func (s *PostgresSink) write(event Event) {
	fields := []byte("{}")
	if len(event.Fields) > 0 {
		if data, err := json.Marshal(event.Fields); err == nil {
			fields = data
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, kind, occurred_at, identity, service, fields) VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, string(event.Kind), event.Time, event.Identity, event.Service, fields,
	)
	if err != nil {
		s.logger.Warn("Failed to persist audit event", "error", err, "kind", string(event.Kind))
	}
}
