package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/hostmanager/pkg/engine"
	"github.com/openfroyo/hostmanager/pkg/resources"
	"github.com/openfroyo/hostmanager/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveElement inserts or replaces an element record.
func (s *SQLiteStore) SaveElement(ctx context.Context, e *engine.Element) error {
	record, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode element %d: %w", e.ID, err)
	}

	query := `
		INSERT INTO elements (id, type, owner, state, parent, connection, timeout, record, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			owner = excluded.owner,
			connection = excluded.connection,
			timeout = excluded.timeout,
			record = excluded.record,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		int64(e.ID),
		string(e.Type),
		e.Owner,
		string(e.State),
		int64(e.Parent),
		int64(e.Connection),
		nullableTime(e.Timeout),
		string(record),
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save element %d: %w", e.ID, err)
	}

	return nil
}

// DeleteElement removes an element record.
func (s *SQLiteStore) DeleteElement(ctx context.Context, id engine.ID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM elements WHERE id = ?`, int64(id)); err != nil {
		return fmt.Errorf("failed to delete element %d: %w", id, err)
	}
	return nil
}

// SaveConnection inserts or replaces a connection record.
func (s *SQLiteStore) SaveConnection(ctx context.Context, c *engine.Connection) error {
	record, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode connection %d: %w", c.ID, err)
	}

	query := `
		INSERT INTO connections (id, type, owner, state, record, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			owner = excluded.owner,
			record = excluded.record,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		int64(c.ID),
		string(c.Type),
		c.Owner,
		string(c.State),
		string(record),
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save connection %d: %w", c.ID, err)
	}

	return nil
}

// DeleteConnection removes a connection record.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, id engine.ID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, int64(id)); err != nil {
		return fmt.Errorf("failed to delete connection %d: %w", id, err)
	}
	return nil
}

// Load returns every stored element and connection ordered by id.
func (s *SQLiteStore) Load(ctx context.Context) ([]*engine.Element, []*engine.Connection, error) {
	elements := []*engine.Element{}
	err := s.scanRecords(ctx, `SELECT record FROM elements ORDER BY id ASC`, func(record string) error {
		e := &engine.Element{}
		if err := json.Unmarshal([]byte(record), e); err != nil {
			return fmt.Errorf("failed to decode element: %w", err)
		}
		elements = append(elements, e)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	connections := []*engine.Connection{}
	err = s.scanRecords(ctx, `SELECT record FROM connections ORDER BY id ASC`, func(record string) error {
		c := &engine.Connection{}
		if err := json.Unmarshal([]byte(record), c); err != nil {
			return fmt.Errorf("failed to decode connection: %w", err)
		}
		connections = append(connections, c)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return elements, connections, nil
}

func (s *SQLiteStore) scanRecords(ctx context.Context, query string, fn func(record string) error) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to load records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return fmt.Errorf("failed to scan record: %w", err)
		}
		if err := fn(record); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating records: %w", err)
	}
	return nil
}

// RecordAudit appends an audit entry.
func (s *SQLiteStore) RecordAudit(ctx context.Context, entry engine.AuditEntry) error {
	query := `
		INSERT INTO audit (timestamp, owner, target, type, op, action, from_state, to_state, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		formatTime(entry.Time),
		entry.Owner,
		int64(entry.Target),
		string(entry.Type),
		entry.Op,
		string(entry.Action),
		string(entry.From),
		string(entry.To),
		entry.Result,
		entry.ErrorMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	return nil
}

// ListAudit lists audit entries, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]engine.AuditEntry, error) {
	var where []string
	var args []interface{}
	if filter.Target != 0 {
		where = append(where, "target = ?")
		args = append(args, int64(filter.Target))
	}
	if filter.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.Op != "" {
		where = append(where, "op = ?")
		args = append(args, filter.Op)
	}

	query := `SELECT timestamp, owner, target, type, op, action, from_state, to_state, result, error FROM audit`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []engine.AuditEntry{}
	for rows.Next() {
		var (
			entry                     engine.AuditEntry
			ts, typ, action, from, to string
			target                    int64
		)
		if err := rows.Scan(&ts, &entry.Owner, &target, &typ, &entry.Op, &action, &from, &to, &entry.Result, &entry.ErrorMsg); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if entry.Time, err = parseTime(ts); err != nil {
			return nil, err
		}
		entry.Target = engine.ID(target)
		entry.Type = engine.TypeName(typ)
		entry.Action = engine.ActionName(action)
		entry.From = engine.State(from)
		entry.To = engine.State(to)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// AppendEvent stores a lifecycle event. Storing the same event twice is a no-op.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}

	query := `
		INSERT INTO events (id, timestamp, type, level, kind, target, owner, message, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		formatTime(event.Timestamp),
		event.Type,
		event.Level,
		event.Kind,
		event.Target,
		event.Owner,
		event.Message,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents lists stored events, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]telemetry.Event, error) {
	var where []string
	var args []interface{}
	if filter.Target != 0 {
		where = append(where, "target = ?")
		args = append(args, filter.Target)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(filter.Since))
	}

	query := `SELECT payload FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC LIMIT ?"
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []telemetry.Event{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var event telemetry.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// SaveAllocation records a checked-out resource.
func (s *SQLiteStore) SaveAllocation(ctx context.Context, a resources.Allocation) error {
	query := `INSERT INTO allocations (kind, num, holder, taken_at) VALUES (?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, query, string(a.Kind), a.Num, int64(a.Holder), formatTime(a.TakenAt)); err != nil {
		return fmt.Errorf("failed to save allocation %s/%d: %w", a.Kind, a.Num, err)
	}
	return nil
}

// DeleteAllocation removes one allocation.
func (s *SQLiteStore) DeleteAllocation(ctx context.Context, kind engine.ResourceKind, num int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM allocations WHERE kind = ? AND num = ?`, string(kind), num); err != nil {
		return fmt.Errorf("failed to delete allocation %s/%d: %w", kind, num, err)
	}
	return nil
}

// DeleteAllocations removes every allocation of holder.
func (s *SQLiteStore) DeleteAllocations(ctx context.Context, holder engine.ID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM allocations WHERE holder = ?`, int64(holder)); err != nil {
		return fmt.Errorf("failed to delete allocations of %d: %w", holder, err)
	}
	return nil
}

// LoadAllocations returns every allocation.
func (s *SQLiteStore) LoadAllocations(ctx context.Context) ([]resources.Allocation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, num, holder, taken_at FROM allocations ORDER BY kind, num`)
	if err != nil {
		return nil, fmt.Errorf("failed to load allocations: %w", err)
	}
	defer rows.Close()

	allocations := []resources.Allocation{}
	for rows.Next() {
		var (
			a       resources.Allocation
			kind    string
			holder  int64
			takenAt string
		)
		if err := rows.Scan(&kind, &a.Num, &holder, &takenAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		if a.TakenAt, err = parseTime(takenAt); err != nil {
			return nil, err
		}
		a.Kind = engine.ResourceKind(kind)
		a.Holder = engine.ID(holder)
		allocations = append(allocations, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allocations: %w", err)
	}

	return allocations, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
