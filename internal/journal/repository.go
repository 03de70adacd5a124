package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Event is one recorded connection state change.
type Event struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter selects events to list.
type Filter struct {
	To    string // optional: only transitions into this state
	Limit int    // default 50, max 500
}

// Repository stores connection events.
type Repository interface {
	Create(ctx context.Context, ev *Event) error
	List(ctx context.Context, filter Filter) ([]Event, error)
}

// SQLiteRepository keeps events in the connection_events table.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a repository on db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts ev, filling ID and CreatedAt when empty.
func (r *SQLiteRepository) Create(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = "evt-" + uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO connection_events (id, device_id, from_state, to_state, reason, endpoint, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.DeviceID, ev.From, ev.To, ev.Reason, ev.Endpoint,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}
	return nil
}

// List returns matching events, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) ([]Event, error) {
	limit := ClampLimit(filter.Limit)

	query := `SELECT id, device_id, from_state, to_state, reason, endpoint, created_at
	          FROM connection_events`
	var args []any
	if filter.To != "" {
		query += " WHERE to_state = ?"
		args = append(args, filter.To)
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var ev Event
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.From, &ev.To, &ev.Reason, &ev.Endpoint, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning connection event: %w", err)
		}
		ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing event timestamp %q: %w", createdAt, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection events: %w", err)
	}
	return events, nil
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultLimit
	case n > maxLimit:
		return maxLimit
	default:
		return n
	}
}
