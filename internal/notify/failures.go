package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Failure is a notification that exhausted its delivery attempts for one sink.
type Failure struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	EntityID  string          `json:"entityId"`
	Sink      string          `json:"sink"`
	Payload   json.RawMessage `json:"payload"`
	LastError string          `json:"lastError"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"createdAt"`
}

// FailureStore keeps undelivered notifications for inspection and replay.
type FailureStore interface {
	Record(ctx context.Context, f *Failure) error
	List(ctx context.Context, limit int) ([]*Failure, error)
}

// MemoryFailureStore is an in-memory FailureStore for demo mode and tests.
type MemoryFailureStore struct {
	mu       sync.RWMutex
	failures []*Failure
}

// NewMemoryFailureStore creates an empty in-memory failure store.
func NewMemoryFailureStore() *MemoryFailureStore {
	return &MemoryFailureStore{}
}

func (m *MemoryFailureStore) Record(_ context.Context, f *Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.failures = append(m.failures, &cp)
	return nil
}

// List returns the newest failures first.
func (m *MemoryFailureStore) List(_ context.Context, limit int) ([]*Failure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Failure, 0, len(m.failures))
	for _, f := range m.failures {
		cp := *f
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PostgresFailureStore persists failures in the notification_failures table.
type PostgresFailureStore struct {
	db *sql.DB
}

// NewPostgresFailureStore creates a PostgreSQL-backed failure store.
func NewPostgresFailureStore(db *sql.DB) *PostgresFailureStore {
	return &PostgresFailureStore{db: db}
}

func (p *PostgresFailureStore) Record(ctx context.Context, f *Failure) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notification_failures
			(id, event_type, entity_id, sink, payload, last_error, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.EventType, f.EntityID, f.Sink, []byte(f.Payload), f.LastError, f.Attempts, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification failure: %w", err)
	}
	return nil
}

func (p *PostgresFailureStore) List(ctx context.Context, limit int) ([]*Failure, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, event_type, entity_id, sink, payload, last_error, attempts, created_at
		FROM notification_failures
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query notification failures: %w", err)
	}
	defer rows.Close()

	var out []*Failure
	for rows.Next() {
		f := &Failure{}
		var payload []byte
		if err := rows.Scan(&f.ID, &f.EventType, &f.EntityID, &f.Sink, &payload,
			&f.LastError, &f.Attempts, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification failure: %w", err)
		}
		f.Payload = payload
		out = append(out, f)
	}
	return out, rows.Err()
}

var (
	_ FailureStore = (*MemoryFailureStore)(nil)
	_ FailureStore = (*PostgresFailureStore)(nil)
)
