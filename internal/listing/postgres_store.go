package listing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

const listingColumns = `id, seller_id, title, price_minor, status, created_at, updated_at`

// PostgresStore persists listings in the listings table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanListing(s scanner) (*Listing, error) {
	l := &Listing{}
	var status string
	if err := s.Scan(&l.ID, &l.SellerID, &l.Title, &l.PriceMinor, &status, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.Status = Status(status)
	return l, nil
}

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.SellerID, l.Title, l.PriceMinor, string(l.Status), l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	l, err := scanListing(p.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	return l, nil
}

// SetStatus is a single conditional UPDATE, so concurrent callers cannot both
// observe the same source status.
func (p *PostgresStore) SetStatus(ctx context.Context, id string, from []Status, to Status, now time.Time) (*Listing, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	l, err := scanListing(p.db.QueryRowContext(ctx, `
		UPDATE listings SET status = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+listingColumns,
		id, string(to), now, pq.Array(allowed)))
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update listing %s: %w", id, err)
	}
	current, gerr := p.Get(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, current.Status)
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Listing, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.SellerID != "" {
		where = append(where, "seller_id = "+arg(f.SellerID))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.After != nil {
		where = append(where, "(created_at, id) < ("+arg(f.After.CreatedAt)+", "+arg(f.After.ID)+")")
	}
	query := `SELECT ` + listingColumns + ` FROM listings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	var out []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
