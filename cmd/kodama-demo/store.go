package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kodama"
)

// errOrderNotFound is registered with the pipeline at startup so wrapped
// lookup failures resolve to 404.
var errOrderNotFound = errors.New("order not found")

type order struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	Item       string    `json:"item"`
	Quantity   int       `json:"quantity"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// store persists orders in sqlite. Queries run under child spans so the
// trace shows time spent in storage per request.
type store struct {
	db   *sql.DB
	pipe *kodama.Pipeline
}

func newStore(ctx context.Context, dsn string, pipe *kodama.Pipeline) (*store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single writer connection keeps sqlite happy under concurrent
	// handlers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id          TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			item        TEXT NOT NULL,
			quantity    INTEGER NOT NULL,
			status      TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &store{db: db, pipe: pipe}, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

func (s *store) Get(ctx context.Context, id string) (order, error) {
	ctx, span := s.pipe.StartSpan(ctx, "store.get_order")
	defer span.End()
	span.SetTag("order.id", id)

	var o order
	err := s.db.QueryRowContext(ctx,
		`SELECT id, customer_id, item, quantity, status, created_at FROM orders WHERE id = ?`, id,
	).Scan(&o.ID, &o.CustomerID, &o.Item, &o.Quantity, &o.Status, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return order{}, fmt.Errorf("get order %s: %w", id, errOrderNotFound)
	}
	if err != nil {
		span.SetStatus(kodama.StatusError, "query failed")
		span.RecordError(err)
		return order{}, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *store) List(ctx context.Context, limit int) ([]order, error) {
	ctx, span := s.pipe.StartSpan(ctx, "store.list_orders")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, customer_id, item, quantity, status, created_at FROM orders ORDER BY created_at DESC LIMIT ?`,
		limit)
	if err != nil {
		span.SetStatus(kodama.StatusError, "query failed")
		span.RecordError(err)
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []order
	for rows.Next() {
		var o order
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.Item, &o.Quantity, &o.Status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	span.SetTag("order.count", len(out))
	return out, nil
}

func (s *store) Create(ctx context.Context, o order) error {
	ctx, span := s.pipe.StartSpan(ctx, "store.create_order")
	defer span.End()
	span.SetTag("order.id", o.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, customer_id, item, quantity, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.CustomerID, o.Item, o.Quantity, o.Status, o.CreatedAt)
	if err != nil {
		span.SetStatus(kodama.StatusError, "insert failed")
		span.RecordError(err)
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}
