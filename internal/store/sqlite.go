package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"binary-trader/internal/killswitch"
	"binary-trader/internal/order"
	"binary-trader/internal/position"
	"binary-trader/internal/strategy"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id           TEXT PRIMARY KEY,
	client_token TEXT UNIQUE,
	doc          TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	market TEXT NOT NULL,
	side   TEXT NOT NULL,
	doc    TEXT NOT NULL,
	PRIMARY KEY (market, side)
);
CREATE TABLE IF NOT EXISTS switches (
	level  TEXT NOT NULL,
	target TEXT NOT NULL,
	doc    TEXT NOT NULL,
	PRIMARY KEY (level, target)
);
CREATE TABLE IF NOT EXISTS signals (
	id  TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS strategies (
	id  TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
`

// SQLite is the Store backed by a SQLite database file. Documents are
// stored as JSON with their lookup keys as columns. Path ":memory:" keeps
// the database in process.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the database at path and
// applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// The driver serializes access; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) SaveOrder(ctx context.Context, o order.Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	token := sql.NullString{String: o.ClientToken, Valid: o.ClientToken != ""}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, client_token, doc) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET client_token = excluded.client_token, doc = excluded.doc`,
		o.ID, token, string(doc))
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

func (s *SQLite) Order(ctx context.Context, id string) (order.Order, error) {
	return s.orderWhere(ctx, `SELECT doc FROM orders WHERE id = ?`, id)
}

func (s *SQLite) OrderByToken(ctx context.Context, clientToken string) (order.Order, error) {
	return s.orderWhere(ctx, `SELECT doc FROM orders WHERE client_token = ?`, clientToken)
}

func (s *SQLite) orderWhere(ctx context.Context, query, arg string) (order.Order, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, ErrNotFound
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("load order: %w", err)
	}
	var o order.Order
	if err := json.Unmarshal([]byte(doc), &o); err != nil {
		return order.Order{}, fmt.Errorf("unmarshal order: %w", err)
	}
	return o, nil
}

func (s *SQLite) Orders(ctx context.Context) ([]order.Order, error) {
	return scanDocs[order.Order](ctx, s.db, `SELECT doc FROM orders`)
}

func (s *SQLite) SavePosition(ctx context.Context, p position.Position) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (market, side, doc) VALUES (?, ?, ?)
		ON CONFLICT(market, side) DO UPDATE SET doc = excluded.doc`,
		p.MarketID, string(p.Side), string(doc))
	if err != nil {
		return fmt.Errorf("save position %s/%s: %w", p.MarketID, p.Side, err)
	}
	return nil
}

func (s *SQLite) Positions(ctx context.Context) ([]position.Position, error) {
	return scanDocs[position.Position](ctx, s.db, `SELECT doc FROM positions`)
}

func (s *SQLite) SaveSwitch(ctx context.Context, sw killswitch.Switch) error {
	doc, err := json.Marshal(sw)
	if err != nil {
		return fmt.Errorf("marshal switch: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO switches (level, target, doc) VALUES (?, ?, ?)
		ON CONFLICT(level, target) DO UPDATE SET doc = excluded.doc`,
		string(sw.Level), sw.TargetID, string(doc))
	if err != nil {
		return fmt.Errorf("save switch %s/%s: %w", sw.Level, sw.TargetID, err)
	}
	return nil
}

func (s *SQLite) Switches(ctx context.Context) ([]killswitch.Switch, error) {
	return scanDocs[killswitch.Switch](ctx, s.db, `SELECT doc FROM switches`)
}

func (s *SQLite) SaveSignal(ctx context.Context, sig strategy.Signal) error {
	doc, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signals (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
		sig.ID, string(doc))
	if err != nil {
		return fmt.Errorf("save signal %s: %w", sig.ID, err)
	}
	return nil
}

func (s *SQLite) Signal(ctx context.Context, id string) (strategy.Signal, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM signals WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return strategy.Signal{}, ErrNotFound
	}
	if err != nil {
		return strategy.Signal{}, fmt.Errorf("load signal: %w", err)
	}
	var sig strategy.Signal
	if err := json.Unmarshal([]byte(doc), &sig); err != nil {
		return strategy.Signal{}, fmt.Errorf("unmarshal signal: %w", err)
	}
	return sig, nil
}

func (s *SQLite) SaveStrategy(ctx context.Context, rec StrategyRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal strategy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategies (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
		rec.ID, string(doc))
	if err != nil {
		return fmt.Errorf("save strategy %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLite) Strategies(ctx context.Context) ([]StrategyRecord, error) {
	return scanDocs[StrategyRecord](ctx, s.db, `SELECT doc FROM strategies`)
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// scanDocs loads and unmarshals every doc returned by the query.
func scanDocs[T any](ctx context.Context, db *sql.DB, query string) ([]T, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
