package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS canvas_snapshots (
	id         SMALLINT PRIMARY KEY,
	cells      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS pixel_history (
	id         BIGSERIAL PRIMARY KEY,
	x          INTEGER NOT NULL,
	y          INTEGER NOT NULL,
	color      SMALLINT NOT NULL,
	origin     TEXT,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// One canvas per deployment, so the snapshot row is fixed.
const canvasRowID = 1

// PostgresPersister keeps the snapshot in a single row and the deltas in
// an append-only table.
type PostgresPersister struct {
	pool *pgxpool.Pool
}

// NewPostgresPersister creates the schema if needed. The pool is owned by
// the persister and closed with it.
func NewPostgresPersister(ctx context.Context, pool *pgxpool.Pool) (*PostgresPersister, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create canvas schema: %w", err)
	}
	return &PostgresPersister{pool: pool}, nil
}

func (p *PostgresPersister) Load(ctx context.Context) (Snapshot, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT cells FROM canvas_snapshots WHERE id = $1`, canvasRowID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load canvas: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return snap, nil
}

func (p *PostgresPersister) Save(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO canvas_snapshots (id, cells, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET cells = EXCLUDED.cells, updated_at = now()`,
		canvasRowID, data)
	return err
}

func (p *PostgresPersister) AppendDelta(ctx context.Context, d Delta) error {
	var origin *string
	if d.Origin != "" {
		origin = &d.Origin
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO pixel_history (x, y, color, origin) VALUES ($1, $2, $3, $4)`,
		d.X, d.Y, d.Color, origin)
	return err
}

// History returns the latest limit deltas, oldest first. limit <= 0
// returns the whole log.
func (p *PostgresPersister) History(ctx context.Context, limit int) ([]Delta, error) {
	query := `SELECT x, y, color, COALESCE(origin, '') FROM pixel_history ORDER BY id`
	var args []any
	if limit > 0 {
		query = `
			SELECT x, y, color, origin FROM (
				SELECT id, x, y, color, COALESCE(origin, '') AS origin
				FROM pixel_history ORDER BY id DESC LIMIT $1
			) recent ORDER BY id`
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Delta, error) {
		var d Delta
		err := row.Scan(&d.X, &d.Y, &d.Color, &d.Origin)
		return d, err
	})
}

func (p *PostgresPersister) Close() error {
	p.pool.Close()
	return nil
}
