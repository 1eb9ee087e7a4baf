package repository

import (
	"context"
	"database/sql"

	"idgov/internal/domain"
)

// CursorRepo stores one sync cursor per stream. Concurrent saves for the same
// stream are last-writer-wins.
type CursorRepo struct {
	db *sql.DB
}

// NewCursorRepo creates a CursorRepo on the given pool.
func NewCursorRepo(db *sql.DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context, stream domain.Stream) (*domain.SyncCursor, error) {
	var value, updated string
	err := r.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM sync_cursors WHERE stream = ?`, string(stream)).
		Scan(&value, &updated)
	if err != nil {
		return nil, mapDBError(err, "cursor for "+string(stream))
	}
	return &domain.SyncCursor{Stream: stream, Value: value, UpdatedAt: parseTime(updated)}, nil
}

func (r *CursorRepo) Save(ctx context.Context, c domain.SyncCursor) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (stream, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (stream) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(c.Stream), c.Value, formatTime(c.UpdatedAt))
	return mapDBError(err, "cursor")
}

func (r *CursorRepo) List(ctx context.Context) ([]domain.SyncCursor, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT stream, value, updated_at FROM sync_cursors ORDER BY stream`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SyncCursor
	for rows.Next() {
		var stream, value, updated string
		if err := rows.Scan(&stream, &value, &updated); err != nil {
			return nil, err
		}
		out = append(out, domain.SyncCursor{Stream: domain.Stream(stream), Value: value, UpdatedAt: parseTime(updated)})
	}
	return out, rows.Err()
}

var _ domain.CursorRepository = (*CursorRepo)(nil)
