package repository

import (
	"context"
	"database/sql"
	"strings"

	"idgov/internal/domain"
)

// AccessEventRepo persists the access audit trail.
type AccessEventRepo struct {
	db *sql.DB
}

// NewAccessEventRepo creates an AccessEventRepo on the given pool.
func NewAccessEventRepo(db *sql.DB) *AccessEventRepo {
	return &AccessEventRepo{db: db}
}

func (r *AccessEventRepo) Insert(ctx context.Context, e *domain.AccessEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO access_events (id, principal_id, resource, action, actor, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.PrincipalID, e.Resource, e.Action, e.Actor, formatTime(e.OccurredAt))
	return mapDBError(err, "access event "+e.ID)
}

func (r *AccessEventRepo) List(ctx context.Context, filter domain.AccessEventFilter) ([]domain.AccessEvent, int64, error) {
	var where []string
	var args []any
	if filter.PrincipalID != nil {
		where = append(where, "principal_id = ?")
		args = append(args, *filter.PrincipalID)
	}
	if filter.Resource != nil {
		where = append(where, "resource = ?")
		args = append(args, *filter.Resource)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_events`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, principal_id, resource, action, actor, occurred_at FROM access_events`+clause+
			` ORDER BY occurred_at DESC, id LIMIT ? OFFSET ?`,
		append(args, filter.Page.Limit(), filter.Page.Offset())...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []domain.AccessEvent
	for rows.Next() {
		var e domain.AccessEvent
		var occurred string
		if err := rows.Scan(&e.ID, &e.PrincipalID, &e.Resource, &e.Action, &e.Actor, &occurred); err != nil {
			return nil, 0, err
		}
		e.OccurredAt = parseTime(occurred)
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (r *AccessEventRepo) CountByPrincipal(ctx context.Context, principalID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_events WHERE principal_id = ?`, principalID).Scan(&n)
	return n, err
}

var _ domain.AccessEventRepository = (*AccessEventRepo)(nil)
