package repository

import (
	"context"
	"database/sql"
	"time"

	"idgov/internal/domain"
)

// AccessGrantRepo persists temporal access grants. A partial unique index
// guarantees at most one active grant per timer key.
type AccessGrantRepo struct {
	db *sql.DB
}

// NewAccessGrantRepo creates an AccessGrantRepo on the given pool.
func NewAccessGrantRepo(db *sql.DB) *AccessGrantRepo {
	return &AccessGrantRepo{db: db}
}

const grantColumns = `id, grant_key, kind, principal_id, source_id, permissions, assignment_kind,
	delegated_role_id, duration_ms, granted_at, expires_at, state, revoked_at`

func (r *AccessGrantRepo) Create(ctx context.Context, g *domain.AccessGrant) error {
	perms, err := encodeStrings(g.Permissions)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO access_grants (`+grantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		g.ID, g.Key, string(g.Kind), g.PrincipalID, g.SourceID, perms, string(g.AssignmentKind),
		g.DelegatedRoleID, g.Duration.Milliseconds(), formatTime(g.GrantedAt), formatTime(g.ExpiresAt),
		string(g.State))
	return mapDBError(err, "active grant "+g.Key)
}

func (r *AccessGrantRepo) GetActiveByKey(ctx context.Context, key string) (*domain.AccessGrant, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM access_grants WHERE grant_key = ? AND state = ?`,
		key, string(domain.GrantActive))
	g, err := scanGrant(row)
	if err != nil {
		return nil, mapDBError(err, "active grant "+key)
	}
	return g, nil
}

func (r *AccessGrantRepo) ListActive(ctx context.Context) ([]domain.AccessGrant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+grantColumns+` FROM access_grants WHERE state = ? ORDER BY expires_at`,
		string(domain.GrantActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGrants(rows)
}

func (r *AccessGrantRepo) List(ctx context.Context, page domain.PageRequest) ([]domain.AccessGrant, int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_grants`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+grantColumns+` FROM access_grants ORDER BY granted_at DESC, id LIMIT ? OFFSET ?`,
		page.Limit(), page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	grants, err := collectGrants(rows)
	return grants, total, err
}

// Transition moves an active grant to a terminal state. Grants that are
// already terminal are left untouched and reported as not found.
func (r *AccessGrantRepo) Transition(ctx context.Context, id string, state domain.GrantState, at time.Time) error {
	if !state.Terminal() {
		return domain.ErrValidation("cannot transition grant to non-terminal state %q", state)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE access_grants SET state = ?, revoked_at = ? WHERE id = ? AND state = ?`,
		string(state), formatTime(at), id, string(domain.GrantActive))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound("active grant %s not found", id)
	}
	return nil
}

func collectGrants(rows *sql.Rows) ([]domain.AccessGrant, error) {
	var out []domain.AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func scanGrant(s scanner) (*domain.AccessGrant, error) {
	var (
		g                       domain.AccessGrant
		kind, perms, assign     string
		state, granted, expires string
		durationMs              int64
		revoked                 sql.NullString
	)
	if err := s.Scan(&g.ID, &g.Key, &kind, &g.PrincipalID, &g.SourceID, &perms, &assign,
		&g.DelegatedRoleID, &durationMs, &granted, &expires, &state, &revoked); err != nil {
		return nil, err
	}
	g.Kind = domain.GrantKind(kind)
	g.Permissions = decodeStrings(perms)
	g.AssignmentKind = domain.AssignmentKind(assign)
	g.Duration = time.Duration(durationMs) * time.Millisecond
	g.GrantedAt = parseTime(granted)
	g.ExpiresAt = parseTime(expires)
	g.State = domain.GrantState(state)
	if revoked.Valid {
		t := parseTime(revoked.String)
		g.RevokedAt = &t
	}
	return &g, nil
}

var _ domain.AccessGrantRepository = (*AccessGrantRepo)(nil)
