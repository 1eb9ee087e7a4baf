package repository

import (
	"context"
	"database/sql"

	"idgov/internal/domain"
)

// DepartmentRepo persists departments. Names are case-insensitive.
type DepartmentRepo struct {
	db *sql.DB
}

// NewDepartmentRepo creates a DepartmentRepo on the given pool.
func NewDepartmentRepo(db *sql.DB) *DepartmentRepo {
	return &DepartmentRepo{db: db}
}

const departmentColumns = `name, description, resources, parent_group, group_id, created_at, updated_at`

func (r *DepartmentRepo) Create(ctx context.Context, d *domain.Department) (*domain.Department, error) {
	resources, err := encodeStrings(d.Resources)
	if err != nil {
		return nil, err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO departments (`+departmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.Name, d.Description, resources, d.ParentGroup, d.GroupID,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	if err != nil {
		return nil, mapDBError(err, "department "+d.Name)
	}
	return r.Get(ctx, d.Name)
}

func (r *DepartmentRepo) Get(ctx context.Context, name string) (*domain.Department, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+departmentColumns+` FROM departments WHERE name = ?`, name)
	d, err := scanDepartment(row)
	if err != nil {
		return nil, mapDBError(err, "department "+name)
	}
	return d, nil
}

func (r *DepartmentRepo) List(ctx context.Context) ([]domain.Department, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+departmentColumns+` FROM departments ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Department
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *DepartmentRepo) UpdateResources(ctx context.Context, name string, resources []string) (*domain.Department, error) {
	encoded, err := encodeStrings(resources)
	if err != nil {
		return nil, err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE departments SET resources = ?, updated_at = ? WHERE name = ?`,
		encoded, formatTime(timeNow()), name)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrNotFound("department %s not found", name)
	}
	return r.Get(ctx, name)
}

func (r *DepartmentRepo) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM departments WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound("department %s not found", name)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDepartment(s scanner) (*domain.Department, error) {
	var d domain.Department
	var resources, created, updated string
	if err := s.Scan(&d.Name, &d.Description, &resources, &d.ParentGroup, &d.GroupID, &created, &updated); err != nil {
		return nil, err
	}
	d.Resources = decodeStrings(resources)
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseTime(updated)
	return &d, nil
}

var _ domain.DepartmentRepository = (*DepartmentRepo)(nil)
