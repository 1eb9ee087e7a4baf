package repository

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internaldb "idgov/internal/db"
	"idgov/internal/domain"
)

func setupDepartmentRepo(t *testing.T) *DepartmentRepo {
	t.Helper()
	writeDB, _ := internaldb.OpenTestSQLite(t)
	return NewDepartmentRepo(writeDB)
}

func newDepartment(name string) *domain.Department {
	now := time.Now()
	return &domain.Department{
		Name:        name,
		Description: "Department " + name,
		Resources:   []string{"ledger", "payroll"},
		ParentGroup: "Corporate",
		GroupID:     "grp-" + name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestDepartmentRepo_CreateAndGet(t *testing.T) {
	repo := setupDepartmentRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, newDepartment("Finance"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ledger", "payroll"}, created.Resources)
	assert.Equal(t, "grp-Finance", created.GroupID)

	got, err := repo.Get(ctx, "finance")
	require.NoError(t, err, "names are case-insensitive")
	assert.Equal(t, "Finance", got.Name)
}

func TestDepartmentRepo_DuplicateIsConflict(t *testing.T) {
	repo := setupDepartmentRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, newDepartment("Finance"))
	require.NoError(t, err)

	_, err = repo.Create(ctx, newDepartment("FINANCE"))
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestDepartmentRepo_UpdateResources(t *testing.T) {
	repo := setupDepartmentRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, newDepartment("HR"))
	require.NoError(t, err)

	updated, err := repo.UpdateResources(ctx, "HR", []string{"benefits"})
	require.NoError(t, err)
	assert.Equal(t, []string{"benefits"}, updated.Resources)

	_, err = repo.UpdateResources(ctx, "Nope", nil)
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestDepartmentRepo_ListAndDelete(t *testing.T) {
	repo := setupDepartmentRepo(t)
	ctx := context.Background()

	for _, n := range []string{"Sales", "Engineering"} {
		_, err := repo.Create(ctx, newDepartment(n))
		require.NoError(t, err)
	}

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Engineering", all[0].Name)

	require.NoError(t, repo.Delete(ctx, "Sales"))
	err = repo.Delete(ctx, "Sales")
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}
