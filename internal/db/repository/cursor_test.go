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

func setupCursorRepo(t *testing.T) *CursorRepo {
	t.Helper()
	writeDB, _ := internaldb.OpenTestSQLite(t)
	return NewCursorRepo(writeDB)
}

func TestCursorRepo_ColdStartIsNotFound(t *testing.T) {
	repo := setupCursorRepo(t)

	_, err := repo.Get(context.Background(), domain.StreamSignIns)
	require.Error(t, err)
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestCursorRepo_SaveAndOverwrite(t *testing.T) {
	repo := setupCursorRepo(t)
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Save(ctx, domain.SyncCursor{Stream: domain.StreamDirectoryAudits, Value: "https://graph/delta?t=1", UpdatedAt: at}))
	require.NoError(t, repo.Save(ctx, domain.SyncCursor{Stream: domain.StreamDirectoryAudits, Value: "https://graph/delta?t=2", UpdatedAt: at.Add(time.Hour)}))

	got, err := repo.Get(ctx, domain.StreamDirectoryAudits)
	require.NoError(t, err)
	assert.Equal(t, "https://graph/delta?t=2", got.Value)
	assert.True(t, got.UpdatedAt.Equal(at.Add(time.Hour)))
}

func TestCursorRepo_ListIsPerStream(t *testing.T) {
	repo := setupCursorRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, domain.SyncCursor{Stream: domain.StreamActivity, Value: "2024-01-01T00:00:00Z", UpdatedAt: time.Now()}))
	require.NoError(t, repo.Save(ctx, domain.SyncCursor{Stream: domain.StreamSignIns, Value: "delta", UpdatedAt: time.Now()}))

	cursors, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 2)
	assert.Equal(t, domain.StreamActivity, cursors[0].Stream)
	assert.Equal(t, domain.StreamSignIns, cursors[1].Stream)
}
