package logsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idgov/internal/archive"
	"idgov/internal/clock"
	"idgov/internal/db"
	"idgov/internal/db/repository"
	"idgov/internal/domain"
	"idgov/internal/graph"
	"idgov/internal/service/projection"
)

type stubSource struct {
	stream  domain.Stream
	cursors []string // cursors Collect was called with
	batch   func(cursor string) (*Batch, error)
}

func (s *stubSource) Stream() domain.Stream { return s.stream }

func (s *stubSource) Collect(_ context.Context, cursor string) (*Batch, error) {
	s.cursors = append(s.cursors, cursor)
	return s.batch(cursor)
}

type stubProjector struct {
	err     error
	batches [][]domain.LogRecord
}

func (p *stubProjector) ProjectLogs(_ context.Context, _ domain.Stream, records []domain.LogRecord) (*projection.BatchResult, error) {
	p.batches = append(p.batches, records)
	if p.err != nil {
		return &projection.BatchResult{}, p.err
	}
	return &projection.BatchResult{}, nil
}

type failingSink struct{}

func (failingSink) Put(context.Context, string, []byte) error { return errors.New("bucket gone") }
func (failingSink) Location() string                          { return "s3://gone" }

func newCursors(t *testing.T) *repository.CursorRepo {
	t.Helper()
	writeDB, _ := db.OpenTestSQLite(t)
	return repository.NewCursorRepo(writeDB)
}

func auditRecords() []json.RawMessage {
	return []json.RawMessage{
		json.RawMessage(`{"id":"a1","category":"Policy"}`),
		json.RawMessage(`{"id":"a2","operationName":"createUser"}`),
		json.RawMessage(`{"id":"a3"}`),
	}
}

func TestRunner_ColdStartThenResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cursors := newCursors(t)
	proj := &stubProjector{}

	src := &stubSource{stream: domain.StreamDirectoryAudits, batch: func(cursor string) (*Batch, error) {
		if cursor == "" {
			return &Batch{Records: auditRecords(), Cursor: "delta-1"}, nil
		}
		return &Batch{Cursor: "delta-2"}, nil
	}}
	r := NewRunner(cursors, proj, nil, clock.NewFake(now), slog.New(slog.DiscardHandler), src)

	res, err := r.Run(ctx, domain.StreamDirectoryAudits)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Records)
	assert.True(t, res.CursorAdvanced)
	assert.Equal(t, "delta-1", res.Cursor)
	assert.Equal(t, Tally{
		domain.CategoryPolicy:             1,
		domain.CategoryResourceManagement: 1,
		domain.CategoryUncategorized:      1,
	}, res.Categories)
	require.Len(t, proj.batches, 1)
	assert.Equal(t, domain.CategoryPolicy, proj.batches[0][0].Category)
	assert.Equal(t, domain.StreamDirectoryAudits, proj.batches[0][0].Stream)

	res, err = r.Run(ctx, domain.StreamDirectoryAudits)
	require.NoError(t, err)
	assert.Zero(t, res.Records)
	assert.Equal(t, "delta-2", res.Cursor)
	assert.Equal(t, []string{"", "delta-1"}, src.cursors)
	assert.Len(t, proj.batches, 1, "empty batches are not projected")

	saved, err := cursors.Get(ctx, domain.StreamDirectoryAudits)
	require.NoError(t, err)
	assert.Equal(t, "delta-2", saved.Value)
	assert.True(t, now.Equal(saved.UpdatedAt))
}

func TestRunner_FetchFailureKeepsCursor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cursors := newCursors(t)
	require.NoError(t, cursors.Save(ctx, domain.SyncCursor{Stream: domain.StreamSignIns, Value: "delta-1", UpdatedAt: now}))

	src := &stubSource{stream: domain.StreamSignIns, batch: func(string) (*Batch, error) {
		return nil, &domain.TransientFetchError{URL: "delta-1", Status: 500}
	}}
	proj := &stubProjector{}
	r := NewRunner(cursors, proj, nil, clock.NewFake(now), slog.New(slog.DiscardHandler), src)

	_, err := r.Run(ctx, domain.StreamSignIns)
	var tf *domain.TransientFetchError
	require.ErrorAs(t, err, &tf)
	assert.Empty(t, proj.batches)

	saved, err := cursors.Get(ctx, domain.StreamSignIns)
	require.NoError(t, err)
	assert.Equal(t, "delta-1", saved.Value)
}

func TestRunner_ProjectionFailureKeepsCursor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cursors := newCursors(t)

	src := &stubSource{stream: domain.StreamDirectoryAudits, batch: func(string) (*Batch, error) {
		return &Batch{Records: auditRecords(), Cursor: "delta-1"}, nil
	}}
	proj := &stubProjector{err: &domain.ProjectionError{Failed: 1, Err: errors.New("graph down")}}
	r := NewRunner(cursors, proj, nil, clock.NewFake(now), slog.New(slog.DiscardHandler), src)

	res, err := r.Run(ctx, domain.StreamDirectoryAudits)
	var perr *domain.ProjectionError
	require.ErrorAs(t, err, &perr)
	assert.False(t, res.CursorAdvanced)

	_, err = cursors.Get(ctx, domain.StreamDirectoryAudits)
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)

	// The retry after recovery starts from the same position.
	proj.err = nil
	_, err = r.Run(ctx, domain.StreamDirectoryAudits)
	require.NoError(t, err)
	assert.Equal(t, []string{"", ""}, src.cursors)
}

func TestRunner_UnknownStream(t *testing.T) {
	t.Parallel()

	r := NewRunner(newCursors(t), &stubProjector{}, nil, clock.NewFake(now), slog.New(slog.DiscardHandler))
	_, err := r.Run(context.Background(), domain.StreamActivity)
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Empty(t, r.Streams())
}

func TestRunner_ArchivesCategorizedBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := archive.NewLocalSink(dir)
	require.NoError(t, err)

	src := &stubSource{stream: domain.StreamActivity, batch: func(string) (*Batch, error) {
		return &Batch{Records: auditRecords(), Cursor: now.Format(time.RFC3339Nano), From: now.Add(-time.Hour), To: now}, nil
	}}
	r := NewRunner(newCursors(t), &stubProjector{}, sink, clock.NewFake(now), slog.New(slog.DiscardHandler), src)

	res, err := r.Run(ctx, domain.StreamActivity)
	require.NoError(t, err)
	assert.Equal(t, "activity/activity_20240601T120000.000Z.json", res.ArchiveKey)

	body, err := os.ReadFile(filepath.Join(dir, "activity", "activity_20240601T120000.000Z.json"))
	require.NoError(t, err)

	var doc struct {
		Stream     string                       `json:"stream"`
		From       time.Time                    `json:"from"`
		Counts     map[string]int               `json:"counts"`
		Categories map[string][]json.RawMessage `json:"categories"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "activity", doc.Stream)
	assert.True(t, now.Add(-time.Hour).Equal(doc.From))
	assert.Equal(t, 1, doc.Counts["Policy"])
	assert.Len(t, doc.Categories["ResourceManagement"], 1)
}

func TestRunner_ArchiveFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cursors := newCursors(t)

	src := &stubSource{stream: domain.StreamDirectoryAudits, batch: func(string) (*Batch, error) {
		return &Batch{Records: auditRecords(), Cursor: "delta-1"}, nil
	}}
	r := NewRunner(cursors, &stubProjector{}, failingSink{}, clock.NewFake(now), slog.New(slog.DiscardHandler), src)

	res, err := r.Run(ctx, domain.StreamDirectoryAudits)
	require.NoError(t, err)
	assert.Empty(t, res.ArchiveKey)
	assert.True(t, res.CursorAdvanced)
}

func TestRunner_RunAllContinuesPastFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	bad := &stubSource{stream: domain.StreamDirectoryAudits, batch: func(string) (*Batch, error) {
		return nil, errors.New("audit feed down")
	}}
	good := &stubSource{stream: domain.StreamSignIns, batch: func(string) (*Batch, error) {
		return &Batch{Cursor: "delta-s"}, nil
	}}
	r := NewRunner(newCursors(t), &stubProjector{}, nil, clock.NewFake(now), slog.New(slog.DiscardHandler), good, bad)

	assert.Equal(t, []domain.Stream{domain.StreamDirectoryAudits, domain.StreamSignIns}, r.Streams())

	results, err := r.RunAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit feed down")
	require.Len(t, results, 1)
	assert.Equal(t, domain.StreamSignIns, results[0].Stream)
}

// End to end over the real projector: a second identical run adds nothing.
func TestRunner_ProjectsIntoGraph(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	writeDB, readDB := db.OpenTestSQLite(t)
	store := graph.NewSQLiteStore(writeDB, readDB)
	clk := clock.NewFake(now)
	proj := projection.New(store, clk, projection.Options{}, slog.New(slog.DiscardHandler))

	signIns := []json.RawMessage{
		json.RawMessage(`{"id":"s1","createdDateTime":"2024-06-01T02:00:00Z","userId":"u1","appId":"app-1","appDisplayName":"Payroll"}`),
		json.RawMessage(`{"id":"s2","createdDateTime":"2024-06-01T10:00:00Z","userId":"u1","appId":"app-1","appDisplayName":"Payroll"}`),
	}
	src := &stubSource{stream: domain.StreamSignIns, batch: func(string) (*Batch, error) {
		return &Batch{Records: signIns, Cursor: "delta-1"}, nil
	}}
	r := NewRunner(repository.NewCursorRepo(writeDB), proj, nil, clk, slog.New(slog.DiscardHandler), src)

	_, err := r.Run(ctx, domain.StreamSignIns)
	require.NoError(t, err)
	first, err := store.Counts(ctx)
	require.NoError(t, err)

	_, err = r.Run(ctx, domain.StreamSignIns)
	require.NoError(t, err)
	second, err := store.Counts(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.Nodes, second.Nodes)
	assert.Equal(t, first.Edges, second.Edges)
	assert.Equal(t, int64(1), second.ByRel[graph.RelFirstAccess])
	assert.Equal(t, int64(2), second.ByRel[graph.RelInitiated])
}
