package logsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"idgov/internal/archive"
	"idgov/internal/clock"
	"idgov/internal/domain"
	"idgov/internal/service/projection"
)

// LogProjector writes categorized records to the graph.
type LogProjector interface {
	ProjectLogs(ctx context.Context, stream domain.Stream, records []domain.LogRecord) (*projection.BatchResult, error)
}

// RunResult summarizes one stream run.
type RunResult struct {
	Stream         domain.Stream
	Records        int
	Skipped        int
	Categories     Tally
	PreviousCursor string
	Cursor         string
	CursorAdvanced bool
	ArchiveKey     string // empty when archiving is off or failed
	Duration       time.Duration
}

// Runner executes one synchronization pass of a stream.
type Runner struct {
	sources   map[domain.Stream]Source
	cursors   domain.CursorRepository
	projector LogProjector
	archive   archive.Sink // nil disables archiving
	clock     clock.Clock
	logger    *slog.Logger
}

// NewRunner creates a Runner over the given sources.
func NewRunner(cursors domain.CursorRepository, projector LogProjector, sink archive.Sink, clk clock.Clock, logger *slog.Logger, sources ...Source) *Runner {
	m := make(map[domain.Stream]Source, len(sources))
	for _, s := range sources {
		m[s.Stream()] = s
	}
	return &Runner{
		sources:   m,
		cursors:   cursors,
		projector: projector,
		archive:   sink,
		clock:     clk,
		logger:    logger.With("component", "logsync"),
	}
}

// Streams lists the configured streams in scheduling order.
func (r *Runner) Streams() []domain.Stream {
	var out []domain.Stream
	for _, s := range domain.Streams {
		if _, ok := r.sources[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Run fetches everything new on stream, projects it, and advances the cursor.
// The cursor is written only after the whole batch was fetched and projected;
// any failure leaves it unchanged so the next run repeats the same range.
func (r *Runner) Run(ctx context.Context, stream domain.Stream) (*RunResult, error) {
	src, ok := r.sources[stream]
	if !ok {
		return nil, domain.ErrNotFound("stream %q is not configured", stream)
	}
	logger := r.logger.With("stream", string(stream))
	start := time.Now()

	prev, err := r.resolveCursor(ctx, stream)
	if err != nil {
		return nil, err
	}
	if prev == "" {
		logger.Info("no cursor, cold start")
	}

	batch, err := src.Collect(ctx, prev)
	if err != nil {
		logger.Error("fetch failed, cursor unchanged", "error", err)
		return nil, err
	}

	records := make([]domain.LogRecord, 0, len(batch.Records))
	tally := Tally{}
	buckets := make(map[domain.Category][]json.RawMessage)
	for _, raw := range batch.Records {
		cat := Categorize(raw)
		tally[cat]++
		buckets[cat] = append(buckets[cat], raw)
		records = append(records, domain.LogRecord{Stream: stream, Category: cat, Raw: raw})
	}

	res := &RunResult{
		Stream:         stream,
		Records:        len(records),
		Categories:     tally,
		PreviousCursor: prev,
		Cursor:         prev,
	}

	if len(records) > 0 {
		res.ArchiveKey = r.archiveBatch(ctx, logger, stream, batch, buckets)

		proj, err := r.projector.ProjectLogs(ctx, stream, records)
		if err != nil {
			logger.Error("projection failed, cursor unchanged", "error", err)
			return res, err
		}
		res.Skipped = proj.SkippedCount()
	}

	if batch.Cursor != "" && batch.Cursor != prev {
		if err := r.cursors.Save(ctx, domain.SyncCursor{
			Stream:    stream,
			Value:     batch.Cursor,
			UpdatedAt: r.clock.Now().UTC(),
		}); err != nil {
			logger.Error("save cursor failed", "error", err)
			return res, fmt.Errorf("save %s cursor: %w", stream, err)
		}
		res.Cursor = batch.Cursor
		res.CursorAdvanced = true
	}

	res.Duration = time.Since(start)
	logger.Info("sync complete",
		"records", res.Records,
		"skipped", res.Skipped,
		"categories", tally,
		"cursor_advanced", res.CursorAdvanced,
		"duration", res.Duration,
	)
	return res, nil
}

// RunAll runs every configured stream in order. A failing stream does not
// stop the others; failures are combined into the returned error.
func (r *Runner) RunAll(ctx context.Context) ([]RunResult, error) {
	var (
		results []RunResult
		errs    error
	)
	for _, s := range r.Streams() {
		res, err := r.Run(ctx, s)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", s, err))
			continue
		}
		results = append(results, *res)
	}
	return results, errs
}

func (r *Runner) resolveCursor(ctx context.Context, stream domain.Stream) (string, error) {
	c, err := r.cursors.Get(ctx, stream)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return "", nil
		}
		return "", fmt.Errorf("load %s cursor: %w", stream, err)
	}
	return c.Value, nil
}

type archiveDocument struct {
	Stream     domain.Stream                         `json:"stream"`
	FetchedAt  time.Time                             `json:"fetchedAt"`
	From       *time.Time                            `json:"from,omitempty"`
	To         *time.Time                            `json:"to,omitempty"`
	Counts     Tally                                 `json:"counts"`
	Categories map[domain.Category][]json.RawMessage `json:"categories"`
}

// archiveBatch stores the categorized raw records. Failures are logged and
// never fail the run.
func (r *Runner) archiveBatch(ctx context.Context, logger *slog.Logger, stream domain.Stream, batch *Batch, buckets map[domain.Category][]json.RawMessage) string {
	if r.archive == nil {
		return ""
	}
	now := r.clock.Now().UTC()
	doc := archiveDocument{
		Stream:     stream,
		FetchedAt:  now,
		Counts:     Tally{},
		Categories: buckets,
	}
	for cat, recs := range buckets {
		doc.Counts[cat] = len(recs)
	}
	if !batch.From.IsZero() {
		from, to := batch.From.UTC(), batch.To.UTC()
		doc.From, doc.To = &from, &to
	}

	body, err := json.Marshal(doc)
	if err != nil {
		logger.Warn("archive encode failed", "error", err)
		return ""
	}
	key := ArchiveKey(stream, now)
	if err := r.archive.Put(ctx, key, body); err != nil {
		logger.Warn("archive write failed", "key", key, "location", r.archive.Location(), "error", err)
		return ""
	}
	return key
}

// ArchiveKey names the archive object for a run of stream at t.
func ArchiveKey(stream domain.Stream, t time.Time) string {
	return fmt.Sprintf("%s/%s_%s.json", stream, stream, t.UTC().Format("20060102T150405.000Z"))
}
