package logsync

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idgov/internal/clock"
	"idgov/internal/domain"
)

func TestScheduler_RegistersJobs(t *testing.T) {
	t.Parallel()

	r := NewRunner(newCursors(t), &stubProjector{}, nil, clock.NewFake(now), slog.New(slog.DiscardHandler))
	s := NewScheduler(r, slog.New(slog.DiscardHandler))

	require.NoError(t, s.ScheduleStream(domain.StreamDirectoryAudits, DefaultAuditInterval))
	require.NoError(t, s.ScheduleStream(domain.StreamActivity, DefaultActivityInterval))
	require.NoError(t, s.ScheduleJob("directory", DefaultDirectoryInterval, func(context.Context) error { return nil }))
	assert.Equal(t, []string{"activity", "directory", "directoryAudits"}, s.Jobs())

	// Re-registering a name replaces the entry.
	require.NoError(t, s.ScheduleStream(domain.StreamActivity, time.Hour))
	assert.Len(t, s.Jobs(), 3)

	assert.True(t, s.Unschedule("directory"))
	assert.False(t, s.Unschedule("directory"))
	_, ok := s.NextRun("directory")
	assert.False(t, ok)

	err := s.ScheduleJob("bad", 0, func(context.Context) error { return nil })
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestScheduler_FiresAndRecoversPanics(t *testing.T) {
	t.Parallel()

	r := NewRunner(newCursors(t), &stubProjector{}, nil, clock.NewFake(now), slog.New(slog.DiscardHandler))
	s := NewScheduler(r, slog.New(slog.DiscardHandler))

	var ran, panicked atomic.Int32
	require.NoError(t, s.ScheduleJob("tick", time.Second, func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}))
	require.NoError(t, s.ScheduleJob("boom", time.Second, func(context.Context) error {
		panicked.Add(1)
		panic("job exploded")
	}))

	s.Start()
	next, ok := s.NextRun("tick")
	require.True(t, ok)
	assert.False(t, next.IsZero())

	assert.Eventually(t, func() bool { return ran.Load() >= 1 && panicked.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
}
