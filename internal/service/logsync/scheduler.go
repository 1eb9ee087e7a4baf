package logsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"idgov/internal/domain"
)

// Default trigger intervals.
const (
	DefaultAuditInterval     = 15 * time.Minute
	DefaultSignInInterval    = 15 * time.Minute
	DefaultActivityInterval  = 6 * time.Hour
	DefaultDirectoryInterval = 6 * time.Hour
)

// Scheduler fires stream runs and other periodic jobs on fixed intervals.
// A job whose previous run is still going is skipped, and a panicking job
// is recovered and logged.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID // job name → cron entry
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(runner *Runner, logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "sync-scheduler")
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		runner:  runner,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// ScheduleStream runs stream every interval.
func (s *Scheduler) ScheduleStream(stream domain.Stream, every time.Duration) error {
	return s.ScheduleJob(string(stream), every, func(ctx context.Context) error {
		_, err := s.runner.Run(ctx, stream)
		return err
	})
}

// ScheduleJob runs fn every interval under name, replacing any job already
// registered under that name. Errors from fn are logged.
func (s *Scheduler) ScheduleJob(name string, every time.Duration, fn func(ctx context.Context) error) error {
	if every <= 0 {
		return domain.ErrValidation("interval for %q must be positive", name)
	}
	spec := "@every " + every.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() {
		if err := fn(s.ctx); err != nil {
			s.logger.Warn("scheduled job failed", "job", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q (%s): %w", name, spec, err)
	}
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old)
	}
	s.entries[name] = id
	s.logger.Info("scheduled job", "job", name, "every", every)
	return nil
}

// Unschedule removes the job registered under name.
func (s *Scheduler) Unschedule(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	return true
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NextRun reports when the named job fires next. It is zero until Start.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("sync scheduler started", "jobs", len(s.Jobs()))
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("sync scheduler stop timed out")
	}
	s.logger.Info("sync scheduler stopped")
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
