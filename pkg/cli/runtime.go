package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"idgov/internal/app"
	"idgov/internal/config"
	"idgov/internal/db"
)

// runtime is the state shared by commands that touch the metastore.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	writeDB *sql.DB
	readDB  *sql.DB
}

// loadRuntime reads the environment, opens the metastore and applies any
// pending migrations.
func loadRuntime(cmd *cobra.Command) (*runtime, error) {
	envFile, _ := cmd.Root().PersistentFlags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if v, _ := cmd.Root().PersistentFlags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.SlogLevel())
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	writeDB, readDB, err := db.OpenPair(cfg.MetaDBPath, 0)
	if err != nil {
		return nil, fmt.Errorf("open metastore: %w", err)
	}
	if err := db.Migrate(writeDB); err != nil {
		_ = readDB.Close()
		_ = writeDB.Close()
		return nil, fmt.Errorf("migrate metastore: %w", err)
	}
	return &runtime{cfg: cfg, logger: logger, writeDB: writeDB, readDB: readDB}, nil
}

// newApp wires the application. Callers close it before closing rt.
func (rt *runtime) newApp(ctx context.Context) (*app.App, error) {
	return app.New(ctx, app.Deps{
		Cfg:     rt.cfg,
		WriteDB: rt.writeDB,
		ReadDB:  rt.readDB,
		Logger:  rt.logger,
	})
}

func (rt *runtime) close() {
	_ = rt.readDB.Close()
	_ = rt.writeDB.Close()
}

// withApp runs fn against a wired application without starting the
// scheduler or re-arming grant timers.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	// One-shot commands never run the scheduler.
	rt.cfg.Sync.SchedulerEnabled = false

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := rt.newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()
	return fn(ctx, a)
}

// newLogger logs human-readable text to terminals and JSON otherwise.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
