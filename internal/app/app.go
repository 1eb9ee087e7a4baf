// Package app wires repositories, upstream clients and services from the
// configuration. Both the server and the one-shot CLI commands build on it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"idgov/internal/api"
	"idgov/internal/archive"
	"idgov/internal/clock"
	"idgov/internal/config"
	"idgov/internal/db/repository"
	"idgov/internal/directory"
	"idgov/internal/domain"
	"idgov/internal/graph"
	"idgov/internal/service/access"
	"idgov/internal/service/dirsync"
	"idgov/internal/service/importer"
	"idgov/internal/service/logsync"
	"idgov/internal/service/projection"
	"idgov/internal/timer"
)

// Deps holds the external dependencies that main() must provide.
// Directory, AuditClient and ARMClient are optional overrides; when nil they
// are built from the directory credentials in Cfg.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Logger  *slog.Logger
	Clock   clock.Clock // defaults to the real clock

	Directory   domain.Directory
	AuditClient logsync.PageFetcher
	ARMClient   logsync.PageFetcher
}

// Services groups every service the API handler, scheduler and CLI need.
type Services struct {
	Cursors     domain.CursorRepository
	Projector   *projection.Projector
	Runner      *logsync.Runner
	Scheduler   *logsync.Scheduler
	DirSync     *dirsync.Service
	Grants      *access.Manager
	Departments *access.DepartmentService
	Privileges  *access.PrivilegeAnalyzer
	Roles       *access.RoleService
	Importer    *importer.Service
}

// App holds the fully-wired application.
type App struct {
	Services Services
	Graph    graph.Store
	Archive  archive.Sink // nil when archiving is off
	Timers   *timer.Scheduler

	logger *slog.Logger
}

// New wires all repositories, clients and services from the provided deps.
// Nothing is started; see Start.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}

	// === Graph ===
	store, err := openGraph(ctx, cfg.Graph, deps.WriteDB, deps.ReadDB)
	if err != nil {
		return nil, err
	}
	projector := projection.New(store, clk, projection.Options{
		OffHours: projection.OffHours{
			Location: cfg.Graph.OffHoursLocation,
			Start:    cfg.Graph.OffHoursStart,
			End:      cfg.Graph.OffHoursEnd,
		},
		SensitiveResources: cfg.Graph.SensitiveResources,
	}, logger)

	// === Archive ===
	sink, err := archive.New(ctx, archiveOptions(cfg.Archive))
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("archive: %w", err)
	}
	if sink != nil {
		logger.Info("raw payload archive enabled", "location", sink.Location())
	}

	// === Repositories ===
	cursors := repository.NewCursorRepo(deps.WriteDB)
	departmentRepo := repository.NewDepartmentRepo(deps.WriteDB)
	grantRepo := repository.NewAccessGrantRepo(deps.WriteDB)
	eventRepo := repository.NewAccessEventRepo(deps.WriteDB)

	// === Upstream clients ===
	creds := directory.Credentials{
		TenantID:     cfg.Directory.TenantID,
		ClientID:     cfg.Directory.ClientID,
		ClientSecret: cfg.Directory.ClientSecret,
		AuthorityURL: cfg.Directory.AuthorityURL,
	}
	dir := deps.Directory
	if dir == nil {
		dir = directory.NewGraphClient(creds.HTTPClient(ctx, directory.GraphScope), directory.GraphOptions{
			BaseURL:            cfg.Directory.GraphBaseURL,
			AppID:              cfg.Directory.ClientID,
			ServicePrincipalID: cfg.Directory.AppResourceID,
		}, logger)
	}
	fetcherOpts := logsync.FetcherOptions{
		MaxAttempts:       cfg.Sync.MaxRetries,
		BaseDelay:         cfg.Sync.RetryBaseDelay,
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
	}
	auditFetcher := deps.AuditClient
	if auditFetcher == nil {
		auditFetcher = logsync.NewFetcher(creds.HTTPClient(ctx, directory.GraphScope), fetcherOpts, logger)
	}

	// === Log synchronization ===
	sources := []logsync.Source{
		logsync.NewContinuationStream(domain.StreamDirectoryAudits, auditFetcher, cfg.Directory.AuditBaseURL, 0, clk),
		logsync.NewContinuationStream(domain.StreamSignIns, auditFetcher, cfg.Directory.AuditBaseURL, cfg.Sync.SignInLookback, clk),
	}
	if cfg.Directory.SubscriptionID != "" {
		armFetcher := deps.ARMClient
		if armFetcher == nil {
			armFetcher = logsync.NewFetcher(creds.HTTPClient(ctx, directory.ARMScope), fetcherOpts, logger)
		}
		sources = append(sources, logsync.NewWindowedStream(armFetcher, cfg.Directory.ARMBaseURL,
			cfg.Directory.SubscriptionID, cfg.Sync.ActivityLookback, cfg.Sync.ActivityWindow, clk))
	}
	runner := logsync.NewRunner(cursors, projector, sink, clk, logger, sources...)
	dirSync := dirsync.New(dir, departmentRepo, projector, logger)

	// === Access governance ===
	policy, err := access.ParseSupersedePolicy(cfg.Grants.SupersedePolicy)
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	timers := timer.New(clk, logger)
	grants := access.NewManager(dir, timers, grantRepo, eventRepo, projector, clk, access.Options{
		SupersedePolicy: policy,
		MaxDuration:     cfg.Grants.MaxDuration,
		Location:        cfg.Grants.Location,
	}, logger)
	departments := access.NewDepartmentService(dir, departmentRepo, eventRepo, projector, clk, logger)
	privileges := access.NewPrivilegeAnalyzer(dir, eventRepo, projector, clk, logger)
	roles := access.NewRoleService(dir, eventRepo, projector, clk, logger)
	imp := importer.New(dir, departments, dirSync, importer.Options{
		TenantDomain:    cfg.Directory.TenantDomain,
		InitialPassword: cfg.Directory.InitialPassword,
	}, logger)

	// === Scheduler ===
	scheduler := logsync.NewScheduler(runner, logger)
	if cfg.Sync.SchedulerEnabled {
		if err := scheduleJobs(scheduler, runner, dirSync, cfg.Sync); err != nil {
			_ = store.Close(ctx)
			return nil, err
		}
	}
	if cfg.Grants.ReconcileInterval > 0 {
		err := scheduler.ScheduleJob(grantsJob, cfg.Grants.ReconcileInterval, func(ctx context.Context) error {
			_, err := grants.Reconcile(ctx)
			return err
		})
		if err != nil {
			_ = store.Close(ctx)
			return nil, err
		}
	}

	return &App{
		Services: Services{
			Cursors:     cursors,
			Projector:   projector,
			Runner:      runner,
			Scheduler:   scheduler,
			DirSync:     dirSync,
			Grants:      grants,
			Departments: departments,
			Privileges:  privileges,
			Roles:       roles,
			Importer:    imp,
		},
		Graph:   store,
		Archive: sink,
		Timers:  timers,
		logger:  logger,
	}, nil
}

// Start re-arms persisted grant timers and starts the scheduler, which runs
// the sync jobs (when enabled) and the grant reconcile job.
func (a *App) Start(ctx context.Context) error {
	n, err := a.Services.Grants.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore grants: %w", err)
	}
	if n > 0 {
		a.logger.Info("grant timers restored", "count", n)
	}
	if len(a.Services.Scheduler.Jobs()) > 0 {
		a.Services.Scheduler.Start()
	}
	return nil
}

// Close stops background work and releases the graph connection. Pending
// grant timers are dropped; Restore re-arms them on the next start.
func (a *App) Close(ctx context.Context) error {
	a.Services.Scheduler.Stop(ctx)
	a.Timers.Stop()
	return a.Graph.Close(ctx)
}

// APIServices returns the services exposed over HTTP.
func (a *App) APIServices() api.Services {
	return api.Services{
		Syncer:      a.Services.Runner,
		Cursors:     a.Services.Cursors,
		Grants:      a.Services.Grants,
		Departments: a.Services.Departments,
		Privileges:  a.Services.Privileges,
		Roles:       a.Services.Roles,
	}
}

func openGraph(ctx context.Context, cfg config.GraphConfig, writeDB, readDB *sql.DB) (graph.Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return graph.NewSQLiteStore(writeDB, readDB), nil
	case "neo4j":
		store, err := graph.NewNeo4jStore(ctx, graph.Neo4jOptions{
			URI:      cfg.Neo4jURI,
			Username: cfg.Neo4jUsername,
			Password: cfg.Neo4jPassword,
			Database: cfg.Neo4jDatabase,
		})
		if err != nil {
			return nil, fmt.Errorf("neo4j: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown graph backend %q", cfg.Backend)
	}
}

// grantsJob is the scheduler job that reconciles grant timers.
const grantsJob = "grants"

func scheduleJobs(s *logsync.Scheduler, runner *logsync.Runner, dirSync *dirsync.Service, cfg config.SyncConfig) error {
	intervals := map[domain.Stream]time.Duration{
		domain.StreamDirectoryAudits: cfg.AuditInterval,
		domain.StreamSignIns:         cfg.SignInInterval,
		domain.StreamActivity:        cfg.ActivityInterval,
	}
	for _, stream := range runner.Streams() {
		if err := s.ScheduleStream(stream, intervals[stream]); err != nil {
			return err
		}
	}
	return s.ScheduleJob("directory", cfg.DirectoryInterval, func(ctx context.Context) error {
		_, err := dirSync.Sync(ctx)
		return err
	})
}

func archiveOptions(c config.ArchiveConfig) archive.Options {
	return archive.Options{
		Backend:          archive.Backend(c.Backend),
		Prefix:           c.Prefix,
		LocalDir:         c.Dir,
		S3Endpoint:       deref(c.S3Endpoint),
		S3Region:         deref(c.S3Region),
		S3KeyID:          deref(c.S3KeyID),
		S3Secret:         deref(c.S3Secret),
		S3Bucket:         deref(c.S3Bucket),
		AzureAccountName: c.AzureAccountName,
		AzureAccountKey:  c.AzureAccountKey,
		AzureContainer:   c.AzureContainer,
		AzureServiceURL:  c.AzureServiceURL,
		GCSBucket:        c.GCSBucket,
		GCSKeyFile:       c.GCSKeyFile,
		GCSEndpoint:      c.GCSEndpoint,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
