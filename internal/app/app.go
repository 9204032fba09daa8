// Package app wires the archive store, providers, job families and
// schedulers into one service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mail-archiver/internal/archive"
	"github.com/nhle/mail-archiver/internal/credential"
	"github.com/nhle/mail-archiver/internal/dedup"
	"github.com/nhle/mail-archiver/internal/deletion"
	"github.com/nhle/mail-archiver/internal/importer"
	"github.com/nhle/mail-archiver/internal/jobs"
	"github.com/nhle/mail-archiver/internal/logging"
	"github.com/nhle/mail-archiver/internal/metrics"
	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/provider"
	"github.com/nhle/mail-archiver/internal/provider/email"
	"github.com/nhle/mail-archiver/internal/provider/graph"
	"github.com/nhle/mail-archiver/internal/restore"
	"github.com/nhle/mail-archiver/internal/store"
	appsync "github.com/nhle/mail-archiver/internal/sync"
)

// App is the assembled service. The registries are exported so the
// command line can submit jobs and wait for them.
type App struct {
	Config    *model.AppConfig
	Store     *store.SQLiteStore
	Providers *provider.Factory
	Archiver  *archive.Archiver
	Engine    *appsync.Engine
	Poller    *appsync.Poller

	Sync     *jobs.Registry[appsync.Payload]
	Restore  *jobs.Registry[restore.Payload]
	Deletion *jobs.Registry[deletion.Payload]
	Import   *jobs.Registry[importer.Payload]

	metrics  *metrics.Metrics
	registry *prometheus.Registry
	janitor  *jobs.Janitor
	runners  []func(context.Context) error
	log      zerolog.Logger
}

// Option customizes New.
type Option func(*options)

type options struct {
	store     *store.SQLiteStore
	providers *provider.Factory
}

// WithStore uses s instead of opening the configured database.
func WithStore(s *store.SQLiteStore) Option {
	return func(o *options) { o.store = s }
}

// WithProviders replaces the default provider factory.
func WithProviders(f *provider.Factory) Option {
	return func(o *options) { o.providers = f }
}

// New opens the store, seeds configured accounts and builds every job
// family. Nothing runs until Run or Work is called.
func New(ctx context.Context, cfg *model.AppConfig, log zerolog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	s := o.store
	if s == nil {
		var err error
		s, err = store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening archive: %w", err)
		}
	}

	a := &App{
		Config:   cfg,
		Store:    s,
		registry: prometheus.NewRegistry(),
		log:      log,
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if err := a.seedAccounts(ctx); err != nil {
		return nil, err
	}

	a.Providers = o.providers
	if a.Providers == nil {
		a.Providers = defaultProviders(cfg, logging.Component(log, "provider"))
	}

	index := dedup.NewIndex(s, dedup.PolicyFromConfig(cfg.Dedup))
	a.Archiver = archive.New(index, s, cfg.Limits.MaxIndexBytes, logging.Component(log, "archive"))

	a.Engine = appsync.NewEngine(s, a.Providers, a.Archiver,
		appsync.OptionsFromConfig(cfg.Sync), logging.Component(log, "sync"),
		appsync.WithMetrics(a.metrics))

	// Sync and restore both talk to the remote mailbox, so they share
	// one lock per account.
	remote := jobs.NewAccountLocks()
	a.Sync = jobs.NewRegistry[appsync.Payload](jobs.FamilySync, jobs.WithAccountLocks(remote))
	a.Restore = jobs.NewRegistry[restore.Payload](jobs.FamilyRestore, jobs.WithAccountLocks(remote))
	a.Deletion = jobs.NewRegistry[deletion.Payload](jobs.FamilyDeletion)
	a.Import = jobs.NewRegistry[importer.Payload](jobs.FamilyImport)

	jc := cfg.Jobs
	base := jobs.RunnerConfig{
		Retry:    jobs.RetryFromConfig(jc.Retry),
		Recorder: s,
		Metrics:  a.metrics,
		Logger:   logging.Component(log, "jobs"),
	}
	a.runners = []func(context.Context) error{
		jobs.NewRunner(a.Sync, a.Engine.Run, withPoll(base, jc.SyncPollMs)).Run,
		jobs.NewRunner(a.Restore,
			restore.New(s, a.Providers, cfg.Sync.MessagePause(), logging.Component(log, "restore")).Run,
			withPoll(base, jc.RestorePollMs)).Run,
		jobs.NewRunner(a.Deletion,
			deletion.New(s, logging.Component(log, "deletion")).Run,
			withPoll(base, jc.DeletionPollMs)).Run,
		jobs.NewRunner(a.Import,
			importer.New(s, a.Archiver, a.metrics, logging.Component(log, "import")).Run,
			withPoll(base, jc.ImportPollMs)).Run,
	}

	a.Poller = appsync.NewPoller(s, a.Sync,
		time.Duration(cfg.Sync.PollIntervalSec)*time.Second, logging.Component(log, "poller"))

	janitor, err := jobs.NewJanitor(jc.CleanupSchedule, logging.Component(log, "janitor"),
		jobs.Retention{Cleaner: a.Sync, Keep: hours(jc.SyncRetentionHours)},
		jobs.Retention{Cleaner: a.Restore, Keep: hours(jc.RestoreRetentionHours)},
		jobs.Retention{Cleaner: a.Deletion, Keep: hours(jc.DeletionRetentionHours)},
		jobs.Retention{Cleaner: a.Import, Keep: hours(jc.ImportRetentionHours)},
	)
	if err != nil {
		return nil, err
	}
	a.janitor = janitor

	return a, nil
}

func withPoll(cfg jobs.RunnerConfig, ms int) jobs.RunnerConfig {
	cfg.PollInterval = time.Duration(ms) * time.Millisecond
	return cfg
}

func hours(h int) time.Duration {
	return time.Duration(h) * time.Hour
}

// defaultProviders registers the IMAP and REST implementations.
// Secrets are resolved through the keyring.
func defaultProviders(cfg *model.AppConfig, log zerolog.Logger) *provider.Factory {
	f := provider.NewFactory(credential.Resolve, provider.Options{
		OperationTimeout: cfg.Sync.OperationTimeout(),
		PageSize:         cfg.Sync.PageSize,
		Logger:           log,
	})
	f.Register(model.AccountKindIMAP, email.New)
	f.Register(model.AccountKindGraph, graph.New)
	return f
}

// Work runs the job runners until ctx is cancelled, without scheduled
// syncs. One-shot commands use it.
func (a *App) Work(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, run := range a.runners {
		run := run
		g.Go(func() error { return run(ctx) })
	}
	return g.Wait()
}

// Run is Work plus the sync poller, the job janitor and, when an
// address is configured, the metrics endpoint.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Work(ctx) })

	a.Poller.Start(ctx)
	defer a.Poller.Stop()

	a.janitor.Start()
	defer a.janitor.Stop()

	if addr := a.Config.Metrics.Addr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.MetricsHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.log.Info().Str("addr", addr).Msg("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.log.Info().Int("runners", len(a.runners)).Msg("Archiver running")
	err := g.Wait()
	a.log.Info().Msg("Archiver stopped")
	return err
}

// MetricsHandler exposes the service's Prometheus registry.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
