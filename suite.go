package pgtest

import (
	"context"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/fluxbase-eu/pgtest/internal/config"
	"github.com/fluxbase-eu/pgtest/internal/database"
	"github.com/fluxbase-eu/pgtest/internal/observability"
	"github.com/fluxbase-eu/pgtest/internal/provision"
	"github.com/fluxbase-eu/pgtest/internal/seed"
	"github.com/fluxbase-eu/pgtest/internal/session"
)

// Version is reported as the service version of exported traces
var Version = "dev"

// SeedReport lists the seeders applied to a suite
type SeedReport = seed.Report

// Options configures a suite beyond Config
type Options struct {
	// MigrationsFS is applied after provision.migrations_path
	MigrationsFS fs.FS

	// MigrationsDir is the directory of MigrationsFS holding the migrations (default ".")
	MigrationsDir string

	// Registerer receives the suite metrics; nil uses a private registry
	Registerer prometheus.Registerer
}

// Suite owns one ephemeral database and the two clients connected to it
type Suite struct {
	cfg        *config.Config
	manager    *provision.Manager
	db         *provision.Database
	tracer     *observability.Tracer
	metrics    *observability.Metrics
	report     *seed.Report
	privileged *Client
	scoped     *Client

	mu     sync.Mutex
	state  State
	depths map[string]int
}

// Acquire provisions an ephemeral database, applies migrations and runs the
// seeders once. A nil cfg loads the configuration with LoadConfig.
func Acquire(ctx context.Context, cfg *Config, seeders ...Seeder) (*Suite, error) {
	return AcquireWith(ctx, cfg, Options{}, seeders...)
}

// AcquireWith is Acquire with options
func AcquireWith(ctx context.Context, cfg *Config, opts Options, seeders ...Seeder) (_ *Suite, err error) {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, &ProvisioningError{Op: "load config", Err: err}
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ProvisioningError{Op: "validate config", Err: err}
	}

	s := &Suite{
		cfg:     cfg,
		state:   StateInit,
		depths:  make(map[string]int),
		metrics: observability.NewMetrics(opts.Registerer),
	}

	tracer, err := observability.NewTracer(ctx, cfg.Tracing, Version)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	} else {
		s.tracer = tracer
	}

	ctx, span := observability.StartSpan(ctx, "pgtest.acquire")
	defer func() { observability.EndSpan(span, err) }()

	start := time.Now()

	s.setState(StateProvisioning)
	migrations := database.MigrationSource{FS: opts.MigrationsFS, Path: opts.MigrationsDir}
	if migrations.FS != nil && migrations.Path == "" {
		migrations.Path = "."
	}
	s.manager = provision.NewManager(cfg, provision.Options{Migrations: migrations, Metrics: s.metrics})

	db, err := s.manager.Provision(ctx)
	if err != nil {
		s.abort(ctx)
		return nil, err
	}
	s.db = db

	s.setState(StateSeeding)
	pipeline := seed.NewPipeline(seeders...).OnApplied(s.metrics.RecordSeed)
	report, err := pipeline.Apply(ctx, seed.Target{
		Conn:       db.Privileged,
		ConnString: db.PrivilegedURL,
		Database:   db.Name,
	})
	if err != nil {
		s.abort(ctx)
		return nil, err
	}
	s.report = report

	policy := session.NewPolicy(cfg.Session)
	s.privileged = newClient(s, string(database.KindPrivileged), db.Privileged, db.Name, policy.WithDefaultRole(session.RoleNone), s.metrics)
	s.scoped = newClient(s, string(database.KindScoped), db.Scoped, db.Name, policy, s.metrics)
	s.privileged.tokenSecret = cfg.Session.JWTSecret
	s.scoped.tokenSecret = cfg.Session.JWTSecret

	s.setState(StateReady)

	log.Info().
		Str("database", db.Name).
		Int("seeders", len(seeders)).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("Suite ready")

	return s, nil
}

// abort releases everything after a fatal provisioning or seeding error
func (s *Suite) abort(ctx context.Context) {
	if err := s.manager.Release(context.WithoutCancel(ctx)); err != nil {
		log.Error().Err(err).Msg("Failed to release database after aborted setup")
	}
	s.shutdownTracer(ctx)
	s.setState(StateClosed)
}

// Privileged returns the client connected as the privileged user. It bypasses
// row-level security and is meant for fixture setup and verification.
func (s *Suite) Privileged() *Client {
	return s.privileged
}

// Scoped returns the client subject to row-level security
func (s *Suite) Scoped() *Client {
	return s.scoped
}

// Database returns the name of the ephemeral database
func (s *Suite) Database() string {
	if s.db == nil {
		return ""
	}
	return s.db.Name
}

// Config returns the configuration the suite was acquired with
func (s *Suite) Config() *Config {
	return s.cfg
}

// SeedReport returns the seeders applied during Acquire
func (s *Suite) SeedReport() *SeedReport {
	return s.report
}

// Registerer returns the registry holding the suite metrics
func (s *Suite) Registerer() prometheus.Registerer {
	return s.metrics.Registerer()
}

// State returns the lifecycle state
func (s *Suite) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Teardown drops the database and closes both clients. Errors are logged, never
// returned, and calling Teardown again is a no-op.
func (s *Suite) Teardown(ctx context.Context) {
	s.mu.Lock()
	if !s.state.CanTransition(StateTeardown) {
		s.mu.Unlock()
		return
	}
	s.state = StateTeardown
	s.mu.Unlock()

	for _, c := range []*Client{s.scoped, s.privileged} {
		if c != nil {
			c.reset()
		}
	}

	if s.manager != nil {
		if err := s.manager.Release(ctx); err != nil {
			log.Error().Err(err).Str("database", s.Database()).Msg("Teardown failed")
		}
	}
	s.shutdownTracer(ctx)

	s.setState(StateClosed)
	log.Debug().Str("database", s.Database()).Msg("Suite closed")
}

func (s *Suite) shutdownTracer(ctx context.Context) {
	if s.tracer == nil {
		return
	}
	if err := s.tracer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down tracer")
	}
}

func (s *Suite) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CanTransition(next) {
		panic(fmt.Sprintf("pgtest: illegal state transition %s -> %s", s.state, next))
	}
	s.state = next
}

// check fails unless clients may issue statements
func (s *Suite) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.AcceptsQueries() {
		return &StateError{State: s.state, Op: op}
	}
	return nil
}

// track records the scope depth of a client; the suite is running a test while
// any client has an open scope
func (s *Suite) track(client string, depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.depths[client] = depth
	if !s.state.AcceptsQueries() {
		return
	}

	s.state = StateReady
	for _, d := range s.depths {
		if d > 0 {
			s.state = StateTestRunning
			break
		}
	}
}
