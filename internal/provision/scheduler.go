package provision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/fluxbase-eu/pgtest/internal/observability"
)

// Sweeper drops leftover databases; implemented by Janitor
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Duration) (*SweepResult, error)
}

// CleanupScheduler runs the janitor on a cron schedule. It can be stopped and
// started again; each Start gets a fresh runner and context.
type CleanupScheduler struct {
	parser    cron.Parser
	cron      *cron.Cron
	sweeper   Sweeper
	schedule  string
	olderThan time.Duration
	cancel    context.CancelFunc
	metrics   *observability.JanitorMetrics
	running   bool
	lastRun   time.Time
	mu        sync.Mutex
	sweepMu   sync.Mutex
}

// NewCleanupScheduler validates schedule and creates a stopped scheduler.
// Both 5-field and 6-field (with seconds) expressions are accepted, as are
// descriptors such as "@every 10m" and "@hourly".
func NewCleanupScheduler(sweeper Sweeper, schedule string, olderThan time.Duration) (*CleanupScheduler, error) {
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}

	return &CleanupScheduler{
		parser:    parser,
		sweeper:   sweeper,
		schedule:  schedule,
		olderThan: olderThan,
	}, nil
}

// WithMetrics records every pass on m
func (s *CleanupScheduler) WithMetrics(m *observability.JanitorMetrics) *CleanupScheduler {
	s.metrics = m
	return s
}

// LastRun returns when the last pass finished, or the zero time
func (s *CleanupScheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// Start registers the cleanup job and starts the cron runner
func (s *CleanupScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	runner := cron.New(cron.WithParser(s.parser))
	if _, err := runner.AddFunc(s.schedule, func() { s.sweep(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}
	runner.Start()

	s.cron, s.cancel = runner, cancel
	s.running = true

	log.Info().
		Str("schedule", s.schedule).
		Dur("older_than", s.olderThan).
		Msg("Database cleanup scheduler started")

	return nil
}

// Stop cancels a running sweep and waits for it to finish
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	runner, cancel := s.cron, s.cancel
	s.mu.Unlock()

	cancel()
	ctx := runner.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Database cleanup scheduler shutdown timeout")
	}

	log.Info().Msg("Database cleanup scheduler stopped")
}

// IsRunning returns whether the scheduler is running
func (s *CleanupScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow runs one cleanup pass synchronously
func (s *CleanupScheduler) RunNow(ctx context.Context) (*SweepResult, error) {
	return s.sweep(ctx)
}

// sweep runs one pass; overlapping passes are serialized
func (s *CleanupScheduler) sweep(ctx context.Context) (*SweepResult, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	log.Debug().Msg("Starting database cleanup cycle")
	start := time.Now()

	result, err := s.sweeper.Sweep(ctx, s.olderThan)
	duration := time.Since(start)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	if result == nil {
		s.metrics.RecordSweep(0, 0, duration, err)
		log.Error().Err(err).Msg("Database cleanup cycle failed")
		return nil, err
	}
	s.metrics.RecordSweep(len(result.Dropped), result.Failed, duration, err)

	event := log.Info()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.
		Int("found", result.Found).
		Int("dropped", len(result.Dropped)).
		Int("failed", result.Failed).
		Int("in_use", len(result.InUse)).
		Dur("duration", duration).
		Msg("Database cleanup cycle completed")

	return result, err
}
