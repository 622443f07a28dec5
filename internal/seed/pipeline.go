package seed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxbase-eu/pgtest/internal/observability"
)

// ReportEntry describes one applied seeder
type ReportEntry struct {
	Seeder   string
	Duration time.Duration
}

// Report describes a completed pipeline run
type Report struct {
	Entries  []ReportEntry
	Duration time.Duration
}

// Hook observes every seeder as it finishes
type Hook func(seeder string, duration time.Duration, err error)

// Pipeline applies seeders in order, exactly once
type Pipeline struct {
	seeders []Seeder
	hook    Hook

	mu      sync.Mutex
	applied bool
}

// NewPipeline creates a pipeline of seeders
func NewPipeline(seeders ...Seeder) *Pipeline {
	return &Pipeline{seeders: seeders}
}

// OnApplied registers a hook called after each seeder
func (p *Pipeline) OnApplied(h Hook) *Pipeline {
	p.hook = h
	return p
}

// Len returns the number of seeders
func (p *Pipeline) Len() int {
	return len(p.seeders)
}

// Apply runs every seeder against t. The first failure aborts the pipeline with
// an *Error; nothing is retried. A pipeline can be applied once.
func (p *Pipeline) Apply(ctx context.Context, t Target) (*Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.applied {
		return nil, ErrAlreadyApplied
	}
	p.applied = true

	report := &Report{}
	start := time.Now()

	for i, s := range p.seeders {
		name := s.Name()
		seedCtx, span := observability.StartSpan(ctx, "pgtest.seed",
			attribute.String("seeder", name),
			attribute.Int("index", i),
		)

		target := t
		target.Index = i

		seedStart := time.Now()
		err := s.Seed(seedCtx, target)
		duration := time.Since(seedStart)

		observability.EndSpan(span, err)
		if p.hook != nil {
			p.hook(name, duration, err)
		}

		if err != nil {
			log.Error().Err(err).Str("seeder", name).Int("index", i).Msg("Seeder failed")
			return report, &Error{Index: i, Seeder: name, Err: err}
		}

		report.Entries = append(report.Entries, ReportEntry{Seeder: name, Duration: duration})
		log.Info().
			Str("seeder", name).
			Str("database", t.Database).
			Int64("duration_ms", duration.Milliseconds()).
			Msg("Seeder applied")
	}

	report.Duration = time.Since(start)
	return report, nil
}
