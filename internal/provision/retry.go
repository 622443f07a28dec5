package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fluxbase-eu/pgtest/internal/config"
	"github.com/fluxbase-eu/pgtest/internal/database"
)

// RetryConfig configures the bounded exponential backoff used while connecting
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts including the first one
	MaxAttempts int

	// InitialDelay is the delay before the second attempt
	InitialDelay time.Duration

	// MaxDelay caps the delay between attempts
	MaxDelay time.Duration

	// Multiplier grows the delay after every failed attempt
	Multiplier float64
}

// DefaultRetryConfig returns the retry configuration of the default settings
func DefaultRetryConfig() RetryConfig {
	return RetryConfigFrom(config.Default().Provision)
}

// RetryConfigFrom builds a retry configuration from provisioning settings
func RetryConfigFrom(pc config.ProvisionConfig) RetryConfig {
	return RetryConfig{
		MaxAttempts:  pc.ConnectAttempts,
		InitialDelay: pc.InitialBackoff,
		MaxDelay:     pc.MaxBackoff,
		Multiplier:   pc.BackoffMultiplier,
	}
}

// RetryError reports an operation that kept failing
type RetryError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Retry calls fn until it succeeds, the attempts are exhausted, the error is
// permanent or ctx is done
func Retry(ctx context.Context, rc RetryConfig, op string, fn func(ctx context.Context) error) error {
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = 1
	}
	if rc.Multiplier < 1 {
		rc.Multiplier = 1
	}

	delay := rc.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &RetryError{Op: op, Attempts: attempt - 1, Err: err}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if database.IsPermanentConnectError(err) || attempt == rc.MaxAttempts {
			return &RetryError{Op: op, Attempts: attempt, Err: err}
		}

		log.Debug().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying after transient failure")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &RetryError{Op: op, Attempts: attempt, Err: ctx.Err()}
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * rc.Multiplier)
		if rc.MaxDelay > 0 && delay > rc.MaxDelay {
			delay = rc.MaxDelay
		}
	}

	return &RetryError{Op: op, Attempts: rc.MaxAttempts, Err: lastErr}
}
