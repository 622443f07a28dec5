package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

// MigrationSource locates golang-migrate migration files.
// Exactly one of Dir or FS must be set; Path is the directory inside FS.
type MigrationSource struct {
	Dir  string
	FS   fs.FS
	Path string
}

// IsZero reports whether no source was configured
func (s MigrationSource) IsZero() bool {
	return s.Dir == "" && s.FS == nil
}

func (s MigrationSource) String() string {
	if s.FS != nil {
		return "fs:" + s.Path
	}
	return s.Dir
}

// MigrationResult describes a completed migration run
type MigrationResult struct {
	Version  uint
	Applied  bool
	Duration time.Duration
}

// RunMigrations applies every pending up migration of src to the database at connString,
// tracking progress in table. Cancelling ctx stops after the migration in flight.
func RunMigrations(ctx context.Context, connString string, src MigrationSource, table string) (*MigrationResult, error) {
	if src.IsZero() {
		return nil, fmt.Errorf("migration source is empty")
	}

	dbURL, err := migrateURL(connString, table)
	if err != nil {
		return nil, err
	}

	m, err := newMigrate(src, dbURL)
	if err != nil {
		return nil, err
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			log.Debug().AnErr("srcErr", srcErr).AnErr("dbErr", dbErr).Msg("Migration close returned errors")
		}
	}()
	m.Log = &migrateLogger{source: src.String()}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-done:
		}
	}()

	start := time.Now()
	err = m.Up()
	duration := time.Since(start)

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("migrations from %s interrupted: %w", src, ctxErr)
		}
		return nil, fmt.Errorf("failed to run migrations from %s: %w", src, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("migrations from %s interrupted: %w", src, ctxErr)
	}

	version, _, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("failed to get migration version: %w", verr)
	}

	result := &MigrationResult{
		Version:  version,
		Applied:  !errors.Is(err, migrate.ErrNoChange),
		Duration: duration,
	}

	if result.Applied {
		log.Info().
			Str("source", src.String()).
			Uint("version", version).
			Int64("duration_ms", duration.Milliseconds()).
			Msg("Migrations applied successfully")
	} else {
		log.Debug().Str("source", src.String()).Msg("No new migrations to apply")
	}

	return result, nil
}

func newMigrate(src MigrationSource, dbURL string) (*migrate.Migrate, error) {
	if src.FS != nil {
		path := src.Path
		if path == "" {
			path = "."
		}
		sourceDriver, err := iofs.New(src.FS, path)
		if err != nil {
			return nil, fmt.Errorf("failed to create migration source: %w", err)
		}
		m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create migration instance: %w", err)
		}
		return m, nil
	}

	dir, err := filepath.Abs(src.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations path %s: %w", src.Dir, err)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("migrations directory %s: %w", src.Dir, err)
	}

	m, err := migrate.New("file://"+filepath.ToSlash(dir), dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// migrateURL rewrites a postgres:// URL for the golang-migrate pgx/v5 driver
func migrateURL(connString, table string) (string, error) {
	u, err := url.Parse(connString)
	if err != nil {
		return "", fmt.Errorf("invalid connection string: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql":
	default:
		return "", fmt.Errorf("unsupported connection scheme %q", u.Scheme)
	}
	u.Scheme = "pgx5"

	q := u.Query()
	if table != "" {
		q.Set("x-migrations-table", table)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// migrateLogger routes golang-migrate output through zerolog
type migrateLogger struct {
	source string
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Debug().Str("source", l.source).Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
