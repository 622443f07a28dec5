package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/fluxbase-eu/pgtest/internal/config"
)

// EphemeralDatabase describes a database left behind by a suite
type EphemeralDatabase struct {
	Name        string     `json:"name" yaml:"name"`
	CreatedAt   *time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	SizeBytes   int64      `json:"size_bytes" yaml:"size_bytes"`
	Connections int64      `json:"connections" yaml:"connections"`
}

// Age returns how long ago the database was created, or zero when unknown
func (d EphemeralDatabase) Age(now time.Time) time.Duration {
	if d.CreatedAt == nil {
		return 0
	}
	return now.Sub(*d.CreatedAt)
}

type databaseRow struct {
	Name        string  `db:"name"`
	Comment     *string `db:"comment"`
	SizeBytes   int64   `db:"size_bytes"`
	Connections int64   `db:"connections"`
}

// SweepResult describes one cleanup pass
type SweepResult struct {
	Found   int
	Dropped []string
	Failed  int
	InUse   []string // stale databases skipped because a suite is still connected
}

// Janitor finds and drops ephemeral databases of crashed or kept runs
type Janitor struct {
	pool    *pgxpool.Pool
	prefix  string
	limiter *rate.Limiter // nil = unthrottled
}

// NewJanitor connects to the maintenance database
func NewJanitor(ctx context.Context, cfg *config.Config) (*Janitor, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.AdminURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse admin database URL: %w", err)
	}
	poolConfig.MaxConns = 2
	poolConfig.MinConns = 0

	var pool *pgxpool.Pool
	err = Retry(ctx, RetryConfigFrom(cfg.Provision), "connect admin", func(ctx context.Context) error {
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, &Error{Op: "connect admin", Err: err}
	}

	return &Janitor{
		pool:    pool,
		prefix:  cfg.Provision.DatabasePrefix,
		limiter: newDropLimiter(cfg.Janitor.DropsPerSecond),
	}, nil
}

// newDropLimiter throttles DROP DATABASE; a non-positive rate disables throttling
func newDropLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Close closes the admin pool
func (j *Janitor) Close() {
	j.pool.Close()
}

// Prefix returns the database name prefix the janitor manages
func (j *Janitor) Prefix() string {
	return j.prefix
}

// ListDatabases returns every non-template database whose name starts with the prefix
func (j *Janitor) ListDatabases(ctx context.Context) ([]EphemeralDatabase, error) {
	query := `
		SELECT
			d.datname AS name,
			shobj_description(d.oid, 'pg_database') AS comment,
			pg_database_size(d.oid) AS size_bytes,
			(SELECT count(*) FROM pg_stat_activity a WHERE a.datname = d.datname) AS connections
		FROM pg_database d
		WHERE d.datname LIKE $1 ESCAPE '\' AND NOT d.datistemplate
		ORDER BY d.datname
	`

	rows, err := j.pool.Query(ctx, query, likePrefix(j.prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowToStructByName[databaseRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan databases: %w", err)
	}

	result := make([]EphemeralDatabase, 0, len(found))
	for _, r := range found {
		d := EphemeralDatabase{
			Name:        r.Name,
			SizeBytes:   r.SizeBytes,
			Connections: r.Connections,
		}
		if r.Comment != nil {
			if ts, ok := parseCreatedAt(*r.Comment); ok {
				d.CreatedAt = &ts
			}
		}
		result = append(result, d)
	}
	return result, nil
}

// Stale returns the databases older than olderThan. With olderThan zero every
// database is stale, including ones without a creation timestamp.
func Stale(dbs []EphemeralDatabase, olderThan time.Duration, now time.Time) []EphemeralDatabase {
	var stale []EphemeralDatabase
	for _, d := range dbs {
		if olderThan <= 0 {
			stale = append(stale, d)
			continue
		}
		if d.CreatedAt != nil && d.Age(now) > olderThan {
			stale = append(stale, d)
		}
	}
	return stale
}

// SplitActive separates databases nobody is connected to from those a running
// suite still holds open
func SplitActive(dbs []EphemeralDatabase) (idle, active []EphemeralDatabase) {
	for _, d := range dbs {
		if d.Connections > 0 {
			active = append(active, d)
			continue
		}
		idle = append(idle, d)
	}
	return idle, active
}

// DropDatabases drops the named databases and returns the ones dropped
func (j *Janitor) DropDatabases(ctx context.Context, names []string) ([]string, error) {
	var dropped []string
	var errs []error
	for _, name := range names {
		if j.limiter != nil {
			if err := j.limiter.Wait(ctx); err != nil {
				errs = append(errs, err)
				break
			}
		}
		if err := j.Drop(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		dropped = append(dropped, name)
	}
	return dropped, errors.Join(errs...)
}

// Sweep drops every database older than olderThan that has no open connections
func (j *Janitor) Sweep(ctx context.Context, olderThan time.Duration) (*SweepResult, error) {
	dbs, err := j.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}

	stale := Stale(dbs, olderThan, time.Now())
	idle, active := SplitActive(stale)

	result := &SweepResult{Found: len(stale), InUse: Names(active)}
	for _, name := range result.InUse {
		log.Debug().Str("database", name).Msg("Skipping database with open connections")
	}

	result.Dropped, err = j.DropDatabases(ctx, Names(idle))
	result.Failed = len(idle) - len(result.Dropped)
	return result, err
}

// Names returns the names of dbs
func Names(dbs []EphemeralDatabase) []string {
	names := make([]string, len(dbs))
	for i, d := range dbs {
		names[i] = d.Name
	}
	return names
}

// Drop drops one ephemeral database; names outside the prefix are refused
func (j *Janitor) Drop(ctx context.Context, name string) error {
	if j.prefix == "" || !strings.HasPrefix(name, j.prefix) {
		return fmt.Errorf("refusing to drop %q: name does not start with %q", name, j.prefix)
	}
	if err := dropDatabase(ctx, j.pool, name); err != nil {
		return err
	}
	log.Info().Str("database", name).Msg("Leftover database dropped")
	return nil
}

// likePrefix turns prefix into a LIKE pattern matching names that start with it
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func parseCreatedAt(comment string) (time.Time, bool) {
	if !strings.HasPrefix(comment, commentPrefix) {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimPrefix(comment, commentPrefix))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
