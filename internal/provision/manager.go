package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxbase-eu/pgtest/internal/config"
	"github.com/fluxbase-eu/pgtest/internal/database"
	"github.com/fluxbase-eu/pgtest/internal/observability"
)

// commentPrefix marks databases created by the harness; the creation time follows it
const commentPrefix = "pgtest:created_at="

// adminExecutor is the part of the admin pool used for CREATE/DROP DATABASE
type adminExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Options configures a Manager beyond the static configuration
type Options struct {
	// Migrations is applied after provision.migrations_path, tracked in its own table
	Migrations database.MigrationSource
	Metrics    *observability.Metrics
}

// Database is a provisioned ephemeral database and its two connections
type Database struct {
	Name          string
	Privileged    *database.Conn
	Scoped        *database.Conn
	PrivilegedURL string
	ScopedURL     string
	CreatedAt     time.Time
}

// Manager provisions one ephemeral database and tears it down again
type Manager struct {
	cfg   *config.Config
	opts  Options
	retry RetryConfig

	mu          sync.Mutex
	adminPool   *pgxpool.Pool
	db          *Database
	provisioned bool
	released    bool
}

// NewManager creates a manager; nothing is connected until Provision
func NewManager(cfg *config.Config, opts Options) *Manager {
	return &Manager{
		cfg:   cfg,
		opts:  opts,
		retry: RetryConfigFrom(cfg.Provision),
	}
}

// Database returns the provisioned database, or nil
func (m *Manager) Database() *Database {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db
}

// Provision creates the ephemeral database, applies migrations, ensures the scoped
// login role and opens both connections. On failure everything created so far is
// removed and a *Error naming the failed step is returned.
func (m *Manager) Provision(ctx context.Context) (db *Database, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return nil, ErrReleased
	}
	if m.provisioned {
		return nil, ErrAlreadyProvisioned
	}
	m.provisioned = true

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "pgtest.provision")
	defer func() {
		observability.EndSpan(span, err)
		m.opts.Metrics.RecordProvision(time.Since(start), err)
	}()

	name := NewDatabaseName(m.cfg.Provision.DatabasePrefix)
	span.SetAttributes(attribute.String("db.name", name))

	db, err = m.provision(ctx, name)
	if err != nil {
		m.cleanup(context.WithoutCancel(ctx), db)
		return nil, err
	}
	m.db = db

	log.Info().
		Str("database", name).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("Ephemeral database provisioned")

	return db, nil
}

func (m *Manager) provision(ctx context.Context, name string) (*Database, error) {
	dbc := m.cfg.Database
	fail := func(op string, err error) error {
		return &Error{Op: op, Database: name, Err: err}
	}

	if err := m.connectAdmin(ctx); err != nil {
		return nil, &Error{Op: "connect admin", Err: err}
	}

	db := &Database{
		Name:          name,
		PrivilegedURL: dbc.URL(name, dbc.User, dbc.Password),
		ScopedURL:     dbc.URL(name, m.cfg.Scoped.User, m.cfg.Scoped.Password),
		CreatedAt:     time.Now().UTC(),
	}

	if err := m.createDatabase(ctx, db); err != nil {
		// nothing to drop when CREATE DATABASE itself failed
		return nil, fail("create database", err)
	}

	privileged, err := m.connect(ctx, db.PrivilegedURL, database.KindPrivileged)
	if err != nil {
		return db, fail("connect privileged", err)
	}
	db.Privileged = privileged

	if err := m.migrate(ctx, db); err != nil {
		return db, fail("migrate", err)
	}

	if err := m.ensureScopedRole(ctx, privileged); err != nil {
		return db, fail("ensure scoped role", err)
	}

	scoped, err := m.connect(ctx, db.ScopedURL, database.KindScoped)
	if err != nil {
		return db, fail("connect scoped", err)
	}
	db.Scoped = scoped

	return db, nil
}

func (m *Manager) connectAdmin(ctx context.Context) error {
	adminConfig, err := pgxpool.ParseConfig(m.cfg.Database.AdminURL())
	if err != nil {
		return fmt.Errorf("failed to parse admin database URL: %w", err)
	}

	// Admin pool only runs CREATE/DROP DATABASE
	adminConfig.MaxConns = 2
	adminConfig.MinConns = 0

	return Retry(ctx, m.retry, "connect admin", func(ctx context.Context) error {
		pool, err := pgxpool.NewWithConfig(ctx, adminConfig)
		if err != nil {
			return fmt.Errorf("failed to create admin connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("unable to ping admin database: %w", err)
		}
		m.adminPool = pool
		return nil
	})
}

func (m *Manager) createDatabase(ctx context.Context, db *Database) error {
	query := "CREATE DATABASE " + database.QuoteIdentifier(db.Name)
	if tmpl := m.cfg.Provision.Template; tmpl != "" {
		query += " TEMPLATE " + database.QuoteIdentifier(tmpl)
	}

	// Concurrent clones of one template may briefly see it as in use
	err := Retry(ctx, m.retry, "create database", func(ctx context.Context) error {
		_, err := m.adminPool.Exec(ctx, query)
		return err
	})
	if err != nil {
		return err
	}

	comment := fmt.Sprintf("COMMENT ON DATABASE %s IS %s",
		database.QuoteIdentifier(db.Name),
		database.QuoteLiteral(commentPrefix+db.CreatedAt.Format(time.RFC3339)))
	if _, err := m.adminPool.Exec(ctx, comment); err != nil {
		log.Warn().Err(err).Str("database", db.Name).Msg("Failed to tag ephemeral database")
	}

	log.Debug().
		Str("database", db.Name).
		Str("template", m.cfg.Provision.Template).
		Msg("Database created")

	return nil
}

func (m *Manager) connect(ctx context.Context, url string, kind database.Kind) (*database.Conn, error) {
	var conn *database.Conn
	err := Retry(ctx, m.retry, "connect "+string(kind), func(ctx context.Context) error {
		c, err := database.Connect(ctx, url, database.ConnectOptions{
			Kind:               kind,
			SlowQueryThreshold: m.cfg.Database.SlowQueryThreshold,
			Metrics:            m.opts.Metrics,
		})
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}

func (m *Manager) migrate(ctx context.Context, db *Database) error {
	table := m.cfg.Provision.MigrationsTable
	if table == "" {
		table = "pgtest_schema_migrations"
	}

	if path := m.cfg.Provision.MigrationsPath; path != "" {
		src := database.MigrationSource{Dir: path}
		if _, err := database.RunMigrations(ctx, db.PrivilegedURL, src, table); err != nil {
			return err
		}
	}

	if !m.opts.Migrations.IsZero() {
		if _, err := database.RunMigrations(ctx, db.PrivilegedURL, m.opts.Migrations, table+"_fs"); err != nil {
			return err
		}
	}

	return nil
}

// ensureScopedRole creates the scoped login role when missing and grants it every
// session role so SET LOCAL ROLE succeeds on the scoped connection
func (m *Manager) ensureScopedRole(ctx context.Context, conn database.Executor) error {
	user := m.cfg.Scoped.User
	if user == m.cfg.Database.User {
		log.Warn().Str("user", user).Msg("Scoped user equals the privileged user; RLS may be bypassed")
		return nil
	}

	var exists bool
	if err := conn.QueryRow(ctx,
		"SELECT EXISTS(SELECT FROM pg_catalog.pg_roles WHERE rolname = $1)", user,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check scoped role: %w", err)
	}

	if !exists {
		if !m.cfg.Scoped.CreateUser {
			return fmt.Errorf("scoped role %q does not exist and scoped.create_user is disabled", user)
		}
		stmt := fmt.Sprintf("CREATE ROLE %s LOGIN NOINHERIT PASSWORD %s",
			database.QuoteIdentifier(user), database.QuoteLiteral(m.cfg.Scoped.Password))
		// another suite may create the role concurrently
		if _, err := conn.Exec(ctx, stmt); err != nil && !database.IsDuplicateObject(err) && !database.IsUniqueViolation(err) {
			return fmt.Errorf("failed to create scoped role: %w", err)
		}
		log.Info().Str("user", user).Msg("Scoped login role created")
	}

	for _, role := range m.cfg.Session.Roles {
		var roleExists, member bool
		if err := conn.QueryRow(ctx, `
			SELECT EXISTS(SELECT FROM pg_catalog.pg_roles WHERE rolname = $1),
			       coalesce((SELECT pg_has_role($2, oid, 'MEMBER') FROM pg_catalog.pg_roles WHERE rolname = $1), false)`,
			role, user,
		).Scan(&roleExists, &member); err != nil {
			return fmt.Errorf("failed to check role %s: %w", role, err)
		}
		if !roleExists {
			log.Warn().Str("role", role).Msg("Session role does not exist; contexts using it will fail")
			continue
		}
		if member {
			continue
		}

		grant := fmt.Sprintf("GRANT %s TO %s", database.QuoteIdentifier(role), database.QuoteIdentifier(user))
		// concurrent suites may grant the same membership
		if _, err := conn.Exec(ctx, grant); err != nil && !database.IsUniqueViolation(err) {
			return fmt.Errorf("failed to grant %s to %s: %w", role, user, err)
		}
		log.Debug().Str("role", role).Str("user", user).Msg("Granted role to scoped user")
	}

	return nil
}

// Release closes both connections, drops the database unless configured to keep
// it and closes the admin pool. Calling Release more than once is a no-op.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return nil
	}
	m.released = true

	err := m.cleanup(ctx, m.db)
	m.db = nil
	return err
}

// cleanup tears down whatever part of db exists
func (m *Manager) cleanup(ctx context.Context, db *Database) error {
	var errs []error

	if db != nil {
		if db.Scoped != nil {
			if err := db.Scoped.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close scoped connection: %w", err))
			}
		}
		if db.Privileged != nil {
			if err := db.Privileged.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close privileged connection: %w", err))
			}
		}

		if m.adminPool != nil {
			if m.cfg.Provision.KeepDatabase {
				log.Info().Str("database", db.Name).Msg("Keeping ephemeral database")
			} else if err := dropDatabase(ctx, m.adminPool, db.Name); err != nil {
				errs = append(errs, err)
			} else {
				log.Info().Str("database", db.Name).Msg("Ephemeral database dropped")
			}
		}
	}

	if m.adminPool != nil {
		m.adminPool.Close()
		m.adminPool = nil
	}

	return errors.Join(errs...)
}

// dropDatabase terminates remaining backends and drops the database
func dropDatabase(ctx context.Context, admin adminExecutor, name string) error {
	terminateQuery := `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()
	`
	_, _ = admin.Exec(ctx, terminateQuery, name)

	// Small delay to allow connections to close
	select {
	case <-ctx.Done():
	case <-time.After(100 * time.Millisecond):
	}

	if _, err := admin.Exec(ctx, "DROP DATABASE IF EXISTS "+database.QuoteIdentifier(name)); err != nil {
		return fmt.Errorf("failed to drop database %s: %w", name, err)
	}
	return nil
}

// NewDatabaseName returns prefix followed by 32 random hex characters
func NewDatabaseName(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
