package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog/log"

	"github.com/fluxbase-eu/pgtest/internal/observability"
)

// Kind tags a connection with the privilege level it was opened with
type Kind string

const (
	// KindPrivileged connections run as the configured superuser-like role
	KindPrivileged Kind = "privileged"
	// KindScoped connections run as the unprivileged login role subject to RLS
	KindScoped Kind = "scoped"
)

// Transaction status bytes reported by the server in ReadyForQuery
const (
	TxStatusIdle    byte = 'I'
	TxStatusInTx    byte = 'T'
	TxStatusFailed  byte = 'E'
	TxStatusUnknown byte = 0
)

// Executor is the statement surface shared by harness components.
// *Conn implements it; tests substitute fakes.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	TxStatus() byte
}

var _ Executor = (*Conn)(nil)

// ConnectOptions configures Connect
type ConnectOptions struct {
	Kind               Kind
	SlowQueryThreshold time.Duration // 0 disables slow query logging
	Metrics            *observability.Metrics
}

// Conn is a single dedicated session. Every statement issued through it runs
// on the same backend so transaction-local state survives between calls.
type Conn struct {
	conn     *pgx.Conn
	kind     Kind
	database string
	user     string
	slow     time.Duration
	metrics  *observability.Metrics
}

// Connect opens a dedicated connection
func Connect(ctx context.Context, connString string, opts ConnectOptions) (*Conn, error) {
	connConfig, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Schema changes inside a test would invalidate cached prepared statements
	connConfig.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec

	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s as %s: %w", connConfig.Database, connConfig.User, err)
	}

	registerTextTypes(conn)

	kind := opts.Kind
	if kind == "" {
		kind = KindPrivileged
	}

	log.Debug().
		Str("database", connConfig.Database).
		Str("user", connConfig.User).
		Str("kind", string(kind)).
		Msg("Database connection established")

	return &Conn{
		conn:     conn,
		kind:     kind,
		database: connConfig.Database,
		user:     connConfig.User,
		slow:     opts.SlowQueryThreshold,
		metrics:  opts.Metrics,
	}, nil
}

// registerTextTypes maps types pgx cannot decode into interface{} to their text form
func registerTextTypes(conn *pgx.Conn) {
	for _, t := range []struct {
		name string
		oid  uint32
	}{
		{"uuid", pgtype.UUIDOID},
		{"tsvector", 3614},
		{"tsquery", 3615},
		{"regclass", 2205},
	} {
		conn.TypeMap().RegisterType(&pgtype.Type{
			Name:  t.name,
			OID:   t.oid,
			Codec: pgtype.TextCodec{},
		})
	}
}

// Kind returns the privilege tag of the connection
func (c *Conn) Kind() Kind {
	return c.kind
}

// Database returns the name of the connected database
func (c *Conn) Database() string {
	return c.database
}

// User returns the login role of the connection
func (c *Conn) User() string {
	return c.user
}

// Raw returns the underlying pgx connection
func (c *Conn) Raw() *pgx.Conn {
	return c.conn
}

// TxStatus reports the transaction status from the last ReadyForQuery message
func (c *Conn) TxStatus() byte {
	if c.conn == nil || c.conn.IsClosed() {
		return TxStatusUnknown
	}
	return c.conn.PgConn().TxStatus()
}

// IsClosed reports whether the connection has been closed or lost
func (c *Conn) IsClosed() bool {
	return c.conn == nil || c.conn.IsClosed()
}

// Ping checks that the server is still answering
func (c *Conn) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// Close closes the connection. Closing twice is a no-op.
func (c *Conn) Close(ctx context.Context) error {
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	err := c.conn.Close(ctx)
	log.Debug().Str("database", c.database).Str("kind", string(c.kind)).Msg("Database connection closed")
	return err
}

// Exec executes a statement that doesn't return rows.
// Without arguments the simple protocol is used so SQL may hold several statements.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	operation := ExtractOperation(sql)
	ctx, span := observability.StartDBSpan(ctx, string(c.kind), operation, c.database)

	start := time.Now()
	tag, err := c.conn.Exec(ctx, sql, args...)
	duration := time.Since(start)

	observability.EndSpan(span, err)
	c.record(sql, operation, duration, err)
	return tag, err
}

// Query executes a statement that returns rows.
// Without arguments the simple protocol is used so SQL may hold several statements;
// the rows of the first statement are returned.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	operation := ExtractOperation(sql)
	ctx, span := observability.StartDBSpan(ctx, string(c.kind), operation, c.database)

	if len(args) == 0 {
		args = []any{pgx.QueryExecModeSimpleProtocol}
	}

	start := time.Now()
	rows, err := c.conn.Query(ctx, sql, args...)
	duration := time.Since(start)

	observability.EndSpan(span, err)
	c.record(sql, operation, duration, err)
	return rows, err
}

// QueryRow executes a statement that returns at most one row
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	operation := ExtractOperation(sql)

	start := time.Now()
	row := c.conn.QueryRow(ctx, sql, args...)
	c.record(sql, operation, time.Since(start), nil)
	return row
}

func (c *Conn) record(sql, operation string, duration time.Duration, err error) {
	c.metrics.RecordQuery(string(c.kind), operation, duration, err)

	if c.slow > 0 && duration > c.slow {
		log.Warn().
			Str("kind", string(c.kind)).
			Dur("duration", duration).
			Int64("duration_ms", duration.Milliseconds()).
			Str("query", TruncateQuery(sql, 200)).
			Bool("slow_query", true).
			Msg("Slow query detected")
		return
	}

	log.Debug().
		Str("kind", string(c.kind)).
		Int64("duration_ms", duration.Milliseconds()).
		Str("query", TruncateQuery(sql, 200)).
		Err(err).
		Msg("Statement executed")
}

// ExtractOperation extracts the leading SQL keyword of a statement for metrics labels
func ExtractOperation(sql string) string {
	sql = strings.TrimSpace(sql)
	for strings.HasPrefix(sql, "--") {
		if i := strings.IndexByte(sql, '\n'); i >= 0 {
			sql = strings.TrimSpace(sql[i+1:])
		} else {
			return "OTHER"
		}
	}

	end := strings.IndexFunc(sql, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	if end < 0 {
		end = len(sql)
	}
	keyword := strings.ToUpper(sql[:end])

	switch keyword {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "WITH", "CREATE", "ALTER", "DROP",
		"GRANT", "REVOKE", "SET", "BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE",
		"TRUNCATE", "COPY", "DO", "CALL", "COMMENT":
		return keyword
	default:
		return "OTHER"
	}
}

// TruncateQuery truncates a SQL query to a maximum length for logging
func TruncateQuery(query string, maxLen int) string {
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen] + "... (truncated)"
}

// QuoteIdentifier quotes a PostgreSQL identifier, escaping embedded double quotes
func QuoteIdentifier(identifier string) string {
	return pgx.Identifier{identifier}.Sanitize()
}

// QuoteLiteral quotes a PostgreSQL string literal, escaping embedded single quotes
func QuoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
