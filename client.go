package pgtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/fluxbase-eu/pgtest/internal/database"
	"github.com/fluxbase-eu/pgtest/internal/observability"
	"github.com/fluxbase-eu/pgtest/internal/scope"
	"github.com/fluxbase-eu/pgtest/internal/session"
)

// Client issues statements on one of the suite connections. Operations are
// serialised and run in the order they are issued.
type Client struct {
	name        string
	database    string
	conn        database.Executor
	stack       *scope.Stack
	suite       *Suite
	tokenSecret string

	mu    sync.Mutex
	tests []*scope.Handle // scopes opened by BeforeEach, innermost last
}

func newClient(s *Suite, name string, conn database.Executor, dbName string, policy session.Policy, metrics *observability.Metrics) *Client {
	return &Client{
		name:     name,
		database: dbName,
		conn:     conn,
		stack:    scope.NewStack(conn, policy, scope.Options{Name: name, Metrics: metrics}),
		suite:    s,
	}
}

// Name returns "privileged" or "scoped"
func (c *Client) Name() string {
	return c.name
}

// Depth returns the number of open scopes
func (c *Client) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stack.Depth()
}

// BeforeEach opens the scope of a test and resets the security context to the
// default role
func (c *Client) BeforeEach(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.suite.check("begin test"); err != nil {
		return err
	}

	h, err := c.open(ctx, "test")
	if err != nil {
		return err
	}

	if err := c.stack.SetContext(ctx, session.Anonymous()); err != nil {
		if cerr := c.close(ctx, h); cerr != nil {
			log.Warn().Err(cerr).Str("client", c.name).Msg("Failed to close scope after context reset failed")
		}
		return err
	}

	c.tests = append(c.tests, h)
	return nil
}

// AfterEach rolls back the scope opened by the matching BeforeEach together with
// every scope at or below its depth. Scopes the test left open, and a test scope
// the test closed itself, are reported as a discipline error after the unwind.
func (c *Client) AfterEach(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.suite.check("end test"); err != nil {
		return err
	}

	if len(c.tests) == 0 {
		return &scope.DisciplineError{Reason: scope.ReasonNoOpenScope, Depth: c.stack.Depth(), Detail: "AfterEach without BeforeEach"}
	}
	h := c.tests[len(c.tests)-1]
	c.tests = c.tests[:len(c.tests)-1]

	closedByTest := h.Closed()

	var leaked error
	for top := c.stack.Top(); top != nil && top.Depth() >= h.Depth(); top = c.stack.Top() {
		if top != h && leaked == nil {
			leaked = &scope.DisciplineError{
				Reason: scope.ReasonNotInnermost,
				Depth:  c.stack.Depth(),
				Detail: fmt.Sprintf("scope %q left open by the test", top.Label()),
			}
		}
		if err := c.close(ctx, top); err != nil {
			return err
		}
	}

	if leaked != nil {
		return leaked
	}
	if closedByTest {
		return &scope.DisciplineError{
			Reason: scope.ReasonAlreadyClosed,
			Depth:  c.stack.Depth(),
			Detail: "test scope was closed by the test",
		}
	}
	return nil
}

// Begin opens a nested scope, e.g. for a group of tests sharing fixture rows
func (c *Client) Begin(ctx context.Context, label string) (*ScopeHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.suite.check("open scope"); err != nil {
		return nil, err
	}
	return c.open(ctx, label)
}

// End rolls back and closes h, which must be the innermost open scope
func (c *Client) End(ctx context.Context, h *ScopeHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.suite.check("close scope"); err != nil {
		return err
	}
	return c.close(ctx, h)
}

// Within runs fn inside a nested scope that is rolled back on every exit path
func (c *Client) Within(ctx context.Context, label string, fn func(ctx context.Context) error) (err error) {
	h, err := c.Begin(ctx, label)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.End(ctx, h); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx)
}

func (c *Client) open(ctx context.Context, label string) (*scope.Handle, error) {
	h, err := c.stack.Open(ctx, label)
	c.suite.track(c.name, c.stack.Depth())
	return h, err
}

func (c *Client) close(ctx context.Context, h *scope.Handle) error {
	err := c.stack.Close(ctx, h)
	c.suite.track(c.name, c.stack.Depth())
	return err
}

// SetContext replaces the security context of the innermost scope. The role and
// claims are transaction-local and revert when the scope rolls back.
func (c *Client) SetContext(ctx context.Context, sc SecurityContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.suite.check("set context"); err != nil {
		return err
	}
	return c.stack.SetContext(ctx, sc)
}

// SetContextMap accepts the untyped form: "role", "<claim prefix><key>", the
// aggregate claims setting and other dotted settings
func (c *Client) SetContextMap(ctx context.Context, m map[string]string) error {
	sc, err := c.stack.Policy().FromMap(m)
	if err != nil {
		return err
	}
	return c.SetContext(ctx, sc)
}

// SetContextToken applies the role and claims of a JWT. The signature is verified
// when session.jwt_secret is configured.
func (c *Client) SetContextToken(ctx context.Context, token string) error {
	sc, err := c.stack.Policy().FromJWT(token, c.tokenSecret)
	if err != nil {
		return err
	}
	return c.SetContext(ctx, sc)
}

// ClearContext returns the innermost scope to the default role without claims
func (c *Client) ClearContext(ctx context.Context) error {
	return c.SetContext(ctx, session.Anonymous())
}

// Context returns the security context in effect; ok is false when none was applied
func (c *Client) Context() (sc SecurityContext, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stack.Context()
}

// Any returns every row of the first statement in sql. An empty result is not an error.
func (c *Client) Any(ctx context.Context, sql string, args ...any) ([]Row, error) {
	var result []Row
	err := c.query(ctx, sql, args, func(rows pgx.Rows) error {
		maps, err := pgx.CollectRows(rows, pgx.RowToMap)
		if err != nil {
			return err
		}
		result = make([]Row, len(maps))
		for i, m := range maps {
			result[i] = Row(m)
		}
		return nil
	})
	return result, err
}

// One returns the only row of the result, or a *CardinalityError
func (c *Client) One(ctx context.Context, sql string, args ...any) (Row, error) {
	rows, err := c.Any(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, &CardinalityError{Count: len(rows)}
	}
	return rows[0], nil
}

// Exec runs a statement and returns the number of affected rows
func (c *Client) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.suite.check("exec"); err != nil {
		return 0, err
	}
	if err := c.stack.Guard(sql); err != nil {
		return 0, err
	}

	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, newQueryError(sql, err)
	}
	return tag.RowsAffected(), nil
}

func (c *Client) query(ctx context.Context, sql string, args []any, collect func(pgx.Rows) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.suite.check("query"); err != nil {
		return err
	}
	if err := c.stack.Guard(sql); err != nil {
		return err
	}

	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return newQueryError(sql, err)
	}
	if err := collect(rows); err != nil {
		return newQueryError(sql, err)
	}
	return nil
}

// reset forgets open scopes without SQL; the connection is about to close
func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if depth := c.stack.Depth(); depth > 0 {
		log.Warn().Str("client", c.name).Int("depth", depth).Msg("Scopes still open at teardown")
	}
	c.stack.Reset()
	c.tests = nil
}

// AnyAs collects every row into a T, matching columns to fields by name or db tag
func AnyAs[T any](ctx context.Context, c *Client, sql string, args ...any) ([]T, error) {
	var result []T
	err := c.query(ctx, sql, args, func(rows pgx.Rows) error {
		var err error
		result, err = pgx.CollectRows(rows, pgx.RowToStructByName[T])
		return err
	})
	return result, err
}

// OneAs is AnyAs for exactly one row
func OneAs[T any](ctx context.Context, c *Client, sql string, args ...any) (T, error) {
	var zero T
	rows, err := AnyAs[T](ctx, c, sql, args...)
	if err != nil {
		return zero, err
	}
	if len(rows) != 1 {
		return zero, &CardinalityError{Count: len(rows)}
	}
	return rows[0], nil
}
