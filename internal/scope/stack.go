package scope

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/fluxbase-eu/pgtest/internal/database"
	"github.com/fluxbase-eu/pgtest/internal/observability"
	"github.com/fluxbase-eu/pgtest/internal/session"
)

// Executor is the part of a connection a Stack drives
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	TxStatus() byte
}

// Handle identifies one open scope. Handles are closed in reverse order of opening.
type Handle struct {
	depth     int
	savepoint string
	label     string
	applied   *session.Context // context in effect inside the scope; nil until one is applied
	closed    bool
}

// Depth returns the 1-based nesting level of the scope
func (h *Handle) Depth() int { return h.depth }

// Label returns the label given at Open
func (h *Handle) Label() string { return h.label }

// Savepoint returns the name of the savepoint backing the scope
func (h *Handle) Savepoint() string { return h.savepoint }

// Closed reports whether the scope has been closed
func (h *Handle) Closed() bool { return h.closed }

// Options configures a Stack
type Options struct {
	Name    string // client name used in logs and metrics
	Metrics *observability.Metrics
}

// Stack is the LIFO arena of scopes open on one connection. The outermost scope
// starts a transaction; every scope is backed by a savepoint and closing it rolls
// the savepoint back. Nothing is ever committed.
//
// A Stack is not safe for concurrent use.
type Stack struct {
	exec    Executor
	policy  session.Policy
	handles []*Handle
	ownsTx  bool
	name    string
	metrics *observability.Metrics
}

// NewStack creates an empty stack on exec
func NewStack(exec Executor, policy session.Policy, opts Options) *Stack {
	name := opts.Name
	if name == "" {
		name = "default"
	}
	return &Stack{
		exec:    exec,
		policy:  policy,
		name:    name,
		metrics: opts.Metrics,
	}
}

// Depth returns the number of open scopes
func (s *Stack) Depth() int {
	return len(s.handles)
}

// Top returns the innermost open scope, or nil
func (s *Stack) Top() *Handle {
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}

// Policy returns the session policy applied by SetContext
func (s *Stack) Policy() session.Policy {
	return s.policy
}

// Open opens a scope nested in the current innermost one
func (s *Stack) Open(ctx context.Context, label string) (*Handle, error) {
	depth := len(s.handles)

	switch status := s.exec.TxStatus(); status {
	case database.TxStatusIdle:
		if depth > 0 {
			s.fail(ReasonTransactionEnded)
			s.Reset()
			return nil, violation(ReasonTransactionEnded, depth, "transaction was ended outside the harness")
		}
		if _, err := s.exec.Exec(ctx, "BEGIN"); err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}
		s.ownsTx = true
	case database.TxStatusInTx:
		// depth 0 inside a caller-owned transaction: nest without owning it
	case database.TxStatusFailed:
		s.fail(ReasonAbortedTransaction)
		return nil, violation(ReasonAbortedTransaction, depth, "close the failing scope before opening another")
	default:
		s.Reset()
		return nil, fmt.Errorf("cannot open scope %q: %w", label, ErrConnectionLost)
	}

	h := &Handle{
		depth:     depth + 1,
		savepoint: fmt.Sprintf("pgtest_sp_%d", depth+1),
		label:     label,
	}
	if parent := s.Top(); parent != nil {
		h.applied = parent.applied
	}

	if _, err := s.exec.Exec(ctx, "SAVEPOINT "+h.savepoint); err != nil {
		if depth == 0 && s.ownsTx {
			s.rollbackOuter(ctx)
		}
		return nil, fmt.Errorf("failed to open scope %q: %w", label, err)
	}

	s.handles = append(s.handles, h)
	s.metrics.RecordScopeOpened(s.name, len(s.handles))

	log.Debug().
		Str("client", s.name).
		Str("label", label).
		Int("depth", h.depth).
		Msg("Scope opened")

	return h, nil
}

// Close rolls back and closes h, which must be the innermost open scope.
// Closing the outermost scope also rolls back the transaction.
func (s *Stack) Close(ctx context.Context, h *Handle) error {
	depth := len(s.handles)

	if h == nil || h.closed {
		s.fail(ReasonAlreadyClosed)
		return violation(ReasonAlreadyClosed, depth, labelOf(h))
	}
	if depth == 0 {
		s.fail(ReasonNoOpenScope)
		return violation(ReasonNoOpenScope, depth, labelOf(h))
	}
	if s.Top() != h {
		s.fail(ReasonNotInnermost)
		return violation(ReasonNotInnermost, depth, fmt.Sprintf("%q closed while %q is open", h.label, s.Top().label))
	}

	switch s.exec.TxStatus() {
	case database.TxStatusIdle:
		s.fail(ReasonTransactionEnded)
		s.Reset()
		return violation(ReasonTransactionEnded, depth, "transaction was ended outside the harness")
	case database.TxStatusUnknown:
		s.Reset()
		return fmt.Errorf("cannot close scope %q: %w", h.label, ErrConnectionLost)
	}

	if _, err := s.exec.Exec(ctx, "ROLLBACK TO SAVEPOINT "+h.savepoint); err != nil {
		return s.abandon(ctx, h, err)
	}
	if _, err := s.exec.Exec(ctx, "RELEASE SAVEPOINT "+h.savepoint); err != nil {
		return s.abandon(ctx, h, err)
	}

	h.closed = true
	s.handles = s.handles[:depth-1]
	s.metrics.RecordScopeClosed(s.name, len(s.handles))

	if len(s.handles) == 0 && s.ownsTx {
		if _, err := s.exec.Exec(ctx, "ROLLBACK"); err != nil {
			s.ownsTx = false
			return fmt.Errorf("failed to roll back transaction: %w", err)
		}
		s.ownsTx = false
	}

	log.Debug().
		Str("client", s.name).
		Str("label", h.label).
		Int("depth", h.depth).
		Msg("Scope rolled back")

	return nil
}

// abandon gives up on the whole stack after a savepoint could not be restored
func (s *Stack) abandon(ctx context.Context, h *Handle, cause error) error {
	depth := len(s.handles)
	if s.ownsTx {
		s.rollbackOuter(ctx)
	}
	s.Reset()

	if database.IsInvalidSavepoint(cause) {
		s.fail(ReasonSavepointLost)
		return violation(ReasonSavepointLost, depth, h.savepoint)
	}
	return fmt.Errorf("failed to roll back scope %q: %w", h.label, cause)
}

func (s *Stack) rollbackOuter(ctx context.Context) {
	if _, err := s.exec.Exec(ctx, "ROLLBACK"); err != nil {
		log.Warn().Err(err).Str("client", s.name).Msg("Failed to roll back transaction")
	}
	s.ownsTx = false
}

// Within runs fn inside a new scope that is closed on every exit path
func (s *Stack) Within(ctx context.Context, label string, fn func(h *Handle) error) (err error) {
	h, err := s.Open(ctx, label)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(ctx, h); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(h)
}

// SetContext replaces the security context of the innermost scope
func (s *Stack) SetContext(ctx context.Context, c session.Context) error {
	top := s.Top()
	if top == nil {
		s.fail(ReasonNoOpenScope)
		return violation(ReasonNoOpenScope, 0, "security context requires an open scope")
	}

	stmts, err := s.policy.Statements(top.applied, c)
	if err != nil {
		return err
	}

	for _, stmt := range stmts {
		if _, err := s.exec.Exec(ctx, stmt.SQL, stmt.Args...); err != nil {
			return fmt.Errorf("failed to apply security context: %w", err)
		}
	}

	applied := c.Clone()
	top.applied = &applied

	log.Debug().
		Str("client", s.name).
		Str("role", string(s.policy.EffectiveRole(c))).
		Int("claims", len(c.Claims)).
		Int("depth", top.depth).
		Msg("Security context applied")

	return nil
}

// Context returns the security context of the innermost scope.
// ok is false when no context has been applied in the open scopes.
func (s *Stack) Context() (c session.Context, ok bool) {
	top := s.Top()
	if top == nil || top.applied == nil {
		return session.Context{}, false
	}
	return top.applied.Clone(), true
}

// Guard rejects transaction-control statements while a scope is open
func (s *Stack) Guard(sql string) error {
	if len(s.handles) == 0 {
		return nil
	}
	if kind := TransactionControl(sql); kind != "" {
		s.fail(ReasonTransactionControl)
		return violation(ReasonTransactionControl, len(s.handles), kind)
	}
	return nil
}

// Reset forgets every open scope without issuing SQL
func (s *Stack) Reset() {
	for _, h := range s.handles {
		h.closed = true
	}
	s.handles = nil
	s.ownsTx = false
	s.metrics.RecordScopeClosed(s.name, 0)
}

func (s *Stack) fail(reason Reason) {
	s.metrics.RecordScopeViolation(s.name, string(reason))
	log.Debug().Str("client", s.name).Str("reason", string(reason)).Msg("Scope discipline violation")
}

func labelOf(h *Handle) string {
	if h == nil {
		return ""
	}
	return h.label
}
