package session

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/fluxbase-eu/pgtest/internal/config"
)

var (
	claimKeyPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	settingNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)+$`)
)

// Statement is one SQL statement with its bind arguments
type Statement struct {
	SQL  string
	Args []any
}

// Policy holds the rules that turn a Context into transaction-local SQL
type Policy struct {
	Roles         []Role
	DefaultRole   Role   // role in effect when a context names none
	ClaimPrefix   string // e.g. "request.jwt.claim."
	ClaimsSetting string // e.g. "request.jwt.claims"; "" disables the aggregate JSON
}

// NewPolicy builds a policy from configuration
func NewPolicy(cfg config.SessionConfig) Policy {
	roles := make([]Role, 0, len(cfg.Roles))
	for _, r := range cfg.Roles {
		roles = append(roles, Role(r))
	}
	return Policy{
		Roles:         roles,
		DefaultRole:   Role(cfg.DefaultRole),
		ClaimPrefix:   cfg.ClaimPrefix,
		ClaimsSetting: cfg.ClaimsSetting,
	}
}

// DefaultPolicy returns the policy of the default configuration
func DefaultPolicy() Policy {
	return NewPolicy(config.Default().Session)
}

// WithDefaultRole returns a copy of p whose empty contexts resolve to role
func (p Policy) WithDefaultRole(role Role) Policy {
	p.DefaultRole = role
	return p
}

// AllowsRole reports whether role may be assumed
func (p Policy) AllowsRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// EffectiveRole returns the role a context runs as
func (p Policy) EffectiveRole(c Context) Role {
	if c.Role != RoleNone {
		return c.Role
	}
	return p.DefaultRole
}

// Validate checks c against the policy
func (p Policy) Validate(c Context) error {
	if c.Role != RoleNone && !p.AllowsRole(c.Role) {
		return fmt.Errorf("%w: role %q is not one of %v", ErrInvalidContext, c.Role, p.Roles)
	}

	seen := make(map[string]struct{}, len(c.Claims))
	for _, cl := range c.Claims {
		if !claimKeyPattern.MatchString(cl.Key) {
			return fmt.Errorf("%w: claim key %q must match %s", ErrInvalidContext, cl.Key, claimKeyPattern)
		}
		if _, dup := seen[cl.Key]; dup {
			return fmt.Errorf("%w: duplicate claim %q", ErrInvalidContext, cl.Key)
		}
		seen[cl.Key] = struct{}{}
		if strings.ContainsRune(cl.Value, 0) {
			return fmt.Errorf("%w: claim %q contains a NUL byte", ErrInvalidContext, cl.Key)
		}
	}

	seen = make(map[string]struct{}, len(c.Settings))
	for _, s := range c.Settings {
		if !settingNamePattern.MatchString(s.Name) {
			return fmt.Errorf("%w: setting name %q must be a dotted identifier", ErrInvalidContext, s.Name)
		}
		if strings.HasPrefix(s.Name, p.ClaimPrefix) || (p.ClaimsSetting != "" && s.Name == p.ClaimsSetting) {
			return fmt.Errorf("%w: setting %q is reserved for claims", ErrInvalidContext, s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: duplicate setting %q", ErrInvalidContext, s.Name)
		}
		seen[s.Name] = struct{}{}
		if strings.ContainsRune(s.Value, 0) {
			return fmt.Errorf("%w: setting %q contains a NUL byte", ErrInvalidContext, s.Name)
		}
	}

	return nil
}

// FromMap converts the untyped mapping form ("role", "<claim prefix><key>",
// the aggregate claims setting, other dotted settings) into a validated Context.
// Keys are processed in sorted order; individual claim keys override the aggregate JSON.
func (p Policy) FromMap(m map[string]string) (Context, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var c Context
	if p.ClaimsSetting != "" {
		if raw, ok := m[p.ClaimsSetting]; ok && raw != "" {
			claims, err := claimsFromJSON([]byte(raw))
			if err != nil {
				return Context{}, fmt.Errorf("%w: %s: %v", ErrInvalidContext, p.ClaimsSetting, err)
			}
			for _, cl := range claims {
				c = c.WithClaim(cl.Key, cl.Value)
			}
		}
	}

	for _, k := range keys {
		v := m[k]
		switch {
		case k == "role":
			c.Role = Role(v)
		case p.ClaimsSetting != "" && k == p.ClaimsSetting:
			// handled above
		case strings.HasPrefix(k, p.ClaimPrefix):
			c = c.WithClaim(strings.TrimPrefix(k, p.ClaimPrefix), v)
		case strings.Contains(k, "."):
			c = c.WithSetting(k, v)
		default:
			return Context{}, fmt.Errorf("%w: unknown key %q (expected role, a claim or a dotted setting)", ErrInvalidContext, k)
		}
	}

	if err := p.Validate(c); err != nil {
		return Context{}, err
	}
	return c, nil
}

// Statements returns the SQL that moves a transaction from the applied context
// prev to next. A nil prev means nothing has been applied in the transaction yet.
// The result replaces prev: claims and settings absent from next are cleared.
func (p Policy) Statements(prev *Context, next Context) ([]Statement, error) {
	if err := p.Validate(next); err != nil {
		return nil, err
	}

	var stmts []Statement

	if role := p.EffectiveRole(next); role != RoleNone {
		stmts = append(stmts, Statement{SQL: "SET LOCAL ROLE " + pgx.Identifier{string(role)}.Sanitize()})
	} else {
		stmts = append(stmts, Statement{SQL: "SET LOCAL ROLE NONE"})
	}

	var pairs []Statement
	set := func(name, value string) {
		pairs = append(pairs, Statement{Args: []any{name, value}})
	}

	if prev != nil {
		for _, cl := range prev.Claims {
			if _, ok := next.Claim(cl.Key); !ok {
				set(p.ClaimPrefix+cl.Key, "")
			}
		}
		for _, s := range prev.Settings {
			if _, ok := next.Setting(s.Name); !ok {
				set(s.Name, "")
			}
		}
	}

	for _, cl := range next.Claims {
		set(p.ClaimPrefix+cl.Key, cl.Value)
	}
	for _, s := range next.Settings {
		set(s.Name, s.Value)
	}

	if p.ClaimsSetting != "" {
		doc, err := p.ClaimsJSON(next)
		if err != nil {
			return nil, err
		}
		set(p.ClaimsSetting, doc)
	}

	if len(pairs) > 0 {
		stmts = append(stmts, batchSetConfig(pairs))
	}

	return stmts, nil
}

// ClaimsJSON renders the aggregate claims document of c.
// The effective role is included under "role" unless a claim overrides it.
func (p Policy) ClaimsJSON(c Context) (string, error) {
	doc := make(map[string]string, len(c.Claims)+1)
	if role := p.EffectiveRole(c); role != RoleNone {
		doc["role"] = string(role)
	}
	for _, cl := range c.Claims {
		doc[cl.Key] = cl.Value
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}
	return string(raw), nil
}

// batchSetConfig folds set_config calls into one round trip
func batchSetConfig(pairs []Statement) Statement {
	var sb strings.Builder
	args := make([]any, 0, len(pairs)*2)
	sb.WriteString("SELECT ")
	for i, pr := range pairs {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := len(args)
		sb.WriteString("set_config($")
		sb.WriteString(strconv.Itoa(n + 1))
		sb.WriteString(", $")
		sb.WriteString(strconv.Itoa(n + 2))
		sb.WriteString(", true)")
		args = append(args, pr.Args...)
	}
	return Statement{SQL: sb.String(), Args: args}
}

// claimsFromJSON flattens a JSON object into claims with string values, sorted by key
func claimsFromJSON(raw []byte) ([]Claim, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return claimsFromMap(doc)
}

func claimsFromMap(doc map[string]any) ([]Claim, error) {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	claims := make([]Claim, 0, len(keys))
	for _, k := range keys {
		if !claimKeyPattern.MatchString(k) {
			continue
		}
		v, err := claimString(doc[k])
		if err != nil {
			return nil, fmt.Errorf("claim %q: %w", k, err)
		}
		claims = append(claims, Claim{Key: k, Value: v})
	}
	return claims, nil
}

func claimString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case json.Number:
		return t.String(), nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}
