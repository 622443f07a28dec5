package session

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{
		Roles:         []Role{RoleAnon, RoleAuthenticated, RoleServiceRole},
		DefaultRole:   RoleAnon,
		ClaimPrefix:   "request.jwt.claim.",
		ClaimsSetting: "request.jwt.claims",
	}
}

// =============================================================================
// Validation
// =============================================================================

func TestPolicy_Validate(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name    string
		ctx     Context
		wantErr string
	}{
		{name: "empty context", ctx: Context{}},
		{name: "known role", ctx: As(RoleAuthenticated, Claim{Key: "sub", Value: "u1"})},
		{name: "unknown role", ctx: As("postgres"), wantErr: `role "postgres"`},
		{name: "claim key with dot", ctx: Context{Claims: []Claim{{Key: "a.b", Value: "x"}}}, wantErr: "claim key"},
		{name: "claim key with quote", ctx: Context{Claims: []Claim{{Key: "sub'", Value: "x"}}}, wantErr: "claim key"},
		{name: "duplicate claim", ctx: Context{Claims: []Claim{{Key: "sub", Value: "1"}, {Key: "sub", Value: "2"}}}, wantErr: "duplicate claim"},
		{name: "nul in claim", ctx: Context{Claims: []Claim{{Key: "sub", Value: "a\x00b"}}}, wantErr: "NUL"},
		{name: "dotted setting", ctx: Context{Settings: []Setting{{Name: "app.tenant_id", Value: "t"}}}},
		{name: "undotted setting", ctx: Context{Settings: []Setting{{Name: "search_path", Value: "x"}}}, wantErr: "dotted identifier"},
		{name: "setting shadows claim", ctx: Context{Settings: []Setting{{Name: "request.jwt.claim.sub", Value: "x"}}}, wantErr: "reserved for claims"},
		{name: "setting shadows claims json", ctx: Context{Settings: []Setting{{Name: "request.jwt.claims", Value: "{}"}}}, wantErr: "reserved for claims"},
		{name: "duplicate setting", ctx: Context{Settings: []Setting{{Name: "app.a", Value: "1"}, {Name: "app.a", Value: "2"}}}, wantErr: "duplicate setting"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(tt.ctx)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidContext))
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestPolicy_EffectiveRole(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, RoleAnon, p.EffectiveRole(Context{}))
	assert.Equal(t, RoleServiceRole, p.EffectiveRole(As(RoleServiceRole)))
	assert.Equal(t, RoleNone, p.WithDefaultRole(RoleNone).EffectiveRole(Context{}))
}

func TestNewPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, []Role{RoleAnon, RoleAuthenticated, RoleServiceRole}, p.Roles)
	assert.Equal(t, RoleAnon, p.DefaultRole)
	assert.Equal(t, "request.jwt.claim.", p.ClaimPrefix)
	assert.Equal(t, "request.jwt.claims", p.ClaimsSetting)
}

// =============================================================================
// FromMap
// =============================================================================

func TestPolicy_FromMap(t *testing.T) {
	p := testPolicy()

	t.Run("role and claims", func(t *testing.T) {
		c, err := p.FromMap(map[string]string{
			"role":                    "authenticated",
			"request.jwt.claim.sub":   "u1",
			"request.jwt.claim.email": "u1@example.com",
		})
		require.NoError(t, err)
		assert.Equal(t, RoleAuthenticated, c.Role)
		assert.Equal(t, []Claim{{Key: "email", Value: "u1@example.com"}, {Key: "sub", Value: "u1"}}, c.Claims)
		assert.Empty(t, c.Settings)
	})

	t.Run("aggregate claims json with override", func(t *testing.T) {
		c, err := p.FromMap(map[string]string{
			"request.jwt.claims":    `{"sub":"from-json","aal":"aal1","exp":1700000000,"nested":{"a":1}}`,
			"request.jwt.claim.sub": "explicit",
		})
		require.NoError(t, err)
		sub, _ := c.Claim("sub")
		assert.Equal(t, "explicit", sub)
		exp, _ := c.Claim("exp")
		assert.Equal(t, "1700000000", exp)
		nested, _ := c.Claim("nested")
		assert.Equal(t, `{"a":1}`, nested)
	})

	t.Run("other dotted keys become settings", func(t *testing.T) {
		c, err := p.FromMap(map[string]string{"app.tenant_id": "t1"})
		require.NoError(t, err)
		v, ok := c.Setting("app.tenant_id")
		assert.True(t, ok)
		assert.Equal(t, "t1", v)
	})

	t.Run("unknown bare key", func(t *testing.T) {
		_, err := p.FromMap(map[string]string{"user": "x"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidContext)
	})

	t.Run("invalid role", func(t *testing.T) {
		_, err := p.FromMap(map[string]string{"role": "postgres"})
		assert.ErrorIs(t, err, ErrInvalidContext)
	})

	t.Run("malformed claims json", func(t *testing.T) {
		_, err := p.FromMap(map[string]string{"request.jwt.claims": "{"})
		assert.ErrorIs(t, err, ErrInvalidContext)
	})

	t.Run("empty map is the anonymous context", func(t *testing.T) {
		c, err := p.FromMap(nil)
		require.NoError(t, err)
		assert.True(t, c.IsEmpty())
	})
}

// =============================================================================
// Statements
// =============================================================================

func TestPolicy_Statements_FirstApplication(t *testing.T) {
	p := testPolicy()

	stmts, err := p.Statements(nil, As(RoleAuthenticated, Claim{Key: "sub", Value: "u1"}))
	require.NoError(t, err)
	require.Len(t, stmts, 2)

	assert.Equal(t, `SET LOCAL ROLE "authenticated"`, stmts[0].SQL)
	assert.Empty(t, stmts[0].Args)

	assert.Equal(t, "SELECT set_config($1, $2, true), set_config($3, $4, true)", stmts[1].SQL)
	require.Len(t, stmts[1].Args, 4)
	assert.Equal(t, "request.jwt.claim.sub", stmts[1].Args[0])
	assert.Equal(t, "u1", stmts[1].Args[1])
	assert.Equal(t, "request.jwt.claims", stmts[1].Args[2])
	assert.JSONEq(t, `{"role":"authenticated","sub":"u1"}`, stmts[1].Args[3].(string))
}

func TestPolicy_Statements_EmptyContextUsesDefaultRole(t *testing.T) {
	p := testPolicy()

	stmts, err := p.Statements(nil, Context{})
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, `SET LOCAL ROLE "anon"`, stmts[0].SQL)
	assert.JSONEq(t, `{"role":"anon"}`, stmts[1].Args[1].(string))
}

func TestPolicy_Statements_RoleNone(t *testing.T) {
	p := testPolicy().WithDefaultRole(RoleNone)
	p.ClaimsSetting = ""

	stmts, err := p.Statements(nil, Context{})
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, "SET LOCAL ROLE NONE", stmts[0].SQL)
}

func TestPolicy_Statements_ReplaceNotMerge(t *testing.T) {
	p := testPolicy()
	prev := As(RoleAuthenticated, Claim{Key: "sub", Value: "u1"}, Claim{Key: "email", Value: "e"}).
		WithSetting("app.tenant", "t1")
	next := As(RoleAuthenticated, Claim{Key: "sub", Value: "u2"})

	stmts, err := p.Statements(&prev, next)
	require.NoError(t, err)
	require.Len(t, stmts, 2)

	values := settingsOf(t, stmts[1])
	assert.Equal(t, "", values["request.jwt.claim.email"], "removed claim is cleared")
	assert.Equal(t, "", values["app.tenant"], "removed setting is cleared")
	assert.Equal(t, "u2", values["request.jwt.claim.sub"])
	assert.JSONEq(t, `{"role":"authenticated","sub":"u2"}`, values["request.jwt.claims"])
}

func TestPolicy_Statements_ClearedContext(t *testing.T) {
	p := testPolicy()
	prev := As(RoleServiceRole, Claim{Key: "sub", Value: "u1"})

	stmts, err := p.Statements(&prev, Context{})
	require.NoError(t, err)
	assert.Equal(t, `SET LOCAL ROLE "anon"`, stmts[0].SQL)

	values := settingsOf(t, stmts[1])
	assert.Equal(t, "", values["request.jwt.claim.sub"])
	assert.JSONEq(t, `{"role":"anon"}`, values["request.jwt.claims"])
}

func TestPolicy_Statements_Invalid(t *testing.T) {
	_, err := testPolicy().Statements(nil, As("superuser"))
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestPolicy_ClaimsJSON_ClaimOverridesRole(t *testing.T) {
	doc, err := testPolicy().ClaimsJSON(As(RoleAuthenticated, Claim{Key: "role", Value: "custom"}))
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(doc), &decoded))
	assert.Equal(t, "custom", decoded["role"])
}

// settingsOf maps set_config names to values of a batched statement
func settingsOf(t *testing.T, stmt Statement) map[string]string {
	t.Helper()
	require.Equal(t, 0, len(stmt.Args)%2)
	out := make(map[string]string, len(stmt.Args)/2)
	for i := 0; i < len(stmt.Args); i += 2 {
		out[stmt.Args[i].(string)] = stmt.Args[i+1].(string)
	}
	return out
}
