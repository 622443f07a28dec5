package session

import (
	"slices"
)

// Role is a database role a security context may assume
type Role string

// Roles of the conventional RLS setup
const (
	RoleNone          Role = ""
	RoleAnon          Role = "anon"
	RoleAuthenticated Role = "authenticated"
	RoleServiceRole   Role = "service_role"
)

// Claim is one identity attribute exposed to policies as a transaction-local setting
type Claim struct {
	Key   string
	Value string
}

// Setting is an arbitrary dotted configuration parameter set transaction-locally
type Setting struct {
	Name  string
	Value string
}

// Context is the security context of an open scope: the role in effect and the
// claims and settings visible to RLS policies. The zero value means "default role,
// no claims". Contexts are values; the With* methods return modified copies.
type Context struct {
	Role     Role
	Claims   []Claim
	Settings []Setting
}

// Anonymous returns the empty context
func Anonymous() Context {
	return Context{}
}

// As returns a context for role with the given claims in order
func As(role Role, claims ...Claim) Context {
	return Context{Role: role, Claims: slices.Clone(claims)}
}

// IsEmpty reports whether c carries no role, claims or settings
func (c Context) IsEmpty() bool {
	return c.Role == RoleNone && len(c.Claims) == 0 && len(c.Settings) == 0
}

// WithRole returns a copy of c with role replaced
func (c Context) WithRole(role Role) Context {
	out := c.Clone()
	out.Role = role
	return out
}

// WithClaim returns a copy of c with claim key set to value.
// An existing claim keeps its position.
func (c Context) WithClaim(key, value string) Context {
	out := c.Clone()
	for i := range out.Claims {
		if out.Claims[i].Key == key {
			out.Claims[i].Value = value
			return out
		}
	}
	out.Claims = append(out.Claims, Claim{Key: key, Value: value})
	return out
}

// WithSetting returns a copy of c with setting name set to value
func (c Context) WithSetting(name, value string) Context {
	out := c.Clone()
	for i := range out.Settings {
		if out.Settings[i].Name == name {
			out.Settings[i].Value = value
			return out
		}
	}
	out.Settings = append(out.Settings, Setting{Name: name, Value: value})
	return out
}

// Claim returns the value of claim key
func (c Context) Claim(key string) (string, bool) {
	for _, cl := range c.Claims {
		if cl.Key == key {
			return cl.Value, true
		}
	}
	return "", false
}

// Setting returns the value of setting name
func (c Context) Setting(name string) (string, bool) {
	for _, s := range c.Settings {
		if s.Name == name {
			return s.Value, true
		}
	}
	return "", false
}

// Clone returns a deep copy of c
func (c Context) Clone() Context {
	return Context{
		Role:     c.Role,
		Claims:   slices.Clone(c.Claims),
		Settings: slices.Clone(c.Settings),
	}
}

// Equal reports whether c and o describe the same context, order included
func (c Context) Equal(o Context) bool {
	return c.Role == o.Role &&
		slices.Equal(c.Claims, o.Claims) &&
		slices.Equal(c.Settings, o.Settings)
}
