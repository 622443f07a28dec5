package pgtest

import (
	"context"
	"io/fs"

	"github.com/fluxbase-eu/pgtest/internal/config"
	"github.com/fluxbase-eu/pgtest/internal/scope"
	"github.com/fluxbase-eu/pgtest/internal/seed"
	"github.com/fluxbase-eu/pgtest/internal/session"
)

type (
	// Config is the harness configuration
	Config = config.Config

	// Seeder loads fixture data into a freshly provisioned database
	Seeder = seed.Seeder

	// SeedTarget is the database handed to seeders
	SeedTarget = seed.Target

	// SecurityContext is the simulated identity of the scoped client
	SecurityContext = session.Context

	// Role is a database role a security context may assume
	Role = session.Role

	// Claim is one identity attribute visible to RLS policies
	Claim = session.Claim

	// ScopeHandle identifies an open scope
	ScopeHandle = scope.Handle
)

// Roles of the conventional RLS setup
const (
	RoleNone          = session.RoleNone
	RoleAnon          = session.RoleAnon
	RoleAuthenticated = session.RoleAuthenticated
	RoleServiceRole   = session.RoleServiceRole
)

// LoadConfig reads pgtest.yaml, .env files and PGTEST_* environment variables
func LoadConfig() (*Config, error) {
	return config.Load()
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return config.Default()
}

// As returns a security context for role with the given claims
func As(role Role, claims ...Claim) SecurityContext {
	return session.As(role, claims...)
}

// Authenticated returns the context of an authenticated user whose "sub" claim is userID
func Authenticated(userID string) SecurityContext {
	return session.As(session.RoleAuthenticated, session.Claim{Key: "sub", Value: userID})
}

// SQLFile returns a seeder running the given SQL files in order
func SQLFile(paths ...string) Seeder {
	return seed.SQLFile(paths...)
}

// Directory returns a seeder running every .sql file of dir in lexical order
func Directory(dir string) Seeder {
	return seed.Directory(dir)
}

// DirectoryFS is Directory over an fs.FS
func DirectoryFS(fsys fs.FS, dir string) Seeder {
	return seed.DirectoryFS(fsys, dir)
}

// Migrate returns a seeder applying golang-migrate migrations from dir
func Migrate(dir string) Seeder {
	return seed.Migrate(dir)
}

// MigrateFS is Migrate over an fs.FS
func MigrateFS(fsys fs.FS, dir string) Seeder {
	return seed.MigrateFS(fsys, dir)
}

// Plan returns a seeder deploying the changes of a YAML plan in dependency order
func Plan(path string) Seeder {
	return seed.Plan(path)
}

// Func returns an inline seeder
func Func(name string, fn func(ctx context.Context, t SeedTarget) error) Seeder {
	return seed.Func(name, fn)
}
