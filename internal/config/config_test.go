package config

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Defaults and loading
// =============================================================================

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.AdminDatabase)
	assert.Equal(t, 10*time.Second, cfg.Database.ConnectTimeout)
	assert.Equal(t, time.Second, cfg.Database.SlowQueryThreshold)

	assert.Equal(t, "pgtest_app", cfg.Scoped.User)
	assert.True(t, cfg.Scoped.CreateUser)

	assert.Equal(t, "pgtest_", cfg.Provision.DatabasePrefix)
	assert.Equal(t, "pgtest_schema_migrations", cfg.Provision.MigrationsTable)
	assert.Equal(t, 5, cfg.Provision.ConnectAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Provision.InitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.Provision.MaxBackoff)
	assert.Equal(t, 2.0, cfg.Provision.BackoffMultiplier)

	assert.Equal(t, "anon", cfg.Session.DefaultRole)
	assert.Equal(t, []string{"anon", "authenticated", "service_role"}, cfg.Session.Roles)
	assert.Equal(t, "request.jwt.claim.", cfg.Session.ClaimPrefix)
	assert.Equal(t, "request.jwt.claims", cfg.Session.ClaimsSetting)

	assert.Equal(t, "@every 15m", cfg.Janitor.Schedule)
	assert.Equal(t, time.Hour, cfg.Janitor.OlderThan)
	assert.Equal(t, 2.0, cfg.Janitor.DropsPerSecond)

	assert.False(t, cfg.Tracing.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	yaml := `
database:
  host: db.internal
  port: 6543
provision:
  database_prefix: rls_
session:
  default_role: authenticated
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pgtest.yaml"), []byte(yaml), 0o600))

	t.Chdir(dir)
	clearDatabaseEnv(t)
	t.Setenv("PGTEST_SCOPED_USER", "app_user")
	t.Setenv("PGPASSWORD", "from-libpq")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "from-libpq", cfg.Database.Password)
	assert.Equal(t, "rls_", cfg.Provision.DatabasePrefix)
	assert.Equal(t, "authenticated", cfg.Session.DefaultRole)
	assert.Equal(t, "app_user", cfg.Scoped.User)
}

func TestLoad_PrefixedEnvironmentWinsOverLibpq(t *testing.T) {
	t.Chdir(t.TempDir())
	clearDatabaseEnv(t)
	t.Setenv("PGHOST", "libpq-host")
	t.Setenv("PGTEST_DATABASE_HOST", "pgtest-host")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "pgtest-host", cfg.Database.Host)
}

func TestLoad_InvalidConfiguration(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PGTEST_SESSION_DEFAULT_ROLE", "superuser")

	clearDatabaseEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "default_role")
}

func TestLoadFile(t *testing.T) {
	t.Chdir(t.TempDir())
	clearDatabaseEnv(t)

	t.Run("explicit file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ci.yaml")
		require.NoError(t, os.WriteFile(path, []byte("provision:\n  keep_database: true\n"), 0o600))

		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.True(t, cfg.Provision.KeepDatabase)
	})

	t.Run("missing explicit file is an error", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error reading config file")
	})
}

// clearDatabaseEnv hides connection variables a CI runner may export
func clearDatabaseEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"PGHOST", "PGPORT", "PGUSER", "PGPASSWORD", "PGSSLMODE",
		"PGTEST_DATABASE_HOST", "PGTEST_DATABASE_PORT", "PGTEST_DATABASE_USER", "PGTEST_DATABASE_PASSWORD",
	} {
		t.Setenv(name, "")
	}
}

// =============================================================================
// Section validation
// =============================================================================

func TestDatabaseConfig_Validate(t *testing.T) {
	validConfig := func() DatabaseConfig {
		return Default().Database
	}

	tests := []struct {
		name    string
		modify  func(*DatabaseConfig)
		wantErr bool
		errMsg  string
	}{
		{name: "valid config", modify: func(c *DatabaseConfig) {}},
		{name: "empty host", modify: func(c *DatabaseConfig) { c.Host = "" }, wantErr: true, errMsg: "database host is required"},
		{name: "zero port", modify: func(c *DatabaseConfig) { c.Port = 0 }, wantErr: true, errMsg: "port must be between"},
		{name: "port too high", modify: func(c *DatabaseConfig) { c.Port = 70000 }, wantErr: true, errMsg: "port must be between"},
		{name: "empty user", modify: func(c *DatabaseConfig) { c.User = "" }, wantErr: true, errMsg: "database user is required"},
		{name: "empty admin database", modify: func(c *DatabaseConfig) { c.AdminDatabase = "" }, wantErr: true, errMsg: "admin_database"},
		{name: "invalid ssl mode", modify: func(c *DatabaseConfig) { c.SSLMode = "sometimes" }, wantErr: true, errMsg: "ssl_mode"},
		{name: "verify-full ssl mode", modify: func(c *DatabaseConfig) { c.SSLMode = "verify-full" }},
		{name: "negative timeout", modify: func(c *DatabaseConfig) { c.ConnectTimeout = -time.Second }, wantErr: true, errMsg: "connect_timeout"},
		{name: "negative slow threshold", modify: func(c *DatabaseConfig) { c.SlowQueryThreshold = -time.Second }, wantErr: true, errMsg: "slow_query_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDatabaseConfig_URL(t *testing.T) {
	dc := DatabaseConfig{
		Host:           "localhost",
		Port:           5432,
		User:           "postgres",
		Password:       "p@ss/word",
		AdminDatabase:  "postgres",
		SSLMode:        "disable",
		ConnectTimeout: 5 * time.Second,
	}

	raw := dc.URL("pgtest_abc", "pgtest_app", "secret")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "localhost:5432", u.Host)
	assert.Equal(t, "/pgtest_abc", u.Path)
	assert.Equal(t, "pgtest_app", u.User.Username())
	pw, _ := u.User.Password()
	assert.Equal(t, "secret", pw)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
	assert.Equal(t, "5", u.Query().Get("connect_timeout"))

	admin, err := url.Parse(dc.AdminURL())
	require.NoError(t, err)
	pw, _ = admin.User.Password()
	assert.Equal(t, "p@ss/word", pw, "special characters survive escaping")
	assert.Equal(t, "/postgres", admin.Path)
}

func TestScopedConfig_Validate(t *testing.T) {
	assert.NoError(t, (&ScopedConfig{User: "pgtest_app"}).Validate())
	assert.Error(t, (&ScopedConfig{User: ""}).Validate())
	assert.Error(t, (&ScopedConfig{User: "app; DROP ROLE x"}).Validate())
}

func TestProvisionConfig_Validate(t *testing.T) {
	validConfig := func() ProvisionConfig {
		return Default().Provision
	}

	tests := []struct {
		name   string
		modify func(*ProvisionConfig)
		errMsg string
	}{
		{name: "valid config", modify: func(c *ProvisionConfig) {}},
		{name: "empty prefix", modify: func(c *ProvisionConfig) { c.DatabasePrefix = "" }, errMsg: "cannot be empty"},
		{name: "quoted prefix", modify: func(c *ProvisionConfig) { c.DatabasePrefix = `bad"prefix` }, errMsg: "plain identifier"},
		{name: "prefix too long", modify: func(c *ProvisionConfig) { c.DatabasePrefix = "p_0123456789012345678901234567890" }, errMsg: "at most 31"},
		{name: "zero attempts", modify: func(c *ProvisionConfig) { c.ConnectAttempts = 0 }, errMsg: "connect_attempts"},
		{name: "negative backoff", modify: func(c *ProvisionConfig) { c.InitialBackoff = -1 }, errMsg: "cannot be negative"},
		{name: "initial above max", modify: func(c *ProvisionConfig) { c.InitialBackoff = time.Minute }, errMsg: "cannot exceed"},
		{name: "shrinking multiplier", modify: func(c *ProvisionConfig) { c.BackoffMultiplier = 0.5 }, errMsg: "backoff_multiplier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}

	t.Run("fills migrations table", func(t *testing.T) {
		cfg := validConfig()
		cfg.MigrationsTable = ""
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "pgtest_schema_migrations", cfg.MigrationsTable)
	})
}

func TestSessionConfig_Validate(t *testing.T) {
	validConfig := func() SessionConfig {
		return Default().Session
	}

	tests := []struct {
		name   string
		modify func(*SessionConfig)
		errMsg string
	}{
		{name: "valid config", modify: func(c *SessionConfig) {}},
		{name: "role none default", modify: func(c *SessionConfig) { c.DefaultRole = "" }},
		{name: "no roles", modify: func(c *SessionConfig) { c.Roles = nil }, errMsg: "roles cannot be empty"},
		{name: "bad role name", modify: func(c *SessionConfig) { c.Roles = []string{"anon", "evil role"} }, errMsg: "plain identifier"},
		{name: "unknown default role", modify: func(c *SessionConfig) { c.DefaultRole = "postgres" }, errMsg: "not listed"},
		{name: "empty claim prefix", modify: func(c *SessionConfig) { c.ClaimPrefix = "" }, errMsg: "claim_prefix cannot be empty"},
		{name: "claim prefix without dot", modify: func(c *SessionConfig) { c.ClaimPrefix = "request.jwt.claim" }, errMsg: "ending in '.'"},
		{name: "undotted claim prefix", modify: func(c *SessionConfig) { c.ClaimPrefix = "claim." }, errMsg: "dotted setting prefix"},
		{name: "disabled claims setting", modify: func(c *SessionConfig) { c.ClaimsSetting = "" }},
		{name: "undotted claims setting", modify: func(c *SessionConfig) { c.ClaimsSetting = "claims" }, errMsg: "claims_setting"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSessionConfig_HasRole(t *testing.T) {
	sc := SessionConfig{Roles: []string{"anon", "authenticated"}}
	assert.True(t, sc.HasRole("anon"))
	assert.False(t, sc.HasRole("service_role"))
}

func TestJanitorConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     JanitorConfig
		wantErr string
	}{
		{name: "defaults", cfg: Default().Janitor},
		{name: "unlimited drops", cfg: JanitorConfig{OlderThan: time.Hour}},
		{name: "negative age", cfg: JanitorConfig{OlderThan: -time.Minute}, wantErr: "older_than"},
		{name: "negative rate", cfg: JanitorConfig{DropsPerSecond: -1}, wantErr: "drops_per_second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
