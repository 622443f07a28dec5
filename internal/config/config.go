package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/fluxbase-eu/pgtest/internal/observability"
)

// Config represents the harness configuration
type Config struct {
	Database  DatabaseConfig             `mapstructure:"database"`
	Scoped    ScopedConfig               `mapstructure:"scoped"`
	Provision ProvisionConfig            `mapstructure:"provision"`
	Session   SessionConfig              `mapstructure:"session"`
	Janitor   JanitorConfig              `mapstructure:"janitor"`
	Tracing   observability.TracerConfig `mapstructure:"tracing"`
	Debug     bool                       `mapstructure:"debug"`
}

// DatabaseConfig contains the PostgreSQL server settings and the privileged credentials.
// The privileged user must be allowed to create databases and roles.
type DatabaseConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	User               string        `mapstructure:"user"`
	Password           string        `mapstructure:"password"`
	AdminDatabase      string        `mapstructure:"admin_database"` // Maintenance database used for CREATE/DROP DATABASE
	SSLMode            string        `mapstructure:"ssl_mode"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"` // Statements slower than this are logged at warn level (0 = off)
}

// ScopedConfig contains the credentials of the unprivileged login role used by the scoped client
type ScopedConfig struct {
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	CreateUser bool   `mapstructure:"create_user"` // Create the login role during provisioning when missing
}

// ProvisionConfig contains ephemeral database settings
type ProvisionConfig struct {
	DatabasePrefix    string        `mapstructure:"database_prefix"`    // Prefix of ephemeral database names (default: "pgtest_")
	Template          string        `mapstructure:"template"`           // Template database to clone (empty = server default)
	MigrationsPath    string        `mapstructure:"migrations_path"`    // golang-migrate source directory applied after creation
	MigrationsTable   string        `mapstructure:"migrations_table"`   // Migration bookkeeping table (default: "pgtest_schema_migrations")
	KeepDatabase      bool          `mapstructure:"keep_database"`      // Skip DROP DATABASE at teardown (debugging)
	ConnectAttempts   int           `mapstructure:"connect_attempts"`   // Attempts per connection before giving up
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`    // Delay before the second attempt
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`        // Upper bound of the delay between attempts
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"` // Growth factor of the delay
}

// SessionConfig contains the security context defaults
type SessionConfig struct {
	DefaultRole   string   `mapstructure:"default_role"`   // Role in effect when no context is set ("" = ROLE NONE)
	Roles         []string `mapstructure:"roles"`          // Roles a context may assume; granted to the scoped login role
	ClaimPrefix   string   `mapstructure:"claim_prefix"`   // Setting prefix for individual claims
	ClaimsSetting string   `mapstructure:"claims_setting"` // Setting holding the aggregate claims JSON ("" = disabled)
	JWTSecret     string   `mapstructure:"jwt_secret"`     // HMAC secret used to verify imported tokens ("" = unverified)
}

// JanitorConfig contains the settings for dropping leftover ephemeral databases
type JanitorConfig struct {
	Schedule       string        `mapstructure:"schedule"`         // Cron expression of scheduled cleanup, e.g. "@every 10m"
	OlderThan      time.Duration `mapstructure:"older_than"`       // Minimum age of a database before it is dropped
	DropsPerSecond float64       `mapstructure:"drops_per_second"` // Throttle of DROP DATABASE statements (0 = unlimited)
}

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)
	settingPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)+\.?$`)
)

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file; "" searches pgtest.yaml in
// ., ./config and ./test
func LoadFile(path string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pgtest")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("./test")
	}

	setDefaults(v)
	bindLibpqEnv(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("PGTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("No config file found, using environment variables and defaults")
	} else {
		log.Debug().Str("file", v.ConfigFileUsed()).Msg("Config file loaded")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration Load produces with no file and no environment
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		// defaults are static; a decode failure is a programming error
		panic(fmt.Sprintf("config: decode defaults: %v", err))
	}
	return &config
}

// loadEnvFile loads environment variables from .env file
func loadEnvFile() error {
	locations := []string{
		".env",
		".env.test",
		"../.env", // For packages tested from subdirectories
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			log.Debug().Str("file", location).Msg(".env file loaded")
			return nil
		}
	}

	return fmt.Errorf("no .env file found")
}

// bindLibpqEnv lets the standard libpq variables act as fallbacks for the PGTEST_ ones
func bindLibpqEnv(v *viper.Viper) {
	_ = v.BindEnv("database.host", "PGTEST_DATABASE_HOST", "PGHOST")
	_ = v.BindEnv("database.port", "PGTEST_DATABASE_PORT", "PGPORT")
	_ = v.BindEnv("database.user", "PGTEST_DATABASE_USER", "PGUSER")
	_ = v.BindEnv("database.password", "PGTEST_DATABASE_PASSWORD", "PGPASSWORD")
	_ = v.BindEnv("database.ssl_mode", "PGTEST_DATABASE_SSL_MODE", "PGSSLMODE")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.admin_database", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.slow_query_threshold", "1s")

	// Scoped role defaults
	v.SetDefault("scoped.user", "pgtest_app")
	v.SetDefault("scoped.password", "pgtest_app")
	v.SetDefault("scoped.create_user", true)

	// Provisioning defaults
	v.SetDefault("provision.database_prefix", "pgtest_")
	v.SetDefault("provision.template", "")
	v.SetDefault("provision.migrations_path", "")
	v.SetDefault("provision.migrations_table", "pgtest_schema_migrations")
	v.SetDefault("provision.keep_database", false)
	v.SetDefault("provision.connect_attempts", 5)
	v.SetDefault("provision.initial_backoff", "200ms")
	v.SetDefault("provision.max_backoff", "5s")
	v.SetDefault("provision.backoff_multiplier", 2.0)

	// Session defaults
	v.SetDefault("session.default_role", "anon")
	v.SetDefault("session.roles", []string{"anon", "authenticated", "service_role"})
	v.SetDefault("session.claim_prefix", "request.jwt.claim.")
	v.SetDefault("session.claims_setting", "request.jwt.claims")
	v.SetDefault("session.jwt_secret", "")

	// Janitor defaults
	v.SetDefault("janitor.schedule", "@every 15m")
	v.SetDefault("janitor.older_than", "1h")
	v.SetDefault("janitor.drops_per_second", 2.0)

	// Tracing defaults
	tracing := observability.DefaultTracerConfig()
	v.SetDefault("tracing.enabled", tracing.Enabled)
	v.SetDefault("tracing.endpoint", tracing.Endpoint)
	v.SetDefault("tracing.service_name", tracing.ServiceName)
	v.SetDefault("tracing.environment", tracing.Environment)
	v.SetDefault("tracing.sample_rate", tracing.SampleRate)
	v.SetDefault("tracing.insecure", tracing.Insecure)

	v.SetDefault("debug", false)
}

// Validate validates all configuration sections
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database configuration error: %w", err)
	}

	if err := c.Scoped.Validate(); err != nil {
		return fmt.Errorf("scoped configuration error: %w", err)
	}

	if err := c.Provision.Validate(); err != nil {
		return fmt.Errorf("provision configuration error: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session configuration error: %w", err)
	}

	if err := c.Janitor.Validate(); err != nil {
		return fmt.Errorf("janitor configuration error: %w", err)
	}

	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing configuration error: %w", err)
	}

	return nil
}

// Validate validates database configuration
func (dc *DatabaseConfig) Validate() error {
	if dc.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if dc.Port < 1 || dc.Port > 65535 {
		return fmt.Errorf("database port must be between 1 and 65535, got: %d", dc.Port)
	}

	if dc.User == "" {
		return fmt.Errorf("database user is required")
	}

	if dc.AdminDatabase == "" {
		return fmt.Errorf("database admin_database is required")
	}

	switch dc.SSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("database ssl_mode is invalid: %q", dc.SSLMode)
	}

	if dc.ConnectTimeout < 0 {
		return fmt.Errorf("database connect_timeout cannot be negative, got: %v", dc.ConnectTimeout)
	}

	if dc.SlowQueryThreshold < 0 {
		return fmt.Errorf("database slow_query_threshold cannot be negative, got: %v", dc.SlowQueryThreshold)
	}

	return nil
}

// URL returns a connection URL for database authenticated as user
func (dc *DatabaseConfig) URL(database, user, password string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%d", dc.Host, dc.Port),
		Path:   "/" + database,
	}
	q := url.Values{}
	q.Set("sslmode", dc.SSLMode)
	if dc.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(dc.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// AdminURL returns the privileged connection URL of the maintenance database
func (dc *DatabaseConfig) AdminURL() string {
	return dc.URL(dc.AdminDatabase, dc.User, dc.Password)
}

// Validate validates the scoped role configuration
func (sc *ScopedConfig) Validate() error {
	if sc.User == "" {
		return fmt.Errorf("scoped user is required")
	}
	if !identifierPattern.MatchString(sc.User) {
		return fmt.Errorf("scoped user must be a plain identifier, got: %q", sc.User)
	}
	return nil
}

// Validate validates provisioning configuration
func (pc *ProvisionConfig) Validate() error {
	if pc.DatabasePrefix == "" {
		return fmt.Errorf("provision database_prefix cannot be empty")
	}

	if !identifierPattern.MatchString(pc.DatabasePrefix) {
		return fmt.Errorf("provision database_prefix must be a plain identifier, got: %q", pc.DatabasePrefix)
	}

	// 63 bytes identifier limit minus the 32 hex characters of the suffix
	if len(pc.DatabasePrefix) > 31 {
		return fmt.Errorf("provision database_prefix must be at most 31 characters, got: %d", len(pc.DatabasePrefix))
	}

	if pc.MigrationsTable == "" {
		pc.MigrationsTable = "pgtest_schema_migrations"
	}

	if pc.ConnectAttempts < 1 {
		return fmt.Errorf("provision connect_attempts must be at least 1, got: %d", pc.ConnectAttempts)
	}

	if pc.InitialBackoff < 0 || pc.MaxBackoff < 0 {
		return fmt.Errorf("provision backoff durations cannot be negative")
	}

	if pc.MaxBackoff > 0 && pc.InitialBackoff > pc.MaxBackoff {
		return fmt.Errorf("provision initial_backoff (%v) cannot exceed max_backoff (%v)", pc.InitialBackoff, pc.MaxBackoff)
	}

	if pc.BackoffMultiplier < 1 {
		return fmt.Errorf("provision backoff_multiplier must be at least 1, got: %v", pc.BackoffMultiplier)
	}

	return nil
}

// Validate validates session configuration
func (sc *SessionConfig) Validate() error {
	if len(sc.Roles) == 0 {
		return fmt.Errorf("session roles cannot be empty")
	}

	for _, role := range sc.Roles {
		if !identifierPattern.MatchString(role) {
			return fmt.Errorf("session role must be a plain identifier, got: %q", role)
		}
	}

	if sc.DefaultRole != "" && !sc.HasRole(sc.DefaultRole) {
		return fmt.Errorf("session default_role %q is not listed in roles %v", sc.DefaultRole, sc.Roles)
	}

	if sc.ClaimPrefix == "" {
		return fmt.Errorf("session claim_prefix cannot be empty")
	}

	if !strings.HasSuffix(sc.ClaimPrefix, ".") || !settingPattern.MatchString(sc.ClaimPrefix) {
		return fmt.Errorf("session claim_prefix must be a dotted setting prefix ending in '.', got: %q", sc.ClaimPrefix)
	}

	if sc.ClaimsSetting != "" && (strings.HasSuffix(sc.ClaimsSetting, ".") || !settingPattern.MatchString(sc.ClaimsSetting)) {
		return fmt.Errorf("session claims_setting must be a dotted setting name, got: %q", sc.ClaimsSetting)
	}

	return nil
}

// Validate validates janitor configuration. The schedule itself is parsed by the scheduler.
func (jc *JanitorConfig) Validate() error {
	if jc.OlderThan < 0 {
		return fmt.Errorf("janitor older_than cannot be negative, got: %v", jc.OlderThan)
	}
	if jc.DropsPerSecond < 0 {
		return fmt.Errorf("janitor drops_per_second cannot be negative, got: %v", jc.DropsPerSecond)
	}
	return nil
}

// HasRole reports whether role is one of the configured roles
func (sc *SessionConfig) HasRole(role string) bool {
	for _, r := range sc.Roles {
		if r == role {
			return true
		}
	}
	return false
}
