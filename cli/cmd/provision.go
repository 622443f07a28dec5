package cmd

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/pgtest/cli/output"
	"github.com/fluxbase-eu/pgtest/internal/observability"
	"github.com/fluxbase-eu/pgtest/internal/provision"
	"github.com/fluxbase-eu/pgtest/internal/seed"
)

var (
	provisionMigrations string
	provisionSeedDir    string
	provisionSQL        []string
	provisionPlan       string
	provisionKeep       bool
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision a database for manual inspection",
	Long: `Create an ephemeral database, apply migrations, run seeders and print the
connection URLs of the privileged and the scoped user.

Without --keep the command waits for Ctrl+C and then drops the database.
With --keep it exits immediately and leaves the database for 'pgtest cleanup'.

Seeders run in this order: --sql files, --seed-dir, --plan.

Examples:
  pgtest provision --migrations ./migrations --seed-dir ./seeds
  pgtest provision --sql fixtures/users.sql --sql fixtures/pets.sql --keep
  pgtest provision --plan ./deploy/plan.yaml -o json --keep`,
	PreRunE: requireConfig,
	RunE:    runProvision,
}

func init() {
	provisionCmd.Flags().StringVar(&provisionMigrations, "migrations", "", "migrations directory (overrides provision.migrations_path)")
	provisionCmd.Flags().StringVar(&provisionSeedDir, "seed-dir", "", "directory of .sql seed files applied in lexical order")
	provisionCmd.Flags().StringArrayVar(&provisionSQL, "sql", nil, "SQL seed file (repeatable)")
	provisionCmd.Flags().StringVar(&provisionPlan, "plan", "", "YAML seed plan")
	provisionCmd.Flags().BoolVar(&provisionKeep, "keep", false, "keep the database and exit")
}

// ProvisionResult is printed by the provision command
type ProvisionResult struct {
	Database      string   `json:"database" yaml:"database"`
	PrivilegedURL string   `json:"privileged_url" yaml:"privileged_url"`
	ScopedURL     string   `json:"scoped_url" yaml:"scoped_url"`
	Seeders       []string `json:"seeders" yaml:"seeders"`
	Kept          bool     `json:"kept" yaml:"kept"`
}

func provisionSeeders() []seed.Seeder {
	var seeders []seed.Seeder
	if len(provisionSQL) > 0 {
		seeders = append(seeders, seed.SQLFile(provisionSQL...))
	}
	if provisionSeedDir != "" {
		seeders = append(seeders, seed.Directory(provisionSeedDir))
	}
	if provisionPlan != "" {
		seeders = append(seeders, seed.Plan(provisionPlan))
	}
	return seeders
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if provisionMigrations != "" {
		cfg.Provision.MigrationsPath = provisionMigrations
	}
	cfg.Provision.KeepDatabase = provisionKeep

	metrics := observability.NewMetrics(nil)
	manager := provision.NewManager(cfg, provision.Options{Metrics: metrics})

	db, err := manager.Provision(ctx)
	if err != nil {
		return err
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := manager.Release(releaseCtx); err != nil {
			formatter.PrintWarning(err.Error())
		}
	}

	pipeline := seed.NewPipeline(provisionSeeders()...).OnApplied(metrics.RecordSeed)
	report, err := pipeline.Apply(ctx, seed.Target{
		Conn:       db.Privileged,
		ConnString: db.PrivilegedURL,
		Database:   db.Name,
	})
	if err != nil {
		release()
		return err
	}

	result := ProvisionResult{
		Database:      db.Name,
		PrivilegedURL: db.PrivilegedURL,
		ScopedURL:     db.ScopedURL,
		Seeders:       make([]string, 0, len(report.Entries)),
		Kept:          provisionKeep,
	}
	for _, e := range report.Entries {
		result.Seeders = append(result.Seeders, e.Seeder)
	}

	if err := printProvisionResult(result); err != nil {
		release()
		return err
	}

	if !provisionKeep {
		formatter.PrintInfo("\nPress Ctrl+C to drop the database")
		<-ctx.Done()
	}

	// with --keep Release only closes the connections
	release()
	return nil
}

func printProvisionResult(r ProvisionResult) error {
	if formatter.Format != output.FormatTable {
		return formatter.Print(r)
	}

	fields := []output.Field{
		{Key: "Database", Value: r.Database},
		{Key: "Privileged URL", Value: r.PrivilegedURL},
		{Key: "Scoped URL", Value: r.ScopedURL},
	}
	if len(r.Seeders) > 0 {
		fields = append(fields, output.Field{Key: "Seeders", Value: strings.Join(r.Seeders, ", ")})
	}
	formatter.PrintFields(fields...)
	return nil
}
