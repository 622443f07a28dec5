package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/pgtest/cli/util"
	"github.com/fluxbase-eu/pgtest/internal/observability"
	"github.com/fluxbase-eu/pgtest/internal/provision"
)

var (
	cleanupOlderThan time.Duration
	cleanupAll       bool
	cleanupForce     bool
	cleanupActive    bool
	cleanupDryRun    bool
	cleanupWatch     bool
	cleanupSchedule  string
	cleanupMetrics   string
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop leftover ephemeral databases",
	Long: `Drop ephemeral databases left behind by crashed or kept test runs.

Only databases whose name starts with provision.database_prefix are considered.
Databases without a creation timestamp are only dropped with --all.
Databases with open connections belong to a running suite and are skipped
unless --include-active is given. Watch mode always skips them.

With --watch the command keeps running and sweeps on janitor.schedule (or
--schedule) until interrupted. Watch mode never prompts.

Examples:
  pgtest cleanup
  pgtest cleanup --older-than 30m
  pgtest cleanup --all --force
  pgtest cleanup --dry-run
  pgtest cleanup --watch --schedule "@every 10m"
  pgtest cleanup --watch --metrics-addr :9187`,
	PreRunE: requireConfig,
	RunE:    runCleanup,
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", time.Hour, "only drop databases older than this")
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "drop every database with the prefix regardless of age")
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "skip the confirmation prompt")
	cleanupCmd.Flags().BoolVar(&cleanupActive, "include-active", false, "also drop databases that still have open connections")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "list what would be dropped")
	cleanupCmd.Flags().BoolVar(&cleanupWatch, "watch", false, "keep running and sweep on a schedule")
	cleanupCmd.Flags().StringVar(&cleanupSchedule, "schedule", "", "cron schedule for --watch (default: janitor.schedule)")
	cleanupCmd.Flags().StringVar(&cleanupMetrics, "metrics-addr", "", "serve /metrics and /healthz on this address in --watch mode")
}

// cleanupAge resolves the age threshold from flags and configuration
func cleanupAge(cmd *cobra.Command) time.Duration {
	switch {
	case cleanupAll:
		return 0
	case cmd.Flags().Changed("older-than"):
		return cleanupOlderThan
	case cfg != nil && cfg.Janitor.OlderThan > 0:
		return cfg.Janitor.OlderThan
	default:
		return cleanupOlderThan
	}
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	janitor, err := provision.NewJanitor(ctx, cfg)
	if err != nil {
		return err
	}
	defer janitor.Close()

	if cleanupWatch {
		return runCleanupWatch(cmd, janitor)
	}

	dbs, err := janitor.ListDatabases(ctx)
	if err != nil {
		return err
	}

	olderThan := cleanupAge(cmd)
	now := time.Now()
	stale := provision.Stale(dbs, olderThan, now)
	if !cleanupActive {
		var active []provision.EphemeralDatabase
		stale, active = provision.SplitActive(stale)
		if len(active) > 0 {
			formatter.PrintWarning(fmt.Sprintf("Skipping %d databases with open connections (use --include-active to drop them)", len(active)))
		}
	}

	if len(stale) == 0 {
		formatter.PrintInfo("No leftover databases found")
		return nil
	}

	formatter.PrintTable(databaseTable(stale, now))

	if cleanupDryRun {
		formatter.PrintInfo(fmt.Sprintf("\n%d databases would be dropped", len(stale)))
		return nil
	}

	if !cleanupForce {
		if !util.IsInteractive() {
			return errors.New("refusing to drop databases without --force in a non-interactive session")
		}
		ok, err := util.Confirm(fmt.Sprintf("Drop %d databases?", len(stale)), false)
		if err != nil {
			return err
		}
		if !ok {
			formatter.PrintInfo("Cleanup cancelled")
			return nil
		}
	}

	names := provision.Names(stale)
	dropped, err := janitor.DropDatabases(ctx, names)
	formatter.PrintSuccess(fmt.Sprintf("Dropped %d of %d databases", len(dropped), len(names)))
	return err
}

func runCleanupWatch(cmd *cobra.Command, janitor *provision.Janitor) error {
	if cleanupDryRun || cleanupActive {
		return errors.New("--watch cannot be combined with --dry-run or --include-active")
	}

	schedule := cleanupSchedule
	if schedule == "" {
		schedule = cfg.Janitor.Schedule
	}

	scheduler, err := provision.NewCleanupScheduler(janitor, schedule, cleanupAge(cmd))
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	scheduler.WithMetrics(observability.NewJanitorMetrics(reg))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := scheduler.RunNow(ctx); err != nil {
		formatter.PrintWarning(err.Error())
	}
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	if cleanupMetrics != "" {
		app := newWatchServer(reg, scheduler, janitor.Prefix(), schedule)
		go func() {
			if err := app.Listen(cleanupMetrics); err != nil {
				log.Error().Err(err).Str("addr", cleanupMetrics).Msg("Metrics server stopped")
			}
		}()
		defer func() {
			if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
				log.Warn().Err(err).Msg("Failed to shut down metrics server")
			}
		}()
	}

	formatter.PrintInfo(fmt.Sprintf("Sweeping %s* on %q, press Ctrl+C to stop", janitor.Prefix(), schedule))
	<-ctx.Done()
	return nil
}
