// Package cmd provides the Cobra commands of the pgtest maintenance CLI.
package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/pgtest/cli/credentials"
	"github.com/fluxbase-eu/pgtest/cli/output"
	"github.com/fluxbase-eu/pgtest/cli/util"
	"github.com/fluxbase-eu/pgtest/internal/config"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"

	// Global flags
	cfgFile   string
	outputFmt string
	noHeaders bool
	quiet     bool
	debug     bool

	// Shared across commands
	cfg       *config.Config
	formatter *output.Formatter
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pgtest",
	Short: "pgtest CLI - Manage ephemeral test databases",
	Long: `pgtest provisions throwaway PostgreSQL databases for row-level security tests.

Test suites create and drop their databases themselves. This CLI covers the
maintenance side:
  - list:      show ephemeral databases left on the server
  - cleanup:   drop leftovers of crashed or kept runs
  - provision: create, migrate and seed a database for manual inspection
  - auth:      keep the privileged password in the system keychain

Connection settings come from pgtest.yaml, .env files, PGTEST_* and the
standard PG* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Silence errors only when --quiet is used
		cmd.SilenceErrors = quiet
		setupLogging()

		format, err := output.ParseFormat(outputFmt)
		if err != nil {
			return err
		}
		formatter = output.NewFormatter(format, noHeaders, quiet)
		return nil
	},
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is pgtest.yaml in ., ./config or ./test)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table",
		"output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&noHeaders, "no-headers", false,
		"hide table headers")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"minimal output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(authCmd)
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:     os.Stderr,
		NoColor: !util.IsTerminal(os.Stderr),
	})

	switch {
	case debug:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case quiet:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// requireConfig loads the harness configuration; use it as PreRunE
func requireConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.LoadFile(cfgFile)
	if err != nil {
		return err
	}
	if debug {
		loaded.Debug = true
	}
	if cmd.Parent() != authCmd {
		if _, err := credentials.NewKeychainStore().Apply(loaded, explicitPassword()); err != nil {
			log.Debug().Err(err).Msg("Keychain not consulted")
		}
	}
	cfg = loaded
	return nil
}
