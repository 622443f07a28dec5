package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/pgtest/cli/credentials"
	"github.com/fluxbase-eu/pgtest/cli/output"
	"github.com/fluxbase-eu/pgtest/cli/util"
)

var (
	authPassword string
	authNoVerify bool
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the stored privileged password",
	Long: `Store the password of the privileged database user in the system keychain.

The stored password is used whenever neither PGTEST_DATABASE_PASSWORD nor
PGPASSWORD is set. Entries are keyed by user@host:port.`,
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the privileged password in the keychain",
	Example: `  pgtest auth login
  PGHOST=db.internal pgtest auth login --password "$(cat secret.txt)"`,
	PreRunE: requireConfig,
	RunE:    runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:     "logout",
	Short:   "Remove the stored privileged password",
	PreRunE: requireConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		account := credentials.Account(cfg.Database)
		if err := credentials.NewKeychainStore().Delete(account); err != nil {
			return err
		}
		formatter.PrintSuccess(fmt.Sprintf("Removed stored password for %s", account))
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show whether a password is stored",
	PreRunE: requireConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		account := credentials.Account(cfg.Database)
		_, ok, err := credentials.NewKeychainStore().Load(account)
		if err != nil {
			return err
		}
		formatter.PrintFields(
			output.Field{Key: "Account", Value: account},
			output.Field{Key: "Stored", Value: strconv.FormatBool(ok)},
			output.Field{Key: "Explicit", Value: strconv.FormatBool(explicitPassword())},
		)
		return nil
	},
}

func init() {
	authLoginCmd.Flags().StringVar(&authPassword, "password", "", "password (prompted when omitted)")
	authLoginCmd.Flags().BoolVar(&authNoVerify, "no-verify", false, "store without testing the connection")

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	store := credentials.NewKeychainStore()
	if !store.IsAvailable() {
		return errors.New("keychain is not available on this system")
	}

	password := authPassword
	if password == "" {
		if !util.IsInteractive() {
			return errors.New("--password is required in a non-interactive session")
		}
		var err error
		password, err = util.ReadPassword(fmt.Sprintf("Password for %s: ", credentials.Account(cfg.Database)))
		if err != nil {
			return err
		}
	}

	if !authNoVerify {
		db := cfg.Database
		db.Password = password
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		conn, err := pgx.Connect(ctx, db.AdminURL())
		if err != nil {
			return fmt.Errorf("connection check failed: %w", err)
		}
		_ = conn.Close(ctx)
	}

	account := credentials.Account(cfg.Database)
	if err := store.Save(account, password); err != nil {
		return err
	}
	formatter.PrintSuccess(fmt.Sprintf("Stored password for %s", account))
	return nil
}

// explicitPassword reports whether the environment sets the privileged password
func explicitPassword() bool {
	for _, key := range []string{"PGTEST_DATABASE_PASSWORD", "PGPASSWORD"} {
		if _, ok := os.LookupEnv(key); ok {
			return true
		}
	}
	return false
}
