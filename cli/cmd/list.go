package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/pgtest/cli/output"
	"github.com/fluxbase-eu/pgtest/cli/util"
	"github.com/fluxbase-eu/pgtest/internal/provision"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List ephemeral databases",
	Long: `List databases whose name starts with provision.database_prefix.

Examples:
  pgtest list
  pgtest list -o json`,
	PreRunE: requireConfig,
	RunE:    runList,
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	janitor, err := provision.NewJanitor(ctx, cfg)
	if err != nil {
		return err
	}
	defer janitor.Close()

	dbs, err := janitor.ListDatabases(ctx)
	if err != nil {
		return err
	}

	if len(dbs) == 0 {
		formatter.PrintInfo(fmt.Sprintf("No databases with prefix %q found", janitor.Prefix()))
		return nil
	}

	if formatter.Format != output.FormatTable {
		return formatter.Print(dbs)
	}

	formatter.PrintTable(databaseTable(dbs, time.Now()))
	formatter.PrintInfo(fmt.Sprintf("\nTotal: %d databases", len(dbs)))
	return nil
}

func databaseTable(dbs []provision.EphemeralDatabase, now time.Time) output.TableData {
	data := output.TableData{
		Headers: []string{"NAME", "CREATED", "AGE", "SIZE", "CONNECTIONS"},
		Rows:    make([][]string, 0, len(dbs)),
		Numeric: []int{3, 4},
	}

	for _, d := range dbs {
		created, age := "-", "-"
		if d.CreatedAt != nil {
			created = d.CreatedAt.Local().Format("2006-01-02 15:04:05")
			age = util.FormatAge(d.Age(now))
		}
		data.Rows = append(data.Rows, []string{
			d.Name,
			created,
			age,
			util.FormatBytes(d.SizeBytes),
			strconv.FormatInt(d.Connections, 10),
		})
	}
	return data
}
