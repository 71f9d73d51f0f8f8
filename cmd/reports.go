package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"text/tabwriter"

	"github.com/spigell/doc-evaluator/internal/export"
	"github.com/spigell/doc-evaluator/internal/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Inspect reports stored in the sqlite database",
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored reports, newest first",
	Run: func(cmd *cobra.Command, _ []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		withStore(func(ctx context.Context, store *export.SQLiteStore) error {
			return listReports(ctx, cmd.OutOrStdout(), store, limit)
		})
	},
}

var reportsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a stored report and its rules unable to evaluate",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(ctx context.Context, store *export.SQLiteStore) error {
			return showReport(ctx, cmd.OutOrStdout(), store, args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(reportsCmd)
	reportsCmd.AddCommand(reportsListCmd, reportsShowCmd)

	reportsCmd.PersistentFlags().String("database", "", "sqlite database with stored reports")
	reportsListCmd.Flags().IntP("limit", "n", 20, "how many reports to list")
}

// withStore opens the configured database, runs fn and exits on failure.
func withStore(fn func(ctx context.Context, store *export.SQLiteStore) error) {
	ctx := context.Background()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	database := strings.TrimSpace(reportsCmd.PersistentFlags().Lookup("database").Value.String())
	if database == "" {
		config, err := getConfig()
		if err != nil {
			logger.Fatal("getting a config", zap.Error(err))
		}
		database = strings.TrimSpace(config.Database)
	}
	if database == "" {
		logger.Fatal("database is not configured", zap.String("hint", "set --database or the 'database' key in the configuration file"))
	}

	store, err := export.NewSQLite(database)
	if err != nil {
		logger.Fatal("opening database", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("migrating database", zap.Error(err))
	}

	if err := fn(ctx, store); err != nil {
		if errors.Is(err, export.ErrNotFound) {
			logger.Fatal("report not found", zap.Error(err))
		}
		logger.Fatal("reading reports", zap.Error(err))
	}
}

func listReports(ctx context.Context, w io.Writer, store *export.SQLiteStore, limit int) error {
	reports, err := store.ListReports(ctx, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSCORE\tRATING\tSTATUS\tCREATED")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\t%s\n",
			r.ID, r.Name, r.Score, r.Rating, r.Status, r.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return tw.Flush()
}

func showReport(ctx context.Context, w io.Writer, store *export.SQLiteStore, id string) error {
	report, err := store.GetReport(ctx, id)
	if err != nil {
		return err
	}

	pretty, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	fmt.Fprintln(w, string(pretty))

	ledger, err := store.UnableToEvaluate(ctx, id)
	if err != nil {
		return err
	}
	if len(ledger) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UNABLE TO EVALUATE\tREASON")
	for _, entry := range ledger {
		fmt.Fprintf(tw, "%s\t%s\n", entry.FieldName, entry.Reason)
	}
	return tw.Flush()
}
