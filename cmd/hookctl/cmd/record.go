package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/bmcallister/signalhook/internal/db"
	"github.com/bmcallister/signalhook/internal/logging"
	"github.com/bmcallister/signalhook/internal/record"
)

var (
	recordTenant string
	recordLimit  int
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Inspect delivery records",
}

var recordGetCmd = &cobra.Command{
	Use:   "get <delivery-id>",
	Short: "Show a delivery record by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *record.Postgres) error {
			r, err := store.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to fetch record: %w", err)
			}
			printOutput(r)
			return nil
		})
	},
}

var recordListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent delivery records for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *record.Postgres) error {
			rs, err := store.List(ctx, recordTenant, recordLimit)
			if err != nil {
				return fmt.Errorf("failed to list records: %w", err)
			}
			if outputJSON {
				printOutput(rs)
				return nil
			}
			for _, r := range rs {
				code := "-"
				if r.ResponseCode != nil {
					code = fmt.Sprintf("%d", *r.ResponseCode)
				}
				fmt.Printf("%s  %-9s  attempts=%d  code=%s  %s  %s\n",
					r.DeliveryID, r.Status, r.Attempts, code, r.EventType, r.WebhookURL)
			}
			return nil
		})
	},
}

// withStore connects to Postgres and hands the caller a record store.
func withStore(fn func(context.Context, *record.Postgres) error) error {
	if dbDSN == "" {
		return fmt.Errorf("no database configured: set --dsn or DATABASE_URL")
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pool, err := db.Connect(ctx, dbDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, newStore(pool))
}

func newStore(pool *pgxpool.Pool) *record.Postgres {
	return record.NewPostgres(pool, logging.New("hookctl"))
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.AddCommand(recordGetCmd)
	recordCmd.AddCommand(recordListCmd)

	recordListCmd.Flags().StringVar(&recordTenant, "tenant", "", "tenant ID (required)")
	recordListCmd.Flags().IntVar(&recordLimit, "limit", 20, "maximum records to return")
	recordListCmd.MarkFlagRequired("tenant")
}
