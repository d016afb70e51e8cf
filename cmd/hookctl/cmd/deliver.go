package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bmcallister/signalhook/internal/db"
	"github.com/bmcallister/signalhook/internal/engine"
	"github.com/bmcallister/signalhook/internal/logging"
	"github.com/bmcallister/signalhook/internal/record"
)

var (
	deliverURL         string
	deliverPayload     string
	deliverSecret      string
	deliverEventType   string
	deliverTenant      string
	deliverObjectID    string
	deliverMaxAttempts int
	deliverTimeout     time.Duration
	allowLocalhost     bool
)

// deliverCmd runs a single delivery through the engine, synchronously,
// without going through NSQ. Useful for smoke-testing an endpoint.
var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Deliver an event to a destination URL",
	Long: `Deliver runs one delivery through the retry engine and reports the
outcome. If a DSN is configured the delivery is recorded like any other;
without one the attempt leaves no record.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parseJSON(deliverPayload)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		logger := logging.New("hookctl")
		var recorder record.Recorder = record.Noop{}
		if dbDSN != "" {
			pool, err := db.Connect(ctx, dbDSN)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()
			recorder = record.NewPostgres(pool, logger)
		}

		eng := engine.New(engine.Options{
			Recorder:       recorder,
			Logger:         logger,
			AllowLocalhost: allowLocalhost,
		})
		result := eng.Deliver(ctx, engine.Request{
			DestinationURL: deliverURL,
			Payload:        payload,
			MaxAttempts:    deliverMaxAttempts,
			Timeout:        deliverTimeout,
			SigningSecret:  deliverSecret,
			EventType:      deliverEventType,
			TenantID:       deliverTenant,
			ObjectID:       deliverObjectID,
		})

		printOutput(result)
		if result.Status != engine.StatusDelivered {
			// Returned, not os.Exit: the deferred pool close must run.
			cmd.SilenceUsage = true
			return fmt.Errorf("delivery %s failed after %d attempt(s): %s", result.DeliveryID, result.Attempts, result.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliverCmd)

	deliverCmd.Flags().StringVar(&deliverURL, "url", "", "destination URL (required)")
	deliverCmd.Flags().StringVar(&deliverPayload, "payload", "{}", "JSON object to deliver")
	deliverCmd.Flags().StringVar(&deliverSecret, "secret", "", "signing secret (empty sends unsigned)")
	deliverCmd.Flags().StringVar(&deliverEventType, "event-type", "", "event type for tracking")
	deliverCmd.Flags().StringVar(&deliverTenant, "tenant", "", "tenant ID for tracking")
	deliverCmd.Flags().StringVar(&deliverObjectID, "object-id", "", "related object ID")
	deliverCmd.Flags().IntVar(&deliverMaxAttempts, "max-attempts", 0, "max delivery attempts (0 = engine default)")
	deliverCmd.Flags().DurationVar(&deliverTimeout, "request-timeout", 0, "per-attempt timeout (0 = engine default)")
	deliverCmd.Flags().BoolVar(&allowLocalhost, "allow-localhost", false, "permit loopback destinations (local testing only)")
	deliverCmd.MarkFlagRequired("url")
}
