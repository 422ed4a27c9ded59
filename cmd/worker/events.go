package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iago/knowledge-pipeline/internal/bootstrap"
	"github.com/iago/knowledge-pipeline/internal/domain"
)

var eventsDLQ bool

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail job lifecycle events from the Redis stream",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required to read job events")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stream, err := bootstrap.OpenEventStream(ctx, cfg)
		if err != nil {
			return err
		}
		defer stream.Close()

		if eventsDLQ {
			count, err := stream.DeadLetterCount(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("dead_letters=%d\n", count)
			return nil
		}

		err = stream.Subscribe(ctx, func(_ context.Context, event domain.JobEvent) error {
			cmd.Printf("%s event=%s job_id=%s type=%s tenant_id=%s status=%s attempts=%d %s\n",
				event.OccurredAt.Format("2006-01-02T15:04:05Z07:00"), event.Event, event.JobID, event.Type,
				event.TenantID, event.Status, event.Attempts, event.Error)
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	eventsCmd.Flags().BoolVar(&eventsDLQ, "dlq", false, "print the dead-letter stream length and exit")
	rootCmd.AddCommand(eventsCmd)
}
