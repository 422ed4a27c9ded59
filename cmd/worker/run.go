package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iago/knowledge-pipeline/internal/bootstrap"
	"github.com/iago/knowledge-pipeline/internal/service"
	"github.com/iago/knowledge-pipeline/internal/storage"
)

var (
	runWorkerID string
	runPoll     time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the job queue and process jobs until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if runWorkerID != "" {
			cfg.WorkerID = runWorkerID
		}
		if runPoll > 0 {
			cfg.WorkerPollMS = int(runPoll / time.Millisecond)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stores := bootstrap.OpenStores(ctx, cfg, logger)
		defer stores.Close()
		publisher, closePublisher := bootstrap.OpenPublisher(ctx, cfg, logger)
		defer closePublisher()

		var objects storage.ObjectStore
		if local, err := bootstrap.NewObjectStore(cfg); err != nil {
			logger.Printf("object storage disabled: %v", err)
		} else {
			objects = local
		}

		jobs := service.NewJobsService(stores.Jobs, publisher, logger)
		processor := bootstrap.NewProcessor(cfg, stores, jobs, objects, bootstrap.NewProviders(cfg), logger)
		processor.Start(ctx)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runWorkerID, "worker-id", "", "worker id recorded on claimed jobs (default worker-<pid>-<unixms>)")
	runCmd.Flags().DurationVar(&runPoll, "poll", 0, "queue poll interval (default WORKER_POLL_MS)")
	rootCmd.AddCommand(runCmd)
}
