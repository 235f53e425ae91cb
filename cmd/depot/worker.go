package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"transitdepot.dev/depot/downloader"
	"transitdepot.dev/depot/export"
	"transitdepot.dev/depot/importer"
	"transitdepot.dev/depot/mutate"
	"transitdepot.dev/depot/realtime"
	"transitdepot.dev/depot/task"
	"transitdepot.dev/depot/validate"
	"transitdepot.dev/depot/validate/mobility"
	"transitdepot.dev/depot/worker"
)

var workerDataDir string

func init() {
	workerCmd.Flags().StringVar(&workerDataDir, "data-dir", os.TempDir(), "directory for export archives and scratch files")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the task worker, orphan sweeper and realtime poller",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, log, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pool := task.NewPool(cfg.Worker.Workers, cfg.Worker.QueueDepth, log)
		orch := task.NewOrchestrator(store, pool, log)

		runner := mobility.NewRunner(cfg.Mobility.DockerImage, cfg.Mobility.WorkDir, log)
		runner.HostPrefix = cfg.Mobility.HostPrefix
		runner.ContainerPrefix = cfg.Mobility.ContainerPrefix
		runner.Timeout = cfg.Mobility.Timeout

		fetcher := realtime.NewFetcher(log)

		worker.Register(pool, worker.Deps{
			Store:     store,
			Orch:      orch,
			Importer:  importer.New(store, log),
			Exporter:  export.New(store, log),
			Mutator:   mutate.New(store, log),
			Validator: validate.New(store, log),
			Mobility:  runner,
			Fetcher:   fetcher,
			Download:  downloader.NewMemoryDownloader(),
			Log:       log,
			DataDir:   workerDataDir,
		})

		sweeper := task.NewSweeper(store, log)
		poller := realtime.NewPoller(store, fetcher, cfg.Realtime.PollingInterval, log)

		go sweeper.Start(ctx)
		go poller.Start(ctx)

		log.Info().Int("workers", cfg.Worker.Workers).Msg("worker started")
		pool.Start(ctx)
		pool.Wait()
		log.Info().Msg("worker stopped")
		return nil
	},
}
