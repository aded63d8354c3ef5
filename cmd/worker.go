package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"specimen-curator/app/config"
	"specimen-curator/app/database"
	"specimen-curator/app/logger"
	"specimen-curator/app/model"
	"specimen-curator/app/queue"
	"specimen-curator/app/server"
	"specimen-curator/app/service"
	"specimen-curator/app/utils/elevation"
	"specimen-curator/app/utils/inat"
	"specimen-curator/app/utils/labels"
	"specimen-curator/app/utils/lookup"
	"specimen-curator/app/utils/retention"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume tasks from the queue",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		log := logger.New(cfg.Log)
		defer log.Close()

		db, err := database.Open(cfg.Database.Path, log)
		if err != nil {
			log.Fatalf("database init failed: %v", err)
		}
		defer database.Close(db)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tasks := service.NewTaskStore(db, log.Named("tasks"))
		occurrences := service.NewOccurrenceStore(db, log.Named("occurrences"), cfg.Occurrences.PageSize, cfg.Occurrences.ChunkSize)
		reportStaleTasks(ctx, tasks, log)

		archiver, err := newArchiver(ctx, cfg.Storage)
		if err != nil {
			log.Fatalf("archive init failed: %v", err)
		}
		trimmer := retention.NewTrimmer(cfg.Storage.MaxFiles, archiver, log.Named("retention"))
		sweeper, err := retention.NewSweeper(cfg.Storage.RetentionCron, trimmer, outputDirs(cfg.Storage.DataDir), log.Named("retention"))
		if err != nil {
			log.Fatalf("retention init failed: %v", err)
		}
		sweeper.Start()
		defer sweeper.Stop()

		client := inat.New(cfg.INat, log.Named("inat"))
		defer client.Close()

		names, err := lookup.New(cfg.Lookup, client, log.Named("lookup"))
		if err != nil {
			log.Fatalf("lookup init failed: %v", err)
		}
		if cfg.Lookup.Watch {
			if err := names.Watch(); err != nil {
				log.Warnf("lookup files will not be reloaded: %v", err)
			}
			defer names.Stop()
		}

		stage := &service.Stage{
			Tasks:       tasks,
			Occurrences: occurrences,
			DataDir:     cfg.Storage.DataDir,
			Retention:   trimmer,
			Log:         log.Named("pipeline"),
		}
		dispatcher := service.NewDispatcher(log.Named("dispatcher"),
			service.NewObservationsHandler(stage, client, names, elevation.New(cfg.Elevation.TileDir)),
			service.NewLabelsHandler(stage, labels.NewRenderer(labels.DefaultLayout)),
			service.NewAddressesHandler(stage),
			service.NewEmailsHandler(stage),
			service.NewPivotsHandler(stage),
		)

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		consumer := service.NewConsumer(tasks, dispatcher, service.NewMetrics(reg), log.Named("consumer"), cfg.Queue.ShutdownGrace)

		broker, err := queue.Dial(ctx, cfg.Queue, log.Named("queue"))
		if err != nil {
			log.Fatalf("broker init failed: %v", err)
		}
		defer broker.Close()
		closed := broker.Closed()

		deliveries, err := broker.Consume(cfg.Queue.ConsumerTag)
		if err != nil {
			log.Fatalf("consume failed: %v", err)
		}
		consumer.Start(deliveries)

		var srv *server.Server
		if cfg.Server.Enabled {
			srv = server.New(cfg, log.Named("http"), tasks, occurrences, reg)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorf("status server failed: %v", err)
				}
			}()
		}

		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
		case err := <-closed:
			log.Errorf("broker connection lost: %v", err)
		}

		consumer.Stop()
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Errorf("status server shutdown failed: %v", err)
			}
		}
		log.Info("worker stopped")
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func newArchiver(ctx context.Context, cfg config.StorageConfig) (retention.Archiver, error) {
	if cfg.Minio.Endpoint != "" {
		return retention.NewMinioArchiver(ctx, cfg.Minio)
	}
	return retention.NewLocalArchiver(cfg.ArchiveDir), nil
}

func outputDirs(dataDir string) []string {
	types := []string{
		model.OutputOccurrences, model.OutputFlags, model.OutputDuplicates,
		model.OutputLabels, model.OutputAddresses, model.OutputEmails, model.OutputPivots,
	}
	dirs := make([]string, len(types))
	for i, t := range types {
		dirs[i] = filepath.Join(dataDir, t)
	}
	return dirs
}

// reportStaleTasks logs tasks left running by a previous worker. Messages are acked on
// receipt, so nothing will resume them.
func reportStaleTasks(ctx context.Context, tasks *service.TaskStore, log *logger.Logger) {
	stale, err := tasks.ListByStatus(ctx, model.TaskStatusRunning, 0)
	if err != nil {
		log.Warnf("list running tasks: %v", err)
		return
	}
	for _, t := range stale {
		log.Warnf("task %s (%s) was left running at %s", t.ID, t.CurrentSubtask, t.UpdatedAt.Format(time.RFC3339))
	}
}
