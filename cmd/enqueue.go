package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"specimen-curator/app/config"
	"specimen-curator/app/database"
	"specimen-curator/app/logger"
	"specimen-curator/app/model"
	"specimen-curator/app/queue"
	"specimen-curator/app/service"

	"github.com/spf13/cobra"
)

var (
	enqueueType      string
	enqueueUpload    string
	enqueueSourceURL string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Create a task and publish it to the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		subtasks, ok := model.DefaultSubtasks(enqueueType)
		if !ok {
			return fmt.Errorf("unknown task type %q", enqueueType)
		}
		if enqueueUpload == "" && enqueueSourceURL == "" {
			return fmt.Errorf("an upload file or a source url is required")
		}
		upload := enqueueUpload
		if upload != "" {
			abs, err := filepath.Abs(upload)
			if err != nil {
				return err
			}
			if _, err := os.Stat(abs); err != nil {
				return fmt.Errorf("upload: %w", err)
			}
			upload = abs
		}

		cfg := config.Load()
		log := logger.New(cfg.Log)
		defer log.Close()

		db, err := database.Open(cfg.Database.Path, log)
		if err != nil {
			return err
		}
		defer database.Close(db)

		ctx := context.Background()
		tasks := service.NewTaskStore(db, log.Named("tasks"))
		task := &model.Task{
			Type:      enqueueType,
			Subtasks:  subtasks,
			Upload:    upload,
			SourceURL: enqueueSourceURL,
		}
		if err := tasks.Create(ctx, task); err != nil {
			return fmt.Errorf("create task: %w", err)
		}

		broker, err := queue.Dial(ctx, cfg.Queue, log.Named("queue"))
		if err == nil {
			defer broker.Close()
			err = broker.Publish(ctx, task.ID)
		}
		if err != nil {
			if _, ferr := tasks.UpdateFailureByID(ctx, task.ID, fmt.Errorf("enqueue: %w", err)); ferr != nil {
				log.Errorf("mark task %s failed: %v", task.ID, ferr)
			}
			return fmt.Errorf("publish task %s: %w", task.ID, err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), task.ID)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueType, "type", "t", model.TaskTypeObservations, "task type (observations, labels, addresses, emails, pivots)")
	enqueueCmd.Flags().StringVarP(&enqueueUpload, "upload", "u", "", "uploaded occurrence file")
	enqueueCmd.Flags().StringVar(&enqueueSourceURL, "source-url", "", "observation search url to merge")
	rootCmd.AddCommand(enqueueCmd)
}
