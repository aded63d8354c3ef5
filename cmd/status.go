package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"specimen-curator/app/config"
	"specimen-curator/app/database"
	"specimen-curator/app/logger"
	"specimen-curator/app/model"
	"specimen-curator/app/service"

	"github.com/spf13/cobra"
)

var statusFilter string

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Print a task, or the tasks in one status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		log := logger.New(cfg.Log)
		defer log.Close()

		db, err := database.Open(cfg.Database.Path, log)
		if err != nil {
			return err
		}
		defer database.Close(db)

		tasks := service.NewTaskStore(db, log.Named("tasks"))
		ctx := context.Background()

		var out any
		if len(args) == 1 {
			out, err = tasks.Get(ctx, args[0])
		} else {
			out, err = tasks.ListByStatus(ctx, model.TaskStatus(statusFilter), 0)
		}
		if err != nil {
			return err
		}

		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusFilter, "status", "s", string(model.TaskStatusRunning), "status to list when no task id is given")
	rootCmd.AddCommand(statusCmd)
}
