package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"transitdepot.dev/depot/task"
)

func init() {
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskCancelCmd)
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and cancel tasks",
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Print a task's status and result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := parseID(args[0])
		if err != nil {
			return err
		}

		_, store, _, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		t, err := store.GetTask(cmd.Context(), taskID)
		if err != nil {
			return err
		}

		fmt.Printf("task %d  %s  %s  %.0f%%\n", t.ID, t.Kind, t.Status, t.Progress)
		if t.ErrorMessage != "" {
			fmt.Printf("error: %s\n", t.ErrorMessage)
		}
		if len(t.ResultData) > 0 {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(t.ResultData)
		}
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Request cancellation of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := parseID(args[0])
		if err != nil {
			return err
		}

		_, store, log, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		orch := task.NewOrchestrator(store, nil, log)
		if err := orch.Cancel(cmd.Context(), taskID); err != nil {
			return err
		}

		fmt.Printf("cancellation requested for task %d\n", taskID)
		return nil
	},
}
