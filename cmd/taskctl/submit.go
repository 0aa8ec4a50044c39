package main

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/SirClappington/taskq/internal/api"
	"github.com/SirClappington/taskq/internal/domain"
)

var (
	submitMaxRetries int
	submitCountdown  float64
	submitWait       bool
	waitTimeout      time.Duration
	waitInterval     time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <task> [payload-json]",
	Short: "Submit a task",
	Example: `  taskctl submit double '{"x": 2}' --wait
  taskctl submit double '{"x": 5}' --countdown 30 --max-retries 3`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the current record of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := newClient().Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait <task-id>",
	Short: "Poll until a task reaches SUCCESS or FAILURE",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return waitAndPrint(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(submitCmd, statusCmd, waitCmd)

	submitCmd.Flags().IntVar(&submitMaxRetries, "max-retries", -1, "retries after a failure (default: server setting)")
	submitCmd.Flags().Float64Var(&submitCountdown, "countdown", 0, "seconds to wait before the task becomes runnable")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "wait for the task to finish")
	for _, c := range []*cobra.Command{submitCmd, waitCmd, uploadCmd} {
		c.Flags().DurationVar(&waitTimeout, "timeout", 5*time.Minute, "give up waiting after this long")
		c.Flags().DurationVar(&waitInterval, "interval", 500*time.Millisecond, "status poll interval")
	}
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req := api.SubmitRequest{Name: args[0], CountdownSec: submitCountdown}
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return errors.Errorf("payload is not valid JSON: %s", args[1])
		}
		req.Payload = json.RawMessage(args[1])
	}
	if cmd.Flags().Changed("max-retries") {
		req.MaxRetries = &submitMaxRetries
	}

	resp, err := newClient().Submit(cmd.Context(), req)
	if err != nil {
		return err
	}
	if !submitWait {
		return printJSON(resp)
	}
	return waitAndPrint(cmd, resp.TaskID)
}

func waitAndPrint(cmd *cobra.Command, id string) error {
	ctx, cancel := contextWithTimeout(cmd, waitTimeout)
	defer cancel()
	task, err := newClient().Wait(ctx, id, waitInterval)
	if err != nil {
		return err
	}
	if err := printJSON(task); err != nil {
		return err
	}
	if task.Status == domain.Failure {
		return errTaskFailed
	}
	return nil
}
