package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/SirClappington/taskq/internal/client"
)

var (
	apiURL string
	apiKey string
	out    io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "taskctl",
	Short: "Submit and inspect taskq tasks",
	Long: `taskctl talks to the taskq HTTP API: it submits tasks, uploads files for
the filestats task, polls task status and runs result store migrations.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "url", envOr("TASKQ_URL", "http://localhost:8080"), "API base URL (env TASKQ_URL)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("API_KEY"), "value for the X-API-Key header (env API_KEY)")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() *client.Client {
	return client.New(apiURL, client.WithAPIKey(apiKey))
}

func printJSON(v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errTaskFailed makes the process exit with status 2 when a waited-on
// task ends in FAILURE.
var errTaskFailed = errors.New("task failed")

func contextWithTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), d)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	switch {
	case errors.Is(err, errTaskFailed):
		os.Exit(2)
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
