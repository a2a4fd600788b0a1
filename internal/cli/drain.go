package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/netsession/internal/control"
)

var drainTimeout time.Duration

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay due queued requests once and exit",
	Run:   runDrain,
}

func init() {
	drainCmd.Flags().DurationVar(&drainTimeout, "timeout", 2*time.Minute, "maximum time to spend draining")
	rootCmd.AddCommand(drainCmd)
}

func runDrain(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	cfg.Server.Port = 0

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	app, err := control.NewApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize netsession", "error", err)
		os.Exit(1)
	}
	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start netsession", "error", err)
		os.Exit(1)
	}

	before := app.Queue().Status().Size
	if err := app.Monitor().Probe(ctx); err != nil {
		slog.Warn("Bandwidth probe failed", "error", err)
	}
	app.Queue().Drain(ctx)
	after := app.Queue().Status().Size

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Drained %d request(s), %d remaining\n", before-after, after)
}
