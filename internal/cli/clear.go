package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/netsession/internal/control"
)

var clearCmd = &cobra.Command{
	Use:       "clear [queue|session|all]",
	Short:     "Drop queued requests, the stored session, or both",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"queue", "session", "all"},
	Run:       runClear,
}

func init() {
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) {
	target := args[0]
	if target != "queue" && target != "session" && target != "all" {
		fmt.Printf("Unknown target %q, expected queue, session or all\n", target)
		os.Exit(1)
	}

	cfg := loadConfig()
	cfg.Server.Port = 0

	ctx := context.Background()
	app, err := control.NewApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = app.Stop(ctx)
	}()

	if target == "queue" || target == "all" {
		if err := app.Queue().Load(ctx); err != nil {
			slog.Error("Failed to load queue", "error", err)
			os.Exit(1)
		}
		n := app.Queue().Status().Size
		if err := app.Queue().Clear(ctx); err != nil {
			slog.Error("Failed to clear queue", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Dropped %d queued request(s)\n", n)
	}

	if target == "session" || target == "all" {
		if err := app.Sessions().Clear(ctx); err != nil {
			slog.Error("Failed to clear session", "error", err)
			os.Exit(1)
		}
		fmt.Println("Session cleared")
	}
}
