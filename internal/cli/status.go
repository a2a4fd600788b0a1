package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/netsession/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session and queued requests",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
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

	if err := app.Queue().Load(ctx); err != nil {
		slog.Error("Failed to load queue", "error", err)
		os.Exit(1)
	}

	pair, err := app.Sessions().Current(ctx)
	if err != nil {
		slog.Error("Failed to read session", "error", err)
		os.Exit(1)
	}
	if pair == nil {
		fmt.Println("Session: signed out")
	} else {
		fmt.Printf("Session: access expires %s, refresh expires %s\n",
			pair.AccessExpiresAt.Format(time.RFC3339), pair.RefreshExpiresAt.Format(time.RFC3339))
	}

	entries := app.Queue().Entries()
	fmt.Printf("Queue: %d request(s)\n\n", len(entries))
	if len(entries) == 0 {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tPRIORITY\tSTATE\tRETRIES\tREQUEST\tNEXT ATTEMPT")
	for _, e := range entries {
		next := "-"
		if !e.NextAttemptAt.IsZero() {
			next = e.NextAttemptAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s %s\t%s\n",
			e.ID, e.Priority, e.State, e.RetryCount, e.Method, e.Endpoint, next)
	}
	_ = w.Flush()
}
