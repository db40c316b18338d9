// Command reconcile-deliveries runs a single repair pass over collection
// asset and delivery path arrays and prints the report as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"opticast/internal/bootstrap"
	"opticast/internal/config"
	"opticast/internal/ingest"
	"opticast/internal/observability/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "reconcile-deliveries: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	config.LoadEnvFiles(nil, ".env")
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("reconcile-deliveries", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: os.Stderr})
	repo, err := bootstrap.OpenRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer bootstrap.CloseRepository(repo, logger)

	return reconcile(ctx, ingest.NewReconciler(repo, logging.WithComponent(logger, "reconciler")), logger, out)
}

type reconciler interface {
	Run(ctx context.Context) (ingest.ReconcileReport, error)
}

// reconcile prints the report even when some repairs failed so operators
// can see how far the pass got.
func reconcile(ctx context.Context, r reconciler, logger *slog.Logger, out io.Writer) error {
	report, runErr := r.Run(ctx)
	logger.Info("reconcile pass complete",
		"collections", report.Collections,
		"assets", report.Assets,
		"delivery_paths", report.DeliveryPaths,
		"failed_repairs", report.FailedRepairs,
	)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("reconcile: %w", runErr)
	}
	return nil
}
