// Command migrate-json-to-postgres copies collections and assets from the
// JSON datastore into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"opticast/internal/observability/logging"
	"opticast/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/opticast.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := logging.New(logging.Config{Format: "text"})

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("OPTICAST_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, OPTICAST_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}
	if err := migrate(context.Background(), *jsonPath, dsn, logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func migrate(ctx context.Context, jsonPath, dsn string, logger *slog.Logger) error {
	snapshot, err := storage.LoadSnapshotFromJSON(jsonPath)
	if err != nil {
		return fmt.Errorf("load JSON snapshot: %w", err)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", jsonPath, "collections", counts.Collections, "assets", counts.Assets)

	repo, err := storage.NewPostgresRepository(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open postgres repository: %w", err)
	}
	defer repo.Close(context.Background())

	imported, err := storage.ImportSnapshot(ctx, repo, snapshot)
	if err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	if err := verifyCounts(ctx, dsn, counts); err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	logger.Info("migration completed",
		"collections", counts.Collections,
		"assets", counts.Assets,
		"imported_collections", imported.Collections,
		"imported_assets", imported.Assets,
	)
	return nil
}

// verifyCounts checks the target holds at least every migrated document.
// Rows created after the snapshot only raise the totals.
func verifyCounts(ctx context.Context, dsn string, counts storage.SnapshotCounts) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"collections", "SELECT COUNT(*) FROM collections", counts.Collections},
		{"assets", "SELECT COUNT(*) FROM assets", counts.Assets},
	}
	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual < check.expected {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}
