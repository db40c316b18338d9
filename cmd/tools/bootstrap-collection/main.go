// Command bootstrap-collection seeds or updates a collection for an owner and
// prints its access token.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"opticast/internal/auth"
	"opticast/internal/models"
	"opticast/internal/storage"
)

func main() {
	var (
		jsonPath    string
		postgresDSN string
		ownerID     string
		name        string
		origins     string
		rotate      bool
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&ownerID, "owner", "", "Owner id for the collection")
	flag.StringVar(&name, "name", "", "Collection name")
	flag.StringVar(&origins, "origins", "", "Comma separated playback origins to allow")
	flag.BoolVar(&rotate, "rotate", false, "Issue a new access token for an existing collection")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if strings.TrimSpace(ownerID) == "" {
		fatalf("--owner is required")
	}
	if strings.TrimSpace(name) == "" {
		fatalf("--name is required")
	}
	allowed, err := auth.NormalizeOrigins(splitList(origins))
	if err != nil {
		fatalf("invalid --origins: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	repo, err := openRepository(ctx, jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	result, err := bootstrapCollection(ctx, repo, strings.TrimSpace(ownerID), strings.TrimSpace(name), allowed, rotate)
	if err != nil {
		fatalf("bootstrap collection: %v", err)
	}

	state := "updated"
	if result.created {
		state = "created"
	}
	fmt.Printf("Collection %s (%s) %s successfully.\n", result.collection.ID, result.collection.Name, state)
	if result.token != "" {
		fmt.Printf("Access token: %s\n", result.token)
		fmt.Println("Store this token now; it cannot be shown again.")
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(ctx context.Context, jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewJSONRepository(jsonPath)
	}
	return storage.NewPostgresRepository(ctx, postgresDSN)
}

func closeRepository(repo storage.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = repo.Close(ctx)
}

type bootstrapResult struct {
	collection models.Collection
	created    bool
	// token is empty when an existing credential was kept.
	token string
}

func bootstrapCollection(ctx context.Context, repo storage.Repository, ownerID, name string, origins []string, rotate bool) (bootstrapResult, error) {
	collections, err := repo.ListCollections(ctx)
	if err != nil {
		return bootstrapResult{}, err
	}
	for _, existing := range collections {
		if existing.OwnerID == ownerID && existing.Name == name {
			return updateCollection(ctx, repo, existing, origins, rotate)
		}
	}

	token, hash, err := auth.GenerateHashedAccessToken()
	if err != nil {
		return bootstrapResult{}, err
	}
	created, err := repo.CreateCollection(ctx, models.Collection{
		OwnerID:         ownerID,
		Name:            name,
		AccessTokenHash: hash,
		AllowedOrigins:  mergeOrigins(nil, origins),
	})
	if err != nil {
		return bootstrapResult{}, err
	}
	return bootstrapResult{collection: created, created: true, token: token}, nil
}

func updateCollection(ctx context.Context, repo storage.Repository, existing models.Collection, origins []string, rotate bool) (bootstrapResult, error) {
	var (
		update storage.CollectionUpdate
		token  string
	)
	merged := mergeOrigins(existing.AllowedOrigins, origins)
	if !equalStringSlices(existing.AllowedOrigins, merged) {
		update.AllowedOrigins = &merged
	}
	if rotate {
		var hash string
		var err error
		token, hash, err = auth.GenerateHashedAccessToken()
		if err != nil {
			return bootstrapResult{}, err
		}
		update.AccessTokenHash = &hash
	}
	if update.AllowedOrigins == nil && update.AccessTokenHash == nil {
		return bootstrapResult{collection: existing}, nil
	}
	updated, err := repo.UpdateCollection(ctx, existing.ID, update)
	if err != nil {
		return bootstrapResult{}, err
	}
	return bootstrapResult{collection: updated, token: token}, nil
}

func mergeOrigins(existing, additions []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(additions))
	for _, origin := range append(append([]string(nil), existing...), additions...) {
		if origin == "" {
			continue
		}
		seen[origin] = struct{}{}
	}
	merged := make([]string, 0, len(seen))
	for origin := range seen {
		merged = append(merged, origin)
	}
	sort.Strings(merged)
	return merged
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
