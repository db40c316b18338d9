package main

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"opticast/internal/auth"
	"opticast/internal/storage"
)

func TestBootstrapCollectionCreatesThenMergesOrigins(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()

	first, err := bootstrapCollection(ctx, repo, "owner-1", "launch", []string{"https://b.example.com"}, false)
	if err != nil {
		t.Fatalf("bootstrapCollection: %v", err)
	}
	if !first.created || first.token == "" {
		t.Fatalf("expected new collection with token, got %+v", first)
	}
	stored, err := repo.GetCollection(ctx, first.collection.ID)
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if err := auth.CompareAccessToken(stored.AccessTokenHash, first.token); err != nil {
		t.Fatalf("token does not match stored hash: %v", err)
	}

	second, err := bootstrapCollection(ctx, repo, "owner-1", "launch", []string{"https://a.example.com", "https://b.example.com"}, false)
	if err != nil {
		t.Fatalf("bootstrapCollection: %v", err)
	}
	if second.created || second.token != "" {
		t.Fatalf("expected update without new token, got %+v", second)
	}
	if second.collection.ID != first.collection.ID {
		t.Fatalf("expected same collection, got %s and %s", first.collection.ID, second.collection.ID)
	}
	want := []string{"https://a.example.com", "https://b.example.com"}
	if diff := cmp.Diff(want, second.collection.AllowedOrigins); diff != "" {
		t.Fatalf("origins (-want +got):\n%s", diff)
	}
}

func TestBootstrapCollectionRotatesToken(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()

	first, err := bootstrapCollection(ctx, repo, "owner-1", "launch", nil, false)
	if err != nil {
		t.Fatalf("bootstrapCollection: %v", err)
	}
	rotated, err := bootstrapCollection(ctx, repo, "owner-1", "launch", nil, true)
	if err != nil {
		t.Fatalf("bootstrapCollection: %v", err)
	}
	if rotated.token == "" || rotated.token == first.token {
		t.Fatalf("expected a fresh token, got %q", rotated.token)
	}
	stored, _ := repo.GetCollection(ctx, first.collection.ID)
	if err := auth.CompareAccessToken(stored.AccessTokenHash, first.token); err == nil {
		t.Fatal("old token should no longer match")
	}
	if err := auth.CompareAccessToken(stored.AccessTokenHash, rotated.token); err != nil {
		t.Fatalf("rotated token should match: %v", err)
	}
}

func TestBootstrapCollectionSeparatesOwners(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	a, err := bootstrapCollection(ctx, repo, "owner-1", "launch", nil, false)
	if err != nil {
		t.Fatalf("bootstrapCollection: %v", err)
	}
	b, err := bootstrapCollection(ctx, repo, "owner-2", "launch", nil, false)
	if err != nil {
		t.Fatalf("bootstrapCollection: %v", err)
	}
	if !b.created || a.collection.ID == b.collection.ID {
		t.Fatal("same name under another owner should create a new collection")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" https://a.example.com, ,https://b.example.com ")
	if diff := cmp.Diff([]string{"https://a.example.com", "https://b.example.com"}, got); diff != "" {
		t.Fatalf("splitList (-want +got):\n%s", diff)
	}
}
