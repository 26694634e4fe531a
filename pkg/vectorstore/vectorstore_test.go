package vectorstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "vectors.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureTableAndNearestK(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.EnsureTable(ctx, "memories", 3); err != nil {
		t.Fatalf("ensure table: %v", err)
	}

	rows := []Row{
		{ID: "a", UserID: "alice", AppID: "app1", StreamID: "s1", Content: "a", TransactionTime: time.Now(), Vector: []float32{1, 0, 0}},
		{ID: "b", UserID: "alice", AppID: "app1", StreamID: "s1", Content: "b", TransactionTime: time.Now(), Vector: []float32{0.99, 0, 0}},
		{ID: "c", UserID: "bob", AppID: "app1", StreamID: "s1", Content: "c", TransactionTime: time.Now(), Vector: []float32{0, 1, 0}},
	}
	if err := s.Add(ctx, "memories", rows); err != nil {
		t.Fatalf("add: %v", err)
	}

	results, err := s.NearestK(ctx, "memories", []float32{1, 0, 0}, 2, "user_id = 'alice'")
	if err != nil {
		t.Fatalf("nearest_k: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "a" {
		t.Errorf("expected closest result to be 'a', got %s", results[0].ID)
	}
}

func TestNearestKMissingTable(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.NearestK(ctx, "ghost", []float32{1, 2}, 5, "")
	if err != ErrTableMissing {
		t.Fatalf("expected ErrTableMissing, got %v", err)
	}
}

func TestMultiGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.EnsureTable(ctx, "memories", 2); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	if err := s.Add(ctx, "memories", []Row{
		{ID: "x", UserID: "u", AppID: "a", StreamID: "s", TransactionTime: time.Now(), Vector: []float32{1, 1}},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := s.MultiGet(ctx, "memories", []string{"x", "missing"})
	if err != nil {
		t.Fatalf("multi_get: %v", err)
	}
	if _, ok := got["x"]; !ok {
		t.Fatalf("expected x present")
	}
	if _, ok := got["missing"]; ok {
		t.Fatalf("expected missing absent")
	}
}

func TestDeleteByID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.EnsureTable(ctx, "memories", 2); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	if err := s.Add(ctx, "memories", []Row{
		{ID: "x", UserID: "u", AppID: "a", StreamID: "s", TransactionTime: time.Now(), Vector: []float32{1, 1}},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.DeleteByID(ctx, "memories", "x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := s.MultiGet(ctx, "memories", []string{"x"})
	if err != nil {
		t.Fatalf("multi_get: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result after delete")
	}
}
