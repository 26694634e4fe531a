package textindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "text.db"), 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestSearchBitemporalUserIsolation(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t)

	idx.Add(Document{ID: "1", UserID: "alice", AppID: "app1", StreamID: "s1", Content: "Secret of user A", TransactionTime: time.Now()})
	idx.Add(Document{ID: "2", UserID: "bob", AppID: "app1", StreamID: "s1", Content: "Secret of user B", TransactionTime: time.Now()})
	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	hits, err := idx.SearchBitemporal(ctx, "Secret", 10, TimeRange{}, TimeRange{}, "alice", "app1")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "1" {
		t.Fatalf("expected exactly doc 1, got %+v", hits)
	}
}

func TestSearchBitemporalValidTimeRange(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t)

	oldTime := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	newTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	idx.Add(Document{ID: "old", UserID: "u", AppID: "a", StreamID: "s", Content: "Memorose old fact", TransactionTime: time.Now(), ValidTime: &oldTime})
	idx.Add(Document{ID: "new", UserID: "u", AppID: "a", StreamID: "s", Content: "Memorose new fact", TransactionTime: time.Now(), ValidTime: &newTime})
	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rangeStart := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rangeEnd := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	hits, err := idx.SearchBitemporal(ctx, "Memorose", 10, TimeRange{Start: rangeStart, End: rangeEnd}, TimeRange{}, "", "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "new" {
		t.Fatalf("expected only the new doc, got %+v", hits)
	}
}
