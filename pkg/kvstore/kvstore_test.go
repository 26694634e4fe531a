package kvstore

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kv.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Put(ctx, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := s.Get(ctx, []byte("k1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "v1" {
		t.Fatalf("expected v1, got %s", v)
	}

	if err := s.Delete(ctx, []byte("k1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, []byte("k1")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Delete(ctx, []byte("nonexistent")); err != nil {
		t.Fatalf("delete on missing key should be idempotent: %v", err)
	}
}

func TestScanPrefix(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	keys := []string{"u:alice:event:1", "u:alice:event:2", "u:bob:event:1", "pending:1"}
	for _, k := range keys {
		if err := s.Put(ctx, []byte(k), []byte("v")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := s.Scan(ctx, []byte("u:alice:"))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}

	count, err := s.CountPrefix(ctx, []byte("u:alice:"))
	if err != nil {
		t.Fatalf("count_prefix: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
}

func TestScanRange(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		key := []byte{'a', byte('0' + i)}
		if err := s.Put(ctx, key, []byte("v")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := s.ScanRange(ctx, []byte{'a', '1'}, []byte{'a', '3'})
	if err != nil {
		t.Fatalf("scan_range: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
}

func TestMultiGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Put(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.MultiGet(ctx, [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	if err != nil {
		t.Fatalf("multi_get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
}
