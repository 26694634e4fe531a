package querycache

import (
	"testing"
	"time"
)

func TestPutGetEdgeResult(t *testing.T) {
	c := New()
	k := Key{Variant: OneHopNeighbors, User: "u1", Node: "n1", Direction: "out"}

	if _, ok := c.GetEdgeResult(k); ok {
		t.Fatalf("expected miss before put")
	}
	c.PutEdgeResult(k, []string{"e1", "e2"})

	got, ok := c.GetEdgeResult(k)
	if !ok || len(got) != 2 {
		t.Fatalf("expected hit with 2 entries, got %+v ok=%v", got, ok)
	}
}

func TestExpiry(t *testing.T) {
	c := New(WithTTL(10 * time.Millisecond))
	k := Key{Variant: CommunityDetection, User: "u1", Algo: "louvain"}
	c.PutNodeResult(k, []string{"a"})

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.GetNodeResult(k); ok {
		t.Fatalf("expected expired entry to miss")
	}
}

func TestInvalidateUser(t *testing.T) {
	c := New()
	k1 := Key{Variant: OneHopNeighbors, User: "u1", Node: "n1", Direction: "out"}
	k2 := Key{Variant: OneHopNeighbors, User: "u2", Node: "n1", Direction: "out"}
	c.PutEdgeResult(k1, []string{"e1"})
	c.PutEdgeResult(k2, []string{"e2"})

	c.InvalidateUser("u1")

	if _, ok := c.GetEdgeResult(k1); ok {
		t.Fatalf("expected u1 entry invalidated")
	}
	if _, ok := c.GetEdgeResult(k2); !ok {
		t.Fatalf("expected u2 entry to survive invalidation")
	}
}

func TestEvictsLowestAccessCount(t *testing.T) {
	c := New(WithMaxEntries(2))
	k1 := Key{Variant: OneHopNeighbors, User: "u1", Node: "n1", Direction: "out"}
	k2 := Key{Variant: OneHopNeighbors, User: "u1", Node: "n2", Direction: "out"}
	k3 := Key{Variant: OneHopNeighbors, User: "u1", Node: "n3", Direction: "out"}

	c.PutEdgeResult(k1, []string{"e1"})
	c.PutEdgeResult(k2, []string{"e2"})
	// Access k1 repeatedly so it outranks k2 on access count.
	c.GetEdgeResult(k1)
	c.GetEdgeResult(k1)

	c.PutEdgeResult(k3, []string{"e3"})

	if _, ok := c.GetEdgeResult(k2); ok {
		t.Fatalf("expected k2 (lowest access count) evicted")
	}
	if _, ok := c.GetEdgeResult(k1); !ok {
		t.Fatalf("expected k1 to survive eviction")
	}
}
