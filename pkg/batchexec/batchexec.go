// Package batchexec runs multi-hop graph traversals in batches rather than
// one id at a time, generalizing the teacher's level-by-level breadth-first
// search in pkg/graph/graph_traversal.go's Neighbors: at each BFS level it
// issues a single batched outgoing-edge query for the entire frontier
// (via graphstore.BatchGetOutgoingEdges) instead of one query per node.
// Every one-hop lookup additionally consults the querycache's hot
// 1-hop-neighbourhood entries (spec §4.6) before falling through to
// graphstore, and populates the cache for whatever it fetches.
package batchexec

import (
	"context"
	"fmt"

	"github.com/memorose/engine/pkg/graphstore"
	"github.com/memorose/engine/pkg/model"
	"github.com/memorose/engine/pkg/querycache"
)

// RelatedToWeightThreshold is the minimum RelatedTo edge weight admitted
// into graph expansion (spec §4.1 step 4: "RelatedTo with weight >
// threshold"); DerivedFrom/EvolvedTo edges are always admitted. The spec
// leaves the exact value undetermined, so this mirrors the default
// auto-link similarity threshold's order of magnitude as the most
// defensible default.
const RelatedToWeightThreshold = 0.5

// Admitted reports whether an edge should be followed during graph
// expansion.
func Admitted(e model.GraphEdge) bool {
	switch e.Relation {
	case model.RelDerivedFrom, model.RelEvolvedTo:
		return true
	case model.RelRelatedTo:
		return e.Weight > RelatedToWeightThreshold
	default:
		return false
	}
}

// Executor holds a graph-store handle and an optional result cache for
// hot 1-hop neighbourhoods.
type Executor struct {
	graph *graphstore.Store
	cache *querycache.Cache
}

// New wires an Executor over an already-open graph store. cache may be
// nil, in which case every lookup goes straight to graphstore.
func New(graph *graphstore.Store, cache *querycache.Cache) *Executor {
	return &Executor{graph: graph, cache: cache}
}

// neighborFilter decides which edges of a one-hop fetch are kept, and
// tags the cache entries it produces so differently-filtered results
// (e.g. two different minWeight cutoffs) never collide in the shared
// cache.
type neighborFilter struct {
	algoTag string
	keep    func(model.GraphEdge) bool
}

// cachedOneHop returns the filtered neighbor ids reachable from each of
// ids in the given direction ("out"/"in"), consulting the cache first
// and only querying graphstore for ids that miss, then populating the
// cache with whatever it fetches.
func (e *Executor) cachedOneHop(ctx context.Context, userID string, ids []string, direction string, filter neighborFilter) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	misses := ids

	if e.cache != nil {
		misses = make([]string, 0, len(ids))
		for _, id := range ids {
			key := querycache.Key{Variant: querycache.OneHopNeighbors, User: userID, Node: id, Direction: direction, Algo: filter.algoTag}
			if cached, ok := e.cache.GetEdgeResult(key); ok {
				out[id] = cached
				continue
			}
			misses = append(misses, id)
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	var grouped map[string][]model.GraphEdge
	var err error
	switch direction {
	case "out":
		grouped, err = e.graph.BatchGetOutgoingEdges(ctx, userID, misses)
	case "in":
		grouped, err = e.graph.BatchGetIncomingEdges(ctx, userID, misses)
	default:
		return nil, fmt.Errorf("batchexec: cached_one_hop: unknown direction %q", direction)
	}
	if err != nil {
		return nil, fmt.Errorf("batchexec: cached_one_hop (%s): %w", direction, err)
	}

	for _, id := range misses {
		var neighbors []string
		for _, edge := range grouped[id] {
			if !filter.keep(edge) {
				continue
			}
			if direction == "out" {
				neighbors = append(neighbors, edge.TargetID)
			} else {
				neighbors = append(neighbors, edge.SourceID)
			}
		}
		out[id] = neighbors
		if e.cache != nil {
			key := querycache.Key{Variant: querycache.OneHopNeighbors, User: userID, Node: id, Direction: direction, Algo: filter.algoTag}
			e.cache.PutEdgeResult(key, neighbors)
		}
	}
	return out, nil
}

func minWeightFilter(minWeight float64) neighborFilter {
	return neighborFilter{
		algoTag: fmt.Sprintf("minw:%g", minWeight),
		keep:    func(e model.GraphEdge) bool { return e.Weight >= minWeight },
	}
}

var admittedFilter = neighborFilter{algoTag: "admitted", keep: Admitted}

// everyEdgeFilter keeps every edge, for callers that want the raw
// neighbourhood rather than a relation/weight-filtered one.
var everyEdgeFilter = neighborFilter{algoTag: "all", keep: func(model.GraphEdge) bool { return true }}

// BatchMultiHopTraverse runs BFS level-by-level from starts, up to maxHops
// hops, issuing one batched (and cache-backed) outgoing query per level
// for the current frontier. Edges below minWeight are discarded before
// expanding the next frontier. Returns the set of all reached node ids
// (starts included).
func (e *Executor) BatchMultiHopTraverse(ctx context.Context, userID string, starts []string, maxHops int, minWeight float64) (map[string]bool, error) {
	visited := make(map[string]bool, len(starts))
	frontier := make([]string, 0, len(starts))
	for _, s := range starts {
		if !visited[s] {
			visited[s] = true
			frontier = append(frontier, s)
		}
	}

	filter := minWeightFilter(minWeight)
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		grouped, err := e.cachedOneHop(ctx, userID, frontier, "out", filter)
		if err != nil {
			return nil, fmt.Errorf("batchexec: traverse hop %d: %w", hop, err)
		}

		next := make([]string, 0)
		for _, neighbors := range grouped {
			for _, id := range neighbors {
				if !visited[id] {
					visited[id] = true
					next = append(next, id)
				}
			}
		}
		frontier = next
	}

	return visited, nil
}

// Neighborhood is the dual outgoing/incoming neighbor-id set for one node.
type Neighborhood struct {
	Outgoing []string
	Incoming []string
}

// PrefetchNeighborhoods returns a dual (outgoing, incoming) neighbor-id map
// for a given id list, each side fetched (and cached) with a single
// batched, unfiltered query.
func (e *Executor) PrefetchNeighborhoods(ctx context.Context, userID string, ids []string) (map[string]Neighborhood, error) {
	out := make(map[string]Neighborhood, len(ids))
	for _, id := range ids {
		out[id] = Neighborhood{}
	}

	outgoing, err := e.cachedOneHop(ctx, userID, ids, "out", everyEdgeFilter)
	if err != nil {
		return nil, fmt.Errorf("batchexec: prefetch outgoing: %w", err)
	}
	for id, neighbors := range outgoing {
		n := out[id]
		n.Outgoing = neighbors
		out[id] = n
	}

	incoming, err := e.cachedOneHop(ctx, userID, ids, "in", everyEdgeFilter)
	if err != nil {
		return nil, fmt.Errorf("batchexec: prefetch incoming: %w", err)
	}
	for id, neighbors := range incoming {
		n := out[id]
		n.Incoming = neighbors
		out[id] = n
	}

	return out, nil
}

// DualNeighbors is one batched, cache-backed outgoing+incoming neighbor
// fetch for a frontier, already filtered by Admitted.
type DualNeighbors struct {
	Outgoing map[string][]string
	Incoming map[string][]string
}

// BatchDualEdges fetches admitted outgoing and incoming neighbor ids for
// the whole frontier, one cache-backed query per direction, for callers
// (like the hybrid-search BFS expansion) walking DerivedFrom/EvolvedTo/
// RelatedTo edges in either direction.
func (e *Executor) BatchDualEdges(ctx context.Context, userID string, frontier []string) (DualNeighbors, error) {
	outgoing, err := e.cachedOneHop(ctx, userID, frontier, "out", admittedFilter)
	if err != nil {
		return DualNeighbors{}, fmt.Errorf("batchexec: batch dual edges outgoing: %w", err)
	}
	incoming, err := e.cachedOneHop(ctx, userID, frontier, "in", admittedFilter)
	if err != nil {
		return DualNeighbors{}, fmt.Errorf("batchexec: batch dual edges incoming: %w", err)
	}
	return DualNeighbors{Outgoing: outgoing, Incoming: incoming}, nil
}
