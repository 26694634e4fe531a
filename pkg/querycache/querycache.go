// Package querycache implements the graph-query result cache of spec
// §4.6: two independent TTL+LRU maps (one for edge-result lists, one for
// node-id lists) keyed on enumerated query-shape variants. No library in
// the example corpus provides an LRU cache (see DESIGN.md); the eviction
// list is built on the standard library's container/list, the same
// structure an hand-rolled LRU would use, following the teacher's general
// preference for small dependency-free data structures when nothing in
// the corpus already supplies one.
package querycache

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	defaultTTL        = 5 * time.Minute
	defaultMaxEntries = 5000
)

// KeyVariant is the enumerated shape of a cached query.
type KeyVariant int

const (
	OneHopNeighbors KeyVariant = iota
	MultiHopTraversal
	CommunityDetection
)

// Key identifies one cached query. Direction/Hops/Algo are interpreted
// according to Variant; Node and Starts are mutually exclusive by variant.
type Key struct {
	Variant   KeyVariant
	User      string
	Node      string
	Direction string
	Starts    []string
	Hops      int
	Algo      string
}

// String renders a Key to a stable cache-map key string.
func (k Key) String() string {
	switch k.Variant {
	case OneHopNeighbors:
		return fmt.Sprintf("1hop|%s|%s|%s|%s", k.User, k.Node, k.Direction, k.Algo)
	case MultiHopTraversal:
		starts := append([]string(nil), k.Starts...)
		return fmt.Sprintf("mhop|%s|%s|%d", k.User, strings.Join(starts, ","), k.Hops)
	case CommunityDetection:
		return fmt.Sprintf("comm|%s|%s", k.User, k.Algo)
	default:
		return fmt.Sprintf("unknown|%s", k.User)
	}
}

type entry[V any] struct {
	key        string
	user       string
	value      V
	expiresAt  time.Time
	accessCount int
	listElem   *list.Element
}

// lruMap is one TTL+LRU map, generic over the cached value type.
type lruMap[V any] struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	entries    map[string]*entry[V]
	order      *list.List // front = most recently used
}

func newLRUMap[V any](maxEntries int, ttl time.Duration) *lruMap[V] {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &lruMap[V]{
		maxEntries: maxEntries,
		ttl:        ttl,
		entries:    make(map[string]*entry[V]),
		order:      list.New(),
	}
}

func (m *lruMap[V]) get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero V
	e, ok := m.entries[key]
	if !ok {
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		m.removeLocked(e)
		return zero, false
	}
	e.accessCount++
	m.order.MoveToFront(e.listElem)
	return e.value, true
}

func (m *lruMap[V]) put(key, user string, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[key]; ok {
		m.removeLocked(existing)
	}

	e := &entry[V]{
		key:       key,
		user:      user,
		value:     value,
		expiresAt: time.Now().Add(m.ttl),
	}
	e.listElem = m.order.PushFront(e)
	m.entries[key] = e

	for len(m.entries) > m.maxEntries {
		m.evictOneLocked()
	}
}

// evictOneLocked evicts the entry with the lowest access count among the
// current LRU tail candidates, oldest (back of list) breaking ties — spec
// §4.6: "evict LRU (min access count then oldest)".
func (m *lruMap[V]) evictOneLocked() {
	var victim *entry[V]
	for e := m.order.Back(); e != nil; e = e.Prev() {
		cand := e.Value.(*entry[V])
		if victim == nil || cand.accessCount < victim.accessCount {
			victim = cand
		}
	}
	if victim != nil {
		m.removeLocked(victim)
	}
}

func (m *lruMap[V]) removeLocked(e *entry[V]) {
	delete(m.entries, e.key)
	m.order.Remove(e.listElem)
}

func (m *lruMap[V]) invalidateUser(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var toRemove []*entry[V]
	for _, e := range m.entries {
		if e.user == user {
			toRemove = append(toRemove, e)
		}
	}
	for _, e := range toRemove {
		m.removeLocked(e)
	}
}

// Cache holds the two independent edge-result / node-list maps.
type Cache struct {
	edges *lruMap[[]string]
	nodes *lruMap[[]string]
}

// Option configures a Cache's TTL and max-entries (defaults: 5 min, 5000).
type Option func(*config)

type config struct {
	ttl        time.Duration
	maxEntries int
}

func WithTTL(d time.Duration) Option { return func(c *config) { c.ttl = d } }
func WithMaxEntries(n int) Option    { return func(c *config) { c.maxEntries = n } }

// New constructs a Cache with the given options.
func New(opts ...Option) *Cache {
	cfg := config{ttl: defaultTTL, maxEntries: defaultMaxEntries}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Cache{
		edges: newLRUMap[[]string](cfg.maxEntries, cfg.ttl),
		nodes: newLRUMap[[]string](cfg.maxEntries, cfg.ttl),
	}
}

// GetEdgeResult looks up a cached edge-id-list result (OneHopNeighbors
// variant).
func (c *Cache) GetEdgeResult(k Key) ([]string, bool) {
	return c.edges.get(k.String())
}

// PutEdgeResult stores an edge-id-list result.
func (c *Cache) PutEdgeResult(k Key, ids []string) {
	c.edges.put(k.String(), k.User, ids)
}

// GetNodeResult looks up a cached node-id-list result (MultiHopTraversal
// or CommunityDetection variants).
func (c *Cache) GetNodeResult(k Key) ([]string, bool) {
	return c.nodes.get(k.String())
}

// PutNodeResult stores a node-id-list result.
func (c *Cache) PutNodeResult(k Key, ids []string) {
	c.nodes.put(k.String(), k.User, ids)
}

// InvalidateUser removes every cached entry (in both maps) whose key was
// stored for user u. The engine calls this whenever user u's graph
// mutates.
func (c *Cache) InvalidateUser(user string) {
	c.edges.invalidateUser(user)
	c.nodes.invalidateUser(user)
}
