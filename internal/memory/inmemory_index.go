package memory

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
)

// embeddingDims bounds the toy embedding used by InMemoryIndex. A real
// deployment substitutes an IndexBackend backed by an actual embedding
// model and ANN engine; nothing above this interface depends on the
// vector's shape.
const embeddingDims = 64

// InMemoryIndex is the reference IndexBackend: a mutex-protected map of
// collections, each holding insertion-ordered entries and a deterministic
// hashed bag-of-words vector per entry. It has no network dependency, which
// makes it the default backend for tests and for a single-process
// deployment with no external vector store configured.
type InMemoryIndex struct {
	mu   sync.RWMutex
	data map[string]*collection
}

type collection struct {
	order []string // insertion order, oldest first
	byID  map[string]entry
}

type entry struct {
	mem Memory
	vec [embeddingDims]float64
}

// NewInMemoryIndex constructs an empty backend.
func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{data: make(map[string]*collection)}
}

func embed(text string) [embeddingDims]float64 {
	var v [embeddingDims]float64
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		idx := int(h.Sum32()) % embeddingDims
		if idx < 0 {
			idx += embeddingDims
		}
		v[idx]++
	}
	norm := 0.0
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range v {
			v[i] /= norm
		}
	}
	return v
}

func cosineDistance(a, b [embeddingDims]float64) float64 {
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	// dot is in [-1,1] for unit vectors (zero vector yields 0 dot, treated
	// as maximally dissimilar via distance 1).
	return 1 - dot
}

func (ix *InMemoryIndex) coll(name string, create bool) *collection {
	c, ok := ix.data[name]
	if !ok {
		if !create {
			return nil
		}
		c = &collection{byID: make(map[string]entry)}
		ix.data[name] = c
	}
	return c
}

func (ix *InMemoryIndex) Add(_ context.Context, collName string, mem Memory) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	c := ix.coll(collName, true)
	if _, exists := c.byID[mem.ID]; !exists {
		c.order = append(c.order, mem.ID)
	}
	c.byID[mem.ID] = entry{mem: mem.Clone(), vec: embed(mem.Content)}
	return nil
}

func (ix *InMemoryIndex) Delete(_ context.Context, collName string, id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	c := ix.coll(collName, false)
	if c == nil {
		return nil
	}
	if _, ok := c.byID[id]; !ok {
		return nil
	}
	delete(c.byID, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

func (ix *InMemoryIndex) Query(_ context.Context, collName string, text string, n int) ([]QueriedMemory, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	c := ix.coll(collName, false)
	if c == nil || n <= 0 {
		return nil, nil
	}

	qv := embed(text)
	out := make([]QueriedMemory, 0, len(c.byID))
	for _, e := range c.byID {
		out = append(out, QueriedMemory{Memory: e.mem.Clone(), Distance: cosineDistance(qv, e.vec)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (ix *InMemoryIndex) ScanOldest(_ context.Context, collName string, n int) ([]Memory, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.scanOldestLocked(collName, n), nil
}

func (ix *InMemoryIndex) scanOldestLocked(collName string, n int) []Memory {
	c := ix.coll(collName, false)
	if c == nil || n <= 0 {
		return nil
	}
	limit := n
	if limit > len(c.order) {
		limit = len(c.order)
	}
	out := make([]Memory, 0, limit)
	for _, id := range c.order[:limit] {
		out = append(out, c.byID[id].mem.Clone())
	}
	return out
}

func (ix *InMemoryIndex) PopOldest(_ context.Context, collName string, n int) ([]Memory, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	c := ix.coll(collName, false)
	if c == nil || n <= 0 {
		return nil, nil
	}
	limit := n
	if limit > len(c.order) {
		limit = len(c.order)
	}
	ids := c.order[:limit]
	out := make([]Memory, 0, limit)
	for _, id := range ids {
		out = append(out, c.byID[id].mem.Clone())
		delete(c.byID, id)
	}
	c.order = c.order[limit:]
	return out, nil
}

func (ix *InMemoryIndex) Count(_ context.Context, collName string) (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	c := ix.coll(collName, false)
	if c == nil {
		return 0, nil
	}
	return len(c.order), nil
}

func (ix *InMemoryIndex) Drop(_ context.Context, collName string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.data, collName)
	return nil
}

func (ix *InMemoryIndex) Names(_ context.Context) ([]string, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]string, 0, len(ix.data))
	for name := range ix.data {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
