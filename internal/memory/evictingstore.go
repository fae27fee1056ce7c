package memory

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// EvictSink receives batches evicted from an EvictingStore. Implementations
// must not block on remote work; the expected shape is "enqueue and
// return" (see internal/compressor for the production sink).
type EvictSink interface {
	OnEvict(coll string, batch []Memory)
}

// EvictingStoreConfig configures the overflow eviction algorithm.
type EvictingStoreConfig struct {
	ProgressiveEviction bool
	MaxSizeBeforeEvict  int // -1 disables
	EvictFraction       float64
	EvictMinBatch       int
}

const evictChunkSize = 256

// EvictingStore wraps a SemanticStore (normally STM) and routes any
// overflow past MaxSizeBeforeEvict to an EvictSink, one batch per overflow
// event, preserving oldest-first order.
type EvictingStore struct {
	inner  *SemanticStore
	cfg    EvictingStoreConfig
	sink   EvictSink
	logger *zap.Logger
}

// NewEvictingStore wraps inner. sink may be nil, in which case every popped
// overflow batch (and every EvictAll chunk) is discarded: nothing is
// compressed or copied into LTM.
func NewEvictingStore(inner *SemanticStore, cfg EvictingStoreConfig, sink EvictSink, logger *zap.Logger) *EvictingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvictingStore{inner: inner, cfg: cfg, sink: sink, logger: logger.With(zap.String("component", "evictingstore"))}
}

// Store inserts mem then runs the overflow eviction algorithm.
func (e *EvictingStore) Store(ctx context.Context, coll string, mem Memory) error {
	if err := e.inner.Store(ctx, coll, mem); err != nil {
		return err
	}
	return e.maybeEvict(ctx, coll)
}

func (e *EvictingStore) maybeEvict(ctx context.Context, coll string) error {
	if !e.cfg.ProgressiveEviction || e.cfg.MaxSizeBeforeEvict < 0 {
		return nil
	}

	current, err := e.inner.Count(ctx, coll)
	if err != nil {
		return err
	}
	overflow := current - e.cfg.MaxSizeBeforeEvict
	if overflow <= 0 {
		return nil
	}

	n := overflow
	if e.cfg.EvictFraction > 0 {
		byFraction := int(float64(current) * e.cfg.EvictFraction)
		if byFraction > n {
			n = byFraction
		}
	}
	if e.cfg.EvictMinBatch > n {
		n = e.cfg.EvictMinBatch
	}
	if n > current {
		n = current
	}

	batch, err := e.popInChunks(ctx, coll, n)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	e.logger.Debug("evicting batch", zap.String("coll", coll), zap.Int("size", len(batch)))
	if e.sink != nil {
		e.sink.OnEvict(coll, batch)
	}
	return nil
}

func (e *EvictingStore) popInChunks(ctx context.Context, coll string, n int) ([]Memory, error) {
	out := make([]Memory, 0, n)
	for len(out) < n {
		chunk := evictChunkSize
		if remaining := n - len(out); remaining < chunk {
			chunk = remaining
		}
		popped, err := e.inner.PopOldest(ctx, coll, chunk)
		if err != nil {
			return out, fmt.Errorf("evictingstore: pop chunk: %w", err)
		}
		if len(popped) == 0 {
			break
		}
		out = append(out, popped...)
	}
	return out, nil
}

// EvictAll drains coll completely, invoking the sink once per chunk.
func (e *EvictingStore) EvictAll(ctx context.Context, coll string) error {
	for {
		popped, err := e.inner.PopOldest(ctx, coll, evictChunkSize)
		if err != nil {
			return fmt.Errorf("evictingstore: evict_all: %w", err)
		}
		if len(popped) == 0 {
			return nil
		}
		if e.sink != nil {
			e.sink.OnEvict(coll, popped)
		}
	}
}

func (e *EvictingStore) Query(ctx context.Context, coll string, text string, n int) ([]QueriedMemory, error) {
	return e.inner.Query(ctx, coll, text, n)
}

func (e *EvictingStore) Remove(ctx context.Context, coll string, id string) error {
	return e.inner.Remove(ctx, coll, id)
}

// Clear forwards to the wrapped store's true clear (drop + recreate). A
// prior implementation of this wrapper forwarded to remove(); that bug does
// not exist here.
func (e *EvictingStore) Clear(ctx context.Context, coll string) error {
	return e.inner.Clear(ctx, coll)
}

func (e *EvictingStore) Count(ctx context.Context, coll string) (int, error) {
	return e.inner.Count(ctx, coll)
}

func (e *EvictingStore) PopOldest(ctx context.Context, coll string, n int) ([]Memory, error) {
	return e.inner.PopOldest(ctx, coll, n)
}

func (e *EvictingStore) PeekOldest(ctx context.Context, coll string, n int) ([]Memory, error) {
	return e.inner.PeekOldest(ctx, coll, n)
}

func (e *EvictingStore) CollectionNames(ctx context.Context) ([]string, error) {
	return e.inner.CollectionNames(ctx)
}
