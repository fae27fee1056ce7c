package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// protectedScoreThreshold is the score above which an LTM memory is exempt
// from decay-driven removal.
const protectedScoreThreshold = 0.85

const decayScanChunk = 500

// decayMeta is the on-disk record tracking the last successful decay run.
type decayMeta struct {
	LastRunUnix int64 `json:"last_run"`
}

// DecayMetrics receives per-collection expiry counts. A nil sink disables
// recording; metrics.Collector satisfies it.
type DecayMetrics interface {
	RecordDecayExpired(collection string, n int)
}

// DecayingStore wraps a SemanticStore (normally LTM) and adds a periodic
// DecayAll that ages entries by elapsed whole days.
type DecayingStore struct {
	inner    *SemanticStore
	metaPath string
	metrics  DecayMetrics
	now      func() time.Time
	logger   *zap.Logger
}

// NewDecayingStore wraps inner. metaPath is the JSON file (e.g.
// ./decay_meta/decay.json) persisting the last run timestamp.
func NewDecayingStore(inner *SemanticStore, metaPath string, logger *zap.Logger) *DecayingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecayingStore{
		inner:    inner,
		metaPath: metaPath,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "decayingstore")),
	}
}

// SetMetrics attaches a metrics sink for expiry counts.
func (d *DecayingStore) SetMetrics(m DecayMetrics) {
	d.metrics = m
}

func (d *DecayingStore) loadMeta() (decayMeta, error) {
	data, err := os.ReadFile(d.metaPath)
	if os.IsNotExist(err) {
		m := decayMeta{LastRunUnix: d.now().Unix()}
		return m, d.saveMeta(m)
	}
	if err != nil {
		return decayMeta{}, fmt.Errorf("decayingstore: read meta: %w", err)
	}
	var m decayMeta
	if err := json.Unmarshal(data, &m); err != nil {
		m = decayMeta{LastRunUnix: d.now().Unix()}
		return m, d.saveMeta(m)
	}
	return m, nil
}

func (d *DecayingStore) saveMeta(m decayMeta) error {
	if err := os.MkdirAll(filepath.Dir(d.metaPath), 0o755); err != nil {
		return fmt.Errorf("decayingstore: mkdir meta dir: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("decayingstore: marshal meta: %w", err)
	}
	tmp := d.metaPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("decayingstore: write temp meta: %w", err)
	}
	return os.Rename(tmp, d.metaPath)
}

// DecayAll ages every collection's LTM entries by the whole number of days
// elapsed since the last run. A nil-lifetime entry is removed immediately.
// Entries with score above protectedScoreThreshold are re-inserted unchanged.
func (d *DecayingStore) DecayAll(ctx context.Context) error {
	meta, err := d.loadMeta()
	if err != nil {
		return err
	}

	elapsedDays := int((d.now().Unix() - meta.LastRunUnix) / 86400)
	if elapsedDays <= 0 {
		return nil
	}

	names, err := d.inner.CollectionNames(ctx)
	if err != nil {
		return fmt.Errorf("decayingstore: list collections: %w", err)
	}

	for _, coll := range names {
		if err := d.decayCollection(ctx, coll, elapsedDays); err != nil {
			return fmt.Errorf("decayingstore: decay %s: %w", coll, err)
		}
	}

	meta.LastRunUnix = d.now().Unix()
	return d.saveMeta(meta)
}

func (d *DecayingStore) decayCollection(ctx context.Context, coll string, elapsedDays int) error {
	// Survivors are re-inserted behind the entries still waiting to be
	// scanned, so the walk is bounded by the size at entry; popping until
	// empty would pick survivors back up and age them twice.
	remaining, err := d.inner.Count(ctx, coll)
	if err != nil {
		return err
	}
	expired := 0
	for remaining > 0 {
		chunk := decayScanChunk
		if remaining < chunk {
			chunk = remaining
		}
		batch, err := d.inner.PopOldest(ctx, coll, chunk)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		remaining -= len(batch)
		for _, mem := range batch {
			switch {
			case mem.Lifetime == nil:
				// Immortal entries are never produced by the normal
				// Compressor flow; one reaching LTM indicates a manually
				// stored memory. Decay removes it (see DESIGN.md).
				expired++
			case mem.Score != nil && *mem.Score > protectedScoreThreshold:
				if err := d.inner.Store(ctx, coll, mem); err != nil {
					return err
				}
			default:
				newLife := *mem.Lifetime - elapsedDays
				if newLife <= 0 {
					expired++
					continue
				}
				mem.Lifetime = LifetimePtr(newLife)
				if err := d.inner.Store(ctx, coll, mem); err != nil {
					return err
				}
			}
		}
	}
	if d.metrics != nil && expired > 0 {
		d.metrics.RecordDecayExpired(coll, expired)
	}
	return nil
}

// Query forwards to the wrapped store exactly once; no self-recursion.
func (d *DecayingStore) Query(ctx context.Context, coll string, text string, n int) ([]QueriedMemory, error) {
	return d.inner.Query(ctx, coll, text, n)
}

func (d *DecayingStore) Store(ctx context.Context, coll string, mem Memory) error {
	return d.inner.Store(ctx, coll, mem)
}

func (d *DecayingStore) Remove(ctx context.Context, coll string, id string) error {
	return d.inner.Remove(ctx, coll, id)
}

func (d *DecayingStore) Clear(ctx context.Context, coll string) error {
	return d.inner.Clear(ctx, coll)
}

func (d *DecayingStore) Count(ctx context.Context, coll string) (int, error) {
	return d.inner.Count(ctx, coll)
}

func (d *DecayingStore) PopOldest(ctx context.Context, coll string, n int) ([]Memory, error) {
	return d.inner.PopOldest(ctx, coll, n)
}

func (d *DecayingStore) PeekOldest(ctx context.Context, coll string, n int) ([]Memory, error) {
	return d.inner.PeekOldest(ctx, coll, n)
}

func (d *DecayingStore) CollectionNames(ctx context.Context) ([]string, error) {
	return d.inner.CollectionNames(ctx)
}
