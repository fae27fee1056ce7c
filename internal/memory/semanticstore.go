package memory

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Tier identifies which physical namespace a collection belongs to, so STM
// and LTM for the same agent can coexist on one IndexBackend.
type Tier string

const (
	TierSTM   Tier = "stm"
	TierLTM   Tier = "ltm"
	TierUsers Tier = "users"
)

// SemanticStore is a vector-collection abstraction over an IndexBackend: it
// adds a hard size cap (independent of any eviction pipeline layered on
// top) and tier namespacing.
type SemanticStore struct {
	backend   IndexBackend
	tier      Tier
	sizeLimit int // -1 disables the cap
	logger    *zap.Logger
}

// NewSemanticStore wraps backend for the given tier. sizeLimit < 0 disables
// the safety-net cap.
func NewSemanticStore(backend IndexBackend, tier Tier, sizeLimit int, logger *zap.Logger) *SemanticStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SemanticStore{
		backend:   backend,
		tier:      tier,
		sizeLimit: sizeLimit,
		logger:    logger.With(zap.String("component", "semanticstore"), zap.String("tier", string(tier))),
	}
}

func (s *SemanticStore) physicalName(coll string) string {
	return coll + "_" + string(s.tier)
}

// Store upserts mem into coll, then enforces the hard size cap by trimming
// the oldest surplus entries. The cap is a safety net independent of any
// EvictingStore layered on top.
func (s *SemanticStore) Store(ctx context.Context, coll string, mem Memory) error {
	pn := s.physicalName(coll)
	if err := s.backend.Add(ctx, pn, mem); err != nil {
		return fmt.Errorf("semanticstore: store %s/%s: %w", coll, mem.ID, err)
	}

	if s.sizeLimit < 0 {
		return nil
	}
	count, err := s.backend.Count(ctx, pn)
	if err != nil {
		return fmt.Errorf("semanticstore: count after store: %w", err)
	}
	if overflow := count - s.sizeLimit; overflow > 0 {
		if _, err := s.backend.PopOldest(ctx, pn, overflow); err != nil {
			return fmt.Errorf("semanticstore: trim overflow: %w", err)
		}
		s.logger.Debug("trimmed collection to hard cap", zap.String("coll", coll), zap.Int("trimmed", overflow))
	}
	return nil
}

// Query returns up to n QueriedMemory ordered by ascending distance. An
// empty slice, not an error, is returned for a missing collection.
func (s *SemanticStore) Query(ctx context.Context, coll string, text string, n int) ([]QueriedMemory, error) {
	out, err := s.backend.Query(ctx, s.physicalName(coll), text, n)
	if err != nil {
		return nil, fmt.Errorf("semanticstore: query %s: %w", coll, err)
	}
	return out, nil
}

// Remove is idempotent: a missing id is not an error.
func (s *SemanticStore) Remove(ctx context.Context, coll string, id string) error {
	if err := s.backend.Delete(ctx, s.physicalName(coll), id); err != nil {
		return fmt.Errorf("semanticstore: remove %s/%s: %w", coll, id, err)
	}
	return nil
}

// Clear drops and recreates coll.
func (s *SemanticStore) Clear(ctx context.Context, coll string) error {
	if err := s.backend.Drop(ctx, s.physicalName(coll)); err != nil {
		return fmt.Errorf("semanticstore: clear %s: %w", coll, err)
	}
	return nil
}

// Count returns the exact current size of coll.
func (s *SemanticStore) Count(ctx context.Context, coll string) (int, error) {
	n, err := s.backend.Count(ctx, s.physicalName(coll))
	if err != nil {
		return 0, fmt.Errorf("semanticstore: count %s: %w", coll, err)
	}
	return n, nil
}

// PopOldest atomically returns and removes up to n of the oldest entries.
func (s *SemanticStore) PopOldest(ctx context.Context, coll string, n int) ([]Memory, error) {
	out, err := s.backend.PopOldest(ctx, s.physicalName(coll), n)
	if err != nil {
		return nil, fmt.Errorf("semanticstore: pop_oldest %s: %w", coll, err)
	}
	return out, nil
}

// PeekOldest is PopOldest without removal.
func (s *SemanticStore) PeekOldest(ctx context.Context, coll string, n int) ([]Memory, error) {
	out, err := s.backend.ScanOldest(ctx, s.physicalName(coll), n)
	if err != nil {
		return nil, fmt.Errorf("semanticstore: peek_oldest %s: %w", coll, err)
	}
	return out, nil
}

// CollectionNames enumerates the logical collection names (tier suffix
// stripped) belonging to this store's tier.
func (s *SemanticStore) CollectionNames(ctx context.Context) ([]string, error) {
	names, err := s.backend.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("semanticstore: names: %w", err)
	}
	suffix := "_" + string(s.tier)
	out := make([]string, 0, len(names))
	for _, n := range names {
		if len(n) > len(suffix) && n[len(n)-len(suffix):] == suffix {
			out = append(out, n[:len(n)-len(suffix)])
		}
	}
	return out, nil
}
