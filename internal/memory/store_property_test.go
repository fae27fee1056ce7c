package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

// TestProperty_HardCapNeverExceeded checks that after any sequence of
// stores the collection size never exceeds the configured cap.
func TestProperty_HardCapNeverExceeded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("count never exceeds sizeLimit", prop.ForAll(
		func(sizeLimit int, inserts int) bool {
			ctx := context.Background()
			store := NewSemanticStore(NewInMemoryIndex(), TierSTM, sizeLimit, zap.NewNop())
			for i := 0; i < inserts; i++ {
				_ = store.Store(ctx, "a", Memory{ID: fmt.Sprintf("m%d", i), Content: "x", TimeMillis: int64(i)})
			}
			n, err := store.Count(ctx, "a")
			if err != nil {
				return false
			}
			return n <= sizeLimit
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}

// TestProperty_EvictingStoreStaysUnderSlack checks the invariant that
// count(coll) <= max_size_before_evict + slack after any store.
func TestProperty_EvictingStoreStaysUnderSlack(t *testing.T) {
	const slack = 10

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("evicting store respects slack bound", prop.ForAll(
		func(maxSize int, inserts int) bool {
			ctx := context.Background()
			inner := NewSemanticStore(NewInMemoryIndex(), TierSTM, -1, zap.NewNop())
			store := NewEvictingStore(inner, EvictingStoreConfig{
				ProgressiveEviction: true,
				MaxSizeBeforeEvict:  maxSize,
				EvictFraction:       0.3,
				EvictMinBatch:       1,
			}, nil, zap.NewNop())

			for i := 0; i < inserts; i++ {
				if err := store.Store(ctx, "a", Memory{ID: fmt.Sprintf("m%d", i), Content: "x", TimeMillis: int64(i)}); err != nil {
					return false
				}
			}
			n, err := store.Count(ctx, "a")
			if err != nil {
				return false
			}
			return n <= maxSize+slack
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 60),
	))

	properties.TestingRun(t)
}

// TestProperty_DecayArithmetic checks the exact lifetime-subtraction rule
// for unprotected entries across arbitrary elapsed-day counts.
func TestProperty_DecayArithmetic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("surviving lifetime equals old minus elapsed days", prop.ForAll(
		func(lifetime int, elapsedDays int) bool {
			ctx := context.Background()
			dir := t.TempDir()
			inner := NewSemanticStore(NewInMemoryIndex(), TierLTM, -1, zap.NewNop())
			store := NewDecayingStore(inner, dir+"/decay.json", zap.NewNop())

			fixedNow := store.now()
			store.now = func() time.Time { return fixedNow }
			score := 0.2
			_ = store.Store(ctx, "a", Memory{ID: "m", Content: "x", TimeMillis: 1, Score: &score, Lifetime: &lifetime})
			_ = store.DecayAll(ctx)

			store.now = func() time.Time { return fixedNow.AddDate(0, 0, elapsedDays) }
			_ = store.DecayAll(ctx)

			out, err := store.PeekOldest(ctx, "a", 10)
			if err != nil {
				return false
			}
			if lifetime-elapsedDays <= 0 {
				return len(out) == 0
			}
			return len(out) == 1 && *out[0].Lifetime == lifetime-elapsedDays
		},
		gen.IntRange(1, 30),
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}
