package compressor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/memtierd/memtierd/internal/llmclient"
	"github.com/memtierd/memtierd/internal/memory"
)

type fakeLLM struct {
	mu        sync.Mutex
	responses [][]byte
	calls     int
	err       error
}

func (f *fakeLLM) CompleteJSON(ctx context.Context, req llmclient.Request) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	resp := f.responses[f.calls%len(f.responses)]
	f.calls++
	return resp, nil
}

type fakeLTM struct {
	mu     sync.Mutex
	stored []memory.Memory
}

func (l *fakeLTM) Store(ctx context.Context, coll string, mem memory.Memory) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stored = append(l.stored, mem)
	return nil
}

func (l *fakeLTM) Query(ctx context.Context, coll, text string, n int) ([]memory.QueriedMemory, error) {
	return nil, nil
}

func (l *fakeLTM) Remove(ctx context.Context, coll, id string) error { return nil }

func float64Ptr(v float64) *float64 { return &v }

func TestCompressor_FiltersBelowScoreFloorAndDistills(t *testing.T) {
	t.Parallel()

	distillResp, err := json.Marshal(distillationResponse{
		Candidates: []distillationCandidate{{Text: "distilled fact", SourceIDs: []string{"keep"}}},
	})
	require.NoError(t, err)

	llm := &fakeLLM{responses: [][]byte{distillResp}}
	ltm := &fakeLTM{}
	c := New(ltm, llm, Config{Enabled: true, ScoreFloorForLTM: 0.3, SimilarTopK: 3}, t.TempDir(), 1000, zap.NewNop())

	batch := []memory.Memory{
		{ID: "drop", Content: "low score", Score: float64Ptr(0.1)},
		{ID: "keep", Content: "high score", Score: float64Ptr(0.9)},
	}

	c.process(context.Background(), Batch{Collection: "agent1", Memories: batch})

	ltm.mu.Lock()
	defer ltm.mu.Unlock()
	require.Len(t, ltm.stored, 1)
	require.Equal(t, "distilled fact", ltm.stored[0].Content)
	require.NotNil(t, ltm.stored[0].Score)
	require.InDelta(t, 0.9, *ltm.stored[0].Score, 1e-9)
	require.Equal(t, 900, *ltm.stored[0].Lifetime)
}

func TestCompressor_AbortsWhenEntireBatchBelowFloor(t *testing.T) {
	t.Parallel()
	llm := &fakeLLM{responses: [][]byte{[]byte(`{}`)}}
	ltm := &fakeLTM{}
	c := New(ltm, llm, Config{Enabled: true, ScoreFloorForLTM: 0.5}, t.TempDir(), 1000, zap.NewNop())

	c.process(context.Background(), Batch{Collection: "a", Memories: []memory.Memory{
		{ID: "x", Content: "low", Score: float64Ptr(0.1)},
	}})

	ltm.mu.Lock()
	defer ltm.mu.Unlock()
	require.Empty(t, ltm.stored)
	require.Zero(t, llm.calls)
}

func TestCompressor_UnparseableDistillationWritesDeadLetter(t *testing.T) {
	t.Parallel()
	llm := &fakeLLM{responses: [][]byte{[]byte(`not json`)}}
	ltm := &fakeLTM{}
	dir := t.TempDir()
	c := New(ltm, llm, Config{Enabled: true, ScoreFloorForLTM: 0.0}, dir, 1000, zap.NewNop())

	c.process(context.Background(), Batch{Collection: "agent1", Memories: []memory.Memory{
		{ID: "x", Content: "hello", Score: float64Ptr(0.5)},
	}})

	entries, err := os.ReadDir(filepath.Join(dir, "agent1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCompressor_OnEvictSpillsOverWhenQueueFull(t *testing.T) {
	t.Parallel()
	distillResp, err := json.Marshal(distillationResponse{
		Candidates: []distillationCandidate{{Text: "d", SourceIDs: []string{"x"}}},
	})
	require.NoError(t, err)

	llm := &fakeLLM{responses: [][]byte{distillResp}}
	ltm := &fakeLTM{}
	c := New(ltm, llm, Config{Enabled: true, ScoreFloorForLTM: 0.0}, t.TempDir(), 1000, zap.NewNop())

	const spillover = 5
	for i := 0; i < evictQueueCapacity+spillover; i++ {
		c.OnEvict("agent1", []memory.Memory{{ID: "x", Content: "v", Score: float64Ptr(0.5)}})
	}
	c.wg.Wait()

	// The dispatcher loop (Start) was never launched, so the first
	// evictQueueCapacity batches sit unprocessed in the channel; only the
	// queue-full spillover batches run, on their one-shot goroutines, and
	// reach the store.
	require.Len(t, c.queue, evictQueueCapacity)
	ltm.mu.Lock()
	defer ltm.mu.Unlock()
	require.Len(t, ltm.stored, spillover)
}

func TestCompressor_StartDrainsQueueAndStops(t *testing.T) {
	t.Parallel()
	distillResp, err := json.Marshal(distillationResponse{
		Candidates: []distillationCandidate{{Text: "d", SourceIDs: []string{"x"}}},
	})
	require.NoError(t, err)

	llm := &fakeLLM{responses: [][]byte{distillResp}}
	ltm := &fakeLTM{}
	c := New(ltm, llm, Config{Enabled: true, ScoreFloorForLTM: 0.0}, t.TempDir(), 1000, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	c.OnEvict("agent1", []memory.Memory{{ID: "x", Content: "v", Score: float64Ptr(0.5)}})

	require.Eventually(t, func() bool {
		ltm.mu.Lock()
		defer ltm.mu.Unlock()
		return len(ltm.stored) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	c.Wait()
}
