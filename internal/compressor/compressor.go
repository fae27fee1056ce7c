// Package compressor consumes STM eviction batches, distills them into
// long-term memories via an LLM, merges them against existing LTM
// neighbors, and persists the result.
package compressor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/memtierd/memtierd/internal/llmclient"
	"github.com/memtierd/memtierd/internal/memory"
)

const evictQueueCapacity = 8

// Config mirrors the `compression` config.json section.
type Config struct {
	Enabled               bool    `json:"enabled"`
	ScoreFloorForLTM      float64 `json:"score_floor_for_ltm"`
	BatchSize             int     `json:"batch_size"`
	SimilarTopK           int     `json:"similar_top_k"`
	PreferNew             bool    `json:"prefer_new"`
	BatchFractionOnBreach float64 `json:"batch_fraction_on_breach"`
	MinBatchOnBreach      int     `json:"min_batch_on_breach"`
	FallbackScoreForLTM   float64 `json:"fallback_score_for_ltm"`
	// Concurrency bounds the number of batches distilled at once, across
	// both the normal queue path and queue-full spillover.
	Concurrency int `json:"-"`
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		ScoreFloorForLTM:    0.3,
		SimilarTopK:         3,
		FallbackScoreForLTM: 0.6,
		Concurrency:         4,
	}
}

// LTMStore is the subset of DecayingStore the Compressor needs.
type LTMStore interface {
	Store(ctx context.Context, coll string, mem memory.Memory) error
	Query(ctx context.Context, coll, text string, n int) ([]memory.QueriedMemory, error)
	Remove(ctx context.Context, coll, id string) error
}

// Batch is one evicted STM batch awaiting distillation.
type Batch struct {
	Collection string
	Memories   []memory.Memory
}

// Metrics receives compressor-side metrics. A nil sink disables recording;
// metrics.Collector satisfies it.
type Metrics interface {
	RecordEviction(collection string, n int)
	RecordCompressorBatch(collection string, err error)
	RecordDeadLetter(collection string)
}

// Compressor implements memory.EvictSink: OnEvict enqueues the batch for
// background distillation, never blocking the caller.
type Compressor struct {
	ltm           LTMStore
	llm           llmclient.Client
	cfg           Config
	queue         chan Batch
	sem           *semaphore.Weighted
	wg            sync.WaitGroup
	deadLetterDir string
	metrics       Metrics
	logger        *zap.Logger
	now           func() time.Time
	// maxLifetime is the LTM store's configured max_memory_lifetime, used to
	// convert a candidate's score into a lifetime (floor(score*maxLifetime)).
	maxLifetime int
}

// New builds a Compressor. deadLetterDir is created lazily on first failure.
// maxLifetime is the LTM store's configured max_memory_lifetime.
func New(ltm LTMStore, llm llmclient.Client, cfg Config, deadLetterDir string, maxLifetime int, logger *zap.Logger) *Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Compressor{
		ltm:           ltm,
		llm:           llm,
		cfg:           cfg,
		queue:         make(chan Batch, evictQueueCapacity),
		sem:           semaphore.NewWeighted(int64(cfg.Concurrency)),
		deadLetterDir: deadLetterDir,
		logger:        logger.With(zap.String("component", "compressor")),
		now:           time.Now,
		maxLifetime:   maxLifetime,
	}
}

// SetMetrics attaches a metrics sink. Call before Start.
func (c *Compressor) SetMetrics(m Metrics) {
	c.metrics = m
}

// OnEvict implements memory.EvictSink.
func (c *Compressor) OnEvict(coll string, batch []memory.Memory) {
	if !c.cfg.Enabled || len(batch) == 0 {
		return
	}
	if c.metrics != nil {
		c.metrics.RecordEviction(coll, len(batch))
	}
	b := Batch{Collection: coll, Memories: append([]memory.Memory(nil), batch...)}

	select {
	case c.queue <- b:
		return
	default:
	}

	// Queue full: never drop evicted data, spill over to a one-shot worker
	// bounded by the same semaphore.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx := context.Background()
		if err := c.sem.Acquire(ctx, 1); err != nil {
			c.logger.Error("spillover acquire failed", zap.Error(err))
			return
		}
		defer c.sem.Release(1)
		c.process(ctx, b)
	}()
}

// Start launches the background loop draining the eviction queue and
// returns immediately. Once ctx is canceled the loop processes any batches
// still queued and exits; Wait blocks until it and every worker are done.
func (c *Compressor) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case b, ok := <-c.queue:
				if !ok {
					return
				}
				if err := c.sem.Acquire(context.Background(), 1); err != nil {
					return
				}
				c.wg.Add(1)
				go func(b Batch) {
					defer c.wg.Done()
					defer c.sem.Release(1)
					c.process(ctx, b)
				}(b)
			case <-ctx.Done():
				// Process what is still queued so shutdown does not drop
				// evicted data; ctx is canceled, so these use a fresh one.
				for {
					select {
					case b := <-c.queue:
						_ = c.sem.Acquire(context.Background(), 1)
						c.process(context.Background(), b)
						c.sem.Release(1)
					default:
						return
					}
				}
			}
		}
	}()
}

// Wait blocks until every queued and in-flight compression finishes. The
// queue loop only exits after the context passed to Start is canceled, so
// cancel it before calling Wait.
func (c *Compressor) Wait() {
	c.wg.Wait()
}

type distillationCandidate struct {
	Text      string   `json:"text"`
	SourceIDs []string `json:"source_ids"`
}

type distillationResponse struct {
	Candidates []distillationCandidate `json:"candidates"`
}

type mergeDecision struct {
	NewText   string   `json:"new_text"`
	DeleteIDs []string `json:"delete_ids"`
}

func (c *Compressor) process(ctx context.Context, b Batch) {
	filtered := make([]memory.Memory, 0, len(b.Memories))
	for _, m := range b.Memories {
		if m.Score != nil && *m.Score < c.cfg.ScoreFloorForLTM {
			continue
		}
		filtered = append(filtered, m)
	}
	if len(filtered) == 0 {
		c.logger.Debug("batch entirely below score floor, skipping", zap.String("collection", b.Collection))
		return
	}

	resp, err := c.distill(ctx, filtered)
	if err == nil && len(resp.Candidates) == 0 {
		err = fmt.Errorf("compressor: empty distillation response")
	}
	if err != nil {
		c.logger.Warn("distillation failed, writing to dead letter", zap.String("collection", b.Collection), zap.Error(err))
		if c.metrics != nil {
			c.metrics.RecordCompressorBatch(b.Collection, err)
		}
		c.writeDeadLetter(b)
		return
	}

	byID := make(map[string]memory.Memory, len(filtered))
	for _, m := range filtered {
		byID[m.ID] = m
	}

	for _, candidate := range resp.Candidates {
		c.processCandidate(ctx, b.Collection, candidate, byID, filtered)
	}
	if c.metrics != nil {
		c.metrics.RecordCompressorBatch(b.Collection, nil)
	}
}

func (c *Compressor) processCandidate(ctx context.Context, coll string, candidate distillationCandidate, byID map[string]memory.Memory, filtered []memory.Memory) {
	contributing := make([]memory.Memory, 0, len(candidate.SourceIDs))
	for _, id := range candidate.SourceIDs {
		if m, ok := byID[id]; ok {
			contributing = append(contributing, m)
		}
	}

	score := meanScore(contributing)
	if score == nil {
		score = meanScore(filtered)
	}
	if score == nil {
		fallback := c.cfg.FallbackScoreForLTM
		score = &fallback
	}

	text := strings.TrimSpace(candidate.Text)
	deleteIDs := []string(nil)

	neighbors, err := c.ltm.Query(ctx, coll, text, c.topK())
	if err != nil {
		c.logger.Warn("similar-neighbor query failed, storing unmerged", zap.Error(err))
	} else if len(neighbors) > 0 {
		decision, err := c.merge(ctx, text, neighbors[0])
		if err != nil {
			c.logger.Warn("merge decision failed, storing unmerged", zap.Error(err))
		} else {
			if strings.TrimSpace(decision.NewText) != "" {
				text = strings.TrimSpace(decision.NewText)
			}
			deleteIDs = decision.DeleteIDs
		}
	}

	for _, id := range deleteIDs {
		if err := c.ltm.Remove(ctx, coll, id); err != nil {
			c.logger.Warn("failed to remove merged neighbor", zap.String("id", id), zap.Error(err))
		}
	}

	lifetime := int(*score * float64(c.maxLifetime))

	out := memory.Memory{
		ID:         uuid.NewString(),
		Content:    text,
		TimeMillis: c.now().UnixMilli(),
		Score:      score,
		Lifetime:   &lifetime,
	}
	if err := c.ltm.Store(ctx, coll, out); err != nil {
		c.logger.Error("failed to store distilled memory", zap.Error(err))
	}
}

func (c *Compressor) topK() int {
	if c.cfg.SimilarTopK <= 0 {
		return 1
	}
	return c.cfg.SimilarTopK
}

func (c *Compressor) distill(ctx context.Context, batch []memory.Memory) (distillationResponse, error) {
	var buf bytes.Buffer
	for _, m := range batch {
		fmt.Fprintf(&buf, "- id=%s score=%.2f", m.ID, scoreOrZero(m.Score))
		if m.User != "" {
			fmt.Fprintf(&buf, " user=%s", m.User)
		}
		fmt.Fprintf(&buf, ": %s\n", m.Content)
	}

	system := "You distill a list of short-term memories into a smaller set of long-term " +
		"memories. Respond with JSON: {\"candidates\":[{\"text\":string,\"source_ids\":[string]}]}. " +
		"Each candidate's source_ids must be a subset of the ids given below."

	raw, err := c.llm.CompleteJSON(ctx, llmclient.Request{
		System:  system,
		History: []llmclient.Message{{Role: llmclient.RoleUser, Content: buf.String()}},
	})
	if err != nil {
		return distillationResponse{}, err
	}

	var resp distillationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return distillationResponse{}, fmt.Errorf("compressor: unparseable distillation response: %w", err)
	}
	return resp, nil
}

func (c *Compressor) merge(ctx context.Context, candidateText string, neighbor memory.QueriedMemory) (mergeDecision, error) {
	system := "You decide whether a new long-term memory should be merged with its most " +
		"similar existing neighbor. Only merge if the neighbor describes the same event; " +
		"otherwise keep both. Respond with JSON: {\"new_text\":string,\"delete_ids\":[string]}. " +
		"Leave delete_ids empty unless you merge."

	prompt := fmt.Sprintf("new candidate: %s\nexisting neighbor (id=%s): %s", candidateText, neighbor.Memory.ID, neighbor.Memory.Content)

	raw, err := c.llm.CompleteJSON(ctx, llmclient.Request{
		System:  system,
		History: []llmclient.Message{{Role: llmclient.RoleUser, Content: prompt}},
	})
	if err != nil {
		return mergeDecision{}, err
	}

	var decision mergeDecision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return mergeDecision{}, fmt.Errorf("compressor: unparseable merge response: %w", err)
	}
	return decision, nil
}

func (c *Compressor) writeDeadLetter(b Batch) {
	if c.metrics != nil {
		c.metrics.RecordDeadLetter(b.Collection)
	}
	dir := filepath.Join(c.deadLetterDir, b.Collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Error("failed to create dead letter directory", zap.Error(err))
		return
	}

	path := filepath.Join(dir, fmt.Sprintf("%d.json", c.now().UnixNano()))
	data, err := json.MarshalIndent(b.Memories, "", "  ")
	if err != nil {
		c.logger.Error("failed to marshal dead letter batch", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.logger.Error("failed to write dead letter batch", zap.String("path", path), zap.Error(err))
	}
}

func meanScore(mems []memory.Memory) *float64 {
	sum, n := 0.0, 0
	for _, m := range mems {
		if m.Score != nil {
			sum += *m.Score
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}

func scoreOrZero(s *float64) float64 {
	if s == nil {
		return 0
	}
	return *s
}
