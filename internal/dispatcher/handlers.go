package dispatcher

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/memtierd/memtierd/internal/cache"
	"github.com/memtierd/memtierd/internal/memory"
)

// queryTier runs a tier's Query through the optional read-through cache, if
// one is configured, keying each entry on tier+collection so STM and LTM
// results for the same agent never collide.
func (d *Dispatcher) queryTier(ctx context.Context, tier, aiName, query string, n int, fallback cache.QueryFunc) ([]memory.QueriedMemory, error) {
	if d.bundle.QueryCache == nil {
		return fallback(ctx, aiName, query, n)
	}
	cacheColl := tier + ":" + aiName
	storeQuery := func(ctx context.Context, _ string, text string, n int) ([]memory.QueriedMemory, error) {
		return fallback(ctx, aiName, text, n)
	}
	return d.bundle.QueryCache.Query(ctx, cacheColl, query, n, storeQuery)
}

func (d *Dispatcher) handleStore(ctx context.Context, raw []byte) error {
	req, err := parseStoreRequest(raw)
	if err != nil {
		return err
	}
	for _, mem := range req.Memories {
		if mem.ID == "" {
			mem.ID = uuid.NewString()
		}
		if mem.TimeMillis == 0 {
			mem.TimeMillis = memory.NowMillis()
		}
		for _, t := range req.To {
			if err := d.storeOne(ctx, req.AIName, t, mem); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) storeOne(ctx context.Context, aiName string, tier Tier, mem memory.Memory) error {
	switch tier {
	case TierSTM:
		return d.bundle.STM.Store(ctx, aiName, mem)
	case TierLTM:
		return d.bundle.LTM.Store(ctx, aiName, mem)
	case TierUsers:
		if mem.User == "" {
			return fmt.Errorf("dispatcher: store: users tier requires a memory with a user")
		}
		return d.bundle.Users.Append(ctx, aiName, mem.User, mem)
	default:
		return fmt.Errorf("dispatcher: store: unknown target tier %q", tier)
	}
}

func (d *Dispatcher) handleQuery(ctx context.Context, uid string, raw []byte) (*QueryResponse, error) {
	req, err := parseQueryRequest(raw)
	if err != nil {
		return nil, err
	}

	resp := &QueryResponse{Type: "query", UID: uid, From: req.From}
	for i, tier := range req.From {
		n := req.N[i]
		switch tier {
		case TierSTM:
			out, err := d.queryTier(ctx, "stm", req.AIName, req.Query, n, d.bundle.STM.Query)
			if err != nil {
				return nil, fmt.Errorf("dispatcher: query stm: %w", err)
			}
			resp.STM = append(resp.STM, out...)
		case TierLTM:
			out, err := d.queryTier(ctx, "ltm", req.AIName, req.Query, n, d.bundle.LTM.Query)
			if err != nil {
				return nil, fmt.Errorf("dispatcher: query ltm: %w", err)
			}
			resp.LTM = append(resp.LTM, out...)
		case TierUsers:
			if req.User == "" {
				return nil, fmt.Errorf("dispatcher: query: users tier requires a user")
			}
			out, err := d.bundle.Users.Latest(ctx, req.AIName, req.User, n)
			if err != nil {
				return nil, fmt.Errorf("dispatcher: query users: %w", err)
			}
			resp.Users = append(resp.Users, out...)
		}
	}
	return resp, nil
}

func (d *Dispatcher) handleProcess(ctx context.Context, uid string, raw []byte) (*SummaryResponse, error) {
	req, err := parseProcessRequest(raw)
	if err != nil {
		return nil, err
	}

	result, err := d.bundle.Processor.Process(ctx, req.AIName, req.Context, req.Messages)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: process: %w", err)
	}

	score := result.Score()
	lifetime := int(score * float64(d.bundle.MaxMemoryLifetime))

	summaryMem := memory.Memory{
		ID:         uuid.NewString(),
		Content:    result.Summary,
		TimeMillis: memory.NowMillis(),
		Score:      memory.ScorePtr(score),
		Lifetime:   memory.LifetimePtr(lifetime),
	}
	if err := d.bundle.STM.Store(ctx, req.AIName, summaryMem); err != nil {
		return nil, fmt.Errorf("dispatcher: process: store summary: %w", err)
	}

	for _, r := range result.Remember {
		mem := memory.Memory{
			ID:         uuid.NewString(),
			Content:    r.Text,
			TimeMillis: memory.NowMillis(),
			User:       r.User,
			Score:      memory.ScorePtr(score),
			Lifetime:   memory.LifetimePtr(lifetime),
		}
		if err := d.bundle.STM.Store(ctx, req.AIName, mem); err != nil {
			return nil, fmt.Errorf("dispatcher: process: store remembered entry: %w", err)
		}
		if r.User != "" {
			if err := d.bundle.Users.Append(ctx, req.AIName, r.User, mem); err != nil {
				return nil, fmt.Errorf("dispatcher: process: append user log: %w", err)
			}
		}
	}

	return &SummaryResponse{Type: "summary", UID: uid, Summary: result.Summary}, nil
}

func (d *Dispatcher) handleEvict(ctx context.Context, raw []byte) error {
	req, err := parseEvictRequest(raw)
	if err != nil {
		return err
	}
	return d.bundle.STM.EvictAll(ctx, req.AIName)
}

func (d *Dispatcher) handleClear(ctx context.Context, uid string, raw []byte) (*AckResponse, error) {
	req, err := parseClearRequest(raw)
	if err != nil {
		return nil, err
	}

	switch req.Target {
	case TierSTM:
		if err := d.bundle.STM.Clear(ctx, req.AIName); err != nil {
			return nil, fmt.Errorf("dispatcher: clear stm: %w", err)
		}
	case TierLTM:
		if err := d.bundle.LTM.Clear(ctx, req.AIName); err != nil {
			return nil, fmt.Errorf("dispatcher: clear ltm: %w", err)
		}
	case TierUsers:
		if req.User != "" {
			if err := d.bundle.Users.ClearUser(ctx, req.AIName, req.User); err != nil {
				return nil, fmt.Errorf("dispatcher: clear user: %w", err)
			}
		} else {
			if err := d.bundle.Users.ClearCollection(ctx, req.AIName); err != nil {
				return nil, fmt.Errorf("dispatcher: clear users collection: %w", err)
			}
		}
	}

	return &AckResponse{Type: "ack", UID: uid, Op: "clear", Target: req.Target, AIName: req.AIName, User: req.User}, nil
}

func (d *Dispatcher) handleCount(ctx context.Context, uid string, raw []byte) (*CountResponse, error) {
	req, err := parseCountRequest(raw)
	if err != nil {
		return nil, err
	}

	resp := &CountResponse{Type: "count", UID: uid}
	for _, tier := range req.From {
		switch tier {
		case TierSTM:
			n, err := d.bundle.STM.Count(ctx, req.AIName)
			if err != nil {
				return nil, fmt.Errorf("dispatcher: count stm: %w", err)
			}
			resp.STM = &n
			d.recordStoreSize("stm", req.AIName, n)
		case TierLTM:
			n, err := d.bundle.LTM.Count(ctx, req.AIName)
			if err != nil {
				return nil, fmt.Errorf("dispatcher: count ltm: %w", err)
			}
			resp.LTM = &n
			d.recordStoreSize("ltm", req.AIName, n)
		}
	}
	return resp, nil
}

// recordStoreSize refreshes the size gauge for sinks that expose one, such
// as metrics.Collector.
func (d *Dispatcher) recordStoreSize(tier, coll string, size int) {
	if sizer, ok := d.metrics.(interface{ SetStoreSize(tier, collection string, size int) }); ok {
		sizer.SetStoreSize(tier, coll, size)
	}
}
