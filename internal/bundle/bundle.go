// Package bundle wires the tiered memory engine, the compressor, the
// processor, and every optional domain-stack extra into the single object
// the Dispatcher drives.
package bundle

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/memtierd/memtierd/config"
	"github.com/memtierd/memtierd/internal/cache"
	"github.com/memtierd/memtierd/internal/compressor"
	"github.com/memtierd/memtierd/internal/decay"
	"github.com/memtierd/memtierd/internal/llmclient"
	"github.com/memtierd/memtierd/internal/memory"
	"github.com/memtierd/memtierd/internal/processor"
	"github.com/memtierd/memtierd/internal/userlog"
)

// stmHardCapSlack is the margin added above short_vdb.max_size_before_evict
// for STM's SemanticStore safety-net cap, so an in-flight insert racing the
// EvictingStore's own threshold never trips the hard cap first.
const stmHardCapSlack = 10

// Bundle owns every store, background worker, and optional extra the
// dispatcher needs, constructed once at startup from Config.
type Bundle struct {
	STM        *memory.EvictingStore
	LTM        *memory.DecayingStore
	Users      *userlog.Store
	Compressor *compressor.Compressor
	Processor  *processor.Processor
	Decay      *decay.Scheduler

	MaxMemoryLifetime int

	// QueryCache is nil unless the `cache` config.json section is set.
	QueryCache *cache.SemanticCache

	mirror   *userlog.SQLMirror
	cacheMgr *cache.Manager
}

// Options configures the directories and external dependencies Bundle
// wires up beyond what lives in config.Config.
type Options struct {
	// BaseDir roots vectors/, decay_meta/, users/, and deadletter/.
	BaseDir        string
	PromptTemplate string
	OpenAIAPIKey   string
	Logger         *zap.Logger
}

// New constructs a fully wired Bundle from cfg and opts. The decay
// scheduler and compressor background worker are not started; call Start
// once the dispatcher is ready to serve.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Bundle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	backend := memory.NewInMemoryIndex()

	stmCap := cfg.ShortVDB.MaxSizeBeforeEvict + stmHardCapSlack
	if cfg.ShortVDB.MaxSizeBeforeEvict < 0 {
		stmCap = -1
	}
	stmInner := memory.NewSemanticStore(backend, memory.TierSTM, stmCap, logger)
	ltmInner := memory.NewSemanticStore(backend, memory.TierLTM, cfg.LongVDB.MaxSize, logger)

	llm := llmclient.NewOpenAIClient(llmclient.Config{
		BaseURL:             cfg.OpenLLM.BaseURL,
		APIKey:              opts.OpenAIAPIKey,
		Model:               cfg.OpenLLM.Model,
		Temperature:         cfg.OpenLLM.Temp,
		MaxCompletionTokens: cfg.OpenLLM.MaxCompletionTokens,
	}, logger)

	ltm := memory.NewDecayingStore(ltmInner, filepath.Join(opts.BaseDir, "decay_meta", "decay.json"), logger)

	comp := compressor.New(ltm, llm, cfg.Compression, filepath.Join(opts.BaseDir, "deadletter"), cfg.LongVDB.MaxMemoryLifetime, logger)

	evictCfg := memory.EvictingStoreConfig{
		ProgressiveEviction: cfg.ShortVDB.ProgressiveEviction,
		MaxSizeBeforeEvict:  cfg.ShortVDB.MaxSizeBeforeEvict,
		EvictFraction:       cfg.Compression.BatchFractionOnBreach,
		EvictMinBatch:       maxInt(cfg.Compression.MinBatchOnBreach, cfg.Compression.BatchSize),
	}
	stm := memory.NewEvictingStore(stmInner, evictCfg, comp, logger)

	var mirror *userlog.SQLMirror
	var userMirror userlog.Mirror
	if cfg.UserDBMirror != nil && cfg.UserDBMirror.SQLitePath != "" {
		m, err := userlog.OpenSQLMirror(ctx, cfg.UserDBMirror.SQLitePath, userlog.DefaultPoolConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("bundle: open user log mirror: %w", err)
		}
		mirror = m
		userMirror = m
	}
	users := userlog.NewStore(filepath.Join(opts.BaseDir, "users"), cfg.UserDB.MaxSizePerUser, userMirror, logger)

	tmpl, err := processor.LoadTemplate(opts.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("bundle: load prompt template: %w", err)
	}
	proc := processor.New(llm, tmpl, cfg.OpenLLM.Model, cfg.OpenLLM.MaxCompletionTokens, logger)

	scheduler := decay.NewScheduler(ltm, 0, logger)

	b := &Bundle{
		STM:               stm,
		LTM:               ltm,
		Users:             users,
		Compressor:        comp,
		Processor:         proc,
		Decay:             scheduler,
		MaxMemoryLifetime: cfg.LongVDB.MaxMemoryLifetime,
		mirror:            mirror,
	}

	if cfg.Cache != nil && cfg.Cache.RedisAddr != "" {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = cfg.Cache.RedisAddr
		mgr, err := cache.NewManager(cacheCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("bundle: open query cache: %w", err)
		}
		b.cacheMgr = mgr
		b.QueryCache = cache.NewSemanticCache(mgr, 0, logger)
	}

	return b, nil
}

// Start launches the compressor's background dispatcher and the decay
// scheduler, and runs one decay pass immediately to pick up any interval
// missed while the process was down.
func (b *Bundle) Start(ctx context.Context) {
	b.Compressor.Start(ctx)
	if err := b.Decay.RunOnce(ctx); err != nil {
		// Logged inside RunOnce's caller would be redundant; the scheduler
		// itself logs ticked runs. A failed startup pass just means decay
		// resumes on the next regular tick.
		_ = err
	}
	b.Decay.Start(ctx)
}

// Close releases every optional external resource and drains the
// compressor's in-flight work. The in-memory index needs no explicit close.
func (b *Bundle) Close() error {
	b.Decay.Stop()
	b.Compressor.Wait()

	var firstErr error
	if b.mirror != nil {
		if err := b.mirror.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.cacheMgr != nil {
		if err := b.cacheMgr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
