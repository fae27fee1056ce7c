package userlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memtierd/memtierd/internal/memory"
)

// PoolConfig configures the connection pool backing the relational mirror.
type PoolConfig struct {
	MaxIdleConns        int           `json:"max_idle_conns"`
	MaxOpenConns        int           `json:"max_open_conns"`
	ConnMaxLifetime     time.Duration `json:"conn_max_lifetime"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

// DefaultPoolConfig mirrors the defaults used elsewhere in this codebase
// for relational connection pools.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        10,
		MaxOpenConns:        25,
		ConnMaxLifetime:     time.Hour,
		HealthCheckInterval: 30 * time.Second,
	}
}

// mirrorRow is the GORM model backing the audit mirror table.
type mirrorRow struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Collection string `gorm:"index;size:255"`
	User       string `gorm:"index;size:255"`
	MemoryID   string `gorm:"size:255"`
	Content    string
	TimeMillis int64
	Score      *float64
	Lifetime   *int
	RecordedAt time.Time
}

func (mirrorRow) TableName() string { return "user_log_mirror" }

// SQLMirror is a GORM/SQLite-backed implementation of Mirror: a durable,
// queryable audit trail of every append, independent of the flat-file
// contract. It is entirely optional (enabled via the userdb_mirror config section); when
// unconfigured the flat-file Store is the sole source of truth.
type SQLMirror struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	cfg    PoolConfig
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// OpenSQLMirror opens (creating if needed) a cgo-free embedded SQLite
// database at path, runs pending migrations (see migrate.go), and returns a
// ready-to-use Mirror.
func OpenSQLMirror(ctx context.Context, path string, cfg PoolConfig, logger *zap.Logger) (*SQLMirror, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlmirror: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlmirror: underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	m := &SQLMirror{
		db:     db,
		sqlDB:  sqlDB,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "userlog_mirror")),
	}

	if err := RunMigrations(ctx, sqlDB, m.logger); err != nil {
		return nil, fmt.Errorf("sqlmirror: migrate: %w", err)
	}

	if cfg.HealthCheckInterval > 0 {
		go m.healthCheckLoop()
	}

	m.logger.Info("user log mirror opened", zap.String("path", path))
	return m, nil
}

// Append implements Mirror.
func (m *SQLMirror) Append(ctx context.Context, coll, user string, mem memory.Memory) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("sqlmirror: closed")
	}

	row := mirrorRow{
		Collection: coll,
		User:       user,
		MemoryID:   mem.ID,
		Content:    mem.Content,
		TimeMillis: mem.TimeMillis,
		Score:      mem.Score,
		Lifetime:   mem.Lifetime,
		RecordedAt: time.Now(),
	}
	if err := m.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlmirror: insert: %w", err)
	}
	return nil
}

// Recent returns the most recent rows recorded for (coll, user), oldest
// first, for operator inspection.
func (m *SQLMirror) Recent(ctx context.Context, coll, user string, limit int) ([]memory.Memory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("sqlmirror: closed")
	}

	var rows []mirrorRow
	q := m.db.WithContext(ctx).Where("collection = ? AND user = ?", coll, user).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlmirror: query: %w", err)
	}

	out := make([]memory.Memory, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		out = append(out, memory.Memory{
			ID:         r.MemoryID,
			Content:    r.Content,
			TimeMillis: r.TimeMillis,
			User:       r.User,
			Score:      r.Score,
			Lifetime:   r.Lifetime,
		})
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (m *SQLMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.sqlDB.Close()
}

func (m *SQLMirror) healthCheckLoop() {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.RLock()
		if m.closed {
			m.mu.RUnlock()
			return
		}
		m.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.sqlDB.PingContext(ctx); err != nil {
			m.logger.Error("user log mirror health check failed", zap.Error(err))
		}
		cancel()
	}
}

