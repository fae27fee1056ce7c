package userlog

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memtierd/memtierd/internal/memory"
)

func newMockMirror(t *testing.T) (*SQLMirror, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	// The dialector probes the engine version on open; report one below
	// 3.35 so gorm keeps the plain INSERT (no RETURNING) create path the
	// expectations below assume.
	mock.ExpectQuery(`select sqlite_version\(\)`).
		WillReturnRows(sqlmock.NewRows([]string{"sqlite_version()"}).AddRow("3.34.0"))

	db, err := gorm.Open(sqlite.Dialector{Conn: mockDB}, &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)

	return &SQLMirror{db: db, sqlDB: sqlDB, logger: zap.NewNop()}, mock
}

func TestSQLMirror_AppendInsertsRow(t *testing.T) {
	t.Parallel()
	m, mock := newMockMirror(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO .user_log_mirror.").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	score := 0.5
	err := m.Append(context.Background(), "agent1", "alice", memory.Memory{
		ID:         "m1",
		Content:    "hello",
		TimeMillis: 123,
		Score:      &score,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMirror_AppendPropagatesError(t *testing.T) {
	t.Parallel()
	m, mock := newMockMirror(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO .user_log_mirror.").WillReturnError(errBoom)
	mock.ExpectRollback()

	err := m.Append(context.Background(), "agent1", "alice", memory.Memory{ID: "m1", Content: "x"})
	require.Error(t, err)
}

func TestSQLMirror_AppendRejectsAfterClose(t *testing.T) {
	t.Parallel()
	m, _ := newMockMirror(t)
	m.closed = true

	err := m.Append(context.Background(), "agent1", "alice", memory.Memory{ID: "m1", Content: "x"})
	require.Error(t, err)
}

var errBoom = errors.New("boom")
