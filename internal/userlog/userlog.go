// Package userlog implements the per-user append-only memory log: a flat
// JSON file per (collection, user), bounded FIFO, plus an optional
// relational mirror for audit queries (see sqlmirror.go).
package userlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/memtierd/memtierd/internal/memory"
)

// Store is the per-user bounded append log.
type Store struct {
	rootDir     string
	maxPerUser  int
	mu          sync.Mutex // serializes file access by Append, Latest and the Clear methods
	logger      *zap.Logger
	mirror      Mirror // optional relational audit mirror, nil if unconfigured
}

// Mirror is the optional relational audit mirror (see sqlmirror.go). It
// receives a best-effort copy of every append; failures are logged, not
// fatal.
type Mirror interface {
	Append(ctx context.Context, coll, user string, mem memory.Memory) error
}

// NewStore creates a Store rooted at rootDir (e.g. ./users). maxPerUser
// bounds the FIFO length per user; <=0 disables the bound.
func NewStore(rootDir string, maxPerUser int, mirror Mirror, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		rootDir:    rootDir,
		maxPerUser: maxPerUser,
		mirror:     mirror,
		logger:     logger.With(zap.String("component", "userlog")),
	}
}

// fileEntries is the on-disk shape of a user's log file.
type fileEntries struct {
	Mems []memory.Memory `json:"mems"`
}

// sanitize implements the filename-sanitization rule: any character
// outside [A-Za-z0-9_-] becomes '_', the result is truncated to 255 bytes.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 255 {
		out = out[:255]
	}
	if out == "" {
		out = "_"
	}
	switch strings.ToUpper(out) {
	case "CON", "PRN", "AUX", "NUL":
		out += "_safe"
	}
	return out
}

func (s *Store) path(coll, user string) string {
	return filepath.Join(s.rootDir, sanitize(coll), sanitize(user)+".json")
}

func (s *Store) read(coll, user string) (fileEntries, error) {
	data, err := os.ReadFile(s.path(coll, user))
	if os.IsNotExist(err) {
		return fileEntries{}, nil
	}
	if err != nil {
		return fileEntries{}, fmt.Errorf("userlog: read: %w", err)
	}
	var fe fileEntries
	if err := json.Unmarshal(data, &fe); err != nil {
		return fileEntries{}, fmt.Errorf("userlog: decode: %w", err)
	}
	return fe, nil
}

func (s *Store) write(coll, user string, fe fileEntries) error {
	p := s.path(coll, user)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("userlog: mkdir: %w", err)
	}
	data, err := json.Marshal(fe)
	if err != nil {
		return fmt.Errorf("userlog: encode: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("userlog: write temp: %w", err)
	}
	return os.Rename(tmp, p)
}

// Append adds mem to the (coll, user) log, trimming the oldest entries past
// maxPerUser. mem.User is expected to equal user but is not enforced here;
// callers (the Dispatcher) validate that.
func (s *Store) Append(ctx context.Context, coll, user string, mem memory.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fe, err := s.read(coll, user)
	if err != nil {
		return err
	}
	fe.Mems = append(fe.Mems, mem.Clone())
	if s.maxPerUser > 0 && len(fe.Mems) > s.maxPerUser {
		fe.Mems = fe.Mems[len(fe.Mems)-s.maxPerUser:]
	}
	if err := s.write(coll, user, fe); err != nil {
		return err
	}

	if s.mirror != nil {
		if err := s.mirror.Append(ctx, coll, user, mem); err != nil {
			s.logger.Warn("userlog mirror append failed", zap.String("coll", coll), zap.String("user", user), zap.Error(err))
		}
	}
	return nil
}

// Latest returns up to n of the most recent entries, most recent last.
func (s *Store) Latest(ctx context.Context, coll, user string, n int) ([]memory.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fe, err := s.read(coll, user)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(fe.Mems) {
		return fe.Mems, nil
	}
	return fe.Mems[len(fe.Mems)-n:], nil
}

// ClearUser removes a single user's log under coll.
func (s *Store) ClearUser(ctx context.Context, coll, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(coll, user))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("userlog: clear user: %w", err)
	}
	return nil
}

// ClearCollection removes every user's log under coll.
func (s *Store) ClearCollection(ctx context.Context, coll string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.rootDir, sanitize(coll))
	err := os.RemoveAll(dir)
	if err != nil {
		return fmt.Errorf("userlog: clear collection: %w", err)
	}
	return nil
}

// Users lists the sanitized user identifiers with a log file under coll,
// sorted; used by callers that need to enumerate users (e.g. dump mode).
func (s *Store) Users(coll string) ([]string, error) {
	dir := filepath.Join(s.rootDir, sanitize(coll))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("userlog: list users: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
