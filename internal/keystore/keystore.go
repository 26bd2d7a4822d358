// Package keystore is the authoritative minion identity source: the
// accepted-key directory. Each file in the directory is one accepted minion,
// filename = minion identity. The listing is cached in memory; callers that
// mutate the directory out of band signal Invalidate to force a rescan.
package keystore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fleetwright/drover/internal/log"
)

// Store lists accepted minion identities from a key directory.
type Store struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	cached map[string]struct{}
	loaded bool
}

// New creates a Store over dir. The directory is created if missing so a
// fresh master starts with an empty (not erroring) universe.
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("key directory is empty")
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve key directory %q: %w", dir, err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("stat key directory: %w", err)
	}
	if info.Mode().Perm()&0002 != 0 {
		return nil, fmt.Errorf("key directory is world-writable: %s", absDir)
	}

	return &Store{
		dir:    absDir,
		logger: log.WithComponent("keystore"),
	}, nil
}

// Dir returns the accepted-key directory path.
func (s *Store) Dir() string {
	return s.dir
}

// ListKnown returns the set of accepted minion identities. The first call
// scans the directory; later calls serve the cached set until Invalidate.
func (s *Store) ListKnown() (map[string]struct{}, error) {
	s.mu.RLock()
	if s.loaded {
		out := cloneSet(s.cached)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return cloneSet(s.cached), nil
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan key directory %s: %w", s.dir, err)
	}

	ids := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		// Dotfiles are bookkeeping, not identities.
		if strings.HasPrefix(name, ".") {
			continue
		}
		ids[name] = struct{}{}
	}

	s.cached = ids
	s.loaded = true
	s.logger.Debug("accepted keys scanned", "dir", s.dir, "count", len(ids))
	return cloneSet(ids), nil
}

// SortedKnown returns accepted identities as a sorted slice.
func (s *Store) SortedKnown() ([]string, error) {
	ids, err := s.ListKnown()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// IsAccepted reports whether id is an accepted identity.
func (s *Store) IsAccepted(id string) (bool, error) {
	ids, err := s.ListKnown()
	if err != nil {
		return false, err
	}
	_, ok := ids[id]
	return ok, nil
}

// Accept records a new accepted identity by writing its key material.
func (s *Store) Accept(id string, key []byte) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("minion identity is empty")
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("minion identity %q contains path separators", id)
	}

	path := filepath.Join(s.dir, id)
	if err := os.WriteFile(path, key, 0o644); err != nil {
		return fmt.Errorf("write accepted key for %s: %w", id, err)
	}

	s.mu.Lock()
	if s.loaded {
		s.cached[id] = struct{}{}
	}
	s.mu.Unlock()

	s.logger.Info("minion key accepted", "minion", id)
	return nil
}

// Reject removes an accepted identity.
func (s *Store) Reject(id string) error {
	path := filepath.Join(s.dir, id)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("minion %s is not accepted", id)
		}
		return fmt.Errorf("remove accepted key for %s: %w", id, err)
	}

	s.mu.Lock()
	if s.loaded {
		delete(s.cached, id)
	}
	s.mu.Unlock()

	s.logger.Info("minion key rejected", "minion", id)
	return nil
}

// Invalidate drops the cached listing. The next ListKnown rescans the
// directory.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.loaded = false
	s.cached = nil
	s.mu.Unlock()
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
