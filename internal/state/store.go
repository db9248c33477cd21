// Package state persists harvester state as human-readable JSON files in one
// directory. Every write goes through a temp file and a rename so readers
// never observe a partial document.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/egazette-harvester/internal/dedup"
	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

// File names inside the state directory.
const (
	RecentFile    = "recent_codes.json"
	KnownFile     = "enterprise_data.json"
	LastCheckFile = "last_check.json"
	FailedFile    = "failed_codes.json"
)

// LastCheck records the first identifier seen on page 1.
type LastCheck struct {
	FirstCode string    `json:"last_first_code"`
	CheckedAt time.Time `json:"last_check_time"`
}

type recentDoc struct {
	RecentCodes []harvest.Identifier `json:"recent_codes"`
}

type failedDoc struct {
	FailedCodes []harvest.Identifier `json:"failed_codes"`
}

// Store reads and writes the state files. It also serves as the file-backed
// harvest.CodeStore for known identifiers.
type Store struct {
	dir         string
	recentLimit int
	mu          sync.Mutex
}

// New prepares dir for state files.
func New(dir string, recentLimit int) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if recentLimit <= 0 {
		recentLimit = 100
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Store{dir: dir, recentLimit: recentLimit}, nil
}

// Dir is the state directory.
func (s *Store) Dir() string { return s.dir }

// RecentCodes returns the persisted recent identifiers, at most the limit.
// A missing file is empty.
func (s *Store) RecentCodes() ([]harvest.Identifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentLocked()
}

func (s *Store) recentLocked() ([]harvest.Identifier, error) {
	var doc recentDoc
	if err := s.read(RecentFile, &doc); err != nil {
		return nil, err
	}
	return dedup.Tail(doc.RecentCodes, s.recentLimit), nil
}

// AppendRecent merges additions into the recent list, keeping the last
// limit unique identifiers, and returns the new list.
func (s *Store) AppendRecent(additions []harvest.Identifier) ([]harvest.Identifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.recentLocked()
	if err != nil {
		return nil, err
	}
	merged := dedup.Merge(existing, additions, s.recentLimit)
	if err := s.write(RecentFile, recentDoc{RecentCodes: merged}); err != nil {
		return nil, err
	}
	return merged, nil
}

// Persist adds ids to the known set.
func (s *Store) Persist(_ context.Context, ids []harvest.Identifier) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	known, err := s.knownLocked()
	if err != nil {
		return err
	}
	set := make(map[harvest.Identifier]struct{}, len(known)+len(ids))
	for _, id := range known {
		set[id] = struct{}{}
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	out := make([]harvest.Identifier, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return s.write(KnownFile, out)
}

// Load returns every known identifier.
func (s *Store) Load(_ context.Context) ([]harvest.Identifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knownLocked()
}

func (s *Store) knownLocked() ([]harvest.Identifier, error) {
	var ids []harvest.Identifier
	if err := s.read(KnownFile, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// LastCheck returns the last page-1 check. A missing file is the zero value.
func (s *Store) LastCheck() (LastCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lc LastCheck
	err := s.read(LastCheckFile, &lc)
	return lc, err
}

// SaveLastCheck records first as the page-1 head at at.
func (s *Store) SaveLastCheck(first harvest.Identifier, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(LastCheckFile, LastCheck{FirstCode: first.String(), CheckedAt: at})
}

// FailedCodes returns the persisted retry-needed identifiers.
func (s *Store) FailedCodes() ([]harvest.Identifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc failedDoc
	if err := s.read(FailedFile, &doc); err != nil {
		return nil, err
	}
	return doc.FailedCodes, nil
}

// SaveFailedCodes replaces the retry-needed list.
func (s *Store) SaveFailedCodes(ids []harvest.Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ids == nil {
		ids = []harvest.Identifier{}
	}
	return s.write(FailedFile, failedDoc{FailedCodes: ids})
}

func (s *Store) read(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (s *Store) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}
