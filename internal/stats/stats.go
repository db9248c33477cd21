// Package stats keeps the in-memory session statistics reported to operators
// and served on the status endpoint.
package stats

import (
	"sync"
	"time"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

// Snapshot is a point-in-time copy of the session statistics.
type Snapshot struct {
	Started        time.Time            `json:"started"`
	Processed      int                  `json:"processed"`
	Success        int                  `json:"success"`
	Failed         int                  `json:"failed"`
	RetryNeeded    []harvest.Identifier `json:"retry_needed"`
	TotalDownloads int                  `json:"total_downloads"`
	KnownCodes     int                  `json:"known_codes"`
	Cycles         int                  `json:"cycles"`
	ZeroStreak     int                  `json:"zero_streak"`
}

// SuccessRate is Success over Processed as a percentage; zero when nothing
// was processed.
func (s Snapshot) SuccessRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Success) * 100 / float64(s.Processed)
}

// Session accumulates statistics for one harvester run. It is safe for
// concurrent use.
type Session struct {
	mu    sync.RWMutex
	snap  Snapshot
	retry map[harvest.Identifier]struct{}
}

// New starts a Session at started.
func New(started time.Time) *Session {
	return &Session{
		snap:  Snapshot{Started: started},
		retry: make(map[harvest.Identifier]struct{}),
	}
}

// Record folds a page of outcomes in. Failed identifiers join the retry list
// once; a later success removes them.
func (s *Session) Record(outcomes []harvest.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range outcomes {
		s.snap.Processed++
		if o.Success {
			s.snap.Success++
			s.snap.TotalDownloads++
			if _, ok := s.retry[o.Identifier]; ok {
				delete(s.retry, o.Identifier)
				s.snap.RetryNeeded = remove(s.snap.RetryNeeded, o.Identifier)
			}
			continue
		}
		s.snap.Failed++
		if o.Identifier == "" {
			continue
		}
		if _, ok := s.retry[o.Identifier]; ok {
			continue
		}
		s.retry[o.Identifier] = struct{}{}
		s.snap.RetryNeeded = append(s.snap.RetryNeeded, o.Identifier)
	}
}

// SeedRetry preloads identifiers that failed in an earlier run.
func (s *Session) SeedRetry(ids []harvest.Identifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.retry[id]; ok || id == "" {
			continue
		}
		s.retry[id] = struct{}{}
		s.snap.RetryNeeded = append(s.snap.RetryNeeded, id)
	}
}

// SetKnownCodes records the size of the known-codes set.
func (s *Session) SetKnownCodes(n int) {
	s.mu.Lock()
	s.snap.KnownCodes = n
	s.mu.Unlock()
}

// CycleDone counts a cycle and updates the zero streak: a cycle that
// downloaded nothing extends it, anything else resets it.
func (s *Session) CycleDone(downloaded int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Cycles++
	if downloaded > 0 {
		s.snap.ZeroStreak = 0
	} else {
		s.snap.ZeroStreak++
	}
	return s.snap.ZeroStreak
}

// ZeroStreak is the number of consecutive cycles without a download.
func (s *Session) ZeroStreak() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.ZeroStreak
}

// ResetZeroStreak clears the streak after a fallback reload or cleanup.
func (s *Session) ResetZeroStreak() {
	s.mu.Lock()
	s.snap.ZeroStreak = 0
	s.mu.Unlock()
}

// RetryCodes returns a copy of the retry-needed list.
func (s *Session) RetryCodes() []harvest.Identifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]harvest.Identifier(nil), s.snap.RetryNeeded...)
}

// Snapshot copies the current statistics.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	out.RetryNeeded = append([]harvest.Identifier{}, s.snap.RetryNeeded...)
	return out
}

func remove(ids []harvest.Identifier, id harvest.Identifier) []harvest.Identifier {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
