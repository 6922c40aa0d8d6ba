package local

import (
	"sync"
	"time"
)

// Stats tracks what the worker pool has executed so far.
type Stats struct {
	mu       sync.RWMutex
	jobs     int64
	errors   int64
	duration time.Duration
}

func (s *Stats) recordJob(d time.Duration) {
	s.mu.Lock()
	s.jobs++
	s.duration += d
	s.mu.Unlock()
}

func (s *Stats) recordError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// Snapshot returns the jobs executed, the failures among them, and the total
// execution time.
func (s *Stats) Snapshot() (jobs, errors int64, duration time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs, s.errors, s.duration
}
