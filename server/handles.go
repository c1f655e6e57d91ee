package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/ilvm/vm"
)

// RunRecord is the retained outcome of one program run.
type RunRecord struct {
	ID      string
	Digest  string // program content hash; empty if it did not compile
	OK      bool
	Result  int32
	Kind    vm.Kind // meaningful only when !OK
	Error   string
	Output  string
	Stats   vm.Stats
	Elapsed time.Duration

	created  time.Time
	lastUsed time.Time
}

// RunStore maps run IDs to finished runs so clients can fetch output and
// statistics after the fact. Records expire after a TTL of disuse.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*RunRecord
}

// NewRunStore creates an empty run store.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*RunRecord)}
}

// Create stores rec under a fresh ID and returns the ID.
func (s *RunStore) Create(rec RunRecord) string {
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	rec.ID = id
	rec.created = now
	rec.lastUsed = now
	s.runs[id] = &rec
	return id
}

// Lookup returns a copy of the record for id.
func (s *RunStore) Lookup(id string) (RunRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[id]
	if !ok {
		return RunRecord{}, false
	}
	rec.lastUsed = time.Now()
	return *rec, true
}

// Release forgets a run.
func (s *RunStore) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.runs[id]
	delete(s.runs, id)
	return ok
}

// Len returns the number of retained runs.
func (s *RunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// Sweep removes runs that haven't been accessed within the TTL.
func (s *RunStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, rec := range s.runs {
		if rec.lastUsed.Before(cutoff) {
			delete(s.runs, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *RunStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(ttl); n > 0 {
					log.Debugf("swept %d expired runs", n)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
