// Package memory provides the in-process run store, used for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bizharvest/bizharvest/internal/engine"
)

// Store keeps runs and their records in process memory.
type Store struct {
	mu         sync.RWMutex
	runs       map[string]engine.RunRecord
	businesses []engine.StoredBusiness
	clock      engine.Clock
}

// New builds an empty Store.
func New(clock engine.Clock) *Store {
	return &Store{
		runs:  make(map[string]engine.RunRecord),
		clock: clock,
	}
}

// CreateRun registers a new run.
func (s *Store) CreateRun(_ context.Context, run engine.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// SaveResult applies a terminal result to its run and stores its records.
func (s *Store) SaveResult(_ context.Context, result engine.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[result.RunID]
	if !ok {
		return fmt.Errorf("run %s not found", result.RunID)
	}
	now := s.now()
	run.Status = result.Status
	run.Diagnostic = result.Reason
	run.Counts = result.Counts
	run.Records = result.Records
	run.UpdatedAt = now
	s.runs[result.RunID] = run

	for _, rec := range result.Records {
		s.businesses = append(s.businesses, engine.StoredBusiness{
			RunID:     result.RunID,
			Record:    rec,
			CreatedAt: now,
		})
	}
	return nil
}

// GetRun returns one run by ID.
func (s *Store) GetRun(_ context.Context, runID string) (engine.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return engine.RunRecord{}, fmt.Errorf("run %s not found", runID)
	}
	return run, nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(_ context.Context) ([]engine.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engine.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SearchBusinesses returns stored records whose name, address, or category
// contains keyword, case-insensitively. An empty keyword returns everything.
func (s *Store) SearchBusinesses(_ context.Context, keyword string) ([]engine.StoredBusiness, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(strings.TrimSpace(keyword))
	out := make([]engine.StoredBusiness, 0)
	for _, b := range s.businesses {
		if needle == "" || matches(b.Record, needle) {
			out = append(out, b)
		}
	}
	return out, nil
}

func matches(rec engine.NormalizedRecord, needle string) bool {
	for _, hay := range []string{rec.Name, rec.Address, rec.Category} {
		if strings.Contains(strings.ToLower(hay), needle) {
			return true
		}
	}
	return false
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}
