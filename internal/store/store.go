// Package store keeps the submissions of a marking session in memory.
package store

import (
	"errors"
	"path/filepath"
	"sync"

	"github.com/Mirai3103/gradebuddy/internal/models"
)

var (
	ErrNotFound  = errors.New("submission not found")
	ErrDuplicate = errors.New("submission already in store")
)

// Store owns its submissions. Callers get copies; writes go through Record.
type Store struct {
	mu          sync.RWMutex
	submissions []*models.Submission
	byDir       map[string]*models.Submission
}

func New() *Store {
	return &Store{byDir: make(map[string]*models.Submission)}
}

// Add registers a submission. Its directory is made absolute and must be unique.
func (s *Store) Add(sub models.Submission) error {
	dir, err := filepath.Abs(sub.Directory)
	if err != nil {
		return err
	}
	sub.Directory = dir

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byDir[dir]; ok {
		return ErrDuplicate
	}
	stored := sub
	s.submissions = append(s.submissions, &stored)
	s.byDir[dir] = &stored
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.submissions)
}

// Directories lists submission directories in insertion order.
func (s *Store) Directories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dirs := make([]string, len(s.submissions))
	for i, sub := range s.submissions {
		dirs[i] = sub.Directory
	}
	return dirs
}

// All returns copies of every submission in insertion order.
func (s *Store) All() []models.Submission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Submission, len(s.submissions))
	for i, sub := range s.submissions {
		out[i] = clone(sub)
	}
	return out
}

func (s *Store) Get(dir string) (models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.lookup(dir)
	if !ok {
		return models.Submission{}, ErrNotFound
	}
	return clone(sub), nil
}

// Record replaces the outcome of a submission: results on success, the
// error as its failure otherwise.
func (s *Store) Record(dir string, results []models.Result, failure error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.lookup(dir)
	if !ok {
		return ErrNotFound
	}
	if failure != nil {
		sub.Results = nil
		sub.Failure = failure.Error()
		return nil
	}
	sub.Results = append([]models.Result(nil), results...)
	sub.Failure = ""
	return nil
}

// Reset clears every outcome before a new pass.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.submissions {
		sub.Results = nil
		sub.Failure = ""
	}
}

func (s *Store) lookup(dir string) (*models.Submission, bool) {
	if sub, ok := s.byDir[dir]; ok {
		return sub, true
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, false
	}
	sub, ok := s.byDir[abs]
	return sub, ok
}

func clone(sub *models.Submission) models.Submission {
	c := *sub
	c.Results = append([]models.Result(nil), sub.Results...)
	return c
}
