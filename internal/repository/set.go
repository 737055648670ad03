package repository

import (
	"fmt"
	"sort"
	"sync"
)

// Set holds the repositories a node serves, by name.
type Set struct {
	mu    sync.RWMutex
	repos map[string]*Repository
}

// NewSet returns a set containing repos.
func NewSet(repos ...*Repository) *Set {
	s := &Set{repos: make(map[string]*Repository, len(repos))}
	for _, r := range repos {
		s.Add(r)
	}
	return s
}

// Add registers r, replacing any repository of the same name.
func (s *Set) Add(r *Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[r.Name()] = r
}

// Get returns the named repository.
func (s *Set) Get(name string) (*Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[name]
	if !ok {
		return nil, fmt.Errorf("[%s]: %w", name, ErrRepositoryNotFound)
	}
	return r, nil
}

// Names returns the repository names, sorted.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.repos))
	for name := range s.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
