package config

import (
	"sync"
)

// Store holds the live document. Every accepted update is written to disk
// before it becomes visible, so the file always matches what is running.
type Store struct {
	path string

	mu        sync.RWMutex
	doc       Document
	listeners []func(old, cur Document)
}

// NewStore creates a store backed by path. doc should come from Load.
func NewStore(path string, doc Document) *Store {
	return &Store{path: path, doc: doc.Clone()}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the current document.
func (s *Store) Get() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone()
}

// OnChange registers fn to run after every successful update.
// Callbacks run in registration order on the updating goroutine.
func (s *Store) OnChange(fn func(old, cur Document)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Update applies fn to a copy of the document, validates and saves it,
// then swaps it in. On error nothing changes.
func (s *Store) Update(fn func(d *Document)) (Document, error) {
	s.mu.Lock()
	old := s.doc
	next := old.Clone()
	fn(&next)
	next.Normalize()
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return Document{}, err
	}
	if err := Save(s.path, next); err != nil {
		s.mu.Unlock()
		return Document{}, err
	}
	s.doc = next
	listeners := append([]func(old, cur Document){}, s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(old.Clone(), next.Clone())
	}
	return next.Clone(), nil
}

// Save writes the current document to disk.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Save(s.path, s.doc)
}
