package reading

import "sync"

// Store caches the most recent capture batch for status reporting.
// Only the latest batch is kept.
type Store struct {
	mu    sync.RWMutex
	batch Batch
	set   bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Update replaces the cached batch. Debug images are not retained.
func (s *Store) Update(b Batch) {
	cp := Batch{
		ID:        b.ID,
		Timestamp: b.Timestamp,
		Readings:  make([]Reading, len(b.Readings)),
	}
	for i, r := range b.Readings {
		cp.Readings[i] = r.WithoutDebug()
	}

	s.mu.Lock()
	s.batch = cp
	s.set = true
	s.mu.Unlock()
}

// Latest returns a copy of the cached batch and whether one exists.
func (s *Store) Latest() (Batch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.set {
		return Batch{}, false
	}
	cp := s.batch
	cp.Readings = make([]Reading, len(s.batch.Readings))
	copy(cp.Readings, s.batch.Readings)
	return cp, true
}
