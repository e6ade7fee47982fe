package potential

import (
	"sync"
)

// ParamStore owns the learned parameters. Rollouts read them under the read
// lock; the optimizer mutates them under the write lock, so an update never
// interleaves with a simulation step.
type ParamStore struct {
	mu      sync.RWMutex
	params  *Params
	version int
}

func NewParamStore(p *Params) *ParamStore {
	return &ParamStore{params: p}
}

// View runs fn while holding the read lock. fn must not retain p.
func (s *ParamStore) View(fn func(p *Params, version int) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.params, s.version)
}

// Update runs fn while holding the write lock. The version advances only
// when fn succeeds.
func (s *ParamStore) Update(fn func(p *Params) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(s.params); err != nil {
		return err
	}
	s.version++
	return nil
}

// Version counts successful updates.
func (s *ParamStore) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Freeze snapshots the current parameters.
func (s *ParamStore) Freeze() (*Frozen, error) {
	var frozen *Frozen
	err := s.View(func(p *Params, _ int) error {
		var err error
		frozen, err = p.Freeze()
		return err
	})
	return frozen, err
}

// Snapshot returns a deep copy of the named parameter vectors.
func (s *ParamStore) Snapshot() map[string][]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params.Copy()
}
