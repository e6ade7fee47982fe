package storage

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"

	"mdexp/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.Run
	checkpoints map[string]model.Checkpoint
	byRun       map[string][]string
	metrics     map[string][]model.MetricRow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.Run)
	s.checkpoints = make(map[string]model.Checkpoint)
	s.byRun = make(map[string][]string)
	s.metrics = make(map[string][]model.MetricRow)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	stamp(&run.VersionedRecord)
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sortRuns(out)
	return out, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, ckpt model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	stamp(&ckpt.VersionedRecord)
	ckpt = cloneCheckpoint(ckpt)
	if _, exists := s.checkpoints[ckpt.ID]; !exists {
		s.byRun[ckpt.RunID] = append(s.byRun[ckpt.RunID], ckpt.ID)
	}
	s.checkpoints[ckpt.ID] = ckpt
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, id string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ckpt, ok := s.checkpoints[id]
	if !ok {
		return model.Checkpoint{}, false, nil
	}
	return cloneCheckpoint(ckpt), true, nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, runID string) ([]model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byRun[runID]
	out := make([]model.Checkpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneCheckpoint(s.checkpoints[id]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out, nil
}

func (s *MemoryStore) AppendMetric(_ context.Context, row model.MetricRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	row.Values = maps.Clone(row.Values)
	s.metrics[row.RunID] = append(s.metrics[row.RunID], row)
	return nil
}

func (s *MemoryStore) ListMetrics(_ context.Context, runID, kind string) ([]model.MetricRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.MetricRow
	for _, row := range s.metrics[runID] {
		if kind != "" && row.Kind != kind {
			continue
		}
		row.Values = maps.Clone(row.Values)
		out = append(out, row)
	}
	return out, nil
}

func cloneCheckpoint(c model.Checkpoint) model.Checkpoint {
	if c.ValLoss != nil {
		v := *c.ValLoss
		c.ValLoss = &v
	}
	params := make(map[string][]float64, len(c.Parameters))
	for name, values := range c.Parameters {
		params[name] = slices.Clone(values)
	}
	c.Parameters = params
	return c
}

func sortRuns(runs []model.Run) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC < runs[j].CreatedAtUTC
		}
		return runs[i].ID < runs[j].ID
	})
}
