package storage

import (
	"context"

	"mdexp/internal/model"
)

// Store defines the persistence operations for training runs: run records,
// parameter checkpoints and the append-only metric log.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id string) (model.Run, bool, error)
	ListRuns(ctx context.Context) ([]model.Run, error)
	SaveCheckpoint(ctx context.Context, ckpt model.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (model.Checkpoint, bool, error)
	ListCheckpoints(ctx context.Context, runID string) ([]model.Checkpoint, error)
	AppendMetric(ctx context.Context, row model.MetricRow) error
	ListMetrics(ctx context.Context, runID, kind string) ([]model.MetricRow, error)
}

// LatestCheckpoint returns the checkpoint of runID with the highest epoch.
func LatestCheckpoint(ctx context.Context, store Store, runID string) (model.Checkpoint, bool, error) {
	ckpts, err := store.ListCheckpoints(ctx, runID)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	if len(ckpts) == 0 {
		return model.Checkpoint{}, false, nil
	}
	return ckpts[len(ckpts)-1], true, nil
}
