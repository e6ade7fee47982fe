package training

import (
	"context"

	"mdexp/internal/model"
)

// Recorders fans every row and checkpoint out to each recorder in order and
// stops at the first error.
type Recorders []Recorder

func (rs Recorders) AppendMetric(ctx context.Context, row model.MetricRow) error {
	for _, r := range rs {
		if err := r.AppendMetric(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (rs Recorders) SaveCheckpoint(ctx context.Context, ckpt model.Checkpoint) error {
	for _, r := range rs {
		if err := r.SaveCheckpoint(ctx, ckpt); err != nil {
			return err
		}
	}
	return nil
}
