package training

import (
	"context"
	"errors"
	"testing"

	"mdexp/internal/model"
)

type failingRecorder struct{ memRecorder }

func (r *failingRecorder) AppendMetric(context.Context, model.MetricRow) error {
	return errors.New("disk full")
}

func TestRecordersFanOut(t *testing.T) {
	ctx := context.Background()
	a, b := &memRecorder{}, &memRecorder{}
	rec := Recorders{a, b}

	if err := rec.AppendMetric(ctx, model.MetricRow{Kind: model.MetricKindStep}); err != nil {
		t.Fatalf("append metric: %v", err)
	}
	if err := rec.SaveCheckpoint(ctx, model.Checkpoint{ID: "c"}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	for _, r := range []*memRecorder{a, b} {
		if len(r.rows) != 1 || len(r.ckpts) != 1 {
			t.Fatalf("unexpected recorder state: rows=%d ckpts=%d", len(r.rows), len(r.ckpts))
		}
	}
}

func TestRecordersStopAtFirstError(t *testing.T) {
	after := &memRecorder{}
	rec := Recorders{&failingRecorder{}, after}

	if err := rec.AppendMetric(context.Background(), model.MetricRow{}); err == nil {
		t.Fatal("expected recorder error")
	}
	if len(after.rows) != 0 {
		t.Fatalf("unexpected rows after failure: %d", len(after.rows))
	}
}
