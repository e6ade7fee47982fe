package stats

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mdexp/internal/model"
)

var monitorKeys = []string{"epoch", "steps", "train_loss", "val_loss"}

func TestMonitorWritesDeclaredColumns(t *testing.T) {
	ctx := context.Background()
	logDir := t.TempDir()

	m, err := OpenMonitor(logDir, monitorKeys, false)
	if err != nil {
		t.Fatalf("open monitor: %v", err)
	}
	rows := []model.MetricRow{
		{Kind: model.MetricKindStep, Values: map[string]float64{"epoch": 1, "steps": 1, "train_loss": 0.75}},
		{Kind: model.MetricKindEpoch, Values: map[string]float64{"epoch": 1, "steps": 1, "train_loss": 0.75, "val_loss": 0.5}},
	}
	for _, row := range rows {
		if err := m.AppendMetric(ctx, row); err != nil {
			t.Fatalf("append metric: %v", err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close monitor: %v", err)
	}

	step, err := os.ReadFile(filepath.Join(logDir, StepMonitorFile))
	if err != nil {
		t.Fatalf("read step monitor: %v", err)
	}
	if got, want := string(step), "epoch,steps,train_loss,val_loss\n1,1,0.75,\n"; got != want {
		t.Fatalf("unexpected step monitor:\n got=%q\nwant=%q", got, want)
	}

	epochs, err := ReadMonitor(logDir, model.MetricKindEpoch)
	if err != nil {
		t.Fatalf("read monitor: %v", err)
	}
	if len(epochs) != 1 || epochs[0].Values["val_loss"] != 0.5 {
		t.Fatalf("unexpected epoch rows: %+v", epochs)
	}
}

func TestMonitorRejectsUnknownKind(t *testing.T) {
	m, err := OpenMonitor(t.TempDir(), monitorKeys, false)
	if err != nil {
		t.Fatalf("open monitor: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	if err := m.AppendMetric(context.Background(), model.MetricRow{Kind: "batch"}); err == nil {
		t.Fatal("expected unsupported kind error")
	}
}

func TestMonitorResumeKeepsRowsAndLastEpoch(t *testing.T) {
	ctx := context.Background()
	logDir := t.TempDir()

	if epoch, err := LastEpoch(logDir); err != nil || epoch != 0 {
		t.Fatalf("unexpected last epoch of empty dir: %d %v", epoch, err)
	}

	first, err := OpenMonitor(logDir, monitorKeys, false)
	if err != nil {
		t.Fatalf("open monitor: %v", err)
	}
	for epoch := 1; epoch <= 3; epoch++ {
		row := model.MetricRow{Kind: model.MetricKindEpoch, Values: map[string]float64{"epoch": float64(epoch)}}
		if err := first.AppendMetric(ctx, row); err != nil {
			t.Fatalf("append metric: %v", err)
		}
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close monitor: %v", err)
	}

	if epoch, err := LastEpoch(logDir); err != nil || epoch != 3 {
		t.Fatalf("unexpected last epoch: got=%d want=3 err=%v", epoch, err)
	}

	second, err := OpenMonitor(logDir, monitorKeys, true)
	if err != nil {
		t.Fatalf("reopen monitor: %v", err)
	}
	if err := second.AppendMetric(ctx, model.MetricRow{Kind: model.MetricKindEpoch, Values: map[string]float64{"epoch": 4}}); err != nil {
		t.Fatalf("append metric: %v", err)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("close monitor: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(logDir, EpochMonitorFile))
	if err != nil {
		t.Fatalf("read monitor: %v", err)
	}
	if n := strings.Count(string(data), "epoch,steps"); n != 1 {
		t.Fatalf("unexpected header count: got=%d want=1", n)
	}
	if epoch, err := LastEpoch(logDir); err != nil || epoch != 4 {
		t.Fatalf("unexpected last epoch after resume: got=%d want=4 err=%v", epoch, err)
	}

	fresh, err := OpenMonitor(logDir, monitorKeys, false)
	if err != nil {
		t.Fatalf("open fresh monitor: %v", err)
	}
	if err := fresh.Close(); err != nil {
		t.Fatalf("close monitor: %v", err)
	}
	if epoch, err := LastEpoch(logDir); err != nil || epoch != 0 {
		t.Fatalf("unexpected last epoch after truncate: got=%d err=%v", epoch, err)
	}
}

func TestMonitorSavesCheckpointFiles(t *testing.T) {
	logDir := t.TempDir()
	m, err := OpenMonitor(logDir, monitorKeys, false)
	if err != nil {
		t.Fatalf("open monitor: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	if err := m.SaveCheckpoint(context.Background(), model.Checkpoint{ID: "c", Epoch: 1, TrainLoss: 0.3}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	files, err := ListCheckpointFiles(logDir)
	if err != nil || len(files) != 1 {
		t.Fatalf("unexpected checkpoint files: %v %v", files, err)
	}
}
