package stats

import (
	"os"
	"path/filepath"
	"testing"

	"mdexp/internal/model"
)

func TestCheckpointFileName(t *testing.T) {
	val := 0.51234
	cases := []struct {
		ckpt model.Checkpoint
		want string
	}{
		{model.Checkpoint{Epoch: 3, TrainLoss: 0.48217}, "epoch=3-train_loss=0.4822.ckpt"},
		{model.Checkpoint{Epoch: 12, TrainLoss: 1.5, ValLoss: &val}, "epoch=12-train_loss=1.5000-val_loss=0.5123.ckpt"},
	}
	for _, tc := range cases {
		if got := CheckpointFileName(tc.ckpt); got != tc.want {
			t.Fatalf("unexpected checkpoint name: got=%s want=%s", got, tc.want)
		}
	}
}

func TestWriteAndReadCheckpoint(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "run")
	val := 0.25
	ckpt := model.Checkpoint{
		ID:         "c1",
		RunID:      "run-1",
		Epoch:      2,
		TrainLoss:  0.5,
		ValLoss:    &val,
		LR:         1e-4,
		Shape:      model.NetworkShape{NumTypes: 26, EmbeddingDimension: 4, Activation: "tanh", CutoffUpper: 9},
		Parameters: map[string][]float64{"w1": {0.1, 0.2}},
	}

	path, err := WriteCheckpoint(logDir, ckpt)
	if err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	if filepath.Base(path) != "epoch=2-train_loss=0.5000-val_loss=0.2500.ckpt" {
		t.Fatalf("unexpected checkpoint path: %s", path)
	}

	loaded, err := ReadCheckpoint(path)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if loaded.RunID != ckpt.RunID || loaded.Shape != ckpt.Shape || loaded.Parameters["w1"][1] != 0.2 {
		t.Fatalf("unexpected checkpoint loaded: %+v", loaded)
	}
}

func TestListCheckpointFilesOrderedByEpoch(t *testing.T) {
	logDir := t.TempDir()
	for _, epoch := range []int{10, 2, 1} {
		if _, err := WriteCheckpoint(logDir, model.Checkpoint{ID: "c", Epoch: epoch, TrainLoss: 1}); err != nil {
			t.Fatalf("write checkpoint: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(logDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write note: %v", err)
	}

	files, err := ListCheckpointFiles(logDir)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	want := []string{"epoch=1-train_loss=1.0000.ckpt", "epoch=2-train_loss=1.0000.ckpt", "epoch=10-train_loss=1.0000.ckpt"}
	if len(files) != len(want) {
		t.Fatalf("unexpected checkpoint files: %v", files)
	}
	for i := range want {
		if filepath.Base(files[i]) != want[i] {
			t.Fatalf("unexpected checkpoint order: %v", files)
		}
	}

	missing, err := ListCheckpointFiles(filepath.Join(logDir, "missing"))
	if err != nil || len(missing) != 0 {
		t.Fatalf("unexpected result for missing dir: %v %v", missing, err)
	}
}

func TestRunIndexUpsertAndOrder(t *testing.T) {
	baseDir := t.TempDir()
	entries := []RunIndexEntry{
		{RunID: "a", Mode: "force_matching", CreatedAtUTC: "2026-01-01T00:00:00Z"},
		{RunID: "b", Mode: "weighted_ensemble", CreatedAtUTC: "2026-01-02T00:00:00Z"},
		{RunID: "a", Mode: "force_matching", Epoch: 5, CreatedAtUTC: "2026-01-01T00:00:00Z"},
	}
	for _, entry := range entries {
		if err := AppendRunIndex(baseDir, entry); err != nil {
			t.Fatalf("append run index: %v", err)
		}
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(index) != 2 || index[0].RunID != "b" || index[1].RunID != "a" || index[1].Epoch != 5 {
		t.Fatalf("unexpected run index: %+v", index)
	}

	if err := AppendRunIndex(baseDir, RunIndexEntry{}); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestRunConfigRoundTrip(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "run")
	if _, ok, err := ReadRunConfig(logDir); ok || err != nil {
		t.Fatalf("unexpected config before write: ok=%t err=%v", ok, err)
	}
	if err := WriteRunConfig(logDir, map[string]any{"lr": 1e-4, "steps": 400}); err != nil {
		t.Fatalf("write config: %v", err)
	}
	doc, ok, err := ReadRunConfig(logDir)
	if err != nil || !ok {
		t.Fatalf("read config: ok=%t err=%v", ok, err)
	}
	if doc["lr"] != 1e-4 || doc["steps"] != 400.0 {
		t.Fatalf("unexpected config: %+v", doc)
	}
}
