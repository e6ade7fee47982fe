//go:build sqlite

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mdexp/internal/model"
	"mdexp/internal/storage"
)

func TestTrainCommandSQLitePersistsRun(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeProject(t, dir, "")
	dbPath := filepath.Join(dir, "mdexp.db")
	common := []string{"--store", "sqlite", "--db-path", dbPath, "--runs-dir", filepath.Join(dir, "runs"), "--log-level", "error"}

	if _, err := execute(t, append([]string{"train", "--config", cfgPath, "--run-id", "sql-1"}, common...)...); err != nil {
		t.Fatalf("train command: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected sqlite db at %s: %v", dbPath, err)
	}

	store, err := storage.NewStore("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer storage.CloseIfSupported(store)
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, ok, err := store.GetRun(ctx, "sql-1"); err != nil || !ok {
		t.Fatalf("run not persisted: ok=%t err=%v", ok, err)
	}
	rows, err := store.ListMetrics(ctx, "sql-1", model.MetricKindEpoch)
	if err != nil || len(rows) != 2 {
		t.Fatalf("unexpected epoch rows: %d err=%v", len(rows), err)
	}
	ckpt, ok, err := storage.LatestCheckpoint(ctx, store, "sql-1")
	if err != nil || !ok || ckpt.Epoch != 2 {
		t.Fatalf("unexpected latest checkpoint: ok=%t err=%v", ok, err)
	}

	out, err := execute(t, append([]string{"checkpoints", "--run-id", "sql-1"}, common...)...)
	if err != nil {
		t.Fatalf("checkpoints command: %v", err)
	}
	if strings.Count(out, "epoch=") != 2 {
		t.Fatalf("unexpected checkpoints output: %q", out)
	}
}
