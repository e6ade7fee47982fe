package mdexp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mdexp/internal/config"
	"mdexp/internal/model"
	"mdexp/internal/stats"
)

const priorsYAML = `
masses:
  "*": 12.0
bonds:
  "*-*": {k0: 50.0, req: 3.8}
angles:
  "*-*-*": {k0: 10.0, theta0: 95.0}
repulsioncg:
  "*": {epsilon: 0.2, sigma: 4.0}
`

var residues = []string{"ALA", "GLY", "LEU", "VAL", "PHE"}

func helix(n int, shift float64) [][3]float64 {
	out := make([][3]float64, n)
	for i := range out {
		a := float64(i) * 1.75
		out[i] = [3]float64{2.3*math.Cos(a) + shift*float64(i%2), 2.3 * math.Sin(a), 1.5 * float64(i)}
	}
	return out
}

// writeProject lays out a force field, a helix structure, a dataset with
// three frames and a configuration document under dir.
func writeProject(t *testing.T, dir string, extra string) string {
	t.Helper()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	write("priors.yaml", priorsYAML)

	var pdb strings.Builder
	for i, p := range helix(len(residues), 0) {
		fmt.Fprintf(&pdb, "ATOM  %5d  CA  %3s A%4d    %8.3f%8.3f%8.3f  1.00  0.00           C\n", i+1, residues[i], i+1, p[0], p[1], p[2])
	}
	pdb.WriteString("END\n")
	write("helix.pdb", pdb.String())

	type entry struct {
		Name      string         `json:"name"`
		Structure string         `json:"structure"`
		Frames    [][][3]float64 `json:"frames"`
		Forces    [][][3]float64 `json:"forces"`
	}
	native := helix(len(residues), 0)
	var e entry
	e.Name = "helix"
	e.Structure = "helix.pdb"
	for k := 0; k < 3; k++ {
		frame := helix(len(residues), 0.1*float64(k+1))
		force := make([][3]float64, len(frame))
		for i := range frame {
			for c := 0; c < 3; c++ {
				force[i][c] = native[i][c] - frame[i][c]
			}
		}
		e.Frames = append(e.Frames, frame)
		e.Forces = append(e.Forces, force)
	}
	doc, err := json.Marshal(map[string]any{"entries": []entry{e}})
	if err != nil {
		t.Fatalf("marshal dataset: %v", err)
	}
	write("dataset.json", string(doc))

	cfg := fmt.Sprintf(`
num_sim_workers: 1
sim_batch_size: 2
batch_size: 2
dataset: %s
forcefield: %s
forceterms: [bonds, angles, repulsioncg]
exclusions: bonds
cutoff_upper: 8.0
embedding_dimension: 3
hidden_channels: 4
num_rbf: 5
timestep: 2
temperature: 300
langevin_gamma: 1.0
steps: 8
output_period: 4
lr: 0.001
lr_step_size: 0
num_epochs: 2
save_period: 1
seed: 5
log_dir: %s
%s`, filepath.Join(dir, "dataset.json"), filepath.Join(dir, "priors.yaml"), filepath.Join(dir, "runs", "fm"), extra)
	return write("config.yaml", cfg)
}

func newClient(t *testing.T, runsDir string) *Client {
	t.Helper()
	client, err := New(Options{StoreKind: "memory", RunsDir: runsDir})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTrainWritesRunArtifacts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfgPath := writeProject(t, dir, "")
	client := newClient(t, filepath.Join(dir, "runs"))

	summary, err := client.Train(ctx, TrainRequest{ConfigPath: cfgPath, RunID: "fm-1"})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if summary.RunID != "fm-1" || summary.Epoch != 2 || summary.Checkpoints != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Steps != 4 {
		t.Fatalf("unexpected optimizer steps: got=%d want=4", summary.Steps)
	}

	for _, name := range []string{stats.EpochMonitorFile, stats.StepMonitorFile, "config.json"} {
		if _, err := os.Stat(filepath.Join(summary.LogDir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	files, err := stats.ListCheckpointFiles(summary.LogDir)
	if err != nil || len(files) != 2 {
		t.Fatalf("unexpected checkpoint files: %v %v", files, err)
	}

	runs, err := client.Runs(ctx, RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "fm-1" || runs[0].Mode != config.LossForceMatching || runs[0].FinalTrainLoss == nil {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	metrics, err := client.Metrics(ctx, MetricsRequest{Latest: true})
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if metrics.RunID != "fm-1" || len(metrics.Rows) != 2 || len(metrics.Series) == 0 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
	steps, err := client.Metrics(ctx, MetricsRequest{RunID: "fm-1", Kind: model.MetricKindStep, Limit: 1})
	if err != nil {
		t.Fatalf("step metrics: %v", err)
	}
	if len(steps.Rows) != 1 {
		t.Fatalf("unexpected step rows: %+v", steps.Rows)
	}

	ckpts, err := client.Checkpoints(ctx, CheckpointsRequest{RunID: "fm-1"})
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if len(ckpts) != 2 || ckpts[1].Epoch != 2 || filepath.Dir(ckpts[1].Path) != summary.LogDir {
		t.Fatalf("unexpected checkpoints: %+v", ckpts)
	}
}

func TestTrainResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfgPath := writeProject(t, dir, "")

	first, err := newClient(t, filepath.Join(dir, "runs")).Train(ctx, TrainRequest{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	files, err := stats.ListCheckpointFiles(first.LogDir)
	if err != nil || len(files) == 0 {
		t.Fatalf("no checkpoint to resume from: %v", err)
	}

	resumePath := writeProject(t, dir, fmt.Sprintf("load_model: %s\n", files[len(files)-1]))
	client := newClient(t, filepath.Join(dir, "runs"))
	second, err := client.Train(ctx, TrainRequest{ConfigPath: resumePath})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if second.RunID != first.RunID || second.Epoch != 4 {
		t.Fatalf("unexpected resumed summary: %+v", second)
	}

	rows, err := stats.ReadMonitor(second.LogDir, model.MetricKindEpoch)
	if err != nil {
		t.Fatalf("read monitor: %v", err)
	}
	if len(rows) != 4 || rows[3].Values["epoch"] != 4 {
		t.Fatalf("unexpected monitor rows after resume: %+v", rows)
	}

	// A fresh client has an empty memory store and reads the monitor files.
	metrics, err := newClient(t, filepath.Join(dir, "runs")).Metrics(ctx, MetricsRequest{Latest: true})
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if len(metrics.Rows) != 4 {
		t.Fatalf("unexpected metrics from monitor: got=%d want=4", len(metrics.Rows))
	}
}

func TestSimulateWritesTrajectories(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfgPath := writeProject(t, dir, "")
	client := newClient(t, filepath.Join(dir, "runs"))

	out, err := client.Simulate(ctx, SimulateRequest{ConfigPath: cfgPath, Replicas: 3, TrajectoryDir: filepath.Join(dir, "traj")})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if len(out.Replicas) != 3 || out.Snapshots != 6 {
		t.Fatalf("unexpected simulation summary: %+v", out)
	}
	for _, r := range out.Replicas {
		if r.Molecule != "helix" || r.Snapshots != 2 || math.IsNaN(r.FinalEnergy) {
			t.Fatalf("unexpected replica: %+v", r)
		}
		if _, err := os.Stat(r.Trajectory); err != nil {
			t.Fatalf("expected trajectory for replica %d: %v", r.Replica, err)
		}
	}

	if _, err := client.Simulate(ctx, SimulateRequest{ConfigPath: cfgPath, Steps: 2, OutputPeriod: 4}); err == nil {
		t.Fatal("expected error for steps below output period")
	}
}

func TestValidateConfigRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := writeProject(t, dir, "thermostat: nose-hoover\n")

	_, err := ValidateConfig(path)
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestMetricsRequiresRunSelector(t *testing.T) {
	client := newClient(t, t.TempDir())
	ctx := context.Background()

	if _, err := client.Metrics(ctx, MetricsRequest{}); err == nil {
		t.Fatal("expected error without run id or latest")
	}
	if _, err := client.Metrics(ctx, MetricsRequest{RunID: "a", Latest: true}); err == nil {
		t.Fatal("expected error for run id and latest")
	}
	if _, err := client.Metrics(ctx, MetricsRequest{Latest: true}); err == nil {
		t.Fatal("expected error without indexed runs")
	}
	if _, err := client.Metrics(ctx, MetricsRequest{RunID: "a", Kind: "batch"}); err == nil {
		t.Fatal("expected unsupported kind error")
	}
}
