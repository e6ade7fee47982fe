package main

import (
	"math"

	"mdexp/pkg/mdexp"
)

type trainJSON struct {
	RunID           string   `json:"run_id"`
	LogDir          string   `json:"log_dir"`
	Epoch           int      `json:"epoch"`
	Steps           int      `json:"steps"`
	TrainLoss       *float64 `json:"train_loss"`
	TrainAvgMetric  *float64 `json:"train_avg_metric,omitempty"`
	ValLoss         *float64 `json:"val_loss,omitempty"`
	UnstableBatches int      `json:"unstable_batches"`
	Diverged        int      `json:"diverged_replicas"`
	LowNeff         int      `json:"low_neff"`
	Checkpoints     int      `json:"checkpoints"`
}

func trainSummaryJSON(s mdexp.TrainSummary) trainJSON {
	return trainJSON{
		RunID:           s.RunID,
		LogDir:          s.LogDir,
		Epoch:           s.Epoch,
		Steps:           s.Steps,
		TrainLoss:       finite(s.TrainLoss),
		TrainAvgMetric:  finite(s.TrainAvgMetric),
		ValLoss:         s.ValLoss,
		UnstableBatches: s.UnstableBatches,
		Diverged:        s.Diverged,
		LowNeff:         s.LowNeff,
		Checkpoints:     s.Checkpoints,
	}
}

type replicaJSON struct {
	Replica     int      `json:"replica"`
	Molecule    string   `json:"molecule"`
	Snapshots   int      `json:"snapshots"`
	Diverged    int      `json:"diverged"`
	Restarts    int      `json:"restarts"`
	Retired     bool     `json:"retired"`
	FinalEnergy *float64 `json:"final_energy,omitempty"`
	Trajectory  string   `json:"trajectory,omitempty"`
}

type simulateJSON struct {
	Snapshots int           `json:"snapshots"`
	Diverged  int           `json:"diverged"`
	Retired   int           `json:"retired"`
	Replicas  []replicaJSON `json:"replicas"`
}

func simulateSummaryJSON(s mdexp.SimulateSummary) simulateJSON {
	out := simulateJSON{Snapshots: s.Snapshots, Diverged: s.Diverged, Retired: s.Retired, Replicas: make([]replicaJSON, 0, len(s.Replicas))}
	for _, r := range s.Replicas {
		out.Replicas = append(out.Replicas, replicaJSON{
			Replica:     r.Replica,
			Molecule:    r.Molecule,
			Snapshots:   r.Snapshots,
			Diverged:    r.Diverged,
			Restarts:    r.Restarts,
			Retired:     r.Retired,
			FinalEnergy: finite(r.FinalEnergy),
			Trajectory:  r.Trajectory,
		})
	}
	return out
}

type runJSON struct {
	RunID          string   `json:"run_id"`
	CreatedAtUTC   string   `json:"created_at_utc"`
	Mode           string   `json:"mode"`
	LogDir         string   `json:"log_dir"`
	Epoch          int      `json:"epoch"`
	Steps          int      `json:"steps"`
	Seed           int64    `json:"seed"`
	FinalTrainLoss *float64 `json:"final_train_loss,omitempty"`
	FinalValLoss   *float64 `json:"final_val_loss,omitempty"`
	Checkpoints    int      `json:"checkpoints"`
}

type checkpointJSON struct {
	ID        string   `json:"id"`
	Epoch     int      `json:"epoch"`
	TrainLoss float64  `json:"train_loss"`
	ValLoss   *float64 `json:"val_loss,omitempty"`
	LR        float64  `json:"lr"`
	Path      string   `json:"path,omitempty"`
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
