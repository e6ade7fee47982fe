package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"mdexp/internal/model"
	"mdexp/internal/storage"
)

const (
	runIndexFile  = "run_index.json"
	runConfigFile = "config.json"
	ckptExt       = ".ckpt"
)

// RunIndexEntry summarizes one run in the run_index.json kept next to the
// run log directories.
type RunIndexEntry struct {
	RunID          string   `json:"run_id"`
	Mode           string   `json:"mode"`
	LogDir         string   `json:"log_dir"`
	Epoch          int      `json:"epoch"`
	Steps          int      `json:"steps"`
	Seed           int64    `json:"seed"`
	FinalTrainLoss *float64 `json:"final_train_loss,omitempty"`
	FinalValLoss   *float64 `json:"final_val_loss,omitempty"`
	Checkpoints    int      `json:"checkpoints"`
	CreatedAtUTC   string   `json:"created_at_utc"`
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	// The index is read newest first; store it oldest first.
	slices.Reverse(index)
	if i := slices.IndexFunc(index, func(e RunIndexEntry) bool { return e.RunID == entry.RunID }); i >= 0 {
		index[i] = entry
	} else {
		index = append(index, entry)
	}
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the indexed runs, newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	// Later appends win ties on the timestamp.
	slices.Reverse(entries)
	slices.SortStableFunc(entries, func(a, b RunIndexEntry) int {
		return strings.Compare(b.CreatedAtUTC, a.CreatedAtUTC)
	})
	return entries, nil
}

// WriteRunConfig stores the configuration document of a run as config.json
// in its log directory.
func WriteRunConfig(logDir string, doc map[string]any) error {
	if strings.TrimSpace(logDir) == "" {
		return fmt.Errorf("log dir is required")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(logDir, runConfigFile), doc)
}

func ReadRunConfig(logDir string) (map[string]any, bool, error) {
	data, err := os.ReadFile(filepath.Join(logDir, runConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// CheckpointFileName is epoch=N-train_loss=X.XXXX, followed by
// -val_loss=Y.YYYY when the checkpoint carries a validation loss.
func CheckpointFileName(ckpt model.Checkpoint) string {
	name := fmt.Sprintf("epoch=%d-train_loss=%.4f", ckpt.Epoch, ckpt.TrainLoss)
	if ckpt.ValLoss != nil {
		name += fmt.Sprintf("-val_loss=%.4f", *ckpt.ValLoss)
	}
	return name + ckptExt
}

func WriteCheckpoint(logDir string, ckpt model.Checkpoint) (string, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", err
	}
	data, err := storage.EncodeCheckpoint(ckpt)
	if err != nil {
		return "", err
	}
	path := filepath.Join(logDir, CheckpointFileName(ckpt))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func ReadCheckpoint(path string) (model.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Checkpoint{}, err
	}
	ckpt, err := storage.DecodeCheckpoint(data)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return ckpt, nil
}

// ListCheckpointFiles returns the .ckpt files of logDir ordered by epoch.
func ListCheckpointFiles(logDir string) ([]string, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type ckptFile struct {
		path  string
		epoch int
	}
	var files []ckptFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ckptExt {
			continue
		}
		var epoch int
		if _, err := fmt.Sscanf(entry.Name(), "epoch=%d-", &epoch); err != nil {
			continue
		}
		files = append(files, ckptFile{path: filepath.Join(logDir, entry.Name()), epoch: epoch})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].epoch < files[j].epoch })

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
