package mdexp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mdexp/internal/config"
	"mdexp/internal/dataset"
	"mdexp/internal/forcefield"
	"mdexp/internal/forces"
	"mdexp/internal/logging"
	"mdexp/internal/model"
	"mdexp/internal/neighbor"
	"mdexp/internal/potential"
	"mdexp/internal/simulation"
	"mdexp/internal/stats"
	"mdexp/internal/storage"
	"mdexp/internal/training"
)

const (
	defaultRunsDir = "runs"
	defaultDBPath  = "mdexp.db"
)

type Options struct {
	StoreKind string
	DBPath    string
	// RunsDir holds run_index.json when a request names no directory.
	RunsDir string
	Logger  logrus.FieldLogger
}

type Client struct {
	store       storage.Store
	initialized bool
	runsDir     string
	log         logrus.FieldLogger
	now         func() time.Time
}

// TrainRequest selects the configuration of a training run. Config wins
// over ConfigPath when both are set.
type TrainRequest struct {
	ConfigPath string
	Config     *config.Config
	RunID      string
}

type TrainSummary struct {
	RunID           string
	LogDir          string
	Epoch           int
	Steps           int
	TrainLoss       float64
	TrainAvgMetric  float64
	ValLoss         *float64
	UnstableBatches int
	Diverged        int
	LowNeff         int
	Checkpoints     int
}

type SimulateRequest struct {
	ConfigPath string
	Config     *config.Config
	// Checkpoint is a .ckpt file; empty falls back to load_model, then to
	// freshly seeded parameters.
	Checkpoint   string
	Steps        int
	OutputPeriod int
	Replicas     int
	// TrajectoryDir receives one XYZ file per replica when set.
	TrajectoryDir string
}

type ReplicaItem struct {
	Replica     int
	Molecule    string
	Snapshots   int
	Diverged    int
	Restarts    int
	Retired     bool
	FinalEnergy float64
	Trajectory  string
}

type SimulateSummary struct {
	Replicas  []ReplicaItem
	Snapshots int
	Diverged  int
	Retired   int
}

type RunsRequest struct {
	Dir   string
	Limit int
}

type RunItem struct {
	RunID          string
	CreatedAtUTC   string
	Mode           string
	LogDir         string
	Epoch          int
	Steps          int
	Seed           int64
	FinalTrainLoss *float64
	FinalValLoss   *float64
	Checkpoints    int
}

// MetricsRequest names a run by id or asks for the latest run of Dir.
// Kind is step or epoch; empty means epoch.
type MetricsRequest struct {
	RunID  string
	Latest bool
	Dir    string
	Kind   string
	Limit  int
}

type MetricsResult struct {
	RunID  string
	Kind   string
	Rows   []model.MetricRow
	Series []stats.Series
}

type CheckpointsRequest struct {
	RunID  string
	Latest bool
	Dir    string
}

type CheckpointItem struct {
	ID        string
	Epoch     int
	TrainLoss float64
	ValLoss   *float64
	LR        float64
	Path      string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:   store,
		runsDir: runsDir,
		log:     logging.OrDiscard(opts.Logger),
		now:     time.Now,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// ValidateConfig loads and validates a configuration document and checks it
// against the host resources.
func ValidateConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.CheckResources(config.HostResources()); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	cfg, err := resolveConfig(req.ConfigPath, req.Config)
	if err != nil {
		return TrainSummary{}, err
	}
	if cfg.Dataset == "" {
		return TrainSummary{}, config.Invalid("dataset", cfg.Dataset, "is required for training")
	}
	ff, err := forcefield.Load(cfg.Forcefield)
	if err != nil {
		return TrainSummary{}, err
	}
	data, err := dataset.Load(cfg.Dataset)
	if err != nil {
		return TrainSummary{}, err
	}

	runID := req.RunID
	startEpoch := 0
	resume := cfg.LoadModel != ""
	var ckpt *model.Checkpoint
	if resume {
		loaded, err := stats.ReadCheckpoint(cfg.LoadModel)
		if err != nil {
			return TrainSummary{}, err
		}
		ckpt = &loaded
		if startEpoch, err = stats.LastEpoch(cfg.LogDir); err != nil {
			return TrainSummary{}, err
		}
		if runID == "" {
			runID = loaded.RunID
		}
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	params, err := training.InitParams(cfg, ckpt)
	if err != nil {
		return TrainSummary{}, err
	}

	if err := c.Init(ctx); err != nil {
		return TrainSummary{}, err
	}
	monitor, err := stats.OpenMonitor(cfg.LogDir, cfg.Keys, resume)
	if err != nil {
		return TrainSummary{}, err
	}
	defer monitor.Close()
	if err := stats.WriteRunConfig(cfg.LogDir, cfg.Document()); err != nil {
		return TrainSummary{}, err
	}

	run := model.Run{
		ID:           runID,
		Mode:         cfg.Loss,
		LogDir:       cfg.LogDir,
		Epochs:       startEpoch + cfg.NumEpochs,
		Seed:         cfg.Seed,
		CreatedAtUTC: c.now().UTC().Format(time.RFC3339),
	}
	if existing, ok, err := c.store.GetRun(ctx, runID); err != nil {
		return TrainSummary{}, err
	} else if ok {
		run.CreatedAtUTC = existing.CreatedAtUTC
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return TrainSummary{}, err
	}

	log := c.log.WithFields(logrus.Fields{"run_id": runID, "loss": cfg.Loss})
	log.WithFields(logrus.Fields{"entries": data.Len(), "start_epoch": startEpoch, "resume": resume}).Info("training started")
	trainer, err := training.New(training.Options{
		Config:     cfg,
		Dataset:    data,
		ForceField: ff,
		Store:      potential.NewParamStore(params),
		Recorder:   training.Recorders{c.store, monitor},
		RunID:      runID,
		StartEpoch: startEpoch,
		Logger:     c.log,
	})
	if err != nil {
		return TrainSummary{}, err
	}
	summary, err := trainer.Run(ctx)
	if err != nil {
		return TrainSummary{}, err
	}
	if err := monitor.Close(); err != nil {
		return TrainSummary{}, err
	}

	entry := stats.RunIndexEntry{
		RunID:          runID,
		Mode:           cfg.Loss,
		LogDir:         cfg.LogDir,
		Epoch:          summary.Epoch,
		Steps:          summary.Steps,
		Seed:           cfg.Seed,
		FinalTrainLoss: finitePtr(summary.TrainLoss),
		FinalValLoss:   summary.ValLoss,
		Checkpoints:    summary.Checkpoints,
		CreatedAtUTC:   run.CreatedAtUTC,
	}
	if err := stats.AppendRunIndex(filepath.Dir(filepath.Clean(cfg.LogDir)), entry); err != nil {
		return TrainSummary{}, err
	}
	log.WithFields(logrus.Fields{"epoch": summary.Epoch, "steps": summary.Steps, "train_loss": summary.TrainLoss}).Info("training finished")

	return TrainSummary{
		RunID:           runID,
		LogDir:          cfg.LogDir,
		Epoch:           summary.Epoch,
		Steps:           summary.Steps,
		TrainLoss:       summary.TrainLoss,
		TrainAvgMetric:  summary.TrainAvgMetric,
		ValLoss:         summary.ValLoss,
		UnstableBatches: summary.UnstableBatches,
		Diverged:        summary.Diverged,
		LowNeff:         summary.LowNeff,
		Checkpoints:     summary.Checkpoints,
	}, nil
}

// Simulate rolls out every dataset molecule under the learned potential
// without training.
func (c *Client) Simulate(ctx context.Context, req SimulateRequest) (SimulateSummary, error) {
	cfg, err := resolveConfig(req.ConfigPath, req.Config)
	if err != nil {
		return SimulateSummary{}, err
	}
	if cfg.Dataset == "" {
		return SimulateSummary{}, config.Invalid("dataset", cfg.Dataset, "is required for simulation")
	}
	steps, period := req.Steps, req.OutputPeriod
	if steps == 0 {
		steps = cfg.Steps
	}
	if period == 0 {
		period = cfg.OutputPeriod
	}
	if steps < 0 || period <= 0 || steps < period {
		return SimulateSummary{}, fmt.Errorf("steps must be >= output period > 0: steps=%d output_period=%d", steps, period)
	}

	ff, err := forcefield.Load(cfg.Forcefield)
	if err != nil {
		return SimulateSummary{}, err
	}
	data, err := dataset.Load(cfg.Dataset)
	if err != nil {
		return SimulateSummary{}, err
	}
	priors, err := training.BuildPriors(cfg, ff, data)
	if err != nil {
		return SimulateSummary{}, err
	}

	ckptPath := req.Checkpoint
	if ckptPath == "" {
		ckptPath = cfg.LoadModel
	}
	var ckpt *model.Checkpoint
	if ckptPath != "" {
		loaded, err := stats.ReadCheckpoint(ckptPath)
		if err != nil {
			return SimulateSummary{}, err
		}
		ckpt = &loaded
	}
	params, err := training.InitParams(cfg, ckpt)
	if err != nil {
		return SimulateSummary{}, err
	}
	finder, err := neighbor.NewFinder(cfg.CutoffLower, cfg.CutoffUpper)
	if err != nil {
		return SimulateSummary{}, err
	}
	extractor, err := forces.NewExtractor(cfg.Derivative, cfg.FDStep)
	if err != nil {
		return SimulateSummary{}, err
	}

	simCfg := simulation.FromConfig(cfg)
	if req.Replicas > 0 {
		simCfg.SimBatchSize = req.Replicas
	}
	simCfg.SimBatchSize = max(simCfg.SimBatchSize, len(priors))
	mols := make([]simulation.Molecule, len(priors))
	for i, p := range priors {
		mols[i] = simulation.Molecule{Prior: p}
	}
	driver, err := simulation.New(simCfg, mols, potential.NewParamStore(params), finder, extractor, c.log)
	if err != nil {
		return SimulateSummary{}, err
	}
	batch, err := driver.Rollout(ctx, steps, period)
	if err != nil {
		return SimulateSummary{}, err
	}

	out := SimulateSummary{Snapshots: batch.Snapshots(), Diverged: batch.Diverged(), Retired: batch.Retired()}
	for _, traj := range batch.Trajectories {
		sys := data.Entries[traj.Molecule].System
		item := ReplicaItem{
			Replica:     traj.Replica,
			Molecule:    sys.Name,
			Snapshots:   len(traj.Snapshots),
			Diverged:    traj.Diverged,
			Restarts:    traj.Restarts,
			Retired:     traj.Retired,
			FinalEnergy: math.NaN(),
		}
		if n := len(traj.Snapshots); n > 0 {
			item.FinalEnergy = traj.Snapshots[n-1].Energy
		}
		if req.TrajectoryDir != "" && len(traj.Snapshots) > 0 {
			path, err := writeTrajectory(req.TrajectoryDir, traj, data)
			if err != nil {
				return SimulateSummary{}, err
			}
			item.Trajectory = path
		}
		out.Replicas = append(out.Replicas, item)
	}
	return out, nil
}

func writeTrajectory(dir string, traj simulation.Trajectory, data *dataset.Dataset) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	sys := data.Entries[traj.Molecule].System
	path := filepath.Join(dir, fmt.Sprintf("replica-%03d-%s.xyz", traj.Replica, sys.Name))
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	frames := make([][][3]float64, len(traj.Snapshots))
	for i, snap := range traj.Snapshots {
		frames[i] = snap.Positions
	}
	if err := sys.WriteXYZ(file, frames); err != nil {
		return "", err
	}
	return path, file.Sync()
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.dir(req.Dir))
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:          e.RunID,
			CreatedAtUTC:   e.CreatedAtUTC,
			Mode:           e.Mode,
			LogDir:         e.LogDir,
			Epoch:          e.Epoch,
			Steps:          e.Steps,
			Seed:           e.Seed,
			FinalTrainLoss: e.FinalTrainLoss,
			FinalValLoss:   e.FinalValLoss,
			Checkpoints:    e.Checkpoints,
		})
	}
	return out, nil
}

// Metrics returns the metric rows of a run from the store, falling back to
// the monitor files of its log directory.
func (c *Client) Metrics(ctx context.Context, req MetricsRequest) (MetricsResult, error) {
	if req.Limit < 0 {
		return MetricsResult{}, errors.New("limit must be >= 0")
	}
	kind := req.Kind
	if kind == "" {
		kind = model.MetricKindEpoch
	}
	if kind != model.MetricKindEpoch && kind != model.MetricKindStep {
		return MetricsResult{}, fmt.Errorf("unsupported metric kind: %s", kind)
	}
	entry, err := c.resolveRun(req.RunID, req.Latest, req.Dir)
	if err != nil {
		return MetricsResult{}, err
	}

	if err := c.Init(ctx); err != nil {
		return MetricsResult{}, err
	}
	rows, err := c.store.ListMetrics(ctx, entry.RunID, kind)
	if err != nil {
		return MetricsResult{}, err
	}
	if len(rows) == 0 && entry.LogDir != "" {
		if rows, err = stats.ReadMonitor(entry.LogDir, kind); err != nil {
			return MetricsResult{}, err
		}
	}
	if len(rows) == 0 {
		return MetricsResult{}, fmt.Errorf("metrics not found for run id: %s", entry.RunID)
	}
	series := stats.Summarize(rows)
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[len(rows)-req.Limit:]
	}
	return MetricsResult{RunID: entry.RunID, Kind: kind, Rows: rows, Series: series}, nil
}

// Checkpoints lists the checkpoints of a run, from the store or from the
// .ckpt files of its log directory.
func (c *Client) Checkpoints(ctx context.Context, req CheckpointsRequest) ([]CheckpointItem, error) {
	entry, err := c.resolveRun(req.RunID, req.Latest, req.Dir)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	ckpts, err := c.store.ListCheckpoints(ctx, entry.RunID)
	if err != nil {
		return nil, err
	}

	out := make([]CheckpointItem, 0, len(ckpts))
	for _, ckpt := range ckpts {
		item := checkpointItem(ckpt)
		if entry.LogDir != "" {
			item.Path = filepath.Join(entry.LogDir, stats.CheckpointFileName(ckpt))
		}
		out = append(out, item)
	}
	if len(out) > 0 || entry.LogDir == "" {
		return out, nil
	}

	files, err := stats.ListCheckpointFiles(entry.LogDir)
	if err != nil {
		return nil, err
	}
	for _, path := range files {
		ckpt, err := stats.ReadCheckpoint(path)
		if err != nil {
			return nil, err
		}
		item := checkpointItem(ckpt)
		item.Path = path
		out = append(out, item)
	}
	return out, nil
}

func checkpointItem(ckpt model.Checkpoint) CheckpointItem {
	return CheckpointItem{
		ID:        ckpt.ID,
		Epoch:     ckpt.Epoch,
		TrainLoss: ckpt.TrainLoss,
		ValLoss:   ckpt.ValLoss,
		LR:        ckpt.LR,
	}
}

// resolveRun finds the index entry of a run. A run id that is not indexed
// is still returned so the store can be queried for it.
func (c *Client) resolveRun(runID string, latest bool, dir string) (stats.RunIndexEntry, error) {
	if runID != "" && latest {
		return stats.RunIndexEntry{}, errors.New("use either run id or latest")
	}
	entries, err := stats.ListRunIndex(c.dir(dir))
	if err != nil {
		return stats.RunIndexEntry{}, err
	}
	if latest {
		if len(entries) == 0 {
			return stats.RunIndexEntry{}, errors.New("no runs available")
		}
		return entries[0], nil
	}
	if runID == "" {
		return stats.RunIndexEntry{}, errors.New("run id or latest is required")
	}
	for _, e := range entries {
		if e.RunID == runID {
			return e, nil
		}
	}
	return stats.RunIndexEntry{RunID: runID}, nil
}

func (c *Client) dir(dir string) string {
	if dir != "" {
		return dir
	}
	return c.runsDir
}

func resolveConfig(path string, cfg *config.Config) (config.Config, error) {
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
		if err := cfg.CheckResources(config.HostResources()); err != nil {
			return config.Config{}, err
		}
		return *cfg, nil
	}
	if path == "" {
		return config.Config{}, errors.New("config path is required")
	}
	return ValidateConfig(path)
}

func finitePtr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
