package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"golang.org/x/sync/errgroup"

	"mdexp/internal/config"
	"mdexp/internal/dataset"
	"mdexp/internal/forcefield"
	"mdexp/internal/forces"
	"mdexp/internal/integrator"
	"mdexp/internal/logging"
	"mdexp/internal/model"
	"mdexp/internal/neighbor"
	"mdexp/internal/nn"
	"mdexp/internal/potential"
	"mdexp/internal/simulation"
	"mdexp/internal/topology"
)

// Recorder receives the metric rows and checkpoints of a run.
type Recorder interface {
	AppendMetric(ctx context.Context, row model.MetricRow) error
	SaveCheckpoint(ctx context.Context, ckpt model.Checkpoint) error
}

type Options struct {
	Config     config.Config
	Dataset    *dataset.Dataset
	ForceField *forcefield.ForceField
	Store      *potential.ParamStore
	Recorder   Recorder
	RunID      string
	// StartEpoch resumes the epoch counter of a previous run.
	StartEpoch int
	Logger     logrus.FieldLogger
}

type Summary struct {
	RunID           string
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

// ShapeFromConfig is the network layout a configuration asks for.
func ShapeFromConfig(cfg config.Config) model.NetworkShape {
	return model.NetworkShape{
		NumTypes:           topology.NumEmbeddingTypes,
		EmbeddingDimension: cfg.EmbeddingDimension,
		HiddenChannels:     cfg.HiddenChannels,
		NumRBF:             cfg.NumRBF,
		Activation:         cfg.Activation,
		CutoffLower:        cfg.CutoffLower,
		CutoffUpper:        cfg.CutoffUpper,
	}
}

// InitParams restores parameters from ckpt, or draws them from the seed
// when ckpt is nil.
func InitParams(cfg config.Config, ckpt *model.Checkpoint) (*potential.Params, error) {
	shape := ShapeFromConfig(cfg)
	if ckpt == nil {
		return potential.NewParams(shape, rand.New(rand.NewSource(cfg.Seed)))
	}
	if ckpt.Shape != shape {
		return nil, fmt.Errorf("%w: checkpoint shape %+v does not match configured shape %+v", config.ErrConfiguration, ckpt.Shape, shape)
	}
	return potential.ParamsFromMap(shape, ckpt.Parameters)
}

// BuildPriors assigns masses and instantiates the prior of every entry.
func BuildPriors(cfg config.Config, ff *forcefield.ForceField, data *dataset.Dataset) ([]*potential.Prior, error) {
	priors := make([]*potential.Prior, len(data.Entries))
	for i, e := range data.Entries {
		if err := ff.AssignMasses(e.System); err != nil {
			return nil, err
		}
		prior, err := potential.BuildPrior(e.System, ff, potential.PriorOptions{
			ForceTerms:  cfg.ForceTerms,
			Exclusions:  cfg.Exclusions,
			CutoffUpper: cfg.CutoffUpper,
			SwitchDist:  cfg.SwitchDist,
		})
		if err != nil {
			return nil, err
		}
		priors[i] = prior
	}
	return priors, nil
}

// Trainer alternates loss evaluation and optimizer steps over the dataset.
type Trainer struct {
	cfg       config.Config
	data      *dataset.Dataset
	priors    []*potential.Prior
	store     *potential.ParamStore
	finder    *neighbor.Finder
	extractor *forces.Extractor
	rec       Recorder
	log       logrus.FieldLogger

	opt   *nn.AdamW
	sched nn.StepLR
	clip  *nn.GradNormQueue
	rng   *rand.Rand

	// units are dataset frames for force matching and entries for the
	// weighted ensemble; train and val index into them.
	frames []dataset.Frame
	train  []int
	val    []int
	keys   map[string]struct{}

	epoch      int
	level      int
	simSteps   int
	timestep   float64
	lrOverride float64
	initStates map[int][][3]float64
	seq        map[string]int
	summary    Summary
}

func New(opts Options) (*Trainer, error) {
	cfg := opts.Config
	if opts.Dataset == nil || opts.Dataset.Len() == 0 {
		return nil, dataset.ErrEmpty
	}
	if opts.ForceField == nil || opts.Store == nil || opts.Recorder == nil {
		return nil, fmt.Errorf("force field, parameter store and recorder are required")
	}
	if cfg.Loss == config.LossWeightedEnsemble && cfg.Temperature <= 0 {
		return nil, config.Invalid("temperature", cfg.Temperature, "must be > 0 for the %s loss", cfg.Loss)
	}
	priors, err := BuildPriors(cfg, opts.ForceField, opts.Dataset)
	if err != nil {
		return nil, err
	}
	finder, err := neighbor.NewFinder(cfg.CutoffLower, cfg.CutoffUpper)
	if err != nil {
		return nil, err
	}
	extractor, err := forces.NewExtractor(cfg.Derivative, cfg.FDStep)
	if err != nil {
		return nil, err
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	t := &Trainer{
		cfg:        cfg,
		data:       opts.Dataset,
		priors:     priors,
		store:      opts.Store,
		finder:     finder,
		extractor:  extractor,
		rec:        opts.Recorder,
		log:        logging.OrDiscard(opts.Logger).WithField("run_id", runID),
		opt:        nn.NewAdamW(cfg.WeightDecay),
		sched:      nn.StepLR{Base: cfg.LR, StepSize: cfg.LRStepSize, Gamma: cfg.LRGamma},
		clip:       nn.NewGradNormQueue(nn.DefaultGradNormHistory, cfg.MaxGradNorm),
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		keys:       make(map[string]struct{}, len(cfg.Keys)),
		epoch:      opts.StartEpoch,
		simSteps:   cfg.Steps,
		timestep:   cfg.Timestep,
		initStates: make(map[int][][3]float64),
		seq:        make(map[string]int),
		summary:    Summary{RunID: runID, Epoch: opts.StartEpoch, TrainLoss: math.NaN()},
	}
	for _, k := range cfg.Keys {
		t.keys[k] = struct{}{}
	}

	n := t.data.Len()
	if cfg.Loss == config.LossForceMatching {
		for _, f := range t.data.Frames() {
			if t.data.Entries[f.Entry].HasForces() {
				t.frames = append(t.frames, f)
			}
		}
		if len(t.frames) == 0 {
			return nil, fmt.Errorf("%w: force matching needs reference forces", dataset.ErrEmpty)
		}
		n = len(t.frames)
	}
	valSize := 0.0
	if cfg.ValFreq > 0 {
		valSize = cfg.ValSize
	}
	if t.train, t.val, err = dataset.Split(n, valSize, t.rng); err != nil {
		return nil, config.Invalid("val_size", cfg.ValSize, "%v", err)
	}
	return t, nil
}

func (t *Trainer) Epoch() int { return t.epoch }

func (t *Trainer) LR() float64 {
	if t.lrOverride > 0 {
		return t.lrOverride
	}
	return t.sched.At(t.epoch)
}

// SetLR pins the learning rate, overriding the schedule.
func (t *Trainer) SetLR(lr float64) error {
	if lr <= 0 {
		return fmt.Errorf("lr must be > 0")
	}
	t.lrOverride = lr
	return nil
}

// SetSteps changes the rollout length of the weighted ensemble loss.
func (t *Trainer) SetSteps(steps int) error {
	if steps < t.cfg.OutputPeriod {
		return fmt.Errorf("steps must be >= output_period (%d)", t.cfg.OutputPeriod)
	}
	t.simSteps = steps
	return nil
}

func (t *Trainer) SetTimestep(fs float64) error {
	if fs <= 0 {
		return fmt.Errorf("timestep must be > 0")
	}
	t.timestep = fs
	return nil
}

// SetInitState replaces the rollout starting positions of a dataset entry.
func (t *Trainer) SetInitState(entry int, positions [][3]float64) error {
	if entry < 0 || entry >= t.data.Len() {
		return fmt.Errorf("entry index %d out of range", entry)
	}
	if len(positions) != t.data.Entries[entry].System.Len() {
		return fmt.Errorf("position count %d does not match %d beads", len(positions), t.data.Entries[entry].System.Len())
	}
	t.initStates[entry] = append([][3]float64(nil), positions...)
	return nil
}

// LevelUp advances the curriculum level reported in the metrics.
func (t *Trainer) LevelUp() { t.level++ }

// Run trains for num_epochs epochs, continuing the epoch counter.
func (t *Trainer) Run(ctx context.Context) (Summary, error) {
	last := t.epoch + t.cfg.NumEpochs
	for t.epoch < last {
		if err := ctx.Err(); err != nil {
			return t.summary, err
		}
		if err := t.runEpoch(ctx, t.epoch+1 == last); err != nil {
			return t.summary, err
		}
	}
	return t.summary, nil
}

type batchResult struct {
	Loss     float64
	Metric   float64
	Diverged int
	LowNeff  int

	frozen *potential.Frozen
	acc    *potential.FilterGrad
}

func (t *Trainer) runEpoch(ctx context.Context, final bool) error {
	lr := t.LR()
	order := append([]int(nil), t.train...)
	dataset.Shuffle(order, t.rng)

	var losses, metrics []float64
	unstableCount, diverged, lowNeff := 0, 0, 0
	for b, batch := range dataset.Batches(order, t.cfg.BatchSize) {
		res, err := t.evaluate(ctx, batch, true)
		if err != nil {
			return err
		}
		diverged += res.Diverged
		lowNeff += res.LowNeff
		row := map[string]float64{
			"epoch":             float64(t.epoch + 1),
			"steps":             float64(t.simSteps),
			"lr":                lr,
			"level":             float64(t.level),
			"timestep":          t.timestep,
			"diverged_replicas": float64(res.Diverged),
			"low_neff":          float64(res.LowNeff),
		}
		if unstable(res.Loss, t.cfg.MaxLoss) {
			uerr := &UnstableBatchError{Epoch: t.epoch + 1, Batch: b, Loss: res.Loss, Limit: t.cfg.MaxLoss}
			unstableCount++
			t.summary.UnstableBatches++
			t.log.WithError(uerr).Warn("skipping update")
		} else {
			if err := t.apply(res, lr); err != nil {
				return err
			}
			losses = append(losses, res.Loss)
			metrics = append(metrics, res.Metric)
			row["train_loss"] = res.Loss
			row["train_avg_metric"] = res.Metric
		}
		row["unstable_batches"] = float64(t.summary.UnstableBatches)
		if err := t.emit(ctx, model.MetricKindStep, row); err != nil {
			return err
		}
	}

	t.epoch++
	t.summary.Epoch = t.epoch
	t.summary.Diverged += diverged
	t.summary.LowNeff += lowNeff
	row := map[string]float64{
		"epoch":             float64(t.epoch),
		"steps":             float64(t.simSteps),
		"lr":                lr,
		"level":             float64(t.level),
		"timestep":          t.timestep,
		"unstable_batches":  float64(unstableCount),
		"diverged_replicas": float64(diverged),
		"low_neff":          float64(lowNeff),
	}
	if len(losses) > 0 {
		t.summary.TrainLoss = stat.Mean(losses, nil)
		t.summary.TrainAvgMetric = stat.Mean(metrics, nil)
		row["train_loss"] = t.summary.TrainLoss
		row["train_avg_metric"] = t.summary.TrainAvgMetric
	}
	if t.cfg.ValFreq > 0 && t.epoch%t.cfg.ValFreq == 0 && len(t.val) > 0 {
		valLoss, valMetric, err := t.validate(ctx)
		if err != nil {
			return err
		}
		t.summary.ValLoss = &valLoss
		row["val_loss"] = valLoss
		row["val_avg_metric"] = valMetric
	}
	if err := t.emit(ctx, model.MetricKindEpoch, row); err != nil {
		return err
	}

	fields := logrus.Fields{"epoch": t.epoch, "train_loss": t.summary.TrainLoss, "lr": lr}
	if t.summary.ValLoss != nil {
		fields["val_loss"] = *t.summary.ValLoss
	}
	t.log.WithFields(fields).Info("epoch complete")

	if final || (t.cfg.SavePeriod > 0 && t.epoch%t.cfg.SavePeriod == 0) {
		return t.checkpoint(ctx, lr)
	}
	return nil
}

// emit records a row restricted to the declared keys. Non-finite values are
// left out, as if never measured.
func (t *Trainer) emit(ctx context.Context, kind string, values map[string]float64) error {
	row := model.MetricRow{RunID: t.summary.RunID, Kind: kind, Seq: t.seq[kind], Values: make(map[string]float64, len(t.keys))}
	for k, v := range values {
		if _, ok := t.keys[k]; ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			row.Values[k] = v
		}
	}
	t.seq[kind]++
	if err := t.rec.AppendMetric(ctx, row); err != nil {
		return fmt.Errorf("record %s row: %w", kind, err)
	}
	return nil
}

func (t *Trainer) checkpoint(ctx context.Context, lr float64) error {
	if math.IsNaN(t.summary.TrainLoss) {
		t.log.WithField("epoch", t.epoch).Warn("no stable batch yet, checkpoint skipped")
		return nil
	}
	ckpt := model.Checkpoint{
		ID:         uuid.NewString(),
		RunID:      t.summary.RunID,
		Epoch:      t.epoch,
		TrainLoss:  t.summary.TrainLoss,
		ValLoss:    t.summary.ValLoss,
		LR:         lr,
		Shape:      ShapeFromConfig(t.cfg),
		Parameters: t.store.Snapshot(),
	}
	if err := t.rec.SaveCheckpoint(ctx, ckpt); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	t.summary.Checkpoints++
	return nil
}

func (t *Trainer) apply(res batchResult, lr float64) error {
	grads := res.frozen.Backprop(res.acc)
	norm, threshold, clipped := t.clip.Clip(grads)
	if clipped {
		t.log.WithFields(logrus.Fields{"grad_norm": norm, "threshold": threshold}).Info("clipped gradient")
	}
	if err := t.store.Update(func(p *potential.Params) error {
		return t.opt.Step(p.Map(), grads, lr)
	}); err != nil {
		return fmt.Errorf("optimizer step: %w", err)
	}
	t.summary.Steps++
	return nil
}

func (t *Trainer) validate(ctx context.Context) (float64, float64, error) {
	var losses, metrics, weights []float64
	for _, batch := range dataset.Batches(t.val, t.cfg.BatchSize) {
		res, err := t.evaluate(ctx, batch, false)
		if err != nil {
			return 0, 0, err
		}
		losses = append(losses, res.Loss)
		metrics = append(metrics, res.Metric)
		weights = append(weights, float64(len(batch)))
	}
	return stat.Mean(losses, weights), stat.Mean(metrics, weights), nil
}

func (t *Trainer) evaluate(ctx context.Context, units []int, withGrad bool) (batchResult, error) {
	if t.cfg.Loss == config.LossWeightedEnsemble {
		return t.ensembleBatch(ctx, units, withGrad)
	}
	return t.forceMatchingBatch(ctx, units, withGrad)
}

func (t *Trainer) forceMatchingBatch(ctx context.Context, units []int, withGrad bool) (batchResult, error) {
	frozen, err := t.store.Freeze()
	if err != nil {
		return batchResult{}, err
	}
	workers := min(t.cfg.NumSimWorkers, len(units))
	type partial struct {
		loss, rmse float64
		acc        *potential.FilterGrad
	}
	parts := make([]partial, workers)
	scale := 1 / float64(len(units))

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		lo, hi := w*len(units)/workers, (w+1)*len(units)/workers
		g.Go(func() error {
			p := &parts[w]
			if withGrad {
				p.acc = frozen.NewFilterGrad()
			}
			for _, u := range units[lo:hi] {
				if err := gctx.Err(); err != nil {
					return err
				}
				loss, rmse, err := t.frameLoss(frozen, t.frames[u], scale, p.acc)
				if err != nil {
					return err
				}
				p.loss += loss * scale
				p.rmse += rmse * scale
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return batchResult{}, err
	}

	res := batchResult{frozen: frozen}
	if withGrad {
		res.acc = frozen.NewFilterGrad()
	}
	for _, p := range parts {
		res.Loss += p.loss
		res.Metric += p.rmse
		if withGrad {
			res.acc.Merge(p.acc)
		}
	}
	return res, nil
}

// frameLoss evaluates one reference frame and, with acc set, accumulates the
// gradient of scale·loss.
func (t *Trainer) frameLoss(frozen *potential.Frozen, f dataset.Frame, scale float64, acc *potential.FilterGrad) (float64, float64, error) {
	entry := t.data.Entries[f.Entry]
	prior := t.priors[f.Entry]
	positions := entry.Frames[f.Index]
	list, err := t.finder.Find(positions, prior.Exclusions)
	if err != nil {
		return 0, 0, fmt.Errorf("%s frame %d: %w", entry.Name, f.Index, err)
	}
	pot, err := potential.New(prior, frozen)
	if err != nil {
		return 0, 0, err
	}
	pred, err := t.extractor.Evaluate(pot, positions, list)
	if err != nil {
		return 0, 0, fmt.Errorf("%s frame %d: %w", entry.Name, f.Index, err)
	}
	loss, gForces, rmse := ForceLoss(pred.Forces, entry.Forces[f.Index], t.cfg.Margin)
	gEnergy := 0.0
	if t.cfg.EnergyWeight > 0 && entry.HasEnergies() {
		l, g := Hinge(pred.Energy-entry.Energies[f.Index], -1)
		loss += t.cfg.EnergyWeight * l
		gEnergy = t.cfg.EnergyWeight * g * scale
	}
	if acc != nil {
		for i := range gForces {
			for c := 0; c < 3; c++ {
				gForces[i][c] *= scale
			}
		}
		frozen.Accumulate(prior.System.Types, positions, list, gForces, gEnergy, acc)
	}
	return loss, rmse, nil
}

func (t *Trainer) initState(entry int) [][3]float64 {
	start, ok := t.initStates[entry]
	if !ok {
		start = t.data.Entries[entry].System.Native
	}
	return dataset.AddNoise(start, t.cfg.NoiseStd, t.rng)
}

// ensembleState is one sampled configuration of a molecule.
type ensembleState struct {
	positions [][3]float64
	list      neighbor.List
}

func (t *Trainer) ensembleBatch(ctx context.Context, units []int, withGrad bool) (batchResult, error) {
	mols := make([]simulation.Molecule, len(units))
	for k, e := range units {
		mols[k] = simulation.Molecule{Prior: t.priors[e]}
	}
	simCfg := simulation.FromConfig(t.cfg)
	simCfg.SimBatchSize = max(simCfg.SimBatchSize, len(units))
	simCfg.Integrator.Timestep = t.timestep
	simCfg.Integrator.Seed = t.rng.Int63()
	driver, err := simulation.New(simCfg, mols, t.store, t.finder, t.extractor, t.log)
	if err != nil {
		return batchResult{}, err
	}
	for k, e := range units {
		if err := driver.SetInitState(k, t.initState(e)); err != nil {
			return batchResult{}, err
		}
	}
	batch, err := driver.Rollout(ctx, t.simSteps, t.cfg.OutputPeriod)
	if err != nil {
		return batchResult{}, err
	}
	frozen, err := t.store.Freeze()
	if err != nil {
		return batchResult{}, err
	}

	kT := integrator.Boltzmann * t.cfg.Temperature
	res := batchResult{frozen: frozen, Diverged: batch.Diverged()}
	type molecule struct {
		types  []int
		states []ensembleState
		dU     []float64
	}
	sampled := make([]molecule, 0, len(units))
	var losses, allMetrics []float64
	for k, e := range units {
		sys := t.data.Entries[e].System
		prior := t.priors[e]
		var (
			states          []ensembleState
			metric, u, uHat []float64
		)
		for _, traj := range batch.Trajectories {
			if traj.Molecule != k {
				continue
			}
			for _, snap := range traj.Snapshots {
				list, err := t.finder.Find(snap.Positions, prior.Exclusions)
				if err != nil {
					return batchResult{}, err
				}
				rmsd, err := RMSD(snap.Positions, sys.Native)
				if err != nil {
					return batchResult{}, err
				}
				scratch := make([][3]float64, sys.Len())
				states = append(states, ensembleState{positions: snap.Positions, list: list})
				metric = append(metric, math.Min(rmsd, MaxMetric))
				u = append(u, frozen.Evaluate(sys.Types, snap.Positions, list, scratch))
				uHat = append(uHat, snap.Energy-snap.PriorEnergy)
			}
		}
		if len(states) == 0 {
			t.log.WithField("molecule", sys.Name).Warn("no sampled states")
			continue
		}
		loss, dU, w := EnsembleLoss(metric, u, uHat, kT)
		if neff := EffectiveFraction(w); neff < t.cfg.Neff {
			res.LowNeff++
			t.log.WithFields(logrus.Fields{"molecule": sys.Name, "neff": neff}).Warn("low effective sample size")
		}
		losses = append(losses, loss)
		allMetrics = append(allMetrics, metric...)
		sampled = append(sampled, molecule{types: sys.Types, states: states, dU: dU})
	}
	if len(sampled) == 0 {
		res.Loss = math.NaN()
		res.Metric = math.NaN()
		return res, nil
	}
	res.Loss = stat.Mean(losses, nil)
	res.Metric = stat.Mean(allMetrics, nil)
	if withGrad {
		res.acc = frozen.NewFilterGrad()
		scale := 1 / float64(len(sampled))
		for _, m := range sampled {
			for s, st := range m.states {
				frozen.Accumulate(m.types, st.positions, st.list, nil, m.dU[s]*scale, res.acc)
			}
		}
	}
	return res, nil
}
