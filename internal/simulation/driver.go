package simulation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mdexp/internal/config"
	"mdexp/internal/forces"
	"mdexp/internal/integrator"
	"mdexp/internal/logging"
	"mdexp/internal/neighbor"
	"mdexp/internal/potential"
)

// Molecule is one system simulated by the driver. Replicas of the same
// molecule share its prior and masses.
type Molecule struct {
	Prior *potential.Prior
}

func (m Molecule) name() string { return m.Prior.System.Name }

type Config struct {
	SimBatchSize int
	NumWorkers   int
	// LocalWorker runs partition 0 on the calling goroutine.
	LocalWorker bool
	MaxRestarts int
	// Integrator is the template for every replica; its seed is offset by
	// the replica index.
	Integrator integrator.Config
}

// FromConfig maps the run configuration onto the driver settings.
func FromConfig(cfg config.Config) Config {
	return Config{
		SimBatchSize: cfg.SimBatchSize,
		NumWorkers:   cfg.NumSimWorkers,
		LocalWorker:  cfg.LocalWorker,
		MaxRestarts:  cfg.MaxRestarts,
		Integrator: integrator.Config{
			Timestep:            cfg.Timestep,
			Temperature:         cfg.Temperature,
			LangevinTemperature: cfg.BathTemperature(),
			LangevinGamma:       cfg.LangevinGamma,
			EnergyBound:         cfg.EnergyBound(),
			Seed:                cfg.Seed,
		},
	}
}

func (c Config) Validate() error {
	if c.SimBatchSize <= 0 {
		return fmt.Errorf("sim_batch_size must be > 0")
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("num_sim_workers must be > 0")
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts must be >= 0")
	}
	return c.Integrator.Validate()
}

// Snapshot is one recorded configuration of a replica.
type Snapshot struct {
	Step        int
	Positions   [][3]float64
	Velocities  [][3]float64
	Forces      [][3]float64
	Energy      float64
	PriorEnergy float64
}

// Trajectory is the recorded history of one replica slot.
type Trajectory struct {
	Replica   int
	Molecule  int
	Snapshots []Snapshot
	// Diverged counts divergence events, Restarts the reinitializations
	// that followed them.
	Diverged int
	Restarts int
	Retired  bool
}

// Batch is the result of one rollout, ordered by replica index.
type Batch struct {
	Trajectories []Trajectory
	// Version is the parameter store version the rollout ran under.
	Version int
}

func (b Batch) Diverged() int {
	n := 0
	for _, t := range b.Trajectories {
		n += t.Diverged
	}
	return n
}

func (b Batch) Retired() int {
	n := 0
	for _, t := range b.Trajectories {
		if t.Retired {
			n++
		}
	}
	return n
}

// Snapshots counts recorded snapshots across replicas.
func (b Batch) Snapshots() int {
	n := 0
	for _, t := range b.Trajectories {
		n += len(t.Snapshots)
	}
	return n
}

// Driver runs a batch of independent replicas against the current learned
// parameters.
type Driver struct {
	cfg       Config
	molecules []Molecule
	store     *potential.ParamStore
	finder    *neighbor.Finder
	extractor *forces.Extractor
	log       logrus.FieldLogger

	mu   sync.Mutex
	init map[int][][3]float64
}

func New(cfg Config, molecules []Molecule, store *potential.ParamStore, finder *neighbor.Finder, extractor *forces.Extractor, log logrus.FieldLogger) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(molecules) == 0 {
		return nil, fmt.Errorf("at least one molecule is required")
	}
	for i, m := range molecules {
		if m.Prior == nil || m.Prior.System == nil {
			return nil, fmt.Errorf("molecule %d has no prior", i)
		}
		if len(m.Prior.System.Masses) != m.Prior.System.Len() {
			return nil, fmt.Errorf("molecule %s has no masses", m.name())
		}
	}
	if store == nil || finder == nil || extractor == nil {
		return nil, fmt.Errorf("parameter store, neighbor finder and force extractor are required")
	}
	return &Driver{
		cfg:       cfg,
		molecules: molecules,
		store:     store,
		finder:    finder,
		extractor: extractor,
		log:       logging.OrDiscard(log),
		init:      make(map[int][][3]float64),
	}, nil
}

func (d *Driver) Molecules() []Molecule { return d.molecules }

// MoleculeOf returns the molecule index simulated by replica.
func (d *Driver) MoleculeOf(replica int) int { return replica % len(d.molecules) }

// SetInitState replaces the starting positions of every replica of molecule.
func (d *Driver) SetInitState(molecule int, positions [][3]float64) error {
	if molecule < 0 || molecule >= len(d.molecules) {
		return fmt.Errorf("molecule index %d out of range", molecule)
	}
	if len(positions) != d.molecules[molecule].Prior.System.Len() {
		return fmt.Errorf("position count %d does not match %d beads", len(positions), d.molecules[molecule].Prior.System.Len())
	}
	d.mu.Lock()
	d.init[molecule] = append([][3]float64(nil), positions...)
	d.mu.Unlock()
	return nil
}

// SetTimestep changes the timestep (fs) of subsequent rollouts.
func (d *Driver) SetTimestep(fs float64) error {
	if fs <= 0 {
		return fmt.Errorf("timestep must be > 0")
	}
	d.mu.Lock()
	d.cfg.Integrator.Timestep = fs
	d.mu.Unlock()
	return nil
}

func (d *Driver) Timestep() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Integrator.Timestep
}

func (d *Driver) startPositions(molecule int) [][3]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pos, ok := d.init[molecule]; ok {
		return append([][3]float64(nil), pos...)
	}
	return d.molecules[molecule].Prior.System.CopyNative()
}

// Rollout advances every replica by steps, recording a snapshot every
// outputPeriod steps. The parameter store read lock is held throughout.
func (d *Driver) Rollout(ctx context.Context, steps, outputPeriod int) (Batch, error) {
	if steps < 0 {
		return Batch{}, fmt.Errorf("steps must be >= 0")
	}
	if outputPeriod <= 0 {
		return Batch{}, fmt.Errorf("output_period must be > 0")
	}
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	var batch Batch
	err := d.store.View(func(p *potential.Params, version int) error {
		batch.Version = version
		frozen, err := p.Freeze()
		if err != nil {
			return err
		}
		pots := make([]*potential.Potential, len(d.molecules))
		for i, m := range d.molecules {
			if pots[i], err = potential.New(m.Prior, frozen); err != nil {
				return err
			}
		}
		batch.Trajectories = make([]Trajectory, cfg.SimBatchSize)
		runPartition := func(ctx context.Context, worker, lo, hi int) error {
			for r := lo; r < hi; r++ {
				traj, err := d.runReplica(ctx, cfg, pots, worker, r, steps, outputPeriod)
				if err != nil {
					return fmt.Errorf("replica %d: %w", r, err)
				}
				batch.Trajectories[r] = traj
			}
			return nil
		}

		workers := cfg.NumWorkers
		if workers > cfg.SimBatchSize {
			workers = cfg.SimBatchSize
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		first := 0
		if cfg.LocalWorker {
			first = 1
		}
		for w := first; w < workers; w++ {
			w := w
			lo, hi := partition(cfg.SimBatchSize, workers, w)
			g.Go(func() error { return runPartition(gctx, w, lo, hi) })
		}
		if cfg.LocalWorker {
			lo, hi := partition(cfg.SimBatchSize, workers, 0)
			if err := runPartition(gctx, 0, lo, hi); err != nil {
				cancel()
				_ = g.Wait()
				return err
			}
		}
		return g.Wait()
	})
	if err != nil {
		return Batch{}, err
	}
	return batch, nil
}

// partition returns the contiguous replica range [lo, hi) of worker w.
func partition(n, workers, w int) (int, int) {
	return w * n / workers, (w + 1) * n / workers
}

func (d *Driver) runReplica(ctx context.Context, cfg Config, pots []*potential.Potential, worker, replica, steps, outputPeriod int) (Trajectory, error) {
	mol := d.MoleculeOf(replica)
	pot := pots[mol]
	log := d.log.WithFields(logrus.Fields{"replica": replica, "worker": worker, "molecule": d.molecules[mol].name()})
	traj := Trajectory{Replica: replica, Molecule: mol, Snapshots: make([]Snapshot, 0, steps/outputPeriod)}

	icfg := cfg.Integrator
	icfg.Seed = cfg.Integrator.Seed + int64(replica)
	icfg.MaxSteps = 0
	eval := integrator.PotentialEvaluator{Potential: pot, Finder: d.finder, Extractor: d.extractor}
	start := d.startPositions(mol)

	it, err := integrator.New(icfg, pot.System().Masses, eval, start, nil, log)
	for err != nil {
		if !errors.Is(err, integrator.ErrDiverged) {
			return traj, err
		}
		traj.Diverged++
		if traj.Restarts >= cfg.MaxRestarts {
			traj.Retired = true
			log.WithField("restarts", traj.Restarts).Warn("replica retired at initialization")
			return traj, nil
		}
		traj.Restarts++
		icfg.Seed += int64(cfg.SimBatchSize)
		it, err = integrator.New(icfg, pot.System().Masses, eval, start, nil, log)
	}

	for it.CurrentStep() < steps {
		err := it.Step(ctx)
		if err == nil {
			if it.CurrentStep()%outputPeriod == 0 {
				traj.Snapshots = append(traj.Snapshots, snapshot(it.State()))
			}
			continue
		}
		if !errors.Is(err, integrator.ErrDiverged) {
			return traj, err
		}
		traj.Diverged++
		for {
			if traj.Restarts >= cfg.MaxRestarts {
				traj.Retired = true
				log.WithFields(logrus.Fields{"step": it.CurrentStep(), "restarts": traj.Restarts}).Warn("replica retired")
				return traj, nil
			}
			traj.Restarts++
			log.WithFields(logrus.Fields{"step": it.CurrentStep(), "restarts": traj.Restarts}).Info("replica restarted")
			rerr := it.Reset(start)
			if rerr == nil {
				break
			}
			if !errors.Is(rerr, integrator.ErrDiverged) {
				return traj, rerr
			}
			traj.Diverged++
		}
	}
	return traj, nil
}

func snapshot(s integrator.State) Snapshot {
	return Snapshot{
		Step:        s.Step,
		Positions:   s.Positions,
		Velocities:  s.Velocities,
		Forces:      s.Forces,
		Energy:      s.Energy,
		PriorEnergy: s.PriorEnergy,
	}
}
