package integrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"mdexp/internal/logging"
	"mdexp/internal/potential"
)

const (
	// Boltzmann is k_B in kcal/(mol·K).
	Boltzmann = 0.001987191
	// TimeFactor converts fs to the internal time unit of kcal/mol, Å, amu.
	TimeFactor = 48.88821
	// PicosecondInTimeUnits is one ps in internal time units.
	PicosecondInTimeUnits = 1000.0 / TimeFactor
)

var (
	ErrTerminated = errors.New("integrator terminated")
	ErrDiverged   = errors.New("simulation diverged")
)

// DivergenceError reports the step at which the state became invalid.
type DivergenceError struct {
	Step   int
	Reason string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("%v at step %d: %s", ErrDiverged, e.Step, e.Reason)
}

func (e *DivergenceError) Unwrap() error { return ErrDiverged }

type Status int

const (
	StatusInitialized Status = iota
	StatusRunning
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusRunning:
		return "running"
	case StatusTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Evaluator computes energy and forces for a configuration.
type Evaluator interface {
	Evaluate(positions [][3]float64) (potential.Result, error)
}

type Config struct {
	// Timestep in fs.
	Timestep            float64
	Temperature         float64
	LangevinTemperature float64
	// LangevinGamma in ps⁻¹; zero gives plain velocity Verlet.
	LangevinGamma float64
	// MaxSteps terminates the integrator after that many steps; zero means
	// no limit.
	MaxSteps    int
	EnergyBound float64
	Seed        int64
}

func (c Config) Validate() error {
	if c.Timestep <= 0 {
		return fmt.Errorf("timestep must be > 0")
	}
	if c.Temperature < 0 || c.LangevinTemperature < 0 {
		return fmt.Errorf("temperature must be >= 0")
	}
	if c.LangevinGamma < 0 {
		return fmt.Errorf("langevin_gamma must be >= 0")
	}
	if c.MaxSteps < 0 {
		return fmt.Errorf("max steps must be >= 0")
	}
	return nil
}

// State is one committed configuration.
type State struct {
	Step        int
	Positions   [][3]float64
	Velocities  [][3]float64
	Forces      [][3]float64
	Energy      float64
	PriorEnergy float64
}

func (s State) Clone() State {
	return State{
		Step:        s.Step,
		Positions:   append([][3]float64(nil), s.Positions...),
		Velocities:  append([][3]float64(nil), s.Velocities...),
		Forces:      append([][3]float64(nil), s.Forces...),
		Energy:      s.Energy,
		PriorEnergy: s.PriorEnergy,
	}
}

// Integrator advances one replica with Langevin velocity Verlet.
type Integrator struct {
	cfg    Config
	masses []float64
	eval   Evaluator
	rng    *rand.Rand
	log    logrus.FieldLogger

	dt    float64
	gamma float64

	state State

	mu     sync.Mutex
	status Status
}

// New builds an integrator at positions. Nil velocities are drawn from the
// Maxwell-Boltzmann distribution at cfg.Temperature.
func New(cfg Config, masses []float64, eval Evaluator, positions, velocities [][3]float64, log logrus.FieldLogger) (*Integrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if eval == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if len(masses) != len(positions) {
		return nil, fmt.Errorf("mass count %d does not match %d atoms", len(masses), len(positions))
	}
	for i, m := range masses {
		if !(m > 0) {
			return nil, fmt.Errorf("mass of atom %d must be > 0", i)
		}
	}
	if velocities != nil && len(velocities) != len(positions) {
		return nil, fmt.Errorf("velocity count %d does not match %d atoms", len(velocities), len(positions))
	}
	it := &Integrator{
		cfg:    cfg,
		masses: append([]float64(nil), masses...),
		eval:   eval,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		log:    logging.OrDiscard(log),
		dt:     cfg.Timestep / TimeFactor,
		gamma:  cfg.LangevinGamma / PicosecondInTimeUnits,
	}
	if err := it.reset(positions, velocities, 0); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *Integrator) reset(positions, velocities [][3]float64, step int) error {
	pos := append([][3]float64(nil), positions...)
	var vel [][3]float64
	if velocities != nil {
		vel = append([][3]float64(nil), velocities...)
	} else {
		vel = MaxwellBoltzmann(it.rng, it.masses, it.cfg.Temperature)
	}
	res, err := it.eval.Evaluate(pos)
	if err != nil {
		return err
	}
	if reason := it.invalid(pos, vel, res); reason != "" {
		return &DivergenceError{Step: step, Reason: reason}
	}
	it.state = State{
		Step:        step,
		Positions:   pos,
		Velocities:  vel,
		Forces:      res.Forces,
		Energy:      res.Energy,
		PriorEnergy: res.PriorEnergy,
	}
	it.mu.Lock()
	it.status = StatusInitialized
	it.mu.Unlock()
	return nil
}

// Reset reinitializes the replica in place at positions with velocities
// resampled from the Maxwell-Boltzmann distribution. The step counter is
// kept.
func (it *Integrator) Reset(positions [][3]float64) error {
	if len(positions) != len(it.masses) {
		return fmt.Errorf("position count %d does not match %d atoms", len(positions), len(it.masses))
	}
	return it.reset(positions, nil, it.state.Step)
}

// MaxwellBoltzmann draws velocities with per-component standard deviation
// sqrt(kB·T/m).
func MaxwellBoltzmann(rng *rand.Rand, masses []float64, temperature float64) [][3]float64 {
	vel := make([][3]float64, len(masses))
	for i, m := range masses {
		scale := math.Sqrt(Boltzmann * temperature / m)
		for c := 0; c < 3; c++ {
			vel[i][c] = scale * rng.NormFloat64()
		}
	}
	return vel
}

func (it *Integrator) Status() Status {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.status
}

// Stop terminates the integrator; further steps return ErrTerminated.
func (it *Integrator) Stop() {
	it.mu.Lock()
	it.status = StatusTerminated
	it.mu.Unlock()
}

// State returns a copy of the committed state.
func (it *Integrator) State() State {
	return it.state.Clone()
}

// CurrentStep is the number of committed steps.
func (it *Integrator) CurrentStep() int { return it.state.Step }

// SetTimestep changes the timestep (fs) for subsequent steps.
func (it *Integrator) SetTimestep(fs float64) error {
	if fs <= 0 {
		return fmt.Errorf("timestep must be > 0")
	}
	it.cfg.Timestep = fs
	it.dt = fs / TimeFactor
	return nil
}

// Step advances one timestep. A diverged step is not committed.
func (it *Integrator) Step(ctx context.Context) error {
	it.mu.Lock()
	if it.status == StatusTerminated {
		it.mu.Unlock()
		return ErrTerminated
	}
	if err := ctx.Err(); err != nil {
		it.status = StatusTerminated
		it.mu.Unlock()
		return err
	}
	it.status = StatusRunning
	it.mu.Unlock()

	n := len(it.masses)
	dt := it.dt
	pos := make([][3]float64, n)
	vel := make([][3]float64, n)
	for i := 0; i < n; i++ {
		inv := 1 / it.masses[i]
		for c := 0; c < 3; c++ {
			a := it.state.Forces[i][c] * inv
			pos[i][c] = it.state.Positions[i][c] + it.state.Velocities[i][c]*dt + 0.5*a*dt*dt
			vel[i][c] = it.state.Velocities[i][c] + 0.5*dt*a
		}
	}

	next := it.state.Step + 1
	if reason := nonFinite(pos); reason != "" {
		return it.diverged(next, reason)
	}
	res, err := it.eval.Evaluate(pos)
	if err != nil {
		return it.diverged(next, err.Error())
	}

	if it.gamma > 0 {
		for i := 0; i < n; i++ {
			coeff := math.Sqrt(2 * it.gamma / it.masses[i] * Boltzmann * it.cfg.LangevinTemperature * dt)
			for c := 0; c < 3; c++ {
				vel[i][c] += -it.gamma*vel[i][c]*dt + coeff*it.rng.NormFloat64()
			}
		}
	}
	for i := 0; i < n; i++ {
		inv := 1 / it.masses[i]
		for c := 0; c < 3; c++ {
			vel[i][c] += 0.5 * dt * res.Forces[i][c] * inv
		}
	}

	if reason := it.invalid(pos, vel, res); reason != "" {
		return it.diverged(next, reason)
	}
	it.state = State{
		Step:        next,
		Positions:   pos,
		Velocities:  vel,
		Forces:      res.Forces,
		Energy:      res.Energy,
		PriorEnergy: res.PriorEnergy,
	}
	if it.cfg.MaxSteps > 0 && next >= it.cfg.MaxSteps {
		it.Stop()
	}
	return nil
}

// Run advances up to n steps, stopping at the first error.
func (it *Integrator) Run(ctx context.Context, n int) error {
	for k := 0; k < n; k++ {
		if err := it.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (it *Integrator) diverged(step int, reason string) error {
	it.log.WithFields(logrus.Fields{"step": step, "reason": reason}).Debug("replica diverged")
	return &DivergenceError{Step: step, Reason: reason}
}

func (it *Integrator) invalid(pos, vel [][3]float64, res potential.Result) string {
	if reason := nonFinite(pos); reason != "" {
		return reason
	}
	if reason := nonFinite(vel); reason != "" {
		return "velocity " + reason
	}
	if reason := nonFinite(res.Forces); reason != "" {
		return "force " + reason
	}
	if math.IsNaN(res.Energy) || math.IsInf(res.Energy, 0) {
		return "non-finite energy"
	}
	if it.cfg.EnergyBound > 0 && math.Abs(res.Energy) > it.cfg.EnergyBound {
		return fmt.Sprintf("energy %g exceeds bound %g", res.Energy, it.cfg.EnergyBound)
	}
	return ""
}

func nonFinite(xs [][3]float64) string {
	for i, x := range xs {
		for c := 0; c < 3; c++ {
			if math.IsNaN(x[c]) || math.IsInf(x[c], 0) {
				return fmt.Sprintf("non-finite value at atom %d", i)
			}
		}
	}
	return ""
}

// KineticEnergy is Σ ½ m v² in kcal/mol.
func KineticEnergy(masses []float64, velocities [][3]float64) float64 {
	ek := 0.0
	for i, v := range velocities {
		ek += 0.5 * masses[i] * (v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	}
	return ek
}

// Temperature is the instantaneous temperature 2·Ek / (3·N·kB).
func Temperature(masses []float64, velocities [][3]float64) float64 {
	if len(masses) == 0 {
		return 0
	}
	return 2 * KineticEnergy(masses, velocities) / (3 * float64(len(masses)) * Boltzmann)
}

func (it *Integrator) KineticEnergy() float64 {
	return KineticEnergy(it.masses, it.state.Velocities)
}

func (it *Integrator) Temperature() float64 {
	return Temperature(it.masses, it.state.Velocities)
}
