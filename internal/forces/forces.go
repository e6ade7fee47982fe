package forces

import (
	"errors"
	"fmt"
	"math"

	"mdexp/internal/neighbor"
	"mdexp/internal/potential"
)

// DefaultFDStep is the central-difference displacement in Å.
const DefaultFDStep = 1e-5

var ErrMomentum = errors.New("net force exceeds tolerance")

// Extractor produces per-atom forces from a potential, either from the
// analytic gradient or by central finite differences of the energy.
type Extractor struct {
	Analytic bool
	FDStep   float64
}

func NewExtractor(analytic bool, fdStep float64) (*Extractor, error) {
	if !analytic && fdStep <= 0 {
		return nil, fmt.Errorf("fd_step must be > 0")
	}
	if fdStep <= 0 {
		fdStep = DefaultFDStep
	}
	return &Extractor{Analytic: analytic, FDStep: fdStep}, nil
}

// Forces returns forces and total energy for one configuration.
func (e *Extractor) Forces(pot *potential.Potential, positions [][3]float64, list neighbor.List) ([][3]float64, float64, error) {
	res, err := e.Evaluate(pot, positions, list)
	if err != nil {
		return nil, 0, err
	}
	return res.Forces, res.Energy, nil
}

// Evaluate is Forces with the full energy breakdown.
func (e *Extractor) Evaluate(pot *potential.Potential, positions [][3]float64, list neighbor.List) (potential.Result, error) {
	res, err := pot.Evaluate(positions, list)
	if err != nil {
		return potential.Result{}, err
	}
	if e.Analytic {
		return res, nil
	}
	work := make([][3]float64, len(positions))
	copy(work, positions)
	h := e.FDStep
	for i := range work {
		for c := 0; c < 3; c++ {
			orig := work[i][c]
			work[i][c] = orig + h
			up, err := pot.Energy(work, list)
			if err != nil {
				return potential.Result{}, err
			}
			work[i][c] = orig - h
			down, err := pot.Energy(work, list)
			if err != nil {
				return potential.Result{}, err
			}
			work[i][c] = orig
			res.Forces[i][c] = -(up - down) / (2 * h)
		}
	}
	return res, nil
}

// NetForce sums the per-atom forces.
func NetForce(forces [][3]float64) [3]float64 {
	var net [3]float64
	for _, f := range forces {
		net[0] += f[0]
		net[1] += f[1]
		net[2] += f[2]
	}
	return net
}

// CheckMomentum fails when any component of the net force exceeds tol.
func CheckMomentum(forces [][3]float64, tol float64) error {
	net := NetForce(forces)
	for c, v := range net {
		if math.IsNaN(v) || math.Abs(v) > tol {
			return fmt.Errorf("%w: component %d = %g (tol %g)", ErrMomentum, c, v, tol)
		}
	}
	return nil
}
