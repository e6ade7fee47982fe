package integrator

import (
	"fmt"

	"mdexp/internal/forces"
	"mdexp/internal/neighbor"
	"mdexp/internal/potential"
)

// PotentialEvaluator rebuilds the neighbour list for every configuration and
// extracts forces from the potential.
type PotentialEvaluator struct {
	Potential *potential.Potential
	Finder    *neighbor.Finder
	Extractor *forces.Extractor
}

func (e PotentialEvaluator) Evaluate(positions [][3]float64) (potential.Result, error) {
	list, err := e.Finder.Find(positions, e.Potential.Prior().Exclusions)
	if err != nil {
		return potential.Result{}, fmt.Errorf("neighbor list: %w", err)
	}
	return e.Extractor.Evaluate(e.Potential, positions, list)
}
