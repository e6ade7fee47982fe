package potential

import (
	"fmt"

	"mdexp/internal/forcefield"
	"mdexp/internal/neighbor"
	"mdexp/internal/topology"
)

// NeuralTermName keys the learned contribution in Result.Terms.
const NeuralTermName = "neural"

// PriorOptions selects the prior terms and their shared settings.
type PriorOptions struct {
	ForceTerms  []string
	Exclusions  []string
	CutoffUpper float64
	SwitchDist  float64
}

// Prior is the fixed-parameter part of the potential of one molecule.
type Prior struct {
	System     *topology.System
	Terms      []Term
	Exclusions neighbor.ExclusionSet
}

// BuildPrior instantiates each configured term from the registry for sys.
func BuildPrior(sys *topology.System, ff *forcefield.ForceField, opts PriorOptions) (*Prior, error) {
	ctx := BuildContext{System: sys, ForceField: ff, CutoffUpper: opts.CutoffUpper, SwitchDist: opts.SwitchDist}
	prior := &Prior{System: sys, Exclusions: make(neighbor.ExclusionSet)}
	for _, name := range opts.ForceTerms {
		factory, err := GetTerm(name)
		if err != nil {
			return nil, err
		}
		term, err := factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s term %s: %w", sys.Name, name, err)
		}
		prior.Terms = append(prior.Terms, term)
	}
	for _, class := range opts.Exclusions {
		pairs, err := sys.ExcludedPairs(class)
		if err != nil {
			return nil, err
		}
		for _, p := range pairs {
			prior.Exclusions.Add(p[0], p[1])
		}
	}
	return prior, nil
}

// Evaluate sums the prior terms only.
func (p *Prior) Evaluate(positions [][3]float64, list neighbor.List, forces [][3]float64, terms map[string]float64) float64 {
	total := 0.0
	for _, t := range p.Terms {
		e := t.Evaluate(positions, list, forces)
		if terms != nil {
			terms[t.Name()] += e
		}
		total += e
	}
	return total
}

// Result is the energy and forces of one configuration.
type Result struct {
	Energy      float64
	PriorEnergy float64
	Terms       map[string]float64
	Forces      [][3]float64
}

// Potential combines a molecule's prior with a frozen learned term.
type Potential struct {
	prior  *Prior
	neural *Frozen
}

func New(prior *Prior, neural *Frozen) (*Potential, error) {
	if prior == nil || prior.System == nil {
		return nil, fmt.Errorf("prior is required")
	}
	if neural != nil {
		for i, t := range prior.System.Types {
			if t < 0 || t >= neural.NumTypes() {
				return nil, fmt.Errorf("%s bead %d: type %d outside embedding table of %d", prior.System.Name, i, t, neural.NumTypes())
			}
		}
	}
	return &Potential{prior: prior, neural: neural}, nil
}

func (p *Potential) System() *topology.System { return p.prior.System }

func (p *Potential) Prior() *Prior { return p.prior }

func (p *Potential) Neural() *Frozen { return p.neural }

// Evaluate returns total energy, the per-term breakdown and analytic forces.
func (p *Potential) Evaluate(positions [][3]float64, list neighbor.List) (Result, error) {
	if len(positions) != p.prior.System.Len() {
		return Result{}, fmt.Errorf("position count %d does not match %d beads", len(positions), p.prior.System.Len())
	}
	res := Result{
		Terms:  make(map[string]float64, len(p.prior.Terms)+1),
		Forces: make([][3]float64, len(positions)),
	}
	res.PriorEnergy = p.prior.Evaluate(positions, list, res.Forces, res.Terms)
	res.Energy = res.PriorEnergy
	if p.neural != nil {
		e := p.neural.Evaluate(p.prior.System.Types, positions, list, res.Forces)
		res.Terms[NeuralTermName] = e
		res.Energy += e
	}
	return res, nil
}

// Energy evaluates the total energy alone.
func (p *Potential) Energy(positions [][3]float64, list neighbor.List) (float64, error) {
	res, err := p.Evaluate(positions, list)
	if err != nil {
		return 0, err
	}
	return res.Energy, nil
}

// NeuralEnergy evaluates only the learned contribution.
func (p *Potential) NeuralEnergy(positions [][3]float64, list neighbor.List) float64 {
	if p.neural == nil {
		return 0
	}
	scratch := make([][3]float64, len(positions))
	return p.neural.Evaluate(p.prior.System.Types, positions, list, scratch)
}
