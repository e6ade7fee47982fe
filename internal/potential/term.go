package potential

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"mdexp/internal/forcefield"
	"mdexp/internal/neighbor"
	"mdexp/internal/topology"
)

var (
	ErrTermExists   = errors.New("force term already registered")
	ErrTermNotFound = errors.New("force term not found")
)

// Term is one additive contribution to the potential energy of a molecule.
// Evaluate returns the energy and adds -dE/dx into forces.
type Term interface {
	Name() string
	Evaluate(positions [][3]float64, list neighbor.List, forces [][3]float64) float64
}

// BuildContext carries what a term factory may need to bind parameters to a
// molecule.
type BuildContext struct {
	System      *topology.System
	ForceField  *forcefield.ForceField
	CutoffUpper float64
	SwitchDist  float64
}

type TermFactory func(ctx BuildContext) (Term, error)

var termRegistry = struct {
	mu sync.RWMutex
	m  map[string]TermFactory
}{
	m: make(map[string]TermFactory),
}

func init() {
	initializeBuiltInTerms()
}

func initializeBuiltInTerms() {
	MustRegisterTerm("zero", func(BuildContext) (Term, error) { return zeroTerm{}, nil })
	MustRegisterTerm("bonds", newBondTerm)
	MustRegisterTerm("angles", newAngleTerm)
	MustRegisterTerm("dihedrals", newDihedralTerm)
	MustRegisterTerm("repulsioncg", newRepulsionTerm)
}

func RegisterTerm(name string, factory TermFactory) error {
	if name == "" {
		return errors.New("force term name is required")
	}
	if factory == nil {
		return errors.New("force term factory is required")
	}
	termRegistry.mu.Lock()
	defer termRegistry.mu.Unlock()
	if _, exists := termRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrTermExists, name)
	}
	termRegistry.m[name] = factory
	return nil
}

func MustRegisterTerm(name string, factory TermFactory) {
	if err := RegisterTerm(name, factory); err != nil {
		panic(err)
	}
}

func GetTerm(name string) (TermFactory, error) {
	termRegistry.mu.RLock()
	factory, ok := termRegistry.m[name]
	termRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTermNotFound, name)
	}
	return factory, nil
}

func ListTerms() []string {
	termRegistry.mu.RLock()
	defer termRegistry.mu.RUnlock()
	names := make([]string, 0, len(termRegistry.m))
	for name := range termRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetTermRegistryForTests() {
	termRegistry.mu.Lock()
	termRegistry.m = make(map[string]TermFactory)
	termRegistry.mu.Unlock()
	initializeBuiltInTerms()
}

type zeroTerm struct{}

func (zeroTerm) Name() string { return "zero" }

func (zeroTerm) Evaluate([][3]float64, neighbor.List, [][3]float64) float64 { return 0 }

func vec(p [3]float64) r3.Vec {
	return r3.Vec{X: p[0], Y: p[1], Z: p[2]}
}

func addForce(forces [][3]float64, i int, f r3.Vec) {
	forces[i][0] += f.X
	forces[i][1] += f.Y
	forces[i][2] += f.Z
}
