package forcefield

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"mdexp/internal/topology"
)

// Wildcard matches any atom type in a parameter key.
const Wildcard = "*"

var ErrMissingParameter = errors.New("missing force-field parameter")

type BondParams struct {
	K0  float64 `yaml:"k0"`
	Req float64 `yaml:"req"`
}

// AngleParams carries theta0 in degrees as written; Theta0Rad is filled on load.
type AngleParams struct {
	K0        float64 `yaml:"k0"`
	Theta0    float64 `yaml:"theta0"`
	Theta0Rad float64 `yaml:"-"`
}

type DihedralTerm struct {
	K        float64 `yaml:"phi_k"`
	Per      float64 `yaml:"per"`
	Phase    float64 `yaml:"phase"`
	PhaseRad float64 `yaml:"-"`
}

type DihedralParams struct {
	Terms []DihedralTerm `yaml:"terms"`
}

type RepulsionParams struct {
	Epsilon float64 `yaml:"epsilon"`
	Sigma   float64 `yaml:"sigma"`
}

type document struct {
	Masses      map[string]float64         `yaml:"masses"`
	Bonds       map[string]BondParams      `yaml:"bonds"`
	Angles      map[string]AngleParams     `yaml:"angles"`
	Dihedrals   map[string]DihedralParams  `yaml:"dihedrals"`
	RepulsionCG map[string]RepulsionParams `yaml:"repulsioncg"`
}

type entry[T any] struct {
	key       string
	parts     []string
	wildcards int
	params    T
}

// ForceField holds prior parameters keyed by atom type tuples. Keys are
// dash-joined type names; "*" stands for any type.
type ForceField struct {
	masses      []entry[float64]
	bonds       []entry[BondParams]
	angles      []entry[AngleParams]
	dihedrals   []entry[DihedralParams]
	repulsionCG []entry[RepulsionParams]
}

func Load(path string) (*ForceField, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ff, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("force field %s: %w", path, err)
	}
	return ff, nil
}

func Parse(data []byte) (*ForceField, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	for key, a := range doc.Angles {
		a.Theta0Rad = a.Theta0 * math.Pi / 180
		doc.Angles[key] = a
	}
	for key, d := range doc.Dihedrals {
		for i := range d.Terms {
			d.Terms[i].PhaseRad = d.Terms[i].Phase * math.Pi / 180
		}
		doc.Dihedrals[key] = d
	}

	ff := &ForceField{}
	var err error
	if ff.masses, err = buildEntries(doc.Masses, 1); err != nil {
		return nil, fmt.Errorf("masses: %w", err)
	}
	if ff.bonds, err = buildEntries(doc.Bonds, 2); err != nil {
		return nil, fmt.Errorf("bonds: %w", err)
	}
	if ff.angles, err = buildEntries(doc.Angles, 3); err != nil {
		return nil, fmt.Errorf("angles: %w", err)
	}
	if ff.dihedrals, err = buildEntries(doc.Dihedrals, 4); err != nil {
		return nil, fmt.Errorf("dihedrals: %w", err)
	}
	if ff.repulsionCG, err = buildEntries(doc.RepulsionCG, 1); err != nil {
		return nil, fmt.Errorf("repulsioncg: %w", err)
	}
	for _, m := range ff.masses {
		if m.params <= 0 {
			return nil, fmt.Errorf("masses: %s must be > 0", m.key)
		}
	}
	for _, r := range ff.repulsionCG {
		if r.params.Epsilon < 0 || r.params.Sigma < 0 {
			return nil, fmt.Errorf("repulsioncg: %s epsilon and sigma must be >= 0", r.key)
		}
	}
	return ff, nil
}

func buildEntries[T any](raw map[string]T, arity int) ([]entry[T], error) {
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]entry[T], 0, len(keys))
	for _, key := range keys {
		parts := strings.Split(key, "-")
		if len(parts) != arity {
			return nil, fmt.Errorf("key %q must name %d atom types", key, arity)
		}
		wild := 0
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
			if parts[i] == "" {
				return nil, fmt.Errorf("key %q has an empty atom type", key)
			}
			if parts[i] == Wildcard {
				wild++
			}
		}
		out = append(out, entry[T]{key: key, parts: parts, wildcards: wild, params: raw[key]})
	}
	return out, nil
}

// lookup finds the most specific entry matching types in either direction.
func lookup[T any](entries []entry[T], types ...string) (T, bool) {
	var zero T
	best := -1
	for i, e := range entries {
		if !matches(e.parts, types, false) && !matches(e.parts, types, true) {
			continue
		}
		if best < 0 || e.wildcards < entries[best].wildcards {
			best = i
		}
	}
	if best < 0 {
		return zero, false
	}
	return entries[best].params, true
}

func matches(parts, types []string, reversed bool) bool {
	n := len(types)
	for i := range parts {
		t := types[i]
		if reversed {
			t = types[n-1-i]
		}
		if parts[i] != Wildcard && parts[i] != t {
			return false
		}
	}
	return true
}

func missing(section string, types ...string) error {
	return fmt.Errorf("%w: %s %s", ErrMissingParameter, section, strings.Join(types, "-"))
}

func (f *ForceField) Mass(t string) (float64, error) {
	m, ok := lookup(f.masses, t)
	if !ok {
		return 0, missing("masses", t)
	}
	return m, nil
}

func (f *ForceField) Bond(a, b string) (BondParams, error) {
	p, ok := lookup(f.bonds, a, b)
	if !ok {
		return BondParams{}, missing("bonds", a, b)
	}
	return p, nil
}

func (f *ForceField) Angle(a, b, c string) (AngleParams, error) {
	p, ok := lookup(f.angles, a, b, c)
	if !ok {
		return AngleParams{}, missing("angles", a, b, c)
	}
	return p, nil
}

func (f *ForceField) Dihedral(a, b, c, d string) (DihedralParams, error) {
	p, ok := lookup(f.dihedrals, a, b, c, d)
	if !ok {
		return DihedralParams{}, missing("dihedrals", a, b, c, d)
	}
	return p, nil
}

func (f *ForceField) Repulsion(t string) (RepulsionParams, error) {
	p, ok := lookup(f.repulsionCG, t)
	if !ok {
		return RepulsionParams{}, missing("repulsioncg", t)
	}
	return p, nil
}

// AssignMasses fills sys.Masses from the masses section.
func (f *ForceField) AssignMasses(sys *topology.System) error {
	for i, t := range sys.AtomTypes {
		m, err := f.Mass(t)
		if err != nil {
			return fmt.Errorf("%s bead %d: %w", sys.Name, i, err)
		}
		sys.Masses[i] = m
	}
	return nil
}
