package topology

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	chem "github.com/rmera/gochem"
)

var (
	ErrNoBeads        = errors.New("no coarse-grained beads found")
	ErrUnknownResidue = errors.New("unknown residue")
	ErrFormat         = errors.New("unsupported structure format")
)

// Bead is one coarse-grained particle as read from a structure file.
type Bead struct {
	Name    string
	Residue string
	Chain   string
	ResID   int
}

// System is the fixed description of one molecule: bead identities, the
// bonded topology of its chains and its native coordinates. It is shared
// read-only by every replica of the molecule.
type System struct {
	Name      string
	Beads     []Bead
	Types     []int
	AtomTypes []string
	Masses    []float64
	Bonds     [][2]int
	Angles    [][3]int
	Dihedrals [][4]int
	Native    [][3]float64
}

func (s *System) Len() int { return len(s.Beads) }

// Load reads a PDB, GRO or XYZ file and keeps its CA and CB atoms.
func Load(path string) (*System, error) {
	var (
		mol *chem.Molecule
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdb":
		mol, err = chem.PDBFileRead(path, false)
	case ".gro":
		mol, err = chem.GroFileRead(path)
	case ".xyz":
		mol, err = chem.XYZFileRead(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read structure %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return FromMolecule(name, mol)
}

// FromMolecule extracts the bead system from the first frame of mol.
func FromMolecule(name string, mol *chem.Molecule) (*System, error) {
	if mol == nil || len(mol.Coords) == 0 {
		return nil, fmt.Errorf("%w: %s has no coordinates", ErrNoBeads, name)
	}
	frame := mol.Coords[0]
	beads := make([]Bead, 0, mol.Len())
	coords := make([][3]float64, 0, mol.Len())
	for i := 0; i < mol.Len(); i++ {
		at := mol.Atom(i)
		atomName := strings.TrimSpace(at.Name)
		if atomName != "CA" && atomName != "CB" {
			continue
		}
		beads = append(beads, Bead{
			Name:    atomName,
			Residue: strings.ToUpper(strings.TrimSpace(at.Molname)),
			Chain:   strings.TrimSpace(at.Chain),
			ResID:   at.MolID,
		})
		coords = append(coords, [3]float64{frame.At(i, 0), frame.At(i, 1), frame.At(i, 2)})
	}
	return Build(name, beads, coords)
}

// Build assembles a system from beads and their coordinates. Consecutive CA
// beads of one chain are bonded; each CB is bonded to the CA of its residue.
// Angles and dihedrals run along the CA trace.
func Build(name string, beads []Bead, coords [][3]float64) (*System, error) {
	if len(beads) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoBeads, name)
	}
	if len(beads) != len(coords) {
		return nil, fmt.Errorf("bead/coordinate count mismatch: beads=%d coords=%d", len(beads), len(coords))
	}
	sys := &System{
		Name:      name,
		Beads:     append([]Bead(nil), beads...),
		Types:     make([]int, len(beads)),
		AtomTypes: make([]string, len(beads)),
		Masses:    make([]float64, len(beads)),
		Native:    append([][3]float64(nil), coords...),
	}
	for i, b := range beads {
		id, err := EmbeddingID(b.Name, b.Residue)
		if err != nil {
			return nil, fmt.Errorf("%s bead %d: %w", name, i, err)
		}
		sys.Types[i] = id
		sys.AtomTypes[i] = AtomType(b.Name, b.Residue)
	}

	trace := make([]int, 0, len(beads))
	caByResidue := make(map[string]int)
	for i, b := range beads {
		if b.Name != "CA" {
			continue
		}
		caByResidue[residueKey(b)] = i
		if n := len(trace); n > 0 && beads[trace[n-1]].Chain != b.Chain {
			sys.addTrace(trace)
			trace = trace[:0]
		}
		trace = append(trace, i)
	}
	sys.addTrace(trace)

	for i, b := range beads {
		if b.Name != "CB" {
			continue
		}
		if ca, ok := caByResidue[residueKey(b)]; ok {
			sys.Bonds = append(sys.Bonds, ordered2(ca, i))
		}
	}
	return sys, nil
}

func (s *System) addTrace(trace []int) {
	for k := 0; k+1 < len(trace); k++ {
		s.Bonds = append(s.Bonds, ordered2(trace[k], trace[k+1]))
	}
	for k := 0; k+2 < len(trace); k++ {
		s.Angles = append(s.Angles, [3]int{trace[k], trace[k+1], trace[k+2]})
	}
	for k := 0; k+3 < len(trace); k++ {
		s.Dihedrals = append(s.Dihedrals, [4]int{trace[k], trace[k+1], trace[k+2], trace[k+3]})
	}
}

func residueKey(b Bead) string {
	return fmt.Sprintf("%s/%d", b.Chain, b.ResID)
}

func ordered2(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

// ExcludedPairs returns the i<j pairs separated by the named topology class:
// bonds (1-2), angles (1-3) or dihedrals (1-4).
func (s *System) ExcludedPairs(class string) ([][2]int, error) {
	switch class {
	case "bonds":
		return append([][2]int(nil), s.Bonds...), nil
	case "angles":
		out := make([][2]int, 0, len(s.Angles))
		for _, a := range s.Angles {
			out = append(out, ordered2(a[0], a[2]))
		}
		return out, nil
	case "dihedrals":
		out := make([][2]int, 0, len(s.Dihedrals))
		for _, d := range s.Dihedrals {
			out = append(out, ordered2(d[0], d[3]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported exclusion class: %s", class)
	}
}

// CopyNative returns a fresh copy of the native coordinates.
func (s *System) CopyNative() [][3]float64 {
	return append([][3]float64(nil), s.Native...)
}
