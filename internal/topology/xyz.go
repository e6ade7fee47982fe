package topology

import (
	"fmt"
	"io"

	chem "github.com/rmera/gochem"
	v3 "github.com/rmera/gochem/v3"
)

// beadAtoms exposes the beads of a system as gochem atoms.
type beadAtoms struct {
	atoms []*chem.Atom
}

func (b beadAtoms) Atom(i int) *chem.Atom { return b.atoms[i] }
func (b beadAtoms) Len() int              { return len(b.atoms) }

func (s *System) atomer() beadAtoms {
	atoms := make([]*chem.Atom, len(s.Beads))
	for i, b := range s.Beads {
		atoms[i] = &chem.Atom{
			Name:    b.Name,
			ID:      i + 1,
			Molname: b.Residue,
			MolID:   b.ResID,
			Chain:   b.Chain,
			Symbol:  "C",
			Mass:    s.Masses[i],
		}
	}
	return beadAtoms{atoms: atoms}
}

// WriteXYZ appends one XYZ frame per entry of frames to w. The result reads
// back as a trajectory.
func (s *System) WriteXYZ(w io.Writer, frames [][][3]float64) error {
	mol := s.atomer()
	coords := v3.Zeros(s.Len())
	for k, frame := range frames {
		if len(frame) != s.Len() {
			return fmt.Errorf("frame %d has %d positions, system %s has %d beads", k, len(frame), s.Name, s.Len())
		}
		for i, p := range frame {
			coords.Set(i, 0, p[0])
			coords.Set(i, 1, p[1])
			coords.Set(i, 2, p[2])
		}
		if err := chem.XYZWrite(w, coords, mol); err != nil {
			return fmt.Errorf("write frame %d of %s: %w", k, s.Name, err)
		}
	}
	return nil
}
