package potential

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"mdexp/internal/forcefield"
	"mdexp/internal/neighbor"
)

// minSin keeps angle gradients finite for collinear triplets.
const minSin = 1e-8

type bond struct {
	i, j int
	p    forcefield.BondParams
}

type bondTerm struct {
	bonds []bond
}

func newBondTerm(ctx BuildContext) (Term, error) {
	if ctx.ForceField == nil {
		return nil, fmt.Errorf("bonds: force field is required")
	}
	sys := ctx.System
	t := &bondTerm{bonds: make([]bond, 0, len(sys.Bonds))}
	for _, b := range sys.Bonds {
		p, err := ctx.ForceField.Bond(sys.AtomTypes[b[0]], sys.AtomTypes[b[1]])
		if err != nil {
			return nil, err
		}
		t.bonds = append(t.bonds, bond{i: b[0], j: b[1], p: p})
	}
	return t, nil
}

func (t *bondTerm) Name() string { return "bonds" }

func (t *bondTerm) Evaluate(positions [][3]float64, _ neighbor.List, forces [][3]float64) float64 {
	energy := 0.0
	for _, b := range t.bonds {
		d := r3.Sub(vec(positions[b.i]), vec(positions[b.j]))
		r := r3.Norm(d)
		dr := r - b.p.Req
		energy += b.p.K0 * dr * dr
		if r == 0 {
			continue
		}
		f := r3.Scale(-2*b.p.K0*dr/r, d)
		addForce(forces, b.i, f)
		addForce(forces, b.j, r3.Scale(-1, f))
	}
	return energy
}

type angle struct {
	i, j, k int
	p       forcefield.AngleParams
}

type angleTerm struct {
	angles []angle
}

func newAngleTerm(ctx BuildContext) (Term, error) {
	if ctx.ForceField == nil {
		return nil, fmt.Errorf("angles: force field is required")
	}
	sys := ctx.System
	t := &angleTerm{angles: make([]angle, 0, len(sys.Angles))}
	for _, a := range sys.Angles {
		p, err := ctx.ForceField.Angle(sys.AtomTypes[a[0]], sys.AtomTypes[a[1]], sys.AtomTypes[a[2]])
		if err != nil {
			return nil, err
		}
		t.angles = append(t.angles, angle{i: a[0], j: a[1], k: a[2], p: p})
	}
	return t, nil
}

func (t *angleTerm) Name() string { return "angles" }

// Evaluate uses theta between a = xi - xj and b = xk - xj, with
// dθ/da = (cosθ â - b̂)/(|a| sinθ) and the symmetric form for b.
func (t *angleTerm) Evaluate(positions [][3]float64, _ neighbor.List, forces [][3]float64) float64 {
	energy := 0.0
	for _, an := range t.angles {
		a := r3.Sub(vec(positions[an.i]), vec(positions[an.j]))
		b := r3.Sub(vec(positions[an.k]), vec(positions[an.j]))
		na, nb := r3.Norm(a), r3.Norm(b)
		if na == 0 || nb == 0 {
			continue
		}
		ua, ub := r3.Scale(1/na, a), r3.Scale(1/nb, b)
		cos := math.Max(-1, math.Min(1, r3.Dot(ua, ub)))
		theta := math.Acos(cos)
		dt := theta - an.p.Theta0Rad
		energy += an.p.K0 * dt * dt

		sin := math.Max(math.Sqrt(1-cos*cos), minSin)
		dEdTheta := 2 * an.p.K0 * dt
		dA := r3.Scale(1/(na*sin), r3.Sub(r3.Scale(cos, ua), ub))
		dB := r3.Scale(1/(nb*sin), r3.Sub(r3.Scale(cos, ub), ua))
		fi := r3.Scale(-dEdTheta, dA)
		fk := r3.Scale(-dEdTheta, dB)
		addForce(forces, an.i, fi)
		addForce(forces, an.k, fk)
		addForce(forces, an.j, r3.Scale(-1, r3.Add(fi, fk)))
	}
	return energy
}

type dihedral struct {
	i, j, k, l int
	p          forcefield.DihedralParams
}

type dihedralTerm struct {
	dihedrals []dihedral
}

func newDihedralTerm(ctx BuildContext) (Term, error) {
	if ctx.ForceField == nil {
		return nil, fmt.Errorf("dihedrals: force field is required")
	}
	sys := ctx.System
	t := &dihedralTerm{dihedrals: make([]dihedral, 0, len(sys.Dihedrals))}
	for _, d := range sys.Dihedrals {
		p, err := ctx.ForceField.Dihedral(sys.AtomTypes[d[0]], sys.AtomTypes[d[1]], sys.AtomTypes[d[2]], sys.AtomTypes[d[3]])
		if err != nil {
			return nil, err
		}
		t.dihedrals = append(t.dihedrals, dihedral{i: d[0], j: d[1], k: d[2], l: d[3], p: p})
	}
	return t, nil
}

func (t *dihedralTerm) Name() string { return "dihedrals" }

// Evaluate follows Blondel and Karplus: F = xi - xj, G = xj - xk,
// H = xl - xk, A = F×G, B = H×G.
func (t *dihedralTerm) Evaluate(positions [][3]float64, _ neighbor.List, forces [][3]float64) float64 {
	energy := 0.0
	for _, dh := range t.dihedrals {
		xi, xj := vec(positions[dh.i]), vec(positions[dh.j])
		xk, xl := vec(positions[dh.k]), vec(positions[dh.l])
		F := r3.Sub(xi, xj)
		G := r3.Sub(xj, xk)
		H := r3.Sub(xl, xk)
		A := r3.Cross(F, G)
		B := r3.Cross(H, G)
		a2, b2 := r3.Norm2(A), r3.Norm2(B)
		g := r3.Norm(G)
		if a2 == 0 || b2 == 0 || g == 0 {
			continue
		}
		phi := math.Atan2(r3.Dot(r3.Cross(B, A), G)/g, r3.Dot(A, B))

		dEdPhi := 0.0
		for _, term := range dh.p.Terms {
			arg := term.Per*phi - term.PhaseRad
			energy += term.K * (1 + math.Cos(arg))
			dEdPhi -= term.K * term.Per * math.Sin(arg)
		}
		if dEdPhi == 0 {
			continue
		}

		fg, hg := r3.Dot(F, G), r3.Dot(H, G)
		dI := r3.Scale(-g/a2, A)
		dL := r3.Scale(g/b2, B)
		dJ := r3.Add(r3.Scale(g/a2+fg/(a2*g), A), r3.Scale(-hg/(b2*g), B))
		dK := r3.Add(r3.Scale(hg/(b2*g)-g/b2, B), r3.Scale(-fg/(a2*g), A))
		addForce(forces, dh.i, r3.Scale(-dEdPhi, dI))
		addForce(forces, dh.j, r3.Scale(-dEdPhi, dJ))
		addForce(forces, dh.k, r3.Scale(-dEdPhi, dK))
		addForce(forces, dh.l, r3.Scale(-dEdPhi, dL))
	}
	return energy
}

// repulsionTerm is B/r⁶ with B = 4εσ⁶ over pairs carrying the repulsion bit.
type repulsionTerm struct {
	b          [][]float64
	typeIndex  []int
	upper      float64
	switchDist float64
}

func newRepulsionTerm(ctx BuildContext) (Term, error) {
	if ctx.ForceField == nil {
		return nil, fmt.Errorf("repulsioncg: force field is required")
	}
	sys := ctx.System
	index := make(map[string]int)
	params := make([]forcefield.RepulsionParams, 0)
	typeIndex := make([]int, sys.Len())
	for i, at := range sys.AtomTypes {
		k, ok := index[at]
		if !ok {
			p, err := ctx.ForceField.Repulsion(at)
			if err != nil {
				return nil, err
			}
			k = len(params)
			index[at] = k
			params = append(params, p)
		}
		typeIndex[i] = k
	}
	b := make([][]float64, len(params))
	for x := range params {
		b[x] = make([]float64, len(params))
		for y := range params {
			eps := math.Sqrt(params[x].Epsilon * params[y].Epsilon)
			sigma := 0.5 * (params[x].Sigma + params[y].Sigma)
			b[x][y] = 4 * eps * math.Pow(sigma, 6)
		}
	}
	return &repulsionTerm{b: b, typeIndex: typeIndex, upper: ctx.CutoffUpper, switchDist: repulsionSwitch(ctx.SwitchDist, ctx.CutoffUpper)}, nil
}

// defaultSwitchWidth is the taper width in Å used when switch_dist is unset.
const defaultSwitchWidth = 1.0

// repulsionSwitch returns where the repulsion taper starts. An unset or
// out-of-range switch_dist tapers over the last Å before the cutoff (or the
// outer half of a shorter cutoff) so the energy is continuous there.
func repulsionSwitch(switchDist, upper float64) float64 {
	if switchDist > 0 && switchDist < upper {
		return switchDist
	}
	return math.Max(upper-defaultSwitchWidth, 0.5*upper)
}

func (t *repulsionTerm) Name() string { return "repulsioncg" }

func (t *repulsionTerm) Evaluate(positions [][3]float64, list neighbor.List, forces [][3]float64) float64 {
	taper := t.upper > 0
	energy := 0.0
	for _, p := range list.Pairs {
		if p.Terms&neighbor.TermRepulsion == 0 {
			continue
		}
		d := r3.Sub(vec(positions[p.I]), vec(positions[p.J]))
		r := r3.Norm(d)
		if r == 0 {
			continue
		}
		b := t.b[t.typeIndex[p.I]][t.typeIndex[p.J]]
		r6 := math.Pow(r, 6)
		e := b / r6
		dEdr := -6 * e / r
		if taper {
			s, ds := smoothTaper(r, t.switchDist, t.upper)
			dEdr = dEdr*s + e*ds
			e *= s
		}
		energy += e
		f := r3.Scale(-dEdr/r, d)
		addForce(forces, p.I, f)
		addForce(forces, p.J, r3.Scale(-1, f))
	}
	return energy
}
