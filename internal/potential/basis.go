package potential

import (
	"math"
)

// CosineSwitch is 1 inside the window and decays to 0 with zero slope at the
// upper cutoff, and at the lower cutoff when it is positive.
type CosineSwitch struct {
	Lower float64
	Upper float64
}

func NewCosineSwitch(lower, upper float64) CosineSwitch {
	if lower >= upper {
		lower = 0
	}
	return CosineSwitch{Lower: lower, Upper: upper}
}

// Eval returns s(r) and ds/dr.
func (c CosineSwitch) Eval(r float64) (float64, float64) {
	if r >= c.Upper || (c.Lower > 0 && r <= c.Lower) {
		return 0, 0
	}
	if c.Lower > 0 {
		span := c.Upper - c.Lower
		u := math.Pi * (2*(r-c.Lower)/span + 1)
		return 0.5 * (math.Cos(u) + 1), -0.5 * math.Sin(u) * 2 * math.Pi / span
	}
	u := math.Pi * r / c.Upper
	return 0.5 * (math.Cos(u) + 1), -0.5 * math.Sin(u) * math.Pi / c.Upper
}

// RadialBasis is a set of Gaussians evenly spread over the cutoff window and
// multiplied by the cosine switch.
type RadialBasis struct {
	Centers []float64
	Coeff   float64
	Switch  CosineSwitch
}

func NewRadialBasis(lower, upper float64, n int) RadialBasis {
	sw := NewCosineSwitch(lower, upper)
	centers := make([]float64, n)
	spacing := sw.Upper - sw.Lower
	if n > 1 {
		spacing /= float64(n - 1)
		for k := range centers {
			centers[k] = sw.Lower + float64(k)*spacing
		}
	} else if n == 1 {
		centers[0] = sw.Lower
	}
	return RadialBasis{
		Centers: centers,
		Coeff:   -0.5 / (spacing * spacing),
		Switch:  sw,
	}
}

func (b RadialBasis) Len() int { return len(b.Centers) }

// Eval writes psi_k(r) = s(r)·phi_k(r) and its radial derivative.
func (b RadialBasis) Eval(r float64, psi, dpsi []float64) {
	s, ds := b.Switch.Eval(r)
	for k, mu := range b.Centers {
		if s == 0 && ds == 0 {
			psi[k], dpsi[k] = 0, 0
			continue
		}
		d := r - mu
		phi := math.Exp(b.Coeff * d * d)
		dphi := 2 * b.Coeff * d * phi
		psi[k] = s * phi
		dpsi[k] = ds*phi + s*dphi
	}
}

// smoothTaper falls from 1 at start to 0 at end as 1 - 3x² + 2x³.
func smoothTaper(r, start, end float64) (float64, float64) {
	if r <= start {
		return 1, 0
	}
	if r >= end {
		return 0, 0
	}
	span := end - start
	x := (r - start) / span
	return 1 - 3*x*x + 2*x*x*x, (-6*x + 6*x*x) / span
}
