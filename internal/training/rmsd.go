package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// MaxMetric caps per-state observables so a blown-up state cannot dominate
// the ensemble average.
const MaxMetric = 1e7

func centroid(xs [][3]float64) r3.Vec {
	var c r3.Vec
	for _, x := range xs {
		c = r3.Add(c, r3.Vec{X: x[0], Y: x[1], Z: x[2]})
	}
	return r3.Scale(1/float64(len(xs)), c)
}

// RMSD is the root mean square deviation between a and b after optimal
// superposition (Kabsch).
func RMSD(a, b [][3]float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("rmsd of %d and %d beads", len(a), len(b))
	}
	n := len(a)
	if n == 0 {
		return 0, fmt.Errorf("rmsd of empty structures")
	}
	ca, cb := centroid(a), centroid(b)
	p := mat.NewDense(n, 3, nil)
	q := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		pa := r3.Sub(r3.Vec{X: a[i][0], Y: a[i][1], Z: a[i][2]}, ca)
		pb := r3.Sub(r3.Vec{X: b[i][0], Y: b[i][1], Z: b[i][2]}, cb)
		p.SetRow(i, []float64{pa.X, pa.Y, pa.Z})
		q.SetRow(i, []float64{pb.X, pb.Y, pb.Z})
	}

	// H = PᵀQ = U S Vᵀ; rows of P map onto Q by R = U D Vᵀ with D fixing the
	// handedness.
	var h mat.Dense
	h.Mul(p.T(), q)
	var svd mat.SVD
	if ok := svd.Factorize(&h, mat.SVDFull); !ok {
		return 0, fmt.Errorf("kabsch svd did not converge")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	d := 1.0
	if mat.Det(&u)*mat.Det(&v) < 0 {
		d = -1
	}
	var rot, aligned mat.Dense
	rot.Product(&u, mat.NewDiagDense(3, []float64{1, 1, d}), v.T())
	aligned.Mul(p, &rot)

	sum := 0.0
	for i := 0; i < n; i++ {
		for c := 0; c < 3; c++ {
			e := aligned.At(i, c) - q.At(i, c)
			sum += e * e
		}
	}
	return math.Sqrt(sum / float64(n)), nil
}
