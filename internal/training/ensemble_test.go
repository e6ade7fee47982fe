package training

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func structure() [][3]float64 {
	return [][3]float64{{0, 0, 0}, {3.8, 0, 0}, {4.5, 3.7, 0}, {2.1, 5.2, 2.9}, {-1.0, 4.4, 5.3}}
}

func TestRMSDIgnoresRigidMotion(t *testing.T) {
	a := structure()
	rot := r3.NewRotation(1.1, r3.Vec{X: 0.3, Y: -0.5, Z: 0.8})
	b := make([][3]float64, len(a))
	for i, p := range a {
		q := r3.Add(rot.Rotate(r3.Vec{X: p[0], Y: p[1], Z: p[2]}), r3.Vec{X: 10, Y: -4, Z: 2})
		b[i] = [3]float64{q.X, q.Y, q.Z}
	}
	got, err := RMSD(a, b)
	if err != nil {
		t.Fatalf("rmsd: %v", err)
	}
	if got > 1e-9 {
		t.Fatalf("unexpected rmsd under rigid motion: %g", got)
	}
}

func TestRMSDOfIdenticalStructures(t *testing.T) {
	a := structure()
	got, err := RMSD(a, a)
	if err != nil {
		t.Fatalf("rmsd: %v", err)
	}
	if got > 1e-10 {
		t.Fatalf("unexpected rmsd of a structure with itself: %g", got)
	}
}

func TestRMSDExcludesReflection(t *testing.T) {
	a := structure()
	b := make([][3]float64, len(a))
	for i, p := range a {
		b[i] = [3]float64{p[0], p[1], -p[2]}
	}
	got, err := RMSD(a, b)
	if err != nil {
		t.Fatalf("rmsd: %v", err)
	}
	if got < 1e-3 {
		t.Fatalf("mirror image aligned onto a chiral structure: rmsd=%g", got)
	}
}

func TestRMSDBoundedByUnalignedDeviation(t *testing.T) {
	a := structure()
	rng := rand.New(rand.NewSource(4))
	b := make([][3]float64, len(a))
	sq := 0.0
	for i, p := range a {
		for c := 0; c < 3; c++ {
			d := 0.3 * rng.NormFloat64()
			b[i][c] = p[c] + d
			sq += d * d
		}
	}
	got, err := RMSD(a, b)
	if err != nil {
		t.Fatalf("rmsd: %v", err)
	}
	if plain := math.Sqrt(sq / float64(len(a))); got > plain+1e-12 || got <= 0 {
		t.Fatalf("unexpected aligned rmsd: got=%g unaligned=%g", got, plain)
	}
	if _, err := RMSD(a, b[:2]); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestEnsembleWeights(t *testing.T) {
	u := []float64{1, 2, 3}
	w := EnsembleWeights(u, u, 0.6)
	for _, x := range w {
		if math.Abs(x-1.0/3) > 1e-12 {
			t.Fatalf("expected uniform weights, got %v", w)
		}
	}
	if f := EffectiveFraction(w); math.Abs(f-1) > 1e-12 {
		t.Fatalf("unexpected effective fraction: %g", f)
	}

	w = EnsembleWeights([]float64{0, 1000}, []float64{0, 0}, 0.6)
	if w[0] < 0.999 || math.IsNaN(w[1]) {
		t.Fatalf("unexpected skewed weights: %v", w)
	}
	if f := EffectiveFraction(w); f > 0.51 {
		t.Fatalf("skewed weights should halve the effective fraction: %g", f)
	}
}

func TestEnsembleLossGradient(t *testing.T) {
	metric := []float64{1.2, 3.4, 0.7, 2.2}
	uHat := []float64{0.5, -0.2, 0.1, 0.3}
	u := []float64{0.4, 0.1, -0.3, 0.3}
	const kT = 0.7
	loss, dU, _ := EnsembleLoss(metric, u, uHat, kT)
	if loss <= 0 {
		t.Fatalf("unexpected loss: %g", loss)
	}
	const h = 1e-6
	for i := range u {
		orig := u[i]
		u[i] = orig + h
		up, _, _ := EnsembleLoss(metric, u, uHat, kT)
		u[i] = orig - h
		down, _, _ := EnsembleLoss(metric, u, uHat, kT)
		u[i] = orig
		want := (up - down) / (2 * h)
		if math.Abs(dU[i]-want) > 1e-7 {
			t.Fatalf("gradient mismatch at %d: analytic=%g numeric=%g", i, dU[i], want)
		}
	}
}
