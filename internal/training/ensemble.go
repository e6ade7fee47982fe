package training

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// EnsembleWeights reweights states sampled under energies uHat to the
// current energies u: w ∝ exp(-(u - uHat)/kT), normalized to sum to one.
func EnsembleWeights(u, uHat []float64, kT float64) []float64 {
	n := len(u)
	w := make([]float64, n)
	if n == 0 {
		return w
	}
	for i := range u {
		w[i] = -(u[i] - uHat[i]) / kT
	}
	// Shift by the maximum so exp never overflows.
	top := floats.Max(w)
	for i := range w {
		w[i] = math.Exp(w[i] - top)
	}
	floats.Scale(1/floats.Sum(w), w)
	return w
}

// EffectiveFraction is exp(-Σ w ln w) / n, one for uniform weights.
func EffectiveFraction(w []float64) float64 {
	if len(w) == 0 {
		return 0
	}
	h := 0.0
	for _, x := range w {
		if x > 0 {
			h -= x * math.Log(x)
		}
	}
	return math.Exp(h) / float64(len(w))
}

// EnsembleLoss is log(1 + Σ w·metric) for states with current energies u
// sampled under uHat. It returns the loss and dL/du per state.
func EnsembleLoss(metric, u, uHat []float64, kT float64) (float64, []float64, []float64) {
	w := EnsembleWeights(u, uHat, kT)
	s := floats.Dot(w, metric)
	loss := math.Log1p(s)

	g := make([]float64, len(metric))
	for i, m := range metric {
		g[i] = m / (1 + s)
	}
	mean := floats.Dot(w, g)
	dU := make([]float64, len(metric))
	for i := range dU {
		dU[i] = -w[i] * (g[i] - mean) / kT
	}
	return loss, dU, w
}
