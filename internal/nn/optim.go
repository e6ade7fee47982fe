package nn

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// AdamW is Adam with decoupled weight decay over named parameter vectors.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	t int
	m map[string][]float64
	v map[string][]float64
}

func NewAdamW(weightDecay float64) *AdamW {
	return &AdamW{
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		m:           make(map[string][]float64),
		v:           make(map[string][]float64),
	}
}

// Steps reports how many updates have been applied.
func (o *AdamW) Steps() int { return o.t }

// Step applies one update in place. Every gradient must match the length of
// the parameter vector of the same name; parameters without a gradient are
// left untouched.
func (o *AdamW) Step(params, grads map[string][]float64, lr float64) error {
	for name, g := range grads {
		p, ok := params[name]
		if !ok {
			return fmt.Errorf("gradient for unknown parameter %s", name)
		}
		if len(p) != len(g) {
			return fmt.Errorf("gradient shape mismatch for %s: got=%d want=%d", name, len(g), len(p))
		}
	}

	o.t++
	bias1 := 1.0 - math.Pow(o.Beta1, float64(o.t))
	bias2 := 1.0 - math.Pow(o.Beta2, float64(o.t))
	for name, g := range grads {
		p := params[name]
		m, ok := o.m[name]
		if !ok {
			m = make([]float64, len(p))
			o.m[name] = m
			o.v[name] = make([]float64, len(p))
		}
		v := o.v[name]
		for i := range p {
			m[i] = o.Beta1*m[i] + (1.0-o.Beta1)*g[i]
			v[i] = o.Beta2*v[i] + (1.0-o.Beta2)*g[i]*g[i]
			mHat := m[i] / bias1
			vHat := v[i] / bias2
			p[i] -= lr * o.WeightDecay * p[i]
			p[i] -= lr * mHat / (math.Sqrt(vHat) + o.Eps)
		}
	}
	return nil
}

// StepLR decays the learning rate by Gamma every StepSize epochs.
type StepLR struct {
	Base     float64
	StepSize int
	Gamma    float64
}

func (s StepLR) At(epoch int) float64 {
	if s.StepSize <= 0 {
		return s.Base
	}
	return s.Base * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

// GlobalNorm is the L2 norm over every gradient vector.
func GlobalNorm(grads map[string][]float64) float64 {
	total := 0.0
	for _, name := range sortedNames(grads) {
		n := floats.Norm(grads[name], 2)
		total += n * n
	}
	return math.Sqrt(total)
}

// ClipGradients rescales grads in place so their global norm is at most
// maxNorm. It returns the norm before clipping.
func ClipGradients(grads map[string][]float64, maxNorm float64) float64 {
	norm := GlobalNorm(grads)
	if norm > maxNorm && norm > 0 {
		scale := maxNorm / norm
		for _, g := range grads {
			floats.Scale(scale, g)
		}
	}
	return norm
}

const DefaultGradNormHistory = 50

// GradNormQueue keeps recent gradient norms and derives a clipping threshold
// of 1.5·mean + 2·std from them.
type GradNormQueue struct {
	capacity int
	values   []float64
}

func NewGradNormQueue(capacity int, initial float64) *GradNormQueue {
	if capacity <= 0 {
		capacity = DefaultGradNormHistory
	}
	q := &GradNormQueue{capacity: capacity}
	q.Add(initial)
	return q
}

func (q *GradNormQueue) Add(value float64) {
	q.values = append(q.values, value)
	if len(q.values) > q.capacity {
		q.values = q.values[len(q.values)-q.capacity:]
	}
}

func (q *GradNormQueue) Len() int { return len(q.values) }

func (q *GradNormQueue) Threshold() float64 {
	if len(q.values) == 0 {
		return math.Inf(1)
	}
	if len(q.values) == 1 {
		return 1.5 * q.values[0]
	}
	mean, std := stat.MeanStdDev(q.values, nil)
	return 1.5*mean + 2*std
}

// Clip clips grads to the current threshold and records the outcome: the
// threshold when clipping happened, the raw norm otherwise.
func (q *GradNormQueue) Clip(grads map[string][]float64) (norm, threshold float64, clipped bool) {
	threshold = q.Threshold()
	norm = ClipGradients(grads, threshold)
	clipped = norm > threshold
	if clipped {
		q.Add(threshold)
	} else {
		q.Add(norm)
	}
	return norm, threshold, clipped
}

func sortedNames(m map[string][]float64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
