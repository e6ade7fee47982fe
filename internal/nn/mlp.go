package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// MLP is a two-layer perceptron out = W2·act(W1·x + b1) + b2. Weight matrices
// are row-major flat slices so they can live directly in a parameter map.
type MLP struct {
	In     int
	Hidden int
	Out    int
	W1     []float64
	B1     []float64
	W2     []float64
	B2     []float64
	Act    Activation
}

// MLPCache holds the intermediate values of one forward pass.
type MLPCache struct {
	X []float64
	Z []float64
	A []float64
}

// MLPGrad accumulates parameter gradients with the same layout as MLP.
type MLPGrad struct {
	W1 []float64
	B1 []float64
	W2 []float64
	B2 []float64
}

func NewMLP(in, hidden, out int, act Activation) (*MLP, error) {
	if in <= 0 || hidden <= 0 || out <= 0 {
		return nil, fmt.Errorf("mlp dimensions must be > 0: in=%d hidden=%d out=%d", in, hidden, out)
	}
	if act.Func == nil || act.Deriv == nil {
		return nil, fmt.Errorf("mlp activation is incomplete: %s", act.Name)
	}
	return &MLP{
		In:     in,
		Hidden: hidden,
		Out:    out,
		W1:     make([]float64, hidden*in),
		B1:     make([]float64, hidden),
		W2:     make([]float64, out*hidden),
		B2:     make([]float64, out),
		Act:    act,
	}, nil
}

// Bind points the layers at externally owned parameter slices.
func (m *MLP) Bind(w1, b1, w2, b2 []float64) error {
	if len(w1) != m.Hidden*m.In || len(b1) != m.Hidden || len(w2) != m.Out*m.Hidden || len(b2) != m.Out {
		return fmt.Errorf("mlp parameter shape mismatch: w1=%d b1=%d w2=%d b2=%d", len(w1), len(b1), len(w2), len(b2))
	}
	m.W1, m.B1, m.W2, m.B2 = w1, b1, w2, b2
	return nil
}

// Init draws Glorot-uniform weights and zero biases.
func (m *MLP) Init(rng *rand.Rand) {
	glorot(rng, m.W1, m.In, m.Hidden)
	glorot(rng, m.W2, m.Hidden, m.Out)
	for i := range m.B1 {
		m.B1[i] = 0
	}
	for i := range m.B2 {
		m.B2[i] = 0
	}
}

func glorot(rng *rand.Rand, w []float64, fanIn, fanOut int) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (2*rng.Float64() - 1) * limit
	}
}

func (m *MLP) Forward(x []float64) ([]float64, MLPCache) {
	z := make([]float64, m.Hidden)
	a := make([]float64, m.Hidden)
	for h := 0; h < m.Hidden; h++ {
		z[h] = floats.Dot(m.W1[h*m.In:(h+1)*m.In], x) + m.B1[h]
		a[h] = m.Act.Func(z[h])
	}
	out := make([]float64, m.Out)
	for k := 0; k < m.Out; k++ {
		out[k] = floats.Dot(m.W2[k*m.Hidden:(k+1)*m.Hidden], a) + m.B2[k]
	}
	return out, MLPCache{X: x, Z: z, A: a}
}

func NewMLPGrad(m *MLP) *MLPGrad {
	return &MLPGrad{
		W1: make([]float64, len(m.W1)),
		B1: make([]float64, len(m.B1)),
		W2: make([]float64, len(m.W2)),
		B2: make([]float64, len(m.B2)),
	}
}

// Backward adds the parameter gradients for upstream gradient gOut into grad
// and returns the gradient with respect to the input.
func (m *MLP) Backward(cache MLPCache, gOut []float64, grad *MLPGrad) []float64 {
	gA := make([]float64, m.Hidden)
	for k := 0; k < m.Out; k++ {
		g := gOut[k]
		if g == 0 {
			continue
		}
		grad.B2[k] += g
		floats.AddScaled(grad.W2[k*m.Hidden:(k+1)*m.Hidden], g, cache.A)
		floats.AddScaled(gA, g, m.W2[k*m.Hidden:(k+1)*m.Hidden])
	}
	gX := make([]float64, m.In)
	for h := 0; h < m.Hidden; h++ {
		gz := gA[h] * m.Act.Deriv(cache.Z[h])
		if gz == 0 {
			continue
		}
		grad.B1[h] += gz
		floats.AddScaled(grad.W1[h*m.In:(h+1)*m.In], gz, cache.X)
		floats.AddScaled(gX, gz, m.W1[h*m.In:(h+1)*m.In])
	}
	return gX
}
