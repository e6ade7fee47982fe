package potential

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"mdexp/internal/model"
	"mdexp/internal/neighbor"
	"mdexp/internal/nn"
)

// Parameter vector names.
const (
	ParamEmbedding = "embedding"
	ParamFilterW1  = "filter.w1"
	ParamFilterB1  = "filter.b1"
	ParamFilterW2  = "filter.w2"
	ParamFilterB2  = "filter.b2"
)

// Params are the learned parameters of the neural pair term: a per-type
// embedding table and the filter network mapping a type pair to radial
// basis coefficients.
type Params struct {
	Shape     model.NetworkShape
	Embedding []float64
	W1        []float64
	B1        []float64
	W2        []float64
	B2        []float64
}

func validateShape(shape model.NetworkShape) error {
	if shape.NumTypes <= 0 {
		return fmt.Errorf("num_types must be > 0")
	}
	if shape.EmbeddingDimension <= 0 {
		return fmt.Errorf("embedding_dimension must be > 0")
	}
	if shape.HiddenChannels <= 0 {
		return fmt.Errorf("hidden_channels must be > 0")
	}
	if shape.NumRBF <= 0 {
		return fmt.Errorf("num_rbf must be > 0")
	}
	if shape.CutoffUpper <= 0 || shape.CutoffLower < 0 || shape.CutoffLower > shape.CutoffUpper {
		return fmt.Errorf("invalid cutoff window [%g, %g]", shape.CutoffLower, shape.CutoffUpper)
	}
	if _, err := nn.GetActivation(shape.Activation); err != nil {
		return err
	}
	return nil
}

func parameterSizes(shape model.NetworkShape) map[string]int {
	in := 2 * shape.EmbeddingDimension
	return map[string]int{
		ParamEmbedding: shape.NumTypes * shape.EmbeddingDimension,
		ParamFilterW1:  shape.HiddenChannels * in,
		ParamFilterB1:  shape.HiddenChannels,
		ParamFilterW2:  shape.NumRBF * shape.HiddenChannels,
		ParamFilterB2:  shape.NumRBF,
	}
}

// NewParams draws initial parameters from rng: unit normal embeddings and
// Glorot filter weights.
func NewParams(shape model.NetworkShape, rng *rand.Rand) (*Params, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	act, err := nn.GetActivation(shape.Activation)
	if err != nil {
		return nil, err
	}
	mlp, err := nn.NewMLP(2*shape.EmbeddingDimension, shape.HiddenChannels, shape.NumRBF, act)
	if err != nil {
		return nil, err
	}
	mlp.Init(rng)
	emb := make([]float64, shape.NumTypes*shape.EmbeddingDimension)
	for i := range emb {
		emb[i] = rng.NormFloat64()
	}
	return &Params{Shape: shape, Embedding: emb, W1: mlp.W1, B1: mlp.B1, W2: mlp.W2, B2: mlp.B2}, nil
}

// ParamsFromMap restores parameters from named vectors, copying them.
func ParamsFromMap(shape model.NetworkShape, m map[string][]float64) (*Params, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	for name, size := range parameterSizes(shape) {
		v, ok := m[name]
		if !ok {
			return nil, fmt.Errorf("missing parameter %s", name)
		}
		if len(v) != size {
			return nil, fmt.Errorf("parameter %s has %d values, want %d", name, len(v), size)
		}
	}
	cp := func(name string) []float64 { return append([]float64(nil), m[name]...) }
	return &Params{
		Shape:     shape,
		Embedding: cp(ParamEmbedding),
		W1:        cp(ParamFilterW1),
		B1:        cp(ParamFilterB1),
		W2:        cp(ParamFilterW2),
		B2:        cp(ParamFilterB2),
	}, nil
}

// Map exposes the parameter vectors by name. The slices alias p.
func (p *Params) Map() map[string][]float64 {
	return map[string][]float64{
		ParamEmbedding: p.Embedding,
		ParamFilterW1:  p.W1,
		ParamFilterB1:  p.B1,
		ParamFilterW2:  p.W2,
		ParamFilterB2:  p.B2,
	}
}

// Copy returns a deep copy of the named vectors.
func (p *Params) Copy() map[string][]float64 {
	out := make(map[string][]float64, 5)
	for name, v := range p.Map() {
		out[name] = append([]float64(nil), v...)
	}
	return out
}

// Frozen is an immutable snapshot of Params used for evaluation. Filter
// coefficients are cached per unordered type pair.
type Frozen struct {
	shape     model.NetworkShape
	embedding []float64
	mlp       *nn.MLP
	basis     RadialBasis

	mu      sync.RWMutex
	filters map[[2]int][]float64
}

// Freeze snapshots p.
func (p *Params) Freeze() (*Frozen, error) {
	if err := validateShape(p.Shape); err != nil {
		return nil, err
	}
	act, err := nn.GetActivation(p.Shape.Activation)
	if err != nil {
		return nil, err
	}
	mlp, err := nn.NewMLP(2*p.Shape.EmbeddingDimension, p.Shape.HiddenChannels, p.Shape.NumRBF, act)
	if err != nil {
		return nil, err
	}
	copied := p.Copy()
	if err := mlp.Bind(copied[ParamFilterW1], copied[ParamFilterB1], copied[ParamFilterW2], copied[ParamFilterB2]); err != nil {
		return nil, err
	}
	if len(copied[ParamEmbedding]) != p.Shape.NumTypes*p.Shape.EmbeddingDimension {
		return nil, fmt.Errorf("embedding has %d values, want %d", len(copied[ParamEmbedding]), p.Shape.NumTypes*p.Shape.EmbeddingDimension)
	}
	return &Frozen{
		shape:     p.Shape,
		embedding: copied[ParamEmbedding],
		mlp:       mlp,
		basis:     NewRadialBasis(p.Shape.CutoffLower, p.Shape.CutoffUpper, p.Shape.NumRBF),
		filters:   make(map[[2]int][]float64),
	}, nil
}

func (f *Frozen) Shape() model.NetworkShape { return f.shape }

func (f *Frozen) NumTypes() int { return f.shape.NumTypes }

func pairKey(ti, tj int) [2]int {
	if ti > tj {
		ti, tj = tj, ti
	}
	return [2]int{ti, tj}
}

func (f *Frozen) row(t int) []float64 {
	d := f.shape.EmbeddingDimension
	return f.embedding[t*d : (t+1)*d]
}

// features builds h = [e_i + e_j, e_i ⊙ e_j].
func (f *Frozen) features(ti, tj int) []float64 {
	d := f.shape.EmbeddingDimension
	ei, ej := f.row(ti), f.row(tj)
	h := make([]float64, 2*d)
	floats.AddTo(h[:d], ei, ej)
	floats.MulTo(h[d:], ei, ej)
	return h
}

// Filter returns the radial coefficients of the type pair.
func (f *Frozen) Filter(ti, tj int) []float64 {
	key := pairKey(ti, tj)
	f.mu.RLock()
	w, ok := f.filters[key]
	f.mu.RUnlock()
	if ok {
		return w
	}
	w, _ = f.mlp.Forward(f.features(key[0], key[1]))
	f.mu.Lock()
	if cached, ok := f.filters[key]; ok {
		w = cached
	} else {
		f.filters[key] = w
	}
	f.mu.Unlock()
	return w
}

// Evaluate returns the learned pair energy over pairs with the neural bit and
// adds its forces.
func (f *Frozen) Evaluate(types []int, positions [][3]float64, list neighbor.List, forces [][3]float64) float64 {
	k := f.basis.Len()
	psi, dpsi := make([]float64, k), make([]float64, k)
	energy := 0.0
	for _, p := range list.Pairs {
		if p.Terms&neighbor.TermNeural == 0 {
			continue
		}
		d := r3.Sub(vec(positions[p.I]), vec(positions[p.J]))
		r := r3.Norm(d)
		if r == 0 {
			continue
		}
		f.basis.Eval(r, psi, dpsi)
		w := f.Filter(types[p.I], types[p.J])
		energy += floats.Dot(w, psi)
		dEdr := floats.Dot(w, dpsi)
		if dEdr == 0 {
			continue
		}
		fi := r3.Scale(-dEdr/r, d)
		addForce(forces, p.I, fi)
		addForce(forces, p.J, r3.Scale(-1, fi))
	}
	return energy
}

// FilterGrad accumulates dL/dw per unordered type pair.
type FilterGrad struct {
	size   int
	byPair map[[2]int][]float64
}

func (f *Frozen) NewFilterGrad() *FilterGrad {
	return &FilterGrad{size: f.basis.Len(), byPair: make(map[[2]int][]float64)}
}

func (g *FilterGrad) slot(key [2]int) []float64 {
	s, ok := g.byPair[key]
	if !ok {
		s = make([]float64, g.size)
		g.byPair[key] = s
	}
	return s
}

// Merge adds other into g.
func (g *FilterGrad) Merge(other *FilterGrad) {
	for key, v := range other.byPair {
		floats.Add(g.slot(key), v)
	}
}

func (g *FilterGrad) Len() int { return len(g.byPair) }

// Accumulate adds the gradient of a loss with upstream gradients gForces
// (dL/dF per atom, may be nil) and gEnergy (dL/dE) for one configuration.
// Forces are linear in w: F_i = -E'(r)·u with E'(r) = Σ w_k ψ'_k(r).
func (f *Frozen) Accumulate(types []int, positions [][3]float64, list neighbor.List, gForces [][3]float64, gEnergy float64, acc *FilterGrad) {
	k := f.basis.Len()
	psi, dpsi := make([]float64, k), make([]float64, k)
	for _, p := range list.Pairs {
		if p.Terms&neighbor.TermNeural == 0 {
			continue
		}
		d := r3.Sub(vec(positions[p.I]), vec(positions[p.J]))
		r := r3.Norm(d)
		if r == 0 {
			continue
		}
		f.basis.Eval(r, psi, dpsi)
		slot := acc.slot(pairKey(types[p.I], types[p.J]))
		if gEnergy != 0 {
			floats.AddScaled(slot, gEnergy, psi)
		}
		if gForces != nil {
			u := r3.Scale(1/r, d)
			c := r3.Dot(r3.Sub(vec(gForces[p.J]), vec(gForces[p.I])), u)
			if c != 0 {
				floats.AddScaled(slot, c, dpsi)
			}
		}
	}
}

// Backprop turns accumulated filter gradients into gradients of the named
// parameter vectors.
func (f *Frozen) Backprop(acc *FilterGrad) map[string][]float64 {
	grads := map[string][]float64{ParamEmbedding: make([]float64, len(f.embedding))}
	mg := nn.NewMLPGrad(f.mlp)
	d := f.shape.EmbeddingDimension

	keys := make([][2]int, 0, len(acc.byPair))
	for key := range acc.byPair {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a][0] != keys[b][0] {
			return keys[a][0] < keys[b][0]
		}
		return keys[a][1] < keys[b][1]
	})

	for _, key := range keys {
		ti, tj := key[0], key[1]
		_, cache := f.mlp.Forward(f.features(ti, tj))
		gh := f.mlp.Backward(cache, acc.byPair[key], mg)
		ei, ej := f.row(ti), f.row(tj)
		gi := grads[ParamEmbedding][ti*d : (ti+1)*d]
		gj := grads[ParamEmbedding][tj*d : (tj+1)*d]
		for c := 0; c < d; c++ {
			gi[c] += gh[c] + gh[d+c]*ej[c]
			gj[c] += gh[c] + gh[d+c]*ei[c]
		}
	}
	grads[ParamFilterW1] = mg.W1
	grads[ParamFilterB1] = mg.B1
	grads[ParamFilterW2] = mg.W2
	grads[ParamFilterB2] = mg.B2
	return grads
}
