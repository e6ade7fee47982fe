package potential

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"mdexp/internal/forcefield"
	"mdexp/internal/model"
	"mdexp/internal/neighbor"
	"mdexp/internal/topology"
)

const testPriors = `
masses:
  "*": 12.0
bonds:
  "*-*": {k0: 80.0, req: 3.8}
angles:
  "*-*-*": {k0: 15.0, theta0: 100.0}
dihedrals:
  "*-*-*-*":
    terms:
      - {phi_k: 0.6, per: 1, phase: 30.0}
      - {phi_k: 0.3, per: 3, phase: 0.0}
repulsioncg:
  "*": {epsilon: 0.25, sigma: 4.2}
  CA_TRP: {epsilon: 0.4, sigma: 5.0}
`

var testResidues = []string{"MET", "ALA", "TRP", "GLY", "LYS", "ALA", "SER"}

func helix(n int) [][3]float64 {
	pos := make([][3]float64, n)
	for i := range pos {
		a := float64(i) * 100 * math.Pi / 180
		pos[i] = [3]float64{2.3 * math.Cos(a), 2.3 * math.Sin(a), 1.5 * float64(i)}
	}
	return pos
}

func testSystem(t *testing.T) *topology.System {
	t.Helper()
	beads := make([]topology.Bead, len(testResidues))
	for i, res := range testResidues {
		beads[i] = topology.Bead{Name: "CA", Residue: res, Chain: "A", ResID: i + 1}
	}
	sys, err := topology.Build("heptamer", beads, helix(len(beads)))
	if err != nil {
		t.Fatalf("build system: %v", err)
	}
	return sys
}

func testForceField(t *testing.T) *forcefield.ForceField {
	t.Helper()
	ff, err := forcefield.Parse([]byte(testPriors))
	if err != nil {
		t.Fatalf("parse force field: %v", err)
	}
	return ff
}

func testShape(lower float64) model.NetworkShape {
	return model.NetworkShape{
		NumTypes:           topology.NumEmbeddingTypes,
		EmbeddingDimension: 4,
		HiddenChannels:     5,
		NumRBF:             6,
		Activation:         "tanh",
		CutoffLower:        lower,
		CutoffUpper:        9,
	}
}

func testPotential(t *testing.T, terms []string, lower float64, neural bool) (*Potential, *neighbor.Finder) {
	t.Helper()
	sys := testSystem(t)
	prior, err := BuildPrior(sys, testForceField(t), PriorOptions{
		ForceTerms:  terms,
		Exclusions:  []string{"bonds"},
		CutoffUpper: 9,
		SwitchDist:  7,
	})
	if err != nil {
		t.Fatalf("build prior: %v", err)
	}
	var frozen *Frozen
	if neural {
		params, err := NewParams(testShape(lower), rand.New(rand.NewSource(3)))
		if err != nil {
			t.Fatalf("new params: %v", err)
		}
		frozen, err = params.Freeze()
		if err != nil {
			t.Fatalf("freeze: %v", err)
		}
	}
	pot, err := New(prior, frozen)
	if err != nil {
		t.Fatalf("new potential: %v", err)
	}
	finder, err := neighbor.NewFinder(lower, 9)
	if err != nil {
		t.Fatalf("new finder: %v", err)
	}
	return pot, finder
}

func checkForcesAgainstFiniteDifference(t *testing.T, pot *Potential, finder *neighbor.Finder, positions [][3]float64) {
	t.Helper()
	list, err := finder.Find(positions, pot.Prior().Exclusions)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	res, err := pot.Evaluate(positions, list)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	const h = 1e-5
	for i := range positions {
		for c := 0; c < 3; c++ {
			orig := positions[i][c]
			positions[i][c] = orig + h
			up, _ := pot.Energy(positions, list)
			positions[i][c] = orig - h
			down, _ := pot.Energy(positions, list)
			positions[i][c] = orig
			want := -(up - down) / (2 * h)
			got := res.Forces[i][c]
			if math.Abs(got-want) > 1e-4*math.Max(1, math.Abs(want)) {
				t.Fatalf("force mismatch atom %d component %d: analytic=%g numeric=%g", i, c, got, want)
			}
		}
	}
}

func TestPriorTermsMatchFiniteDifference(t *testing.T) {
	for _, term := range []string{"bonds", "angles", "dihedrals", "repulsioncg"} {
		t.Run(term, func(t *testing.T) {
			pot, finder := testPotential(t, []string{term}, 0, false)
			positions := helix(len(testResidues))
			positions[2][0] += 0.4
			positions[4][2] -= 0.3
			checkForcesAgainstFiniteDifference(t, pot, finder, positions)
		})
	}
}

func TestNeuralTermMatchesFiniteDifference(t *testing.T) {
	for _, lower := range []float64{0, 2} {
		pot, finder := testPotential(t, []string{"zero"}, lower, true)
		positions := helix(len(testResidues))
		positions[1][1] += 0.25
		checkForcesAgainstFiniteDifference(t, pot, finder, positions)
	}
}

func TestForcesSumToZero(t *testing.T) {
	pot, finder := testPotential(t, []string{"bonds", "angles", "dihedrals", "repulsioncg"}, 0, true)
	positions := helix(len(testResidues))
	list, _ := finder.Find(positions, pot.Prior().Exclusions)
	res, err := pot.Evaluate(positions, list)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var net [3]float64
	for _, f := range res.Forces {
		for c := range net {
			net[c] += f[c]
		}
	}
	for c := range net {
		if math.Abs(net[c]) > 1e-8 {
			t.Fatalf("net force not zero: %v", net)
		}
	}
	if _, ok := res.Terms[NeuralTermName]; !ok {
		t.Fatalf("expected neural term in breakdown: %v", res.Terms)
	}
}

func TestEnergyInvariantUnderRigidMotion(t *testing.T) {
	pot, finder := testPotential(t, []string{"bonds", "angles", "dihedrals", "repulsioncg"}, 0, true)
	positions := helix(len(testResidues))
	list, _ := finder.Find(positions, pot.Prior().Exclusions)
	base, err := pot.Energy(positions, list)
	if err != nil {
		t.Fatalf("energy: %v", err)
	}

	rot := r3.NewRotation(0.7, r3.Vec{X: 1, Y: 2, Z: -0.5})
	shift := r3.Vec{X: 12.5, Y: -3, Z: 40}
	moved := make([][3]float64, len(positions))
	for i, p := range positions {
		v := r3.Add(rot.Rotate(vec(p)), shift)
		moved[i] = [3]float64{v.X, v.Y, v.Z}
	}
	movedList, _ := finder.Find(moved, pot.Prior().Exclusions)
	got, err := pot.Energy(moved, movedList)
	if err != nil {
		t.Fatalf("energy: %v", err)
	}
	if math.Abs(got-base) > 1e-8*math.Max(1, math.Abs(base)) {
		t.Fatalf("energy changed under rigid motion: base=%g moved=%g", base, got)
	}
}

func TestBackpropMatchesFiniteDifference(t *testing.T) {
	sys := testSystem(t)
	shape := testShape(1)
	params, err := NewParams(shape, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("new params: %v", err)
	}
	finder, _ := neighbor.NewFinder(shape.CutoffLower, shape.CutoffUpper)
	positions := helix(len(testResidues))
	list, _ := finder.Find(positions, nil)

	rng := rand.New(rand.NewSource(9))
	gForces := make([][3]float64, len(positions))
	for i := range gForces {
		gForces[i] = [3]float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
	}
	const gEnergy = 0.7

	loss := func() float64 {
		frozen, err := params.Freeze()
		if err != nil {
			t.Fatalf("freeze: %v", err)
		}
		forces := make([][3]float64, len(positions))
		e := frozen.Evaluate(sys.Types, positions, list, forces)
		total := gEnergy * e
		for i := range forces {
			for c := 0; c < 3; c++ {
				total += gForces[i][c] * forces[i][c]
			}
		}
		return total
	}

	frozen, _ := params.Freeze()
	acc := frozen.NewFilterGrad()
	frozen.Accumulate(sys.Types, positions, list, gForces, gEnergy, acc)
	grads := frozen.Backprop(acc)

	const h = 1e-6
	named := params.Map()
	probe := map[string][]int{
		ParamFilterW1: {0, 7, 23},
		ParamFilterB1: {0, 4},
		ParamFilterW2: {1, 11, 29},
		ParamFilterB2: {0, 5},
		ParamEmbedding: {
			sys.Types[0]*shape.EmbeddingDimension + 1,
			sys.Types[2]*shape.EmbeddingDimension + 3,
			sys.Types[1]*shape.EmbeddingDimension,
		},
	}
	for name, idxs := range probe {
		for _, idx := range idxs {
			v := named[name]
			orig := v[idx]
			v[idx] = orig + h
			up := loss()
			v[idx] = orig - h
			down := loss()
			v[idx] = orig
			want := (up - down) / (2 * h)
			got := grads[name][idx]
			if math.Abs(got-want) > 1e-5*math.Max(1, math.Abs(want)) {
				t.Fatalf("gradient mismatch %s[%d]: analytic=%g numeric=%g", name, idx, got, want)
			}
		}
	}
	unused := 44 * shape.EmbeddingDimension
	if grads[ParamEmbedding][unused] != 0 {
		t.Fatalf("expected zero gradient for unused type, got %g", grads[ParamEmbedding][unused])
	}
}

func TestCosineSwitchBoundaries(t *testing.T) {
	sw := NewCosineSwitch(2, 8)
	for _, r := range []float64{1, 2, 8, 9} {
		if s, ds := sw.Eval(r); s != 0 || ds != 0 {
			t.Fatalf("expected zero switch at r=%f, got s=%f ds=%f", r, s, ds)
		}
	}
	if s, _ := sw.Eval(5); math.Abs(s-1) > 1e-12 {
		t.Fatalf("expected unit switch mid-window, got %f", s)
	}
	single := NewCosineSwitch(9, 9)
	if s, _ := single.Eval(0); s != 1 {
		t.Fatalf("expected unit switch at origin for single cutoff, got %f", s)
	}
}

func TestParamsFromMapValidates(t *testing.T) {
	shape := testShape(0)
	params, err := NewParams(shape, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("new params: %v", err)
	}
	restored, err := ParamsFromMap(shape, params.Copy())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.W2[3] != params.W2[3] {
		t.Fatal("restored parameters differ")
	}
	bad := params.Copy()
	bad[ParamFilterB2] = bad[ParamFilterB2][:2]
	if _, err := ParamsFromMap(shape, bad); err == nil {
		t.Fatal("expected size error")
	}
	shape.Activation = "unknown"
	if _, err := NewParams(shape, rand.New(rand.NewSource(1))); err == nil {
		t.Fatal("expected activation error")
	}
}

func TestParamStoreUpdate(t *testing.T) {
	params, _ := NewParams(testShape(0), rand.New(rand.NewSource(1)))
	store := NewParamStore(params)
	before := store.Snapshot()

	boom := errors.New("boom")
	if err := store.Update(func(p *Params) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected update error, got %v", err)
	}
	if store.Version() != 0 {
		t.Fatalf("unexpected version after failed update: %d", store.Version())
	}
	if err := store.Update(func(p *Params) error { p.B2[0] += 1; return nil }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if store.Version() != 1 {
		t.Fatalf("unexpected version: %d", store.Version())
	}
	after := store.Snapshot()
	if after[ParamFilterB2][0] != before[ParamFilterB2][0]+1 {
		t.Fatal("update not applied")
	}
}

func TestTermRegistry(t *testing.T) {
	resetTermRegistryForTests()
	t.Cleanup(resetTermRegistryForTests)

	if _, err := GetTerm("lj"); !errors.Is(err, ErrTermNotFound) {
		t.Fatalf("expected ErrTermNotFound, got %v", err)
	}
	if err := RegisterTerm("bonds", newBondTerm); !errors.Is(err, ErrTermExists) {
		t.Fatalf("expected ErrTermExists, got %v", err)
	}
	if err := RegisterTerm("constant", func(BuildContext) (Term, error) { return zeroTerm{}, nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	names := ListTerms()
	if len(names) != 6 {
		t.Fatalf("unexpected terms: %v", names)
	}
	sys := testSystem(t)
	if _, err := BuildPrior(sys, testForceField(t), PriorOptions{ForceTerms: []string{"lj"}}); !errors.Is(err, ErrTermNotFound) {
		t.Fatalf("expected unknown term error, got %v", err)
	}
}

func TestRepulsionTapersToZeroAtCutoff(t *testing.T) {
	sys := testSystem(t)
	term, err := newRepulsionTerm(BuildContext{System: sys, ForceField: testForceField(t), CutoffUpper: 9})
	if err != nil {
		t.Fatalf("repulsion term: %v", err)
	}
	energyAt := func(r float64) float64 {
		pos := make([][3]float64, sys.Len())
		pos[1] = [3]float64{r, 0, 0}
		list := neighbor.List{Pairs: []neighbor.Pair{{I: 0, J: 1, Terms: neighbor.TermRepulsion, Dist: r}}}
		forces := make([][3]float64, sys.Len())
		return term.Evaluate(pos, list, forces)
	}
	if e := energyAt(9 - 1e-6); e > 1e-12 {
		t.Fatalf("unexpected energy just inside the cutoff: %g", e)
	}
	if e := energyAt(7.5); e <= 0 {
		t.Fatalf("expected repulsion before the taper: %g", e)
	}
	if got := repulsionSwitch(0, 9); got != 8 {
		t.Fatalf("unexpected default switch distance: got=%g want=8", got)
	}
	if got := repulsionSwitch(6, 9); got != 6 {
		t.Fatalf("unexpected explicit switch distance: got=%g want=6", got)
	}
	if got := repulsionSwitch(0, 1.5); got != 0.75 {
		t.Fatalf("unexpected switch distance for a short cutoff: got=%g want=0.75", got)
	}
}
