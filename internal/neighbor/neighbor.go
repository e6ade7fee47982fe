package neighbor

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"mdexp/internal/config"
)

// Term bits carried by a pair.
const (
	TermNeural uint8 = 1 << iota
	TermRepulsion
)

// DefaultCellListThreshold is the atom count from which cell lists replace
// the all-pairs search.
const DefaultCellListThreshold = 256

var ErrNonFinite = errors.New("non-finite position")

type Pair struct {
	I     int
	J     int
	Terms uint8
	Dist  float64
}

// List is the neighbour list of one replica, sorted by (I, J).
type List struct {
	Pairs []Pair
}

func (l List) Len() int { return len(l.Pairs) }

// ExclusionSet holds i<j pairs that lose the nonbonded prior term.
type ExclusionSet map[[2]int]struct{}

func NewExclusionSet(groups ...[][2]int) ExclusionSet {
	set := make(ExclusionSet)
	for _, group := range groups {
		for _, p := range group {
			set.Add(p[0], p[1])
		}
	}
	return set
}

func (s ExclusionSet) Add(i, j int) {
	if i > j {
		i, j = j, i
	}
	s[[2]int{i, j}] = struct{}{}
}

func (s ExclusionSet) Has(i, j int) bool {
	if s == nil {
		return false
	}
	if i > j {
		i, j = j, i
	}
	_, ok := s[[2]int{i, j}]
	return ok
}

type Finder struct {
	Lower             float64
	Upper             float64
	CellListThreshold int
}

func NewFinder(lower, upper float64) (*Finder, error) {
	if lower < 0 {
		return nil, fmt.Errorf("%w: cutoff_lower must be >= 0", config.ErrConfiguration)
	}
	if upper <= 0 {
		return nil, fmt.Errorf("%w: cutoff_upper must be > 0", config.ErrConfiguration)
	}
	if lower > upper {
		return nil, fmt.Errorf("%w: cutoff_lower %g must be <= cutoff_upper %g", config.ErrConfiguration, lower, upper)
	}
	return &Finder{Lower: lower, Upper: upper, CellListThreshold: DefaultCellListThreshold}, nil
}

// InRange reports whether distance d falls in the cutoff window. When the
// bounds coincide the window is the single cutoff d <= Upper.
func (f *Finder) InRange(d float64) bool {
	if f.Lower == f.Upper {
		return d <= f.Upper
	}
	return d >= f.Lower && d <= f.Upper
}

func (f *Finder) Find(positions [][3]float64, exclusions ExclusionSet) (List, error) {
	for i, p := range positions {
		if !finite(p) {
			return List{}, fmt.Errorf("%w: atom %d", ErrNonFinite, i)
		}
	}
	threshold := f.CellListThreshold
	if threshold <= 0 {
		threshold = DefaultCellListThreshold
	}
	var pairs []Pair
	if len(positions) < threshold {
		pairs = f.bruteForce(positions, exclusions)
	} else {
		pairs = f.cellList(positions, exclusions)
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].I != pairs[b].I {
			return pairs[a].I < pairs[b].I
		}
		return pairs[a].J < pairs[b].J
	})
	return List{Pairs: pairs}, nil
}

// FindBatch builds one list per replica of a (replicas, atoms, 3) array.
func (f *Finder) FindBatch(positions [][][3]float64, exclusions ExclusionSet) ([]List, error) {
	out := make([]List, len(positions))
	for r, pos := range positions {
		list, err := f.Find(pos, exclusions)
		if err != nil {
			return nil, fmt.Errorf("replica %d: %w", r, err)
		}
		out[r] = list
	}
	return out, nil
}

func (f *Finder) bruteForce(positions [][3]float64, exclusions ExclusionSet) []Pair {
	pairs := make([]Pair, 0)
	for i := 0; i < len(positions); i++ {
		for j := i + 1; j < len(positions); j++ {
			if p, ok := f.pair(positions, i, j, exclusions); ok {
				pairs = append(pairs, p)
			}
		}
	}
	return pairs
}

func (f *Finder) cellList(positions [][3]float64, exclusions ExclusionSet) []Pair {
	lo := vec(positions[0])
	for _, p := range positions[1:] {
		lo.X = math.Min(lo.X, p[0])
		lo.Y = math.Min(lo.Y, p[1])
		lo.Z = math.Min(lo.Z, p[2])
	}
	size := f.Upper
	cellOf := func(p [3]float64) [3]int {
		d := r3.Sub(vec(p), lo)
		return [3]int{int(math.Floor(d.X / size)), int(math.Floor(d.Y / size)), int(math.Floor(d.Z / size))}
	}
	cells := make(map[[3]int][]int)
	for i, p := range positions {
		c := cellOf(p)
		cells[c] = append(cells[c], i)
	}

	pairs := make([]Pair, 0)
	for i, p := range positions {
		c := cellOf(p)
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				for dz := -1; dz <= 1; dz++ {
					for _, j := range cells[[3]int{c[0] + dx, c[1] + dy, c[2] + dz}] {
						if j <= i {
							continue
						}
						if pair, ok := f.pair(positions, i, j, exclusions); ok {
							pairs = append(pairs, pair)
						}
					}
				}
			}
		}
	}
	return pairs
}

func (f *Finder) pair(positions [][3]float64, i, j int, exclusions ExclusionSet) (Pair, bool) {
	d := r3.Norm(r3.Sub(vec(positions[i]), vec(positions[j])))
	if !f.InRange(d) {
		return Pair{}, false
	}
	terms := TermNeural | TermRepulsion
	if exclusions.Has(i, j) {
		terms &^= TermRepulsion
	}
	if terms == 0 {
		return Pair{}, false
	}
	return Pair{I: i, J: j, Terms: terms, Dist: d}, true
}

func vec(p [3]float64) r3.Vec {
	return r3.Vec{X: p[0], Y: p[1], Z: p[2]}
}

func finite(p [3]float64) bool {
	for _, x := range p {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
