package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"mdexp/internal/topology"
)

var ErrEmpty = errors.New("dataset has no entries")

// Entry is one molecule with its reference frames. Forces and Energies are
// optional; when present they carry one value per frame.
type Entry struct {
	Name     string
	System   *topology.System
	Frames   [][][3]float64
	Forces   [][][3]float64
	Energies []float64
}

func (e Entry) HasForces() bool { return len(e.Forces) > 0 }

func (e Entry) HasEnergies() bool { return len(e.Energies) > 0 }

type Dataset struct {
	Entries []Entry
}

// Frame references one reference configuration of an entry.
type Frame struct {
	Entry int
	Index int
}

type document struct {
	Entries []documentEntry `json:"entries"`
}

type documentEntry struct {
	Name      string         `json:"name"`
	Structure string         `json:"structure"`
	Frames    [][][3]float64 `json:"frames"`
	Forces    [][][3]float64 `json:"forces"`
	Energies  []float64      `json:"energies"`
}

// Load reads a dataset document. Structure paths are resolved relative to
// the document; entries without frames use the structure's coordinates.
func Load(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode dataset %s: %w", path, err)
	}
	if len(doc.Entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, path)
	}
	base := filepath.Dir(path)
	ds := &Dataset{Entries: make([]Entry, 0, len(doc.Entries))}
	for i, raw := range doc.Entries {
		structure := raw.Structure
		if structure == "" {
			return nil, fmt.Errorf("entry %d: structure is required", i)
		}
		if !filepath.IsAbs(structure) {
			structure = filepath.Join(base, structure)
		}
		sys, err := topology.Load(structure)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if raw.Name != "" {
			sys.Name = raw.Name
		}
		entry, err := NewEntry(sys, raw.Frames, raw.Forces, raw.Energies)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", sys.Name, err)
		}
		ds.Entries = append(ds.Entries, entry)
	}
	return ds, nil
}

// NewEntry validates reference data against sys. Nil frames default to the
// native coordinates.
func NewEntry(sys *topology.System, frames, forces [][][3]float64, energies []float64) (Entry, error) {
	if len(frames) == 0 {
		frames = [][][3]float64{sys.CopyNative()}
	}
	n := sys.Len()
	for k, f := range frames {
		if len(f) != n {
			return Entry{}, fmt.Errorf("frame %d has %d beads, want %d", k, len(f), n)
		}
		if err := checkFinite(f); err != nil {
			return Entry{}, fmt.Errorf("frame %d: %w", k, err)
		}
	}
	if len(forces) > 0 {
		if len(forces) != len(frames) {
			return Entry{}, fmt.Errorf("forces carry %d frames, want %d", len(forces), len(frames))
		}
		for k, f := range forces {
			if len(f) != n {
				return Entry{}, fmt.Errorf("forces of frame %d have %d beads, want %d", k, len(f), n)
			}
			if err := checkFinite(f); err != nil {
				return Entry{}, fmt.Errorf("forces of frame %d: %w", k, err)
			}
		}
	}
	if len(energies) > 0 && len(energies) != len(frames) {
		return Entry{}, fmt.Errorf("energies carry %d frames, want %d", len(energies), len(frames))
	}
	return Entry{Name: sys.Name, System: sys, Frames: frames, Forces: forces, Energies: energies}, nil
}

func checkFinite(xs [][3]float64) error {
	for i, x := range xs {
		for c := 0; c < 3; c++ {
			if math.IsNaN(x[c]) || math.IsInf(x[c], 0) {
				return fmt.Errorf("non-finite value at bead %d", i)
			}
		}
	}
	return nil
}

func (d *Dataset) Len() int { return len(d.Entries) }

// Frames lists every reference frame in entry order.
func (d *Dataset) Frames() []Frame {
	out := make([]Frame, 0)
	for i, e := range d.Entries {
		for k := range e.Frames {
			out = append(out, Frame{Entry: i, Index: k})
		}
	}
	return out
}

// Positions returns a copy of the coordinates of f.
func (d *Dataset) Positions(f Frame) [][3]float64 {
	return append([][3]float64(nil), d.Entries[f.Entry].Frames[f.Index]...)
}

// ValidationCount resolves val_size: a fraction of n when below 1, a count
// otherwise.
func ValidationCount(n int, valSize float64) (int, error) {
	if valSize < 0 {
		return 0, fmt.Errorf("val_size must be >= 0")
	}
	count := int(valSize)
	if valSize < 1 {
		count = int(math.Round(valSize * float64(n)))
	}
	if count > 0 && count >= n {
		return 0, fmt.Errorf("val_size %g leaves no training data out of %d", valSize, n)
	}
	return count, nil
}

// Split shuffles [0, n) with rng and holds out the validation share.
func Split(n int, valSize float64, rng *rand.Rand) (train, val []int, err error) {
	count, err := ValidationCount(n, valSize)
	if err != nil {
		return nil, nil, err
	}
	idx := rng.Perm(n)
	return idx[count:], idx[:count], nil
}

// Shuffle permutes xs in place.
func Shuffle[T any](xs []T, rng *rand.Rand) {
	rng.Shuffle(len(xs), func(i, j int) { xs[i], xs[j] = xs[j], xs[i] })
}

// Batches cuts xs into consecutive groups of at most size.
func Batches[T any](xs []T, size int) [][]T {
	if len(xs) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(xs)
	}
	out := make([][]T, 0, (len(xs)+size-1)/size)
	for lo := 0; lo < len(xs); lo += size {
		hi := min(lo+size, len(xs))
		out = append(out, xs[lo:hi])
	}
	return out
}

// AddNoise perturbs a copy of positions with Gaussian noise of std Å.
func AddNoise(positions [][3]float64, std float64, rng *rand.Rand) [][3]float64 {
	out := append([][3]float64(nil), positions...)
	if std <= 0 {
		return out
	}
	for i := range out {
		for c := 0; c < 3; c++ {
			out[i][c] += std * rng.NormFloat64()
		}
	}
	return out
}
