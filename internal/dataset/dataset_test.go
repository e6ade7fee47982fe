package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePDB(t *testing.T, dir, name string, residues ...string) string {
	t.Helper()
	var b strings.Builder
	for i, res := range residues {
		fmt.Fprintf(&b, "ATOM  %5d  CA  %3s A%4d    %8.3f%8.3f%8.3f  1.00  0.00           C\n", i+1, res, i+1, 3.8*float64(i), 0.0, 0.0)
	}
	b.WriteString("END\n")
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write pdb: %v", err)
	}
	return path
}

func writeDataset(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "dataset.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	return path
}

func TestLoadResolvesStructuresRelativeToDocument(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "pdb"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writePDB(t, filepath.Join(dir, "pdb"), "tri.pdb", "ALA", "GLY", "LEU")
	writePDB(t, filepath.Join(dir, "pdb"), "di.pdb", "SER", "THR")
	path := writeDataset(t, dir, `{"entries": [
		{"name": "chignolin", "structure": "pdb/tri.pdb",
		 "frames": [[[0,0,0],[3.8,0,0],[7.6,0,0]], [[0,0,0],[3.7,0.5,0],[7.2,1,0]]],
		 "forces": [[[1,0,0],[0,0,0],[-1,0,0]], [[0,1,0],[0,-1,0],[0,0,0]]],
		 "energies": [1.5, 2.5]},
		{"structure": "pdb/di.pdb"}
	]}`)

	ds, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("unexpected entry count: %d", ds.Len())
	}
	first, second := ds.Entries[0], ds.Entries[1]
	if first.Name != "chignolin" || !first.HasForces() || !first.HasEnergies() || len(first.Frames) != 2 {
		t.Fatalf("unexpected first entry: %+v", first)
	}
	if second.Name != "di" || second.HasForces() || len(second.Frames) != 1 {
		t.Fatalf("unexpected second entry: name=%s frames=%d", second.Name, len(second.Frames))
	}
	if got := second.Frames[0][1][0]; got < 3.79 || got > 3.81 {
		t.Fatalf("default frame should use native coordinates, got x=%f", got)
	}
	frames := ds.Frames()
	if len(frames) != 3 || frames[2] != (Frame{Entry: 1, Index: 0}) {
		t.Fatalf("unexpected frames: %+v", frames)
	}
	pos := ds.Positions(frames[1])
	pos[0][0] = 99
	if ds.Entries[0].Frames[1][0][0] == 99 {
		t.Fatal("positions alias the dataset")
	}
}

func TestLoadRejectsInconsistentEntries(t *testing.T) {
	dir := t.TempDir()
	writePDB(t, dir, "di.pdb", "SER", "THR")
	cases := map[string]string{
		"empty":          `{"entries": []}`,
		"bead count":     `{"entries": [{"structure": "di.pdb", "frames": [[[0,0,0]]]}]}`,
		"force frames":   `{"entries": [{"structure": "di.pdb", "forces": [[[0,0,0],[0,0,0]], [[0,0,0],[0,0,0]]]}]}`,
		"energy frames":  `{"entries": [{"structure": "di.pdb", "energies": [1, 2]}]}`,
		"no structure":   `{"entries": [{"name": "x"}]}`,
		"missing file":   `{"entries": [{"structure": "nope.pdb"}]}`,
		"malformed json": `{"entries": [`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeDataset(t, dir, body)); err == nil {
				t.Fatal("expected load error")
			}
		})
	}
	if _, err := Load(writeDataset(t, dir, `{"entries": []}`)); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestSplit(t *testing.T) {
	train, val, err := Split(10, 0.2, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(train) != 8 || len(val) != 2 {
		t.Fatalf("unexpected fractional split: train=%d val=%d", len(train), len(val))
	}
	seen := make(map[int]bool)
	for _, i := range append(append([]int(nil), train...), val...) {
		if seen[i] {
			t.Fatalf("index %d appears twice", i)
		}
		seen[i] = true
	}
	if len(seen) != 10 {
		t.Fatalf("split lost indices: %v", seen)
	}

	train, val, err = Split(10, 3, rand.New(rand.NewSource(1)))
	if err != nil || len(val) != 3 || len(train) != 7 {
		t.Fatalf("unexpected count split: train=%d val=%d err=%v", len(train), len(val), err)
	}
	if _, _, err := Split(10, 10, rand.New(rand.NewSource(1))); err == nil {
		t.Fatal("expected error when nothing is left for training")
	}
	if _, _, err := Split(10, -1, rand.New(rand.NewSource(1))); err == nil {
		t.Fatal("expected negative val_size error")
	}
	if train, val, err := Split(4, 0, rand.New(rand.NewSource(1))); err != nil || len(val) != 0 || len(train) != 4 {
		t.Fatalf("unexpected empty validation split: %v %v %v", train, val, err)
	}
}

func TestBatches(t *testing.T) {
	got := Batches([]int{1, 2, 3, 4, 5}, 2)
	if len(got) != 3 || len(got[2]) != 1 || got[2][0] != 5 {
		t.Fatalf("unexpected batches: %v", got)
	}
	if got := Batches([]int{1, 2, 3}, 0); len(got) != 1 || len(got[0]) != 3 {
		t.Fatalf("unexpected single batch: %v", got)
	}
	if got := Batches([]int(nil), 4); got != nil {
		t.Fatalf("unexpected batches of nothing: %v", got)
	}
}

func TestShuffleIsSeeded(t *testing.T) {
	a := []int{0, 1, 2, 3, 4, 5, 6, 7}
	b := append([]int(nil), a...)
	Shuffle(a, rand.New(rand.NewSource(3)))
	Shuffle(b, rand.New(rand.NewSource(3)))
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("shuffle not deterministic: %v vs %v", a, b)
		}
	}
}

func TestAddNoise(t *testing.T) {
	pos := [][3]float64{{0, 0, 0}, {1, 1, 1}}
	same := AddNoise(pos, 0, rand.New(rand.NewSource(1)))
	if same[1] != pos[1] {
		t.Fatal("zero noise changed positions")
	}
	noisy := AddNoise(pos, 0.1, rand.New(rand.NewSource(1)))
	if noisy[0] == pos[0] {
		t.Fatal("noise not applied")
	}
	if pos[0] != [3]float64{} {
		t.Fatal("input mutated")
	}
}
