package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"mdexp/internal/model"
)

// Series summarizes the values one metric key took over a run.
type Series struct {
	Key   string  `json:"key"`
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	First float64 `json:"first"`
	Last  float64 `json:"last"`
}

// Summarize builds one Series per key present in rows, sorted by key.
// Non-finite values are skipped.
func Summarize(rows []model.MetricRow) []Series {
	values := make(map[string][]float64)
	for _, row := range rows {
		for key, v := range row.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			values[key] = append(values[key], v)
		}
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]Series, 0, len(keys))
	for _, key := range keys {
		xs := values[key]
		s := Series{Key: key, Count: len(xs), Min: floats.Min(xs), Max: floats.Max(xs), First: xs[0], Last: xs[len(xs)-1]}
		if len(xs) > 1 {
			s.Mean, s.Std = stat.MeanStdDev(xs, nil)
		} else {
			s.Mean = xs[0]
		}
		out = append(out, s)
	}
	return out
}
