package service

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ComponentStats summarises one component over a level.
type ComponentStats struct {
	Array     string  `json:"array"`
	Component string  `json:"component"`
	Level     int     `json:"level"`
	Count     int     `json:"count"`
	NaNCount  int     `json:"nan_count"`
	InfCount  int     `json:"inf_count"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"std_dev"`
	P80       float64 `json:"p80"`
}

// computeStats fills the numeric fields of ComponentStats. NaN and
// infinite samples are counted and skipped.
func computeStats(values []float32) ComponentStats {
	xs := make([]float64, 0, len(values))
	nan, inf := 0, 0
	for _, v := range values {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			nan++
			continue
		case math.IsInf(f, 0):
			inf++
			continue
		}
		xs = append(xs, f)
	}

	st := ComponentStats{Count: len(xs), NaNCount: nan, InfCount: inf}
	if len(xs) == 0 {
		return st
	}

	st.Min = floats.Min(xs)
	st.Max = floats.Max(xs)
	if len(xs) > 1 {
		st.Mean, st.StdDev = stat.MeanStdDev(xs, nil)
	} else {
		st.Mean = xs[0]
	}

	sort.Float64s(xs)
	st.P80 = stat.Quantile(0.8, stat.Empirical, xs, nil)
	return st
}
