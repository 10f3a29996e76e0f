package heatmap

import (
	"fmt"
	"math"
	"strings"
)

// Normalization selects the element-wise transform applied before the
// min-max rescale to [0,1].
type Normalization int

const (
	NormLinear Normalization = iota
	NormSqrt
	NormLog
	NormLog10
)

func ParseNormalization(s string) (Normalization, error) {
	switch strings.ToLower(s) {
	case "", "linear":
		return NormLinear, nil
	case "sqrt":
		return NormSqrt, nil
	case "log", "ln":
		return NormLog, nil
	case "log10":
		return NormLog10, nil
	default:
		return NormLinear, fmt.Errorf("unknown normalization %q", s)
	}
}

func (n Normalization) String() string {
	switch n {
	case NormSqrt:
		return "sqrt"
	case NormLog:
		return "log"
	case NormLog10:
		return "log10"
	default:
		return "linear"
	}
}

// WeightMode selects what each event contributes to its bin.
type WeightMode int

const (
	WeightNotional WeightMode = iota
	WeightQty
	WeightCount
)

func ParseWeightMode(s string) (WeightMode, error) {
	switch strings.ToLower(s) {
	case "", "notional":
		return WeightNotional, nil
	case "qty", "quantity":
		return WeightQty, nil
	case "count":
		return WeightCount, nil
	default:
		return WeightNotional, fmt.Errorf("unknown weight mode %q", s)
	}
}

func (w WeightMode) String() string {
	switch w {
	case WeightQty:
		return "qty"
	case WeightCount:
		return "count"
	default:
		return "notional"
	}
}

// Renormalize recomputes the intensity matrix from the raw aggregates,
// used after incremental updates touched the raw matrix in place.
func (g *Grid) Renormalize(norm Normalization, floor float64) {
	g.Intensity = normalize(g.Raw, norm, floor)
}

func (n Normalization) transform(x float64) float64 {
	switch n {
	case NormSqrt:
		return math.Sqrt(x + epsilon)
	case NormLog:
		return math.Log(x + epsilon)
	case NormLog10:
		return math.Log10(x + epsilon)
	default:
		return x
	}
}

// normalize applies the transform and rescales the matrix into [0,1].
// An all-zero input stays all-zero. A collapsed transformed range (no
// contrast between bins) yields floor uniformly instead of dividing by
// zero.
func normalize(raw [][]float64, norm Normalization, floor float64) [][]float64 {
	rows := len(raw)
	if rows == 0 {
		return nil
	}
	cols := len(raw[0])
	out := newMatrix(rows, cols)

	allZero := true
	for r := range raw {
		for _, v := range raw[r] {
			if v != 0 {
				allZero = false
				break
			}
		}
		if !allZero {
			break
		}
	}
	if allZero {
		return out
	}

	lo := math.Inf(1)
	hi := math.Inf(-1)
	for r := range raw {
		for c, v := range raw[r] {
			t := norm.transform(v)
			out[r][c] = t
			if t < lo {
				lo = t
			}
			if t > hi {
				hi = t
			}
		}
	}

	if hi-lo < epsilon {
		for r := range out {
			for c := range out[r] {
				out[r][c] = floor
			}
		}
		return out
	}

	span := hi - lo
	for r := range out {
		for c := range out[r] {
			out[r][c] = (out[r][c] - lo) / span
		}
	}
	return out
}
