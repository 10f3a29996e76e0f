package heatmap

import (
	"math"
	"time"
)

// ApplyTimeDecay fades intensity exponentially with the age of each
// column, halving it every halfLife. Purely cosmetic: the raw matrix is
// untouched. A non-positive half-life disables decay.
func ApplyTimeDecay(g *Grid, nowMs int64, halfLife time.Duration) {
	if halfLife <= 0 {
		return
	}
	halfLifeMs := float64(halfLife.Milliseconds())
	for c := 0; c < g.Config.Cols; c++ {
		_, timeMs := g.Config.binCenter(0, c)
		age := float64(nowMs - timeMs)
		if age <= 0 {
			continue
		}
		factor := math.Exp(-math.Ln2 * age / halfLifeMs)
		for r := 0; r < g.Config.Rows; r++ {
			g.Intensity[r][c] *= factor
		}
	}
}

// Smooth softens the intensity matrix with a separable gaussian blur.
// Sigmas too small to fill a kernel fall back to a single 3×3 box blur.
// Weights are renormalized at the edges so intensity stays in [0,1].
func Smooth(g *Grid, sigma float64) {
	if sigma <= 0 {
		return
	}
	radius := int(3 * sigma)
	if radius < 1 {
		g.Intensity = boxBlur(g.Intensity)
		return
	}

	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	g.Intensity = convolveRows(g.Intensity, kernel)
	g.Intensity = convolveCols(g.Intensity, kernel)
}

func convolveRows(m [][]float64, kernel []float64) [][]float64 {
	rows := len(m)
	if rows == 0 {
		return m
	}
	cols := len(m[0])
	radius := len(kernel) / 2
	out := newMatrix(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var acc, wsum float64
			for k := -radius; k <= radius; k++ {
				cc := c + k
				if cc < 0 || cc >= cols {
					continue
				}
				w := kernel[k+radius]
				acc += m[r][cc] * w
				wsum += w
			}
			if wsum > 0 {
				out[r][c] = acc / wsum
			}
		}
	}
	return out
}

func convolveCols(m [][]float64, kernel []float64) [][]float64 {
	rows := len(m)
	if rows == 0 {
		return m
	}
	cols := len(m[0])
	radius := len(kernel) / 2
	out := newMatrix(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var acc, wsum float64
			for k := -radius; k <= radius; k++ {
				rr := r + k
				if rr < 0 || rr >= rows {
					continue
				}
				w := kernel[k+radius]
				acc += m[rr][c] * w
				wsum += w
			}
			if wsum > 0 {
				out[r][c] = acc / wsum
			}
		}
	}
	return out
}

func boxBlur(m [][]float64) [][]float64 {
	rows := len(m)
	if rows == 0 {
		return m
	}
	cols := len(m[0])
	out := newMatrix(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var acc float64
			var n int
			for dr := -1; dr <= 1; dr++ {
				for dc := -1; dc <= 1; dc++ {
					rr, cc := r+dr, c+dc
					if rr < 0 || rr >= rows || cc < 0 || cc >= cols {
						continue
					}
					acc += m[rr][cc]
					n++
				}
			}
			out[r][c] = acc / float64(n)
		}
	}
	return out
}
