package heatmap

import (
	"math"

	"liqflow/internal/models"
)

// epsilon guards the log transforms at zero and detects collapsed
// normalization ranges.
const epsilon = 1e-9

// Hard grid maxima. Whatever surface size is requested, the dense matrix
// never exceeds these, bounding memory and render cost.
const (
	DefaultMaxRows = 380
	DefaultMaxCols = 1700
)

// GridConfig describes one price×time aggregation window. A degenerate
// window (max ≤ min on either axis) is legal: everything collapses into
// bin 0 and the result is simply flat.
type GridConfig struct {
	PriceMin    float64
	PriceMax    float64
	TimeStartMs int64
	TimeEndMs   int64
	Rows        int
	Cols        int
	TickSize    float64
}

// PriceBinSize is the price span of one row, rounded up to a whole tick
// so bin edges land on representable prices.
func (c GridConfig) PriceBinSize() float64 {
	if c.Rows <= 0 {
		return 0
	}
	size := (c.PriceMax - c.PriceMin) / float64(c.Rows)
	if size <= 0 {
		return c.TickSize
	}
	if c.TickSize > 0 {
		size = math.Ceil(size/c.TickSize) * c.TickSize
	}
	return size
}

// TimeBinSize is the duration of one column in milliseconds.
func (c GridConfig) TimeBinSize() int64 {
	if c.Cols <= 0 {
		return 0
	}
	span := c.TimeEndMs - c.TimeStartMs
	if span <= 0 {
		return 1
	}
	return (span + int64(c.Cols) - 1) / int64(c.Cols)
}

// binFor maps an event onto its (row, col). Prices and times outside the
// window clamp to the edge bins; degenerate axes map everything to 0.
func (c GridConfig) binFor(price float64, timeMs int64) (int, int) {
	row := 0
	if span := c.PriceMax - c.PriceMin; span > 0 {
		row = int(math.Floor((price - c.PriceMin) / span * float64(c.Rows)))
		row = clampInt(row, 0, c.Rows-1)
	}

	col := 0
	if span := c.TimeEndMs - c.TimeStartMs; span > 0 {
		col = int(math.Floor(float64(timeMs-c.TimeStartMs) / float64(span) * float64(c.Cols)))
		col = clampInt(col, 0, c.Cols-1)
	}
	return row, col
}

// binCenter returns the mid-point price and time of a bin, used for the
// sparse cell output.
func (c GridConfig) binCenter(row, col int) (float64, int64) {
	price := c.PriceMin
	if span := c.PriceMax - c.PriceMin; span > 0 {
		price = c.PriceMin + (float64(row)+0.5)*span/float64(c.Rows)
	}
	timeMs := c.TimeStartMs
	if span := c.TimeEndMs - c.TimeStartMs; span > 0 {
		timeMs = c.TimeStartMs + int64((float64(col)+0.5)*float64(span)/float64(c.Cols))
	}
	return price, timeMs
}

// GridCell is one renderable point of the sparse output.
type GridCell struct {
	TimeMs    int64
	Price     float64
	Intensity float64
	Raw       float64
}

// Grid is the aggregation result: the raw weighted matrix, its normalized
// counterpart, and the config that produced them. Both matrices are
// always full Rows×Cols.
type Grid struct {
	Config    GridConfig
	Raw       [][]float64
	Intensity [][]float64
}

// BuildGrid maps each event into exactly one bin, accumulates the chosen
// weight, and normalizes the whole matrix. Events are expected to be
// window-scoped already; stragglers clamp to the edges rather than vanish.
func BuildGrid(cfg GridConfig, events []models.LiquidationEvent, norm Normalization, weight WeightMode, floor float64) *Grid {
	rows, cols := cfg.Rows, cfg.Cols
	if rows <= 0 {
		rows = 1
	}
	if cols <= 0 {
		cols = 1
	}
	cfg.Rows, cfg.Cols = rows, cols

	raw := newMatrix(rows, cols)
	for i := range events {
		ev := &events[i]
		row, col := cfg.binFor(ev.Price, ev.EventTime)
		raw[row][col] += eventWeight(ev, weight)
	}

	return &Grid{
		Config:    cfg,
		Raw:       raw,
		Intensity: normalize(raw, norm, floor),
	}
}

// AddEventToGrid applies the same bin mapping to an already-built grid in
// place, so a live path can fold one event in without a rebuild. Events
// outside the grid's window report ok=false and leave the grid untouched;
// only the raw matrix changes, normalization is the caller's call.
func AddEventToGrid(g *Grid, ev models.LiquidationEvent, weight WeightMode) (row, col int, ok bool) {
	c := g.Config
	if ev.EventTime < c.TimeStartMs || ev.EventTime > c.TimeEndMs {
		return 0, 0, false
	}
	if c.PriceMax > c.PriceMin && (ev.Price < c.PriceMin || ev.Price > c.PriceMax) {
		return 0, 0, false
	}
	row, col = c.binFor(ev.Price, ev.EventTime)
	g.Raw[row][col] += eventWeight(&ev, weight)
	return row, col, true
}

// SparseCells flattens the grid into renderable cells, dropping anything
// below threshold.
func (g *Grid) SparseCells(threshold float64) []GridCell {
	var cells []GridCell
	for r := range g.Intensity {
		for c, v := range g.Intensity[r] {
			if v < threshold {
				continue
			}
			price, timeMs := g.Config.binCenter(r, c)
			cells = append(cells, GridCell{
				TimeMs:    timeMs,
				Price:     price,
				Intensity: v,
				Raw:       g.Raw[r][c],
			})
		}
	}
	return cells
}

// AutoResolution derives a grid shape from a rendering surface size and a
// target pixels-per-bin ratio, clamped to the hard maxima.
func AutoResolution(widthPx, heightPx int, pixelsPerBin float64, maxRows, maxCols int) (rows, cols int) {
	if pixelsPerBin <= 0 {
		pixelsPerBin = 1
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if maxCols <= 0 {
		maxCols = DefaultMaxCols
	}
	rows = int(math.Round(float64(heightPx) / pixelsPerBin))
	cols = int(math.Round(float64(widthPx) / pixelsPerBin))
	rows = clampInt(rows, 1, maxRows)
	cols = clampInt(cols, 1, maxCols)
	return rows, cols
}

func eventWeight(ev *models.LiquidationEvent, mode WeightMode) float64 {
	switch mode {
	case WeightQty:
		return ev.Quantity
	case WeightCount:
		return 1
	default:
		return ev.Notional
	}
}

func newMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for r := range m {
		m[r] = make([]float64, cols)
	}
	return m
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
