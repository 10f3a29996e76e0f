package pipeline

import (
	"liqflow/internal/heatmap"
	"liqflow/logger"
)

// LogSink is a RenderSink for headless deployments: instead of drawing it
// reports what a renderer would draw.
type LogSink struct {
	log *logger.Log
}

func NewLogSink() *LogSink {
	return &LogSink{log: logger.GetLogger()}
}

func (s *LogSink) RenderCells(cells []heatmap.GridCell, opacity float64, palette string) {
	var peak float64
	for _, c := range cells {
		if c.Intensity > peak {
			peak = c.Intensity
		}
	}
	logger.RecordCounter("render_updates", len(cells))
	s.log.WithComponent("render_sink").WithFields(logger.Fields{
		"cells":   len(cells),
		"peak":    peak,
		"opacity": opacity,
		"palette": palette,
	}).Info("heatmap update")
}

func (s *LogSink) Clear() {
	s.log.WithComponent("render_sink").Info("heatmap cleared")
}
