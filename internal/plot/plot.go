package plot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"sdn-rl-controller/internal/controller"
	"sdn-rl-controller/internal/logging"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// TickSource yields the recorded ticks of a run.
type TickSource interface {
	Ticks(ctx context.Context, runID string) ([]controller.TickRecord, error)
}

type Options struct {
	RunID string
	// Window is the moving average width for the smoothed reward line.
	// Values below 2 disable smoothing.
	Window int
	Width  vg.Length
	Height vg.Length
}

type PlotManager struct {
	source TickSource
	logger *logrus.Logger
}

func NewPlotManager(source TickSource) *PlotManager {
	return &PlotManager{
		source: source,
		logger: logging.GetLogger(),
	}
}

// GenerateTimeline draws reward and epsilon per tick of a run and saves the
// image to path. The format follows the file extension.
func (pm *PlotManager) GenerateTimeline(ctx context.Context, opts Options, path string) error {
	ticks, err := pm.source.Ticks(ctx, opts.RunID)
	if err != nil {
		return fmt.Errorf("failed to load ticks: %w", err)
	}
	if len(ticks) == 0 {
		return fmt.Errorf("no ticks recorded for run %s", opts.RunID)
	}

	p := plot.New()
	p.Title.Text = "Run " + opts.RunID
	p.X.Label.Text = "Tick"
	p.Y.Label.Text = "Value"

	reward := make(plotter.XYs, 0, len(ticks))
	epsilon := make(plotter.XYs, 0, len(ticks))
	failed := make(plotter.XYs, 0)
	for _, t := range ticks {
		if t.Status == controller.Failed.String() {
			failed = append(failed, plotter.XY{X: float64(t.Tick), Y: 0})
			continue
		}
		reward = append(reward, plotter.XY{X: float64(t.Tick), Y: t.Reward})
		epsilon = append(epsilon, plotter.XY{X: float64(t.Tick), Y: t.Epsilon})
	}

	series := []struct {
		name   string
		points plotter.XYs
	}{
		{"reward", reward},
		{"epsilon", epsilon},
	}
	if opts.Window > 1 && len(reward) >= opts.Window {
		series = append(series, struct {
			name   string
			points plotter.XYs
		}{fmt.Sprintf("reward (avg %d)", opts.Window), movingAverage(reward, opts.Window)})
	}

	for i, s := range series {
		if len(s.points) == 0 {
			continue
		}
		line, err := plotter.NewLine(s.points)
		if err != nil {
			return fmt.Errorf("failed to build %s line: %w", s.name, err)
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}

	if len(failed) > 0 {
		scatter, err := plotter.NewScatter(failed)
		if err != nil {
			return fmt.Errorf("failed to build failure markers: %w", err)
		}
		scatter.Color = plotutil.Color(len(series))
		scatter.Shape = plotutil.Shape(1)
		p.Add(scatter)
		p.Legend.Add("failed", scatter)
	}

	width, height := opts.Width, opts.Height
	if width == 0 {
		width = 8 * vg.Inch
	}
	if height == 0 {
		height = 4 * vg.Inch
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := p.Save(width, height, path); err != nil {
		return fmt.Errorf("failed to save plot: %w", err)
	}

	pm.logger.WithFields(logrus.Fields{
		"run_id": opts.RunID,
		"ticks":  len(ticks),
		"output": path,
	}).Info("Timeline plot written")
	return nil
}

func movingAverage(points plotter.XYs, window int) plotter.XYs {
	out := make(plotter.XYs, 0, len(points)-window+1)
	sum := 0.0
	for i, pt := range points {
		sum += pt.Y
		if i >= window {
			sum -= points[i-window].Y
		}
		if i >= window-1 {
			out = append(out, plotter.XY{X: pt.X, Y: sum / float64(window)})
		}
	}
	return out
}
