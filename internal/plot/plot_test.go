package plot

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"sdn-rl-controller/internal/controller"

	"gonum.org/v1/plot/plotter"
)

type staticSource []controller.TickRecord

func (s staticSource) Ticks(context.Context, string) ([]controller.TickRecord, error) {
	return s, nil
}

func TestGenerateTimeline(t *testing.T) {
	var ticks staticSource
	for i := 1; i <= 20; i++ {
		ticks = append(ticks, controller.TickRecord{Tick: i, Reward: float64(i%5) / 5, Epsilon: math.Pow(0.9, float64(i)), Status: "RUNNING"})
	}
	ticks = append(ticks, controller.TickRecord{Tick: 21, Status: "FAILED", Error: "sync"})

	out := filepath.Join(t.TempDir(), "plots", "reward.png")
	pm := NewPlotManager(ticks)
	if err := pm.GenerateTimeline(context.Background(), Options{RunID: "r", Window: 5}, out); err != nil {
		t.Fatalf("GenerateTimeline: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		t.Fatalf("plot not written: %v", err)
	}
}

func TestGenerateTimelineEmpty(t *testing.T) {
	pm := NewPlotManager(staticSource(nil))
	if err := pm.GenerateTimeline(context.Background(), Options{RunID: "r"}, filepath.Join(t.TempDir(), "x.png")); err == nil {
		t.Errorf("expected error for a run without ticks")
	}
}

func TestMovingAverage(t *testing.T) {
	in := plotter.XYs{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}, {X: 4, Y: 4}}
	got := movingAverage(in, 2)
	want := []float64{1.5, 2.5, 3.5}
	if len(got) != len(want) {
		t.Fatalf("got %d points", len(got))
	}
	for i, w := range want {
		if got[i].Y != w || got[i].X != in[i+1].X {
			t.Errorf("point %d = %+v, want y=%v", i, got[i], w)
		}
	}
}
