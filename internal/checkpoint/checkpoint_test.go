package checkpoint

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"sdn-rl-controller/internal/agent"
	"sdn-rl-controller/internal/config"
)

func newLearner(t *testing.T, state, actions int) *agent.QLearner {
	t.Helper()
	q, err := agent.NewQLearner(agent.Config{
		StateSize:      state,
		ActionSize:     actions,
		BufferCapacity: 10,
		LearningRate:   0.1,
		Discount:       0.9,
		Epsilon:        0.5,
		EpsilonMin:     0.01,
		EpsilonDecay:   0.99,
		Seed:           7,
	})
	if err != nil {
		t.Fatalf("NewQLearner: %v", err)
	}
	return q
}

func TestWriteAndLoad(t *testing.T) {
	dir := t.TempDir()
	q := newLearner(t, 5, 2)

	path, err := Write(dir, Build("run-1", "lab", 42, q.Snapshot()))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Base(path) != FileName {
		t.Errorf("path = %s", path)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RunID != "run-1" || got.Tick != 42 || got.Version != 1 {
		t.Errorf("artifact = %+v", got)
	}
	if !reflect.DeepEqual(got.Agent, q.Snapshot()) {
		t.Errorf("snapshot changed across write/load")
	}
	if err := got.Check(5, 2); err != nil {
		t.Errorf("Check: %v", err)
	}
	if err := newLearner(t, 5, 2).Restore(got.Agent); err != nil {
		t.Errorf("Restore: %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	got, err := Load(t.TempDir())
	if err != nil || got != nil {
		t.Fatalf("Load of empty dir = %v, %v", got, err)
	}
}

func TestCheckRejectsOtherDimensions(t *testing.T) {
	a := Build("run", "lab", 1, newLearner(t, 5, 2).Snapshot())
	if err := a.Check(7, 2); !config.IsConfigurationError(err) {
		t.Errorf("state size mismatch: %v", err)
	}
	a.Agent.Bias = a.Agent.Bias[:1]
	if err := a.Check(5, 2); !config.IsConfigurationError(err) {
		t.Errorf("truncated bias: %v", err)
	}
}

func TestCheckRejectsEpsilonOutOfRange(t *testing.T) {
	for _, eps := range []float64{-0.1, 1.5} {
		a := Build("run", "lab", 1, newLearner(t, 5, 2).Snapshot())
		a.Agent.Epsilon = eps
		if err := a.Check(5, 2); !config.IsConfigurationError(err) {
			t.Errorf("epsilon %v: expected ConfigurationError, got %v", eps, err)
		}
		if err := newLearner(t, 5, 2).Restore(a.Agent); err == nil {
			t.Errorf("epsilon %v: Restore accepted the snapshot", eps)
		}
	}
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, FileName), []byte("not gzip"), 0o644)
	if _, err := Load(dir); err == nil {
		t.Errorf("expected error for corrupt checkpoint")
	}
}
