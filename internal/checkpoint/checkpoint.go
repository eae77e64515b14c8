package checkpoint

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sdn-rl-controller/internal/agent"
	"sdn-rl-controller/internal/config"
)

// FileName is the checkpoint file inside the checkpoint directory.
const FileName = "agent.json.gz"

type Artifact struct {
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`

	RunID string `json:"run_id"`
	Name  string `json:"name"`
	Tick  int    `json:"tick"`

	Agent agent.Snapshot `json:"agent"`
}

func DefaultDir() string {
	if v := strings.TrimSpace(os.Getenv("SDNRL_CHECKPOINT_DIR")); v != "" {
		return v
	}
	return "checkpoints"
}

// Build wraps an agent snapshot for writing.
func Build(runID, name string, tick int, snapshot agent.Snapshot) *Artifact {
	return &Artifact{
		Version:   1,
		CreatedAt: time.Now(),
		RunID:     runID,
		Name:      name,
		Tick:      tick,
		Agent:     snapshot,
	}
}

// Write stores a gzip-compressed JSON artifact atomically, replacing any
// previous checkpoint in dir. It returns the final file path.
func Write(dir string, artifact *Artifact) (string, error) {
	if artifact == nil {
		return "", fmt.Errorf("checkpoint artifact is nil")
	}
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	finalPath := filepath.Join(dir, FileName)

	tmp, err := os.CreateTemp(dir, FileName+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	if err := json.NewEncoder(gz).Encode(artifact); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

// Load reads the checkpoint in dir. A missing checkpoint returns nil and no
// error.
func Load(dir string) (*Artifact, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	f, err := os.Open(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer gz.Close()

	var artifact Artifact
	if err := json.NewDecoder(gz).Decode(&artifact); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &artifact, nil
}

// Check fails when the checkpoint was taken for different agent dimensions.
func (a *Artifact) Check(stateSize, actionSize int) error {
	s := a.Agent
	if s.StateSize != stateSize || s.ActionSize != actionSize {
		return config.Errorf("checkpoint", "checkpoint is %dx%d, agent is %dx%d", s.StateSize, s.ActionSize, stateSize, actionSize)
	}
	if len(s.Weights) != stateSize*actionSize || len(s.Bias) != actionSize {
		return config.Errorf("checkpoint", "checkpoint parameters do not match its declared dimensions")
	}
	if !agent.ValidEpsilon(s.Epsilon) {
		return config.Errorf("checkpoint", "checkpoint epsilon %v is outside [0, 1]", s.Epsilon)
	}
	return nil
}
