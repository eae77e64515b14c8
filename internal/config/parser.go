package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"sdn-rl-controller/internal/logging"

	"gopkg.in/yaml.v3"
)

var knownMetrics = map[string]bool{
	"bandwidth": true,
	"delay":     true,
	"loss":      true,
}

func LoadConfig(filepath string) (*ControllerConfigFile, error) {
	config, _, err := LoadConfigWithContent(filepath)
	return config, err
}

// LoadConfigWithContent also returns the raw file so runs can be journaled
// with the exact configuration they were started from.
func LoadConfigWithContent(filepath string) (*ControllerConfigFile, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", &ConfigurationError{Op: "read", Err: err}
	}

	originalContent := string(data)
	config, err := ParseConfig(originalContent)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to load config file")
		return nil, "", err
	}
	return config, originalContent, nil
}

// ParseConfig expands ${VAR} references, decodes the YAML, applies defaults
// and validates the result.
func ParseConfig(content string) (*ControllerConfigFile, error) {
	expanded := expandEnvVars(content)

	var config ControllerConfigFile
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, &ConfigurationError{Op: "parse", Err: err}
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// Validate checks each section in isolation. Sizes that depend on the
// topology are checked once the topology is loaded.
func (c *ControllerConfigFile) Validate() error {
	if c.Controller.Name == "" {
		return Errorf("validate", "controller name is required")
	}
	if c.Controller.TickInterval < 0 {
		return Errorf("validate", "tick_interval must not be negative")
	}
	if c.Controller.TrainingInterval <= 0 {
		return Errorf("validate", "training_interval must be greater than 0")
	}
	if c.Controller.MaxTicks < 0 {
		return Errorf("validate", "max_ticks must not be negative")
	}

	if err := c.validateAgent(); err != nil {
		return err
	}
	if err := c.validateTopology(); err != nil {
		return err
	}

	env := c.Environment
	if !knownMetrics[env.StateMetric] {
		return Errorf("validate", "environment: unknown state_metric %q", env.StateMetric)
	}
	if _, ok := c.Topology.Metrics[env.StateMetric]; !ok {
		return Errorf("validate", "environment: state_metric %q has no range in topology.metrics", env.StateMetric)
	}
	if env.QualityWeight < 0 || env.BalanceWeight < 0 {
		return Errorf("validate", "environment: reward weights must not be negative")
	}
	if env.MaxSteps < 0 {
		return Errorf("validate", "environment: max_steps must not be negative")
	}

	switch c.Sync.Backend {
	case "memory":
	case "ofctl":
		if c.Sync.URL == "" {
			return Errorf("validate", "sync: url is required for the ofctl backend")
		}
	default:
		return Errorf("validate", "sync: unknown backend %q", c.Sync.Backend)
	}
	if c.Sync.Priority < 0 || c.Sync.Priority > 65535 {
		return Errorf("validate", "sync: priority %d out of range", c.Sync.Priority)
	}
	if c.Sync.Timeout <= 0 || c.Sync.Retries <= 0 {
		return Errorf("validate", "sync: timeout and retries must be greater than 0")
	}

	switch c.Emulation.Backend {
	case "none":
	case "docker":
		if c.Emulation.Image == "" {
			return Errorf("validate", "emulation: image is required for the docker backend")
		}
	default:
		return Errorf("validate", "emulation: unknown backend %q", c.Emulation.Backend)
	}

	if c.MetricsEnabled() {
		db := c.Metrics
		if db.Name == "" || db.Password == "" || db.Org == "" {
			return Errorf("validate", "incomplete metrics database configuration")
		}
	}

	return nil
}

func (c *ControllerConfigFile) validateAgent() error {
	a := c.Agent
	if a.StateSize <= 0 {
		return Errorf("validate", "agent: state_size must be greater than 0")
	}
	if a.ActionSize <= 0 {
		return Errorf("validate", "agent: action_size must be greater than 0")
	}
	if a.StateSize <= a.ActionSize {
		return Errorf("validate", "agent: state_size %d must exceed action_size %d", a.StateSize, a.ActionSize)
	}
	if a.BatchSize <= 0 {
		return Errorf("validate", "agent: batch_size must be greater than 0")
	}
	if a.BufferCapacity < a.BatchSize {
		return Errorf("validate", "agent: buffer_capacity %d is smaller than batch_size %d", a.BufferCapacity, a.BatchSize)
	}
	if a.LearningRate <= 0 || a.LearningRate > 1 {
		return Errorf("validate", "agent: learning_rate must be in (0, 1]")
	}
	if d := a.GetDiscount(); d < 0 || d > 1 {
		return Errorf("validate", "agent: discount must be in [0, 1]")
	}
	if e, m := a.GetEpsilon(), a.GetEpsilonMin(); e < 0 || e > 1 || m < 0 || m > 1 {
		return Errorf("validate", "agent: epsilon and epsilon_min must be in [0, 1]")
	}
	if a.EpsilonDecay <= 0 || a.EpsilonDecay > 1 {
		return Errorf("validate", "agent: epsilon_decay must be in (0, 1]")
	}
	return nil
}

func (c *ControllerConfigFile) validateTopology() error {
	t := c.Topology
	if t.File == "" {
		return Errorf("validate", "topology: file is required")
	}
	if len(t.Metrics) == 0 {
		return Errorf("validate", "topology: at least one metric range is required")
	}

	names := make([]string, 0, len(t.Metrics))
	for name := range t.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := t.Metrics[name]
		if !knownMetrics[name] {
			return Errorf("validate", "topology: unknown metric %q", name)
		}
		if len(r) != 2 {
			return Errorf("validate", "topology: metric %q needs [min, max], got %d values", name, len(r))
		}
		if r[0] > r[1] {
			return Errorf("validate", "topology: metric %q has min %v greater than max %v", name, r[0], r[1])
		}
	}

	for i, f := range t.Factors {
		if f.A == "" || f.B == "" {
			return Errorf("validate", "topology: factors[%d] needs both endpoints", i)
		}
		for _, v := range []float64{f.Bandwidth, f.Delay, f.Loss} {
			if v < 0 || v > 1 {
				return Errorf("validate", "topology: factors[%d] (%s-%s) must lie in [0, 1]", i, f.A, f.B)
			}
		}
	}

	for i, r := range t.Routes {
		if r.Switch == "" {
			return Errorf("validate", "topology: routes[%d] needs a switch", i)
		}
		if r.InPort <= 0 || r.OutPort <= 0 {
			return Errorf("validate", "topology: routes[%d] ports must be positive", i)
		}
		if r.Host == "" && r.EthDst == "" {
			return Errorf("validate", "topology: routes[%d] needs host or eth_dst", i)
		}
	}
	return nil
}

// CheckSizes compares the declared agent dimensions with the sizes derived
// from the loaded topology (links) and route catalog (routes).
func (c *ControllerConfigFile) CheckSizes(links, routes int) error {
	if c.Agent.ActionSize != routes {
		return &ConfigurationError{
			Op:  "check sizes",
			Err: fmt.Errorf("action_size %d does not match route catalog size %d", c.Agent.ActionSize, routes),
		}
	}
	if c.Agent.StateSize != links+routes {
		return &ConfigurationError{
			Op:  "check sizes",
			Err: fmt.Errorf("state_size %d does not match links %d + routes %d", c.Agent.StateSize, links, routes),
		}
	}
	return nil
}
