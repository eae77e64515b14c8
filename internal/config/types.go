package config

import (
	"time"
)

type ControllerConfigFile struct {
	Controller  ControllerConfig  `yaml:"controller"`
	Agent       AgentConfig       `yaml:"agent"`
	Topology    TopologyConfig    `yaml:"topology"`
	Environment EnvironmentConfig `yaml:"environment"`
	Sync        SyncConfig        `yaml:"sync"`
	Emulation   EmulationConfig   `yaml:"emulation"`
	Storage     StorageConfig     `yaml:"storage"`
	Metrics     DatabaseConfig    `yaml:"metrics"`
	API         APIConfig         `yaml:"api"`
}

type ControllerConfig struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	LogLevel     string `yaml:"log_level"`
	TickLogLevel string `yaml:"tick_log_level"`
	// TickInterval is in milliseconds; 0 runs ticks back to back.
	TickInterval int `yaml:"tick_interval"`
	// TrainingInterval is in seconds.
	TrainingInterval int  `yaml:"training_interval"`
	MaxTicks         int  `yaml:"max_ticks"`
	AsyncTraining    bool `yaml:"async_training"`
}

type AgentConfig struct {
	StateSize      int     `yaml:"state_size"`
	ActionSize     int     `yaml:"action_size"`
	BatchSize      int     `yaml:"batch_size"`
	BufferCapacity int     `yaml:"buffer_capacity"`
	LearningRate   float64 `yaml:"learning_rate"`
	// Nil means the key was absent; an explicit 0 is kept.
	Discount     *float64 `yaml:"discount"`
	Epsilon      *float64 `yaml:"epsilon"`
	EpsilonMin   *float64 `yaml:"epsilon_min"`
	EpsilonDecay float64  `yaml:"epsilon_decay"`
	Seed         uint64   `yaml:"seed"`
}

func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func (a AgentConfig) GetDiscount() float64 {
	return orDefault(a.Discount, DefaultDiscount)
}

func (a AgentConfig) GetEpsilon() float64 {
	return orDefault(a.Epsilon, DefaultEpsilon)
}

func (a AgentConfig) GetEpsilonMin() float64 {
	return orDefault(a.EpsilonMin, DefaultEpsilonMin)
}

type TopologyConfig struct {
	File string `yaml:"file"`
	// Seed drives the random per-link factors when Factors is empty.
	Seed uint64 `yaml:"seed"`
	// Metrics maps a metric name to its [min, max] range.
	Metrics map[string][]float64 `yaml:"metrics"`
	Factors []LinkFactorConfig   `yaml:"factors,omitempty"`
	Hosts   map[string]string    `yaml:"hosts,omitempty"`
	DPIDs   map[string]uint64    `yaml:"dpids,omitempty"`
	Routes  []RouteConfig        `yaml:"routes,omitempty"`
}

type LinkFactorConfig struct {
	A         string  `yaml:"a"`
	B         string  `yaml:"b"`
	Bandwidth float64 `yaml:"bandwidth"`
	Delay     float64 `yaml:"delay"`
	Loss      float64 `yaml:"loss"`
}

type RouteConfig struct {
	Switch  string `yaml:"switch"`
	InPort  int    `yaml:"in_port"`
	OutPort int    `yaml:"out_port"`
	Host    string `yaml:"host,omitempty"`
	EthDst  string `yaml:"eth_dst,omitempty"`
}

type EnvironmentConfig struct {
	StateMetric   string  `yaml:"state_metric"`
	QualityWeight float64 `yaml:"quality_weight"`
	BalanceWeight float64 `yaml:"balance_weight"`
	MaxSteps      int     `yaml:"max_steps"`
}

type SyncConfig struct {
	Backend  string `yaml:"backend"`
	URL      string `yaml:"url"`
	Priority int    `yaml:"priority"`
	// Timeout and RetryBackoff are in milliseconds.
	Timeout      int `yaml:"timeout"`
	Retries      int `yaml:"retries"`
	RetryBackoff int `yaml:"retry_backoff"`
}

type EmulationConfig struct {
	Backend            string `yaml:"backend"`
	Image              string `yaml:"image"`
	NetworkPrefix      string `yaml:"network_prefix"`
	ManagementPort     int    `yaml:"management_port,omitempty"`
	ManagementPortBase int    `yaml:"management_port_base,omitempty"`
	Privileged         bool   `yaml:"privileged,omitempty"`
}

type StorageConfig struct {
	Journal       string `yaml:"journal"`
	CheckpointDir string `yaml:"checkpoint_dir"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Org      string `yaml:"org"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

const (
	DefaultTrainingInterval = 60
	DefaultBatchSize        = 32
	DefaultBufferCapacity   = 2000
	DefaultPriority         = 1
	DefaultSyncTimeout      = 5000
	DefaultSyncRetries      = 3
	DefaultRetryBackoff     = 200
	DefaultStateMetric      = "bandwidth"
	DefaultDiscount         = 0.95
	DefaultEpsilon          = 1.0
	DefaultEpsilonMin       = 0.01
)

func (c *ControllerConfigFile) GetTickInterval() time.Duration {
	return time.Duration(c.Controller.TickInterval) * time.Millisecond
}

func (c *ControllerConfigFile) GetTrainingInterval() time.Duration {
	return time.Duration(c.Controller.TrainingInterval) * time.Second
}

func (c *ControllerConfigFile) GetSyncTimeout() time.Duration {
	return time.Duration(c.Sync.Timeout) * time.Millisecond
}

func (c *ControllerConfigFile) GetRetryBackoff() time.Duration {
	return time.Duration(c.Sync.RetryBackoff) * time.Millisecond
}

// MetricsEnabled reports whether an InfluxDB sink is configured.
func (c *ControllerConfigFile) MetricsEnabled() bool {
	return c.Metrics.Host != ""
}

func (c *ControllerConfigFile) applyDefaults() {
	if c.Controller.TrainingInterval == 0 {
		c.Controller.TrainingInterval = DefaultTrainingInterval
	}
	if c.Controller.LogLevel == "" {
		c.Controller.LogLevel = "info"
	}
	if c.Agent.BatchSize == 0 {
		c.Agent.BatchSize = DefaultBatchSize
	}
	if c.Agent.BufferCapacity == 0 {
		c.Agent.BufferCapacity = DefaultBufferCapacity
	}
	if c.Agent.LearningRate == 0 {
		c.Agent.LearningRate = 0.01
	}
	if c.Agent.EpsilonDecay == 0 {
		c.Agent.EpsilonDecay = 0.995
	}
	if c.Environment.StateMetric == "" {
		c.Environment.StateMetric = DefaultStateMetric
	}
	if c.Environment.QualityWeight == 0 && c.Environment.BalanceWeight == 0 {
		c.Environment.QualityWeight = 1.0
		c.Environment.BalanceWeight = 0.5
	}
	if c.Sync.Backend == "" {
		c.Sync.Backend = "memory"
	}
	if c.Sync.Priority == 0 {
		c.Sync.Priority = DefaultPriority
	}
	if c.Sync.Timeout == 0 {
		c.Sync.Timeout = DefaultSyncTimeout
	}
	if c.Sync.Retries == 0 {
		c.Sync.Retries = DefaultSyncRetries
	}
	if c.Sync.RetryBackoff == 0 {
		c.Sync.RetryBackoff = DefaultRetryBackoff
	}
	if c.Emulation.Backend == "" {
		c.Emulation.Backend = "none"
	}
	if c.Emulation.NetworkPrefix == "" {
		c.Emulation.NetworkPrefix = "sdnrl"
	}
}
