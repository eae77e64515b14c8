package database

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"sdn-rl-controller/internal/config"
	"sdn-rl-controller/internal/controller"
	"sdn-rl-controller/internal/logging"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

const (
	measurementRuns      = "controller_runs"
	measurementTicks     = "controller_ticks"
	measurementTrainings = "controller_trainings"
)

// RunMetadata describes one controller run.
type RunMetadata struct {
	RunID         string    `json:"run_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	StartedAt     time.Time `json:"started_at"`
	Hostname      string    `json:"hostname"`
	OSInfo        string    `json:"os_info"`
	KernelVersion string    `json:"kernel_version"`
	CPUModel      string    `json:"cpu_model"`
	CPUCores      int       `json:"cpu_cores"`
	Links         int       `json:"links"`
	Routes        int       `json:"routes"`
	StateSize     int       `json:"state_size"`
	ActionSize    int       `json:"action_size"`
	ConfigFile    string    `json:"config_file"`
}

// SystemInfo contains host system information
type SystemInfo struct {
	Hostname      string
	OSInfo        string
	KernelVersion string
	CPUModel      string
	CPUCores      int
}

// collectSystemInfo gathers host system information
func collectSystemInfo() *SystemInfo {
	info := &SystemInfo{}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info.Hostname = hostname
	info.OSInfo = runtime.GOOS + "/" + runtime.GOARCH

	// Get kernel version from /proc/version
	if data, err := os.ReadFile("/proc/version"); err == nil {
		parts := strings.Fields(string(data))
		if len(parts) >= 3 {
			info.KernelVersion = parts[2]
		}
	}
	if info.KernelVersion == "" {
		info.KernelVersion = "unknown"
	}

	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "model name") {
				parts := strings.Split(line, ":")
				if len(parts) >= 2 {
					info.CPUModel = strings.TrimSpace(parts[1])
					break
				}
			}
		}
	}
	if info.CPUModel == "" {
		info.CPUModel = "unknown"
	}

	info.CPUCores = runtime.NumCPU()
	return info
}

// CollectRunMetadata builds the metadata for a run on this host.
func CollectRunMetadata(runID string, cfg *config.ControllerConfigFile, configContent string, links, routes int, startedAt time.Time) *RunMetadata {
	sysInfo := collectSystemInfo()
	return &RunMetadata{
		RunID:         runID,
		Name:          cfg.Controller.Name,
		Description:   cfg.Controller.Description,
		StartedAt:     startedAt,
		Hostname:      sysInfo.Hostname,
		OSInfo:        sysInfo.OSInfo,
		KernelVersion: sysInfo.KernelVersion,
		CPUModel:      sysInfo.CPUModel,
		CPUCores:      sysInfo.CPUCores,
		Links:         links,
		Routes:        routes,
		StateSize:     cfg.Agent.StateSize,
		ActionSize:    cfg.Agent.ActionSize,
		ConfigFile:    configContent,
	}
}

// pointWriter is the part of api.WriteAPIBlocking the client uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxDBClient writes tick and training records as points tagged with the
// run id.
type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI pointWriter
	bucket   string
	org      string
	runID    string
}

var _ controller.Recorder = (*InfluxDBClient)(nil)

func NewInfluxDBClient(config config.DatabaseConfig, runID string) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(config.Host, config.Password)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", config.Host).WithError(err).Error("Failed to connect to InfluxDB")
		client.Close()
		return nil, err
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		logger.WithFields(logrus.Fields{
			"host":    config.Host,
			"status":  health.Status,
			"message": msg,
		}).Error("InfluxDB health check failed")
		client.Close()
		return nil, fmt.Errorf("influxdb health check failed: %s", health.Status)
	}

	logger.WithFields(logrus.Fields{
		"host":   config.Host,
		"bucket": config.Name,
		"org":    config.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(config.Org, config.Name),
		bucket:   config.Name,
		org:      config.Org,
		runID:    runID,
	}, nil
}

func newInfluxDBClientWithWriter(w pointWriter, runID string) *InfluxDBClient {
	return &InfluxDBClient{writeAPI: w, runID: runID}
}

func (idb *InfluxDBClient) tags() map[string]string {
	return map[string]string{"run_id": idb.runID}
}

func (idb *InfluxDBClient) RecordTick(ctx context.Context, r controller.TickRecord) error {
	fields := map[string]interface{}{
		"tick":    r.Tick,
		"action":  r.Action,
		"reward":  r.Reward,
		"done":    r.Done,
		"epsilon": r.Epsilon,
		"flows":   r.Flows,
		"status":  r.Status,
	}
	if r.Error != "" {
		fields["error"] = r.Error
	}
	point := influxdb2.NewPoint(measurementTicks, idb.tags(), fields, r.At)
	if err := idb.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write tick point: %w", err)
	}
	return nil
}

func (idb *InfluxDBClient) RecordTraining(ctx context.Context, r controller.TrainingRecord) error {
	point := influxdb2.NewPoint(measurementTrainings, idb.tags(),
		map[string]interface{}{
			"tick":        r.Tick,
			"trained":     r.Trained,
			"buffer_len":  r.BufferLen,
			"epsilon":     r.Epsilon,
			"duration_ms": r.Duration.Milliseconds(),
		},
		r.At)
	if err := idb.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write training point: %w", err)
	}
	return nil
}

func (idb *InfluxDBClient) WriteMetadata(ctx context.Context, metadata *RunMetadata) error {
	point := influxdb2.NewPoint(measurementRuns,
		map[string]string{
			"run_id": metadata.RunID,
		},
		map[string]interface{}{
			"name":           metadata.Name,
			"description":    metadata.Description,
			"hostname":       metadata.Hostname,
			"os_info":        metadata.OSInfo,
			"kernel_version": metadata.KernelVersion,
			"cpu_model":      metadata.CPUModel,
			"cpu_cores":      metadata.CPUCores,
			"links":          metadata.Links,
			"routes":         metadata.Routes,
			"state_size":     metadata.StateSize,
			"action_size":    metadata.ActionSize,
			"config_file":    metadata.ConfigFile,
		},
		metadata.StartedAt)

	if err := idb.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func (idb *InfluxDBClient) Close() {
	if idb.client != nil {
		idb.client.Close()
	}
}
