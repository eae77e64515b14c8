package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"sdn-rl-controller/internal/config"
	"sdn-rl-controller/internal/logging"
	"sdn-rl-controller/internal/routing"
	"sdn-rl-controller/internal/topology"

	"github.com/sirupsen/logrus"
)

// network is everything derived from the topology section.
type network struct {
	topo        *topology.Topology
	catalog     *routing.Catalog
	ranges      map[topology.Metric]topology.Range
	metrics     topology.LinkMetrics
	stateMetric topology.Metric
}

// loadNetwork reads the edge list and builds the topology, link metrics and
// route catalog. Relative topology paths resolve against the config file's
// directory.
func loadNetwork(cfg *config.ControllerConfigFile, configFile string) (*network, error) {
	logger := logging.GetLogger()

	path := cfg.Topology.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(configFile), path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open topology: %w", err)
	}
	defer f.Close()

	edges, err := topology.ReadEdgeList(f)
	if err != nil {
		return nil, err
	}

	var opts []topology.Option
	if len(cfg.Topology.Factors) > 0 {
		factors := make(map[topology.Edge]topology.Factors, len(cfg.Topology.Factors))
		for _, lf := range cfg.Topology.Factors {
			factors[topology.Edge{A: lf.A, B: lf.B}] = topology.Factors{
				Bandwidth: lf.Bandwidth,
				Delay:     lf.Delay,
				Loss:      lf.Loss,
			}
		}
		opts = append(opts, topology.WithFactors(factors))
	} else {
		opts = append(opts, topology.WithRandomFactors(cfg.Topology.Seed))
	}
	if len(cfg.Topology.Hosts) > 0 {
		opts = append(opts, topology.WithHostMACs(cfg.Topology.Hosts))
	}
	if len(cfg.Topology.DPIDs) > 0 {
		opts = append(opts, topology.WithDPIDs(cfg.Topology.DPIDs))
	}

	topo, err := topology.Load(edges, opts...)
	if err != nil {
		return nil, err
	}

	ranges := make(map[topology.Metric]topology.Range, len(cfg.Topology.Metrics))
	for name, r := range cfg.Topology.Metrics {
		m, err := topology.ParseMetric(name)
		if err != nil {
			return nil, err
		}
		ranges[m] = topology.Range{Min: r[0], Max: r[1]}
	}
	metrics, err := topo.Metrics(ranges)
	if err != nil {
		return nil, err
	}
	stateMetric, err := topology.ParseMetric(cfg.Environment.StateMetric)
	if err != nil {
		return nil, err
	}

	var catalog *routing.Catalog
	if len(cfg.Topology.Routes) > 0 {
		specs := make([]routing.RouteSpec, len(cfg.Topology.Routes))
		for i, r := range cfg.Topology.Routes {
			specs[i] = routing.RouteSpec{
				Switch:  r.Switch,
				InPort:  r.InPort,
				OutPort: r.OutPort,
				Host:    r.Host,
				EthDst:  r.EthDst,
			}
		}
		catalog, err = routing.NewCatalog(topo, specs)
	} else {
		catalog, err = routing.GenerateCatalog(topo)
	}
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"file":     path,
		"nodes":    len(topo.Nodes()),
		"links":    topo.LinkCount(),
		"switches": len(topo.Switches()),
		"routes":   catalog.Len(),
	}).Info("Topology loaded")

	return &network{
		topo:        topo,
		catalog:     catalog,
		ranges:      ranges,
		metrics:     metrics,
		stateMetric: stateMetric,
	}, nil
}

func validateConfig(configFile string) error {
	logger := logging.GetLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Configuration validation failed")
		return err
	}
	net, err := loadNetwork(cfg, configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Topology validation failed")
		return err
	}
	if err := cfg.CheckSizes(net.topo.LinkCount(), net.catalog.Len()); err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Size validation failed")
		return err
	}
	logger.WithFields(logrus.Fields{
		"config_file": configFile,
		"state_size":  cfg.Agent.StateSize,
		"action_size": cfg.Agent.ActionSize,
	}).Info("Configuration is valid")
	return nil
}
