package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sdn-rl-controller/internal/agent"
	"sdn-rl-controller/internal/api"
	"sdn-rl-controller/internal/checkpoint"
	"sdn-rl-controller/internal/config"
	"sdn-rl-controller/internal/controller"
	"sdn-rl-controller/internal/database"
	"sdn-rl-controller/internal/emulation"
	"sdn-rl-controller/internal/environment"
	"sdn-rl-controller/internal/flowsync"
	"sdn-rl-controller/internal/history"
	"sdn-rl-controller/internal/journal"
	"sdn-rl-controller/internal/logging"

	"github.com/sirupsen/logrus"
)

type ControllerApp struct {
	config        *config.ControllerConfigFile
	configFile    string
	configContent string
	runID         string
	startTime     time.Time

	net        *network
	learner    *agent.QLearner
	env        *environment.Environment
	controller *controller.Controller
	history    *history.History
	journal    *journal.Journal
	dbClient   *database.InfluxDBClient
}

func runController(configFile string) error {
	logger := logging.GetLogger()

	app := &ControllerApp{
		configFile: configFile,
		runID:      journal.NewRunID(),
		history:    history.New(history.DefaultCapacity),
	}

	var err error
	app.config, app.configContent, err = config.LoadConfigWithContent(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Failed to load configuration")
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set log level from configuration
	if err := logging.SetLogLevel(app.config.Controller.LogLevel); err != nil {
		logger.WithField("log_level", app.config.Controller.LogLevel).WithError(err).Warn("Invalid log level in config, using INFO")
		logging.SetLogLevel("info")
	}
	if lvl := app.config.Controller.TickLogLevel; lvl != "" {
		if err := logging.SetControllerLogLevel(lvl); err != nil {
			logger.WithField("tick_log_level", lvl).WithError(err).Warn("Invalid tick log level, using default")
		}
	}

	if err := app.build(); err != nil {
		app.closeStores()
		return err
	}

	logger.WithFields(logrus.Fields{
		"run_id": app.runID,
		"name":   app.config.Controller.Name,
	}).Info("Starting controller")

	if err := app.execute(); err != nil {
		logger.WithError(err).Error("Controller failed")
		return fmt.Errorf("controller failed: %w", err)
	}
	logger.Info("Controller finished")
	return nil
}

// build wires topology, agent, environment and recorders in dependency
// order. Any size mismatch fails here, before the first tick.
func (app *ControllerApp) build() error {
	logger := logging.GetLogger()
	cfg := app.config

	net, err := loadNetwork(cfg, app.configFile)
	if err != nil {
		return err
	}
	app.net = net
	if err := cfg.CheckSizes(net.topo.LinkCount(), net.catalog.Len()); err != nil {
		return err
	}

	app.learner, err = agent.NewQLearner(agent.Config{
		StateSize:      cfg.Agent.StateSize,
		ActionSize:     cfg.Agent.ActionSize,
		BufferCapacity: cfg.Agent.BufferCapacity,
		LearningRate:   cfg.Agent.LearningRate,
		Discount:       cfg.Agent.GetDiscount(),
		Epsilon:        cfg.Agent.GetEpsilon(),
		EpsilonMin:     cfg.Agent.GetEpsilonMin(),
		EpsilonDecay:   cfg.Agent.EpsilonDecay,
		Seed:           cfg.Agent.Seed,
	})
	if err != nil {
		return err
	}
	if err := app.restoreCheckpoint(); err != nil {
		return err
	}

	cp, err := app.controlPlane()
	if err != nil {
		return err
	}
	syncer, err := flowsync.NewSynchronizer(cp, net.catalog.Switches(), flowsync.Config{
		Priority: cfg.Sync.Priority,
		Timeout:  cfg.GetSyncTimeout(),
		Retries:  cfg.Sync.Retries,
		Backoff:  cfg.GetRetryBackoff(),
	})
	if err != nil {
		return err
	}

	emu, err := app.emulator()
	if err != nil {
		return err
	}
	links, err := environment.NewStaticLinks(net.topo, net.stateMetric, net.ranges[net.stateMetric])
	if err != nil {
		return err
	}

	opts := []environment.Option{
		environment.WithReward(environment.BalancedReward(net.catalog, cfg.Environment.QualityWeight, cfg.Environment.BalanceWeight)),
		environment.WithEmulator(emu),
	}
	if cfg.Environment.MaxSteps > 0 {
		opts = append(opts, environment.WithEnder(environment.StepLimit(cfg.Environment.MaxSteps)))
	}
	app.env, err = environment.New(net.topo, net.catalog, links, syncer, opts...)
	if err != nil {
		return err
	}
	if err := controller.CheckSizes(app.learner.StateSize(), app.learner.ActionSize(), app.env); err != nil {
		return err
	}

	recorders := []controller.Recorder{app.history}
	app.startTime = time.Now()
	meta := database.CollectRunMetadata(app.runID, cfg, app.configContent, net.topo.LinkCount(), net.catalog.Len(), app.startTime)

	if cfg.Storage.Journal != "" {
		app.journal, err = journal.Open(cfg.Storage.Journal)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		if err := app.journal.StartRun(context.Background(), meta); err != nil {
			return err
		}
		recorders = append(recorders, app.journal)
	}
	if cfg.MetricsEnabled() {
		app.dbClient, err = database.NewInfluxDBClient(cfg.Metrics, app.runID)
		if err != nil {
			return fmt.Errorf("failed to create database client: %w", err)
		}
		if err := app.dbClient.WriteMetadata(context.Background(), meta); err != nil {
			logger.WithError(err).Warn("Failed to write run metadata")
		}
		recorders = append(recorders, app.dbClient)
	}

	app.controller, err = controller.New(app.env, app.learner, controller.Config{
		RunID:            app.runID,
		TrainingInterval: cfg.GetTrainingInterval(),
		BatchSize:        cfg.Agent.BatchSize,
		TickInterval:     cfg.GetTickInterval(),
		MaxTicks:         cfg.Controller.MaxTicks,
		AsyncTraining:    cfg.Controller.AsyncTraining,
		ResetOnDone:      cfg.Environment.MaxSteps > 0,
		HoldOnFailure:    cfg.API.Listen != "",
	}, controller.WithRecorders(recorders...))
	return err
}

func (app *ControllerApp) controlPlane() (flowsync.ControlPlane, error) {
	switch app.config.Sync.Backend {
	case "ofctl":
		logging.GetLogger().WithField("url", app.config.Sync.URL).Info("Using ofctl_rest control plane")
		return flowsync.NewOfctlClient(app.config.Sync.URL, &http.Client{Timeout: app.config.GetSyncTimeout()}), nil
	case "memory":
		logging.GetLogger().Info("Using in-memory control plane (dry run)")
		return flowsync.NewMemoryControlPlane(), nil
	}
	return nil, config.Errorf("sync", "unknown backend %q", app.config.Sync.Backend)
}

func (app *ControllerApp) emulator() (emulation.Emulator, error) {
	e := app.config.Emulation
	switch e.Backend {
	case "docker":
		return emulation.NewDocker(emulation.DockerConfig{
			Image:              e.Image,
			NetworkPrefix:      e.NetworkPrefix,
			RunID:              app.runID,
			ManagementPort:     e.ManagementPort,
			ManagementPortBase: e.ManagementPortBase,
			Privileged:         e.Privileged,
			Pull:               true,
		})
	case "none":
		return emulation.None{}, nil
	}
	return nil, config.Errorf("emulation", "unknown backend %q", e.Backend)
}

func (app *ControllerApp) restoreCheckpoint() error {
	dir := app.config.Storage.CheckpointDir
	if dir == "" {
		return nil
	}
	artifact, err := checkpoint.Load(dir)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if artifact == nil {
		return nil
	}
	if err := artifact.Check(app.learner.StateSize(), app.learner.ActionSize()); err != nil {
		return err
	}
	if err := app.learner.Restore(artifact.Agent); err != nil {
		return err
	}
	logging.GetLogger().WithFields(logrus.Fields{
		"run_id":  artifact.RunID,
		"tick":    artifact.Tick,
		"epsilon": artifact.Agent.Epsilon,
	}).Info("Agent restored from checkpoint")
	return nil
}

// execute runs the control loop until a signal, max_ticks or a failure.
func (app *ControllerApp) execute() error {
	logger := logging.GetLogger()

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	if listen := app.config.API.Listen; listen != "" {
		server := api.NewServer(listen, app.controller, app.env, app.history, app.net.topo, app.net.metrics)
		server.Start(ctx)
	}

	runErr := app.controller.Run(ctx)
	if err := app.cleanupInOrder(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// cleanupInOrder releases the environment, saves the agent and closes the
// stores.
func (app *ControllerApp) cleanupInOrder() error {
	logger := logging.GetLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if err := app.controller.Stop(ctx); err != nil {
		logger.WithError(err).Warn("Failed to stop controller cleanly")
		firstErr = err
	}

	status := app.controller.Status()
	if dir := app.config.Storage.CheckpointDir; dir != "" {
		path, err := checkpoint.Write(dir, checkpoint.Build(app.runID, app.config.Controller.Name, status.Tick, app.learner.Snapshot()))
		if err != nil {
			logger.WithError(err).Error("Failed to write checkpoint")
			if firstErr == nil {
				firstErr = err
			}
		} else {
			logger.WithField("path", path).Info("Checkpoint written")
		}
	}

	logger.WithFields(logrus.Fields{
		"run_id":    app.runID,
		"ticks":     status.Tick,
		"trainings": status.Trainings,
		"epsilon":   status.Epsilon,
		"duration":  time.Since(app.startTime).Round(time.Second),
	}).Info("Run summary")

	app.closeStores()
	return firstErr
}

func (app *ControllerApp) closeStores() {
	if app.journal != nil {
		app.journal.Close()
	}
	if app.dbClient != nil {
		app.dbClient.Close()
	}
}
