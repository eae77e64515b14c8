package emulation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"sdn-rl-controller/internal/logging"
	"sdn-rl-controller/internal/topology"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"
)

type DockerConfig struct {
	Image         string
	NetworkPrefix string
	RunID         string
	// ManagementPort is exposed by every switch container and published on
	// the host at ManagementPortBase+dpid when both are set.
	ManagementPort     int
	ManagementPortBase int
	Privileged         bool
	Pull               bool
}

type containerSpec struct {
	Name       string
	Image      string
	Network    string
	Env        []string
	Privileged bool
	// ContainerPort/HostPort are empty when nothing is published.
	ContainerPort string
	HostPort      string
}

// dockerAPI is the subset of the Docker engine the emulator drives.
type dockerAPI interface {
	pullImage(ctx context.Context, image string) error
	createNetwork(ctx context.Context, name string) (string, error)
	removeNetwork(ctx context.Context, id string) error
	createContainer(ctx context.Context, spec containerSpec) (string, error)
	startContainer(ctx context.Context, id string) error
	removeContainer(ctx context.Context, id string) error
}

// Docker runs one container per switch on a dedicated bridge network.
type Docker struct {
	api dockerAPI
	cfg DockerConfig
	seq atomic.Int64
}

func NewDocker(cfg DockerConfig) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerWithAPI(&engineAPI{cli: cli}, cfg)
}

func newDockerWithAPI(api dockerAPI, cfg DockerConfig) (*Docker, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker emulation needs an image")
	}
	if cfg.NetworkPrefix == "" {
		cfg.NetworkPrefix = "sdnrl"
	}
	return &Docker{api: api, cfg: cfg}, nil
}

func (d *Docker) networkName() string {
	n := d.seq.Add(1)
	if d.cfg.RunID == "" {
		return fmt.Sprintf("%s-%d", d.cfg.NetworkPrefix, n)
	}
	run := d.cfg.RunID
	if len(run) > 8 {
		run = run[:8]
	}
	return fmt.Sprintf("%s-%s-%d", d.cfg.NetworkPrefix, run, n)
}

// Start creates the network and the switch containers. On failure
// everything created so far is removed again.
func (d *Docker) Start(ctx context.Context, topo *topology.Topology) (Handle, error) {
	logger := logging.GetLogger()

	if d.cfg.Pull {
		if err := d.api.pullImage(ctx, d.cfg.Image); err != nil {
			logger.WithField("image", d.cfg.Image).WithError(err).Error("Failed to pull image")
			return nil, fmt.Errorf("failed to pull image %s: %w", d.cfg.Image, err)
		}
	}

	name := d.networkName()
	networkID, err := d.api.createNetwork(ctx, name)
	if err != nil {
		logger.WithField("network_name", name).WithError(err).Error("Failed to create Docker network")
		return nil, fmt.Errorf("failed to create network %s: %w", name, err)
	}
	h := &dockerHandle{api: d.api, name: name, networkID: networkID}

	type startResult struct {
		id  string
		err error
	}

	switches := topo.Switches()
	resultChan := make(chan startResult, len(switches))
	var wg sync.WaitGroup
	for _, sw := range switches {
		wg.Add(1)
		go func(sw string) {
			defer wg.Done()
			spec := d.spec(topo, name, sw)
			id, err := d.api.createContainer(ctx, spec)
			if err != nil {
				resultChan <- startResult{err: fmt.Errorf("failed to create container %s: %w", spec.Name, err)}
				return
			}
			if err := d.api.startContainer(ctx, id); err != nil {
				resultChan <- startResult{id: id, err: fmt.Errorf("failed to start container %s: %w", spec.Name, err)}
				return
			}
			logger.WithFields(logrus.Fields{
				"switch":       sw,
				"container_id": shortID(id),
			}).Debug("Switch container started")
			resultChan <- startResult{id: id}
		}(sw)
	}
	wg.Wait()
	close(resultChan)

	var startErrors []error
	for r := range resultChan {
		if r.id != "" {
			h.containers = append(h.containers, r.id)
		}
		if r.err != nil {
			startErrors = append(startErrors, r.err)
		}
	}

	if len(startErrors) > 0 {
		logger.WithField("error_count", len(startErrors)).Error("Failed to start emulated network")
		if err := h.Stop(ctx); err != nil {
			logger.WithError(err).Warn("Cleanup after failed start was incomplete")
		}
		return nil, errors.Join(startErrors...)
	}

	logger.WithFields(logrus.Fields{
		"network_name": name,
		"switches":     len(switches),
	}).Info("Emulated network started")
	return h, nil
}

func (d *Docker) spec(topo *topology.Topology, network, sw string) containerSpec {
	dpid, _ := topo.DPID(sw)
	spec := containerSpec{
		Name:       network + "-" + sw,
		Image:      d.cfg.Image,
		Network:    network,
		Privileged: d.cfg.Privileged,
		Env: []string{
			"SWITCH_NAME=" + sw,
			fmt.Sprintf("SWITCH_DPID=%016x", dpid),
			"SWITCH_PORTS=" + strconv.Itoa(len(topo.Ports(sw))),
		},
	}
	if d.cfg.ManagementPort > 0 && d.cfg.ManagementPortBase > 0 {
		spec.ContainerPort = strconv.Itoa(d.cfg.ManagementPort)
		spec.HostPort = strconv.Itoa(d.cfg.ManagementPortBase + int(dpid))
	}
	return spec
}

type dockerHandle struct {
	api        dockerAPI
	name       string
	networkID  string
	containers []string

	once    sync.Once
	stopErr error
}

func (h *dockerHandle) Name() string {
	return h.name
}

func (h *dockerHandle) Stop(ctx context.Context) error {
	h.once.Do(func() {
		h.stopErr = h.stop(ctx)
	})
	return h.stopErr
}

func (h *dockerHandle) stop(ctx context.Context) error {
	logger := logging.GetLogger()
	logger.WithField("network_name", h.name).Info("Stopping and removing emulated network")

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup
	for _, id := range h.containers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := h.api.removeContainer(ctx, id); err != nil {
				logger.WithField("container_id", shortID(id)).WithError(err).Warn("Failed to force remove container")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if err := h.api.removeNetwork(ctx, h.networkID); err != nil {
		logger.WithField("network_id", shortID(h.networkID)).WithError(err).Warn("Failed to remove Docker network")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// engineAPI implements dockerAPI on the Docker engine client.
type engineAPI struct {
	cli *client.Client
}

func (e *engineAPI) pullImage(ctx context.Context, image string) error {
	resp, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer resp.Close()
	_, err = io.Copy(io.Discard, resp)
	return err
}

func (e *engineAPI) createNetwork(ctx context.Context, name string) (string, error) {
	resp, err := e.cli.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver:         "bridge",
		CheckDuplicate: true,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *engineAPI) removeNetwork(ctx context.Context, id string) error {
	return e.cli.NetworkRemove(ctx, id)
}

func (e *engineAPI) createContainer(ctx context.Context, spec containerSpec) (string, error) {
	config := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.Network),
		Privileged:  spec.Privileged,
	}

	if spec.ContainerPort != "" {
		port, err := nat.NewPort("tcp", spec.ContainerPort)
		if err != nil {
			return "", fmt.Errorf("invalid container port %s: %w", spec.ContainerPort, err)
		}
		hostConfig.PortBindings = nat.PortMap{
			port: []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: spec.HostPort,
				},
			},
		}
		config.ExposedPorts = nat.PortSet{port: struct{}{}}
	}

	resp, err := e.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *engineAPI) startContainer(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *engineAPI) removeContainer(ctx context.Context, id string) error {
	err := e.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}
