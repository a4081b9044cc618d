package dispatcher

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/ethpandaops/loadtestoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// dockerDispatcher provisions workers as Docker containers, one daemon
// endpoint per region.
type dockerDispatcher struct {
	log     logrus.FieldLogger
	cfg     *config.DispatcherConfig
	mu      sync.Mutex
	clients map[string]*client.Client
}

// Compile-time interface check.
var _ Dispatcher = (*dockerDispatcher)(nil)

func newDockerDispatcher(
	log logrus.FieldLogger,
	cfg *config.DispatcherConfig,
) (Dispatcher, error) {
	return &dockerDispatcher{
		log:     log.WithField("component", "dispatcher-docker"),
		cfg:     cfg,
		clients: make(map[string]*client.Client, len(cfg.Regions)),
	}, nil
}

// Start connects to every configured region's daemon and ensures the
// worker network exists, so launch-time failures are limited to genuine
// provisioning problems.
func (d *dockerDispatcher) Start(ctx context.Context) error {
	for region := range d.cfg.Regions {
		cli, err := d.regionClient(region)
		if err != nil {
			return fmt.Errorf("region %s: %w", region, err)
		}

		if _, err := cli.Ping(ctx); err != nil {
			return fmt.Errorf("connecting to docker daemon for region %s: %w", region, err)
		}

		if err := d.ensureNetwork(ctx, cli, d.cfg.Network); err != nil {
			return fmt.Errorf("region %s: %w", region, err)
		}

		d.log.WithField("region", region).Debug("Connected to Docker daemon")
	}

	return nil
}

// Stop closes all region clients.
func (d *dockerDispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for region, cli := range d.clients {
		if err := cli.Close(); err != nil {
			d.log.WithError(err).
				WithField("region", region).
				Warn("Failed to close docker client")
		}
	}

	return nil
}

// Launch provisions one worker container for the spec's region.
func (d *dockerDispatcher) Launch(
	ctx context.Context, spec *RunSpec,
) (WorkerHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.LaunchTimeoutDuration())
	defer cancel()

	cli, err := d.regionClient(spec.Region)
	if err != nil {
		return WorkerHandle{}, &ProvisionError{Region: spec.Region, Err: err}
	}

	if err := d.pullImage(ctx, cli, d.cfg.Image, d.cfg.PullPolicy); err != nil {
		return WorkerHandle{}, &ProvisionError{Region: spec.Region, Err: err}
	}

	env := make([]string, 0, 1)
	for k, v := range workerEnv(spec) {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:  d.cfg.Image,
		Env:    env,
		Labels: workerLabels(spec),
		Cmd:    workerCommand(spec),
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.cfg.Network),
		AutoRemove:  false,
	}

	if limit := d.cfg.MemoryLimitBytes(); limit > 0 {
		hostCfg.Memory = limit
	}

	resp, err := cli.ContainerCreate(
		ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil,
		workerName(spec),
	)
	if err != nil {
		return WorkerHandle{}, &ProvisionError{Region: spec.Region, Err: err}
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// The created-but-unstarted container would otherwise block the
		// (test, region) name on the next attempt.
		if rmErr := cli.ContainerRemove(
			context.WithoutCancel(ctx), resp.ID,
			container.RemoveOptions{Force: true},
		); rmErr != nil {
			d.log.WithError(rmErr).
				WithField("id", shortID(resp.ID)).
				Warn("Failed to remove unstarted container")
		}

		return WorkerHandle{}, &ProvisionError{Region: spec.Region, Err: err}
	}

	d.log.WithFields(logrus.Fields{
		"test_id": spec.TestID,
		"region":  spec.Region,
		"id":      shortID(resp.ID),
	}).Info("Launched worker")

	return WorkerHandle{ID: resp.ID, Region: spec.Region}, nil
}

// Terminate stops and removes a worker container.
func (d *dockerDispatcher) Terminate(
	ctx context.Context, handle WorkerHandle,
) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.TerminateTimeoutDuration())
	defer cancel()

	cli, err := d.regionClient(handle.Region)
	if err != nil {
		return fmt.Errorf("region %s: %w", handle.Region, err)
	}

	if err := cli.ContainerRemove(ctx, handle.ID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("removing worker %s: %w", shortID(handle.ID), err)
	}

	d.log.WithFields(logrus.Fields{
		"region": handle.Region,
		"id":     shortID(handle.ID),
	}).Info("Terminated worker")

	return nil
}

// regionClient returns (creating on first use) the Docker client for a
// region's configured daemon endpoint.
func (d *dockerDispatcher) regionClient(region string) (*client.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cli, ok := d.clients[region]; ok {
		return cli, nil
	}

	regionCfg, ok := d.cfg.Regions[region]
	if !ok {
		return nil, fmt.Errorf("unknown region: %s", region)
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if regionCfg.Host != "" {
		opts = append(opts, client.WithHost(regionCfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	d.clients[region] = cli

	return cli, nil
}

// ensureNetwork creates the worker network if it doesn't exist.
func (d *dockerDispatcher) ensureNetwork(
	ctx context.Context, cli *client.Client, name string,
) error {
	networks, err := cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}

	for _, net := range networks {
		if net.Name == name {
			return nil
		}
	}

	if _, err := cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
	}); err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}

	d.log.WithField("network", name).Info("Created Docker network")

	return nil
}

// pullImage pulls the worker image according to the pull policy.
func (d *dockerDispatcher) pullImage(
	ctx context.Context, cli *client.Client, imageName, policy string,
) error {
	if policy == "never" {
		return nil
	}

	if policy == "missing" || policy == "if-not-present" {
		images, err := cli.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", imageName)),
		})
		if err != nil {
			return fmt.Errorf("listing images: %w", err)
		}

		if len(images) > 0 {
			return nil
		}
	}

	d.log.WithField("image", imageName).Info("Pulling image")

	reader, err := cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}

	defer func() { _ = reader.Close() }()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
