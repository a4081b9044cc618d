package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	"github.com/containers/podman/v5/pkg/bindings/network"
	"github.com/containers/podman/v5/pkg/specgen"
	"github.com/ethpandaops/loadtestoor/pkg/config"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	nettypes "go.podman.io/common/libnetwork/types"
)

// DefaultPodmanSocket is the default rootful Podman socket path, used
// for regions that don't configure an explicit host.
const DefaultPodmanSocket = "unix:///run/podman/podman.sock"

// podmanDispatcher provisions workers via Podman Go bindings, one
// socket/endpoint per region.
type podmanDispatcher struct {
	log   logrus.FieldLogger
	cfg   *config.DispatcherConfig
	mu    sync.Mutex
	conns map[string]context.Context // Podman connection contexts.
}

// Compile-time interface check.
var _ Dispatcher = (*podmanDispatcher)(nil)

func newPodmanDispatcher(
	log logrus.FieldLogger,
	cfg *config.DispatcherConfig,
) (Dispatcher, error) {
	return &podmanDispatcher{
		log:   log.WithField("component", "dispatcher-podman"),
		cfg:   cfg,
		conns: make(map[string]context.Context, len(cfg.Regions)),
	}, nil
}

// Start connects to every configured region and ensures the worker
// network exists.
func (d *podmanDispatcher) Start(ctx context.Context) error {
	for region := range d.cfg.Regions {
		conn, err := d.regionConn(ctx, region)
		if err != nil {
			return fmt.Errorf("region %s: %w", region, err)
		}

		if err := d.ensureNetwork(conn, d.cfg.Network); err != nil {
			return fmt.Errorf("region %s: %w", region, err)
		}

		d.log.WithField("region", region).Debug("Connected to Podman")
	}

	return nil
}

// Stop is a no-op; Podman binding connections carry no resources that
// outlive their context.
func (d *podmanDispatcher) Stop() error {
	return nil
}

// Launch provisions one worker container for the spec's region.
func (d *podmanDispatcher) Launch(
	ctx context.Context, spec *RunSpec,
) (WorkerHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.LaunchTimeoutDuration())
	defer cancel()

	conn, err := d.regionConn(ctx, spec.Region)
	if err != nil {
		return WorkerHandle{}, &ProvisionError{Region: spec.Region, Err: err}
	}

	if err := d.pullImage(conn, d.cfg.Image, d.cfg.PullPolicy); err != nil {
		return WorkerHandle{}, &ProvisionError{Region: spec.Region, Err: err}
	}

	s := &specgen.SpecGenerator{}
	s.Name = workerName(spec)
	s.Image = qualifyImageName(d.cfg.Image)
	s.Command = workerCommand(spec)
	s.Env = workerEnv(spec)
	s.Labels = workerLabels(spec)

	if d.cfg.Network != "" {
		s.Networks = map[string]nettypes.PerNetworkOptions{
			d.cfg.Network: {},
		}
	}

	if limit := d.cfg.MemoryLimitBytes(); limit > 0 {
		mem := limit
		s.ResourceLimits = &specs.LinuxResources{
			Memory: &specs.LinuxMemory{Limit: &mem},
		}
	}

	resp, err := containers.CreateWithSpec(conn, s, nil)
	if err != nil {
		return WorkerHandle{}, &ProvisionError{Region: spec.Region, Err: err}
	}

	if err := containers.Start(conn, resp.ID, nil); err != nil {
		if rmErr := d.removeContainer(conn, resp.ID); rmErr != nil {
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

// Terminate removes a worker container.
func (d *podmanDispatcher) Terminate(
	ctx context.Context, handle WorkerHandle,
) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.TerminateTimeoutDuration())
	defer cancel()

	conn, err := d.regionConn(ctx, handle.Region)
	if err != nil {
		return fmt.Errorf("region %s: %w", handle.Region, err)
	}

	if err := d.removeContainer(conn, handle.ID); err != nil {
		return fmt.Errorf("removing worker %s: %w", shortID(handle.ID), err)
	}

	d.log.WithFields(logrus.Fields{
		"region": handle.Region,
		"id":     shortID(handle.ID),
	}).Info("Terminated worker")

	return nil
}

func (d *podmanDispatcher) removeContainer(
	conn context.Context, id string,
) error {
	force := true
	vols := true
	timeout := uint(0) // SIGKILL immediately, skip SIGTERM grace period.

	_, err := containers.Remove(conn, id, &containers.RemoveOptions{
		Force:   &force,
		Volumes: &vols,
		Timeout: &timeout,
	})

	return err
}

// regionConn returns (creating on first use) the Podman connection for
// a region's configured socket or endpoint.
func (d *podmanDispatcher) regionConn(
	ctx context.Context, region string,
) (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if conn, ok := d.conns[region]; ok {
		return conn, nil
	}

	regionCfg, ok := d.cfg.Regions[region]
	if !ok {
		return nil, fmt.Errorf("unknown region: %s", region)
	}

	socket := regionCfg.Host
	if socket == "" {
		socket = DefaultPodmanSocket
	}

	conn, err := bindings.NewConnection(context.WithoutCancel(ctx), socket)
	if err != nil {
		return nil, fmt.Errorf("connecting to podman socket (%s): %w", socket, err)
	}

	d.conns[region] = conn

	return conn, nil
}

// ensureNetwork creates the worker network if it doesn't exist.
func (d *podmanDispatcher) ensureNetwork(
	conn context.Context, name string,
) error {
	nets, err := network.List(conn, &network.ListOptions{
		Filters: map[string][]string{"name": {name}},
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}

	for _, n := range nets {
		if n.Name == name {
			return nil
		}
	}

	netCfg := nettypes.Network{
		Name:   name,
		Driver: "bridge",
	}

	if _, err := network.Create(conn, &netCfg); err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}

	d.log.WithField("network", name).Info("Created Podman network")

	return nil
}

// pullImage pulls the worker image according to the pull policy.
func (d *podmanDispatcher) pullImage(
	conn context.Context, imageName, policy string,
) error {
	name := qualifyImageName(imageName)

	if policy == "never" {
		return nil
	}

	if policy == "missing" || policy == "if-not-present" {
		exists, err := images.Exists(conn, name, nil)
		if err != nil {
			return fmt.Errorf("checking image: %w", err)
		}

		if exists {
			return nil
		}
	}

	d.log.WithField("image", name).Info("Pulling image")

	if _, err := images.Pull(conn, name, nil); err != nil {
		return fmt.Errorf("pulling image %s: %w", name, err)
	}

	return nil
}

// qualifyImageName ensures the image name is fully qualified for
// Podman. Docker defaults short names to docker.io, but Podman requires
// fully-qualified names unless unqualified-search registries are
// configured.
func qualifyImageName(name string) string {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) == 2 && strings.Contains(parts[0], ".") {
		return name
	}

	return "docker.io/" + name
}
