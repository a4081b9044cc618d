package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ethpandaops/loadtestoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// RunSpec describes one unit of load-generation work: the workload a
// single worker executes against the target and how it reports back.
type RunSpec struct {
	TestID      string
	Region      string
	TargetURL   string
	Concurrency int
	Duration    time.Duration
	RampUp      time.Duration

	// Headers are added to every generated request (e.g. browser-like
	// headers for targets behind bot protection).
	Headers map[string]string

	// ReportURL is the orchestrator endpoint the worker pushes its
	// completion report to; ReportToken authenticates the push.
	ReportURL   string
	ReportToken string

	// Watchdog is the worker's self-termination ceiling. The worker
	// exits after pushing its result or after this ceiling, whichever
	// comes first, independent of the dispatcher's liveness.
	Watchdog time.Duration
}

// WorkerHandle identifies one provisioned execution unit.
type WorkerHandle struct {
	ID     string `json:"id"`
	Region string `json:"region"`
}

// ProvisionError is an infrastructure-level launch or terminate
// failure (quota, network, auth, daemon unavailable). It is not
// retriable at this layer: retrying a partially provisioned unit risks
// duplicate concurrent load against the target.
type ProvisionError struct {
	Region string
	Err    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning worker in region %s: %v", e.Region, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Dispatcher provisions and terminates one remote execution unit per
// (test, region) pair.
type Dispatcher interface {
	Start(ctx context.Context) error
	Stop() error

	// Launch provisions one worker in the spec's region. Fails with
	// *ProvisionError; launches exceeding the configured timeout are
	// treated the same way.
	Launch(ctx context.Context, spec *RunSpec) (WorkerHandle, error)

	// Terminate tears down a worker. Best-effort: callers log failures
	// instead of escalating, since leaked workers self-terminate after
	// their watchdog ceiling.
	Terminate(ctx context.Context, handle WorkerHandle) error
}

// New creates a Dispatcher for the configured container engine.
func New(
	log logrus.FieldLogger,
	cfg *config.DispatcherConfig,
) (Dispatcher, error) {
	switch cfg.Engine {
	case "docker":
		return newDockerDispatcher(log, cfg)
	case "podman":
		return newPodmanDispatcher(log, cfg)
	default:
		return nil, fmt.Errorf("unsupported dispatcher engine: %s", cfg.Engine)
	}
}

// workerCommand builds the argv a worker container runs for the spec.
func workerCommand(spec *RunSpec) []string {
	cmd := []string{
		"worker",
		"--test-id", spec.TestID,
		"--region", spec.Region,
		"--target-url", spec.TargetURL,
		"--concurrency", strconv.Itoa(spec.Concurrency),
		"--duration", spec.Duration.String(),
		"--ramp-up", spec.RampUp.String(),
		"--report-url", spec.ReportURL,
		"--watchdog", spec.Watchdog.String(),
	}

	// Deterministic header order so container specs are reproducible.
	keys := make([]string, 0, len(spec.Headers))
	for k := range spec.Headers {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		cmd = append(cmd, "--header", k+": "+spec.Headers[k])
	}

	return cmd
}

// workerEnv builds the worker container environment. The report token
// goes through the environment rather than argv so it does not show up
// in container inspect output.
func workerEnv(spec *RunSpec) map[string]string {
	return map[string]string{
		"LOADTESTOOR_REPORT_TOKEN": spec.ReportToken,
	}
}

// workerLabels tags a worker container for identification and cleanup.
func workerLabels(spec *RunSpec) map[string]string {
	return map[string]string{
		"loadtestoor.test-id":    spec.TestID,
		"loadtestoor.region":     spec.Region,
		"loadtestoor.managed-by": "loadtestoor",
	}
}

// workerName returns the container name for a (test, region) worker.
// One active worker per pair: the engine rejects a second container
// with the same name while the first is still present.
func workerName(spec *RunSpec) string {
	id := spec.TestID
	if len(id) > 8 {
		id = id[:8]
	}

	return fmt.Sprintf("loadtestoor-%s-%s", id, spec.Region)
}
