package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/loadtestoor/pkg/config"
	"github.com/sirupsen/logrus"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func testRunSpec() *RunSpec {
	return &RunSpec{
		TestID:      "0b4f9a2c-1d58-4f6e-9d3a-1f2e3d4c5b6a",
		Region:      "eu-west",
		TargetURL:   "https://example.com",
		Concurrency: 25,
		Duration:    90 * time.Second,
		RampUp:      15 * time.Second,
		ReportURL:   "http://orchestrator:8080/api/v1/worker/complete",
		ReportToken: "secret-token",
		Watchdog:    15 * time.Minute,
	}
}

func TestWorkerCommand(t *testing.T) {
	spec := testRunSpec()
	spec.Headers = map[string]string{
		"User-Agent":      "Mozilla/5.0",
		"Accept-Language": "en-US",
	}

	cmd := workerCommand(spec)

	assert.Equal(t, []string{
		"worker",
		"--test-id", spec.TestID,
		"--region", "eu-west",
		"--target-url", "https://example.com",
		"--concurrency", "25",
		"--duration", "1m30s",
		"--ramp-up", "15s",
		"--report-url", spec.ReportURL,
		"--watchdog", "15m0s",
		"--header", "Accept-Language: en-US",
		"--header", "User-Agent: Mozilla/5.0",
	}, cmd)

	// The token must never appear in argv.
	for _, arg := range cmd {
		assert.NotContains(t, arg, "secret-token")
	}
}

func TestWorkerEnvCarriesToken(t *testing.T) {
	env := workerEnv(testRunSpec())

	assert.Equal(t, "secret-token", env["LOADTESTOOR_REPORT_TOKEN"])
}

func TestWorkerName(t *testing.T) {
	spec := testRunSpec()

	assert.Equal(t, "loadtestoor-0b4f9a2c-eu-west", workerName(spec))

	short := &RunSpec{TestID: "abc", Region: "us-east"}
	assert.Equal(t, "loadtestoor-abc-us-east", workerName(short))
}

func TestWorkerLabels(t *testing.T) {
	labels := workerLabels(testRunSpec())

	assert.Equal(t, "0b4f9a2c-1d58-4f6e-9d3a-1f2e3d4c5b6a", labels["loadtestoor.test-id"])
	assert.Equal(t, "eu-west", labels["loadtestoor.region"])
	assert.Equal(t, "loadtestoor", labels["loadtestoor.managed-by"])
}

func TestQualifyImageName(t *testing.T) {
	cases := map[string]string{
		"nginx":                          "docker.io/nginx",
		"ethpandaops/loadtestoor:latest": "docker.io/ethpandaops/loadtestoor:latest",
		"quay.io/podman/hello":           "quay.io/podman/hello",
		"ghcr.io/org/image:v1":           "ghcr.io/org/image:v1",
	}

	for in, want := range cases {
		assert.Equal(t, want, qualifyImageName(in), in)
	}
}

func TestNew_UnsupportedEngine(t *testing.T) {
	_, err := New(testLogger(), &config.DispatcherConfig{Engine: "nomad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported dispatcher engine")
}

func TestNew_KnownEngines(t *testing.T) {
	for _, engine := range []string{"docker", "podman"} {
		d, err := New(testLogger(), &config.DispatcherConfig{Engine: engine})
		require.NoError(t, err, engine)
		assert.NotNil(t, d)
	}
}
