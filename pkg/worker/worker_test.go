package worker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/loadtestoor/pkg/worker"
)

type capturedReport struct {
	TestID   string `json:"testId"`
	Region   string `json:"region"`
	WorkerID string `json:"worker_id"`
	Success  bool   `json:"success"`
	Results  struct {
		Requests    int64   `json:"requests"`
		Failed      int64   `json:"failed"`
		DurationSec float64 `json:"duration"`
		Error       string  `json:"error"`
	} `json:"results"`
}

// reportSink captures the completion report a worker delivers.
type reportSink struct {
	mu     sync.Mutex
	report *capturedReport
	auth   string
}

func (s *reportSink) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.auth = r.Header.Get("Authorization")

		var rep capturedReport
		if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		s.report = &rep

		w.WriteHeader(http.StatusOK)
	})
}

func (s *reportSink) get() (*capturedReport, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.report, s.auth
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestWorker_RunAndReport(t *testing.T) {
	var hits atomic.Int64

	var gotHeader atomic.Value

	target := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			gotHeader.Store(r.Header.Get("User-Agent"))
			w.WriteHeader(http.StatusOK)
		}))
	defer target.Close()

	sink := &reportSink{}
	reportSrv := httptest.NewServer(sink.handler())
	defer reportSrv.Close()

	w := worker.New(testLogger(), &worker.Config{
		TestID:      "test-1",
		Region:      "eu-west",
		TargetURL:   target.URL,
		Concurrency: 3,
		Duration:    500 * time.Millisecond,
		Headers:     map[string]string{"User-Agent": "Mozilla/5.0"},
		ReportURL:   reportSrv.URL,
		ReportToken: "tok-123",
	})

	require.NoError(t, w.Run(context.Background()))

	assert.Positive(t, hits.Load(), "target must receive load")
	assert.Equal(t, "Mozilla/5.0", gotHeader.Load())

	rep, auth := sink.get()
	require.NotNil(t, rep, "completion report must be delivered")
	assert.Equal(t, "Bearer tok-123", auth)
	assert.Equal(t, "test-1", rep.TestID)
	assert.Equal(t, "eu-west", rep.Region)
	assert.NotEmpty(t, rep.WorkerID)
	assert.True(t, rep.Success)
	assert.Positive(t, rep.Results.Requests)
	assert.Zero(t, rep.Results.Failed)
}

func TestWorker_CountsServerErrorsAsFailed(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
	defer target.Close()

	sink := &reportSink{}
	reportSrv := httptest.NewServer(sink.handler())
	defer reportSrv.Close()

	w := worker.New(testLogger(), &worker.Config{
		TestID:      "test-5xx",
		Region:      "eu-west",
		TargetURL:   target.URL,
		Concurrency: 2,
		Duration:    300 * time.Millisecond,
		ReportURL:   reportSrv.URL,
		ReportToken: "tok",
	})

	require.NoError(t, w.Run(context.Background()))

	rep, _ := sink.get()
	require.NotNil(t, rep)

	// The run itself succeeded; the target's errors show up in the
	// failure counters instead.
	assert.True(t, rep.Success)
	assert.Positive(t, rep.Results.Failed)
	assert.Equal(t, rep.Results.Requests, rep.Results.Failed)
}

func TestWorker_WatchdogCutsRunShort(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	defer target.Close()

	sink := &reportSink{}
	reportSrv := httptest.NewServer(sink.handler())
	defer reportSrv.Close()

	w := worker.New(testLogger(), &worker.Config{
		TestID:      "test-wd",
		Region:      "eu-west",
		TargetURL:   target.URL,
		Concurrency: 1,
		Duration:    time.Hour,
		ReportURL:   reportSrv.URL,
		ReportToken: "tok",
		Watchdog:    300 * time.Millisecond,
	})

	start := time.Now()
	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	// The cut-short run is still reported, flagged unsuccessful.
	rep, _ := sink.get()
	require.NotNil(t, rep)
	assert.False(t, rep.Success)
	assert.NotEmpty(t, rep.Results.Error)
}

func TestWorker_InvalidConfig(t *testing.T) {
	w := worker.New(testLogger(), &worker.Config{})

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid worker config")
}

func TestConfigValidate(t *testing.T) {
	valid := worker.Config{
		TestID:      "t",
		Region:      "r",
		TargetURL:   "https://example.com",
		Concurrency: 1,
		Duration:    time.Second,
		ReportURL:   "http://report",
	}

	require.NoError(t, valid.Validate())

	broken := valid
	broken.Concurrency = 0
	require.Error(t, broken.Validate())

	broken = valid
	broken.ReportURL = ""
	require.Error(t, broken.Validate())
}
