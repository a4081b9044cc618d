// Package worker implements the load-generating process that the
// dispatcher launches, one per (test, region). It ramps virtual users
// up against the target, collects request statistics, reports its
// completion back to the orchestrator, and exits. A watchdog ceiling
// bounds its lifetime so an unreachable orchestrator can never leak a
// running worker.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// rampTickInterval is how often the admission rate is re-derived
	// during ramp-up.
	rampTickInterval = 250 * time.Millisecond

	// requestTimeout bounds a single request against the target.
	requestTimeout = 30 * time.Second
)

// Config holds everything one worker run needs. Populated from the
// command-line flags the dispatcher passes at launch.
type Config struct {
	TestID      string
	Region      string
	TargetURL   string
	Concurrency int
	Duration    time.Duration
	RampUp      time.Duration
	Headers     map[string]string
	ReportURL   string
	ReportToken string
	Watchdog    time.Duration
}

// Validate checks the worker configuration.
func (c *Config) Validate() error {
	if c.TestID == "" {
		return errors.New("test id is required")
	}

	if c.Region == "" {
		return errors.New("region is required")
	}

	if c.TargetURL == "" {
		return errors.New("target url is required")
	}

	if c.Concurrency <= 0 {
		return errors.New("concurrency must be positive")
	}

	if c.Duration <= 0 {
		return errors.New("duration must be positive")
	}

	if c.ReportURL == "" {
		return errors.New("report url is required")
	}

	return nil
}

// Worker runs one load test against the target and reports back.
type Worker interface {
	Run(ctx context.Context) error
}

// Compile-time interface check.
var _ Worker = (*worker)(nil)

type worker struct {
	log      logrus.FieldLogger
	cfg      *Config
	id       string
	client   *http.Client
	reporter *reporter
}

// New creates a new Worker. The worker identifier is derived from the
// hostname (the container name under both engines), falling back to a
// random suffix.
func New(log logrus.FieldLogger, cfg *Config) Worker {
	return &worker{
		log: log.WithFields(logrus.Fields{
			"component": "worker",
			"test_id":   cfg.TestID,
			"region":    cfg.Region,
		}),
		cfg: cfg,
		id:  workerID(cfg.Region),
		client: &http.Client{
			Timeout: requestTimeout,
		},
		reporter: newReporter(log, cfg.ReportURL, cfg.ReportToken),
	}
}

// Run executes the load phase and then reports completion. The report
// is attempted even when the run was cut short; the success flag tells
// the orchestrator whether the full duration was served.
func (w *worker) Run(ctx context.Context) error {
	if err := w.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}

	if w.cfg.Watchdog > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeoutCause(
			ctx, w.cfg.Watchdog, errWatchdogExpired,
		)
		defer cancel()
	}

	w.log.WithFields(logrus.Fields{
		"target":      w.cfg.TargetURL,
		"concurrency": w.cfg.Concurrency,
		"duration":    w.cfg.Duration,
		"ramp_up":     w.cfg.RampUp,
	}).Info("Starting load run")

	host := collectHostStats(w.log)

	tally, runErr := w.generate(ctx)

	result := buildResult(w.cfg, tally, host, runErr)

	// Reporting gets its own deadline: the run context may already be
	// dead, and the report must still go out.
	reportCtx, cancel := context.WithTimeout(
		context.WithoutCancel(ctx), time.Minute,
	)
	defer cancel()

	if err := w.reporter.Report(reportCtx, &completionReport{
		TestID:   w.cfg.TestID,
		Region:   w.cfg.Region,
		WorkerID: w.id,
		Success:  runErr == nil,
		Results:  result,
	}); err != nil {
		return fmt.Errorf("reporting completion: %w", err)
	}

	w.log.WithFields(logrus.Fields{
		"requests": tally.Requests,
		"failed":   tally.Failed,
		"success":  runErr == nil,
	}).Info("Load run finished")

	return runErr
}

var errWatchdogExpired = errors.New("watchdog ceiling reached")

// generate runs the virtual users for the configured duration. Request
// admission is paced by a shared limiter whose rate grows linearly over
// the ramp-up window, so load builds gradually instead of slamming the
// target at full concurrency from the first tick.
func (w *worker) generate(ctx context.Context) (*tally, error) {
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.Duration)
	defer cancel()

	limiter := rate.NewLimiter(w.initialRate(), w.cfg.Concurrency)

	var (
		wg sync.WaitGroup
		t  tally
	)

	t.start = time.Now()

	if w.cfg.RampUp > 0 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			w.ramp(runCtx, limiter)
		}()
	}

	for range w.cfg.Concurrency {
		wg.Add(1)

		go func() {
			defer wg.Done()
			w.virtualUser(runCtx, limiter, &t)
		}()
	}

	wg.Wait()

	t.elapsed = time.Since(t.start)

	// Distinguish the natural end of the run from an external cut.
	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, errWatchdogExpired) {
			w.log.Warn("Watchdog ceiling reached, run cut short")

			return &t, errWatchdogExpired
		}

		return &t, err
	}

	return &t, nil
}

// initialRate is the admission rate at t=0. Without ramp-up the
// limiter starts wide open.
func (w *worker) initialRate() rate.Limit {
	if w.cfg.RampUp <= 0 {
		return rate.Inf
	}

	// Full rate approximates one in-flight request per virtual user.
	full := float64(w.cfg.Concurrency) * float64(time.Second) / float64(requestTimeout)
	if full < 1 {
		full = 1
	}

	return rate.Limit(full / float64(w.cfg.RampUp/time.Second+1))
}

// ramp raises the limiter's rate linearly until the ramp-up window has
// elapsed, then opens it fully.
func (w *worker) ramp(ctx context.Context, limiter *rate.Limiter) {
	ticker := time.NewTicker(rampTickInterval)
	defer ticker.Stop()

	start := time.Now()

	full := float64(w.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frac := float64(time.Since(start)) / float64(w.cfg.RampUp)
			if frac >= 1 {
				limiter.SetLimit(rate.Inf)

				return
			}

			limiter.SetLimit(rate.Limit(1 + frac*full))
		}
	}
}

// virtualUser issues requests back to back until the run context ends.
func (w *worker) virtualUser(
	ctx context.Context, limiter *rate.Limiter, t *tally,
) {
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		latency, status, err := w.request(ctx)
		if ctx.Err() != nil && err != nil {
			// The run ended mid-request; don't count the abort.
			return
		}

		t.record(latency, status, err)
	}
}

// request issues one request against the target.
func (w *worker) request(ctx context.Context) (time.Duration, int, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, w.cfg.TargetURL, nil,
	)
	if err != nil {
		return 0, 0, err
	}

	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()

	resp, err := w.client.Do(req)
	if err != nil {
		return time.Since(start), 0, err
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	return time.Since(start), resp.StatusCode, nil
}

// workerID derives a stable identifier for this worker process.
func workerID(region string) string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}

	b := make([]byte, 4)
	_, _ = rand.Read(b)

	return fmt.Sprintf("%s-%s", region, hex.EncodeToString(b))
}
