package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/ethpandaops/loadtestoor/pkg/config"
	"github.com/ethpandaops/loadtestoor/pkg/dispatcher"
	"github.com/ethpandaops/loadtestoor/pkg/metrics"
	"github.com/ethpandaops/loadtestoor/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

const workerTokenBytes = 24

// CreateRequest is the payload for creating a test. Optional fields
// are zero when omitted; defaults are applied before validation.
type CreateRequest struct {
	Name        string
	TargetURL   string
	Concurrency int
	DurationSec int
	RampUpSec   int
	Regions     []string
}

// CompletionReport is one worker's completion signal plus its raw
// result payload.
type CompletionReport struct {
	TestID      string
	Region      string
	WorkerID    string
	Token       string
	Success     bool
	Payload     string
	CompletedAt time.Time
}

// Archiver persists a snapshot of a test that reached a terminal
// state. Failures are logged, never escalated.
type Archiver interface {
	ArchiveTest(ctx context.Context, rec *store.TestRecord, results []store.ResultRecord) error
}

// Orchestrator owns the test lifecycle state machine:
// created -> running -> {completed, stopped, failed}. It holds no
// in-process state across invocations; all coordination goes through
// the store's compare-and-update primitive, so any number of stateless
// instances can run side by side.
type Orchestrator interface {
	CreateTest(ctx context.Context, req CreateRequest) (*store.TestRecord, error)
	StartTest(ctx context.Context, testID string) (*store.TestRecord, error)
	StopTest(ctx context.Context, testID string) (*store.TestRecord, error)
	ReportCompletion(ctx context.Context, rep CompletionReport) error
	GetTest(ctx context.Context, testID string) (*store.TestRecord, error)
	ListTests(ctx context.Context) iter.Seq2[*store.TestRecord, error]
}

// Compile-time interface check.
var _ Orchestrator = (*orchestrator)(nil)

type orchestrator struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	store    store.Store
	disp     dispatcher.Dispatcher
	metrics  *metrics.Metrics
	archiver Archiver
}

// New creates a new Orchestrator. The archiver may be nil.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	disp dispatcher.Dispatcher,
	m *metrics.Metrics,
	archiver Archiver,
) Orchestrator {
	return &orchestrator{
		log:      log.WithField("component", "orchestrator"),
		cfg:      cfg,
		store:    st,
		disp:     disp,
		metrics:  m,
		archiver: archiver,
	}
}

// CreateTest validates the request, applies defaults, and writes a new
// test record in status created.
func (o *orchestrator) CreateTest(
	ctx context.Context, req CreateRequest,
) (*store.TestRecord, error) {
	o.applyDefaults(&req)

	if err := o.validate(&req); err != nil {
		return nil, err
	}

	rec := &store.TestRecord{
		TestID:      uuid.NewString(),
		Name:        req.Name,
		TargetURL:   req.TargetURL,
		Concurrency: req.Concurrency,
		DurationSec: req.DurationSec,
		RampUpSec:   req.RampUpSec,
		Regions:     dedupeRegions(req.Regions),
		Status:      store.StatusCreated,
	}

	if err := o.store.CreateTest(ctx, rec); err != nil {
		return nil, err
	}

	o.metrics.Transition(string(store.StatusCreated))

	o.log.WithFields(logrus.Fields{
		"test_id": rec.TestID,
		"regions": rec.Regions,
	}).Info("Test created")

	return rec, nil
}

// StartTest transitions created -> running. The transition is claimed
// through compare-and-update before anything is launched, so a
// concurrent start observes ErrConflict without ever reaching the
// dispatcher, under row locks and without them alike. Launches are
// all-or-nothing: any failure rolls back the workers already launched
// and records the test as failed, so callers never mistake partial
// capacity for the requested one.
func (o *orchestrator) StartTest(
	ctx context.Context, testID string,
) (*store.TestRecord, error) {
	token, hash, err := generateWorkerToken()
	if err != nil {
		return nil, fmt.Errorf("generating worker token: %w", err)
	}

	claimed, err := o.store.CompareAndUpdate(
		ctx, testID, store.StatusCreated,
		func(rec *store.TestRecord) error {
			now := time.Now().UTC()
			rec.Status = store.StatusRunning
			rec.StartedAt = &now
			rec.WorkerTokenHash = hash
			rec.Completions = make(map[string]bool, len(rec.Regions))

			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	o.metrics.Transition(string(store.StatusRunning))

	handles, err := o.launchAll(ctx, claimed, token)
	if err != nil {
		return o.failStart(ctx, testID, err)
	}

	updated, err := o.store.CompareAndUpdate(
		ctx, testID, store.StatusRunning,
		func(rec *store.TestRecord) error {
			rec.Workers = handles

			return nil
		},
	)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// The test was stopped while its workers were launching.
			// The stop saw no handles to terminate, so tear them down
			// here; any survivor self-terminates at the watchdog
			// ceiling.
			o.terminateHandles(ctx, handles)

			return o.store.GetTest(ctx, testID)
		}

		return nil, err
	}

	o.log.WithFields(logrus.Fields{
		"test_id": testID,
		"workers": len(updated.Workers),
	}).Info("Test started")

	return updated, nil
}

// failStart records a launch failure as the test's terminal state and
// returns the original launch error alongside the failed record.
func (o *orchestrator) failStart(
	ctx context.Context, testID string, launchErr error,
) (*store.TestRecord, error) {
	failed, err := o.store.CompareAndUpdate(
		ctx, testID, store.StatusRunning,
		func(rec *store.TestRecord) error {
			rec.Status = store.StatusFailed
			rec.FailureReason = launchErr.Error()

			return nil
		},
	)
	if err != nil {
		o.log.WithError(err).
			WithField("test_id", testID).
			Warn("Failed to record launch failure")

		return nil, launchErr
	}

	o.metrics.Transition(string(store.StatusFailed))

	o.log.WithError(launchErr).
		WithField("test_id", testID).
		Error("Test failed to start")

	o.archive(failed)

	return failed, launchErr
}

// terminateHandles tears down a set of launched workers best-effort.
func (o *orchestrator) terminateHandles(
	ctx context.Context, handles map[string]string,
) {
	for region, id := range handles {
		handle := dispatcher.WorkerHandle{ID: id, Region: region}
		if err := o.disp.Terminate(context.WithoutCancel(ctx), handle); err != nil {
			o.log.WithError(err).
				WithField("worker", id).
				Warn("Failed to terminate worker")
		}
	}
}

// launchAll launches one worker per region in parallel. On any failure
// every already-launched worker is terminated best-effort and the
// first launch error is returned.
func (o *orchestrator) launchAll(
	ctx context.Context,
	rec *store.TestRecord,
	token string,
) (map[string]string, error) {
	var (
		mu       sync.Mutex
		handles  = make(map[string]string, len(rec.Regions))
		launched = make([]dispatcher.WorkerHandle, 0, len(rec.Regions))
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, region := range rec.Regions {
		g.Go(func() error {
			handle, err := o.disp.Launch(gctx, o.runSpec(rec, region, token))
			if err != nil {
				o.metrics.Launch("error")

				return err
			}

			o.metrics.Launch("ok")

			mu.Lock()
			handles[region] = handle.ID
			launched = append(launched, handle)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Rollback: a failed attempt leaves no workers behind and no
		// result records are ever accepted for it.
		for _, handle := range launched {
			if terr := o.disp.Terminate(
				context.WithoutCancel(ctx), handle,
			); terr != nil {
				o.log.WithError(terr).
					WithField("worker", handle.ID).
					Warn("Failed to terminate worker during rollback")
			}
		}

		return nil, err
	}

	return handles, nil
}

// runSpec builds the dispatch spec for one (test, region) worker.
func (o *orchestrator) runSpec(
	rec *store.TestRecord, region, token string,
) *dispatcher.RunSpec {
	return &dispatcher.RunSpec{
		TestID:      rec.TestID,
		Region:      region,
		TargetURL:   rec.TargetURL,
		Concurrency: rec.Concurrency,
		Duration:    time.Duration(rec.DurationSec) * time.Second,
		RampUp:      time.Duration(rec.RampUpSec) * time.Second,
		Headers:     o.cfg.Dispatcher.Headers,
		ReportURL:   o.cfg.Dispatcher.ReportURL,
		ReportToken: token,
		Watchdog:    o.cfg.Dispatcher.WatchdogCeilingDuration(),
	}
}

// StopTest transitions running -> stopped. Workers for regions that
// have not completed yet are terminated best-effort; completed
// regions' results are retained.
func (o *orchestrator) StopTest(
	ctx context.Context, testID string,
) (*store.TestRecord, error) {
	updated, err := o.store.CompareAndUpdate(
		ctx, testID, store.StatusRunning,
		func(rec *store.TestRecord) error {
			var wg sync.WaitGroup

			for _, region := range rec.Regions {
				if rec.Completions[region] {
					continue
				}

				handle := dispatcher.WorkerHandle{
					ID:     rec.Workers[region],
					Region: region,
				}

				wg.Add(1)

				go func() {
					defer wg.Done()

					if err := o.disp.Terminate(ctx, handle); err != nil {
						// Leaked workers self-terminate at the
						// watchdog ceiling.
						o.log.WithError(err).
							WithField("worker", handle.ID).
							Warn("Failed to terminate worker")
					}
				}()
			}

			wg.Wait()

			now := time.Now().UTC()
			rec.Status = store.StatusStopped
			rec.StoppedAt = &now

			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	o.metrics.Transition(string(store.StatusStopped))

	o.log.WithField("test_id", testID).Info("Test stopped")

	o.archive(updated)

	return updated, nil
}

// ReportCompletion handles a worker's completion signal. While the
// test is running it sets the region's completion flag (rejecting
// duplicates), appends the result record, and completes the test once
// every region has reported. Completions arriving after a stop are
// still accepted and recorded; after completed/failed they are dropped.
func (o *orchestrator) ReportCompletion(
	ctx context.Context, rep CompletionReport,
) error {
	rec, err := o.store.GetTest(ctx, rep.TestID)
	if err != nil {
		return err
	}

	if bcrypt.CompareHashAndPassword(
		[]byte(rec.WorkerTokenHash), []byte(rep.Token),
	) != nil {
		return ErrUnauthorized
	}

	log := o.log.WithFields(logrus.Fields{
		"test_id": rep.TestID,
		"region":  rep.Region,
		"worker":  rep.WorkerID,
	})

	switch rec.Status {
	case store.StatusRunning:
		return o.acceptCompletion(ctx, rep, store.StatusRunning, log)

	case store.StatusStopped:
		// Late arrival after stop: real measured data, still recorded.
		o.metrics.LateResult("accepted")
		log.Info("Accepting late result after stop")

		return o.acceptCompletion(ctx, rep, store.StatusStopped, log)

	case store.StatusCompleted, store.StatusFailed:
		o.metrics.LateResult("dropped")
		log.WithField("status", rec.Status).
			Warn("Dropping completion report for terminal test")

		return nil

	default:
		return &ValidationError{
			Field:  "testId",
			Reason: fmt.Sprintf("test has not been started (status %q)", rec.Status),
		}
	}
}

// acceptCompletion flips the region's completion flag under
// compare-and-update, with the result record inserted in the same
// transaction. The flag is the at-most-once gate, and because flag and
// result commit together, a transient write failure leaves the
// worker's retry a clean slate instead of a set flag with no result
// behind it.
func (o *orchestrator) acceptCompletion(
	ctx context.Context,
	rep CompletionReport,
	expected store.TestStatus,
	log logrus.FieldLogger,
) error {
	completedAt := rep.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	updated, err := o.store.CompareAndUpdate(
		ctx, rep.TestID, expected,
		func(rec *store.TestRecord) error {
			if !slices.Contains(rec.Regions, rep.Region) {
				return &ValidationError{
					Field:  "region",
					Reason: fmt.Sprintf("test has no region %q", rep.Region),
				}
			}

			if rec.Completions[rep.Region] {
				return ErrDuplicateResult
			}

			if rec.Completions == nil {
				rec.Completions = make(map[string]bool, len(rec.Regions))
			}

			rec.Completions[rep.Region] = true

			if expected == store.StatusRunning && rec.AllRegionsComplete() {
				now := time.Now().UTC()
				rec.Status = store.StatusCompleted
				rec.StoppedAt = &now
			}

			return nil
		},
		&store.ResultRecord{
			TestID:      rep.TestID,
			Region:      rep.Region,
			WorkerID:    rep.WorkerID,
			Success:     rep.Success,
			Payload:     rep.Payload,
			CompletedAt: completedAt,
		},
	)
	if err != nil {
		if errors.Is(err, ErrDuplicateResult) {
			o.metrics.DuplicateResult()
			log.Warn("Ignoring duplicate completion report")

			return nil
		}

		if errors.Is(err, ErrConflict) {
			// A concurrent transition raced us; re-read and let the
			// terminal-state policy decide.
			return o.retryCompletion(ctx, rep, log)
		}

		return err
	}

	o.metrics.Result(rep.Success)

	log.WithField("success", rep.Success).Info("Result recorded")

	switch updated.Status {
	case store.StatusCompleted:
		o.metrics.Transition(string(store.StatusCompleted))
		log.Info("All regions complete, test completed")
		o.archive(updated)
	case store.StatusStopped:
		// Refresh the snapshot so it carries the straggler's data.
		o.archive(updated)
	}

	return nil
}

// retryCompletion re-reads the record after a lost compare-and-update
// race and applies the terminal-state policy: accept after stop, drop
// after completed/failed.
func (o *orchestrator) retryCompletion(
	ctx context.Context,
	rep CompletionReport,
	log logrus.FieldLogger,
) error {
	rec, err := o.store.GetTest(ctx, rep.TestID)
	if err != nil {
		return err
	}

	switch rec.Status {
	case store.StatusStopped:
		o.metrics.LateResult("accepted")

		return o.acceptCompletion(ctx, rep, store.StatusStopped, log)
	case store.StatusCompleted, store.StatusFailed:
		o.metrics.LateResult("dropped")
		log.WithField("status", rec.Status).
			Warn("Dropping completion report for terminal test")

		return nil
	default:
		return o.acceptCompletion(ctx, rep, rec.Status, log)
	}
}

// GetTest returns the full record for a test identifier.
func (o *orchestrator) GetTest(
	ctx context.Context, testID string,
) (*store.TestRecord, error) {
	return o.store.GetTest(ctx, testID)
}

// ListTests returns the store's lazy sequence of all tests, ordered by
// creation time ascending.
func (o *orchestrator) ListTests(
	ctx context.Context,
) iter.Seq2[*store.TestRecord, error] {
	return o.store.ListTests(ctx)
}

// archive snapshots a terminal test in the background.
func (o *orchestrator) archive(rec *store.TestRecord) {
	if o.archiver == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		results, err := o.store.ListResults(ctx, rec.TestID)
		if err != nil {
			o.log.WithError(err).
				WithField("test_id", rec.TestID).
				Warn("Failed to load results for archival")

			return
		}

		if err := o.archiver.ArchiveTest(ctx, rec, results); err != nil {
			o.log.WithError(err).
				WithField("test_id", rec.TestID).
				Warn("Failed to archive test")
		}
	}()
}

// applyDefaults fills omitted optional fields from the configured
// defaults.
func (o *orchestrator) applyDefaults(req *CreateRequest) {
	if req.Name == "" {
		req.Name = "Load Test"
	}

	if req.Concurrency == 0 {
		req.Concurrency = o.cfg.Defaults.Concurrency
	}

	if req.DurationSec == 0 {
		req.DurationSec = o.cfg.Defaults.DurationSec
	}

	if req.RampUpSec == 0 {
		req.RampUpSec = o.cfg.Defaults.RampUpSec
	}

	if len(req.Regions) == 0 {
		req.Regions = slices.Clone(o.cfg.Defaults.Regions)
	}
}

// validate checks the request after defaults have been applied.
func (o *orchestrator) validate(req *CreateRequest) error {
	if req.TargetURL == "" {
		return &ValidationError{Field: "target_url", Reason: "required"}
	}

	u, err := url.Parse(req.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{
			Field:  "target_url",
			Reason: "must be an absolute http(s) URL",
		}
	}

	if req.Concurrency <= 0 {
		return &ValidationError{
			Field:  "concurrent_users",
			Reason: "must be a positive integer",
		}
	}

	if req.DurationSec <= 0 {
		return &ValidationError{
			Field:  "duration",
			Reason: "must be a positive integer",
		}
	}

	if req.RampUpSec < 0 || req.RampUpSec > req.DurationSec {
		return &ValidationError{
			Field:  "ramp_up",
			Reason: "must be between 0 and duration",
		}
	}

	if len(req.Regions) == 0 {
		return &ValidationError{Field: "regions", Reason: "at least one region is required"}
	}

	for _, region := range req.Regions {
		if _, ok := o.cfg.Dispatcher.Regions[region]; !ok {
			return &ValidationError{
				Field:  "regions",
				Reason: fmt.Sprintf("unknown region %q", region),
			}
		}
	}

	return nil
}

// dedupeRegions removes duplicates while preserving order.
func dedupeRegions(regions []string) []string {
	seen := make(map[string]struct{}, len(regions))
	out := make([]string, 0, len(regions))

	for _, region := range regions {
		if _, ok := seen[region]; ok {
			continue
		}

		seen[region] = struct{}{}
		out = append(out, region)
	}

	return out
}

// generateWorkerToken returns a fresh worker token and its bcrypt hash.
func generateWorkerToken() (token, hash string, err error) {
	b := make([]byte, workerTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}

	token = hex.EncodeToString(b)

	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing token: %w", err)
	}

	return token, string(h), nil
}
