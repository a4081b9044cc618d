// Package aggregator assembles the read-side results view of a test.
// It never mutates state; all writes go through the orchestrator.
package aggregator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethpandaops/loadtestoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// RegionResult is the per-region slice of a summary.
type RegionResult struct {
	Region      string          `json:"region"`
	WorkerID    string          `json:"worker_id"`
	Success     bool            `json:"success"`
	Results     json.RawMessage `json:"results,omitempty"`
	CompletedAt time.Time       `json:"timestamp"`
}

// Summary is the aggregated results view of one test.
type Summary struct {
	TestID           string         `json:"testId"`
	Name             string         `json:"name"`
	Status           string         `json:"status"`
	TotalRegions     int            `json:"total_regions"`
	CompletedRegions int            `json:"completed_regions"`
	SuccessCount     int            `json:"success_count"`
	FailureCount     int            `json:"failure_count"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	StoppedAt        *time.Time     `json:"stopped_at,omitempty"`
	Results          []RegionResult `json:"results"`
}

// Aggregator produces result summaries for tests.
type Aggregator interface {
	Summarize(ctx context.Context, testID string) (*Summary, error)
}

// Compile-time interface check.
var _ Aggregator = (*aggregator)(nil)

type aggregator struct {
	log   logrus.FieldLogger
	store store.Store
}

// New creates a new Aggregator reading from the given store.
func New(log logrus.FieldLogger, st store.Store) Aggregator {
	return &aggregator{
		log:   log.WithField("component", "aggregator"),
		store: st,
	}
}

// Summarize returns the aggregated results for a test. Incomplete tests
// summarize fine: regions that haven't reported simply don't appear in
// the results slice. Store errors (including not found) pass through
// unchanged.
func (a *aggregator) Summarize(
	ctx context.Context, testID string,
) (*Summary, error) {
	rec, err := a.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	results, err := a.store.ListResults(ctx, testID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		TestID:       rec.TestID,
		Name:         rec.Name,
		Status:       string(rec.Status),
		TotalRegions: len(rec.Regions),
		StartedAt:    rec.StartedAt,
		StoppedAt:    rec.StoppedAt,
		Results:      make([]RegionResult, 0, len(results)),
	}

	for _, region := range rec.Regions {
		if rec.Completions[region] {
			summary.CompletedRegions++
		}
	}

	for _, res := range results {
		if res.Success {
			summary.SuccessCount++
		} else {
			summary.FailureCount++
		}

		rr := RegionResult{
			Region:      res.Region,
			WorkerID:    res.WorkerID,
			Success:     res.Success,
			CompletedAt: res.CompletedAt,
		}

		// Payloads are stored as the worker sent them; anything that
		// isn't valid JSON is wrapped as a string so the summary always
		// marshals.
		if json.Valid([]byte(res.Payload)) {
			rr.Results = json.RawMessage(res.Payload)
		} else if res.Payload != "" {
			quoted, _ := json.Marshal(res.Payload)
			rr.Results = quoted
		}

		summary.Results = append(summary.Results, rr)
	}

	return summary, nil
}
