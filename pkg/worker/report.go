package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	reportAttempts = 5
	reportBackoff  = 2 * time.Second
)

// completionReport is the body POSTed to the orchestrator's
// worker-complete endpoint.
type completionReport struct {
	TestID   string     `json:"testId"`
	Region   string     `json:"region"`
	WorkerID string     `json:"worker_id"`
	Success  bool       `json:"success"`
	Results  *RunResult `json:"results"`
}

// reporter delivers the completion report with retries. The report is
// the worker's only write path back to the orchestrator, so it retries
// transient failures before giving up.
type reporter struct {
	log    logrus.FieldLogger
	url    string
	token  string
	client *http.Client
}

func newReporter(log logrus.FieldLogger, url, token string) *reporter {
	return &reporter{
		log:    log.WithField("component", "reporter"),
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Report POSTs the completion report, retrying with a fixed backoff on
// transport errors and 5xx responses. 4xx responses are final; the
// orchestrator has rejected the report and retrying cannot change that.
func (r *reporter) Report(ctx context.Context, rep *completionReport) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	var lastErr error

	for attempt := 1; attempt <= reportAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reportBackoff):
			}
		}

		lastErr = r.send(ctx, body)
		if lastErr == nil {
			return nil
		}

		var fe *finalError
		if errors.As(lastErr, &fe) {
			return fe.err
		}

		r.log.WithError(lastErr).
			WithField("attempt", attempt).
			Warn("Failed to deliver completion report")
	}

	return fmt.Errorf("delivering report after %d attempts: %w", reportAttempts, lastErr)
}

func (r *reporter) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, r.url, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending report: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	err = fmt.Errorf("report rejected: %s: %s", resp.Status, bytes.TrimSpace(msg))

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &finalError{err: err}
	}

	return err
}

// finalError wraps an error that must not be retried.
type finalError struct {
	err error
}

func (e *finalError) Error() string { return e.err.Error() }

func (e *finalError) Unwrap() error { return e.err }
