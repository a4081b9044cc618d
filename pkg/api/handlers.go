package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethpandaops/loadtestoor/pkg/dispatcher"
	"github.com/ethpandaops/loadtestoor/pkg/orchestrator"
	"github.com/ethpandaops/loadtestoor/pkg/store"
	"github.com/mitchellh/mapstructure"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// actionDescriptions lists every supported action. Returned whenever a
// request names an action that isn't one of them.
var actionDescriptions = map[string]string{
	"create":  "create a new load test (target_url required)",
	"start":   "start a created test (testId required)",
	"stop":    "stop a running test (testId required)",
	"status":  "get the current state of a test (testId required)",
	"results": "get the aggregated results of a test (testId required)",
	"list":    "list all tests",
}

// createParams is the payload for the create action. Numeric fields
// accept strings too; clients of the old API sent them quoted.
type createParams struct {
	Name            string   `mapstructure:"name"`
	TargetURL       string   `mapstructure:"target_url"`
	ConcurrentUsers int      `mapstructure:"concurrent_users"`
	Duration        int      `mapstructure:"duration"`
	RampUp          int      `mapstructure:"ramp_up"`
	Regions         []string `mapstructure:"regions"`
}

// testParams is the payload for actions addressing an existing test.
type testParams struct {
	TestID string `mapstructure:"testId"`
}

// handleAction dispatches a client request on its action field.
func (s *server) handleAction(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid JSON body"})

		return
	}

	action, _ := body["action"].(string)

	switch action {
	case "create":
		s.handleCreate(w, r, body)
	case "start":
		s.handleStart(w, r, body)
	case "stop":
		s.handleStop(w, r, body)
	case "status":
		s.handleStatus(w, r, body)
	case "results":
		s.handleResults(w, r, body)
	case "list":
		s.handleList(w, r)
	default:
		// Unknown actions get a capability listing rather than an error,
		// so clients can discover the surface.
		writeJSON(w, http.StatusOK, map[string]any{
			"message":           fmt.Sprintf("unknown action %q", action),
			"available_actions": actionDescriptions,
		})
	}
}

// decodeParams decodes the request body map into a typed params struct.
// Weak typing tolerates numbers arriving as strings.
func decodeParams(body map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}

	return dec.Decode(body)
}

// testIDFrom extracts and validates the testId field. A missing testId
// is a bad request, never a not-found.
func testIDFrom(w http.ResponseWriter, body map[string]any) (string, bool) {
	var params testParams
	if err := decodeParams(body, &params); err != nil || params.TestID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"testId is required"})

		return "", false
	}

	return params.TestID, true
}

func (s *server) handleCreate(
	w http.ResponseWriter, r *http.Request, body map[string]any,
) {
	var params createParams
	if err := decodeParams(body, &params); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid create payload: " + err.Error()})

		return
	}

	rec, err := s.orchestrator.CreateTest(r.Context(), orchestrator.CreateRequest{
		Name:        params.Name,
		TargetURL:   params.TargetURL,
		Concurrency: params.ConcurrentUsers,
		DurationSec: params.Duration,
		RampUpSec:   params.RampUp,
		Regions:     params.Regions,
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

func (s *server) handleStart(
	w http.ResponseWriter, r *http.Request, body map[string]any,
) {
	testID, ok := testIDFrom(w, body)
	if !ok {
		return
	}

	rec, err := s.orchestrator.StartTest(r.Context(), testID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleStop(
	w http.ResponseWriter, r *http.Request, body map[string]any,
) {
	testID, ok := testIDFrom(w, body)
	if !ok {
		return
	}

	rec, err := s.orchestrator.StopTest(r.Context(), testID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleStatus(
	w http.ResponseWriter, r *http.Request, body map[string]any,
) {
	testID, ok := testIDFrom(w, body)
	if !ok {
		return
	}

	rec, err := s.orchestrator.GetTest(r.Context(), testID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleResults(
	w http.ResponseWriter, r *http.Request, body map[string]any,
) {
	testID, ok := testIDFrom(w, body)
	if !ok {
		return
	}

	summary, err := s.aggregator.Summarize(r.Context(), testID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// handleList streams all tests. The store's sequence is consumed fully
// here; clients always get a complete JSON array.
func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	tests := make([]*store.TestRecord, 0, 16)

	for rec, err := range s.orchestrator.ListTests(r.Context()) {
		if err != nil {
			s.writeError(w, err)

			return
		}

		tests = append(tests, rec)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tests": tests,
		"count": len(tests),
	})
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *server) writeError(w http.ResponseWriter, err error) {
	var provErr *dispatcher.ProvisionError

	switch {
	case orchestrator.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, orchestrator.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	case errors.Is(err, orchestrator.ErrConflict),
		errors.Is(err, orchestrator.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case errors.As(err, &provErr):
		writeJSON(w, http.StatusBadGateway, errorResponse{err.Error()})
	default:
		s.log.WithError(err).Error("Request failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})
	}
}
