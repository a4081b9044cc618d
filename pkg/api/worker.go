package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethpandaops/loadtestoor/pkg/orchestrator"
)

// workerCompleteRequest is the body a worker POSTs when its run ends.
// The results field is kept raw; the orchestrator stores it verbatim.
type workerCompleteRequest struct {
	TestID   string          `json:"testId"`
	Region   string          `json:"region"`
	WorkerID string          `json:"worker_id"`
	Success  bool            `json:"success"`
	Results  json.RawMessage `json:"results"`
}

// handleWorkerComplete accepts a worker's completion report. The
// worker authenticates with the per-test token issued at start time,
// not the client token.
func (s *server) handleWorkerComplete(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized,
			errorResponse{"worker token required"})

		return
	}

	var req workerCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid JSON body"})

		return
	}

	if req.TestID == "" || req.Region == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"testId and region are required"})

		return
	}

	err := s.orchestrator.ReportCompletion(r.Context(), orchestrator.CompletionReport{
		TestID:      req.TestID,
		Region:      req.Region,
		WorkerID:    req.WorkerID,
		Token:       token,
		Success:     req.Success,
		Payload:     string(req.Results),
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnauthorized) {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid worker token"})

			return
		}

		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
