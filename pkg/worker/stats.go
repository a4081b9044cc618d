package worker

import (
	"sync"
	"time"
)

// tally accumulates request statistics across virtual users.
type tally struct {
	mu sync.Mutex

	Requests   int64
	Failed     int64
	StatusCode map[int]int64

	latencySum time.Duration
	latencyMin time.Duration
	latencyMax time.Duration

	start   time.Time
	elapsed time.Duration
}

// record counts one finished request. A transport error counts as a
// failure; HTTP 5xx responses do too, matching what a client of the
// target would experience.
func (t *tally) record(latency time.Duration, status int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Requests++

	if err != nil || status >= 500 {
		t.Failed++
	}

	if status != 0 {
		if t.StatusCode == nil {
			t.StatusCode = make(map[int]int64)
		}

		t.StatusCode[status]++
	}

	t.latencySum += latency
	if t.latencyMin == 0 || latency < t.latencyMin {
		t.latencyMin = latency
	}

	if latency > t.latencyMax {
		t.latencyMax = latency
	}
}

// RunResult is the payload a worker reports when it finishes. Field
// names follow what the results API exposes to clients.
type RunResult struct {
	TargetURL       string        `json:"target_url"`
	ConcurrentUsers int           `json:"concurrent_users"`
	DurationSec     float64       `json:"duration"`
	Requests        int64         `json:"requests"`
	Failed          int64         `json:"failed"`
	RequestsPerSec  float64       `json:"requests_per_sec"`
	LatencyMsAvg    float64       `json:"latency_ms_avg"`
	LatencyMsMin    float64       `json:"latency_ms_min"`
	LatencyMsMax    float64       `json:"latency_ms_max"`
	StatusCodes     map[int]int64 `json:"status_codes,omitempty"`
	Error           string        `json:"error,omitempty"`
	Host            *HostStats    `json:"host,omitempty"`
}

// buildResult assembles the report payload from the accumulated tally.
func buildResult(
	cfg *Config, t *tally, host *HostStats, runErr error,
) *RunResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := &RunResult{
		TargetURL:       cfg.TargetURL,
		ConcurrentUsers: cfg.Concurrency,
		DurationSec:     t.elapsed.Seconds(),
		Requests:        t.Requests,
		Failed:          t.Failed,
		StatusCodes:     t.StatusCode,
		Host:            host,
	}

	if t.elapsed > 0 {
		result.RequestsPerSec = float64(t.Requests) / t.elapsed.Seconds()
	}

	if t.Requests > 0 {
		result.LatencyMsAvg = float64(t.latencySum.Milliseconds()) / float64(t.Requests)
		result.LatencyMsMin = float64(t.latencyMin.Milliseconds())
		result.LatencyMsMax = float64(t.latencyMax.Milliseconds())
	}

	if runErr != nil {
		result.Error = runErr.Error()
	}

	return result
}
