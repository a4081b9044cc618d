package store

import (
	"time"
)

// TestStatus is the lifecycle status of a test.
type TestStatus string

// Lifecycle statuses. Transitions are monotonic:
// created -> running -> {completed, stopped, failed}.
const (
	StatusCreated   TestStatus = "created"
	StatusRunning   TestStatus = "running"
	StatusCompleted TestStatus = "completed"
	StatusStopped   TestStatus = "stopped"
	StatusFailed    TestStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed:
		return true
	default:
		return false
	}
}

// TestRecord holds a test's immutable definition together with its
// evolving lifecycle state. Definition fields (name, target, load
// parameters, regions) are never mutated after creation; state fields
// change only through Store.CompareAndUpdate.
type TestRecord struct {
	ID     uint   `gorm:"primaryKey" json:"-"`
	TestID string `gorm:"uniqueIndex;not null" json:"testId"`

	// Definition (immutable after create).
	Name        string   `gorm:"not null" json:"name"`
	TargetURL   string   `gorm:"not null" json:"target_url"`
	Concurrency int      `gorm:"not null" json:"concurrent_users"`
	DurationSec int      `gorm:"not null" json:"duration"`
	RampUpSec   int      `gorm:"not null" json:"ramp_up"`
	Regions     []string `gorm:"serializer:json;not null" json:"regions"`

	// State (mutated only via CompareAndUpdate).
	Status        TestStatus        `gorm:"not null;index" json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	StoppedAt     *time.Time        `json:"stopped_at,omitempty"`
	Workers       map[string]string `gorm:"serializer:json" json:"workers,omitempty"`
	Completions   map[string]bool   `gorm:"serializer:json" json:"completions,omitempty"`

	// WorkerTokenHash authenticates completion reports for this test.
	WorkerTokenHash string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// AllRegionsComplete reports whether every region has a completion flag.
func (r *TestRecord) AllRegionsComplete() bool {
	for _, region := range r.Regions {
		if !r.Completions[region] {
			return false
		}
	}

	return true
}

// ResultRecord is one worker's raw result for a (test, region) pair.
// Immutable once written. At-most-one insert per (test, region) is
// enforced by the orchestrator's completion flags, not by the store.
type ResultRecord struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	TestID      string    `gorm:"index:idx_results_test_region;not null" json:"testId"`
	Region      string    `gorm:"index:idx_results_test_region;not null" json:"region"`
	WorkerID    string    `gorm:"not null" json:"worker_id"`
	Success     bool      `json:"success"`
	Payload     string    `json:"results"`
	CompletedAt time.Time `gorm:"not null" json:"timestamp"`
	CreatedAt   time.Time `json:"-"`
}
