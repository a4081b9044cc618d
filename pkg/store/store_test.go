package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/loadtestoor/pkg/config"
	"github.com/ethpandaops/loadtestoor/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func newTestRecord(testID string) *store.TestRecord {
	return &store.TestRecord{
		TestID:      testID,
		Name:        "Load Test",
		TargetURL:   "https://example.com",
		Concurrency: 10,
		DurationSec: 60,
		RampUpSec:   10,
		Regions:     []string{"eu-west", "us-east"},
		Status:      store.StatusCreated,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := newTestRecord("test-1")
	require.NoError(t, s.CreateTest(ctx, rec))

	got, err := s.GetTest(ctx, "test-1")
	require.NoError(t, err)
	assert.Equal(t, "test-1", got.TestID)
	assert.Equal(t, store.StatusCreated, got.Status)
	assert.Equal(t, []string{"eu-west", "us-east"}, got.Regions)
	assert.Equal(t, 10, got.Concurrency)
	assert.Nil(t, got.StartedAt)
}

func TestStore_CreateDuplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTest(ctx, newTestRecord("test-dup")))

	err := s.CreateTest(ctx, newTestRecord("test-dup"))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestStore_GetNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetTest(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_CompareAndUpdate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTest(ctx, newTestRecord("test-cas")))

	now := time.Now().UTC()

	updated, err := s.CompareAndUpdate(
		ctx, "test-cas", store.StatusCreated,
		func(rec *store.TestRecord) error {
			rec.Status = store.StatusRunning
			rec.StartedAt = &now
			rec.Workers = map[string]string{
				"eu-west": "w-1",
				"us-east": "w-2",
			}
			rec.Completions = map[string]bool{}

			return nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, updated.Status)

	got, err := s.GetTest(ctx, "test-cas")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.Equal(t, "w-1", got.Workers["eu-west"])
	require.NotNil(t, got.StartedAt)
}

func TestStore_CompareAndUpdateStatusMismatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTest(ctx, newTestRecord("test-conflict")))

	// The record is still created; expecting running must conflict.
	_, err := s.CompareAndUpdate(
		ctx, "test-conflict", store.StatusRunning,
		func(rec *store.TestRecord) error {
			rec.Status = store.StatusStopped

			return nil
		},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrConflict)

	// Nothing was written.
	got, err := s.GetTest(ctx, "test-conflict")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCreated, got.Status)
}

func TestStore_CompareAndUpdateNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.CompareAndUpdate(
		context.Background(), "ghost", store.StatusCreated,
		func(rec *store.TestRecord) error { return nil },
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_CompareAndUpdateMutatorError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTest(ctx, newTestRecord("test-abort")))

	boom := errors.New("boom")

	_, err := s.CompareAndUpdate(
		ctx, "test-abort", store.StatusCreated,
		func(rec *store.TestRecord) error {
			rec.Status = store.StatusRunning

			return boom
		},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// The aborted transaction left the record untouched.
	got, err := s.GetTest(ctx, "test-abort")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCreated, got.Status)
}

func TestStore_CompareAndUpdateImmutableDefinition(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTest(ctx, newTestRecord("test-immutable")))

	// A mutator that tampers with definition fields only gets its state
	// columns persisted.
	_, err := s.CompareAndUpdate(
		ctx, "test-immutable", store.StatusCreated,
		func(rec *store.TestRecord) error {
			rec.TargetURL = "https://evil.example.com"
			rec.Concurrency = 9999
			rec.Status = store.StatusRunning

			return nil
		},
	)
	require.NoError(t, err)

	got, err := s.GetTest(ctx, "test-immutable")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.Equal(t, "https://example.com", got.TargetURL)
	assert.Equal(t, 10, got.Concurrency)
}

func TestStore_CompareAndUpdateInsertsResultWithTransition(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := newTestRecord("test-txn-res")
	rec.Status = store.StatusRunning
	require.NoError(t, s.CreateTest(ctx, rec))

	_, err := s.CompareAndUpdate(
		ctx, "test-txn-res", store.StatusRunning,
		func(rec *store.TestRecord) error {
			rec.Completions = map[string]bool{"eu-west": true}

			return nil
		},
		&store.ResultRecord{
			TestID:      "test-txn-res",
			Region:      "eu-west",
			WorkerID:    "w-1",
			Success:     true,
			Payload:     `{"requests":100}`,
			CompletedAt: time.Now().UTC(),
		},
	)
	require.NoError(t, err)

	results, err := s.ListResults(ctx, "test-txn-res")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "eu-west", results[0].Region)
}

func TestStore_CompareAndUpdateConflictInsertsNoResult(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTest(ctx, newTestRecord("test-txn-conflict")))

	// The status guard fails, so the result staged alongside must not
	// land either.
	_, err := s.CompareAndUpdate(
		ctx, "test-txn-conflict", store.StatusRunning,
		func(rec *store.TestRecord) error { return nil },
		&store.ResultRecord{
			TestID:      "test-txn-conflict",
			Region:      "eu-west",
			WorkerID:    "w-1",
			CompletedAt: time.Now().UTC(),
		},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrConflict)

	results, err := s.ListResults(ctx, "test-txn-conflict")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_ListTestsOrdered(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"list-a", "list-b", "list-c"} {
		require.NoError(t, s.CreateTest(ctx, newTestRecord(id)))
	}

	ids := make([]string, 0, 3)

	for rec, err := range s.ListTests(ctx) {
		require.NoError(t, err)
		ids = append(ids, rec.TestID)
	}

	assert.Equal(t, []string{"list-a", "list-b", "list-c"}, ids)
}

func TestStore_ListTestsEarlyBreak(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"brk-a", "brk-b", "brk-c"} {
		require.NoError(t, s.CreateTest(ctx, newTestRecord(id)))
	}

	var count int

	for _, err := range s.ListTests(ctx) {
		require.NoError(t, err)

		count++
		if count == 2 {
			break
		}
	}

	assert.Equal(t, 2, count)
}

func TestStore_AppendAndListResults(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTest(ctx, newTestRecord("test-res")))

	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.AppendResult(ctx, &store.ResultRecord{
		TestID:      "test-res",
		Region:      "us-east",
		WorkerID:    "w-2",
		Success:     true,
		Payload:     `{"requests":100}`,
		CompletedAt: base.Add(time.Second),
	}))
	require.NoError(t, s.AppendResult(ctx, &store.ResultRecord{
		TestID:      "test-res",
		Region:      "eu-west",
		WorkerID:    "w-1",
		Success:     false,
		Payload:     `{"requests":50}`,
		CompletedAt: base,
	}))

	results, err := s.ListResults(ctx, "test-res")
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Ordered by completion time.
	assert.Equal(t, "eu-west", results[0].Region)
	assert.Equal(t, "us-east", results[1].Region)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)

	other, err := s.ListResults(ctx, "other-test")
	require.NoError(t, err)
	assert.Empty(t, other)
}
