package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/ethpandaops/loadtestoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Sentinel errors returned by the store contract.
var (
	// ErrNotFound is returned when no record exists for a test identifier.
	ErrNotFound = errors.New("test not found")

	// ErrAlreadyExists is returned when creating a test whose identifier
	// is already present. Creation is append-only.
	ErrAlreadyExists = errors.New("test already exists")

	// ErrConflict is returned when a compare-and-update observes a
	// status other than the expected one.
	ErrConflict = errors.New("concurrent transition conflict")
)

// Store provides persistence for test records and worker results.
// CompareAndUpdate is the sole mutation primitive for test state; it is
// what lets multiple stateless orchestrator instances share the store
// without in-memory locks.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Test record store.
	CreateTest(ctx context.Context, rec *TestRecord) error
	GetTest(ctx context.Context, testID string) (*TestRecord, error)
	CompareAndUpdate(
		ctx context.Context,
		testID string,
		expected TestStatus,
		mutate func(*TestRecord) error,
		results ...*ResultRecord,
	) (*TestRecord, error)
	ListTests(ctx context.Context) iter.Seq2[*TestRecord, error]

	// Result store (append-only).
	AppendResult(ctx context.Context, rec *ResultRecord) error
	ListResults(ctx context.Context, testID string) ([]ResultRecord, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&TestRecord{},
		&ResultRecord{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Test record store ---

// CreateTest inserts a new test record. Returns ErrAlreadyExists if the
// test identifier is already present.
func (s *store) CreateTest(ctx context.Context, rec *TestRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("test %s: %w", rec.TestID, ErrAlreadyExists)
		}

		return fmt.Errorf("creating test: %w", err)
	}

	return nil
}

// GetTest returns the record for a test identifier, or ErrNotFound.
func (s *store) GetTest(
	ctx context.Context, testID string,
) (*TestRecord, error) {
	var rec TestRecord
	if err := s.db.WithContext(ctx).
		Where("test_id = ?", testID).
		First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("test %s: %w", testID, ErrNotFound)
		}

		return nil, fmt.Errorf("getting test: %w", err)
	}

	return &rec, nil
}

// CompareAndUpdate atomically applies mutate to the stored record iff
// its current status equals expected. The final write is guarded by the
// expected status so that two concurrent transitions cannot both
// succeed; the loser observes ErrConflict. An error returned by mutate
// aborts the transaction and is propagated unchanged. Result records
// passed alongside are inserted in the same transaction, so a state
// change and its results commit or fail together.
func (s *store) CompareAndUpdate(
	ctx context.Context,
	testID string,
	expected TestStatus,
	mutate func(*TestRecord) error,
	results ...*ResultRecord,
) (*TestRecord, error) {
	var out *TestRecord

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if s.cfg.Driver == "postgres" {
			// Row lock so concurrent mutators on other instances queue
			// behind this transaction instead of racing it.
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var rec TestRecord
		if err := q.Where("test_id = ?", testID).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("test %s: %w", testID, ErrNotFound)
			}

			return fmt.Errorf("loading test: %w", err)
		}

		if rec.Status != expected {
			return fmt.Errorf(
				"test %s has status %q, expected %q: %w",
				testID, rec.Status, expected, ErrConflict,
			)
		}

		if err := mutate(&rec); err != nil {
			return err
		}

		// Definition fields are immutable: only state columns are written.
		result := tx.Model(&rec).
			Where("status = ?", expected).
			Select(
				"status", "failure_reason", "started_at", "stopped_at",
				"workers", "completions", "worker_token_hash",
			).
			Updates(rec)
		if result.Error != nil {
			return fmt.Errorf("updating test: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			return fmt.Errorf("test %s: %w", testID, ErrConflict)
		}

		for _, res := range results {
			if err := tx.Create(res).Error; err != nil {
				return fmt.Errorf("appending result: %w", err)
			}
		}

		out = &rec

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// ListTests produces a lazy, non-restartable sequence of all test
// records ordered by creation time ascending. Iteration stops at the
// first error; the error is yielded with a nil record.
func (s *store) ListTests(
	ctx context.Context,
) iter.Seq2[*TestRecord, error] {
	return func(yield func(*TestRecord, error) bool) {
		rows, err := s.db.WithContext(ctx).
			Model(&TestRecord{}).
			Order("created_at ASC, id ASC").
			Rows()
		if err != nil {
			yield(nil, fmt.Errorf("listing tests: %w", err))

			return
		}

		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var rec TestRecord
			if err := s.db.ScanRows(rows, &rec); err != nil {
				yield(nil, fmt.Errorf("scanning test row: %w", err))

				return
			}

			if !yield(&rec, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("iterating tests: %w", err))
		}
	}
}

// --- Result store ---

// AppendResult inserts a result record. Records are immutable once
// written; duplicate suppression happens upstream in the orchestrator.
func (s *store) AppendResult(
	ctx context.Context, rec *ResultRecord,
) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("appending result: %w", err)
	}

	return nil
}

// ListResults returns all result records for a test, ordered by
// completion time ascending.
func (s *store) ListResults(
	ctx context.Context, testID string,
) ([]ResultRecord, error) {
	var results []ResultRecord
	if err := s.db.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("completed_at ASC, id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}

	return results, nil
}

// isUniqueViolation reports whether err is a unique constraint failure.
// Neither driver exposes a typed error for this, so both are matched on
// their message text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
