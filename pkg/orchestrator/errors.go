package orchestrator

import (
	"errors"
	"fmt"

	"github.com/ethpandaops/loadtestoor/pkg/store"
)

// Store errors surface unchanged through the orchestrator so callers
// can match one taxonomy.
var (
	ErrNotFound      = store.ErrNotFound
	ErrAlreadyExists = store.ErrAlreadyExists
	ErrConflict      = store.ErrConflict
)

var (
	// ErrDuplicateResult marks a second completion report for an
	// already-completed region. Logged and ignored, never surfaced to
	// clients.
	ErrDuplicateResult = errors.New("duplicate result for region")

	// ErrUnauthorized marks a completion report carrying a token that
	// does not match the test's worker token.
	ErrUnauthorized = errors.New("invalid worker token")
)

// ValidationError marks a missing or malformed request field. Surfaced
// to clients as a bad request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError

	return errors.As(err, &ve)
}
