package apperrors

import (
	"errors"
	"fmt"
)

// Typed error kinds for the engine's failure modes. Callers branch on the
// type with errors.As. DuplicatePositionException, UserNotFoundException,
// APIError and ConnectionError also match a sentinel below through an Is
// method; ValidationError and ExchangeConfigError have no sentinel. The
// exchange-connector sentinels are in errors.go.

// ValidationError is raised when a grid calculation fails a min_qty or
// min_notional check, or an inbound signal fails schema validation. It
// names the offending field so the caller can report a precise reason.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// DuplicatePositionException is raised when a PositionGroup insert
// violates the active-uniqueness partial unique index.
type DuplicatePositionException struct {
	UserID string
	Symbol string
	Side   string
}

func (e *DuplicatePositionException) Error() string {
	return fmt.Sprintf("active position already exists for user=%s symbol=%s side=%s", e.UserID, e.Symbol, e.Side)
}

// Is allows errors.Is(err, ErrDuplicatePosition) to match any instance.
func (e *DuplicatePositionException) Is(target error) bool {
	return target == ErrDuplicatePosition
}

// UserNotFoundException is raised when a signal references a missing user.
type UserNotFoundException struct {
	UserID string
}

func (e *UserNotFoundException) Error() string {
	return fmt.Sprintf("user not found: %s", e.UserID)
}

func (e *UserNotFoundException) Is(target error) bool {
	return target == ErrUserNotFound
}

// ExchangeConfigError is raised when no API keys are configured for a
// needed exchange.
type ExchangeConfigError struct {
	Exchange string
	Reason   string
}

func (e *ExchangeConfigError) Error() string {
	return fmt.Sprintf("exchange config error for %s: %s", e.Exchange, e.Reason)
}

// APIError wraps a non-success exchange response, preserving the status
// code and message.
type APIError struct {
	StatusCode int
	Message    string
	Ambiguous  bool // true when the exchange response implies the order may or may not exist
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error (status %d): %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrAPIError
}

// ConnectionError wraps a network failure or timeout; by policy it never
// mutates local state, so callers should retry on the
// next cycle rather than branch on its contents.
type ConnectionError struct {
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %v", e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// Sentinels usable with errors.Is against the typed wrappers above.
var (
	ErrDuplicatePosition = errors.New("duplicate position")
	ErrUserNotFound      = errors.New("user not found")
	ErrAPIError          = errors.New("exchange api error")
	ErrConnection        = errors.New("connection error")
)
