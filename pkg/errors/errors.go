// Package apperrors holds the engine's error vocabulary: normalized
// exchange-connector sentinels (this file) and the typed failure kinds
// the core branches on (kinds.go).
package apperrors

import "errors"

// Connector sentinels. Adapters translate native exchange error codes to
// these before anything above the connector layer sees them; retry
// classification (pkg/retry) and the order service branch on the
// sentinel, never on raw status strings.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
)
