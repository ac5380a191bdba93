// Package cli sanitizes operator- and webhook-supplied string fields
// before they reach the store or an exchange adapter. The engine never
// shells out, but exchange/symbol/timeframe values end up in SQL
// parameters, cache keys, and signed request paths, so they are checked
// against both an injection blocklist and per-field shape rules.
package cli

import (
	"errors"
	"regexp"
	"strings"
)

var (
	sqlPattern       = regexp.MustCompile(`['"]\s*;\s*|\b(DROP|DELETE|UPDATE|INSERT)\b`)
	symbolPattern    = regexp.MustCompile(`^[A-Z0-9]{1,20}/[A-Z0-9]{1,20}$`)
	timeframePattern = regexp.MustCompile(`^[0-9]{1,4}[mhdwMHDW]?$`)
	exchangePattern  = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)
)

// ValidateInput rejects strings carrying command-injection, path
// traversal, or SQL fragments.
func ValidateInput(input string) error {
	if strings.Contains(input, ";") || strings.Contains(input, "&&") || strings.Contains(input, "||") {
		return errors.New("potentially malicious input detected")
	}
	if strings.Contains(input, "../") || strings.Contains(input, "..\\") {
		return errors.New("potentially malicious input detected")
	}
	if sqlPattern.MatchString(strings.ToUpper(input)) {
		return errors.New("potentially malicious input detected")
	}
	return nil
}

// ValidateSymbol enforces the canonical "BASE/QUOTE" symbol shape.
func ValidateSymbol(symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return errors.New("symbol must be BASE/QUOTE")
	}
	return nil
}

// ValidateTimeframe accepts bare minute counts ("60") and unit-suffixed
// forms ("4h", "1D").
func ValidateTimeframe(timeframe string) error {
	if !timeframePattern.MatchString(timeframe) {
		return errors.New("invalid timeframe")
	}
	return nil
}

// ValidateExchange enforces lowercase adapter names as registered in the
// connector registry.
func ValidateExchange(exchange string) error {
	if !exchangePattern.MatchString(exchange) {
		return errors.New("invalid exchange name")
	}
	return nil
}
