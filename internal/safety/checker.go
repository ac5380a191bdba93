// Package safety performs the one-time preflight checks the bootstrap
// sequence runs before admitting an exchange into live trading:
// connectivity, precision-rule availability, and balance coherence.
// Per-trade economics are governed by the risk engine, not a startup
// gate, so the checks stop at connector availability.
package safety

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
)

// Checker validates that an exchange connector is usable before the
// engine starts routing signals to it.
type Checker struct {
	logger core.ILogger
}

// NewChecker creates a new preflight Checker.
func NewChecker(logger core.ILogger) *Checker {
	return &Checker{logger: logger}
}

// CheckConnector verifies precision rules resolve, a current price can be
// fetched for the first tracked symbol, and free balance is
// non-negative. It does not gate on a specific minimum balance (that is
// the risk engine's max_total_exposure_usd concern), only on
// the connector being reachable and coherent.
func (c *Checker) CheckConnector(ctx context.Context, conn core.IExchangeConnector, trackedSymbols []string) error {
	c.logger.Info("running exchange preflight check", "exchange", conn.Name())

	precision, err := conn.GetPrecisionRules(ctx)
	if err != nil {
		return fmt.Errorf("exchange %s: failed to fetch precision rules: %w", conn.Name(), err)
	}
	for _, sym := range trackedSymbols {
		if _, ok := precision[sym]; !ok {
			c.logger.Warn("no precision rule for tracked symbol", "exchange", conn.Name(), "symbol", sym)
		}
	}

	free, err := conn.FetchFreeBalance(ctx)
	if err != nil {
		return fmt.Errorf("exchange %s: failed to fetch balance: %w", conn.Name(), err)
	}
	for asset, amount := range free {
		if amount.LessThan(decimal.Zero) {
			return fmt.Errorf("exchange %s: negative free balance for %s: %s", conn.Name(), asset, amount)
		}
	}

	if len(trackedSymbols) > 0 {
		if _, err := conn.GetCurrentPrice(ctx, trackedSymbols[0]); err != nil {
			return fmt.Errorf("exchange %s: failed to fetch current price for %s: %w", conn.Name(), trackedSymbols[0], err)
		}
	}

	c.logger.Info("exchange preflight check passed", "exchange", conn.Name())
	return nil
}
