package safety

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/core"
	"dcaengine/internal/exchangeconn/mockconn"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (l nopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

func TestChecker_CheckConnector_Passes(t *testing.T) {
	conn := mockconn.NewMockConnector("mock")
	conn.SetPrecision("BTC/USDT", core.SymbolPrecision{
		TickSize: decimal.NewFromFloat(0.01), StepSize: decimal.NewFromFloat(0.00001),
		MinQty: decimal.NewFromFloat(0.00001), MinNotional: decimal.NewFromFloat(10),
	})
	conn.SetPrice("BTC/USDT", decimal.NewFromFloat(50000))

	checker := NewChecker(nopLogger{})
	err := checker.CheckConnector(context.Background(), conn, []string{"BTC/USDT"})
	require.NoError(t, err)
}

func TestChecker_CheckConnector_MissingPriceFails(t *testing.T) {
	conn := mockconn.NewMockConnector("mock")
	checker := NewChecker(nopLogger{})
	err := checker.CheckConnector(context.Background(), conn, []string{"ETH/USDT"})
	assert.Error(t, err)
}
