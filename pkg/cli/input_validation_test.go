package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "plain field", input: "binance", wantErr: false},
		{name: "empty", input: "", wantErr: false},
		{name: "command injection", input: "ls; rm -rf /", wantErr: true},
		{name: "chained commands", input: "a && b", wantErr: true},
		{name: "path traversal", input: "../../../etc/passwd", wantErr: true},
		{name: "sql fragment", input: "'; DROP TABLE users; --", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInput(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSymbol(t *testing.T) {
	assert.NoError(t, ValidateSymbol("BTC/USDT"))
	assert.NoError(t, ValidateSymbol("1000PEPE/USDT"))
	assert.Error(t, ValidateSymbol("BTCUSDT"))
	assert.Error(t, ValidateSymbol("btc/usdt"))
	assert.Error(t, ValidateSymbol("BTC/USDT/EXTRA"))
	assert.Error(t, ValidateSymbol(""))
}

func TestValidateTimeframe(t *testing.T) {
	assert.NoError(t, ValidateTimeframe("60"))
	assert.NoError(t, ValidateTimeframe("240"))
	assert.NoError(t, ValidateTimeframe("4h"))
	assert.NoError(t, ValidateTimeframe("1D"))
	assert.Error(t, ValidateTimeframe(""))
	assert.Error(t, ValidateTimeframe("sixty"))
	assert.Error(t, ValidateTimeframe("60;"))
}

func TestValidateExchange(t *testing.T) {
	assert.NoError(t, ValidateExchange("mock"))
	assert.NoError(t, ValidateExchange("refexchange"))
	assert.Error(t, ValidateExchange("Binance"))
	assert.Error(t, ValidateExchange("exchange name"))
	assert.Error(t, ValidateExchange(""))
}
