package store

import (
	"testing"
	"time"
)

func TestSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		exchange   string
		instanceID string
		want       string
	}{
		{"ostium", "alpha-1", "ostium_alpha-1"},
		{"binance", "eth-main", "binance_eth-main"},
		{"hyperliquid", "x7", "hyperliquid_x7"},
	}
	for _, tt := range tests {
		if got := Source(tt.exchange, tt.instanceID); got != tt.want {
			t.Errorf("Source(%q, %q) = %q, want %q", tt.exchange, tt.instanceID, got, tt.want)
		}
	}
}

func TestTableNames(t *testing.T) {
	t.Parallel()

	// Table names are part of the persistence contract shared with the
	// reporting side; a rename here breaks external readers.
	tests := []struct {
		model interface{ TableName() string }
		want  string
	}{
		{User{}, "users"},
		{MarketData{}, "market_data"},
		{Order{}, "orders"},
		{Position{}, "positions"},
		{Trade{}, "trades"},
		{RiskEvent{}, "risk_events"},
		{PortfolioSnapshot{}, "portfolio_history"},
		{UserInstance{}, "user_instances"},
		{StrategyConfig{}, "strategy_config"},
	}
	for _, tt := range tests {
		if got := tt.model.TableName(); got != tt.want {
			t.Errorf("TableName() = %q, want %q", got, tt.want)
		}
	}
}

func TestPositionOpen(t *testing.T) {
	t.Parallel()

	pos := Position{}
	if !pos.Open() {
		t.Error("position with nil ClosedAt should be open")
	}
	now := time.Now()
	pos.ClosedAt = &now
	if pos.Open() {
		t.Error("position with ClosedAt set should be closed")
	}
}
