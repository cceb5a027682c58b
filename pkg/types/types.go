// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the terminal: candles, monitored
// pairs, webhook signals, and the open/close intent derived from signal
// hints. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"fmt"
	"strings"
)

// Side is the direction of a position or an open signal.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// SideFromSignal maps a signal verb to a target side.
// "buy" and "long" open long; "sell" and "short" open short.
// "close" (and anything else) carries no side.
func SideFromSignal(signal string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(signal)) {
	case "buy", "long":
		return SideLong, true
	case "sell", "short":
		return SideShort, true
	default:
		return "", false
	}
}

// Intent is the caller-declared meaning of a signal, derived from the
// prior-position hints it carries.
type Intent string

const (
	IntentOpen    Intent = "open"
	IntentClose   Intent = "close"
	IntentUnknown Intent = "unknown"
)

// Candle is one OHLCV bar. Times are milliseconds since epoch; a batch is
// always ordered ascending by CloseTime.
type Candle struct {
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Pair is a (symbol, timeframe) tuple under monitoring. Symbol is uppercase,
// Timeframe is a provider interval label ("1m", "1h", "4h", ...).
type Pair struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// Key returns the unique identity of the pair within a monitor.
func (p Pair) Key() string {
	return p.Symbol + ":" + p.Timeframe
}

func (p Pair) String() string {
	return fmt.Sprintf("%s %s", p.Symbol, p.Timeframe)
}

// NewPair normalizes and validates a (symbol, timeframe) tuple.
func NewPair(symbol, timeframe string) (Pair, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	timeframe = strings.TrimSpace(timeframe)
	if symbol == "" {
		return Pair{}, fmt.Errorf("empty symbol")
	}
	if !ValidTimeframe(timeframe) {
		return Pair{}, fmt.Errorf("unknown timeframe %q", timeframe)
	}
	return Pair{Symbol: symbol, Timeframe: timeframe}, nil
}

// timeframes maps the labels accepted on the wire to provider intervals.
// The provider (Binance futures) uses the same labels, so the map doubles
// as the allowlist.
var timeframes = map[string]string{
	"1m": "1m", "3m": "3m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1h", "2h": "2h", "4h": "4h", "6h": "6h", "8h": "8h", "12h": "12h",
	"1d": "1d", "3d": "3d", "1w": "1w", "1M": "1M",
}

// Interval maps a timeframe label to the provider interval string.
func Interval(timeframe string) (string, bool) {
	iv, ok := timeframes[timeframe]
	return iv, ok
}

// ValidTimeframe reports whether the label is a known timeframe.
func ValidTimeframe(timeframe string) bool {
	_, ok := timeframes[timeframe]
	return ok
}

// Signal is the webhook payload routed into trading engines. The two hint
// fields arrive under non-ASCII wire keys; they are part of the signal
// schema and must stay byte-exact.
type Signal struct {
	Signal       string  `json:"signal"`
	Symbol       string  `json:"symbol,omitempty"`
	InstanceID   string  `json:"instance_id,omitempty"`
	StrategyName string  `json:"strategy_name,omitempty"`
	Price        float64 `json:"price,omitempty"`
	PrevPosition string  `json:"先前仓位,omitempty"`
	PrevSize     string  `json:"先前仓位大小,omitempty"`
}

// Intent derives the caller's intent from the prior-position hints:
//
//   - flat position with size "0"/"0.0"      -> open
//   - long/short position with nonzero size  -> close
//   - anything else                          -> unknown (callers treat as open)
func (s Signal) Intent() Intent {
	pos := strings.ToLower(strings.TrimSpace(s.PrevPosition))
	size := strings.TrimSpace(s.PrevSize)
	zero := size == "0" || size == "0.0"
	switch {
	case pos == "flat" && zero:
		return IntentOpen
	case (pos == "long" || pos == "short") && size != "" && !zero:
		return IntentClose
	default:
		return IntentUnknown
	}
}

// quoteSuffixes are stripped when reducing a symbol to its base asset.
var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "USD"}

// SymbolBase reduces a symbol to its base asset for fuzzy comparison:
// "ETH/USDT", "eth-usdt", "ETHUSDT" and "ETH" all reduce to "ETH".
func SymbolBase(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexAny(s, "/-"); i >= 0 {
		s = s[:i]
	}
	for _, q := range quoteSuffixes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(s, q)
		}
	}
	return s
}

// SymbolsMatch compares two symbols by base asset. An empty symbol on
// either side acts as a wildcard: a signal without a symbol may reach any
// instance, and an instance without a symbol accepts any signal.
func SymbolsMatch(a, b string) bool {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return true
	}
	return SymbolBase(a) == SymbolBase(b)
}
