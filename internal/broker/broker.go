// Package broker defines the exchange capability every trading instance
// drives: quote, open, close, list positions, balance. Concrete adapters
// exist for Binance futures, Ostium, and an in-memory paper exchange used
// by the /test probe and the engine tests. Adapters hold the account
// credentials in memory only; nothing in this package persists secrets.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"quant-terminal/internal/config"
	"quant-terminal/pkg/types"
)

// Error taxonomy. Callers classify with errors.Is; anything unclassified is
// treated as transient network trouble.
var (
	// ErrNetwork is transient transport failure; the next tick retries.
	ErrNetwork = errors.New("broker network error")
	// ErrThrottled is an exchange rate limit; also transient.
	ErrThrottled = errors.New("broker rate limited")
	// ErrRejected is a definitive refusal (bad quantity, margin, leverage).
	// The signal that caused it becomes a no-op and a risk event is recorded.
	ErrRejected = errors.New("broker rejected order")
	// ErrUnavailable is a broker that cannot serve requests at all.
	ErrUnavailable = errors.New("broker unavailable")
)

// OpenRequest asks the broker to open a position at market.
// Collateral is the margin committed, not the notional size; adapters derive
// the base quantity from collateral, leverage and the current price.
type OpenRequest struct {
	Symbol     string
	Side       types.Side
	Collateral decimal.Decimal
	Leverage   decimal.Decimal
}

// CloseRequest closes an existing position at market. PairID and TradeIndex
// address the exact trade on exchanges that track them; zero means "match
// the latest trade" (an accepted quirk of the Ostium SDK).
type CloseRequest struct {
	Symbol     string
	Side       types.Side
	Quantity   decimal.Decimal
	PairID     int64
	TradeIndex int64
}

// Fill is the receipt for a filled open order. PairID and TradeIndex are nil
// when the venue does not report them on the fill; callers fall back to a
// position listing.
type Fill struct {
	OrderID    string
	TxHash     string
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	PairID     *int64
	TradeIndex *int64
}

// Position is one open position as reported by the venue.
type Position struct {
	Symbol     string
	Side       types.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	Collateral decimal.Decimal
	PairID     int64
	TradeIndex int64
}

// Client is the capability set every exchange adapter provides. All methods
// are safe for concurrent use; the engine additionally serializes calls for
// a single instance behind its own lock.
type Client interface {
	// Name identifies the venue ("binance", "ostium", "paper").
	Name() string
	// Quote returns the current mark/last price for the symbol.
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)
	// Open places a market order and returns the fill receipt.
	Open(ctx context.Context, req OpenRequest) (*Fill, error)
	// Close closes the addressed position at market.
	Close(ctx context.Context, req CloseRequest) error
	// Positions lists open positions, optionally filtered by symbol.
	Positions(ctx context.Context, symbol string) ([]Position, error)
	// Balance returns the free quote-currency balance.
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// Credentials carries per-instance secret material. It lives only inside the
// instantiated client and is never written to the store.
type Credentials struct {
	APIKey     string
	APISecret  string
	PrivateKey string
}

// New builds the adapter for the named exchange. Unknown exchanges are a
// caller error (the router maps it to HTTP 400).
func New(exchange string, creds Credentials, cfg *config.Config, logger *slog.Logger) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(exchange)) {
	case "binance":
		return NewBinance(cfg.Binance, creds, logger)
	case "ostium", "":
		return NewOstium(cfg.Ostium, creds, logger)
	case "paper":
		return NewPaper(logger), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", exchange)
	}
}
