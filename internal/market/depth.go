package market

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

const depthTimeout = 10 * time.Second

// Level is one price level of the order book.
type Level struct {
	Price    float64
	Quantity float64
}

// DepthSnapshot is a top-of-book view with aggregate bid/ask volume and the
// imbalance ratio in [-1, 1]: positive means bid-heavy, negative ask-heavy.
type DepthSnapshot struct {
	Symbol    string
	Bids      []Level
	Asks      []Level
	BidVolume float64
	AskVolume float64
	Imbalance float64
	FetchedAt time.Time
}

// Depth fetches an order-book snapshot limited to the given number of
// levels per side.
func (f *Fetcher) Depth(ctx context.Context, symbol string, levels int) (*DepthSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, depthTimeout)
	defer cancel()

	if err := f.limits.Depth.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := f.client.NewDepthService().Symbol(symbol).Limit(levels).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("depth %s: %w", symbol, err)
	}

	snap := &DepthSnapshot{
		Symbol:    symbol,
		Bids:      make([]Level, 0, len(resp.Bids)),
		Asks:      make([]Level, 0, len(resp.Asks)),
		FetchedAt: time.Now(),
	}
	for _, b := range resp.Bids {
		lvl := parseLevel(b.Price, b.Quantity)
		snap.Bids = append(snap.Bids, lvl)
		snap.BidVolume += lvl.Quantity
	}
	for _, a := range resp.Asks {
		lvl := parseLevel(a.Price, a.Quantity)
		snap.Asks = append(snap.Asks, lvl)
		snap.AskVolume += lvl.Quantity
	}

	if total := snap.BidVolume + snap.AskVolume; total > 0 {
		snap.Imbalance = (snap.BidVolume - snap.AskVolume) / total
	}
	return snap, nil
}

func parseLevel(price, qty string) Level {
	p, _ := strconv.ParseFloat(price, 64)
	q, _ := strconv.ParseFloat(qty, 64)
	return Level{Price: p, Quantity: q}
}
