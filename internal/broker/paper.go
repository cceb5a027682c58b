package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"quant-terminal/pkg/types"
)

// Paper is an in-memory exchange that fills every order at the current mark
// price. It backs the /test connectivity probe and the engine tests; it
// holds at most one position per symbol, mirroring the live venues.
type Paper struct {
	mu        sync.Mutex
	mark      decimal.Decimal
	balance   decimal.Decimal
	positions map[string]Position
	nextID    int64
	logger    *slog.Logger
}

// NewPaper creates a paper exchange with a default mark price and balance.
func NewPaper(logger *slog.Logger) *Paper {
	return &Paper{
		mark:      decimal.NewFromInt(1000),
		balance:   decimal.NewFromInt(10_000),
		positions: make(map[string]Position),
		logger:    logger.With("component", "broker", "exchange", "paper"),
	}
}

func (p *Paper) Name() string { return "paper" }

// SetMark sets the mark price used for quotes and fills.
func (p *Paper) SetMark(price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mark = price
}

func (p *Paper) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mark, nil
}

func (p *Paper) Open(ctx context.Context, req OpenRequest) (*Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Collateral.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: collateral %s", ErrRejected, req.Collateral)
	}
	if _, ok := p.positions[req.Symbol]; ok {
		return nil, fmt.Errorf("%w: position already open for %s", ErrRejected, req.Symbol)
	}

	p.nextID++
	qty := req.Collateral.Mul(req.Leverage).Div(p.mark)
	idx := p.nextID
	p.positions[req.Symbol] = Position{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   qty,
		EntryPrice: p.mark,
		Collateral: req.Collateral,
		PairID:     1,
		TradeIndex: idx,
	}

	pairID := int64(1)
	return &Fill{
		OrderID:    fmt.Sprintf("paper-%d", idx),
		Price:      p.mark,
		Quantity:   qty,
		PairID:     &pairID,
		TradeIndex: &idx,
	}, nil
}

func (p *Paper) Close(ctx context.Context, req CloseRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[req.Symbol]
	if !ok {
		return fmt.Errorf("%w: no open position for %s", ErrRejected, req.Symbol)
	}

	// Realize PnL into the paper balance.
	dir := decimal.NewFromInt(1)
	if pos.Side == types.SideShort {
		dir = decimal.NewFromInt(-1)
	}
	pnl := p.mark.Sub(pos.EntryPrice).Mul(pos.Quantity).Mul(dir)
	p.balance = p.balance.Add(pnl)

	delete(p.positions, req.Symbol)
	return nil
}

func (p *Paper) Positions(ctx context.Context, symbol string) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Position
	for _, pos := range p.positions {
		if symbol == "" || pos.Symbol == symbol {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (p *Paper) Balance(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}
