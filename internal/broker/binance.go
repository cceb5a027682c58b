package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"quant-terminal/internal/config"
	"quant-terminal/pkg/types"
)

// Binance trades USDⓈ-M perpetual futures through the official REST API.
// Quotes come from the premium index (mark price); opens are plain MARKET
// orders sized from collateral·leverage/price; closes are reduce-only
// MARKET orders in the opposite direction.
type Binance struct {
	client *futures.Client
	logger *slog.Logger
}

// NewBinance creates the Binance futures adapter.
func NewBinance(cfg config.BinanceConfig, creds Credentials, logger *slog.Logger) (*Binance, error) {
	key, secret := creds.APIKey, creds.APISecret
	if key == "" {
		key, secret = cfg.APIKey, cfg.APISecret
	}
	if key == "" || secret == "" {
		return nil, fmt.Errorf("binance: api key and secret required")
	}
	client := futures.NewClient(key, secret)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	return &Binance{
		client: client,
		logger: logger.With("component", "broker", "exchange", "binance"),
	}, nil
}

func (b *Binance) Name() string { return "binance" }

// Quote returns the mark price for the symbol.
func (b *Binance) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	idx, err := b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, classifyBinance("premium index", err)
	}
	if len(idx) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no premium index for %s", ErrUnavailable, symbol)
	}
	price, err := decimal.NewFromString(idx[0].MarkPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse mark price %q: %w", idx[0].MarkPrice, err)
	}
	return price, nil
}

// Open sets leverage and places a MARKET order sized from the collateral.
func (b *Binance) Open(ctx context.Context, req OpenRequest) (*Fill, error) {
	price, err := b.Quote(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: zero mark price for %s", ErrUnavailable, req.Symbol)
	}

	lev := int(req.Leverage.IntPart())
	if lev < 1 {
		lev = 1
	}
	if _, err := b.client.NewChangeLeverageService().
		Symbol(req.Symbol).Leverage(lev).Do(ctx); err != nil {
		return nil, classifyBinance("change leverage", err)
	}

	// quantity = collateral * leverage / price, truncated to 3 decimals.
	qty := req.Collateral.Mul(req.Leverage).Div(price).Truncate(3)
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: quantity %s too small", ErrRejected, qty)
	}

	resp, err := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(orderSide(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return nil, classifyBinance("create order", err)
	}

	fillPrice := parseDecimal(resp.AvgPrice)
	if fillPrice.IsZero() {
		fillPrice = price
	}
	fillQty := parseDecimal(resp.ExecutedQuantity)
	if fillQty.IsZero() {
		fillQty = qty
	}

	return &Fill{
		OrderID:  strconv.FormatInt(resp.OrderID, 10),
		Price:    fillPrice,
		Quantity: fillQty,
	}, nil
}

// Close places a reduce-only MARKET order against the open position.
func (b *Binance) Close(ctx context.Context, req CloseRequest) error {
	qty := req.Quantity
	if qty.LessThanOrEqual(decimal.Zero) {
		positions, err := b.Positions(ctx, req.Symbol)
		if err != nil {
			return err
		}
		if len(positions) == 0 {
			return nil
		}
		qty = positions[0].Quantity
	}

	_, err := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(orderSide(req.Side.Opposite())).
		Type(futures.OrderTypeMarket).
		Quantity(qty.Truncate(3).String()).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return classifyBinance("close order", err)
	}
	return nil
}

// Positions lists non-zero futures positions for the symbol.
func (b *Binance) Positions(ctx context.Context, symbol string) ([]Position, error) {
	svc := b.client.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	risks, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyBinance("position risk", err)
	}

	var out []Position
	for _, r := range risks {
		amt := parseDecimal(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := types.SideLong
		if amt.IsNegative() {
			side = types.SideShort
			amt = amt.Neg()
		}
		entry := parseDecimal(r.EntryPrice)
		lev := parseDecimal(r.Leverage)
		collateral := decimal.Zero
		if lev.IsPositive() {
			collateral = amt.Mul(entry).Div(lev)
		}
		out = append(out, Position{
			Symbol:     r.Symbol,
			Side:       side,
			Quantity:   amt,
			EntryPrice: entry,
			Collateral: collateral,
		})
	}
	return out, nil
}

// Balance returns the free USDT balance of the futures wallet.
func (b *Binance) Balance(ctx context.Context) (decimal.Decimal, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return decimal.Zero, classifyBinance("balance", err)
	}
	for _, bal := range balances {
		if bal.Asset == "USDT" {
			return parseDecimal(bal.AvailableBalance), nil
		}
	}
	return decimal.Zero, nil
}

func orderSide(s types.Side) futures.SideType {
	if s == types.SideShort {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// classifyBinance maps API error codes onto the broker taxonomy.
// -1003/-1015 are rate limits; margin, quantity and reduce-only rejections
// are definitive; everything else counts as transient network trouble.
func classifyBinance(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015:
			return fmt.Errorf("%w: %s: %s", ErrThrottled, op, apiErr.Message)
		case -2019, -2022, -4164, -1111, -1121:
			return fmt.Errorf("%w: %s: %s", ErrRejected, op, apiErr.Message)
		default:
			return fmt.Errorf("%w: %s: code %d: %s", ErrNetwork, op, apiErr.Code, apiErr.Message)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrNetwork, op, err)
}
