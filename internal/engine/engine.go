// Package engine is the signal-driven trading side of the terminal.
//
// Each registered instance gets one TradingEngine: an in-memory position
// state machine that consumes webhook signals, drives its broker adapter,
// and persists orders, positions and trades through the signal store. The
// Registry owns the live instances and their watchdog goroutines.
//
// All public engine operations serialize on the instance mutex, so a
// signal, a watchdog tick and a config update never interleave.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quant-terminal/internal/broker"
	"quant-terminal/internal/store"
	"quant-terminal/pkg/types"
)

// Store is the slice of the signal store the engine writes through.
type Store interface {
	SaveOrder(ctx context.Context, order *store.Order) error
	SaveTrade(ctx context.Context, trade *store.Trade) error
	SavePosition(ctx context.Context, pos *store.Position) error
	GetOpenPosition(ctx context.Context, source, symbol string) (*store.Position, error)
	SaveRiskEvent(ctx context.Context, event *store.RiskEvent) error
	SavePortfolioSnapshot(ctx context.Context, snap *store.PortfolioSnapshot) error
}

// Alerter delivers operator notices (self-heal, stop-loss, reset).
type Alerter interface {
	SendRaw(ctx context.Context, title, body string) error
}

// InstanceConfig is the per-instance trading configuration. It carries no
// secret material; credentials live only inside the broker client.
type InstanceConfig struct {
	InstanceID     string          `json:"instance_id"`
	Exchange       string          `json:"exchange"`
	Symbol         string          `json:"symbol"`
	Leverage       decimal.Decimal `json:"leverage"`
	StopLossPct    decimal.Decimal `json:"stop_loss_pct"`
	TakeProfitPct  decimal.Decimal `json:"take_profit_pct"`
	Margin         MarginSpec      `json:"-"`
	MarginSpec     string          `json:"margin_spec"`
	ForbiddenHours []int           `json:"forbidden_hours"`
	StrategyName   string          `json:"strategy_name"`
}

// ConfigUpdate is a partial in-place reconfiguration; nil fields keep their
// current value.
type ConfigUpdate struct {
	MarginSpec    *string
	StopLossPct   *decimal.Decimal
	TakeProfitPct *decimal.Decimal
	Leverage      *decimal.Decimal
	Symbol        *string
}

// Status is the read-only instance snapshot served by the HTTP API.
type Status struct {
	InstanceID string `json:"instance_id"`
	Exchange   string `json:"exchange"`
	Symbol     string `json:"symbol"`
	Strategy   string `json:"strategy"`
	State      string `json:"state"`
}

// TradingEngine runs one instance's position state machine.
type TradingEngine struct {
	mu     sync.Mutex
	cfg    InstanceConfig
	broker broker.Client
	store  Store
	alerts Alerter
	logger *slog.Logger
	now    func() time.Time
	loc    *time.Location

	side             types.Side // "" while flat
	isStopped        bool
	skipNextOpposite bool
	lastSignal       string
	lastIntent       types.Intent
	lastResetAt      time.Time
}

// marketLocation is the timezone the forbidden-hours schedule is defined in.
func marketLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// NewTradingEngine builds an engine around an instantiated broker client.
// alerts may be nil.
func NewTradingEngine(cfg InstanceConfig, client broker.Client, st Store, alerts Alerter, logger *slog.Logger) *TradingEngine {
	cfg.MarginSpec = cfg.Margin.String()
	return &TradingEngine{
		cfg:    cfg,
		broker: client,
		store:  st,
		alerts: alerts,
		logger: logger.With("component", "engine", "instance", cfg.InstanceID),
		now:    time.Now,
		loc:    marketLocation(),
	}
}

// source is the persistence discriminator for this instance.
func (e *TradingEngine) source() string {
	return store.Source(e.cfg.Exchange, e.cfg.InstanceID)
}

// Config returns a snapshot of the instance configuration.
func (e *TradingEngine) Config() InstanceConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.cfg
	cfg.ForbiddenHours = append([]int(nil), e.cfg.ForbiddenHours...)
	return cfg
}

// Broker exposes the underlying client for the balance and test probes.
func (e *TradingEngine) Broker() broker.Client { return e.broker }

// Status reports the instance for listings.
func (e *TradingEngine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		InstanceID: e.cfg.InstanceID,
		Exchange:   e.cfg.Exchange,
		Symbol:     e.cfg.Symbol,
		Strategy:   e.cfg.StrategyName,
		State:      e.stateLocked(),
	}
}

func (e *TradingEngine) stateLocked() string {
	switch {
	case e.isStopped:
		return "halted"
	case e.skipNextOpposite:
		return "syncing"
	case e.side == types.SideLong:
		return "long"
	case e.side == types.SideShort:
		return "short"
	default:
		return "flat"
	}
}

// Halted reports whether a stop-loss breach has frozen the instance.
func (e *TradingEngine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isStopped
}

// Reset clears the halt so the instance accepts signals again. It does not
// forget the last signal: the self-heal ledger survives a reset.
func (e *TradingEngine) Reset(ctx context.Context) {
	e.mu.Lock()
	e.isStopped = false
	e.lastResetAt = e.now()
	e.mu.Unlock()

	e.logger.Info("instance reset")
	e.notify(ctx, fmt.Sprintf("%s 手动重置", e.cfg.InstanceID), "实例已恢复接收信号")
}

// Reconfigure replaces the configuration and broker client in place; used
// when an instance is re-registered.
func (e *TradingEngine) Reconfigure(cfg InstanceConfig, client broker.Client) {
	cfg.MarginSpec = cfg.Margin.String()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.broker = client
	e.logger.Info("instance reconfigured", "symbol", cfg.Symbol, "exchange", cfg.Exchange)
}

// UpdateConfig applies a partial configuration change and returns the
// resulting config.
func (e *TradingEngine) UpdateConfig(update ConfigUpdate) (InstanceConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if update.MarginSpec != nil {
		spec, err := ParseMarginSpec(*update.MarginSpec)
		if err != nil {
			return InstanceConfig{}, err
		}
		e.cfg.Margin = spec
		e.cfg.MarginSpec = spec.String()
	}
	if update.StopLossPct != nil {
		e.cfg.StopLossPct = *update.StopLossPct
	}
	if update.TakeProfitPct != nil {
		e.cfg.TakeProfitPct = *update.TakeProfitPct
	}
	if update.Leverage != nil {
		e.cfg.Leverage = *update.Leverage
	}
	if update.Symbol != nil && strings.TrimSpace(*update.Symbol) != "" {
		e.cfg.Symbol = strings.ToUpper(strings.TrimSpace(*update.Symbol))
	}

	e.logger.Info("config updated",
		"symbol", e.cfg.Symbol,
		"leverage", e.cfg.Leverage,
		"margin", e.cfg.MarginSpec,
	)
	cfg := e.cfg
	cfg.ForbiddenHours = append([]int(nil), e.cfg.ForbiddenHours...)
	return cfg, nil
}

// SyncPosition reconciles the in-memory side with the broker, preferring
// broker reality over both memory and the store.
func (e *TradingEngine) SyncPosition(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncLocked(ctx)
}

// ExecuteSignal runs one signal through the state machine. Broker and store
// failures are absorbed (logged, risk-evented where definitive); the error
// return covers nothing the caller can act on and is always nil today.
func (e *TradingEngine) ExecuteSignal(ctx context.Context, sig types.Signal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isStopped {
		e.logger.Warn("signal dropped, instance halted", "signal", sig.Signal)
		return nil
	}
	if !types.SymbolsMatch(sig.Symbol, e.cfg.Symbol) {
		e.logger.Info("signal dropped, symbol mismatch",
			"signal_symbol", sig.Symbol, "instance_symbol", e.cfg.Symbol)
		return nil
	}

	e.syncLocked(ctx)

	verb := strings.ToLower(strings.TrimSpace(sig.Signal))
	intent := sig.Intent()

	// A repeated open signal against a live position means the close in
	// between was lost: flatten by force and absorb the next opposite
	// signal, which belongs to the stale sequence.
	if e.side != "" && verb == e.lastSignal && intent == types.IntentOpen && e.lastIntent == types.IntentOpen {
		e.logger.Warn("lost-signal detected, force closing", "signal", verb, "side", e.side)
		e.closeLocked(ctx, "lost-signal force close")
		e.skipNextOpposite = true
		e.notify(ctx, fmt.Sprintf("%s 信号丢失自愈", e.cfg.InstanceID),
			fmt.Sprintf("重复开仓信号 %s, 已强制平仓并跳过下一个反向信号", verb))
		e.recordSignal(verb, intent)
		return nil
	}

	if e.skipNextOpposite {
		e.skipNextOpposite = false
		e.logger.Info("signal absorbed after self-heal", "signal", verb)
		e.recordSignal(verb, intent)
		return nil
	}

	if verb == "close" || intent == types.IntentClose {
		e.closeLocked(ctx, "signal close")
		e.recordSignal(verb, intent)
		return nil
	}

	target, ok := types.SideFromSignal(verb)
	if !ok {
		e.logger.Warn("signal dropped, unknown verb", "signal", sig.Signal)
		return nil
	}

	switch {
	case e.side == target:
		e.logger.Info("already positioned, no-op", "side", target)
	case e.side != "":
		// Flatten first; the strategy re-sends and the next signal opens
		// the opposite side.
		e.closeLocked(ctx, "flatten before reverse")
	default:
		e.openLocked(ctx, target, sig)
	}
	e.recordSignal(verb, intent)
	return nil
}

func (e *TradingEngine) recordSignal(verb string, intent types.Intent) {
	e.lastSignal = verb
	e.lastIntent = intent
}

// openLocked places a market open for the target side.
func (e *TradingEngine) openLocked(ctx context.Context, target types.Side, sig types.Signal) {
	if hour := e.now().In(e.loc).Hour(); e.hourForbidden(hour) {
		e.logger.Warn("open rejected, forbidden hour", "hour", hour, "side", target)
		return
	}

	amount := e.cfg.Margin.Amount()
	fill, err := e.broker.Open(ctx, broker.OpenRequest{
		Symbol:     e.cfg.Symbol,
		Side:       target,
		Collateral: amount,
		Leverage:   e.cfg.Leverage,
	})
	if err != nil {
		e.absorbBrokerError(ctx, "open", err)
		return
	}

	pairID, tradeIndex := e.deriveTradeAddress(ctx, fill)

	now := e.now()
	orderID := fill.OrderID
	if orderID == "" {
		orderID = uuid.NewString()
	}

	order := &store.Order{
		Source:    e.source(),
		OrderID:   orderID,
		Symbol:    e.cfg.Symbol,
		Side:      string(target),
		Type:      "market",
		Quantity:  fill.Quantity,
		Price:     fill.Price,
		Status:    "filled",
		CreatedAt: now,
	}
	if fill.TxHash != "" {
		order.TxHash = &fill.TxHash
	}
	if err := e.store.SaveOrder(ctx, order); err != nil {
		e.logger.Error("order save failed", "error", err)
	}

	pos := &store.Position{
		Source:     e.source(),
		Symbol:     e.cfg.Symbol,
		Side:       string(target),
		Quantity:   fill.Quantity,
		EntryPrice: fill.Price,
		Collateral: amount,
		OpenedAt:   now,
		PairID:     pairID,
		TradeIndex: tradeIndex,
	}
	if err := e.store.SavePosition(ctx, pos); err != nil {
		e.logger.Error("position save failed", "error", err)
	}

	trade := &store.Trade{
		Source:    e.source(),
		TradeID:   uuid.NewString(),
		OrderID:   orderID,
		Symbol:    e.cfg.Symbol,
		Side:      string(target),
		Quantity:  fill.Quantity,
		Price:     fill.Price,
		CreatedAt: now,
	}
	if err := e.store.SaveTrade(ctx, trade); err != nil {
		e.logger.Error("trade save failed", "error", err)
	}

	e.side = target
	e.logger.Info("position opened",
		"side", target,
		"price", fill.Price,
		"quantity", fill.Quantity,
		"collateral", amount,
		"signal_price", sig.Price,
	)
}

// deriveTradeAddress resolves (pair_id, trade_index) for the just-opened
// position: the fill receipt when the venue reports it, else the highest
// trade index among the broker's open positions for the symbol, else nil
// with a warning (close falls back to "match latest").
func (e *TradingEngine) deriveTradeAddress(ctx context.Context, fill *broker.Fill) (pairID, tradeIndex *int64) {
	if fill.PairID != nil || fill.TradeIndex != nil {
		return fill.PairID, fill.TradeIndex
	}

	positions, err := e.broker.Positions(ctx, e.cfg.Symbol)
	if err != nil || len(positions) == 0 {
		e.logger.Warn("trade index unresolved, close will match latest", "error", err)
		return nil, nil
	}

	best := positions[0]
	for _, p := range positions[1:] {
		if p.TradeIndex > best.TradeIndex {
			best = p
		}
	}
	pid, tidx := best.PairID, best.TradeIndex
	return &pid, &tidx
}

// closeLocked flattens the current position, persisting the close and its
// realized PnL. Missing position rows and broker failures degrade to logs.
func (e *TradingEngine) closeLocked(ctx context.Context, reason string) {
	pos, err := e.store.GetOpenPosition(ctx, e.source(), "")
	if err != nil {
		e.logger.Error("open position lookup failed", "error", err)
	}
	if pos == nil && e.side == "" {
		e.logger.Info("close requested while flat, no-op", "reason", reason)
		return
	}

	side := e.side
	var quantity decimal.Decimal
	var pairID, tradeIndex int64
	entry := decimal.Zero
	collateral := decimal.Zero
	if pos != nil {
		side = types.Side(pos.Side)
		quantity = pos.Quantity
		entry = pos.EntryPrice
		collateral = pos.Collateral
		if pos.PairID != nil {
			pairID = *pos.PairID
		}
		if pos.TradeIndex != nil {
			tradeIndex = *pos.TradeIndex
		}
	}

	current, err := e.broker.Quote(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Warn("close quote failed, PnL will be skipped", "error", err)
		current = decimal.Zero
	}

	if err := e.broker.Close(ctx, broker.CloseRequest{
		Symbol:     e.cfg.Symbol,
		Side:       side,
		Quantity:   quantity,
		PairID:     pairID,
		TradeIndex: tradeIndex,
	}); err != nil {
		e.absorbBrokerError(ctx, "close", err)
		return
	}

	now := e.now()
	pnlFrac, pnlOK := pnlFraction(side, entry, current, e.cfg.Leverage)

	if pos != nil {
		pos.ClosedAt = &now
		if current.IsPositive() {
			pos.CurrentPrice = &current
		}
		if err := e.store.SavePosition(ctx, pos); err != nil {
			e.logger.Error("position close save failed", "error", err)
		}

		trade := &store.Trade{
			Source:    e.source(),
			TradeID:   uuid.NewString(),
			OrderID:   uuid.NewString(),
			Symbol:    pos.Symbol,
			Side:      string(side),
			Quantity:  quantity,
			Price:     entry,
			Reason:    &reason,
			CreatedAt: now,
		}
		if current.IsPositive() {
			trade.ClosePrice = &current
		}
		if pnlOK {
			pct := pnlFrac.Mul(decimal.NewFromInt(100)).Round(4)
			amt := pnlFrac.Mul(collateral).Round(8)
			trade.PnlPercent = &pct
			trade.PnlAmount = &amt
		}
		if err := e.store.SaveTrade(ctx, trade); err != nil {
			e.logger.Error("close trade save failed", "error", err)
		}

		e.snapshotPortfolio(ctx, pnlFrac, collateral, pnlOK)
	}

	e.side = ""
	e.logger.Info("position closed",
		"reason", reason,
		"side", side,
		"entry", entry,
		"exit", current,
		"pnl_known", pnlOK,
	)
}

// snapshotPortfolio records the post-close balance; best effort.
func (e *TradingEngine) snapshotPortfolio(ctx context.Context, pnlFrac, collateral decimal.Decimal, pnlOK bool) {
	balance, err := e.broker.Balance(ctx)
	if err != nil {
		e.logger.Warn("balance fetch for snapshot failed", "error", err)
		return
	}
	realized := decimal.Zero
	if pnlOK {
		realized = pnlFrac.Mul(collateral).Round(8)
	}
	snap := &store.PortfolioSnapshot{
		Source:      e.source(),
		Balance:     balance,
		RealizedPnl: realized,
		CreatedAt:   e.now(),
	}
	if err := e.store.SavePortfolioSnapshot(ctx, snap); err != nil {
		e.logger.Warn("portfolio snapshot save failed", "error", err)
	}
}

// syncLocked asks the broker for the truth. On broker failure the stored
// open row stands in; a position the broker no longer has is closed out in
// the store.
func (e *TradingEngine) syncLocked(ctx context.Context) {
	positions, err := e.broker.Positions(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Warn("position sync failed, falling back to store", "error", err)
		pos, serr := e.store.GetOpenPosition(ctx, e.source(), "")
		if serr == nil && pos != nil {
			e.side = types.Side(pos.Side)
		}
		return
	}

	if len(positions) == 0 {
		if pos, serr := e.store.GetOpenPosition(ctx, e.source(), ""); serr == nil && pos != nil {
			now := e.now()
			pos.ClosedAt = &now
			if err := e.store.SavePosition(ctx, pos); err != nil {
				e.logger.Error("stale position close failed", "error", err)
			}
			e.logger.Warn("store had a position the broker does not, reconciled closed",
				"symbol", pos.Symbol, "side", pos.Side)
		}
		e.side = ""
		return
	}

	live := positions[0]
	e.side = live.Side

	// Make sure the store reflects the live position.
	pos, serr := e.store.GetOpenPosition(ctx, e.source(), "")
	if serr != nil || pos != nil {
		return
	}
	restored := &store.Position{
		Source:     e.source(),
		Symbol:     e.cfg.Symbol,
		Side:       string(live.Side),
		Quantity:   live.Quantity,
		EntryPrice: live.EntryPrice,
		Collateral: live.Collateral,
		OpenedAt:   e.now(),
	}
	if live.PairID != 0 || live.TradeIndex != 0 {
		pid, tidx := live.PairID, live.TradeIndex
		restored.PairID = &pid
		restored.TradeIndex = &tidx
	}
	if err := e.store.SavePosition(ctx, restored); err != nil {
		e.logger.Error("position restore failed", "error", err)
	} else {
		e.logger.Info("position restored from broker", "side", live.Side, "entry", live.EntryPrice)
	}
}

// absorbBrokerError logs the failure and records a risk event when the
// broker refused outright. The signal that caused it becomes a no-op.
func (e *TradingEngine) absorbBrokerError(ctx context.Context, op string, err error) {
	if errors.Is(err, broker.ErrRejected) {
		e.logger.Error("broker rejected", "op", op, "error", err)
		e.recordRiskEvent(ctx, "broker_rejected", "medium", fmt.Sprintf("%s: %v", op, err))
		return
	}
	e.logger.Warn("broker call failed", "op", op, "error", err)
}

func (e *TradingEngine) recordRiskEvent(ctx context.Context, eventType, severity, detail string) {
	event := &store.RiskEvent{
		EventID:   uuid.NewString(),
		Source:    e.source(),
		Type:      eventType,
		Severity:  severity,
		Detail:    detail,
		CreatedAt: e.now(),
	}
	if err := e.store.SaveRiskEvent(ctx, event); err != nil {
		e.logger.Error("risk event save failed", "error", err)
	}
}

func (e *TradingEngine) hourForbidden(hour int) bool {
	for _, h := range e.cfg.ForbiddenHours {
		if h == hour {
			return true
		}
	}
	return false
}

// notify sends an operator notice; best effort.
func (e *TradingEngine) notify(ctx context.Context, title, body string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.SendRaw(ctx, title, body); err != nil {
		e.logger.Warn("notice delivery failed", "title", title, "error", err)
	}
}

// priceFloor guards the PnL division against junk quotes.
var priceFloor = decimal.RequireFromString("0.01")

// pnlFraction returns leveraged PnL as a fraction of collateral:
// leverage * direction * (current/entry - 1). ok is false when either price
// is below the floor, in which case PnL is unknowable and skipped.
func pnlFraction(side types.Side, entry, current, leverage decimal.Decimal) (decimal.Decimal, bool) {
	if entry.LessThan(priceFloor) || current.LessThan(priceFloor) {
		return decimal.Zero, false
	}
	move := current.Div(entry).Sub(decimal.NewFromInt(1))
	if side == types.SideShort {
		move = move.Neg()
	}
	return leverage.Mul(move), true
}
