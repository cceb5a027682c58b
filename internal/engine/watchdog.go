package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quant-terminal/pkg/types"
)

// RunRiskWatchdog marks the open position to market every interval and
// enforces the stop-loss and take-profit limits. Blocks until ctx is
// cancelled.
func (e *TradingEngine) RunRiskWatchdog(ctx context.Context, interval time.Duration) {
	e.logger.Info("risk watchdog started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("risk watchdog stopped")
			return
		case <-ticker.C:
			e.riskTick(ctx)
		}
	}
}

func (e *TradingEngine) riskTick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.store.GetOpenPosition(ctx, e.source(), "")
	if err != nil {
		e.logger.Warn("risk tick position lookup failed", "error", err)
		return
	}
	if pos == nil {
		return
	}

	current, err := e.broker.Quote(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Warn("risk tick quote failed", "error", err)
		return
	}

	side := types.Side(pos.Side)
	pnlFrac, ok := pnlFraction(side, pos.EntryPrice, current, e.cfg.Leverage)
	if !ok {
		e.logger.Warn("risk tick skipped, price below floor",
			"entry", pos.EntryPrice, "current", current)
		return
	}

	// Mark to market.
	unrealized := pnlFrac.Mul(pos.Collateral).Round(8)
	pos.CurrentPrice = &current
	pos.UnrealizedPnl = &unrealized
	if err := e.store.SavePosition(ctx, pos); err != nil {
		e.logger.Warn("mark-to-market save failed", "error", err)
	}

	stopLoss := e.cfg.StopLossPct
	if stopLoss.IsPositive() && pnlFrac.LessThanOrEqual(stopLoss.Neg()) {
		e.logger.Error("stop-loss breached, halting",
			"pnl", pnlFrac, "limit", stopLoss.Neg())
		e.closeLocked(ctx, "single-trade stop-loss")
		e.recordRiskEvent(ctx, "stop_loss", "high",
			fmt.Sprintf("pnl %s breached stop-loss %s", pnlFrac, stopLoss.Neg()))
		e.isStopped = true
		e.notify(ctx, fmt.Sprintf("%s 止损触发", e.cfg.InstanceID),
			fmt.Sprintf("亏损 %s%%, 已平仓并停止实例, 需要手动 reset",
				pnlFrac.Mul(decimal.NewFromInt(100)).Round(2)))
		return
	}

	takeProfit := e.cfg.TakeProfitPct
	if takeProfit.IsPositive() && pnlFrac.GreaterThanOrEqual(takeProfit) {
		e.logger.Info("take-profit reached", "pnl", pnlFrac, "limit", takeProfit)
		e.closeLocked(ctx, "take-profit")
		e.notify(ctx, fmt.Sprintf("%s 止盈平仓", e.cfg.InstanceID),
			fmt.Sprintf("盈利 %s%%, 已平仓, 实例继续运行",
				pnlFrac.Mul(decimal.NewFromInt(100)).Round(2)))
	}
}

// RunMarketHoursWatchdog closes any open position when the Asia/Shanghai
// hour enters the forbidden set. Blocks until ctx is cancelled.
func (e *TradingEngine) RunMarketHoursWatchdog(ctx context.Context, interval time.Duration) {
	e.logger.Info("market-hours watchdog started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("market-hours watchdog stopped")
			return
		case <-ticker.C:
			e.marketHoursTick(ctx)
		}
	}
}

func (e *TradingEngine) marketHoursTick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	hour := e.now().In(e.loc).Hour()
	if !e.hourForbidden(hour) {
		return
	}

	pos, err := e.store.GetOpenPosition(ctx, e.source(), "")
	if err != nil {
		e.logger.Warn("market-hours position lookup failed", "error", err)
		return
	}
	if pos == nil && e.side == "" {
		return
	}

	e.logger.Warn("forbidden hour with open position, closing", "hour", hour)
	e.closeLocked(ctx, "market-hours auto-close")
}
