package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quant-terminal/internal/config"
	"quant-terminal/internal/market"
	"quant-terminal/internal/store"
	"quant-terminal/internal/strategy"
)

// BarSource feeds closed 1m bars, normally the kline websocket stream.
type BarSource interface {
	Bars() <-chan market.Bar
}

// DepthSource fetches an order-book snapshot for alert context.
type DepthSource interface {
	Depth(ctx context.Context, symbol string, levels int) (*market.DepthSnapshot, error)
}

// BarStore persists anomalous bars. A nil store disables persistence.
type BarStore interface {
	SaveMarketData(ctx context.Context, bar *store.MarketData) error
}

// MinuteAlert scores every closed 1m bar against the symbol's rolling
// volume baseline and alerts on volume or price anomalies, enriched with a
// depth-imbalance snapshot. Alerts per symbol are debounced.
type MinuteAlert struct {
	bars    BarSource
	depth   DepthSource
	alerts  Alerter
	store   BarStore
	tracker *strategy.VolumeTracker
	cfg     config.MinuteAlertConfig
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	alertedAt map[string]time.Time
}

// NewMinuteAlert creates the minute-bar anomaly worker. depth and store may
// be nil; alerts then go out without book context or persistence.
func NewMinuteAlert(cfg config.MinuteAlertConfig, bars BarSource, depth DepthSource, alerts Alerter, barStore BarStore, logger *slog.Logger) *MinuteAlert {
	return &MinuteAlert{
		bars:      bars,
		depth:     depth,
		alerts:    alerts,
		store:     barStore,
		tracker:   strategy.NewVolumeTracker(cfg.WindowSize, cfg.VolumeZScore, cfg.PriceChangePct),
		cfg:       cfg,
		logger:    logger.With("component", "minute_alert"),
		now:       time.Now,
		alertedAt: make(map[string]time.Time),
	}
}

// Run consumes bars until ctx is cancelled or the source closes.
func (m *MinuteAlert) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case bar, ok := <-m.bars.Bars():
			if !ok {
				return nil
			}
			m.handleBar(ctx, bar)
		}
	}
}

func (m *MinuteAlert) handleBar(ctx context.Context, bar market.Bar) {
	stats := m.tracker.Observe(bar.Symbol, bar.Open, bar.Close, bar.Volume)
	if !stats.Anomalous {
		return
	}

	now := m.now()
	m.mu.Lock()
	last, seen := m.alertedAt[bar.Symbol]
	suppress := seen && now.Sub(last) < m.cfg.Cooldown
	m.alertedAt[bar.Symbol] = now
	m.mu.Unlock()

	m.logger.Info("minute anomaly",
		"symbol", bar.Symbol,
		"z_score", stats.ZScore,
		"change_pct", stats.ChangePct,
		"volume", bar.Volume,
		"suppressed", suppress,
	)
	if suppress {
		return
	}

	body := fmt.Sprintf("成交量异动 z=%.1f, 涨跌 %.2f%%, 量 %.4g (均值 %.4g)",
		stats.ZScore, stats.ChangePct, bar.Volume, stats.Mean)

	// Book context is best effort; the alert goes out without it.
	if m.depth != nil {
		if snap, err := m.depth.Depth(ctx, bar.Symbol, m.cfg.DepthLevels); err != nil {
			m.logger.Warn("depth snapshot failed", "symbol", bar.Symbol, "error", err)
		} else {
			body += fmt.Sprintf("\n盘口不平衡 %.2f (买 %.4g / 卖 %.4g)",
				snap.Imbalance, snap.BidVolume, snap.AskVolume)
		}
	}

	if err := m.alerts.Send(ctx, bar.Symbol, "1m", body); err != nil {
		m.logger.Warn("minute alert delivery failed", "symbol", bar.Symbol, "error", err)
	}

	m.persistBar(ctx, bar)
}

func (m *MinuteAlert) persistBar(ctx context.Context, bar market.Bar) {
	if m.store == nil {
		return
	}
	row := &store.MarketData{
		Source:    "minute_alert",
		Symbol:    bar.Symbol,
		Timeframe: "1m",
		OpenTime:  time.UnixMilli(bar.OpenTime),
		Open:      decimal.NewFromFloat(bar.Open),
		High:      decimal.NewFromFloat(bar.High),
		Low:       decimal.NewFromFloat(bar.Low),
		Close:     decimal.NewFromFloat(bar.Close),
		Volume:    decimal.NewFromFloat(bar.Volume),
	}
	if err := m.store.SaveMarketData(ctx, row); err != nil {
		m.logger.Warn("market data save failed", "symbol", bar.Symbol, "error", err)
	}
}
