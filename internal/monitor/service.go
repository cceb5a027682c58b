// Package monitor runs the market-watching side of the terminal: the
// currency monitor sweeps (symbol, timeframe) pairs through the SpecialK
// detector, and the minute-alert worker scores live 1m bars for volume and
// price anomalies. Both alert through the shared sink and never abort on
// per-item failures.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quant-terminal/internal/config"
	"quant-terminal/internal/strategy"
	"quant-terminal/pkg/types"
)

// stopJoinTimeout bounds how long Stop waits for the sweep worker before
// abandoning it.
const stopJoinTimeout = 2 * time.Second

// CandleSource provides candle batches, oldest first.
type CandleSource interface {
	Candles(ctx context.Context, pair types.Pair, total int) ([]types.Candle, error)
}

// Alerter delivers pair alerts.
type Alerter interface {
	Send(ctx context.Context, symbol, timeframe, body string) error
}

// ConfigStore persists the monitored pair set and the detector tuning.
// A nil store disables persistence.
type ConfigStore interface {
	SaveCurrencyMonitorConfig(ctx context.Context, configJSON string) error
	GetCurrencyMonitorConfig(ctx context.Context) (string, error)
	DeleteCurrencyMonitorConfig(ctx context.Context) error
	GetStrategyConfig(ctx context.Context, name string) (string, error)
}

// storedConfig is the JSON shape of the monitor config singleton.
type storedConfig struct {
	Pairs           []types.Pair `json:"pairs"`
	ReferenceSymbol string       `json:"reference_symbol"`
}

// Service owns the active pair set and the sweep loop. One background
// worker polls every pair in insertion order, deduplicates by bar-close
// time, and debounces alerts per pair.
type Service struct {
	candles CandleSource
	alerts  Alerter
	store   ConfigStore
	cfg     config.MonitorConfig
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	params    strategy.SpecialKParams
	pairs     []types.Pair
	lastSeen  map[string]int64
	alertedAt map[string]time.Time
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewService creates a monitor service. store may be nil.
func NewService(cfg config.MonitorConfig, candles CandleSource, alerts Alerter, store ConfigStore, logger *slog.Logger) *Service {
	return &Service{
		candles:   candles,
		alerts:    alerts,
		store:     store,
		cfg:       cfg,
		logger:    logger.With("component", "monitor"),
		now:       time.Now,
		params:    strategy.SpecialKParams{Lookback: cfg.Lookback, Ratio: cfg.Ratio},
		lastSeen:  make(map[string]int64),
		alertedAt: make(map[string]time.Time),
	}
}

// Start begins the sweep loop. Idempotent: a running service ignores the
// call. The stored pair set, when present, wins over the seed pairs; the
// stored "specialk" tuning row, when present, wins over the config values.
func (s *Service) Start(ctx context.Context, seed []types.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	pairs := s.restorePairs(ctx, seed)
	s.pairs = pairs
	s.restoreParams(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(loopCtx)

	s.logger.Info("monitor started",
		"pairs", len(pairs),
		"reference", s.cfg.ReferenceSymbol,
		"lookback", s.params.Lookback,
		"ratio", s.params.Ratio,
	)
	return nil
}

// Stop signals the worker and waits up to 2 s for it to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		s.logger.Warn("monitor worker did not stop in time, abandoning")
	}
}

// Running reports whether the sweep loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// AddPair adds a pair to the active set and persists the new set.
func (s *Service) AddPair(ctx context.Context, pair types.Pair) error {
	s.mu.Lock()
	for _, p := range s.pairs {
		if p.Key() == pair.Key() {
			s.mu.Unlock()
			return fmt.Errorf("pair %s already monitored", pair)
		}
	}
	s.pairs = append(s.pairs, pair)
	s.mu.Unlock()

	s.persistConfig(ctx)
	s.logger.Info("pair added", "pair", pair.Key())
	return nil
}

// RemovePair drops a pair along with its dedup and cooldown state.
func (s *Service) RemovePair(ctx context.Context, pair types.Pair) error {
	s.mu.Lock()
	found := false
	kept := s.pairs[:0]
	for _, p := range s.pairs {
		if p.Key() == pair.Key() {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	s.pairs = kept
	delete(s.lastSeen, pair.Key())
	delete(s.alertedAt, pair.Key())
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("pair %s not monitored", pair)
	}
	s.persistConfig(ctx)
	s.logger.Info("pair removed", "pair", pair.Key())
	return nil
}

// Pairs returns the active set in insertion order.
func (s *Service) Pairs() []types.Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Pair, len(s.pairs))
	copy(out, s.pairs)
	return out
}

// AlertedPairs returns the pairs alerted within the cooldown window.
func (s *Service) AlertedPairs() []types.Pair {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.cfg.Cooldown)
	var out []types.Pair
	for _, p := range s.pairs {
		if at, ok := s.alertedAt[p.Key()]; ok && at.After(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	// Immediate sweep on startup, then the poll cadence.
	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep polls every pair once. Per-pair failures are logged and skipped;
// the sweep itself never fails.
func (s *Service) sweep(ctx context.Context) {
	for _, pair := range s.Pairs() {
		if ctx.Err() != nil {
			return
		}
		if err := s.checkPair(ctx, pair); err != nil {
			s.logger.Warn("pair check failed", "pair", pair.Key(), "error", err)
		}
	}
}

func (s *Service) checkPair(ctx context.Context, pair types.Pair) error {
	subject, err := s.candles.Candles(ctx, pair, s.cfg.BatchLimit)
	if err != nil {
		return err
	}
	if len(subject) == 0 {
		return fmt.Errorf("no candles")
	}

	// Dedup: one evaluation per closed bar.
	lastClose := subject[len(subject)-1].CloseTime
	s.mu.Lock()
	if s.lastSeen[pair.Key()] == lastClose {
		s.mu.Unlock()
		return nil
	}
	s.lastSeen[pair.Key()] = lastClose
	params := s.params
	s.mu.Unlock()

	refPair := types.Pair{Symbol: s.cfg.ReferenceSymbol, Timeframe: pair.Timeframe}
	reference, err := s.candles.Candles(ctx, refPair, s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("reference candles: %w", err)
	}

	// Align tails; paged fetches may come back short on either side.
	n := len(subject)
	if len(reference) < n {
		n = len(reference)
	}
	subject = subject[len(subject)-n:]
	reference = reference[len(reference)-n:]

	closes := make([]float64, n)
	opens := make([]float64, n)
	refCloses := make([]float64, n)
	for i := 0; i < n; i++ {
		closes[i] = subject[i].Close
		opens[i] = subject[i].Open
		refCloses[i] = reference[i].Close
	}

	triggered, err := strategy.SpecialK(closes, opens, refCloses, params)
	if err != nil {
		return err
	}
	if !triggered {
		return nil
	}

	s.handleTrigger(ctx, pair, closes, opens, params)
	return nil
}

// handleTrigger sends the alert unless the pair is inside its cooldown
// window; the window restarts on every trigger either way.
func (s *Service) handleTrigger(ctx context.Context, pair types.Pair, closes, opens []float64, params strategy.SpecialKParams) {
	now := s.now()

	s.mu.Lock()
	last, alerted := s.alertedAt[pair.Key()]
	suppress := alerted && now.Sub(last) < s.cfg.Cooldown
	s.alertedAt[pair.Key()] = now
	s.mu.Unlock()

	if suppress {
		s.logger.Debug("alert suppressed by cooldown", "pair", pair.Key())
		return
	}

	n := len(closes)
	anchor := opens[n-params.Lookback]
	var chg float64
	if anchor > 0 {
		chg = (closes[n-1] - anchor) / anchor * 100
	}
	body := fmt.Sprintf("连续%d根阳线, 涨幅 %.2f%%, 现价 %.6g",
		params.Lookback, chg, closes[n-1])

	if err := s.alerts.Send(ctx, pair.Symbol, pair.Timeframe, body); err != nil {
		s.logger.Warn("alert delivery failed", "pair", pair.Key(), "error", err)
		return
	}
	s.logger.Info("pair alert sent", "pair", pair.Key(), "change_pct", chg)
}

// restorePairs prefers the stored pair set over the seed.
func (s *Service) restorePairs(ctx context.Context, seed []types.Pair) []types.Pair {
	if s.store == nil {
		return seed
	}
	raw, err := s.store.GetCurrencyMonitorConfig(ctx)
	if err != nil {
		s.logger.Warn("monitor config load failed", "error", err)
		return seed
	}
	if raw == "" {
		return seed
	}
	var stored storedConfig
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		s.logger.Warn("monitor config corrupt, using seed pairs", "error", err)
		return seed
	}
	if stored.ReferenceSymbol != "" {
		s.cfg.ReferenceSymbol = stored.ReferenceSymbol
	}
	return stored.Pairs
}

// restoreParams lets a stored "specialk" strategy_config row override the
// config-file tuning.
func (s *Service) restoreParams(ctx context.Context) {
	if s.store == nil {
		return
	}
	raw, err := s.store.GetStrategyConfig(ctx, "specialk")
	if err != nil || raw == "" {
		return
	}
	var tuned strategy.SpecialKParams
	if err := json.Unmarshal([]byte(raw), &tuned); err != nil {
		s.logger.Warn("specialk tuning corrupt", "error", err)
		return
	}
	if tuned.Lookback > 0 && tuned.Ratio > 0 {
		s.params = tuned
	}
}

// persistConfig writes the current pair set to the singleton; an empty set
// clears the singleton instead.
func (s *Service) persistConfig(ctx context.Context) {
	if s.store == nil {
		return
	}

	s.mu.Lock()
	cfg := storedConfig{
		Pairs:           append([]types.Pair(nil), s.pairs...),
		ReferenceSymbol: s.cfg.ReferenceSymbol,
	}
	s.mu.Unlock()

	if len(cfg.Pairs) == 0 {
		if err := s.store.DeleteCurrencyMonitorConfig(ctx); err != nil {
			s.logger.Warn("monitor config delete failed", "error", err)
		}
		return
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := s.store.SaveCurrencyMonitorConfig(ctx, string(raw)); err != nil {
		s.logger.Warn("monitor config save failed", "error", err)
	}
}
