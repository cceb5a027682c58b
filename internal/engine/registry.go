package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"quant-terminal/internal/broker"
	"quant-terminal/internal/config"
	"quant-terminal/internal/store"
	"quant-terminal/pkg/types"
)

// defaultUserID is the users row every instance binding hangs off.
const defaultUserID uint = 1

// BindingStore persists user-instance bindings. May be nil.
type BindingStore interface {
	SaveUserInstance(ctx context.Context, userID uint, instanceType, instanceID, configJSON string) error
	DeleteUserInstance(ctx context.Context, userID uint, instanceType, instanceID string) error
}

// managed is one live instance: its engine plus the cancel that tears down
// its watchdog goroutines.
type managed struct {
	engine *TradingEngine
	cancel context.CancelFunc
}

// Registry owns the live trading instances. Register upserts, Unregister
// tears down, Targets resolves the fan-out set for a broadcast signal.
type Registry struct {
	cfg      config.EngineConfig
	store    Store
	bindings BindingStore
	alerts   Alerter
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*managed
	wg      sync.WaitGroup
}

// NewRegistry creates an empty registry. bindings and alerts may be nil.
func NewRegistry(cfg config.EngineConfig, st Store, bindings BindingStore, alerts Alerter, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		store:    st,
		bindings: bindings,
		alerts:   alerts,
		logger:   logger.With("component", "registry"),
		entries:  make(map[string]*managed),
	}
}

// Register upserts an instance. A new instance gets a position sync and two
// watchdog goroutines; re-registering reconfigures the existing engine in
// place without respawning them. The binding row stores the sanitized
// config only: credentials stay inside the broker client.
func (r *Registry) Register(ctx context.Context, icfg InstanceConfig, client broker.Client) (*TradingEngine, error) {
	if icfg.InstanceID == "" {
		return nil, fmt.Errorf("instance_id required")
	}

	r.mu.Lock()
	if existing, ok := r.entries[icfg.InstanceID]; ok {
		existing.engine.Reconfigure(icfg, client)
		r.mu.Unlock()
		r.saveBinding(ctx, existing.engine)
		r.logger.Info("instance re-registered", "instance", icfg.InstanceID)
		return existing.engine, nil
	}

	eng := NewTradingEngine(icfg, client, r.store, r.alerts, r.logger)
	watchCtx, cancel := context.WithCancel(context.Background())
	r.entries[icfg.InstanceID] = &managed{engine: eng, cancel: cancel}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		eng.RunRiskWatchdog(watchCtx, r.cfg.RiskInterval)
	}()
	go func() {
		defer r.wg.Done()
		eng.RunMarketHoursWatchdog(watchCtx, r.cfg.MarketHoursInterval)
	}()
	r.mu.Unlock()

	eng.SyncPosition(ctx)
	r.saveBinding(ctx, eng)

	r.logger.Info("instance registered",
		"instance", icfg.InstanceID,
		"exchange", icfg.Exchange,
		"symbol", icfg.Symbol,
	)
	return eng, nil
}

// Unregister stops an instance's watchdogs and removes its binding.
func (r *Registry) Unregister(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	entry, ok := r.entries[instanceID]
	if ok {
		entry.cancel()
		delete(r.entries, instanceID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("instance %q not registered", instanceID)
	}

	if r.bindings != nil {
		if err := r.bindings.DeleteUserInstance(ctx, defaultUserID, store.InstanceTypeLive, instanceID); err != nil {
			r.logger.Warn("binding delete failed", "instance", instanceID, "error", err)
		}
	}
	r.logger.Info("instance unregistered", "instance", instanceID)
	return nil
}

// Get returns the engine for the instance, if registered.
func (r *Registry) Get(instanceID string) (*TradingEngine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[instanceID]
	if !ok {
		return nil, false
	}
	return entry.engine, true
}

// List returns a snapshot of all registered engines.
func (r *Registry) List() []*TradingEngine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TradingEngine, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.engine)
	}
	return out
}

// Targets resolves the engines a signal should reach. With an instance_id
// it is that instance or nothing; otherwise every instance whose strategy
// name matches (when the signal names one) and whose symbol base matches.
func (r *Registry) Targets(sig types.Signal) []*TradingEngine {
	if sig.InstanceID != "" {
		if eng, ok := r.Get(sig.InstanceID); ok {
			return []*TradingEngine{eng}
		}
		return nil
	}

	var out []*TradingEngine
	for _, eng := range r.List() {
		cfg := eng.Config()
		if sig.StrategyName != "" && sig.StrategyName != cfg.StrategyName {
			continue
		}
		if !types.SymbolsMatch(sig.Symbol, cfg.Symbol) {
			continue
		}
		out = append(out, eng)
	}
	return out
}

// Shutdown cancels every instance's watchdogs and waits for them.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	for id, entry := range r.entries {
		entry.cancel()
		delete(r.entries, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
	r.logger.Info("registry shut down")
}

func (r *Registry) saveBinding(ctx context.Context, eng *TradingEngine) {
	if r.bindings == nil {
		return
	}
	cfg := eng.Config()
	raw, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := r.bindings.SaveUserInstance(ctx, defaultUserID, store.InstanceTypeLive, cfg.InstanceID, string(raw)); err != nil {
		r.logger.Warn("binding save failed", "instance", cfg.InstanceID, "error", err)
	}
}
