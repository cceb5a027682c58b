package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"quant-terminal/internal/config"
	"quant-terminal/pkg/types"
)

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{RiskInterval: time.Hour, MarketHoursInterval: time.Hour}
}

func registryInstance(id, symbol, strategy string) InstanceConfig {
	cfg := testInstanceConfig()
	cfg.InstanceID = id
	cfg.Symbol = symbol
	cfg.StrategyName = strategy
	return cfg
}

func TestRegistryRegisterAndUnregister(t *testing.T) {
	t.Parallel()

	fs := newFakeStore()
	r := NewRegistry(testEngineConfig(), fs, fs, nil, testLogger())
	defer r.Shutdown()
	ctx := context.Background()

	eng, err := r.Register(ctx, registryInstance("a", "ETHUSDT", "momentum"), newFakeBroker("3000"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got, ok := r.Get("a"); !ok || got != eng {
		t.Fatal("Get did not return the registered engine")
	}
	if _, ok := fs.bindings["live/a"]; !ok {
		t.Error("binding row not written")
	}

	// Re-register updates in place: same engine, new symbol.
	again, err := r.Register(ctx, registryInstance("a", "BTCUSDT", "momentum"), newFakeBroker("50000"))
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if again != eng {
		t.Error("re-register created a new engine")
	}
	if got := eng.Config().Symbol; got != "BTCUSDT" {
		t.Errorf("symbol after re-register = %q, want BTCUSDT", got)
	}
	if len(r.List()) != 1 {
		t.Errorf("instances = %d, want 1", len(r.List()))
	}

	if err := r.Unregister(ctx, "a"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, ok := r.Get("a"); ok {
		t.Error("engine still registered")
	}
	if _, ok := fs.bindings["live/a"]; ok {
		t.Error("binding row not deleted")
	}
	if err := r.Unregister(ctx, "a"); err == nil {
		t.Error("unregistering twice succeeded")
	}
}

func TestRegistryBindingOmitsSecrets(t *testing.T) {
	t.Parallel()

	fs := newFakeStore()
	r := NewRegistry(testEngineConfig(), fs, fs, nil, testLogger())
	defer r.Shutdown()

	if _, err := r.Register(context.Background(), registryInstance("a", "ETHUSDT", ""), newFakeBroker("3000")); err != nil {
		t.Fatal(err)
	}
	raw := strings.ToLower(fs.bindings["live/a"])
	for _, forbidden := range []string{"key", "secret", "private"} {
		if strings.Contains(raw, forbidden) {
			t.Errorf("binding config contains %q: %s", forbidden, raw)
		}
	}
}

func TestRegistryTargets(t *testing.T) {
	t.Parallel()

	fs := newFakeStore()
	r := NewRegistry(testEngineConfig(), fs, nil, nil, testLogger())
	defer r.Shutdown()
	ctx := context.Background()

	mustRegister := func(id, symbol, strategy string) *TradingEngine {
		eng, err := r.Register(ctx, registryInstance(id, symbol, strategy), newFakeBroker("3000"))
		if err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
		return eng
	}
	ethMomentum := mustRegister("eth-momentum", "ETHUSDT", "momentum")
	btcMomentum := mustRegister("btc-momentum", "BTCUSDT", "momentum")
	ethGrid := mustRegister("eth-grid", "ETHUSDT", "grid")

	tests := []struct {
		name string
		sig  types.Signal
		want map[*TradingEngine]bool
	}{
		{
			"instance routed directly",
			types.Signal{Signal: "buy", InstanceID: "eth-grid"},
			map[*TradingEngine]bool{ethGrid: true},
		},
		{
			"unknown instance reaches nothing",
			types.Signal{Signal: "buy", InstanceID: "nope"},
			map[*TradingEngine]bool{},
		},
		{
			"strategy and symbol filter",
			types.Signal{Signal: "buy", Symbol: "ETH", StrategyName: "momentum"},
			map[*TradingEngine]bool{ethMomentum: true},
		},
		{
			"strategy only fans out across symbols",
			types.Signal{Signal: "buy", StrategyName: "momentum"},
			map[*TradingEngine]bool{ethMomentum: true, btcMomentum: true},
		},
		{
			"symbol only fans out across strategies",
			types.Signal{Signal: "buy", Symbol: "ETHUSDT"},
			map[*TradingEngine]bool{ethMomentum: true, ethGrid: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Targets(tt.sig)
			if len(got) != len(tt.want) {
				t.Fatalf("targets = %d engines, want %d", len(got), len(tt.want))
			}
			for _, eng := range got {
				if !tt.want[eng] {
					t.Errorf("unexpected target %s", eng.Config().InstanceID)
				}
			}
		})
	}
}
