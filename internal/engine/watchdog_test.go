package engine

import (
	"context"
	"testing"
	"time"
)

func TestRiskTickMarksToMarket(t *testing.T) {
	t.Parallel()

	fb := newFakeBroker("3000")
	fs := newFakeStore()
	e := newTestEngine(testInstanceConfig(), fb, fs, nil)
	ctx := context.Background()

	if err := e.ExecuteSignal(ctx, openSignal("buy")); err != nil {
		t.Fatal(err)
	}

	fb.setPrice("3030")
	e.riskTick(ctx)

	open := fs.openPositions()
	if len(open) != 1 {
		t.Fatalf("open positions = %d, want 1", len(open))
	}
	pos := open[0]
	if pos.CurrentPrice == nil || !pos.CurrentPrice.Equal(d("3030")) {
		t.Errorf("current price = %v, want 3030", pos.CurrentPrice)
	}
	// +1% at 3x on collateral 100 = +3.
	if pos.UnrealizedPnl == nil || !pos.UnrealizedPnl.Equal(d("3")) {
		t.Errorf("unrealized pnl = %v, want 3", pos.UnrealizedPnl)
	}
	if e.Halted() {
		t.Error("halted on a small move")
	}
}

func TestRiskTickStopLossHalts(t *testing.T) {
	t.Parallel()

	fb := newFakeBroker("3000")
	fs := newFakeStore()
	alerts := &testAlerter{}
	e := newTestEngine(testInstanceConfig(), fb, fs, alerts)
	ctx := context.Background()

	if err := e.ExecuteSignal(ctx, openSignal("buy")); err != nil {
		t.Fatal(err)
	}

	// -5% at 3x = -15%, past the 10% stop.
	fb.setPrice("2850")
	e.riskTick(ctx)

	if !e.Halted() {
		t.Fatal("not halted after stop-loss breach")
	}
	if fb.closeCount() != 1 {
		t.Errorf("closes = %d, want 1", fb.closeCount())
	}
	if len(fs.openPositions()) != 0 {
		t.Errorf("position still open after stop-loss")
	}

	var high bool
	for _, ev := range fs.events {
		if ev.Type == "stop_loss" && ev.Severity == "high" {
			high = true
		}
	}
	if !high {
		t.Errorf("no high-severity stop_loss event: %+v", fs.events)
	}
	if alerts.count() != 1 {
		t.Errorf("alerts = %d, want 1", alerts.count())
	}

	// Halted instance ignores further signals until reset.
	if err := e.ExecuteSignal(ctx, openSignal("sell")); err != nil {
		t.Fatal(err)
	}
	if fb.openCount() != 1 {
		t.Errorf("opens while halted = %d, want 1", fb.openCount())
	}
}

func TestRiskTickTakeProfitDoesNotHalt(t *testing.T) {
	t.Parallel()

	cfg := testInstanceConfig()
	cfg.TakeProfitPct = d("0.20")
	fb := newFakeBroker("3000")
	fs := newFakeStore()
	e := newTestEngine(cfg, fb, fs, &testAlerter{})
	ctx := context.Background()

	if err := e.ExecuteSignal(ctx, openSignal("buy")); err != nil {
		t.Fatal(err)
	}

	// +10% at 3x = +30%, past the 20% take-profit.
	fb.setPrice("3300")
	e.riskTick(ctx)

	if e.Halted() {
		t.Error("take-profit must not halt")
	}
	if fb.closeCount() != 1 {
		t.Errorf("closes = %d, want 1", fb.closeCount())
	}
	if got := e.Status().State; got != "flat" {
		t.Errorf("state = %q, want flat", got)
	}

	// The instance keeps trading.
	if err := e.ExecuteSignal(ctx, openSignal("sell")); err != nil {
		t.Fatal(err)
	}
	if got := e.Status().State; got != "short" {
		t.Errorf("state = %q, want short", got)
	}
}

func TestMarketHoursTickClosesPosition(t *testing.T) {
	t.Parallel()

	cfg := testInstanceConfig()
	cfg.ForbiddenHours = []int{0}
	fb := newFakeBroker("3000")
	fs := newFakeStore()
	e := newTestEngine(cfg, fb, fs, nil)
	ctx := context.Background()

	if err := e.ExecuteSignal(ctx, openSignal("buy")); err != nil {
		t.Fatal(err)
	}

	// Still 20:00 in Shanghai: nothing happens.
	e.marketHoursTick(ctx)
	if fb.closeCount() != 0 {
		t.Fatalf("closed outside forbidden hour")
	}

	// 16:00 UTC = 00:00 Shanghai: the position is flattened.
	e.now = func() time.Time { return time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC) }
	e.marketHoursTick(ctx)
	if fb.closeCount() != 1 {
		t.Errorf("closes = %d, want 1", fb.closeCount())
	}
	if got := e.Status().State; got != "flat" {
		t.Errorf("state = %q, want flat", got)
	}
}
