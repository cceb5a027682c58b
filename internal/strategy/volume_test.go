package strategy

import (
	"math"
	"testing"
)

func TestVolumeTracker_WarmupNeverAnomalous(t *testing.T) {
	vt := NewVolumeTracker(4, 4.0, 2.0)

	// Wild bars during warmup must stay silent: the window is not full yet.
	for i := 0; i < 4; i++ {
		stats := vt.Observe("BTCUSDT", 100, 110, 5000)
		if stats.Anomalous {
			t.Errorf("bar %d flagged during warmup", i)
		}
	}

	if n := vt.Samples("BTCUSDT"); n != 4 {
		t.Errorf("expected 4 samples after warmup, got %d", n)
	}
}

func TestVolumeTracker_VolumeSpike(t *testing.T) {
	vt := NewVolumeTracker(4, 4.0, 2.0)

	// Window [100, 120, 100, 120]: mean 110, stddev 10.
	for i, v := range []float64{100, 120, 100, 120} {
		if stats := vt.Observe("BTCUSDT", 100, 100, v); stats.Anomalous {
			t.Fatalf("warmup bar %d flagged", i)
		}
	}

	stats := vt.Observe("BTCUSDT", 100, 100.1, 200)
	if math.Abs(stats.Mean-110) > 1e-9 {
		t.Errorf("mean = %f, want 110", stats.Mean)
	}
	if math.Abs(stats.StdDev-10) > 1e-9 {
		t.Errorf("stddev = %f, want 10", stats.StdDev)
	}
	if math.Abs(stats.ZScore-9) > 1e-9 {
		t.Errorf("z-score = %f, want 9", stats.ZScore)
	}
	if !stats.Anomalous {
		t.Error("expected volume spike to be anomalous")
	}
}

func TestVolumeTracker_PriceMove(t *testing.T) {
	vt := NewVolumeTracker(4, 4.0, 2.0)

	for _, v := range []float64{100, 120, 100, 120} {
		vt.Observe("ETHUSDT", 100, 100, v)
	}

	// Ordinary volume, 3% bar: the price leg alone must fire.
	up := vt.Observe("ETHUSDT", 100, 103, 110)
	if math.Abs(up.ChangePct-3) > 1e-9 {
		t.Errorf("change = %f, want 3", up.ChangePct)
	}
	if !up.Anomalous {
		t.Error("expected +3%% bar to be anomalous")
	}

	down := vt.Observe("ETHUSDT", 100, 97, 110)
	if !down.Anomalous {
		t.Error("expected -3%% bar to be anomalous")
	}
}

func TestVolumeTracker_QuietBar(t *testing.T) {
	vt := NewVolumeTracker(4, 4.0, 2.0)

	for _, v := range []float64{100, 120, 100, 120} {
		vt.Observe("BTCUSDT", 100, 100, v)
	}

	stats := vt.Observe("BTCUSDT", 100, 100.5, 115)
	if stats.Anomalous {
		t.Errorf("quiet bar flagged: z=%f change=%f", stats.ZScore, stats.ChangePct)
	}
}

func TestVolumeTracker_FlatHistoryHasNoZScore(t *testing.T) {
	vt := NewVolumeTracker(4, 4.0, 2.0)

	// Identical volumes give a zero stddev; the z-score must stay zero
	// rather than blow up, leaving only the price leg.
	for _, v := range []float64{50, 50, 50, 50} {
		vt.Observe("BTCUSDT", 100, 100, v)
	}

	stats := vt.Observe("BTCUSDT", 100, 100, 500)
	if stats.ZScore != 0 {
		t.Errorf("z-score = %f, want 0 on flat history", stats.ZScore)
	}
	if stats.Anomalous {
		t.Error("flat-history bar flagged without a price move")
	}
}

func TestVolumeTracker_WindowEviction(t *testing.T) {
	vt := NewVolumeTracker(3, 4.0, 2.0)

	for _, v := range []float64{1, 2, 3} {
		vt.Observe("BTCUSDT", 100, 100, v)
	}

	// Window [1, 2, 3]: mean 2. The observed volume then evicts the 1.
	stats := vt.Observe("BTCUSDT", 100, 100, 3)
	if math.Abs(stats.Mean-2) > 1e-9 {
		t.Errorf("mean = %f, want 2", stats.Mean)
	}

	// Window is now [2, 3, 3]: mean 8/3.
	stats = vt.Observe("BTCUSDT", 100, 100, 5)
	if math.Abs(stats.Mean-8.0/3.0) > 1e-9 {
		t.Errorf("mean = %f, want %f", stats.Mean, 8.0/3.0)
	}
	if n := vt.Samples("BTCUSDT"); n != 3 {
		t.Errorf("expected window capped at 3 samples, got %d", n)
	}
}

func TestVolumeTracker_SpikesStayOutOfBaseline(t *testing.T) {
	vt := NewVolumeTracker(4, 4.0, 2.0)

	for _, v := range []float64{100, 120, 100, 120} {
		vt.Observe("BTCUSDT", 100, 100, v)
	}

	// A sustained burst: every bar must keep scoring against the quiet
	// baseline instead of normalizing itself away.
	for i := 0; i < 3; i++ {
		stats := vt.Observe("BTCUSDT", 100, 100.1, 1000)
		if !stats.Anomalous {
			t.Fatalf("burst bar %d not flagged: z=%f", i, stats.ZScore)
		}
		if math.Abs(stats.Mean-110) > 1e-9 {
			t.Fatalf("burst bar %d polluted the baseline: mean=%f", i, stats.Mean)
		}
	}
	if n := vt.Samples("BTCUSDT"); n != 4 {
		t.Errorf("samples = %d, want 4 (spikes excluded)", n)
	}
}

func TestVolumeTracker_SymbolsIndependent(t *testing.T) {
	vt := NewVolumeTracker(2, 4.0, 2.0)

	vt.Observe("BTCUSDT", 100, 100, 10)
	vt.Observe("BTCUSDT", 100, 100, 10)
	vt.Observe("ETHUSDT", 100, 100, 99)

	if n := vt.Samples("BTCUSDT"); n != 2 {
		t.Errorf("BTCUSDT samples = %d, want 2", n)
	}
	if n := vt.Samples("ETHUSDT"); n != 1 {
		t.Errorf("ETHUSDT samples = %d, want 1", n)
	}
}
