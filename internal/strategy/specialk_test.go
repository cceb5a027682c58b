package strategy

import (
	"math"
	"testing"
)

// vFixture builds the canonical V-shaped subject series: 60 bars falling by
// 0.15 from 100, then a linear rise by 0.25 from 91 up to bar riseEnd, then
// bars multiplied by 1.0122 with bullish bodies from bullStart on. Bars
// before bullStart have open == close, so only the tail counts as bullish.
func vFixture(bullStart, riseEnd int) (closes, opens []float64) {
	closes = make([]float64, 100)
	for i := 0; i < 60; i++ {
		closes[i] = 100 - 0.15*float64(i)
	}
	for i := 60; i < riseEnd; i++ {
		closes[i] = 91 + 0.25*float64(i-60)
	}
	for i := riseEnd; i < 100; i++ {
		closes[i] = closes[i-1] * 1.0122
	}
	opens = make([]float64, 100)
	for i := range closes {
		if i >= bullStart {
			opens[i] = closes[i-1]
		} else {
			opens[i] = closes[i]
		}
	}
	return closes, opens
}

// refFixture builds the reference series: ascending by 0.1 from 3000, with
// the final bars multiplied by step from bar accel on.
func refFixture(accel int, step float64) []float64 {
	ref := make([]float64, 100)
	for i := 0; i < accel; i++ {
		ref[i] = 3000 + 0.1*float64(i)
	}
	for i := accel; i < 100; i++ {
		ref[i] = ref[i-1] * step
	}
	return ref
}

func TestSpecialKTriggersOnFinalBar(t *testing.T) {
	t.Parallel()

	closes, opens := vFixture(96, 96)
	ref := refFixture(96, 1.0025)

	got, err := SpecialK(closes, opens, ref, DefaultSpecialKParams())
	if err != nil {
		t.Fatalf("SpecialK: %v", err)
	}
	if !got {
		t.Fatal("expected trigger on the final bar")
	}
}

func TestSpecialKIgnoresMidSeriesTrigger(t *testing.T) {
	t.Parallel()

	// Four bullish bars at 92..95 followed by flat bars: the trigger lands
	// mid-series, so the final bar must not report.
	closes := make([]float64, 100)
	for i := 0; i < 60; i++ {
		closes[i] = 100 - 0.15*float64(i)
	}
	for i := 60; i < 92; i++ {
		closes[i] = 91 + 0.25*float64(i-60)
	}
	for i := 92; i < 96; i++ {
		closes[i] = closes[i-1] * 1.0122
	}
	for i := 96; i < 100; i++ {
		closes[i] = closes[i-1]
	}
	opens := make([]float64, 100)
	for i := range closes {
		if i >= 92 && i < 96 {
			opens[i] = closes[i-1]
		} else {
			opens[i] = closes[i]
		}
	}
	ref := refFixture(96, 1.0025)

	got, err := SpecialK(closes, opens, ref, DefaultSpecialKParams())
	if err != nil {
		t.Fatalf("SpecialK: %v", err)
	}
	if got {
		t.Fatal("mid-series trigger reported on the final bar")
	}
}

func TestSpecialKRequiresExactLookbackCount(t *testing.T) {
	t.Parallel()

	// Five consecutive bullish bars: the count reaches 4 one bar early and
	// is 5 on the final bar, so nothing fires there.
	closes, opens := vFixture(95, 95)
	ref := refFixture(96, 1.0025)

	got, err := SpecialK(closes, opens, ref, DefaultSpecialKParams())
	if err != nil {
		t.Fatalf("SpecialK: %v", err)
	}
	if got {
		t.Fatal("streak longer than lookback reported on the final bar")
	}
}

func TestSpecialKRatioRejectsWeakMove(t *testing.T) {
	t.Parallel()

	// The reference surges 5% per bar while the subject gains ~1.2%: the
	// relative-strength check must reject.
	closes, opens := vFixture(96, 96)
	ref := refFixture(96, 1.05)

	got, err := SpecialK(closes, opens, ref, DefaultSpecialKParams())
	if err != nil {
		t.Fatalf("SpecialK: %v", err)
	}
	if got {
		t.Fatal("trigger reported despite failing the ratio check")
	}
}

func TestSpecialKInputValidation(t *testing.T) {
	t.Parallel()

	short := make([]float64, 20)
	if _, err := SpecialK(short, short, short, DefaultSpecialKParams()); err == nil {
		t.Error("short series accepted")
	}

	closes, opens := vFixture(96, 96)
	ref := refFixture(96, 1.0025)
	if _, err := SpecialK(closes, opens, ref[:99], DefaultSpecialKParams()); err == nil {
		t.Error("mismatched series lengths accepted")
	}
	if _, err := SpecialK(closes, opens, ref, SpecialKParams{Lookback: 0, Ratio: 1.5}); err == nil {
		t.Error("zero lookback accepted")
	}
	if _, err := SpecialK(closes, opens, ref, SpecialKParams{Lookback: 4, Ratio: 0}); err == nil {
		t.Error("zero ratio accepted")
	}
}

func TestEMASeededWithFirstValue(t *testing.T) {
	t.Parallel()

	flat := ema([]float64{5, 5, 5, 5}, 12)
	for i, v := range flat {
		if v != 5 {
			t.Fatalf("ema[%d] = %v, want 5", i, v)
		}
	}

	// Hand-computed: k = 2/4 = 0.5 for period 3.
	got := ema([]float64{2, 4, 8}, 3)
	want := []float64{2, 3, 5.5}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Fatalf("ema[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRatioCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                         string
		close, start, refC, refStart float64
		want                         bool
	}{
		{"beats positive reference", 110, 100, 101, 100, true},     // 10% vs 1.5%
		{"misses positive reference", 101, 100, 101, 100, false},   // 1% vs 1.5%
		{"flat reference accepts any gain", 101, 100, 100, 100, true},
		{"falling reference accepts any gain", 101, 100, 99, 100, true},
		{"falling reference rejects losses", 99, 100, 98, 100, false},
		{"zero anchor rejected", 101, 0, 100, 100, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ratioCheck(tt.close, tt.start, tt.refC, tt.refStart, 1.5); got != tt.want {
				t.Fatalf("ratioCheck = %v, want %v", got, tt.want)
			}
		})
	}
}
