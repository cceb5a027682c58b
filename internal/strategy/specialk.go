// Package strategy implements the pure detection logic of the market
// monitor: the MACD-gated SpecialK multiplier detector and the rolling
// volume baseline used by the minute-bar anomaly detector. Everything here
// is side-effect free and operates on plain slices, so it can be evaluated
// against any candle source.
package strategy

import "fmt"

// MACD periods. The detector always runs the classic 12/26/9 setup.
const (
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
)

// minSeriesLen is the shortest series the detector accepts. Shorter inputs
// cannot seat the slow EMA and produce meaningless crossings.
const minSeriesLen = 50

// SpecialKParams tunes the detector.
//
//   - Lookback: consecutive bullish bars required after the MACD cross.
//   - Ratio:    how many times the reference asset's advance the subject
//     must beat for the move to count as relative strength.
type SpecialKParams struct {
	Lookback int
	Ratio    float64
}

// DefaultSpecialKParams mirror the production tuning.
func DefaultSpecialKParams() SpecialKParams {
	return SpecialKParams{Lookback: 4, Ratio: 1.5}
}

// ema computes an exponential moving average seeded with the first value:
// ema[0] = v[0], ema[i] = v[i]*k + ema[i-1]*(1-k) with k = 2/(period+1).
func ema(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	k := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// macd returns the MACD line (fast EMA - slow EMA) and its signal line.
func macd(closes []float64) (line, signal []float64) {
	fast := ema(closes, macdFast)
	slow := ema(closes, macdSlow)
	line = make([]float64, len(closes))
	for i := range closes {
		line[i] = fast[i] - slow[i]
	}
	signal = ema(line, macdSignal)
	return line, signal
}

// SpecialK reports whether the subject series triggers on its final bar.
//
// The walk enters "monitoring" when the MACD line crosses above its signal
// line and leaves it on the cross below; equality counts as not-yet-crossed
// on both sides. While monitoring, consecutive bullish bars (close > open)
// are counted; a non-bullish bar resets the count and re-anchors the move's
// start to that bar. A trigger fires when the count reaches exactly
// Lookback and the subject's advance from the anchor beats Ratio times the
// reference asset's advance over the same stretch (any positive advance
// counts when the reference went nowhere). Only a trigger on the most
// recent closed bar returns true.
func SpecialK(subjectCloses, subjectOpens, referenceCloses []float64, p SpecialKParams) (bool, error) {
	n := len(subjectCloses)
	if n < minSeriesLen {
		return false, fmt.Errorf("series too short: %d bars, need %d", n, minSeriesLen)
	}
	if len(subjectOpens) != n || len(referenceCloses) != n {
		return false, fmt.Errorf("series length mismatch: closes=%d opens=%d reference=%d",
			n, len(subjectOpens), len(referenceCloses))
	}
	if p.Lookback <= 0 || p.Ratio <= 0 {
		return false, fmt.Errorf("invalid params: lookback=%d ratio=%v", p.Lookback, p.Ratio)
	}

	line, signal := macd(subjectCloses)

	monitoring := false
	bullCount := 0
	startPrice := 0.0
	refStartPrice := 0.0
	lastTrigger := -1

	for i := 1; i < n; i++ {
		crossedUp := line[i] > signal[i] && line[i-1] <= signal[i-1]
		crossedDown := line[i] < signal[i] && line[i-1] >= signal[i-1]

		switch {
		case crossedUp:
			monitoring = true
			bullCount = 0
			startPrice = subjectOpens[i]
			refStartPrice = referenceCloses[i]
		case crossedDown:
			monitoring = false
		}

		if !monitoring {
			continue
		}

		if subjectCloses[i] > subjectOpens[i] {
			bullCount++
		} else {
			bullCount = 0
			startPrice = subjectOpens[i]
			refStartPrice = referenceCloses[i]
		}

		if bullCount == p.Lookback && ratioCheck(subjectCloses[i], startPrice, referenceCloses[i], refStartPrice, p.Ratio) {
			lastTrigger = i
		}
	}

	return lastTrigger == n-1, nil
}

// ratioCheck compares the subject's percentage advance against the
// reference asset's. With a flat or falling reference any positive subject
// advance passes.
func ratioCheck(close, start, refClose, refStart, ratio float64) bool {
	if start == 0 || refStart == 0 {
		return false
	}
	chg := (close - start) / start * 100
	refChg := (refClose - refStart) / refStart * 100
	if refChg > 0 {
		return chg >= ratio*refChg
	}
	return chg > 0
}
