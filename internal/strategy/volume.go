package strategy

import (
	"math"
	"sync"
)

// BarStats describes how a closed minute bar compares with the symbol's
// recent volume history.
type BarStats struct {
	ZScore    float64 // Standard deviations above the rolling mean
	ChangePct float64 // Bar price change, percent
	Mean      float64 // Rolling volume mean
	StdDev    float64 // Rolling volume standard deviation
	Anomalous bool    // True when a threshold is breached
}

// VolumeTracker keeps a rolling window of minute-bar volumes per symbol and
// scores each new bar against it. A bar is anomalous when its volume z-score
// reaches volumeZ or its absolute price change reaches priceChangePct. Bars
// observed before the window has filled are never anomalous.
type VolumeTracker struct {
	mu sync.RWMutex

	windowSize     int
	volumeZ        float64
	priceChangePct float64

	windows map[string][]float64
}

// NewVolumeTracker creates a tracker with the given window size and
// anomaly thresholds.
func NewVolumeTracker(windowSize int, volumeZ, priceChangePct float64) *VolumeTracker {
	return &VolumeTracker{
		windowSize:     windowSize,
		volumeZ:        volumeZ,
		priceChangePct: priceChangePct,
		windows:        make(map[string][]float64),
	}
}

// Observe scores a closed bar against the symbol's rolling volume window,
// then adds the bar's volume to the window, evicting the oldest sample.
// Anomalous bars are scored but kept out of the window: a sustained spike
// must not become its own baseline.
func (vt *VolumeTracker) Observe(symbol string, open, close, volume float64) BarStats {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	window := vt.windows[symbol]

	var stats BarStats
	if open > 0 {
		stats.ChangePct = (close - open) / open * 100
	}

	if len(window) >= vt.windowSize {
		stats.Mean, stats.StdDev = meanStdDev(window)
		if stats.StdDev > 0 {
			stats.ZScore = (volume - stats.Mean) / stats.StdDev
		}
		stats.Anomalous = stats.ZScore >= vt.volumeZ ||
			math.Abs(stats.ChangePct) >= vt.priceChangePct
	}

	if !stats.Anomalous {
		window = append(window, volume)
		if len(window) > vt.windowSize {
			window = window[len(window)-vt.windowSize:]
		}
		vt.windows[symbol] = window
	}

	return stats
}

// Samples returns the number of volume samples held for the symbol.
func (vt *VolumeTracker) Samples(symbol string) int {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	return len(vt.windows[symbol])
}

func meanStdDev(values []float64) (mean, stdDev float64) {
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))

	return mean, math.Sqrt(variance)
}
