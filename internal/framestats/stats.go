// Package framestats measures delivered frame rate over a rolling window
// of frame timestamps.
package framestats

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultWindowSize keeps the last 120 frame times (4s at 30 fps)
	DefaultWindowSize = 120

	// steadyThreshold is the maximum FPS stddev, as a fraction of the
	// mean, for a delivery rate to count as steady.
	steadyThreshold = 0.15
)

// Stats summarizes the frame intervals currently in a Window.
type Stats struct {
	// Frames is the number of timestamps in the window
	Frames int
	// Span is the time between the oldest and newest timestamp
	Span time.Duration
	// FPSMean is (Frames-1) / Span
	FPSMean float64
	// FPSStdDev is the standard deviation of instantaneous FPS
	FPSStdDev float64
	// FPSMin is the minimum instantaneous FPS
	FPSMin float64
	// FPSMax is the maximum instantaneous FPS
	FPSMax float64
	// JitterMean is the mean deviation from the expected interval (seconds)
	JitterMean float64
	// IsSteady is true when FPSStdDev < 15% of FPSMean
	IsSteady bool
}

// Window is a bounded ring of frame timestamps. Safe for concurrent use.
type Window struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	count int
}

// NewWindow returns a window holding the last size timestamps.
func NewWindow(size int) *Window {
	if size < 2 {
		size = DefaultWindowSize
	}
	return &Window{times: make([]time.Time, size)}
}

// Add records a frame time.
func (w *Window) Add(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.times[w.next] = t
	w.next = (w.next + 1) % len(w.times)
	if w.count < len(w.times) {
		w.count++
	}
}

// Reset forgets all samples.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next, w.count = 0, 0
}

// Snapshot returns the samples oldest first.
func (w *Window) Snapshot() []time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]time.Time, 0, w.count)
	start := (w.next - w.count + len(w.times)) % len(w.times)
	for i := 0; i < w.count; i++ {
		out = append(out, w.times[(start+i)%len(w.times)])
	}
	return out
}

// Stats computes the rate statistics of the current window.
func (w *Window) Stats() Stats {
	return Calculate(w.Snapshot())
}

// Calculate computes rate statistics from ordered frame times.
func Calculate(frameTimes []time.Time) Stats {
	n := len(frameTimes)
	if n < 2 {
		return Stats{Frames: n}
	}

	span := frameTimes[n-1].Sub(frameTimes[0])
	if span <= 0 {
		return Stats{Frames: n, Span: span}
	}
	fpsMean := float64(n-1) / span.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		if interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}
	if len(instantaneous) == 0 {
		return Stats{Frames: n, Span: span, FPSMean: fpsMean}
	}

	fpsMin, fpsMax := instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, fps := range instantaneous {
		fpsMin = math.Min(fpsMin, fps)
		fpsMax = math.Max(fpsMax, fps)
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	fpsStdDev := math.Sqrt(sumSquares / float64(len(instantaneous)))

	expected := 1.0 / fpsMean
	var jitterSum float64
	for i := 1; i < n; i++ {
		jitterSum += math.Abs(frameTimes[i].Sub(frameTimes[i-1]).Seconds() - expected)
	}

	return Stats{
		Frames:     n,
		Span:       span,
		FPSMean:    fpsMean,
		FPSStdDev:  fpsStdDev,
		FPSMin:     fpsMin,
		FPSMax:     fpsMax,
		JitterMean: jitterSum / float64(n-1),
		IsSteady:   fpsStdDev < fpsMean*steadyThreshold,
	}
}
