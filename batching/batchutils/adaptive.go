package batchutils

import (
	"math"
	"time"
)

// Bounds limits the batch size ComputeAdaptiveBatchSize may recommend.
type Bounds struct {
	Min int
	Max int
	// Window is the time a batch is allowed to accumulate, normally the scheduler's max wait.
	Window time.Duration
}

// ComputeAdaptiveBatchSize recommends a batch size from measured throughput (items per second):
// the number of items expected to arrive in one accumulation window, scaled by headroom and
// clamped to [Min, Max]. The result is non-decreasing in headroom and never below 1.
func ComputeAdaptiveBatchSize(throughput, headroom float64, b Bounds) int {
	lo := max(b.Min, 1)
	hi := max(b.Max, lo)
	if math.IsNaN(throughput) || math.IsNaN(headroom) || throughput <= 0 || headroom <= 0 || b.Window <= 0 {
		return lo
	}
	want := math.Ceil(throughput * b.Window.Seconds() * headroom)
	if math.IsInf(want, 1) || want >= float64(hi) {
		return hi
	}
	return max(int(want), lo)
}
