// Package perf records per-batch size and latency samples and summarizes them. A Monitor is an
// explicit handle owned by whoever builds the schedulers; nothing in this package is global.
package perf

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// DefaultCapacity is the number of samples a Monitor retains unless told otherwise.
const DefaultCapacity = 1000

// Sample is one flushed batch.
type Sample struct {
	Size     int
	Wall     time.Duration
	PerItem  time.Duration
	Recorded time.Time
}

// Stats summarizes the samples currently retained by a Monitor.
type Stats struct {
	// Samples is the number of retained samples the averages are computed over.
	Samples      int
	AvgBatchSize float64
	AvgBatchTime time.Duration
	AvgItemTime  time.Duration
	P50ItemTime  time.Duration
	P90ItemTime  time.Duration
	P95ItemTime  time.Duration
	// Throughput is items per second, 1 / AvgItemTime. Zero when no time has been recorded.
	Throughput float64

	// Lifetime counters, not bounded by capacity.
	TotalBatches uint64
	TotalItems   uint64
}

// Monitor is a bounded ring buffer of batch samples. It is safe for concurrent use.
type Monitor struct {
	mu           sync.Mutex
	samples      []Sample
	next         int
	full         bool
	totalBatches uint64
	totalItems   uint64
	now          func() time.Time
}

// NewMonitor returns a Monitor retaining the last capacity samples. A non-positive capacity
// means DefaultCapacity.
func NewMonitor(capacity int) *Monitor {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Monitor{samples: make([]Sample, capacity), now: time.Now}
}

// Capacity returns the maximum number of retained samples.
func (m *Monitor) Capacity() int {
	return len(m.samples)
}

// RecordBatch appends a sample for a batch of size items that took wall to process. Batches of
// size zero are ignored.
func (m *Monitor) RecordBatch(size int, wall time.Duration) {
	if size <= 0 {
		return
	}
	if wall < 0 {
		wall = 0
	}
	sample := Sample{
		Size:     size,
		Wall:     wall,
		PerItem:  wall / time.Duration(size),
		Recorded: m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[m.next] = sample
	m.next++
	if m.next == len(m.samples) {
		m.next = 0
		m.full = true
	}
	m.totalBatches++
	m.totalItems += uint64(size)
}

// Samples returns the retained samples, oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() []Sample {
	if !m.full {
		return append([]Sample(nil), m.samples[:m.next]...)
	}
	out := make([]Sample, 0, len(m.samples))
	out = append(out, m.samples[m.next:]...)
	return append(out, m.samples[:m.next]...)
}

// Reset drops all retained samples and zeroes the lifetime counters.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = make([]Sample, len(m.samples))
	m.next = 0
	m.full = false
	m.totalBatches = 0
	m.totalItems = 0
}

// Stats computes the summary over the retained samples.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	samples := m.snapshotLocked()
	out := Stats{TotalBatches: m.totalBatches, TotalItems: m.totalItems}
	m.mu.Unlock()

	out.Samples = len(samples)
	if len(samples) == 0 {
		return out
	}

	sizes := make(stats.Float64Data, 0, len(samples))
	walls := make(stats.Float64Data, 0, len(samples))
	perItem := make(stats.Float64Data, 0, len(samples))
	var items int
	var wallTotal time.Duration
	for _, s := range samples {
		sizes = append(sizes, float64(s.Size))
		walls = append(walls, float64(s.Wall))
		perItem = append(perItem, float64(s.PerItem))
		items += s.Size
		wallTotal += s.Wall
	}

	// Mean only fails on empty input, which is excluded above.
	avgSize, _ := sizes.Mean()
	avgWall, _ := walls.Mean()
	out.AvgBatchSize = avgSize
	out.AvgBatchTime = time.Duration(avgWall)
	// Item-weighted: total time over total items, so big batches count for their size.
	out.AvgItemTime = wallTotal / time.Duration(items)
	out.P50ItemTime = percentile(perItem, 50)
	out.P90ItemTime = percentile(perItem, 90)
	out.P95ItemTime = percentile(perItem, 95)
	if out.AvgItemTime > 0 {
		out.Throughput = float64(time.Second) / float64(out.AvgItemTime)
	}
	return out
}

func percentile(data stats.Float64Data, p float64) time.Duration {
	val, err := stats.Percentile(data, p)
	if err != nil {
		return 0
	}
	return time.Duration(val)
}
