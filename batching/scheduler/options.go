package scheduler

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/batchvision/batching/perf"
)

// Defaults for zero Options fields.
const (
	DefaultMaxBatchSize = 16
	DefaultMaxWait      = 50 * time.Millisecond
	DefaultMinBatchSize = 2
)

// Options configures a Scheduler. Zero fields take the defaults above.
type Options struct {
	// Name identifies the scheduler in logs and stats.
	Name string
	// MaxBatchSize seals a batch as soon as it holds this many items.
	MaxBatchSize int
	// MaxWait is how long a batch may accumulate before it is flushed regardless of size.
	MaxWait time.Duration
	// MinBatchSize is a hint only. A batch whose wait expires is flushed even when smaller.
	MinBatchSize int
	// MaxQueuedBatches bounds sealed batches waiting for the detector. Zero is unbounded.
	MaxQueuedBatches int

	Clock   clock.Clock
	Monitor *perf.Monitor
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "scheduler"
	}
	if o.MaxBatchSize == 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	if o.MaxWait == 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.MinBatchSize == 0 {
		o.MinBatchSize = min(DefaultMinBatchSize, o.MaxBatchSize)
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Monitor == nil {
		o.Monitor = perf.NewMonitor(perf.DefaultCapacity)
	}
	return o
}

// Validate checks the options after defaults are applied.
func (o Options) Validate() error {
	switch {
	case o.MaxBatchSize < 1:
		return errors.Errorf("max batch size must be at least 1, got %d", o.MaxBatchSize)
	case o.MaxWait < 0:
		return errors.Errorf("max wait must not be negative, got %s", o.MaxWait)
	case o.MinBatchSize < 1 || o.MinBatchSize > o.MaxBatchSize:
		return errors.Errorf("min batch size must be in [1, %d], got %d", o.MaxBatchSize, o.MinBatchSize)
	case o.MaxQueuedBatches < 0:
		return errors.Errorf("max queued batches must not be negative, got %d", o.MaxQueuedBatches)
	}
	return nil
}
