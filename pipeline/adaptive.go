package pipeline

import (
	"context"

	"github.com/benbjohnson/clock"

	"go.viam.com/batchvision/batching/batchutils"
	"go.viam.com/batchvision/batching/scheduler"
)

func (p *Pipeline) adaptLoop(ticker *clock.Ticker) func(context.Context) {
	return func(ctx context.Context) {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.AdjustBatchSizes()
			}
		}
	}
}

// AdjustBatchSizes sets each stage's max batch size from its measured throughput, never above
// the size the stage was configured with or last set to through SetMaxBatchSize. Stages with no
// recorded batches are left alone.
func (p *Pipeline) AdjustBatchSizes() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adjust(p.primary, p.primaryMin, p.primaryMax)
	if p.secondary != nil {
		p.adjust(p.secondary, p.secondaryMin, p.secondaryMax)
	}
}

func (p *Pipeline) adjust(s *scheduler.Scheduler, floor, ceiling int) {
	perf := s.Monitor().Stats()
	if perf.Samples == 0 {
		return
	}
	current := s.Stats()
	size := batchutils.ComputeAdaptiveBatchSize(perf.Throughput, p.cfg.Adaptive.Headroom, batchutils.Bounds{
		Min:    min(floor, ceiling),
		Max:    ceiling,
		Window: current.MaxWait,
	})
	if size == current.MaxBatchSize {
		return
	}
	if err := s.SetMaxBatchSize(size); err != nil {
		p.logger.Warnw("cannot adjust batch size", "scheduler", s.Name(), "size", size, "error", err)
		return
	}
	p.logger.Infow("adjusted batch size",
		"scheduler", s.Name(),
		"from", current.MaxBatchSize,
		"to", size,
		"throughput", perf.Throughput)
}
