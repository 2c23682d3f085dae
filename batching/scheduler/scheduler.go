// Package scheduler coalesces independently submitted detection items into batches and runs each
// batch through a single detector call, delivering every item's result to its own Request.
//
// A scheduler is Idle until the first item arrives. That item opens an accumulating batch and
// arms the batch's flush timer. The batch is sealed when it reaches MaxBatchSize or when its
// timer fires, whichever comes first, and sealed batches are handed to one worker goroutine in
// FIFO order. Items arriving while a batch is being detected open the next batch.
package scheduler

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	goutils "go.viam.com/utils"

	"go.viam.com/batchvision/batching/perf"
	"go.viam.com/batchvision/logging"
	"go.viam.com/batchvision/vision/objectdetection"
)

// FlushReason says why a batch was sealed.
type FlushReason string

// The ways a batch gets sealed.
const (
	FlushSize    FlushReason = "size"
	FlushTimeout FlushReason = "timeout"
	FlushClose   FlushReason = "close"
)

type batch struct {
	id      uint64
	reqs    []*Request
	started time.Time
	timer   *clock.Timer
	sealed  bool
	reason  FlushReason
}

// Stats is a snapshot of a scheduler's counters.
type Stats struct {
	Name      string
	Submitted uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64

	FlushesBySize    uint64
	FlushesByTimeout uint64
	FlushesByClose   uint64

	// Pending is the number of items in the accumulating batch.
	Pending int
	// QueuedBatches counts sealed batches not yet handed to the detector.
	QueuedBatches int
	Flushing      bool

	MaxBatchSize int
	MinBatchSize int
	MaxWait      time.Duration
}

// Scheduler batches items for one detector.
type Scheduler struct {
	detector objectdetection.Detector
	logger   logging.Logger
	clock    clock.Clock
	monitor  *perf.Monitor
	name     string

	mu   sync.Mutex
	opts Options
	// minBatchSize is the configured min; opts.MinBatchSize is clamped to the current max
	minBatchSize int
	current      *batch
	queue        []*batch
	flushing     bool
	closed       bool
	nextBatch    uint64
	stats        Stats

	wake       chan struct{}
	workerDone chan struct{}
	cancelCtx  context.Context
	cancelFunc context.CancelFunc
}

// New returns a running Scheduler feeding det. Close must be called to stop its worker.
func New(det objectdetection.Detector, opts Options, logger logging.Logger) (*Scheduler, error) {
	if det == nil {
		return nil, errors.New("scheduler needs a detector")
	}
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewBlankLogger(opts.Name)
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		detector:     det,
		logger:       logger,
		clock:        opts.Clock,
		monitor:      opts.Monitor,
		name:         opts.Name,
		opts:         opts,
		minBatchSize: opts.MinBatchSize,
		wake:         make(chan struct{}, 1),
		workerDone:   make(chan struct{}),
		cancelCtx:    cancelCtx,
		cancelFunc:   cancel,
	}
	goutils.PanicCapturingGo(s.run)
	return s, nil
}

// Monitor returns the performance monitor the scheduler records batches to.
func (s *Scheduler) Monitor() *perf.Monitor {
	return s.monitor
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string {
	return s.name
}

// Submit validates item and adds it to the accumulating batch. It never blocks on detection.
func (s *Scheduler) Submit(item Item) (*Request, error) {
	if err := item.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.current == nil {
		if s.opts.MaxQueuedBatches > 0 && len(s.queue) >= s.opts.MaxQueuedBatches {
			return nil, ErrQueueFull
		}
		s.current = s.openBatchLocked()
	}
	req := &Request{
		item:     item,
		enqueued: s.clock.Now(),
		sched:    s,
		b:        s.current,
		done:     make(chan struct{}),
	}
	s.current.reqs = append(s.current.reqs, req)
	s.stats.Submitted++
	if len(s.current.reqs) >= s.opts.MaxBatchSize {
		s.sealLocked(FlushSize)
	}
	return req, nil
}

// Schedule submits item and waits for its result.
func (s *Scheduler) Schedule(ctx context.Context, item Item) ([]objectdetection.Detection, error) {
	req, err := s.Submit(item)
	if err != nil {
		return nil, err
	}
	return req.Wait(ctx)
}

// SetMaxBatchSize changes the size at which batches are sealed. An accumulating batch already at
// or above n is sealed immediately.
func (s *Scheduler) SetMaxBatchSize(n int) error {
	if n < 1 {
		return errors.Errorf("max batch size must be at least 1, got %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == s.opts.MaxBatchSize {
		return nil
	}
	s.logger.Debugw("max batch size changed", "scheduler", s.name, "from", s.opts.MaxBatchSize, "to", n)
	s.opts.MaxBatchSize = n
	s.opts.MinBatchSize = min(s.minBatchSize, n)
	if s.current != nil && len(s.current.reqs) >= n {
		s.sealLocked(FlushSize)
	}
	return nil
}

// SetMaxWait changes the accumulation window for batches opened after the call.
func (s *Scheduler) SetMaxWait(d time.Duration) error {
	if d < 0 {
		return errors.Errorf("max wait must not be negative, got %s", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.MaxWait = d
	return nil
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.Name = s.name
	if s.current != nil {
		out.Pending = len(s.current.reqs)
	}
	out.QueuedBatches = len(s.queue)
	out.Flushing = s.flushing
	out.MaxBatchSize = s.opts.MaxBatchSize
	out.MinBatchSize = s.opts.MinBatchSize
	out.MaxWait = s.opts.MaxWait
	return out
}

// Close seals the accumulating batch, waits for every sealed batch to be detected and stops the
// worker. Submissions after Close fail with ErrClosed.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.workerDone
		return nil
	}
	s.closed = true
	if s.current != nil {
		s.sealLocked(FlushClose)
	}
	s.signalLocked()
	s.mu.Unlock()

	<-s.workerDone
	s.cancelFunc()
	return nil
}

func (s *Scheduler) openBatchLocked() *batch {
	s.nextBatch++
	b := &batch{id: s.nextBatch, started: s.clock.Now()}
	b.timer = s.clock.AfterFunc(s.opts.MaxWait, func() { s.timerFired(b) })
	return b
}

func (s *Scheduler) timerFired(b *batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// the batch may already have been sealed by size or emptied by cancellation
	if s.current != b {
		return
	}
	s.sealLocked(FlushTimeout)
}

func (s *Scheduler) sealLocked(reason FlushReason) {
	b := s.current
	s.current = nil
	b.timer.Stop()
	b.sealed = true
	b.reason = reason
	switch reason {
	case FlushSize:
		s.stats.FlushesBySize++
	case FlushTimeout:
		s.stats.FlushesByTimeout++
	case FlushClose:
		s.stats.FlushesByClose++
	}
	s.queue = append(s.queue, b)
	s.signalLocked()
}

func (s *Scheduler) signalLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) cancel(r *Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := r.b
	if b == nil || b.sealed || s.current != b {
		return false
	}
	b.reqs = lo.Without(b.reqs, r)
	r.b = nil
	s.stats.Cancelled++
	if len(b.reqs) == 0 {
		b.timer.Stop()
		s.current = nil
	}
	r.resolve(nil, ErrCancelled)
	return true
}

func (s *Scheduler) run() {
	defer close(s.workerDone)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		b := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.flushing = true
		s.mu.Unlock()

		s.flush(b)

		s.mu.Lock()
		s.flushing = false
		s.mu.Unlock()
	}
}

func (s *Scheduler) flush(b *batch) {
	imgs := lo.Map(b.reqs, func(r *Request, _ int) image.Image { return r.item.Image })
	s.logger.Debugw("flushing batch",
		"scheduler", s.name,
		"batch", b.id,
		"size", len(imgs),
		"reason", b.reason,
		"waited", s.clock.Since(b.started))

	start := s.clock.Now()
	results, err := s.detect(imgs)
	s.monitor.RecordBatch(len(imgs), s.clock.Since(start))

	if err != nil {
		derr := &DetectorError{BatchID: b.id, Size: len(b.reqs), Err: err}
		s.logger.Errorw("detector failed",
			"scheduler", s.name,
			"batch", b.id,
			"size", len(b.reqs),
			"streams", lo.Map(b.reqs, func(r *Request, _ int) string { return r.item.StreamID }),
			"frames", lo.Map(b.reqs, func(r *Request, _ int) int64 { return r.item.FrameIndex }),
			"error", err)
		s.mu.Lock()
		s.stats.Failed += uint64(len(b.reqs))
		s.mu.Unlock()
		for _, r := range b.reqs {
			r.resolve(nil, derr)
		}
		return
	}

	s.mu.Lock()
	s.stats.Completed += uint64(len(b.reqs))
	s.mu.Unlock()
	for i, r := range b.reqs {
		r.resolve(results[i], nil)
	}
}

func (s *Scheduler) detect(imgs []image.Image) (results [][]objectdetection.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = errors.Errorf("detector panicked: %v", r)
		}
	}()
	return objectdetection.DetectBatch(s.cancelCtx, s.detector, imgs)
}
