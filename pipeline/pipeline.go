// Package pipeline runs frames through a primary detector and then every primary detection
// through a secondary detector, batching each stage across all frames of a call.
package pipeline

import (
	"context"
	"image"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.viam.com/batchvision/batching/batchutils"
	"go.viam.com/batchvision/batching/scheduler"
	"go.viam.com/batchvision/logging"
	"go.viam.com/batchvision/vision/objectdetection"
)

// Defaults for zero Config fields.
const (
	DefaultMaxDimDiff       = 32
	DefaultHeadroom         = 1.2
	DefaultAdaptiveInterval = 5 * time.Second
)

// Config configures a Pipeline.
type Config struct {
	Primary   scheduler.Options
	Secondary scheduler.Options

	// MaxDimDiff bounds how much ROIs batched together may differ in width or height.
	MaxDimDiff int
	// MinSecondaryInput pads small ROIs up to at least this size.
	MinSecondaryInput image.Point
	// MaxSecondaryInput downscales larger ROIs to fit. Zero disables downscaling.
	MaxSecondaryInput image.Point
	// PrimaryFilter is applied to each frame's primary detections before clipping.
	PrimaryFilter objectdetection.Postprocessor

	Adaptive AdaptiveConfig
}

// AdaptiveConfig drives periodic batch size adjustment from measured throughput.
type AdaptiveConfig struct {
	Enabled  bool
	Headroom float64
	Interval time.Duration
}

// Option changes how a Pipeline is built.
type Option func(*Pipeline)

// WithClock sets the clock both schedulers and the adaptive loop use.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) {
		p.clock = c
	}
}

// Pipeline is the two-stage batched detection pipeline.
type Pipeline struct {
	cfg       Config
	logger    logging.Logger
	clock     clock.Clock
	primary   *scheduler.Scheduler
	secondary *scheduler.Scheduler
	detectors []objectdetection.Detector
	workers   *goutils.StoppableWorkers

	// mu guards the batch size bounds the adaptive loop stays within
	mu           sync.Mutex
	primaryMax   int
	secondaryMax int
	primaryMin   int
	secondaryMin int

	calls    atomic.Uint64
	inFlight atomic.Int64
}

// New builds a Pipeline. A nil secondary detector skips the secondary stage. Once New succeeds
// the pipeline owns both detectors and closes them in Close.
func New(
	primary, secondary objectdetection.Detector,
	cfg Config,
	logger logging.Logger,
	opts ...Option,
) (*Pipeline, error) {
	if primary == nil {
		return nil, errors.New("pipeline needs a primary detector")
	}
	if logger == nil {
		logger = logging.NewBlankLogger("pipeline")
	}
	if cfg.MaxDimDiff == 0 {
		cfg.MaxDimDiff = DefaultMaxDimDiff
	}
	if cfg.Adaptive.Headroom == 0 {
		cfg.Adaptive.Headroom = DefaultHeadroom
	}
	if cfg.Adaptive.Interval == 0 {
		cfg.Adaptive.Interval = DefaultAdaptiveInterval
	}

	p := &Pipeline{cfg: cfg, logger: logger, detectors: []objectdetection.Detector{primary}}
	for _, opt := range opts {
		opt(p)
	}
	if p.clock == nil {
		p.clock = clock.New()
	}

	primaryOpts := cfg.Primary
	primaryOpts.Clock = p.clock
	if primaryOpts.Name == "" {
		primaryOpts.Name = StagePrimary
	}
	var err error
	p.primary, err = scheduler.New(primary, primaryOpts, logger.Sublogger(primaryOpts.Name))
	if err != nil {
		return nil, errors.Wrap(err, "building primary scheduler")
	}
	primaryStats := p.primary.Stats()
	p.primaryMax, p.primaryMin = primaryStats.MaxBatchSize, primaryStats.MinBatchSize

	if secondary != nil {
		secondaryOpts := cfg.Secondary
		secondaryOpts.Clock = p.clock
		if secondaryOpts.Name == "" {
			secondaryOpts.Name = StageSecondary
		}
		p.secondary, err = scheduler.New(secondary, secondaryOpts, logger.Sublogger(secondaryOpts.Name))
		if err != nil {
			return nil, multierr.Combine(errors.Wrap(err, "building secondary scheduler"), p.primary.Close())
		}
		secondaryStats := p.secondary.Stats()
		p.secondaryMax, p.secondaryMin = secondaryStats.MaxBatchSize, secondaryStats.MinBatchSize
		p.detectors = append(p.detectors, secondary)
	}

	if cfg.Adaptive.Enabled {
		p.workers = goutils.NewBackgroundStoppableWorkers(p.adaptLoop(p.clock.Ticker(cfg.Adaptive.Interval)))
	} else {
		p.workers = goutils.NewBackgroundStoppableWorkers()
	}
	return p, nil
}

// Schedulers returns the stage schedulers. The secondary is nil without a secondary detector.
func (p *Pipeline) Schedulers() (primary, secondary *scheduler.Scheduler) {
	return p.primary, p.secondary
}

// Stats returns a snapshot of both stages.
func (p *Pipeline) Stats() Stats {
	out := Stats{Primary: stageStats(p.primary), Calls: p.calls.Load(), InFlightCalls: p.inFlight.Load()}
	if p.secondary != nil {
		s := stageStats(p.secondary)
		out.Secondary = &s
	}
	return out
}

func stageStats(s *scheduler.Scheduler) StageStats {
	return StageStats{Scheduler: s.Stats(), Perf: s.Monitor().Stats()}
}

// SetMaxBatchSize changes the batch size of a stage. The new size is also the ceiling the
// adaptive loop stays within from now on.
func (p *Pipeline) SetMaxBatchSize(stage string, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ceiling, err := p.stageLocked(stage)
	if err != nil {
		return err
	}
	if err := s.SetMaxBatchSize(n); err != nil {
		return errors.Wrapf(err, "%s stage", stage)
	}
	*ceiling = n
	return nil
}

// SetMaxWait changes the accumulation window of a stage.
func (p *Pipeline) SetMaxWait(stage string, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, _, err := p.stageLocked(stage)
	if err != nil {
		return err
	}
	return errors.Wrapf(s.SetMaxWait(d), "%s stage", stage)
}

func (p *Pipeline) stageLocked(stage string) (*scheduler.Scheduler, *int, error) {
	switch {
	case stage == StagePrimary:
		return p.primary, &p.primaryMax, nil
	case stage == StageSecondary && p.secondary != nil:
		return p.secondary, &p.secondaryMax, nil
	case stage == StageSecondary:
		return nil, nil, errors.New("pipeline has no secondary stage")
	default:
		return nil, nil, errors.Errorf("unknown stage %q", stage)
	}
}

// Close stops the adaptive loop, closes both schedulers, draining queued batches, and then
// closes every detector that implements io.Closer.
func (p *Pipeline) Close() error {
	p.workers.Stop()
	err := p.primary.Close()
	if p.secondary != nil {
		err = multierr.Combine(err, p.secondary.Close())
	}
	for _, det := range p.detectors {
		if closer, ok := det.(io.Closer); ok {
			err = multierr.Combine(err, closer.Close())
		}
	}
	return err
}

// Process runs frames through both stages and returns one result per frame, in input order.
// A primary stage failure fails the whole call with a *StageError. Secondary failures are
// reported per object and per frame.
func (p *Pipeline) Process(ctx context.Context, frames []Frame) ([]FrameResult, error) {
	callID := uuid.NewString()
	start := p.clock.Now()
	p.calls.Inc()
	p.inFlight.Inc()
	defer p.inFlight.Dec()

	perFrame, err := p.runPrimary(ctx, frames)
	if err != nil {
		p.logger.Warnw("primary stage failed", "call", callID, "frames", len(frames), "error", err)
		return nil, &StageError{Stage: StagePrimary, Err: err}
	}

	results := make([]FrameResult, len(frames))
	for i, f := range frames {
		results[i] = FrameResult{
			StreamID:  f.StreamID,
			Index:     f.Index,
			Objects:   make([]ObjectResult, len(perFrame[i])),
			Secondary: StatusOK,
		}
		for j, det := range perFrame[i] {
			results[i].Objects[j] = ObjectResult{Detection: det, Status: StatusOK}
		}
	}

	if p.secondary == nil {
		for i := range results {
			results[i].Secondary = StatusSkipped
			for j := range results[i].Objects {
				results[i].Objects[j].Status = StatusSkipped
			}
		}
	} else if err := p.runSecondary(ctx, frames, perFrame, results); err != nil {
		return nil, &StageError{Stage: StageSecondary, Err: err}
	}

	p.logger.Debugw("processed frames",
		"call", callID,
		"frames", len(frames),
		"objects", lo.SumBy(results, func(r FrameResult) int { return len(r.Objects) }),
		"took", p.clock.Since(start))
	return results, nil
}

// runPrimary submits every frame before waiting on any, so frames of one call share batches.
func (p *Pipeline) runPrimary(ctx context.Context, frames []Frame) ([][]objectdetection.Detection, error) {
	reqs := make([]*scheduler.Request, 0, len(frames))
	for i, f := range frames {
		req, err := p.primary.Submit(scheduler.Item{Image: f.Image, StreamID: f.StreamID, FrameIndex: f.Index})
		if err != nil {
			for _, r := range reqs {
				r.Cancel()
			}
			return nil, errors.Wrapf(err, "submitting frame %d", i)
		}
		reqs = append(reqs, req)
	}

	out := make([][]objectdetection.Detection, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			dets, err := req.Wait(gctx)
			if err != nil {
				return errors.Wrapf(err, "frame %d of stream %q", frames[i].Index, frames[i].StreamID)
			}
			bounds := frames[i].Image.Bounds()
			filter := objectdetection.Chain(p.cfg.PrimaryFilter, objectdetection.NewClipFilter(bounds))
			out[i] = filter(dets)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

type roi struct {
	req *scheduler.Request
	err error
	// maps secondary detections from detector input coordinates back to the frame
	box    image.Rectangle
	offset image.Point
	scaled image.Point
}

type secondaryOutcome struct {
	dets []objectdetection.Detection
	err  error
}

func (p *Pipeline) runSecondary(
	ctx context.Context,
	frames []Frame,
	perFrame [][]objectdetection.Detection,
	results []FrameResult,
) error {
	boxes := lo.Map(perFrame, func(dets []objectdetection.Detection, _ int) []image.Rectangle {
		return lo.Map(dets, func(d objectdetection.Detection, _ int) image.Rectangle { return *d.BoundingBox() })
	})
	flat, mapping := batchutils.Flatten(boxes)
	if len(flat) == 0 {
		return nil
	}

	arena := batchutils.NewArena()
	defer arena.Release()

	rois := make([]roi, len(flat))
	sizes := lo.Map(flat, func(r image.Rectangle, _ int) image.Point { return r.Size() })
	groups := batchutils.GroupBySize(sizes, p.cfg.MaxDimDiff)
	for _, group := range groups {
		target := batchutils.TargetSize(group, p.cfg.MinSecondaryInput, p.cfg.MaxSecondaryInput)
		for _, idx := range group.Indices {
			slot := mapping.Slot(idx)
			frame := frames[slot.Frame]
			crop := batchutils.ShrinkToFit(arena.Crop(frame.Image, flat[idx]), p.cfg.MaxSecondaryInput)
			scaled := crop.Bounds().Size()
			parent := flat[idx]
			rois[idx] = roi{
				box:    flat[idx],
				scaled: scaled,
				offset: batchutils.PadOffset(scaled, target),
			}
			rois[idx].req, rois[idx].err = p.secondary.Submit(scheduler.Item{
				Image:      batchutils.PadToSize(crop, target),
				StreamID:   frame.StreamID,
				FrameIndex: frame.Index,
				Parent:     &parent,
			})
		}
	}
	p.logger.Debugw("submitted secondary crops",
		"rois", len(flat), "groups", len(groups), "crop_memory", units.BytesSize(float64(arena.Used())))

	outcomes := make([]secondaryOutcome, len(rois))
	for i, r := range rois {
		if r.err != nil {
			outcomes[i].err = r.err
			continue
		}
		dets, err := r.req.Wait(ctx)
		if err != nil {
			outcomes[i].err = err
			continue
		}
		outcomes[i].dets = lo.FilterMap(dets, func(d objectdetection.Detection, _ int) (objectdetection.Detection, bool) {
			return r.toFrame(d)
		})
	}

	scattered, err := batchutils.MapResults(outcomes, mapping)
	if err != nil {
		return err
	}
	for f, objs := range scattered {
		for j, o := range objs {
			obj := &results[f].Objects[j]
			if o.err != nil {
				obj.Status = StatusFailed
				obj.Err = o.err
				results[f].Secondary = StatusFailed
				continue
			}
			obj.Secondary = o.dets
		}
	}
	if failed := lo.CountBy(outcomes, func(o secondaryOutcome) bool { return o.err != nil }); failed > 0 {
		p.logger.Warnw("secondary stage failed for some objects", "objects", len(outcomes), "failed", failed)
	}
	return nil
}

// toFrame maps a detection on the padded detector input back into frame coordinates, clipped to
// the ROI. Detections that fall entirely outside the ROI are dropped.
func (r roi) toFrame(d objectdetection.Detection) (objectdetection.Detection, bool) {
	box := d.BoundingBox().Sub(r.offset)
	if r.scaled != r.box.Size() {
		sx := float64(r.box.Dx()) / float64(r.scaled.X)
		sy := float64(r.box.Dy()) / float64(r.scaled.Y)
		box = image.Rect(
			int(float64(box.Min.X)*sx), int(float64(box.Min.Y)*sy),
			int(float64(box.Max.X)*sx), int(float64(box.Max.Y)*sy),
		)
	}
	box = box.Add(r.box.Min).Intersect(r.box)
	if box.Empty() {
		return nil, false
	}
	return objectdetection.NewDetection(box, d.Score(), d.Label()), true
}
