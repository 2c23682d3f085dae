// Package config defines the batchvision service configuration and how it is read, validated,
// and turned into pipeline options.
package config

import (
	"image"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/batchvision/batching/perf"
	"go.viam.com/batchvision/batching/scheduler"
	"go.viam.com/batchvision/logging"
	"go.viam.com/batchvision/pipeline"
	"go.viam.com/batchvision/vision/objectdetection"
)

// DefaultWebAddr is where the stats server listens when web.addr is unset.
const DefaultWebAddr = "localhost:8090"

// Config is the whole service configuration.
type Config struct {
	Batching        BatchingConfig  `json:"batching"`
	Pipeline        PipelineConfig  `json:"pipeline"`
	Detectors       DetectorsConfig `json:"detectors"`
	Log             logging.Config  `json:"log"`
	Web             WebConfig       `json:"web"`
	MonitorCapacity int             `json:"monitor_capacity,omitempty"`

	// ConfigFilePath is the file the config was read from, if any.
	ConfigFilePath string `json:"-"`
}

// BatchingConfig holds one scheduler section per stage.
type BatchingConfig struct {
	Primary   StageConfig `json:"primary"`
	Secondary StageConfig `json:"secondary"`
}

// StageConfig configures one stage's scheduler. Zero fields take the scheduler defaults.
type StageConfig struct {
	MaxBatchSize     int `json:"max_batch_size,omitempty"`
	MaxWaitTimeMs    int `json:"max_wait_time_ms,omitempty"`
	MinBatchSize     int `json:"min_batch_size,omitempty"`
	MaxQueuedBatches int `json:"max_queued_batches,omitempty"`
}

// Size is a width and height in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Point returns s as an image.Point.
func (s Size) Point() image.Point {
	return image.Pt(s.Width, s.Height)
}

// PipelineConfig configures ROI grouping, primary filtering, and adaptive batch sizing.
type PipelineConfig struct {
	MaxDimDiff        int            `json:"max_dim_diff,omitempty"`
	MinSecondaryInput Size           `json:"min_secondary_input"`
	MaxSecondaryInput Size           `json:"max_secondary_input"`
	MinScore          float64        `json:"min_score,omitempty"`
	Labels            []string       `json:"labels,omitempty"`
	MinArea           int            `json:"min_area,omitempty"`
	Adaptive          AdaptiveConfig `json:"adaptive"`
}

// AdaptiveConfig configures the adaptive batch size loop.
type AdaptiveConfig struct {
	Enabled    bool    `json:"enabled"`
	Headroom   float64 `json:"headroom,omitempty"`
	IntervalMs int     `json:"interval_ms,omitempty"`
}

// DetectorsConfig names the detector of each stage. A missing secondary skips the secondary
// stage.
type DetectorsConfig struct {
	Primary   DetectorConfig  `json:"primary"`
	Secondary *DetectorConfig `json:"secondary,omitempty"`
}

// DetectorConfig selects a registered detector type and its attributes.
type DetectorConfig struct {
	Type       string                 `json:"type"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// WebConfig configures the stats server.
type WebConfig struct {
	Addr string `json:"addr,omitempty"`
	// CORSOrigins lists browser origins allowed to call the server.
	CORSOrigins []string `json:"cors_origins,omitempty"`
}

// Validate returns every problem in the config rather than stopping at the first.
func (c *Config) Validate() error {
	var err error
	err = multierr.Append(err, c.Batching.Primary.Validate("batching.primary"))
	err = multierr.Append(err, c.Batching.Secondary.Validate("batching.secondary"))
	err = multierr.Append(err, c.Pipeline.Validate("pipeline"))
	err = multierr.Append(err, c.Detectors.Primary.Validate("detectors.primary"))
	if c.Detectors.Secondary != nil {
		err = multierr.Append(err, c.Detectors.Secondary.Validate("detectors.secondary"))
	}
	if c.MonitorCapacity < 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError("monitor_capacity",
			errors.Errorf("must not be negative, got %d", c.MonitorCapacity)))
	}
	return err
}

// Validate checks a stage section. Zero values are valid and mean the default.
func (sc StageConfig) Validate(path string) error {
	var err error
	if sc.MaxBatchSize < 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path,
			errors.Errorf("max_batch_size must not be negative, got %d", sc.MaxBatchSize)))
	}
	if sc.MaxWaitTimeMs < 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path,
			errors.Errorf("max_wait_time_ms must not be negative, got %d", sc.MaxWaitTimeMs)))
	}
	if sc.MinBatchSize < 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path,
			errors.Errorf("min_batch_size must not be negative, got %d", sc.MinBatchSize)))
	}
	if sc.MaxBatchSize > 0 && sc.MinBatchSize > sc.MaxBatchSize {
		err = multierr.Append(err, goutils.NewConfigValidationError(path,
			errors.Errorf("min_batch_size %d exceeds max_batch_size %d", sc.MinBatchSize, sc.MaxBatchSize)))
	}
	if sc.MaxQueuedBatches < 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path,
			errors.Errorf("max_queued_batches must not be negative, got %d", sc.MaxQueuedBatches)))
	}
	return err
}

// Validate checks the pipeline section.
func (pc PipelineConfig) Validate(path string) error {
	var err error
	if pc.MaxDimDiff < 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path,
			errors.Errorf("max_dim_diff must not be negative, got %d", pc.MaxDimDiff)))
	}
	if pc.MinSecondaryInput.Width < 0 || pc.MinSecondaryInput.Height < 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path, errors.New("min_secondary_input must not be negative")))
	}
	if pc.MaxSecondaryInput.Width < 0 || pc.MaxSecondaryInput.Height < 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path, errors.New("max_secondary_input must not be negative")))
	}
	if pc.MinScore < 0 || pc.MinScore > 1 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path,
			errors.Errorf("min_score must be in [0, 1], got %v", pc.MinScore)))
	}
	if pc.MinArea < 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path,
			errors.Errorf("min_area must not be negative, got %d", pc.MinArea)))
	}
	if pc.Adaptive.Headroom < 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path+".adaptive",
			errors.Errorf("headroom must not be negative, got %v", pc.Adaptive.Headroom)))
	}
	if pc.Adaptive.IntervalMs < 0 {
		err = multierr.Append(err, goutils.NewConfigValidationError(path+".adaptive",
			errors.Errorf("interval_ms must not be negative, got %d", pc.Adaptive.IntervalMs)))
	}
	return err
}

// Validate checks that the detector type is set and registered.
func (dc DetectorConfig) Validate(path string) error {
	if dc.Type == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "type")
	}
	if lo.Contains(objectdetection.RegisteredDetectors(), dc.Type) {
		return nil
	}
	return goutils.NewConfigValidationError(path, errors.Errorf("unknown detector type %q", dc.Type))
}

// Build constructs the configured detector.
func (dc DetectorConfig) Build(logger logging.Logger) (objectdetection.Detector, error) {
	return objectdetection.NewDetector(dc.Type, dc.Attributes, logger)
}

// Options converts a stage section into scheduler options under name. Each stage gets its own
// monitor holding capacity samples.
func (sc StageConfig) Options(name string, capacity int) scheduler.Options {
	return scheduler.Options{
		Name:             name,
		MaxBatchSize:     sc.MaxBatchSize,
		MaxWait:          time.Duration(sc.MaxWaitTimeMs) * time.Millisecond,
		MinBatchSize:     sc.MinBatchSize,
		MaxQueuedBatches: sc.MaxQueuedBatches,
		Monitor:          perf.NewMonitor(capacity),
	}
}

// PipelineConfig converts the config into pipeline options.
func (c *Config) PipelineConfig() pipeline.Config {
	var filters []objectdetection.Postprocessor
	if c.Pipeline.MinScore > 0 {
		filters = append(filters, objectdetection.NewScoreFilter(c.Pipeline.MinScore))
	}
	if len(c.Pipeline.Labels) > 0 {
		filters = append(filters, objectdetection.NewLabelFilter(c.Pipeline.Labels))
	}
	if c.Pipeline.MinArea > 0 {
		filters = append(filters, objectdetection.NewAreaFilter(c.Pipeline.MinArea))
	}
	var filter objectdetection.Postprocessor
	if len(filters) > 0 {
		filter = objectdetection.Chain(filters...)
	}

	return pipeline.Config{
		Primary:           c.Batching.Primary.Options("primary", c.MonitorCapacity),
		Secondary:         c.Batching.Secondary.Options("secondary", c.MonitorCapacity),
		MaxDimDiff:        c.Pipeline.MaxDimDiff,
		MinSecondaryInput: c.Pipeline.MinSecondaryInput.Point(),
		MaxSecondaryInput: c.Pipeline.MaxSecondaryInput.Point(),
		PrimaryFilter:     filter,
		Adaptive: pipeline.AdaptiveConfig{
			Enabled:  c.Pipeline.Adaptive.Enabled,
			Headroom: c.Pipeline.Adaptive.Headroom,
			Interval: time.Duration(c.Pipeline.Adaptive.IntervalMs) * time.Millisecond,
		},
	}
}

// BuildPipeline constructs both detectors and the pipeline that drives them. The pipeline owns
// the detectors; on error any detector already built is closed.
func (c *Config) BuildPipeline(logger logging.Logger, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	primary, err := c.Detectors.Primary.Build(logger.Sublogger("detector"))
	if err != nil {
		return nil, errors.Wrap(err, "building primary detector")
	}
	var secondary objectdetection.Detector
	if c.Detectors.Secondary != nil {
		secondary, err = c.Detectors.Secondary.Build(logger.Sublogger("detector"))
		if err != nil {
			return nil, multierr.Combine(errors.Wrap(err, "building secondary detector"), closeDetector(primary))
		}
	}
	p, err := pipeline.New(primary, secondary, c.PipelineConfig(), logger, opts...)
	if err != nil {
		return nil, multierr.Combine(err, closeDetector(primary), closeDetector(secondary))
	}
	return p, nil
}

func closeDetector(det objectdetection.Detector) error {
	if closer, ok := det.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// ApplyBatching pushes the batch size and wait of c into a running pipeline. Other fields need a
// restart to take effect.
func (c *Config) ApplyBatching(p *pipeline.Pipeline) error {
	err := applyStage(p, pipeline.StagePrimary, c.Batching.Primary)
	if _, secondary := p.Schedulers(); secondary != nil {
		err = multierr.Append(err, applyStage(p, pipeline.StageSecondary, c.Batching.Secondary))
	}
	return err
}

func applyStage(p *pipeline.Pipeline, stage string, sc StageConfig) error {
	var err error
	if sc.MaxBatchSize > 0 {
		err = multierr.Append(err, p.SetMaxBatchSize(stage, sc.MaxBatchSize))
	}
	if sc.MaxWaitTimeMs > 0 {
		err = multierr.Append(err, p.SetMaxWait(stage, time.Duration(sc.MaxWaitTimeMs)*time.Millisecond))
	}
	return errors.Wrapf(err, "reconfiguring %s", stage)
}
