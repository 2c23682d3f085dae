// Package onnx runs a YOLO style ONNX model through ONNX Runtime as a batched detector. The
// model is bound to one fixed [max_batch, 3, height, width] input tensor; shorter batches fill the
// leading slots and zero the rest.
package onnx

import (
	"context"
	"image"
	"runtime"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"go.viam.com/batchvision/logging"
	"go.viam.com/batchvision/vision/objectdetection"
)

// DetectorType is the registry name of the ONNX detector.
const DetectorType = "onnx"

func init() {
	objectdetection.RegisterDetector(DetectorType, func(attributes map[string]interface{}, logger logging.Logger) (objectdetection.Detector, error) {
		var cfg Config
		if err := objectdetection.DecodeAttributes(attributes, &cfg); err != nil {
			return nil, err
		}
		return NewDetector(cfg, logger)
	})
	objectdetection.RegisterDetectorSchema(DetectorType, jsonschema.Reflect(&Config{}))
}

// Config describes the model and how to read its output.
type Config struct {
	ModelPath string `json:"model_path"`
	// LibraryPath points at the onnxruntime shared library. Empty uses the loader's default.
	LibraryPath string   `json:"library_path"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	InputWidth  int      `json:"input_width"`
	InputHeight int      `json:"input_height"`
	MaxBatch    int      `json:"max_batch"`
	Predictions int      `json:"predictions"`
	Labels      []string `json:"labels"`
	Confidence  float64  `json:"confidence"`
	IOU         float64  `json:"iou"`
	Threads     int      `json:"threads"`
}

func (cfg Config) withDefaults() Config {
	if cfg.InputName == "" {
		cfg.InputName = "images"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output0"
	}
	if cfg.InputWidth == 0 {
		cfg.InputWidth = 640
	}
	if cfg.InputHeight == 0 {
		cfg.InputHeight = 640
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = 16
	}
	if cfg.Predictions == 0 {
		cfg.Predictions = 8400
	}
	if len(cfg.Labels) == 0 {
		cfg.Labels = []string{"person"}
	}
	if cfg.Confidence == 0 {
		cfg.Confidence = 0.5
	}
	if cfg.IOU == 0 {
		cfg.IOU = 0.45
	}
	if cfg.Threads == 0 {
		cfg.Threads = runtime.NumCPU()
	}
	return cfg
}

// Validate checks a config after defaults are applied.
func (cfg Config) Validate() error {
	var err error
	if cfg.ModelPath == "" {
		err = multierr.Append(err, errors.New("model_path is required"))
	}
	if cfg.InputWidth < 1 || cfg.InputHeight < 1 {
		err = multierr.Append(err, errors.Errorf("input size must be positive, got %dx%d", cfg.InputWidth, cfg.InputHeight))
	}
	if cfg.MaxBatch < 1 {
		err = multierr.Append(err, errors.Errorf("max_batch must be at least 1, got %d", cfg.MaxBatch))
	}
	if cfg.Confidence < 0 || cfg.Confidence > 1 {
		err = multierr.Append(err, errors.Errorf("confidence must be in [0, 1], got %v", cfg.Confidence))
	}
	if cfg.IOU < 0 || cfg.IOU > 1 {
		err = multierr.Append(err, errors.Errorf("iou must be in [0, 1], got %v", cfg.IOU))
	}
	return err
}

var (
	envOnce sync.Once
	envErr  error
)

func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Detector is a BatchDetector backed by one ONNX Runtime session.
type Detector struct {
	cfg    Config
	logger logging.Logger

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewDetector loads the model described by cfg.
func NewDetector(cfg Config, logger logging.Logger) (*Detector, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewBlankLogger("onnx")
	}
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, errors.Wrap(err, "initializing onnxruntime")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating session options")
	}
	defer func() {
		if err := options.Destroy(); err != nil {
			logger.Warnw("destroying session options", "error", err)
		}
	}()
	if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
		return nil, errors.Wrap(err, "setting intra op threads")
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(
		int64(cfg.MaxBatch), 3, int64(cfg.InputHeight), int64(cfg.InputWidth)))
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(
		int64(cfg.MaxBatch), int64(4+len(cfg.Labels)), int64(cfg.Predictions)))
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "creating output tensor"), input.Destroy())
	}
	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "loading model %q", cfg.ModelPath), input.Destroy(), output.Destroy())
	}

	logger.Infow("loaded model",
		"path", cfg.ModelPath,
		"batch", cfg.MaxBatch,
		"input", image.Pt(cfg.InputWidth, cfg.InputHeight),
		"labels", cfg.Labels)
	return &Detector{cfg: cfg, logger: logger, session: session, input: input, output: output}, nil
}

// Detect runs a batch of one.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
	out, err := d.DetectBatch(ctx, []image.Image{img})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// DetectBatch runs imgs through the model max_batch images at a time.
func (d *Detector) DetectBatch(ctx context.Context, imgs []image.Image) ([][]objectdetection.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, errors.New("onnx detector is closed")
	}

	out := make([][]objectdetection.Detection, 0, len(imgs))
	for start := 0; start < len(imgs); start += d.cfg.MaxBatch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk := imgs[start:min(start+d.cfg.MaxBatch, len(imgs))]
		dets, err := d.runChunk(chunk)
		if err != nil {
			return nil, errors.Wrapf(err, "running images %d to %d", start, start+len(chunk))
		}
		out = append(out, dets...)
	}
	return out, nil
}

func (d *Detector) runChunk(imgs []image.Image) ([][]objectdetection.Detection, error) {
	w, h := d.cfg.InputWidth, d.cfg.InputHeight
	data := d.input.GetData()
	for slot := 0; slot < d.cfg.MaxBatch; slot++ {
		if slot < len(imgs) {
			fillSlot(data, slot, imgs[slot], w, h)
		} else {
			clearSlot(data, slot, w, h)
		}
	}
	if err := d.session.Run(); err != nil {
		return nil, err
	}

	raw := d.output.GetData()
	out := make([][]objectdetection.Detection, len(imgs))
	for slot, img := range imgs {
		dets := decodeSlot(raw, slot, d.cfg.Labels, d.cfg.Predictions,
			image.Pt(w, h), img.Bounds().Size(), d.cfg.Confidence)
		kept := suppress(dets, d.cfg.IOU)
		for i, det := range kept {
			kept[i] = objectdetection.Translate(det, img.Bounds().Min)
		}
		out[slot] = kept
	}
	return out, nil
}

// Close releases the session and its tensors.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	err := multierr.Combine(d.session.Destroy(), d.input.Destroy(), d.output.Destroy())
	d.session = nil
	return err
}
