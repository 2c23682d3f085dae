package objectdetection

import (
	"context"
	"image"

	"github.com/pkg/errors"
)

// Detector finds objects in a single image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// BatchDetector is a Detector that can run many images in one inference call. Implementations
// must return exactly one result per input image, in input order, and the result for an image
// must not depend on which other images share the call.
type BatchDetector interface {
	Detector
	DetectBatch(ctx context.Context, imgs []image.Image) ([][]Detection, error)
}

// DetectorFunc adapts a plain function into a Detector.
type DetectorFunc func(ctx context.Context, img image.Image) ([]Detection, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	return f(ctx, img)
}

// Looping gives any Detector a DetectBatch that calls Detect once per image. Embed it in
// detectors that have no native batched inference path.
type Looping struct {
	Detector
}

// DetectBatch runs Detect on each image in order. The first failure fails the whole batch.
func (l Looping) DetectBatch(ctx context.Context, imgs []image.Image) ([][]Detection, error) {
	return detectEach(ctx, l.Detector, imgs)
}

// DetectBatch runs imgs through d in one call. It uses d's own DetectBatch when d is a
// BatchDetector and falls back to one Detect per image otherwise. A detector that returns the
// wrong number of results is reported as an error.
func DetectBatch(ctx context.Context, d Detector, imgs []image.Image) ([][]Detection, error) {
	var (
		out [][]Detection
		err error
	)
	if bd, ok := d.(BatchDetector); ok {
		out, err = bd.DetectBatch(ctx, imgs)
	} else {
		out, err = detectEach(ctx, d, imgs)
	}
	if err != nil {
		return nil, err
	}
	if len(out) != len(imgs) {
		return nil, errors.Errorf("detector returned %d results for %d images", len(out), len(imgs))
	}
	return out, nil
}

func detectEach(ctx context.Context, d Detector, imgs []image.Image) ([][]Detection, error) {
	out := make([][]Detection, 0, len(imgs))
	for i, img := range imgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dets, err := d.Detect(ctx, img)
		if err != nil {
			return nil, errors.Wrapf(err, "detecting image %d of %d", i, len(imgs))
		}
		out = append(out, dets)
	}
	return out, nil
}
