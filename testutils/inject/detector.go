// Package inject provides detectors whose behavior tests set through function fields.
package inject

import (
	"context"
	"image"
	"io"

	"go.viam.com/batchvision/vision/objectdetection"
)

// Detector is an injectable objectdetection.Detector.
type Detector struct {
	objectdetection.Detector
	DetectFunc func(ctx context.Context, img image.Image) ([]objectdetection.Detection, error)
	CloseFunc  func() error
}

// Detect calls the injected Detect or the real variant.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
	if d.DetectFunc == nil {
		return d.Detector.Detect(ctx, img)
	}
	return d.DetectFunc(ctx, img)
}

// Close calls the injected Close, or closes the real detector when it is an io.Closer.
func (d *Detector) Close() error {
	if d.CloseFunc == nil {
		if closer, ok := d.Detector.(io.Closer); ok {
			return closer.Close()
		}
		return nil
	}
	return d.CloseFunc()
}

// BatchDetector is an injectable objectdetection.BatchDetector.
type BatchDetector struct {
	Detector
	DetectBatchFunc func(ctx context.Context, imgs []image.Image) ([][]objectdetection.Detection, error)
}

// DetectBatch calls the injected DetectBatch, or loops over Detect when none is set.
func (d *BatchDetector) DetectBatch(ctx context.Context, imgs []image.Image) ([][]objectdetection.Detection, error) {
	if d.DetectBatchFunc == nil {
		return objectdetection.Looping{Detector: &d.Detector}.DetectBatch(ctx, imgs)
	}
	return d.DetectBatchFunc(ctx, imgs)
}
