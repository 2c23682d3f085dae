package objectdetection

import (
	"context"
	"image"
	"image/color"

	"github.com/pkg/errors"
)

// SimpleDetectorConfig configures a SimpleDetector.
type SimpleDetectorConfig struct {
	// Threshold is between 0.0 and 256.0, with 256.0 being white, and 0.0 being black.
	Threshold float64 `json:"threshold"`
	// MinArea drops components smaller than this many pixels of bounding box.
	MinArea int    `json:"min_area,omitempty"`
	Label   string `json:"label,omitempty"`
}

// SimpleDetector converts an image to gray and then finds the connected components with values
// below a certain luminance threshold. It needs no model, which makes it useful for local testing
// and as a stand-in primary detector.
type SimpleDetector struct {
	cfg SimpleDetectorConfig
}

// NewSimpleDetector creates a detector that looks for dark objects in the image. It finds
// pixels below the set threshold, and returns bounding boxes around the connected components.
func NewSimpleDetector(cfg SimpleDetectorConfig) (*SimpleDetector, error) {
	if cfg.Threshold <= 0 || cfg.Threshold > 256 {
		return nil, errors.Errorf("simple detector threshold must be in (0, 256], got %v", cfg.Threshold)
	}
	if cfg.MinArea < 0 {
		return nil, errors.Errorf("simple detector min_area cannot be negative, got %d", cfg.MinArea)
	}
	return &SimpleDetector{cfg: cfg}, nil
}

// Detect takes in an image frame and returns the detection bounding boxes found in the image.
func (sd *SimpleDetector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	if img == nil {
		return nil, errors.New("simple detector got a nil image")
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	seen := make([]bool, width*bounds.Dy())
	index := func(pt image.Point) int {
		return (pt.Y-bounds.Min.Y)*width + (pt.X - bounds.Min.X)
	}
	queue := []image.Point{}
	detections := []Detection{}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			pt := image.Point{x, y}
			if seen[index(pt)] {
				continue
			}
			seen[index(pt)] = true
			if !sd.pass(img.At(x, y)) {
				continue
			}
			queue = append(queue, pt)
			x0, y0, x1, y1 := pt.X, pt.Y, pt.X, pt.Y // the bounding box of the segment
			for len(queue) != 0 {
				newPt := queue[0]
				queue = queue[1:]
				x0, y0 = min(x0, newPt.X), min(y0, newPt.Y)
				x1, y1 = max(x1, newPt.X), max(y1, newPt.Y)
				queue = append(queue, sd.neighbors(newPt, img, seen, index)...)
			}
			box := image.Rect(x0, y0, x1+1, y1+1)
			if box.Dx()*box.Dy() < sd.cfg.MinArea {
				continue
			}
			detections = append(detections, NewDetection(box, 1.0, sd.cfg.Label))
		}
	}
	return detections, nil
}

func (sd *SimpleDetector) pass(c color.Color) bool {
	gray, _ := color.GrayModel.Convert(c).(color.Gray)
	return float64(gray.Y) < sd.cfg.Threshold
}

func (sd *SimpleDetector) neighbors(pt image.Point, img image.Image, seen []bool, index func(image.Point) int) []image.Point {
	bounds := img.Bounds()
	neighbors := make([]image.Point, 0, 4)
	fourPoints := []image.Point{{pt.X, pt.Y - 1}, {pt.X, pt.Y + 1}, {pt.X - 1, pt.Y}, {pt.X + 1, pt.Y}}
	for _, p := range fourPoints {
		if !p.In(bounds) || seen[index(p)] {
			continue
		}
		seen[index(p)] = true
		if sd.pass(img.At(p.X, p.Y)) {
			neighbors = append(neighbors, p)
		}
	}
	return neighbors
}
