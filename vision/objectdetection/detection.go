// Package objectdetection defines the detection types and the Detector capability consumed by
// the batch scheduler, plus a model-free reference detector and postprocessing filters.
package objectdetection

import (
	"fmt"
	"image"
)

// Detection returns a bounding box around the object and a confidence score of the detection.
type Detection interface {
	BoundingBox() *image.Rectangle
	Score() float64
	Label() string
}

// NewDetection creates a simple 2D detection.
func NewDetection(boundingBox image.Rectangle, score float64, label string) Detection {
	return &detection2D{boundingBox, score, label}
}

// detection2D is a simple struct for storing 2D detections.
type detection2D struct {
	boundingBox image.Rectangle
	score       float64
	label       string
}

// BoundingBox returns a bounding box around the detected object.
func (d *detection2D) BoundingBox() *image.Rectangle {
	return &d.boundingBox
}

// Score returns a confidence score of the detection between 0.0 and 1.0.
func (d *detection2D) Score() float64 {
	return d.score
}

// Label returns the class label of the object in the bounding box.
func (d *detection2D) Label() string {
	return d.label
}

// String turns the detection into a string.
func (d *detection2D) String() string {
	return fmt.Sprintf("Label: %s, Score: %.2f, Box: %v", d.label, d.score, d.boundingBox)
}

// Translate returns a copy of the detection with its box shifted by offset. Secondary detections
// run on a cropped ROI are translated back into frame coordinates with this.
func Translate(d Detection, offset image.Point) Detection {
	return NewDetection(d.BoundingBox().Add(offset), d.Score(), d.Label())
}
