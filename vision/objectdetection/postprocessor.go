package objectdetection

import (
	"image"
	"strings"
)

// Postprocessor defines a function that filters/modifies on an incoming array of Detections.
type Postprocessor func([]Detection) []Detection

// NewAreaFilter returns a function that filters out detections below a certain area.
func NewAreaFilter(area int) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.BoundingBox().Dx()*d.BoundingBox().Dy() >= area {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewScoreFilter returns a function that filters out detections below a certain confidence.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Score() >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewLabelFilter returns a function that filters out detections without one of the chosen
// labels. Matching is case-insensitive. Does not filter when labels is empty.
func NewLabelFilter(labels []string) Postprocessor {
	wanted := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		wanted[strings.ToLower(l)] = struct{}{}
	}
	return func(in []Detection) []Detection {
		if len(wanted) == 0 {
			return in
		}
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if _, ok := wanted[strings.ToLower(d.Label())]; ok {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewClipFilter returns a function that clips every box to bounds and drops detections whose
// clipped box is empty.
func NewClipFilter(bounds image.Rectangle) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			clipped := d.BoundingBox().Intersect(bounds)
			if clipped.Empty() {
				continue
			}
			if clipped == *d.BoundingBox() {
				out = append(out, d)
				continue
			}
			out = append(out, NewDetection(clipped, d.Score(), d.Label()))
		}
		return out
	}
}

// Chain composes postprocessors, applied left to right. Nil entries are skipped.
func Chain(filters ...Postprocessor) Postprocessor {
	return func(in []Detection) []Detection {
		for _, f := range filters {
			if f != nil {
				in = f(in)
			}
		}
		return in
	}
}
