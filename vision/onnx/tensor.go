package onnx

import (
	"image"
	"sort"

	"github.com/disintegration/imaging"

	"go.viam.com/batchvision/vision/objectdetection"
)

// fillSlot resizes img to w x h and writes it into slot of a [batch, 3, h, w] float tensor as
// planar RGB scaled to [0, 1].
func fillSlot(dst []float32, slot int, img image.Image, w, h int) {
	resized := img
	if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
		resized = imaging.Resize(img, w, h, imaging.Linear)
	}
	nrgba := imaging.Clone(resized)

	plane := w * h
	base := slot * 3 * plane
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+4*w]
		for x := 0; x < w; x++ {
			i := y*w + x
			dst[base+i] = float32(row[4*x]) / 255
			dst[base+plane+i] = float32(row[4*x+1]) / 255
			dst[base+2*plane+i] = float32(row[4*x+2]) / 255
		}
	}
}

// clearSlot zeroes slot so unused batch positions do not carry a previous call's pixels.
func clearSlot(dst []float32, slot, w, h int) {
	plane := 3 * w * h
	clear(dst[slot*plane : (slot+1)*plane])
}

// decodeSlot reads one image's predictions from a [batch, 4+classes, n] output tensor, where
// each prediction is a center box in input pixels followed by per-class scores. Boxes are scaled
// to orig and clipped to it.
func decodeSlot(
	out []float32,
	slot int,
	labels []string,
	n int,
	input, orig image.Point,
	threshold float64,
) []objectdetection.Detection {
	attrs := 4 + len(labels)
	pred := out[slot*attrs*n : (slot+1)*attrs*n]
	sx := float64(orig.X) / float64(input.X)
	sy := float64(orig.Y) / float64(input.Y)
	bounds := image.Rect(0, 0, orig.X, orig.Y)

	var dets []objectdetection.Detection
	for i := 0; i < n; i++ {
		best, bestScore := 0, float32(0)
		for c := range labels {
			if s := pred[(4+c)*n+i]; s > bestScore {
				best, bestScore = c, s
			}
		}
		if float64(bestScore) < threshold {
			continue
		}
		cx, cy := float64(pred[i]), float64(pred[n+i])
		bw, bh := float64(pred[2*n+i]), float64(pred[3*n+i])
		box := image.Rect(
			int((cx-bw/2)*sx), int((cy-bh/2)*sy),
			int((cx+bw/2)*sx), int((cy+bh/2)*sy),
		).Intersect(bounds)
		if box.Empty() {
			continue
		}
		dets = append(dets, objectdetection.NewDetection(box, float64(bestScore), labels[best]))
	}
	return dets
}

// suppress performs per-label non-maximum suppression, keeping the highest scoring box of any
// set overlapping by more than iou.
func suppress(dets []objectdetection.Detection, iou float64) []objectdetection.Detection {
	sorted := append([]objectdetection.Detection(nil), dets...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score() > sorted[j].Score() })

	var kept []objectdetection.Detection
	for _, d := range sorted {
		overlaps := false
		for _, k := range kept {
			if k.Label() == d.Label() && overlap(*k.BoundingBox(), *d.BoundingBox()) > iou {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, d)
		}
	}
	return kept
}

func overlap(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - ia
	return ia / union
}
