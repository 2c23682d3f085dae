package batchutils

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// PadColor fills the area PadToSize adds around an ROI.
var PadColor = color.NRGBA{0, 0, 0, 255}

// PadToSize center crops any axis larger than target and center pads any axis smaller than
// target. An image already of the target size is returned unchanged, so padding is idempotent.
// A non-positive target leaves the image alone.
func PadToSize(img image.Image, target image.Point) image.Image {
	if target.X <= 0 || target.Y <= 0 {
		return img
	}
	bounds := img.Bounds()
	if bounds.Dx() == target.X && bounds.Dy() == target.Y {
		return img
	}

	src := img
	if bounds.Dx() > target.X || bounds.Dy() > target.Y {
		src = imaging.CropCenter(img, min(bounds.Dx(), target.X), min(bounds.Dy(), target.Y))
		cropped := src.Bounds()
		if cropped.Dx() == target.X && cropped.Dy() == target.Y {
			return src
		}
	}
	return imaging.PasteCenter(imaging.New(target.X, target.Y, PadColor), src)
}

// PadOffset is where the origin of a src sized image lands in PadToSize's output for target.
// Cropped axes give a negative offset.
func PadOffset(src, target image.Point) image.Point {
	return image.Pt(padOffset(src.X, target.X), padOffset(src.Y, target.Y))
}

func padOffset(s, t int) int {
	switch {
	case t <= 0 || s == t:
		return 0
	case s > t:
		return -((s - t) / 2)
	default:
		return t/2 - s/2
	}
}

// FitWithin returns the size an ROI is resized to so that it is no larger than limit on either
// axis, keeping its aspect ratio. ROIs already within limit keep their size.
func FitWithin(size, limit image.Point) image.Point {
	if limit.X <= 0 || limit.Y <= 0 || (size.X <= limit.X && size.Y <= limit.Y) {
		return size
	}
	scale := min(float64(limit.X)/float64(size.X), float64(limit.Y)/float64(size.Y))
	return image.Pt(max(1, int(float64(size.X)*scale)), max(1, int(float64(size.Y)*scale)))
}

// ShrinkToFit downscales img so neither axis exceeds limit, keeping its aspect ratio.
func ShrinkToFit(img image.Image, limit image.Point) image.Image {
	bounds := img.Bounds()
	fit := FitWithin(bounds.Size(), limit)
	if fit == bounds.Size() {
		return img
	}
	return resize.Resize(uint(fit.X), uint(fit.Y), img, resize.Bilinear)
}

// TargetSize is the size every ROI in g is padded to: the group's bounding size, raised to at
// least minInput and capped at maxInput. Zero limits are ignored.
func TargetSize(g Group, minInput, maxInput image.Point) image.Point {
	size := FitWithin(g.Size(), maxInput)
	return image.Pt(max(size.X, minInput.X), max(size.Y, minInput.Y))
}
