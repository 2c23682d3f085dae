package objectdetection

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"testing"

	"go.viam.com/test"
)

// whiteWithDarkRects draws black rectangles onto a white canvas.
func whiteWithDarkRects(bounds image.Rectangle, rects ...image.Rectangle) *image.NRGBA {
	img := image.NewNRGBA(bounds)
	draw.Draw(img, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	for _, r := range rects {
		draw.Draw(img, r, image.NewUniform(color.Black), image.Point{}, draw.Src)
	}
	return img
}

func TestSimpleDetector(t *testing.T) {
	_, err := NewSimpleDetector(SimpleDetectorConfig{Threshold: 0})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewSimpleDetector(SimpleDetectorConfig{Threshold: 20, MinArea: -1})
	test.That(t, err, test.ShouldNotBeNil)

	det, err := NewSimpleDetector(SimpleDetectorConfig{Threshold: 20, MinArea: 4, Label: "person"})
	test.That(t, err, test.ShouldBeNil)

	img := whiteWithDarkRects(image.Rect(0, 0, 100, 80),
		image.Rect(10, 10, 30, 50),
		image.Rect(60, 5, 90, 20),
		image.Rect(95, 70, 96, 71), // below min area
	)
	dets, err := det.Detect(context.Background(), img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 2)
	test.That(t, *dets[0].BoundingBox(), test.ShouldResemble, image.Rect(60, 5, 90, 20))
	test.That(t, *dets[1].BoundingBox(), test.ShouldResemble, image.Rect(10, 10, 30, 50))
	test.That(t, dets[0].Label(), test.ShouldEqual, "person")
	test.That(t, dets[0].Score(), test.ShouldEqual, 1.0)

	_, err = det.Detect(context.Background(), nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSimpleDetectorOffsetBounds(t *testing.T) {
	det, err := NewSimpleDetector(SimpleDetectorConfig{Threshold: 20})
	test.That(t, err, test.ShouldBeNil)

	full := whiteWithDarkRects(image.Rect(0, 0, 50, 50), image.Rect(22, 24, 26, 28))
	sub := full.SubImage(image.Rect(20, 20, 40, 40))
	dets, err := det.Detect(context.Background(), sub)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 1)
	test.That(t, *dets[0].BoundingBox(), test.ShouldResemble, image.Rect(22, 24, 26, 28))
}
