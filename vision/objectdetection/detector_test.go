package objectdetection

import (
	"context"
	"image"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

// widthDetector reports one detection whose score is the image width, so results can be matched
// back to inputs.
func widthDetector() DetectorFunc {
	return func(ctx context.Context, img image.Image) ([]Detection, error) {
		return []Detection{NewDetection(img.Bounds(), float64(img.Bounds().Dx()), "w")}, nil
	}
}

type nativeBatch struct {
	DetectorFunc
	calls int
}

func (n *nativeBatch) DetectBatch(ctx context.Context, imgs []image.Image) ([][]Detection, error) {
	n.calls++
	return detectEach(ctx, n.DetectorFunc, imgs)
}

func images(widths ...int) []image.Image {
	out := make([]image.Image, 0, len(widths))
	for _, w := range widths {
		out = append(out, image.NewGray(image.Rect(0, 0, w, 1)))
	}
	return out
}

func TestDetectBatchFallback(t *testing.T) {
	ctx := context.Background()
	res, err := DetectBatch(ctx, widthDetector(), images(3, 1, 2))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res, test.ShouldHaveLength, 3)
	for i, w := range []float64{3, 1, 2} {
		test.That(t, res[i], test.ShouldHaveLength, 1)
		test.That(t, res[i][0].Score(), test.ShouldEqual, w)
	}

	res, err = DetectBatch(ctx, widthDetector(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res, test.ShouldBeEmpty)
}

func TestDetectBatchNative(t *testing.T) {
	native := &nativeBatch{DetectorFunc: widthDetector()}
	res, err := DetectBatch(context.Background(), native, images(5, 6))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, native.calls, test.ShouldEqual, 1)
	test.That(t, res[1][0].Score(), test.ShouldEqual, 6.0)

	looping := Looping{widthDetector()}
	var _ BatchDetector = looping
	res, err = looping.DetectBatch(context.Background(), images(4))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res[0][0].Score(), test.ShouldEqual, 4.0)
}

type shortBatch struct {
	DetectorFunc
}

func (shortBatch) DetectBatch(ctx context.Context, imgs []image.Image) ([][]Detection, error) {
	return make([][]Detection, len(imgs)-1), nil
}

func TestDetectBatchErrors(t *testing.T) {
	ctx := context.Background()
	_, err := DetectBatch(ctx, shortBatch{widthDetector()}, images(1, 2))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "returned 1 results for 2 images")

	failing := DetectorFunc(func(ctx context.Context, img image.Image) ([]Detection, error) {
		if img.Bounds().Dx() == 2 {
			return nil, errors.New("bad image")
		}
		return nil, nil
	})
	_, err = DetectBatch(ctx, failing, images(1, 2, 3))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "detecting image 1 of 3: bad image")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = DetectBatch(cancelled, widthDetector(), images(1))
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestTranslate(t *testing.T) {
	d := NewDetection(image.Rect(1, 2, 3, 4), 0.5, "glove")
	moved := Translate(d, image.Pt(10, 20))
	test.That(t, *moved.BoundingBox(), test.ShouldResemble, image.Rect(11, 22, 13, 24))
	test.That(t, moved.Score(), test.ShouldEqual, 0.5)
	test.That(t, moved.Label(), test.ShouldEqual, "glove")
	test.That(t, *d.BoundingBox(), test.ShouldResemble, image.Rect(1, 2, 3, 4))
}

func TestEmptyDetection(t *testing.T) {
	d := NewDetection(image.Rectangle{}, 0., "")
	test.That(t, d.Score(), test.ShouldEqual, 0.0)
	test.That(t, d.Label(), test.ShouldEqual, "")
	test.That(t, d.BoundingBox(), test.ShouldResemble, &image.Rectangle{})
}
