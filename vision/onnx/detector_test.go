package onnx

import (
	"encoding/json"
	"image"
	"io"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"go.viam.com/test"

	"go.viam.com/batchvision/vision/objectdetection"
)

func TestConfig(t *testing.T) {
	cfg := Config{ModelPath: "model.onnx"}.withDefaults()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.InputWidth, test.ShouldEqual, 640)
	test.That(t, cfg.MaxBatch, test.ShouldEqual, 16)
	test.That(t, cfg.Labels, test.ShouldResemble, []string{"person"})

	bad := Config{MaxBatch: -1, Confidence: 2}.withDefaults()
	err := bad.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "model_path is required")
	test.That(t, err.Error(), test.ShouldContainSubstring, "max_batch")
	test.That(t, err.Error(), test.ShouldContainSubstring, "confidence")
}

func TestRegistered(t *testing.T) {
	test.That(t, objectdetection.RegisteredDetectors(), test.ShouldContain, DetectorType)

	schema, ok := objectdetection.DetectorSchema(DetectorType)
	test.That(t, ok, test.ShouldBeTrue)
	raw, err := json.Marshal(schema)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(raw), test.ShouldContainSubstring, "model_path")

	_, err = objectdetection.NewDetector(DetectorType, map[string]interface{}{"max_batch": 4}, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "model_path")

	_, err = objectdetection.NewDetector(DetectorType, map[string]interface{}{"model": "x"}, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFillSlot(t *testing.T) {
	const w, h = 4, 2
	data := make([]float32, 2*3*w*h)
	for i := range data {
		data[i] = 9
	}

	img := imaging.New(w, h, color.NRGBA{255, 0, 51, 255})
	fillSlot(data, 1, img, w, h)
	plane := w * h
	base := 3 * plane
	test.That(t, data[base], test.ShouldEqual, float32(1))
	test.That(t, data[base+plane], test.ShouldEqual, float32(0))
	test.That(t, data[base+2*plane+plane-1], test.ShouldAlmostEqual, 0.2, 1e-6)
	// slot 0 untouched
	test.That(t, data[0], test.ShouldEqual, float32(9))

	clearSlot(data, 0, w, h)
	for _, v := range data[:base] {
		test.That(t, v, test.ShouldEqual, float32(0))
	}

	// images of another size are resized into the slot
	big := imaging.New(40, 20, color.NRGBA{0, 255, 0, 255})
	fillSlot(data, 0, big, w, h)
	test.That(t, data[plane], test.ShouldEqual, float32(1))
	test.That(t, data[0], test.ShouldEqual, float32(0))
}

// predictions builds a [1, 4+classes, n] output from center boxes and class scores.
func predictions(n int, boxes [][4]float32, scores [][]float32) []float32 {
	classes := len(scores[0])
	out := make([]float32, (4+classes)*n)
	for i := range boxes {
		for a := 0; a < 4; a++ {
			out[a*n+i] = boxes[i][a]
		}
		for c := 0; c < classes; c++ {
			out[(4+c)*n+i] = scores[i][c]
		}
	}
	return out
}

func TestDecodeSlot(t *testing.T) {
	const n = 4
	raw := predictions(n,
		[][4]float32{{50, 50, 20, 40}, {10, 10, 4, 4}, {90, 95, 40, 20}, {0, 0, 0, 0}},
		[][]float32{{0.9, 0.1}, {0.2, 0.3}, {0.1, 0.7}, {0, 0}},
	)
	// the same predictions in slot 1 of a two image batch
	batch := append(make([]float32, len(raw)), raw...)

	dets := decodeSlot(batch, 1, []string{"person", "cart"}, n, image.Pt(100, 100), image.Pt(200, 100), 0.5)
	test.That(t, dets, test.ShouldHaveLength, 2)
	test.That(t, dets[0].Label(), test.ShouldEqual, "person")
	test.That(t, dets[0].Score(), test.ShouldAlmostEqual, 0.9, 1e-6)
	test.That(t, *dets[0].BoundingBox(), test.ShouldResemble, image.Rect(80, 30, 120, 70))
	test.That(t, dets[1].Label(), test.ShouldEqual, "cart")
	// clipped to the original image
	test.That(t, *dets[1].BoundingBox(), test.ShouldResemble, image.Rect(140, 85, 200, 100))

	test.That(t, decodeSlot(batch, 0, []string{"person", "cart"}, n, image.Pt(100, 100), image.Pt(100, 100), 0.5), test.ShouldBeEmpty)
}

func TestSuppress(t *testing.T) {
	dets := []objectdetection.Detection{
		objectdetection.NewDetection(image.Rect(0, 0, 10, 10), 0.6, "person"),
		objectdetection.NewDetection(image.Rect(1, 1, 11, 11), 0.9, "person"),
		objectdetection.NewDetection(image.Rect(1, 1, 11, 11), 0.8, "cart"),
		objectdetection.NewDetection(image.Rect(50, 50, 60, 60), 0.5, "person"),
	}
	kept := suppress(dets, 0.45)
	test.That(t, kept, test.ShouldHaveLength, 3)
	test.That(t, kept[0].Score(), test.ShouldEqual, 0.9)
	test.That(t, kept[1].Label(), test.ShouldEqual, "cart")
	test.That(t, kept[2].Score(), test.ShouldEqual, 0.5)

	test.That(t, overlap(image.Rect(0, 0, 10, 10), image.Rect(20, 20, 30, 30)), test.ShouldEqual, 0.0)
	test.That(t, overlap(image.Rect(0, 0, 10, 10), image.Rect(0, 0, 10, 10)), test.ShouldEqual, 1.0)
}

func TestCloseWithoutSession(t *testing.T) {
	var closer io.Closer = &Detector{}
	test.That(t, closer.Close(), test.ShouldBeNil)
	test.That(t, closer.Close(), test.ShouldBeNil)
}
