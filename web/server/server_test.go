package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/batchvision/batching/scheduler"
	"go.viam.com/batchvision/logging"
	"go.viam.com/batchvision/pipeline"
	"go.viam.com/batchvision/vision/objectdetection"
)

type fakeProcessor struct {
	mu     sync.Mutex
	frames []pipeline.Frame
	err    error
}

func (f *fakeProcessor) Process(ctx context.Context, frames []pipeline.Frame) ([]pipeline.FrameResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frames...)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]pipeline.FrameResult, len(frames))
	for i, fr := range frames {
		out[i] = pipeline.FrameResult{
			StreamID:  fr.StreamID,
			Index:     fr.Index,
			Secondary: pipeline.StatusOK,
			Objects: []pipeline.ObjectResult{{
				Detection: objectdetection.NewDetection(fr.Image.Bounds(), 0.75, "person"),
				Status:    pipeline.StatusOK,
				Secondary: []objectdetection.Detection{
					objectdetection.NewDetection(image.Rect(1, 1, 2, 2), 0.5, "face"),
				},
			}},
		}
	}
	return out, nil
}

func (f *fakeProcessor) Stats() pipeline.Stats {
	return pipeline.Stats{Primary: pipeline.StageStats{Scheduler: scheduler.Stats{Name: "primary", Submitted: 3}}}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	test.That(t, imaging.Encode(&buf, imaging.New(w, h, color.NRGBA{255, 255, 255, 255}), imaging.PNG), test.ShouldBeNil)
	return buf.Bytes()
}

func newTestServer(t *testing.T, p Processor) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(p, nil, logging.NewTestLogger(t)))
	t.Cleanup(srv.Close)
	return srv
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	test.That(t, json.NewDecoder(resp.Body).Decode(v), test.ShouldBeNil)
}

func TestHealthStatsMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeProcessor{})

	resp, err := http.Get(srv.URL + "/healthz")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	var health map[string]string
	decode(t, resp, &health)
	test.That(t, health["status"], test.ShouldEqual, "ok")

	resp, err = http.Get(srv.URL + "/stats")
	test.That(t, err, test.ShouldBeNil)
	var stats statsResponse
	decode(t, resp, &stats)
	test.That(t, stats.Primary.Name, test.ShouldEqual, "primary")
	test.That(t, stats.Primary.Scheduler.Submitted, test.ShouldEqual, uint64(3))
	test.That(t, stats.Secondary, test.ShouldBeNil)

	resp, err = http.Get(srv.URL + "/metrics")
	test.That(t, err, test.ShouldBeNil)
	body, err := io.ReadAll(resp.Body)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, string(body), test.ShouldContainSubstring, `batchvision_items_submitted_total{stage="primary"} 3`)

	resp, err = http.Get(srv.URL + "/detect")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusMethodNotAllowed)
}

func TestDetectRawBody(t *testing.T) {
	proc := &fakeProcessor{}
	srv := newTestServer(t, proc)

	resp, err := http.Post(srv.URL+"/detect?stream=cam1&index=7", "image/png", bytes.NewReader(pngBytes(t, 8, 6)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	var out detectResponse
	decode(t, resp, &out)

	test.That(t, out.Frames, test.ShouldHaveLength, 1)
	frame := out.Frames[0]
	test.That(t, frame.StreamID, test.ShouldEqual, "cam1")
	test.That(t, frame.Index, test.ShouldEqual, int64(7))
	test.That(t, frame.Secondary, test.ShouldEqual, pipeline.StatusOK)
	test.That(t, frame.Objects, test.ShouldHaveLength, 1)
	test.That(t, frame.Objects[0].Label, test.ShouldEqual, "person")
	test.That(t, frame.Objects[0].Box, test.ShouldResemble, boxJSON{XMax: 8, YMax: 6})
	test.That(t, frame.Objects[0].Secondary, test.ShouldHaveLength, 1)
	test.That(t, frame.Objects[0].Secondary[0].Label, test.ShouldEqual, "face")

	test.That(t, proc.frames, test.ShouldHaveLength, 1)
	test.That(t, proc.frames[0].Timestamp.IsZero(), test.ShouldBeFalse)
}

func TestDetectMultipart(t *testing.T) {
	proc := &fakeProcessor{}
	srv := newTestServer(t, proc)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, name := range []string{"a.png", "b.png"} {
		part, err := mw.CreateFormFile("file", name)
		test.That(t, err, test.ShouldBeNil)
		_, err = part.Write(pngBytes(t, 4, 4))
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, mw.Close(), test.ShouldBeNil)

	resp, err := http.Post(srv.URL+"/detect?index=5", mw.FormDataContentType(), &body)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	var out detectResponse
	decode(t, resp, &out)
	test.That(t, out.Frames, test.ShouldHaveLength, 2)
	test.That(t, out.Frames[0].StreamID, test.ShouldEqual, "http")
	test.That(t, out.Frames[0].Index, test.ShouldEqual, int64(5))
	test.That(t, out.Frames[1].Index, test.ShouldEqual, int64(6))
}

func TestDetectErrors(t *testing.T) {
	proc := &fakeProcessor{}
	srv := newTestServer(t, proc)

	resp, err := http.Post(srv.URL+"/detect", "image/png", bytes.NewReader([]byte("not an image")))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
	var errResp errorResponse
	decode(t, resp, &errResp)
	test.That(t, errResp.Code, test.ShouldEqual, "invalid_image")

	resp, err = http.Post(srv.URL+"/detect?index=x", "image/png", bytes.NewReader(pngBytes(t, 2, 2)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
	decode(t, resp, &errResp)
	test.That(t, errResp.Code, test.ShouldEqual, "invalid_request")

	proc.err = &pipeline.StageError{Stage: "primary", Err: errors.New("model exploded")}
	resp, err = http.Post(srv.URL+"/detect", "image/png", bytes.NewReader(pngBytes(t, 2, 2)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadGateway)
	decode(t, resp, &errResp)
	test.That(t, errResp.Code, test.ShouldEqual, "stage_primary")
	test.That(t, errResp.Message, test.ShouldContainSubstring, "model exploded")
}

func TestDetectWithPipeline(t *testing.T) {
	logger := logging.NewTestLogger(t)
	primary, err := objectdetection.NewSimpleDetector(objectdetection.SimpleDetectorConfig{Threshold: 128, Label: "dark"})
	test.That(t, err, test.ShouldBeNil)
	p, err := pipeline.New(primary, nil, pipeline.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, p.Close(), test.ShouldBeNil)
	}()
	srv := newTestServer(t, p)

	img := imaging.New(20, 20, color.NRGBA{255, 255, 255, 255})
	for y := 5; y < 10; y++ {
		for x := 5; x < 12; x++ {
			img.Set(x, y, color.NRGBA{0, 0, 0, 255})
		}
	}
	var buf bytes.Buffer
	test.That(t, imaging.Encode(&buf, img, imaging.PNG), test.ShouldBeNil)

	resp, err := http.Post(srv.URL+"/detect", "image/png", &buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	var out detectResponse
	decode(t, resp, &out)
	test.That(t, out.Frames, test.ShouldHaveLength, 1)
	test.That(t, out.Frames[0].Secondary, test.ShouldEqual, pipeline.StatusSkipped)
	test.That(t, out.Frames[0].Objects, test.ShouldHaveLength, 1)
	test.That(t, out.Frames[0].Objects[0].Label, test.ShouldEqual, "dark")
	test.That(t, out.Frames[0].Objects[0].Box, test.ShouldResemble, boxJSON{XMin: 5, YMin: 5, XMax: 12, YMax: 10})
	test.That(t, out.Frames[0].Objects[0].Status, test.ShouldEqual, pipeline.StatusSkipped)
}

func TestServeShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	s := New(&fakeProcessor{}, nil, logging.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx, ln)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)

	cancel()
	test.That(t, <-done, test.ShouldBeNil)
}

func TestCORS(t *testing.T) {
	srv := httptest.NewServer(New(&fakeProcessor{}, nil, logging.NewTestLogger(t), WithCORS("http://dashboard.local")))
	defer srv.Close()

	get := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
		test.That(t, err, test.ShouldBeNil)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp.Body.Close(), test.ShouldBeNil)
		return resp
	}
	test.That(t, get("http://dashboard.local").Header.Get("Access-Control-Allow-Origin"), test.ShouldEqual, "http://dashboard.local")
	test.That(t, get("http://elsewhere.local").Header.Get("Access-Control-Allow-Origin"), test.ShouldBeEmpty)

	plain := newTestServer(t, &fakeProcessor{})
	req, err := http.NewRequest(http.MethodGet, plain.URL+"/healthz", nil)
	test.That(t, err, test.ShouldBeNil)
	req.Header.Set("Origin", "http://dashboard.local")
	resp, err := http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.Header.Get("Access-Control-Allow-Origin"), test.ShouldBeEmpty)
}
