package cli

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/urfave/cli/v2"
	"go.viam.com/test"

	"go.viam.com/batchvision/config"
	"go.viam.com/batchvision/logging"
)

const testConfig = `{
	"batching": {"primary": {"max_batch_size": 4, "max_wait_time_ms": 5}},
	"detectors": {
		"primary": {"type": "simple", "attributes": {"threshold": 128, "label": "dark"}},
		"secondary": {"type": "simple", "attributes": {"threshold": 128, "label": "inner"}}
	},
	"log": {"level": "warn"}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	test.That(t, os.WriteFile(path, []byte(body), 0o600), test.ShouldBeNil)
	return path
}

// writeImages writes n white images, each with a dark rectangle, and returns their directory.
func writeImages(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := imaging.New(40, 30, color.NRGBA{255, 255, 255, 255})
		for y := 5; y < 15; y++ {
			for x := 5 + i; x < 20+i; x++ {
				img.Set(x, y, color.NRGBA{0, 0, 0, 255})
			}
		}
		test.That(t, imaging.Save(img, filepath.Join(dir, "frame"+string(rune('a'+i))+".png")), test.ShouldBeNil)
	}
	test.That(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o600), test.ShouldBeNil)
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := NewApp(&out, &errOut).Run(append([]string{"batchvision"}, args...))
	return out.String(), err
}

func TestValidateConfig(t *testing.T) {
	out, err := run(t, "validate-config", "-c", writeConfig(t, testConfig))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "is valid")
	test.That(t, out, test.ShouldContainSubstring, "primary:   detector=simple max_batch_size=4 max_wait=5ms")
	test.That(t, out, test.ShouldContainSubstring, "secondary: detector=simple")
	test.That(t, out, test.ShouldContainSubstring, config.DefaultWebAddr)

	_, err = run(t, "validate-config", "-c", writeConfig(t, `{"detectors": {"primary": {"type": "nope"}}}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown detector type")

	_, err = run(t, "validate-config")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDetect(t *testing.T) {
	dir := writeImages(t, 2)
	out, err := run(t, "detect", "-c", writeConfig(t, testConfig), "--dir", dir, "--stream", "cam")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "framea.png (cam #0): 1 objects, secondary ok")
	test.That(t, out, test.ShouldContainSubstring, "frameb.png (cam #1): 1 objects, secondary ok")
	test.That(t, out, test.ShouldContainSubstring, "dark 1.00 (5,5)-(20,15) [ok]")
	test.That(t, out, test.ShouldContainSubstring, "dark 1.00 (6,5)-(21,15) [ok]")
	test.That(t, out, test.ShouldContainSubstring, "inner 1.00")
	test.That(t, out, test.ShouldNotContainSubstring, "notes.txt")

	_, err = run(t, "detect", "-c", writeConfig(t, testConfig))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no images given")
}

func TestBench(t *testing.T) {
	dir := writeImages(t, 3)
	out, err := run(t, "bench", "-c", writeConfig(t, testConfig), "--dir", dir,
		"--streams", "3", "--calls", "4", "--frames-per-call", "2")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "frames:     24 in")
	test.That(t, out, test.ShouldContainSubstring, "objects:    24 (0 frames with secondary failures)")
	test.That(t, out, test.ShouldContainSubstring, "| primary ")
	test.That(t, out, test.ShouldContainSubstring, "| secondary ")

	out, err = run(t, "bench", "-c", writeConfig(t, testConfig), "--dir", dir,
		"--streams", "2", "--calls", "2", "--fps", "1000")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "frames:     4 in")

	_, err = run(t, "bench", "-c", writeConfig(t, testConfig), "--dir", dir, "--streams", "0", "--calls", "0", "--fps", "-1")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "--streams")
	test.That(t, err.Error(), test.ShouldContainSubstring, "--calls")
	test.That(t, err.Error(), test.ShouldContainSubstring, "--fps")
}

func TestSchema(t *testing.T) {
	out, err := run(t, "schema")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "max_batch_size")
	test.That(t, out, test.ShouldContainSubstring, "cors_origins")

	out, err = run(t, "schema", "simple")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "threshold")

	_, err = run(t, "schema", "nope")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, `no schema for detector type "nope"`)
}

func TestServeStopsWithContext(t *testing.T) {
	path := writeConfig(t, testConfig)
	cfg, err := config.Read(context.Background(), path, nil)
	test.That(t, err, test.ShouldBeNil)
	s := &setup{cfg: cfg, logger: logging.NewTestLogger(t), closer: nopCloser{}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, serve(ctx, s, "127.0.0.1:0", true), test.ShouldBeNil)
	test.That(t, s.Close(), test.ShouldBeNil)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func TestReadImagesOrder(t *testing.T) {
	dir := writeImages(t, 2)
	extra := filepath.Join(t.TempDir(), "extra.jpg")
	test.That(t, imaging.Save(imaging.New(3, 3, color.Black), extra), test.ShouldBeNil)

	var got []string
	var sizes []image.Point
	app := NewApp(&bytes.Buffer{}, &bytes.Buffer{})
	app.Commands[2].Action = func(c *cli.Context) error {
		images, err := readImages(c)
		for _, ni := range images {
			got = append(got, filepath.Base(ni.name))
			sizes = append(sizes, ni.img.Bounds().Size())
		}
		return err
	}
	test.That(t, app.Run([]string{"batchvision", "detect", "-c", "unused", "--dir", dir, extra}), test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, []string{"extra.jpg", "framea.png", "frameb.png"})
	test.That(t, sizes[0], test.ShouldResemble, image.Pt(3, 3))
}
