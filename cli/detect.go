package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/batchvision/pipeline"
	"go.viam.com/batchvision/vision/objectdetection"
)

// DetectAction runs the given images through the pipeline as a single call.
func DetectAction(c *cli.Context) (err error) {
	s, err := loadSetup(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, s.Close())
	}()

	images, err := readImages(c)
	if err != nil {
		return err
	}
	p, err := s.cfg.BuildPipeline(s.logger.Sublogger("pipeline"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, p.Close())
	}()

	stream := c.String(detectFlagStream)
	now := time.Now()
	frames := make([]pipeline.Frame, len(images))
	for i, ni := range images {
		frames[i] = pipeline.Frame{StreamID: stream, Index: int64(i), Image: ni.img, Timestamp: now}
	}
	results, err := p.Process(c.Context, frames)
	if err != nil {
		return err
	}
	for i, res := range results {
		printFrame(c.App.Writer, images[i].name, res)
	}
	return nil
}

func printFrame(w io.Writer, name string, res pipeline.FrameResult) {
	fmt.Fprintf(w, "%s (%s #%d): %d objects, secondary %s\n", name, res.StreamID, res.Index, len(res.Objects), res.Secondary)
	for _, obj := range res.Objects {
		fmt.Fprintf(w, "  %s [%s]", describe(obj.Detection), obj.Status)
		if obj.Err != nil {
			fmt.Fprintf(w, " error: %v", obj.Err)
		}
		fmt.Fprintln(w)
		for _, sec := range obj.Secondary {
			fmt.Fprintf(w, "    %s\n", describe(sec))
		}
	}
}

func describe(d objectdetection.Detection) string {
	return fmt.Sprintf("%s %.2f %v", d.Label(), d.Score(), *d.BoundingBox())
}
