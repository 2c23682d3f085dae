package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"go.viam.com/batchvision/pipeline"
)

type benchOptions struct {
	streams       int
	calls         int
	framesPerCall int
	fps           float64
}

func (o benchOptions) validate() error {
	var err error
	if o.streams < 1 {
		err = multierr.Append(err, errors.Errorf("--%s must be at least 1", benchFlagStreams))
	}
	if o.calls < 1 {
		err = multierr.Append(err, errors.Errorf("--%s must be at least 1", benchFlagCalls))
	}
	if o.framesPerCall < 1 {
		err = multierr.Append(err, errors.Errorf("--%s must be at least 1", benchFlagFramesPerCall))
	}
	if o.fps < 0 {
		err = multierr.Append(err, errors.Errorf("--%s must not be negative", benchFlagFPS))
	}
	return err
}

type benchResult struct {
	frames    int
	objects   int
	failed    int
	elapsed   time.Duration
	latencies stats.Float64Data
	stats     pipeline.Stats
}

// BenchAction pushes images through the pipeline from concurrent streams and reports throughput,
// call latency and how well the stages batched.
func BenchAction(c *cli.Context) (err error) {
	opts := benchOptions{
		streams:       c.Int(benchFlagStreams),
		calls:         c.Int(benchFlagCalls),
		framesPerCall: c.Int(benchFlagFramesPerCall),
		fps:           c.Float64(benchFlagFPS),
	}
	if err := opts.validate(); err != nil {
		return err
	}
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

	res, err := bench(c.Context, p, images, opts)
	if err != nil {
		return err
	}
	return printBench(c.App.Writer, res)
}

// bench runs opts.streams producers, each making opts.calls Process calls of opts.framesPerCall
// frames cycled from images. A positive opts.fps paces each stream.
func bench(ctx context.Context, p *pipeline.Pipeline, images []namedImage, opts benchOptions) (*benchResult, error) {
	res := &benchResult{}
	var mu sync.Mutex

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for stream := 0; stream < opts.streams; stream++ {
		streamID := "bench-" + strconv.Itoa(stream)
		var limiter *rate.Limiter
		if opts.fps > 0 {
			limiter = rate.NewLimiter(rate.Limit(opts.fps), opts.framesPerCall)
		}
		g.Go(func() error {
			var index int64
			for call := 0; call < opts.calls; call++ {
				if limiter != nil {
					if err := limiter.WaitN(ctx, opts.framesPerCall); err != nil {
						return err
					}
				}
				frames := make([]pipeline.Frame, opts.framesPerCall)
				for i := range frames {
					img := images[(stream+int(index))%len(images)].img
					frames[i] = pipeline.Frame{StreamID: streamID, Index: index, Image: img, Timestamp: time.Now()}
					index++
				}
				callStart := time.Now()
				results, err := p.Process(ctx, frames)
				if err != nil {
					return errors.Wrapf(err, "stream %s call %d", streamID, call)
				}
				took := time.Since(callStart)

				mu.Lock()
				res.frames += len(results)
				res.latencies = append(res.latencies, float64(took.Microseconds())/1000)
				for _, fr := range results {
					res.objects += len(fr.Objects)
					if fr.Secondary == pipeline.StatusFailed {
						res.failed++
					}
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.elapsed = time.Since(start)
	res.stats = p.Stats()
	return res, nil
}

func printBench(w io.Writer, res *benchResult) error {
	mean, err := res.latencies.Mean()
	if err != nil {
		return err
	}
	p50, err := res.latencies.Percentile(50)
	if err != nil {
		return err
	}
	p95, err := res.latencies.Percentile(95)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "frames:     %d in %s (%.1f frames/s)\n", res.frames, res.elapsed.Round(time.Millisecond),
		float64(res.frames)/res.elapsed.Seconds())
	fmt.Fprintf(w, "objects:    %d (%d frames with secondary failures)\n", res.objects, res.failed)
	fmt.Fprintf(w, "call ms:    mean %.2f p50 %.2f p95 %.2f\n", mean, p50, p95)

	t := table.NewWriter()
	t.AppendHeader(table.Row{"Stage", "Batches", "Avg size", "Items/s", "Size flushes", "Timeout flushes", "P95 item ms"})
	t.AppendRow(stageRow(res.stats.Primary))
	if res.stats.Secondary != nil {
		t.AppendRow(stageRow(*res.stats.Secondary))
	}
	_, err = fmt.Fprintln(w, t.Render())
	return err
}

func stageRow(s pipeline.StageStats) table.Row {
	return table.Row{
		s.Scheduler.Name,
		s.Perf.TotalBatches,
		fmt.Sprintf("%.2f", s.Perf.AvgBatchSize),
		fmt.Sprintf("%.1f", s.Perf.Throughput),
		s.Scheduler.FlushesBySize,
		s.Scheduler.FlushesByTimeout,
		fmt.Sprintf("%.2f", float64(s.Perf.P95ItemTime.Microseconds())/1000),
	}
}
