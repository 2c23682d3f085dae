package server

import (
	"time"

	"github.com/samber/lo"

	"go.viam.com/batchvision/batching/perf"
	"go.viam.com/batchvision/batching/scheduler"
	"go.viam.com/batchvision/pipeline"
	"go.viam.com/batchvision/vision/objectdetection"
)

type boxJSON struct {
	XMin int `json:"x_min"`
	YMin int `json:"y_min"`
	XMax int `json:"x_max"`
	YMax int `json:"y_max"`
}

type detectionJSON struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Box   boxJSON `json:"box"`
}

type objectJSON struct {
	detectionJSON
	Status    pipeline.Status `json:"status"`
	Error     string          `json:"error,omitempty"`
	Secondary []detectionJSON `json:"secondary"`
}

type frameJSON struct {
	StreamID  string          `json:"stream_id"`
	Index     int64           `json:"index"`
	Secondary pipeline.Status `json:"secondary"`
	Objects   []objectJSON    `json:"objects"`
}

type detectResponse struct {
	Frames []frameJSON `json:"frames"`
}

func detectionView(d objectdetection.Detection, _ int) detectionJSON {
	box := d.BoundingBox()
	return detectionJSON{
		Label: d.Label(),
		Score: d.Score(),
		Box:   boxJSON{XMin: box.Min.X, YMin: box.Min.Y, XMax: box.Max.X, YMax: box.Max.Y},
	}
}

func framesJSON(results []pipeline.FrameResult) []frameJSON {
	return lo.Map(results, func(fr pipeline.FrameResult, _ int) frameJSON {
		return frameJSON{
			StreamID:  fr.StreamID,
			Index:     fr.Index,
			Secondary: fr.Secondary,
			Objects: lo.Map(fr.Objects, func(o pipeline.ObjectResult, _ int) objectJSON {
				out := objectJSON{
					detectionJSON: detectionView(o.Detection, 0),
					Status:        o.Status,
					Secondary:     lo.Map(o.Secondary, detectionView),
				}
				if o.Err != nil {
					out.Error = o.Err.Error()
				}
				return out
			}),
		}
	})
}

type schedulerJSON struct {
	Submitted        uint64  `json:"submitted"`
	Completed        uint64  `json:"completed"`
	Failed           uint64  `json:"failed"`
	Cancelled        uint64  `json:"cancelled"`
	FlushesBySize    uint64  `json:"flushes_by_size"`
	FlushesByTimeout uint64  `json:"flushes_by_timeout"`
	FlushesByClose   uint64  `json:"flushes_by_close"`
	Pending          int     `json:"pending"`
	QueuedBatches    int     `json:"queued_batches"`
	Flushing         bool    `json:"flushing"`
	MaxBatchSize     int     `json:"max_batch_size"`
	MinBatchSize     int     `json:"min_batch_size"`
	MaxWaitMs        float64 `json:"max_wait_ms"`
}

type perfJSON struct {
	Samples      int     `json:"samples"`
	AvgBatchSize float64 `json:"avg_batch_size"`
	AvgBatchMs   float64 `json:"avg_batch_ms"`
	AvgItemMs    float64 `json:"avg_item_ms"`
	P50ItemMs    float64 `json:"p50_item_ms"`
	P90ItemMs    float64 `json:"p90_item_ms"`
	P95ItemMs    float64 `json:"p95_item_ms"`
	Throughput   float64 `json:"throughput"`
	TotalBatches uint64  `json:"total_batches"`
	TotalItems   uint64  `json:"total_items"`
}

type stageJSON struct {
	Name      string        `json:"name"`
	Scheduler schedulerJSON `json:"scheduler"`
	Perf      perfJSON      `json:"perf"`
}

type statsResponse struct {
	Calls         uint64     `json:"calls"`
	InFlightCalls int64      `json:"in_flight_calls"`
	Primary       stageJSON  `json:"primary"`
	Secondary     *stageJSON `json:"secondary,omitempty"`
}

func stageView(s pipeline.StageStats) stageJSON {
	return stageJSON{
		Name:      s.Scheduler.Name,
		Scheduler: schedulerView(s.Scheduler),
		Perf:      perfView(s.Perf),
	}
}

func schedulerView(s scheduler.Stats) schedulerJSON {
	return schedulerJSON{
		Submitted:        s.Submitted,
		Completed:        s.Completed,
		Failed:           s.Failed,
		Cancelled:        s.Cancelled,
		FlushesBySize:    s.FlushesBySize,
		FlushesByTimeout: s.FlushesByTimeout,
		FlushesByClose:   s.FlushesByClose,
		Pending:          s.Pending,
		QueuedBatches:    s.QueuedBatches,
		Flushing:         s.Flushing,
		MaxBatchSize:     s.MaxBatchSize,
		MinBatchSize:     s.MinBatchSize,
		MaxWaitMs:        float64(s.MaxWait.Microseconds()) / 1000,
	}
}

func perfView(s perf.Stats) perfJSON {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return perfJSON{
		Samples:      s.Samples,
		AvgBatchSize: s.AvgBatchSize,
		AvgBatchMs:   ms(s.AvgBatchTime),
		AvgItemMs:    ms(s.AvgItemTime),
		P50ItemMs:    ms(s.P50ItemTime),
		P90ItemMs:    ms(s.P90ItemTime),
		P95ItemMs:    ms(s.P95ItemTime),
		Throughput:   s.Throughput,
		TotalBatches: s.TotalBatches,
		TotalItems:   s.TotalItems,
	}
}

func statsJSON(s pipeline.Stats) statsResponse {
	out := statsResponse{Calls: s.Calls, InFlightCalls: s.InFlightCalls, Primary: stageView(s.Primary)}
	if s.Secondary != nil {
		v := stageView(*s.Secondary)
		out.Secondary = &v
	}
	return out
}
