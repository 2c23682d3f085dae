package pipeline

import (
	"fmt"
	"image"
	"time"

	"go.viam.com/batchvision/batching/perf"
	"go.viam.com/batchvision/batching/scheduler"
	"go.viam.com/batchvision/vision/objectdetection"
)

// Frame is one decoded camera frame.
type Frame struct {
	StreamID  string
	Index     int64
	Image     image.Image
	Timestamp time.Time
}

// Status is the outcome of the secondary stage for an object or a frame.
type Status string

// Secondary stage outcomes.
const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// ObjectResult is one primary detection and what the secondary detector found inside it.
type ObjectResult struct {
	// Detection is the primary detection in frame coordinates.
	Detection objectdetection.Detection
	// Secondary holds the secondary detections, translated to frame coordinates.
	Secondary []objectdetection.Detection
	Status    Status
	Err       error
}

// FrameResult is the pipeline's answer for one input frame.
type FrameResult struct {
	StreamID string
	Index    int64
	Objects  []ObjectResult
	// Secondary is failed when any object failed, skipped when no secondary detector is configured.
	Secondary Status
}

// Stage names, as used in StageError and the per-stage setters.
const (
	StagePrimary   = "primary"
	StageSecondary = "secondary"
)

// StageError aborts a Process call.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// StageStats pairs a stage's scheduler counters with its batch performance.
type StageStats struct {
	Scheduler scheduler.Stats
	Perf      perf.Stats
}

// Stats covers both stages. Secondary is nil without a secondary detector.
type Stats struct {
	Primary   StageStats
	Secondary *StageStats
	// Calls counts Process calls since New; InFlightCalls are those not yet returned.
	Calls         uint64
	InFlightCalls int64
}
