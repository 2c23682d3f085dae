package scheduler

import (
	"context"
	"image"
	"time"

	"go.viam.com/batchvision/vision/objectdetection"
)

// Item is one unit of detection work. It must not be modified after submission.
type Item struct {
	Image image.Image
	// StreamID and FrameIndex identify the frame the item came from.
	StreamID   string
	FrameIndex int64
	// Parent is the region of the frame the image was cropped from, if any.
	Parent *image.Rectangle
}

func (it Item) validate() error {
	if it.Image == nil {
		return &ValidationError{Field: "image", Reason: "is nil"}
	}
	if it.Image.Bounds().Empty() {
		return &ValidationError{Field: "image", Reason: "has zero area"}
	}
	if it.Parent != nil && it.Parent.Empty() {
		return &ValidationError{Field: "parent", Reason: "has zero area " + it.Parent.String()}
	}
	return nil
}

// Request is the completion handle for a submitted Item. It resolves exactly once, to either
// the detections for its item or an error.
type Request struct {
	item     Item
	enqueued time.Time
	sched    *Scheduler
	// guarded by sched.mu
	b *batch

	done       chan struct{}
	detections []objectdetection.Detection
	err        error
}

func (r *Request) resolve(dets []objectdetection.Detection, err error) {
	r.detections = dets
	r.err = err
	close(r.done)
}

// Item returns the submitted item.
func (r *Request) Item() Item {
	return r.item
}

// Enqueued returns the scheduler clock's time at submission.
func (r *Request) Enqueued() time.Time {
	return r.enqueued
}

// Done is closed once the request has resolved.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Result returns the outcome of a resolved request, or ErrPending.
func (r *Request) Result() ([]objectdetection.Detection, error) {
	select {
	case <-r.done:
		return r.detections, r.err
	default:
		return nil, ErrPending
	}
}

// Wait blocks until the request resolves. If ctx ends first, Wait tries to cancel the request;
// when its batch is already sealed the cancellation fails and Wait keeps waiting for the result.
func (r *Request) Wait(ctx context.Context) ([]objectdetection.Detection, error) {
	select {
	case <-r.done:
		return r.detections, r.err
	case <-ctx.Done():
	}
	r.Cancel()
	<-r.done
	return r.detections, r.err
}

// Cancel removes the request from its batch if the batch is still accumulating, resolving it
// to ErrCancelled. It returns false, and changes nothing, once the batch has been sealed.
func (r *Request) Cancel() bool {
	return r.sched.cancel(r)
}
