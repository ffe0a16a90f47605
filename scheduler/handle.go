package scheduler

import (
	"container/list"
	"context"

	"github.com/isdmx/playground/sandbox"
)

// Handle is the pending execution of one admitted request
type Handle struct {
	Request sandbox.ExecutionRequest

	ctx       context.Context
	cancel    context.CancelCauseFunc
	elem      *list.Element // position in the queue, nil once dispatched or dropped
	stopWatch func() bool

	done   chan struct{}
	result sandbox.ExecutionResult
	err    error
}

// ID returns the request id assigned at admission
func (h *Handle) ID() string {
	return h.Request.ID
}

// Done is closed once the request has a result or was dropped
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel aborts the request. A queued request leaves the queue without taking a
// slot; a running one is terminated the same way a timeout terminates it.
func (h *Handle) Cancel() {
	h.cancel(context.Canceled)
}

// Wait blocks until the request finishes. If ctx ends first the request is
// cancelled and Wait still returns its final outcome. The error is non-nil only
// when the request never ran: it was cancelled while queued or dropped by Close.
func (h *Handle) Wait(ctx context.Context) (sandbox.ExecutionResult, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		h.cancel(context.Cause(ctx))
		<-h.done
	}
	return h.result, h.err
}

func (h *Handle) finish(res sandbox.ExecutionResult, err error) {
	h.result = res
	h.err = err
	close(h.done)
	h.cancel(nil)
}
