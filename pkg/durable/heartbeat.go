package durable

import (
	"context"
	"time"
)

type heartbeatKey struct{}

// heartbeatRecorder persists liveness for one activity attempt.
type heartbeatRecorder struct {
	worker     *Worker
	workflowID string
	seq        int
	attempt    int
}

func (h *heartbeatRecorder) record(ctx context.Context, details string) error {
	return h.worker.store.RecordActivityHeartbeat(context.WithoutCancel(ctx), h.workflowID, h.seq, h.attempt, details)
}

// pump emits empty heartbeats on the given interval until the attempt's
// context ends or the returned stop function is called.
func (h *heartbeatRecorder) pump(ctx context.Context, interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := h.record(ctx, ""); err != nil {
					h.worker.logger.Warn("heartbeat write failed",
						"workflow_id", h.workflowID, "seq", h.seq, "error", err)
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}

func withHeartbeat(ctx context.Context, h *heartbeatRecorder) context.Context {
	return context.WithValue(ctx, heartbeatKey{}, h)
}

// Heartbeat lets a long activity report progress details from inside its
// body. Outside an activity attempt it is a no-op.
func Heartbeat(ctx context.Context, details string) {
	h, ok := ctx.Value(heartbeatKey{}).(*heartbeatRecorder)
	if !ok {
		return
	}
	if err := h.record(ctx, details); err != nil {
		h.worker.logger.Warn("heartbeat write failed",
			"workflow_id", h.workflowID, "seq", h.seq, "error", err)
	}
}
