// Package durable is a replay-based durable execution engine. A workflow
// function runs single-threaded and deterministic; everything non-
// deterministic (I/O, clocks, randomness) happens in named activities whose
// results are appended to a per-workflow history before the workflow
// observes them. Re-running a workflow replays completed activities straight
// from history, so a worker crash between activities resumes without
// repeating work, and any divergence between the code and its recorded
// history is surfaced as a fatal nondeterminism error instead of silent
// corruption.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/corralhq/corral/pkg/fault"
)

// History event kinds.
const (
	EventWorkflowStarted   = "WORKFLOW_STARTED"
	EventActivityCompleted = "ACTIVITY_COMPLETED"
	EventActivityFailed    = "ACTIVITY_FAILED"
	EventMarkerRecorded    = "MARKER_RECORDED"
	EventWorkflowCompleted = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    = "WORKFLOW_FAILED"
	EventWorkflowCancelled = "WORKFLOW_CANCELLED"
)

// ErrNondeterminism reports a replayed command that does not match recorded
// history: the workflow code changed underneath an open execution.
var ErrNondeterminism = errors.New("durable: workflow diverged from recorded history")

// ErrCancelled reports that the execution was cancelled.
var ErrCancelled = errors.New("durable: workflow cancelled")

// ErrWorkflowOwned reports a history append that lost the race to another
// worker; the local run abandons the workflow.
var ErrWorkflowOwned = errors.New("durable: workflow owned by another worker")

// RetryPolicy bounds an activity's retries. InitialInterval is at least one
// second and BackoffFactor at least two so a failing activity can never hot
// loop.
type RetryPolicy struct {
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
	MaxAttempts     int
	NonRetryable    []fault.Category
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.InitialInterval < time.Second {
		p.InitialInterval = time.Second
	}
	if p.BackoffFactor < 2 {
		p.BackoffFactor = 2
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	return p
}

func (p RetryPolicy) retryable(cat fault.Category) bool {
	if !cat.Retryable() {
		return false
	}
	for _, nr := range p.NonRetryable {
		if nr == cat {
			return false
		}
	}
	return true
}

// ActivityOptions carry an activity's timeout and retry configuration,
// resolved at registration from the pipeline's policy table.
type ActivityOptions struct {
	StartToClose      time.Duration
	HeartbeatInterval time.Duration // zero disables automatic heartbeats
	Retry             RetryPolicy
}

// DefaultDBWriteOptions is the policy for short persistence activities.
func DefaultDBWriteOptions() ActivityOptions {
	return ActivityOptions{
		StartToClose: 30 * time.Second,
		Retry: RetryPolicy{
			InitialInterval: time.Second,
			BackoffFactor:   2,
			MaxInterval:     30 * time.Second,
			MaxAttempts:     5,
			NonRetryable:    []fault.Category{fault.CategoryValidation, fault.CategoryIntegrity},
		},
	}
}

// ActivityFunc executes one activity. The input is the JSON the workflow
// passed; the returned value is serialized into history.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (any, error)

// WorkflowFunc is a registered workflow body. It must be deterministic: all
// I/O, clock reads and randomness go through ctx.
type WorkflowFunc func(ctx *Context, input json.RawMessage) (any, error)

// Handler adapts a typed activity function to ActivityFunc.
func Handler[T any](fn func(ctx context.Context, in T) (any, error)) ActivityFunc {
	return func(ctx context.Context, input json.RawMessage) (any, error) {
		var in T
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, &fault.ValidationError{Field: "activity_input", Reason: err.Error()}
			}
		}
		return fn(ctx, in)
	}
}

// failureRecord is the serialized form of a terminal activity failure.
type failureRecord struct {
	Category   fault.Category `json:"category"`
	Message    string         `json:"message"`
	RetryAfter time.Duration  `json:"retry_after,omitempty"`
	Attempts   int            `json:"attempts"`
}

// markerRecord is the serialized form of a side effect, timer or clock read.
type markerRecord struct {
	Value json.RawMessage `json:"value,omitempty"`
}
