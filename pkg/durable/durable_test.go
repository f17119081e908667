package durable_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/canonical"
	"github.com/corralhq/corral/pkg/durable"
	"github.com/corralhq/corral/pkg/fault"
	"github.com/corralhq/corral/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func fastOptions(maxAttempts int, nonRetryable ...fault.Category) durable.ActivityOptions {
	return durable.ActivityOptions{
		StartToClose: 5 * time.Second,
		Retry: durable.RetryPolicy{
			InitialInterval: time.Second,
			BackoffFactor:   2,
			MaxInterval:     2 * time.Second,
			MaxAttempts:     maxAttempts,
			NonRetryable:    nonRetryable,
		},
	}
}

type stageInput struct {
	Package string `json:"package"`
}

func TestRunCompletesAndIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	w := durable.NewWorker(st, "test-queue")

	var splitCalls, persistCalls atomic.Int32
	w.RegisterActivity("split", func(ctx context.Context, input json.RawMessage) (any, error) {
		splitCalls.Add(1)
		return []string{"13334", "13335"}, nil
	}, fastOptions(3))
	w.RegisterActivity("persist", func(ctx context.Context, input json.RawMessage) (any, error) {
		persistCalls.Add(1)
		return "ok", nil
	}, fastOptions(3))

	w.RegisterWorkflow("package", func(ctx *durable.Context, input json.RawMessage) (any, error) {
		var invoices []string
		if err := ctx.ExecuteActivity("split", stageInput{Package: "pkg-1"}, &invoices); err != nil {
			return nil, err
		}
		var status string
		if err := ctx.ExecuteActivity("persist", invoices, &status); err != nil {
			return nil, err
		}
		return map[string]any{"invoices": invoices, "status": status}, nil
	})

	ctx := context.Background()
	result, err := w.Run(ctx, "wf-1", "package", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"invoices":["13334","13335"],"status":"ok"}`, string(result))

	// A second run of a terminal workflow returns the recorded result and
	// executes nothing.
	again, err := w.Run(ctx, "wf-1", "package", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.JSONEq(t, string(result), string(again))
	require.Equal(t, int32(1), splitCalls.Load())
	require.Equal(t, int32(1), persistCalls.Load())

	exec, err := st.GetWorkflowExecution(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, store.WorkflowCompleted, exec.Status)
}

func TestResumeReplaysCompletedActivities(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// A prior worker completed "split" and died before "persist". Seed the
	// state that crash would leave behind.
	input := json.RawMessage(`{"package":"pkg-9"}`)
	require.NoError(t, st.EnsureWorkflowExecution(ctx, store.WorkflowExecution{
		WorkflowID: "wf-crash", Kind: "package", TaskQueue: "test-queue", Input: input,
	}))
	require.NoError(t, st.AppendHistoryEvent(ctx, store.HistoryEvent{
		WorkflowID: "wf-crash", Seq: 0, Kind: durable.EventWorkflowStarted, Name: "package", Payload: input,
	}))
	splitHash, err := canonical.Hash(stageInput{Package: "pkg-9"})
	require.NoError(t, err)
	require.NoError(t, st.AppendHistoryEvent(ctx, store.HistoryEvent{
		WorkflowID: "wf-crash", Seq: 1, Kind: durable.EventActivityCompleted,
		Name: "split", Attempt: 1, InputHash: splitHash, Payload: json.RawMessage(`["13334"]`),
	}))

	w := durable.NewWorker(st, "test-queue")
	var splitCalls, persistCalls atomic.Int32
	w.RegisterActivity("split", func(ctx context.Context, input json.RawMessage) (any, error) {
		splitCalls.Add(1)
		return []string{"13334"}, nil
	}, fastOptions(3))
	w.RegisterActivity("persist", func(ctx context.Context, input json.RawMessage) (any, error) {
		persistCalls.Add(1)
		return "ok", nil
	}, fastOptions(3))
	w.RegisterWorkflow("package", func(c *durable.Context, in json.RawMessage) (any, error) {
		var invoices []string
		if err := c.ExecuteActivity("split", stageInput{Package: "pkg-9"}, &invoices); err != nil {
			return nil, err
		}
		var status string
		if err := c.ExecuteActivity("persist", invoices, &status); err != nil {
			return nil, err
		}
		return status, nil
	})

	require.NoError(t, w.ResumeOpen(ctx))

	require.Equal(t, int32(0), splitCalls.Load(), "completed activity must replay from history")
	require.Equal(t, int32(1), persistCalls.Load())
	exec, err := st.GetWorkflowExecution(ctx, "wf-crash")
	require.NoError(t, err)
	require.Equal(t, store.WorkflowCompleted, exec.Status)
	require.JSONEq(t, `"ok"`, string(exec.Result))
}

func TestNondeterminismOnRenamedActivity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnsureWorkflowExecution(ctx, store.WorkflowExecution{
		WorkflowID: "wf-drift", Kind: "package", TaskQueue: "test-queue", Input: json.RawMessage(`{}`),
	}))
	require.NoError(t, st.AppendHistoryEvent(ctx, store.HistoryEvent{
		WorkflowID: "wf-drift", Seq: 0, Kind: durable.EventWorkflowStarted, Name: "package",
	}))
	hash, err := canonical.Hash(stageInput{Package: "pkg-1"})
	require.NoError(t, err)
	require.NoError(t, st.AppendHistoryEvent(ctx, store.HistoryEvent{
		WorkflowID: "wf-drift", Seq: 1, Kind: durable.EventActivityCompleted,
		Name: "old_step", Attempt: 1, InputHash: hash, Payload: json.RawMessage(`"x"`),
	}))

	w := durable.NewWorker(st, "test-queue")
	w.RegisterActivity("new_step", func(ctx context.Context, input json.RawMessage) (any, error) {
		return "x", nil
	}, fastOptions(1))
	w.RegisterWorkflow("package", func(c *durable.Context, in json.RawMessage) (any, error) {
		var out string
		if err := c.ExecuteActivity("new_step", stageInput{Package: "pkg-1"}, &out); err != nil {
			return nil, err
		}
		return out, nil
	})

	_, err = w.Run(ctx, "wf-drift", "package", nil)
	require.ErrorIs(t, err, durable.ErrNondeterminism)
}

func TestNondeterminismOnChangedInput(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	recordedHash, err := canonical.Hash(stageInput{Package: "pkg-old"})
	require.NoError(t, err)
	require.NoError(t, st.EnsureWorkflowExecution(ctx, store.WorkflowExecution{
		WorkflowID: "wf-input", Kind: "package", TaskQueue: "test-queue",
	}))
	require.NoError(t, st.AppendHistoryEvent(ctx, store.HistoryEvent{
		WorkflowID: "wf-input", Seq: 0, Kind: durable.EventWorkflowStarted, Name: "package",
	}))
	require.NoError(t, st.AppendHistoryEvent(ctx, store.HistoryEvent{
		WorkflowID: "wf-input", Seq: 1, Kind: durable.EventActivityCompleted,
		Name: "step", Attempt: 1, InputHash: recordedHash, Payload: json.RawMessage(`"x"`),
	}))

	w := durable.NewWorker(st, "test-queue")
	w.RegisterActivity("step", func(ctx context.Context, input json.RawMessage) (any, error) {
		return "x", nil
	}, fastOptions(1))
	w.RegisterWorkflow("package", func(c *durable.Context, in json.RawMessage) (any, error) {
		var out string
		err := c.ExecuteActivity("step", stageInput{Package: "pkg-new"}, &out)
		return out, err
	})

	_, err = w.Run(ctx, "wf-input", "package", nil)
	require.ErrorIs(t, err, durable.ErrNondeterminism)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	st := newTestStore(t)
	w := durable.NewWorker(st, "test-queue")

	var calls atomic.Int32
	w.RegisterActivity("flaky", func(ctx context.Context, input json.RawMessage) (any, error) {
		if calls.Add(1) == 1 {
			return nil, fault.Transient("extract", nil)
		}
		return "done", nil
	}, fastOptions(2))
	w.RegisterWorkflow("package", func(c *durable.Context, in json.RawMessage) (any, error) {
		var out string
		err := c.ExecuteActivity("flaky", stageInput{Package: "p"}, &out)
		return out, err
	})

	result, err := w.Run(context.Background(), "wf-flaky", "package", nil)
	require.NoError(t, err)
	require.JSONEq(t, `"done"`, string(result))
	require.Equal(t, int32(2), calls.Load())
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	st := newTestStore(t)
	w := durable.NewWorker(st, "test-queue")

	var calls atomic.Int32
	w.RegisterActivity("classify", func(ctx context.Context, input json.RawMessage) (any, error) {
		calls.Add(1)
		return nil, &fault.ValidationError{Field: "feedlot_family", Reason: "unknown family"}
	}, fastOptions(5))
	w.RegisterWorkflow("package", func(c *durable.Context, in json.RawMessage) (any, error) {
		var out string
		err := c.ExecuteActivity("classify", stageInput{Package: "p"}, &out)
		return out, err
	})

	_, err := w.Run(context.Background(), "wf-bad", "package", nil)
	require.Error(t, err)
	require.True(t, fault.IsValidation(err))
	require.Equal(t, int32(1), calls.Load())

	exec, gErr := st.GetWorkflowExecution(context.Background(), "wf-bad")
	require.NoError(t, gErr)
	require.Equal(t, store.WorkflowFailed, exec.Status)
	require.Contains(t, exec.Failure, "unknown family")
}

func TestExhaustedRetriesRecordFailure(t *testing.T) {
	st := newTestStore(t)
	w := durable.NewWorker(st, "test-queue")

	var calls atomic.Int32
	w.RegisterActivity("push", func(ctx context.Context, input json.RawMessage) (any, error) {
		calls.Add(1)
		return nil, fault.Transient("erp.create", nil)
	}, fastOptions(2))
	w.RegisterWorkflow("package", func(c *durable.Context, in json.RawMessage) (any, error) {
		var out string
		err := c.ExecuteActivity("push", stageInput{Package: "p"}, &out)
		return out, err
	})

	_, err := w.Run(context.Background(), "wf-exhaust", "package", nil)
	require.Error(t, err)
	require.True(t, fault.IsTransient(err))
	require.Equal(t, int32(2), calls.Load())

	history, hErr := st.LoadHistory(context.Background(), "wf-exhaust")
	require.NoError(t, hErr)
	var kinds []string
	for _, ev := range history {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []string{
		durable.EventWorkflowStarted,
		durable.EventActivityFailed,
		durable.EventWorkflowFailed,
	}, kinds)
}

func TestSideEffectReplaysRecordedValue(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnsureWorkflowExecution(ctx, store.WorkflowExecution{
		WorkflowID: "wf-marker", Kind: "package", TaskQueue: "test-queue",
	}))
	require.NoError(t, st.AppendHistoryEvent(ctx, store.HistoryEvent{
		WorkflowID: "wf-marker", Seq: 0, Kind: durable.EventWorkflowStarted, Name: "package",
	}))
	require.NoError(t, st.AppendHistoryEvent(ctx, store.HistoryEvent{
		WorkflowID: "wf-marker", Seq: 1, Kind: durable.EventMarkerRecorded,
		Name: "pick", Payload: json.RawMessage(`{"value":42}`),
	}))

	w := durable.NewWorker(st, "test-queue")
	var liveCalls atomic.Int32
	w.RegisterWorkflow("package", func(c *durable.Context, in json.RawMessage) (any, error) {
		var n int
		err := c.SideEffect("pick", func() (any, error) {
			liveCalls.Add(1)
			return 99, nil
		}, &n)
		return n, err
	})

	result, err := w.Run(ctx, "wf-marker", "package", nil)
	require.NoError(t, err)
	require.JSONEq(t, `42`, string(result))
	require.Equal(t, int32(0), liveCalls.Load())
}

func TestNowIsStableAcrossReplay(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	frozen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := durable.NewWorker(st, "test-queue", durable.WithClock(func() time.Time { return frozen }))
	w.RegisterWorkflow("package", func(c *durable.Context, in json.RawMessage) (any, error) {
		now, err := c.Now()
		if err != nil {
			return nil, err
		}
		return now.Format(time.RFC3339), nil
	})

	result, err := w.Run(ctx, "wf-now", "package", nil)
	require.NoError(t, err)
	require.JSONEq(t, `"2025-06-01T12:00:00Z"`, string(result))

	history, err := st.LoadHistory(ctx, "wf-now")
	require.NoError(t, err)
	require.Equal(t, durable.EventMarkerRecorded, history[1].Kind)
	require.Equal(t, "now", history[1].Name)
}

func TestCancellation(t *testing.T) {
	st := newTestStore(t)
	w := durable.NewWorker(st, "test-queue")

	started := make(chan struct{})
	w.RegisterActivity("wait", func(ctx context.Context, input json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, fastOptions(3))
	w.RegisterWorkflow("package", func(c *durable.Context, in json.RawMessage) (any, error) {
		var out string
		err := c.ExecuteActivity("wait", stageInput{Package: "p"}, &out)
		return out, err
	})

	var hookCalls atomic.Int32
	w.OnCancel("package", func(ctx context.Context, workflowID string) {
		hookCalls.Add(1)
	})

	go func() {
		<-started
		w.Cancel("wf-cancel")
	}()

	_, err := w.Run(context.Background(), "wf-cancel", "package", nil)
	require.ErrorIs(t, err, durable.ErrCancelled)

	exec, gErr := st.GetWorkflowExecution(context.Background(), "wf-cancel")
	require.NoError(t, gErr)
	require.Equal(t, store.WorkflowCancelled, exec.Status)
	require.Equal(t, int32(1), hookCalls.Load())
}

func TestHeartbeatDetailsPersisted(t *testing.T) {
	st := newTestStore(t)
	w := durable.NewWorker(st, "test-queue")

	w.RegisterActivity("extract", func(ctx context.Context, input json.RawMessage) (any, error) {
		durable.Heartbeat(ctx, "page 3 of 7")
		return "ok", nil
	}, fastOptions(1))
	w.RegisterWorkflow("package", func(c *durable.Context, in json.RawMessage) (any, error) {
		var out string
		err := c.ExecuteActivity("extract", stageInput{Package: "p"}, &out)
		return out, err
	})

	_, err := w.Run(context.Background(), "wf-hb", "package", nil)
	require.NoError(t, err)

	var details string
	row := st.DB().QueryRow(
		`SELECT heartbeat_details FROM activity_executions WHERE workflow_id = ? AND attempt = 1`, "wf-hb")
	require.NoError(t, row.Scan(&details))
	require.Equal(t, "page 3 of 7", details)
}

func TestWorkflowObserverReceivesTerminalOutcome(t *testing.T) {
	st := newTestStore(t)

	type outcome struct {
		kind string
		err  error
	}
	var outcomes []outcome
	observer := func(ctx context.Context, kind, workflowID string) (context.Context, func(error)) {
		return ctx, func(err error) {
			outcomes = append(outcomes, outcome{kind: kind, err: err})
		}
	}
	w := durable.NewWorker(st, "test-queue", durable.WithWorkflowObserver(observer))

	w.RegisterActivity("work", func(ctx context.Context, input json.RawMessage) (any, error) {
		return "ok", nil
	}, fastOptions(1))
	w.RegisterWorkflow("succeeds", func(ctx *durable.Context, input json.RawMessage) (any, error) {
		var out string
		if err := ctx.ExecuteActivity("work", stageInput{Package: "pkg-1"}, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	w.RegisterWorkflow("fails", func(ctx *durable.Context, input json.RawMessage) (any, error) {
		return nil, &fault.ValidationError{Field: "input", Reason: "rejected"}
	})

	ctx := context.Background()
	_, err := w.Run(ctx, "wf-ok", "succeeds", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = w.Run(ctx, "wf-bad", "fails", json.RawMessage(`{}`))
	require.Error(t, err)

	require.Len(t, outcomes, 2)
	require.Equal(t, "succeeds", outcomes[0].kind)
	require.NoError(t, outcomes[0].err)
	require.Equal(t, "fails", outcomes[1].kind)
	require.Error(t, outcomes[1].err)

	// A terminal replay returns the recorded result without executing, so
	// the observer must not fire again.
	_, err = w.Run(ctx, "wf-ok", "succeeds", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
}
