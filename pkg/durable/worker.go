package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/fault"
	"github.com/corralhq/corral/pkg/store"
)

type registeredActivity struct {
	fn   ActivityFunc
	opts ActivityOptions
}

// Worker hosts workflow executions on one task queue: many cooperative
// single-threaded workflows, one bounded parallel activity pool. Workflows
// share no mutable state except through the persistence layer and the
// artifact store.
type Worker struct {
	store     *store.Store
	taskQueue string
	clock     func() time.Time
	logger    *slog.Logger

	workflows  map[string]WorkflowFunc
	activities map[string]registeredActivity
	onCancel   map[string]func(ctx context.Context, workflowID string)

	observeAttempt  func(ctx context.Context, activity string, attempt int)
	observeWorkflow func(ctx context.Context, kind, workflowID string) (context.Context, func(error))

	slots chan struct{} // activity pool admission

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock injects the timestamp source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.clock = now }
}

// WithLogger replaces the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithAttemptObserver installs a hook called once per activity attempt,
// used to feed telemetry counters.
func WithAttemptObserver(fn func(ctx context.Context, activity string, attempt int)) Option {
	return func(w *Worker) { w.observeAttempt = fn }
}

// WithWorkflowObserver installs a hook called once per live workflow
// execution. The returned context flows into the run; the finish function
// receives the terminal error. Terminal replays do not fire the hook.
func WithWorkflowObserver(fn func(ctx context.Context, kind, workflowID string) (context.Context, func(error))) Option {
	return func(w *Worker) { w.observeWorkflow = fn }
}

// WithMaxActivities caps concurrent activity executions.
func WithMaxActivities(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.slots = make(chan struct{}, n)
		}
	}
}

// NewWorker builds a worker over the persistence layer.
func NewWorker(st *store.Store, taskQueue string, opts ...Option) *Worker {
	w := &Worker{
		store:      st,
		taskQueue:  taskQueue,
		clock:      func() time.Time { return time.Now().UTC() },
		logger:     slog.Default().With("component", "durable", "task_queue", taskQueue),
		workflows:  make(map[string]WorkflowFunc),
		activities: make(map[string]registeredActivity),
		onCancel:   make(map[string]func(context.Context, string)),
		slots:      make(chan struct{}, 8),
		running:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RegisterWorkflow binds a workflow kind to its body.
func (w *Worker) RegisterWorkflow(kind string, fn WorkflowFunc) {
	w.workflows[kind] = fn
}

// RegisterActivity binds an activity name to its implementation and policy.
func (w *Worker) RegisterActivity(name string, fn ActivityFunc, opts ActivityOptions) {
	opts.Retry = opts.Retry.normalized()
	w.activities[name] = registeredActivity{fn: fn, opts: opts}
}

// OnCancel installs a cleanup hook invoked after a workflow of the given
// kind is marked cancelled, outside workflow determinism.
func (w *Worker) OnCancel(kind string, fn func(ctx context.Context, workflowID string)) {
	w.onCancel[kind] = fn
}

// Cancel requests cancellation of a running workflow. The pending activity's
// context is cancelled; the workflow observes ErrCancelled at its next
// command.
func (w *Worker) Cancel(workflowID string) {
	w.mu.Lock()
	cancel, ok := w.running[workflowID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

// Run executes (or resumes) one workflow to a terminal state and returns its
// result. Re-running a terminal workflow returns the recorded outcome
// without executing anything.
func (w *Worker) Run(ctx context.Context, workflowID, kind string, input json.RawMessage) (out json.RawMessage, err error) {
	fn, ok := w.workflows[kind]
	if !ok {
		return nil, &fault.ValidationError{Field: "workflow_kind", Reason: "not registered: " + kind}
	}

	if err := w.store.EnsureWorkflowExecution(ctx, store.WorkflowExecution{
		WorkflowID: workflowID,
		Kind:       kind,
		TaskQueue:  w.taskQueue,
		Input:      input,
	}); err != nil {
		return nil, err
	}
	exec, err := w.store.GetWorkflowExecution(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	switch exec.Status {
	case store.WorkflowCompleted:
		return exec.Result, nil
	case store.WorkflowFailed:
		return nil, errors.New(exec.Failure)
	case store.WorkflowCancelled:
		return nil, ErrCancelled
	}
	if exec.Kind != kind {
		return nil, &fault.ValidationError{Field: "workflow_id", Reason: "id already used by kind " + exec.Kind}
	}

	// Only live executions are observed; terminal replays returned above.
	if w.observeWorkflow != nil {
		var finish func(error)
		ctx, finish = w.observeWorkflow(ctx, kind, workflowID)
		defer func() { finish(err) }()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.running[workflowID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.running, workflowID)
		w.mu.Unlock()
	}()

	r := &runner{worker: w, ctx: runCtx}
	history, err := w.store.LoadHistory(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	wc := &Context{
		workflowID: workflowID,
		runner:     r,
		history:    history,
		logger:     w.logger.With("workflow_id", workflowID, "kind", kind),
	}
	r.wc = wc

	if len(history) == 0 {
		if err := r.append(store.HistoryEvent{
			WorkflowID: workflowID,
			Seq:        wc.takeSeq(),
			Kind:       EventWorkflowStarted,
			Name:       kind,
			Payload:    input,
		}); err != nil {
			return nil, err
		}
	} else {
		// Consume the start event; replay resumes after it.
		if ev, _ := wc.nextRecorded(); ev.Kind != EventWorkflowStarted {
			return nil, fmt.Errorf("%w: history does not begin with %s", ErrNondeterminism, EventWorkflowStarted)
		}
	}

	result, wfErr := fn(wc, exec.Input)
	switch {
	case wfErr == nil:
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("durable: encoding workflow result: %w", err)
		}
		if err := r.append(store.HistoryEvent{
			WorkflowID: workflowID, Seq: wc.takeSeq(), Kind: EventWorkflowCompleted, Payload: raw,
		}); err != nil {
			return nil, err
		}
		if err := w.store.SetWorkflowStatus(ctx, workflowID, store.WorkflowCompleted, raw, ""); err != nil {
			return nil, err
		}
		return raw, nil

	case errors.Is(wfErr, ErrCancelled):
		if err := r.append(store.HistoryEvent{
			WorkflowID: workflowID, Seq: wc.takeSeq(), Kind: EventWorkflowCancelled,
		}); err != nil && !errors.Is(err, ErrWorkflowOwned) {
			w.logger.Error("recording cancellation", "workflow_id", workflowID, "error", err)
		}
		// Status writes use the parent context: runCtx is already dead.
		if err := w.store.SetWorkflowStatus(ctx, workflowID, store.WorkflowCancelled, nil, "cancelled"); err != nil {
			w.logger.Error("marking cancelled", "workflow_id", workflowID, "error", err)
		}
		if hook, ok := w.onCancel[kind]; ok {
			hook(ctx, workflowID)
		}
		return nil, ErrCancelled

	case errors.Is(wfErr, ErrWorkflowOwned):
		return nil, wfErr

	default:
		summary := fmt.Sprintf("%s: %v", fault.Classify(wfErr), wfErr)
		if err := r.append(store.HistoryEvent{
			WorkflowID: workflowID, Seq: wc.takeSeq(), Kind: EventWorkflowFailed,
			Payload: mustJSON(failureRecord{Category: fault.Classify(wfErr), Message: wfErr.Error()}),
		}); err != nil && !errors.Is(err, ErrWorkflowOwned) {
			w.logger.Error("recording failure", "workflow_id", workflowID, "error", err)
		}
		if err := w.store.SetWorkflowStatus(ctx, workflowID, store.WorkflowFailed, nil, summary); err != nil {
			w.logger.Error("marking failed", "workflow_id", workflowID, "error", err)
		}
		return nil, wfErr
	}
}

// ResumeOpen re-drives every RUNNING execution on this worker's task queue
// through replay. Called at worker start; completed activities are not
// re-executed.
func (w *Worker) ResumeOpen(ctx context.Context) error {
	open, err := w.store.ListWorkflowExecutions(ctx, store.WorkflowRunning, w.taskQueue)
	if err != nil {
		return err
	}
	for _, exec := range open {
		w.logger.Info("resuming workflow", "workflow_id", exec.WorkflowID, "kind", exec.Kind)
		if _, err := w.Run(ctx, exec.WorkflowID, exec.Kind, exec.Input); err != nil {
			if errors.Is(err, ErrWorkflowOwned) {
				continue
			}
			w.logger.Error("resumed workflow failed", "workflow_id", exec.WorkflowID, "error", err)
		}
	}
	return nil
}

// runner drives one execution's live phase.
type runner struct {
	worker *Worker
	wc     *Context
	ctx    context.Context
}

func (r *runner) cancelled() error {
	if r.ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

func (r *runner) append(ev store.HistoryEvent) error {
	err := r.worker.store.AppendHistoryEvent(context.WithoutCancel(r.ctx), ev)
	if errors.Is(err, store.ErrHistoryConflict) {
		return ErrWorkflowOwned
	}
	return err
}

func (r *runner) appendMarker(c *Context, name string, m markerRecord) error {
	return r.append(store.HistoryEvent{
		WorkflowID: c.workflowID,
		Seq:        c.takeSeq(),
		Kind:       EventMarkerRecorded,
		Name:       name,
		Payload:    mustJSON(m),
	})
}

func (r *runner) sleep(d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-r.ctx.Done():
		return ErrCancelled
	}
}

// executeActivity runs the named activity under its registered policy:
// bounded attempts, exponential backoff with deterministic jitter, start-to-
// close deadline per attempt, heartbeats persisted while it runs. The result
// is appended to history before the workflow observes it.
func (r *runner) executeActivity(c *Context, name, inputHash string, in, out any) error {
	reg, ok := r.worker.activities[name]
	if !ok {
		return &fault.ValidationError{Field: "activity", Reason: "not registered: " + name}
	}
	input, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("durable: encoding input for %s: %w", name, err)
	}
	seq := c.takeSeq()

	var lastErr error
	for attempt := 1; attempt <= reg.opts.Retry.MaxAttempts; attempt++ {
		if err := r.cancelled(); err != nil {
			return err
		}
		if r.worker.observeAttempt != nil {
			r.worker.observeAttempt(r.ctx, name, attempt)
		}
		result, err := r.runAttempt(c.workflowID, name, seq, attempt, reg, input)
		if err == nil {
			raw, mErr := json.Marshal(result)
			if mErr != nil {
				return fmt.Errorf("durable: encoding result of %s: %w", name, mErr)
			}
			if aErr := r.append(store.HistoryEvent{
				WorkflowID: c.workflowID, Seq: seq, Kind: EventActivityCompleted,
				Name: name, Attempt: attempt, InputHash: inputHash, Payload: raw,
			}); aErr != nil {
				return aErr
			}
			return decodeResult(raw, out)
		}
		if errors.Is(err, ErrCancelled) {
			return err
		}
		lastErr = err
		cat := fault.Classify(err)
		if !reg.opts.Retry.retryable(cat) {
			break
		}
		if attempt == reg.opts.Retry.MaxAttempts {
			break
		}
		retryAfter, _ := fault.RetryAfter(err)
		delay := backoffDelay(reg.opts.Retry, c.workflowID, name, attempt, retryAfter)
		r.worker.logger.Warn("activity retry",
			"workflow_id", c.workflowID, "activity", name,
			"attempt", attempt, "delay", delay, "error", err)
		if sErr := r.sleep(delay); sErr != nil {
			return sErr
		}
	}

	cat := fault.Classify(lastErr)
	retryAfter, _ := fault.RetryAfter(lastErr)
	rec := failureRecord{Category: cat, Message: lastErr.Error(), RetryAfter: retryAfter}
	if aErr := r.append(store.HistoryEvent{
		WorkflowID: c.workflowID, Seq: seq, Kind: EventActivityFailed,
		Name: name, InputHash: inputHash, Payload: mustJSON(rec),
	}); aErr != nil {
		return aErr
	}
	return rehydrateFailure(mustJSON(rec))
}

// runAttempt executes one attempt in the activity pool with its deadline
// and heartbeat recorder attached.
func (r *runner) runAttempt(workflowID, name string, seq, attempt int, reg registeredActivity, input json.RawMessage) (any, error) {
	select {
	case r.worker.slots <- struct{}{}:
		defer func() { <-r.worker.slots }()
	case <-r.ctx.Done():
		return nil, ErrCancelled
	}

	actCtx := r.ctx
	var cancel context.CancelFunc
	if reg.opts.StartToClose > 0 {
		actCtx, cancel = context.WithTimeout(actCtx, reg.opts.StartToClose)
		defer cancel()
	}

	if err := r.worker.store.StartActivityExecution(context.WithoutCancel(r.ctx), workflowID, seq, attempt, name); err != nil {
		return nil, err
	}

	hb := &heartbeatRecorder{worker: r.worker, workflowID: workflowID, seq: seq, attempt: attempt}
	actCtx = withHeartbeat(actCtx, hb)
	if reg.opts.HeartbeatInterval > 0 {
		stop := hb.pump(actCtx, reg.opts.HeartbeatInterval)
		defer stop()
	}

	result, err := reg.fn(actCtx, input)
	finish := store.ActivityCompleted
	errCat, errMsg := "", ""
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && r.ctx.Err() != nil:
		err = ErrCancelled
		finish = store.ActivityCancelledStat
		errMsg = "cancelled"
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			err = fault.Transient(name+": start-to-close timeout", err)
		}
		finish = store.ActivityFailedStatus
		errCat = string(fault.Classify(err))
		errMsg = err.Error()
	}
	if fErr := r.worker.store.FinishActivityExecution(context.WithoutCancel(r.ctx), workflowID, seq, attempt, finish, errCat, errMsg); fErr != nil {
		r.worker.logger.Error("closing activity attempt", "activity", name, "error", fErr)
	}
	return result, err
}

func rehydrateFailure(payload json.RawMessage) error {
	var rec failureRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("durable: decoding failure record: %w", err)
	}
	return fault.FromCategory(rec.Category, rec.Message, rec.RetryAfter)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("durable: marshal of internal record failed: %v", err))
	}
	return raw
}
