package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/corralhq/corral/pkg/fault"
)

// WorkflowStatus is the lifecycle of a durable workflow execution.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

// WorkflowExecution is one durable run, keyed by workflow id.
type WorkflowExecution struct {
	WorkflowID string
	Kind       string
	TaskQueue  string
	Input      json.RawMessage
	Status     WorkflowStatus
	Result     json.RawMessage
	Failure    string
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// HistoryEvent is one append-only history record. Seq is dense and
// per-workflow; the pair is the primary key.
type HistoryEvent struct {
	WorkflowID string
	Seq        int
	Kind       string
	Name       string
	Attempt    int
	InputHash  string
	Payload    json.RawMessage
	RecordedAt time.Time
}

// ActivityExecStatus is the lifecycle of one activity attempt.
type ActivityExecStatus string

const (
	ActivityStarted       ActivityExecStatus = "STARTED"
	ActivityCompleted     ActivityExecStatus = "COMPLETED"
	ActivityFailedStatus  ActivityExecStatus = "FAILED"
	ActivityCancelledStat ActivityExecStatus = "CANCELLED"
)

// ErrHistoryConflict reports an append at an already-occupied sequence: some
// other worker owns the workflow.
var ErrHistoryConflict = errors.New("workflow history sequence conflict")

// EnsureWorkflowExecution inserts the execution row if absent. Resumed runs
// keep their original row.
func (s *Store) EnsureWorkflowExecution(ctx context.Context, w WorkflowExecution) error {
	now := s.now()
	startedAt := w.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}
	query := s.rebind(`
		INSERT INTO workflow_executions (workflow_id, kind, task_queue, input, status, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id) DO NOTHING`)
	_, err := s.db.ExecContext(ctx, query,
		w.WorkflowID, w.Kind, w.TaskQueue, string(w.Input), string(WorkflowRunning), startedAt, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return s.wrap("store.ensure_workflow", err, "workflow", w.WorkflowID)
	}
	return nil
}

// GetWorkflowExecution loads one execution row.
func (s *Store) GetWorkflowExecution(ctx context.Context, workflowID string) (WorkflowExecution, error) {
	query := s.rebind(`
		SELECT workflow_id, kind, task_queue, input, status, result, failure, started_at, updated_at
		FROM workflow_executions WHERE workflow_id = ?`)
	row := s.db.QueryRowContext(ctx, query, workflowID)

	var w WorkflowExecution
	var input, result, failure sql.NullString
	var status string
	if err := row.Scan(&w.WorkflowID, &w.Kind, &w.TaskQueue, &input, &status, &result, &failure, &w.StartedAt, &w.UpdatedAt); err != nil {
		return WorkflowExecution{}, s.wrap("store.get_workflow", err, "workflow", workflowID)
	}
	w.Status = WorkflowStatus(status)
	if input.Valid {
		w.Input = json.RawMessage(input.String)
	}
	if result.Valid {
		w.Result = json.RawMessage(result.String)
	}
	w.Failure = failure.String
	w.StartedAt = w.StartedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

// SetWorkflowStatus finishes or cancels an execution, recording the result
// or failure summary.
func (s *Store) SetWorkflowStatus(ctx context.Context, workflowID string, status WorkflowStatus, result json.RawMessage, failure string) error {
	var res sql.NullString
	if len(result) > 0 {
		res = sql.NullString{String: string(result), Valid: true}
	}
	query := s.rebind(`
		UPDATE workflow_executions SET status = ?, result = ?, failure = ?, updated_at = ?
		WHERE workflow_id = ?`)
	out, err := s.db.ExecContext(ctx, query, string(status), res, nullable(failure), s.now(), workflowID)
	if err != nil {
		return s.wrap("store.set_workflow_status", err, "workflow", workflowID)
	}
	return s.requireRow(out, "workflow", workflowID)
}

// ListWorkflowExecutions returns executions with the given status on a task
// queue, oldest first. Used to resume RUNNING workflows at worker start.
func (s *Store) ListWorkflowExecutions(ctx context.Context, status WorkflowStatus, taskQueue string) ([]WorkflowExecution, error) {
	query := s.rebind(`
		SELECT workflow_id, kind, task_queue, input, status, result, failure, started_at, updated_at
		FROM workflow_executions WHERE status = ? AND task_queue = ?
		ORDER BY started_at, workflow_id`)
	rows, err := s.db.QueryContext(ctx, query, string(status), taskQueue)
	if err != nil {
		return nil, s.wrap("store.list_workflows", err, "workflows", taskQueue)
	}
	defer func() { _ = rows.Close() }()

	var out []WorkflowExecution
	for rows.Next() {
		var w WorkflowExecution
		var input, result, failure sql.NullString
		var st string
		if err := rows.Scan(&w.WorkflowID, &w.Kind, &w.TaskQueue, &input, &st, &result, &failure, &w.StartedAt, &w.UpdatedAt); err != nil {
			return nil, s.wrap("store.list_workflows", err, "workflows", taskQueue)
		}
		w.Status = WorkflowStatus(st)
		if input.Valid {
			w.Input = json.RawMessage(input.String)
		}
		if result.Valid {
			w.Result = json.RawMessage(result.String)
		}
		w.Failure = failure.String
		w.StartedAt = w.StartedAt.UTC()
		w.UpdatedAt = w.UpdatedAt.UTC()
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("store.list_workflows", err, "workflows", taskQueue)
	}
	return out, nil
}

// AppendHistoryEvent appends one event at the given sequence. Appending to
// an occupied sequence returns ErrHistoryConflict: another worker owns this
// workflow.
func (s *Store) AppendHistoryEvent(ctx context.Context, ev HistoryEvent) error {
	recordedAt := ev.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.now()
	}
	var payload sql.NullString
	if len(ev.Payload) > 0 {
		payload = sql.NullString{String: string(ev.Payload), Valid: true}
	}
	query := s.rebind(`
		INSERT INTO workflow_history (workflow_id, seq, kind, name, attempt, input_hash, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		ev.WorkflowID, ev.Seq, ev.Kind, ev.Name, ev.Attempt, ev.InputHash, payload, recordedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrHistoryConflict
		}
		if isRetryableConflict(err) {
			return fault.Transient("store.append_history", err)
		}
		return s.wrap("store.append_history", err, "workflow", ev.WorkflowID)
	}
	return nil
}

// LoadHistory returns a workflow's full history in sequence order.
func (s *Store) LoadHistory(ctx context.Context, workflowID string) ([]HistoryEvent, error) {
	query := s.rebind(`
		SELECT workflow_id, seq, kind, name, attempt, input_hash, payload, recorded_at
		FROM workflow_history WHERE workflow_id = ? ORDER BY seq`)
	rows, err := s.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, s.wrap("store.load_history", err, "workflow", workflowID)
	}
	defer func() { _ = rows.Close() }()

	var events []HistoryEvent
	for rows.Next() {
		var ev HistoryEvent
		var payload sql.NullString
		if err := rows.Scan(&ev.WorkflowID, &ev.Seq, &ev.Kind, &ev.Name, &ev.Attempt, &ev.InputHash, &payload, &ev.RecordedAt); err != nil {
			return nil, s.wrap("store.load_history", err, "workflow", workflowID)
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		ev.RecordedAt = ev.RecordedAt.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("store.load_history", err, "workflow", workflowID)
	}
	return events, nil
}

// StartActivityExecution opens (or refreshes, after a crash) one activity
// attempt record.
func (s *Store) StartActivityExecution(ctx context.Context, workflowID string, seq, attempt int, name string) error {
	query := s.rebind(`
		INSERT INTO activity_executions (workflow_id, seq, attempt, activity_name, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, seq, attempt) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at`)
	_, err := s.db.ExecContext(ctx, query, workflowID, seq, attempt, name, string(ActivityStarted), s.now())
	if err != nil {
		return s.wrap("store.start_activity", err, "activity", name)
	}
	return nil
}

// RecordActivityHeartbeat stamps the attempt's last heartbeat.
func (s *Store) RecordActivityHeartbeat(ctx context.Context, workflowID string, seq, attempt int, details string) error {
	query := s.rebind(`
		UPDATE activity_executions SET last_heartbeat_at = ?, heartbeat_details = ?
		WHERE workflow_id = ? AND seq = ? AND attempt = ?`)
	_, err := s.db.ExecContext(ctx, query, s.now(), nullable(details), workflowID, seq, attempt)
	if err != nil {
		return s.wrap("store.heartbeat", err, "activity", workflowID)
	}
	return nil
}

// FinishActivityExecution closes one attempt with its outcome.
func (s *Store) FinishActivityExecution(ctx context.Context, workflowID string, seq, attempt int, status ActivityExecStatus, errCategory, errMessage string) error {
	query := s.rebind(`
		UPDATE activity_executions SET status = ?, error_category = ?, error_message = ?, finished_at = ?
		WHERE workflow_id = ? AND seq = ? AND attempt = ?`)
	_, err := s.db.ExecContext(ctx, query,
		string(status), nullable(errCategory), nullable(errMessage), s.now(), workflowID, seq, attempt)
	if err != nil {
		return s.wrap("store.finish_activity", err, "activity", workflowID)
	}
	return nil
}
