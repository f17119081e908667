package store

import (
	"context"

	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/fault"
)

// AppendProgress appends one progress line and returns its server-assigned
// ordinal, monotonic per package. A concurrent-append collision surfaces as
// transient so the activity retry recomputes the ordinal.
func (s *Store) AppendProgress(ctx context.Context, packageID string, step contracts.ProgressStep, message string) (int64, error) {
	query := s.rebind(`
		INSERT INTO progress_events (package_id, ordinal, step, message, created_at)
		VALUES (?, (SELECT COALESCE(MAX(ordinal), 0) + 1 FROM progress_events WHERE package_id = ?), ?, ?, ?)
		RETURNING ordinal`)
	var ordinal int64
	err := s.db.QueryRowContext(ctx, query, packageID, packageID, string(step), message, s.now()).Scan(&ordinal)
	if err != nil {
		if isUniqueViolation(err) || isRetryableConflict(err) {
			return 0, fault.Transient("store.append_progress", err)
		}
		return 0, s.wrap("store.append_progress", err, "package", packageID)
	}
	return ordinal, nil
}

// ListProgress returns the package's progress log in ordinal order.
func (s *Store) ListProgress(ctx context.Context, packageID string) ([]contracts.ProgressEvent, error) {
	query := s.rebind(`
		SELECT package_id, ordinal, step, message, created_at
		FROM progress_events WHERE package_id = ? ORDER BY ordinal`)
	rows, err := s.db.QueryContext(ctx, query, packageID)
	if err != nil {
		return nil, s.wrap("store.list_progress", err, "package", packageID)
	}
	defer func() { _ = rows.Close() }()

	events := make([]contracts.ProgressEvent, 0)
	for rows.Next() {
		var ev contracts.ProgressEvent
		var step string
		if err := rows.Scan(&ev.PackageID, &ev.Ordinal, &step, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, s.wrap("store.list_progress", err, "package", packageID)
		}
		ev.Step = contracts.ProgressStep(step)
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("store.list_progress", err, "package", packageID)
	}
	return events, nil
}
