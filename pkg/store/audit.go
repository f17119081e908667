package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/corralhq/corral/pkg/contracts"
)

// AppendAudit writes one append-only audit event. Duplicate event ids from
// replayed activities are silently absorbed.
func (s *Store) AppendAudit(ctx context.Context, ev contracts.AuditEvent) error {
	details, err := marshalNullable(ev.Details)
	if err != nil {
		return err
	}
	refs, err := marshalNullable(ev.ArtifactRefs)
	if err != nil {
		return err
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	query := s.rebind(`
		INSERT INTO audit_events (event_id, severity, kind, package_id, invoice_number, workflow_id, activity_name, details, actor, artifact_refs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`)
	_, err = s.db.ExecContext(ctx, query,
		ev.EventID, string(ev.Severity), string(ev.Kind),
		nullable(ev.PackageID), nullable(ev.InvoiceNumber), nullable(ev.WorkflowID), nullable(ev.ActivityName),
		details, ev.Actor, refs, createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return s.wrap("store.append_audit", err, "audit_event", ev.EventID)
	}
	return nil
}

// ListAuditByPackage returns a package's audit trail oldest-first.
func (s *Store) ListAuditByPackage(ctx context.Context, packageID string, limit int) ([]contracts.AuditEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	query := s.rebind(`
		SELECT event_id, severity, kind, package_id, invoice_number, workflow_id, activity_name, details, actor, artifact_refs, created_at
		FROM audit_events WHERE package_id = ? ORDER BY created_at, event_id LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, packageID, limit)
	if err != nil {
		return nil, s.wrap("store.list_audit", err, "package", packageID)
	}
	defer func() { _ = rows.Close() }()

	events := make([]contracts.AuditEvent, 0)
	for rows.Next() {
		var ev contracts.AuditEvent
		var severity, kind string
		var pkgID, invNo, wfID, actName, details, refs sql.NullString
		if err := rows.Scan(&ev.EventID, &severity, &kind, &pkgID, &invNo, &wfID, &actName, &details, &ev.Actor, &refs, &ev.CreatedAt); err != nil {
			return nil, s.wrap("store.list_audit", err, "package", packageID)
		}
		ev.Severity = contracts.AuditSeverity(severity)
		ev.Kind = contracts.AuditKind(kind)
		ev.PackageID = pkgID.String
		ev.InvoiceNumber = invNo.String
		ev.WorkflowID = wfID.String
		ev.ActivityName = actName.String
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &ev.Details); err != nil {
				return nil, fmt.Errorf("store: decoding audit details for %s: %w", ev.EventID, err)
			}
		}
		if refs.Valid && refs.String != "" {
			if err := json.Unmarshal([]byte(refs.String), &ev.ArtifactRefs); err != nil {
				return nil, fmt.Errorf("store: decoding audit refs for %s: %w", ev.EventID, err)
			}
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("store.list_audit", err, "package", packageID)
	}
	return events, nil
}
