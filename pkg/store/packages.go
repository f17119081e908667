package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/fault"
)

// EnsurePackage inserts the package row in STARTED state. An existing row
// with the same id is left untouched, so replayed starts are no-ops.
func (s *Store) EnsurePackage(ctx context.Context, pkg contracts.Package) error {
	refs, err := marshalNullable(pkg.DocumentRefs)
	if err != nil {
		return err
	}
	now := s.now()
	query := s.rebind(`
		INSERT INTO packages (package_id, feedlot_family, status, document_refs, total_invoices, extracted_invoices, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (package_id) DO NOTHING`)
	_, err = s.db.ExecContext(ctx, query,
		pkg.PackageID, string(pkg.FeedlotFamily), string(contracts.PackageStarted), refs,
		pkg.TotalInvoices, pkg.ExtractedInvoices, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return s.wrap("store.ensure_package", err, "package", pkg.PackageID)
	}
	return nil
}

// GetPackage loads one package row.
func (s *Store) GetPackage(ctx context.Context, packageID string) (contracts.Package, error) {
	query := s.rebind(`
		SELECT package_id, feedlot_family, status, document_refs, statement_ref, total_invoices, extracted_invoices, created_at, updated_at
		FROM packages WHERE package_id = ?`)
	row := s.db.QueryRowContext(ctx, query, packageID)

	var pkg contracts.Package
	var family, status string
	var docRefs, stmtRef sql.NullString
	if err := row.Scan(&pkg.PackageID, &family, &status, &docRefs, &stmtRef,
		&pkg.TotalInvoices, &pkg.ExtractedInvoices, &pkg.CreatedAt, &pkg.UpdatedAt); err != nil {
		return contracts.Package{}, s.wrap("store.get_package", err, "package", packageID)
	}
	pkg.FeedlotFamily = contracts.FeedlotFamily(family)
	pkg.Status = contracts.PackageStatus(status)
	if docRefs.Valid && docRefs.String != "" {
		if err := json.Unmarshal([]byte(docRefs.String), &pkg.DocumentRefs); err != nil {
			return contracts.Package{}, fmt.Errorf("store: decoding document_refs for %s: %w", packageID, err)
		}
	}
	if stmtRef.Valid && stmtRef.String != "" {
		var ref contracts.DataReference
		if err := json.Unmarshal([]byte(stmtRef.String), &ref); err != nil {
			return contracts.Package{}, fmt.Errorf("store: decoding statement_ref for %s: %w", packageID, err)
		}
		pkg.StatementRef = &ref
	}
	pkg.CreatedAt = pkg.CreatedAt.UTC()
	pkg.UpdatedAt = pkg.UpdatedAt.UTC()
	return pkg, nil
}

// UpdatePackageStatus moves the package to status. Legality of the
// transition is the workflow's responsibility.
func (s *Store) UpdatePackageStatus(ctx context.Context, packageID string, status contracts.PackageStatus) error {
	query := s.rebind(`UPDATE packages SET status = ?, updated_at = ? WHERE package_id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(status), s.now(), packageID)
	if err != nil {
		return s.wrap("store.update_package_status", err, "package", packageID)
	}
	return s.requireRow(res, "package", packageID)
}

// SetStatementRef records the statement artifact reference.
func (s *Store) SetStatementRef(ctx context.Context, packageID string, ref contracts.DataReference) error {
	raw, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("store: encoding statement_ref: %w", err)
	}
	query := s.rebind(`UPDATE packages SET statement_ref = ?, updated_at = ? WHERE package_id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(raw), s.now(), packageID)
	if err != nil {
		return s.wrap("store.set_statement_ref", err, "package", packageID)
	}
	return s.requireRow(res, "package", packageID)
}

// SetTotalInvoices records the invoice page count discovered by the split.
func (s *Store) SetTotalInvoices(ctx context.Context, packageID string, total int) error {
	query := s.rebind(`UPDATE packages SET total_invoices = ?, updated_at = ? WHERE package_id = ?`)
	res, err := s.db.ExecContext(ctx, query, total, s.now(), packageID)
	if err != nil {
		return s.wrap("store.set_total_invoices", err, "package", packageID)
	}
	return s.requireRow(res, "package", packageID)
}

// SyncExtractedInvoices sets extracted_invoices to the persisted invoice row
// count, keeping the counter idempotent under replay.
func (s *Store) SyncExtractedInvoices(ctx context.Context, packageID string) (int, error) {
	query := s.rebind(`
		UPDATE packages
		SET extracted_invoices = (SELECT COUNT(*) FROM invoices WHERE invoices.package_id = packages.package_id),
		    updated_at = ?
		WHERE package_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, s.now(), packageID); err != nil {
		return 0, s.wrap("store.sync_extracted", err, "package", packageID)
	}
	var n int
	count := s.rebind(`SELECT extracted_invoices FROM packages WHERE package_id = ?`)
	if err := s.db.QueryRowContext(ctx, count, packageID).Scan(&n); err != nil {
		return 0, s.wrap("store.sync_extracted", err, "package", packageID)
	}
	return n, nil
}

func (s *Store) requireRow(res sql.Result, kind, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fault.Transient("store.rows_affected", err)
	}
	if n == 0 {
		return &fault.NotFoundError{Kind: kind, Key: key}
	}
	return nil
}

func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("store: encoding json column: %w", err)
	}
	if string(raw) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
