package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/corralhq/corral/pkg/contracts"
)

// UpsertInvoice inserts or refreshes the invoice row keyed by
// (package_id, invoice_number). Replayed persists converge on one row.
func (s *Store) UpsertInvoice(ctx context.Context, inv contracts.Invoice) error {
	invRef, err := marshalNullable(inv.InvoiceRef)
	if err != nil {
		return err
	}
	valRef, err := marshalNullable(inv.ValidationRef)
	if err != nil {
		return err
	}
	var amount sql.NullString
	if inv.TotalAmount != nil {
		amount = sql.NullString{String: inv.TotalAmount.String(), Valid: true}
	}
	status := inv.Status
	if status == "" {
		status = contracts.InvoiceExtracted
	}
	query := s.rebind(`
		INSERT INTO invoices (package_id, invoice_number, lot_number, invoice_date, total_amount, status, invoice_ref, validation_ref, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (package_id, invoice_number) DO UPDATE SET
			lot_number = excluded.lot_number,
			invoice_date = excluded.invoice_date,
			total_amount = excluded.total_amount,
			invoice_ref = excluded.invoice_ref,
			updated_at = excluded.updated_at`)
	_, err = s.db.ExecContext(ctx, query,
		inv.PackageID, inv.InvoiceNumber, nullable(inv.LotNumber), nullable(inv.InvoiceDate),
		amount, string(status), invRef, valRef, s.now(),
	)
	if err != nil {
		return s.wrap("store.upsert_invoice", err, "invoice", inv.PackageID+":"+inv.InvoiceNumber)
	}
	return nil
}

// UpdateInvoiceStatus moves one invoice row and optionally attaches the
// validation artifact reference.
func (s *Store) UpdateInvoiceStatus(ctx context.Context, packageID, invoiceNumber string, status contracts.InvoiceStatus, validationRef *contracts.DataReference) error {
	valRef, err := marshalNullable(validationRef)
	if err != nil {
		return err
	}
	var (
		query string
		args  []any
	)
	if valRef.Valid {
		query = s.rebind(`UPDATE invoices SET status = ?, validation_ref = ?, updated_at = ? WHERE package_id = ? AND invoice_number = ?`)
		args = []any{string(status), valRef, s.now(), packageID, invoiceNumber}
	} else {
		query = s.rebind(`UPDATE invoices SET status = ?, updated_at = ? WHERE package_id = ? AND invoice_number = ?`)
		args = []any{string(status), s.now(), packageID, invoiceNumber}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return s.wrap("store.update_invoice_status", err, "invoice", packageID+":"+invoiceNumber)
	}
	return s.requireRow(res, "invoice", packageID+":"+invoiceNumber)
}

// GetInvoice loads one invoice row.
func (s *Store) GetInvoice(ctx context.Context, packageID, invoiceNumber string) (contracts.Invoice, error) {
	query := s.rebind(`
		SELECT package_id, invoice_number, lot_number, invoice_date, total_amount, status, invoice_ref, validation_ref, updated_at
		FROM invoices WHERE package_id = ? AND invoice_number = ?`)
	return s.scanInvoice(s.db.QueryRowContext(ctx, query, packageID, invoiceNumber), packageID+":"+invoiceNumber)
}

// ListInvoices returns the package's invoice rows ordered by invoice number.
func (s *Store) ListInvoices(ctx context.Context, packageID string) ([]contracts.Invoice, error) {
	query := s.rebind(`
		SELECT package_id, invoice_number, lot_number, invoice_date, total_amount, status, invoice_ref, validation_ref, updated_at
		FROM invoices WHERE package_id = ? ORDER BY invoice_number`)
	rows, err := s.db.QueryContext(ctx, query, packageID)
	if err != nil {
		return nil, s.wrap("store.list_invoices", err, "package", packageID)
	}
	defer func() { _ = rows.Close() }()

	invoices := make([]contracts.Invoice, 0)
	for rows.Next() {
		inv, err := s.scanInvoice(rows, packageID)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("store.list_invoices", err, "package", packageID)
	}
	return invoices, nil
}

// CountInvoices returns the number of persisted invoice rows for a package.
func (s *Store) CountInvoices(ctx context.Context, packageID string) (int, error) {
	var n int
	query := s.rebind(`SELECT COUNT(*) FROM invoices WHERE package_id = ?`)
	if err := s.db.QueryRowContext(ctx, query, packageID).Scan(&n); err != nil {
		return 0, s.wrap("store.count_invoices", err, "package", packageID)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanInvoice(row rowScanner, key string) (contracts.Invoice, error) {
	var inv contracts.Invoice
	var lot, date, amount, invRef, valRef sql.NullString
	var status string
	if err := row.Scan(&inv.PackageID, &inv.InvoiceNumber, &lot, &date, &amount, &status, &invRef, &valRef, &inv.UpdatedAt); err != nil {
		return contracts.Invoice{}, s.wrap("store.scan_invoice", err, "invoice", key)
	}
	inv.Status = contracts.InvoiceStatus(status)
	inv.LotNumber = lot.String
	inv.InvoiceDate = date.String
	if amount.Valid && amount.String != "" {
		d, err := decimal.NewFromString(amount.String)
		if err != nil {
			return contracts.Invoice{}, fmt.Errorf("store: decoding total_amount for %s: %w", key, err)
		}
		inv.TotalAmount = &d
	}
	if invRef.Valid && invRef.String != "" {
		var ref contracts.DataReference
		if err := json.Unmarshal([]byte(invRef.String), &ref); err != nil {
			return contracts.Invoice{}, fmt.Errorf("store: decoding invoice_ref for %s: %w", key, err)
		}
		inv.InvoiceRef = &ref
	}
	if valRef.Valid && valRef.String != "" {
		var ref contracts.DataReference
		if err := json.Unmarshal([]byte(valRef.String), &ref); err != nil {
			return contracts.Invoice{}, fmt.Errorf("store: decoding validation_ref for %s: %w", key, err)
		}
		inv.ValidationRef = &ref
	}
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return inv, nil
}

func nullable(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
