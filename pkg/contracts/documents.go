package contracts

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Amounts are decimal end to end and serialize as decimal strings. Optional
// amounts are pointers; a nil amount is missing, never zero.

// LotReference is one statement line claiming a per-invoice charge.
type LotReference struct {
	InvoiceNumber   string           `json:"invoice_number"`
	LotNumber       string           `json:"lot_number,omitempty"`
	StatementCharge *decimal.Decimal `json:"statement_charge,omitempty"`
	Description     string           `json:"description,omitempty"`
}

// TransactionRow is one statement activity line.
type TransactionRow struct {
	Date        string           `json:"date,omitempty"`
	Description string           `json:"description,omitempty"`
	LotNumber   string           `json:"lot_number,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
}

// SummaryRow is one labelled statement total.
type SummaryRow struct {
	Label  string           `json:"label"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

// StatementDocument is the extracted statement. Owner/feedlot signal fields
// backfill missing invoice fields during entity resolution.
type StatementDocument struct {
	SchemaVersion string           `json:"schema_version"`
	Feedlot       string           `json:"feedlot"`
	FeedlotState  string           `json:"feedlot_state,omitempty"`
	Owner         string           `json:"owner"`
	OwnerNumber   string           `json:"owner_number,omitempty"`
	RemitState    string           `json:"remit_state,omitempty"`
	PeriodStart   string           `json:"period_start,omitempty"`
	PeriodEnd     string           `json:"period_end,omitempty"`
	LotReferences []LotReference   `json:"lot_references"`
	Transactions  []TransactionRow `json:"transactions,omitempty"`
	SummaryRows   []SummaryRow     `json:"summary_rows,omitempty"`
}

// LineItem is one invoice charge line.
type LineItem struct {
	Description string           `json:"description"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	Rate        *decimal.Decimal `json:"rate,omitempty"`
	Total       *decimal.Decimal `json:"total,omitempty"`
}

// InvoiceTotals carries the claimed invoice totals in precedence order.
type InvoiceTotals struct {
	TotalAmountDue     *decimal.Decimal `json:"total_amount_due,omitempty"`
	TotalPeriodCharges *decimal.Decimal `json:"total_period_charges,omitempty"`
}

// InvoiceDocument is one extracted invoice.
type InvoiceDocument struct {
	SchemaVersion string        `json:"schema_version"`
	InvoiceNumber string        `json:"invoice_number"`
	InvoiceDate   string        `json:"invoice_date,omitempty"`
	Feedlot       string        `json:"feedlot,omitempty"`
	FeedlotState  string        `json:"feedlot_state,omitempty"`
	Owner         string        `json:"owner,omitempty"`
	OwnerNumber   string        `json:"owner_number,omitempty"`
	RemitState    string        `json:"remit_state,omitempty"`
	Lot           string        `json:"lot,omitempty"`
	Page          int           `json:"page,omitempty"`
	LineItems     []LineItem    `json:"line_items"`
	Totals        InvoiceTotals `json:"totals"`
}

// ResolvedTotal applies the invoice-total precedence: total_amount_due, then
// total_period_charges, then the sum of line totals. Returns false when none
// resolves; a missing total is a failed comparison downstream, never zero.
func (d *InvoiceDocument) ResolvedTotal() (decimal.Decimal, bool) {
	if d.Totals.TotalAmountDue != nil {
		return *d.Totals.TotalAmountDue, true
	}
	if d.Totals.TotalPeriodCharges != nil {
		return *d.Totals.TotalPeriodCharges, true
	}
	sum := decimal.Zero
	seen := false
	for _, li := range d.LineItems {
		if li.Total != nil {
			sum = sum.Add(*li.Total)
			seen = true
		}
	}
	if !seen {
		return decimal.Decimal{}, false
	}
	return sum, true
}

// LineTotalSum sums the line totals that are present. The second return is
// false when no line carries a total.
func (d *InvoiceDocument) LineTotalSum() (decimal.Decimal, bool) {
	sum := decimal.Zero
	seen := false
	for _, li := range d.LineItems {
		if li.Total != nil {
			sum = sum.Add(*li.Total)
			seen = true
		}
	}
	return sum, seen
}

// dateLayouts covers the date forms extractors emit. ISO first.
var dateLayouts = []string{"2006-01-02", "01/02/2006", "1/2/2006", "01-02-2006"}

// ParseDate parses a document date. Validation and reconciliation share this
// so an invoice cannot pass one and block the other on the same field.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ValidationStatus grades a per-invoice validation result.
type ValidationStatus string

const (
	ValidationPass ValidationStatus = "PASS"
	ValidationFail ValidationStatus = "FAIL"
)

// ValidationResult is the persisted outcome of validate_invoice.
type ValidationResult struct {
	InvoiceNumber string           `json:"invoice_number"`
	Status        ValidationStatus `json:"status"`
	Errors        []string         `json:"errors,omitempty"`
	Warnings      []string         `json:"warnings,omitempty"`
	CheckedAt     time.Time        `json:"checked_at"`
}
