// Package erp is the ERP boundary: the consumed client contract with
// ERP-neutral reference structs, and the payload builder producing the
// purchase-invoice envelope the posting layer sends. The core never speaks an
// ERP wire protocol.
package erp

import (
	"context"
)

// Ref is the ERP-neutral reference record returned by listing operations.
type Ref struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// DimensionValueRef is one admissible value of an ERP dimension.
type DimensionValueRef struct {
	DimensionCode string `json:"dimension_code"`
	Code          string `json:"code"`
	Name          string `json:"name"`
	IsActive      bool   `json:"is_active"`
}

// InvoiceStatus is the ERP-side lifecycle of a submitted purchase invoice.
type InvoiceStatus string

const (
	StatusDraft   InvoiceStatus = "DRAFT"
	StatusPosted  InvoiceStatus = "POSTED"
	StatusUnknown InvoiceStatus = "UNKNOWN"
)

// CreateResult is the outcome of a draft create.
type CreateResult struct {
	ERPInvoiceID string        `json:"erp_invoice_id"`
	Status       InvoiceStatus `json:"status"`
	// AlreadyExisted reports an idempotent replay: the key had been used.
	AlreadyExisted bool `json:"already_existed"`
}

// Client is the consumed ERP contract. Creates are idempotent on the
// payload's idempotency key; re-submitting an identical payload returns the
// original invoice.
type Client interface {
	ListEntities(ctx context.Context) ([]Ref, error)
	ListVendors(ctx context.Context, entityCode string) ([]Ref, error)
	ListGLAccounts(ctx context.Context, entityCode string) ([]Ref, error)
	ListDimensions(ctx context.Context, entityCode string) ([]Ref, error)
	ListDimensionValues(ctx context.Context, entityCode, dimensionCode string) ([]DimensionValueRef, error)

	CreateDraftInvoice(ctx context.Context, entityCode string, payload Payload) (CreateResult, error)
	PostInvoice(ctx context.Context, entityCode, erpInvoiceID string) error
	InvoiceStatus(ctx context.Context, entityCode, erpInvoiceID string) (InvoiceStatus, error)
}

// Header is the purchase-invoice envelope header. Amounts are decimal
// strings with explicit scale.
type Header struct {
	VendorCode         string `json:"vendor_code"`
	ExternalDocumentNo string `json:"external_document_no"`
	DocumentDate       string `json:"document_date"`
	DueDate            string `json:"due_date,omitempty"`
	PostingDate        string `json:"posting_date,omitempty"`
	CurrencyCode       string `json:"currency_code,omitempty"`
	TotalAmount        string `json:"total_amount"`
}

// Line is one ordered payload line.
type Line struct {
	Description   string            `json:"description"`
	Quantity      string            `json:"quantity"`
	UnitPrice     string            `json:"unit_price"`
	GLAccountCode string            `json:"gl_account_code"`
	Dimensions    map[string]string `json:"dimensions,omitempty"`
}

// Payload is the full purchase-invoice envelope. IdempotencyKey is echoed
// unchanged by the ERP.
type Payload struct {
	Header         Header `json:"header"`
	Lines          []Line `json:"lines"`
	PackageID      string `json:"package_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Ready reports whether the payload can be submitted: a vendor, a document
// number, a total, and at least one line.
func (p Payload) Ready() bool {
	return p.Header.VendorCode != "" &&
		p.Header.ExternalDocumentNo != "" &&
		p.Header.TotalAmount != "" &&
		len(p.Lines) > 0
}
