// Package contracts defines the shared domain types of the AP orchestration
// core: packages, invoices, progress and audit events, artifact references,
// extracted documents, resolution records, and the reconciliation report.
// Workflow history carries only these lightweight records, never document
// bodies.
package contracts

import (
	"time"

	"github.com/corralhq/corral/pkg/fault"
	"github.com/shopspring/decimal"
)

// FeedlotFamily selects page-categorization keywords, prompt templates, and
// the statement grand-total source.
type FeedlotFamily string

const (
	FamilyBovina   FeedlotFamily = "BOVINA"
	FamilyMesquite FeedlotFamily = "MESQUITE"
)

// ParseFamily validates a feedlot family name.
func ParseFamily(s string) (FeedlotFamily, error) {
	switch FeedlotFamily(s) {
	case FamilyBovina:
		return FamilyBovina, nil
	case FamilyMesquite:
		return FamilyMesquite, nil
	default:
		return "", &fault.ValidationError{Field: "feedlot_family", Reason: "unknown family " + s}
	}
}

// Slug returns the lowercase artifact-tree segment for the family.
func (f FeedlotFamily) Slug() string {
	b := []byte(f)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// DataReference is an immutable descriptor of a stored artifact. It never
// contains document bytes; retrieving and re-hashing the bytes must match
// ContentHash or retrieval fails with an integrity error.
type DataReference struct {
	StorageURI  string    `json:"storage_uri"`
	ContentHash string    `json:"content_hash"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	StoredAt    time.Time `json:"stored_at"`
}

// Package is one AP submission: a statement plus zero or more invoices from
// one feedlot for one period. Mutated only by the workflow whose id equals
// PackageID.
type Package struct {
	PackageID         string          `json:"package_id"`
	FeedlotFamily     FeedlotFamily   `json:"feedlot_family"`
	Status            PackageStatus   `json:"status"`
	DocumentRefs      []DataReference `json:"document_refs,omitempty"`
	StatementRef      *DataReference  `json:"statement_ref,omitempty"`
	TotalInvoices     int             `json:"total_invoices"`
	ExtractedInvoices int             `json:"extracted_invoices"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Invoice is the per-package invoice row, uniquely keyed by
// (package_id, invoice_number).
type Invoice struct {
	PackageID     string           `json:"package_id"`
	InvoiceNumber string           `json:"invoice_number"`
	LotNumber     string           `json:"lot_number,omitempty"`
	InvoiceDate   string           `json:"invoice_date,omitempty"`
	TotalAmount   *decimal.Decimal `json:"total_amount,omitempty"`
	Status        InvoiceStatus    `json:"status"`
	InvoiceRef    *DataReference   `json:"invoice_ref,omitempty"`
	ValidationRef *DataReference   `json:"validation_ref,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ProgressStep enumerates the pipeline stages recorded in the progress log.
type ProgressStep string

const (
	StepSplitPDF         ProgressStep = "split_pdf"
	StepExtractStatement ProgressStep = "extract_statement"
	StepExtractInvoice   ProgressStep = "extract_invoice"
	StepValidate         ProgressStep = "validate"
	StepReconcile        ProgressStep = "reconcile"
	StepMapping          ProgressStep = "mapping"
	StepPayload          ProgressStep = "payload"
	StepPosting          ProgressStep = "posting"
)

// ProgressEvent is one append-only progress line. Ordinals are assigned
// monotonically per package by the store.
type ProgressEvent struct {
	PackageID string       `json:"package_id"`
	Ordinal   int64        `json:"ordinal"`
	Step      ProgressStep `json:"step"`
	Message   string       `json:"message"`
	CreatedAt time.Time    `json:"created_at"`
}

// AuditSeverity grades an audit event.
type AuditSeverity string

const (
	SeverityInfo  AuditSeverity = "INFO"
	SeverityWarn  AuditSeverity = "WARN"
	SeverityError AuditSeverity = "ERROR"
)

// AuditKind enumerates the audited subsystems.
type AuditKind string

const (
	AuditWorkflow       AuditKind = "workflow"
	AuditExtraction     AuditKind = "extraction"
	AuditValidation     AuditKind = "validation"
	AuditReconciliation AuditKind = "reconciliation"
	AuditMapping        AuditKind = "mapping"
	AuditPosting        AuditKind = "posting"
	AuditUser           AuditKind = "user"
	AuditSystem         AuditKind = "system"
)

// AuditEvent is one append-only audit record with a globally unique id.
type AuditEvent struct {
	EventID       string          `json:"event_id"`
	Severity      AuditSeverity   `json:"severity"`
	Kind          AuditKind       `json:"kind"`
	PackageID     string          `json:"package_id,omitempty"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	WorkflowID    string          `json:"workflow_id,omitempty"`
	ActivityName  string          `json:"activity_name,omitempty"`
	Details       map[string]any  `json:"details,omitempty"`
	Actor         string          `json:"actor"`
	CreatedAt     time.Time       `json:"created_at"`
	ArtifactRefs  []DataReference `json:"artifact_refs,omitempty"`
}
