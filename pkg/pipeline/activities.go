package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/corralhq/corral/pkg/coding"
	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/durable"
	"github.com/corralhq/corral/pkg/entity"
	"github.com/corralhq/corral/pkg/erp"
	"github.com/corralhq/corral/pkg/extract"
	"github.com/corralhq/corral/pkg/fault"
	"github.com/corralhq/corral/pkg/reconcile"
	"github.com/corralhq/corral/pkg/vendors"
)

// amountTolerance is the inclusive bound on line-sum vs claimed-total drift.
var amountTolerance = decimal.New(5, -2)

// Activity inputs and outputs. These cross the history boundary, so they
// carry references and scalars only, never document bodies.

type startInput struct {
	PackageID     string                   `json:"package_id"`
	FeedlotFamily string                   `json:"feedlot_family"`
	DocumentRefs  []contracts.DataReference `json:"document_refs,omitempty"`
}

type splitInput struct {
	PackageID     string `json:"package_id"`
	FeedlotFamily string `json:"feedlot_family"`
	PDFPath       string `json:"pdf_path"`
}

type extractStatementInput struct {
	PackageID     string `json:"package_id"`
	FeedlotFamily string `json:"feedlot_family"`
	PDFPath       string `json:"pdf_path"`
	Pages         []int  `json:"pages"`
}

type statementOut struct {
	Ref         contracts.DataReference `json:"ref"`
	FeedlotName string                  `json:"feedlot_name,omitempty"`
	OwnerName   string                  `json:"owner_name,omitempty"`
	PeriodStart string                  `json:"period_start,omitempty"`
	PeriodEnd   string                  `json:"period_end,omitempty"`
	Cached      bool                    `json:"cached,omitempty"`
}

type extractInvoiceInput struct {
	PackageID     string `json:"package_id"`
	FeedlotFamily string `json:"feedlot_family"`
	PDFPath       string `json:"pdf_path"`
	Page          int    `json:"page"`
	PageIndex     int    `json:"page_index"`
}

type invoiceOut struct {
	Ref           contracts.DataReference `json:"ref"`
	InvoiceNumber string                  `json:"invoice_number"`
	LotNumber     string                  `json:"lot_number,omitempty"`
	InvoiceDate   string                  `json:"invoice_date,omitempty"`
	TotalAmount   string                  `json:"total_amount,omitempty"`
	Cached        bool                    `json:"cached,omitempty"`
}

type persistInvoiceInput struct {
	PackageID     string                  `json:"package_id"`
	InvoiceNumber string                  `json:"invoice_number"`
	LotNumber     string                  `json:"lot_number,omitempty"`
	InvoiceDate   string                  `json:"invoice_date,omitempty"`
	TotalAmount   string                  `json:"total_amount,omitempty"`
	Ref           contracts.DataReference `json:"ref"`
}

type persistInvoiceOut struct {
	ExtractedInvoices int `json:"extracted_invoices"`
}

type validateInput struct {
	PackageID     string                  `json:"package_id"`
	FeedlotFamily string                  `json:"feedlot_family"`
	Ref           contracts.DataReference `json:"ref"`
}

type validateOut struct {
	InvoiceNumber string                     `json:"invoice_number"`
	Status        contracts.ValidationStatus `json:"status"`
	Ref           contracts.DataReference    `json:"ref"`
	Errors        []string                   `json:"errors,omitempty"`
	Warnings      []string                   `json:"warnings,omitempty"`
}

type invoiceStatusInput struct {
	PackageID     string                   `json:"package_id"`
	InvoiceNumber string                   `json:"invoice_number"`
	Status        contracts.InvoiceStatus  `json:"status"`
	ValidationRef *contracts.DataReference `json:"validation_ref,omitempty"`
}

type reconcileInput struct {
	PackageID     string                    `json:"package_id"`
	FeedlotFamily string                    `json:"feedlot_family"`
	StatementRef  contracts.DataReference   `json:"statement_ref"`
	InvoiceRefs   []contracts.DataReference `json:"invoice_refs"`
}

type reconcileOut struct {
	Status       contracts.ReportStatus  `json:"status"`
	BlocksFailed []string                `json:"blocks_failed,omitempty"`
	TotalChecks  int                     `json:"total_checks"`
	ReportRef    contracts.DataReference `json:"report_ref"`
}

type packageStatusInput struct {
	PackageID string                  `json:"package_id"`
	Status    contracts.PackageStatus `json:"status"`
}

type progressInput struct {
	PackageID string                 `json:"package_id"`
	Step      contracts.ProgressStep `json:"step"`
	Message   string                 `json:"message"`
}

type auditInput struct {
	EventID       string                    `json:"event_id,omitempty"`
	Severity      contracts.AuditSeverity   `json:"severity"`
	Kind          contracts.AuditKind       `json:"kind"`
	PackageID     string                    `json:"package_id,omitempty"`
	InvoiceNumber string                    `json:"invoice_number,omitempty"`
	WorkflowID    string                    `json:"workflow_id,omitempty"`
	ActivityName  string                    `json:"activity_name,omitempty"`
	Details       map[string]any            `json:"details,omitempty"`
	ArtifactRefs  []contracts.DataReference `json:"artifact_refs,omitempty"`
}

type auditOut struct {
	EventID string `json:"event_id"`
}

type reconcileLinkInput struct {
	PackageID     string                   `json:"package_id"`
	InvoiceNumber string                   `json:"invoice_number"`
	StatementRef  *contracts.DataReference `json:"statement_ref,omitempty"`
}

type reconcileLinkOut struct {
	Linked          bool   `json:"linked"`
	LotNumber       string `json:"lot_number,omitempty"`
	StatementCharge string `json:"statement_charge,omitempty"`
}

type resolveEntityInput struct {
	PackageID     string                   `json:"package_id"`
	InvoiceNumber string                   `json:"invoice_number"`
	InvoiceRef    contracts.DataReference  `json:"invoice_ref"`
	StatementRef  *contracts.DataReference `json:"statement_ref,omitempty"`
}

type resolveEntityOut struct {
	Resolution entity.Resolution `json:"resolution"`
	Signals    entity.Signals    `json:"signals"`
}

type resolveVendorInput struct {
	PackageID     string `json:"package_id"`
	InvoiceNumber string `json:"invoice_number"`
	EntityID      string `json:"entity_id"`
	EntityCode    string `json:"entity_code"`
	VendorName    string `json:"vendor_name"`
}

type mappingInput struct {
	PackageID     string                   `json:"package_id"`
	FeedlotFamily string                   `json:"feedlot_family"`
	InvoiceNumber string                   `json:"invoice_number"`
	InvoiceRef    contracts.DataReference  `json:"invoice_ref"`
	StatementRef  *contracts.DataReference `json:"statement_ref,omitempty"`
	EntityID      string                   `json:"entity_id,omitempty"`
	Vendor        *coding.VendorInfo       `json:"vendor,omitempty"`
}

type mappingOut struct {
	Ref               contracts.DataReference `json:"ref"`
	Complete          bool                    `json:"complete"`
	MissingMappings   []string                `json:"missing_mappings,omitempty"`
	MissingDimensions []string                `json:"missing_dimensions,omitempty"`
	Warnings          []string                `json:"warnings,omitempty"`
}

type payloadInput struct {
	PackageID     string                   `json:"package_id"`
	FeedlotFamily string                   `json:"feedlot_family"`
	InvoiceNumber string                   `json:"invoice_number"`
	InvoiceRef    contracts.DataReference  `json:"invoice_ref"`
	CodingRef     *contracts.DataReference `json:"coding_ref,omitempty"`
	VendorCode    string                   `json:"vendor_code"`
	CurrencyCode  string                   `json:"currency_code,omitempty"`
	PostingDate   string                   `json:"posting_date,omitempty"`
	DueDate       string                   `json:"due_date,omitempty"`
}

type payloadOut struct {
	Ref            contracts.DataReference `json:"ref"`
	IdempotencyKey string                  `json:"idempotency_key"`
	Ready          bool                    `json:"ready"`
}

func (p *Pipeline) persistPackageStarted(ctx context.Context, in startInput) (any, error) {
	family, err := contracts.ParseFamily(in.FeedlotFamily)
	if err != nil {
		return nil, err
	}
	err = p.store.EnsurePackage(ctx, contracts.Package{
		PackageID:     in.PackageID,
		FeedlotFamily: family,
		Status:        contracts.PackageStarted,
		DocumentRefs:  in.DocumentRefs,
	})
	if err != nil {
		return nil, err
	}
	return auditOut{}, nil
}

func (p *Pipeline) splitPDF(ctx context.Context, in splitInput) (any, error) {
	family, err := contracts.ParseFamily(in.FeedlotFamily)
	if err != nil {
		return nil, err
	}
	c, err := extract.ClassifyPages(ctx, p.texter, family, in.PDFPath)
	if err != nil {
		return nil, err
	}
	if err := p.store.SetTotalInvoices(ctx, in.PackageID, len(c.InvoicePages)); err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("classified %d pages: %d statement, %d invoice",
		c.TotalPages, len(c.StatementPages), len(c.InvoicePages))
	if _, err := p.store.AppendProgress(ctx, in.PackageID, contracts.StepSplitPDF, msg); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *Pipeline) extractStatement(ctx context.Context, in extractStatementInput) (any, error) {
	family, err := contracts.ParseFamily(in.FeedlotFamily)
	if err != nil {
		return nil, err
	}
	if err := p.gate.Wait(ctx); err != nil {
		return nil, err
	}
	durable.Heartbeat(ctx, "extracting statement")
	res, err := p.extraction.ExtractStatement(ctx, family, in.PDFPath, in.Pages)
	if err != nil {
		return nil, err
	}
	durable.Heartbeat(ctx, "statement extracted")
	if err := p.store.SetStatementRef(ctx, in.PackageID, res.Ref); err != nil {
		return nil, err
	}
	msg := "statement extracted for " + res.Doc.Feedlot
	if res.Cached {
		msg += " (cached)"
	}
	if _, err := p.store.AppendProgress(ctx, in.PackageID, contracts.StepExtractStatement, msg); err != nil {
		return nil, err
	}
	return statementOut{
		Ref:         res.Ref,
		FeedlotName: res.Doc.Feedlot,
		OwnerName:   res.Doc.Owner,
		PeriodStart: res.Doc.PeriodStart,
		PeriodEnd:   res.Doc.PeriodEnd,
		Cached:      res.Cached,
	}, nil
}

func (p *Pipeline) extractInvoice(ctx context.Context, in extractInvoiceInput) (any, error) {
	family, err := contracts.ParseFamily(in.FeedlotFamily)
	if err != nil {
		return nil, err
	}
	if err := p.gate.Wait(ctx); err != nil {
		return nil, err
	}
	durable.Heartbeat(ctx, fmt.Sprintf("extracting invoice page %d", in.Page+1))
	alloc := p.allocatorFor(ctx, in.PackageID, family)
	res, err := p.extraction.ExtractInvoice(ctx, family, in.PDFPath, in.Page, in.PageIndex, alloc)
	if err != nil {
		return nil, err
	}
	durable.Heartbeat(ctx, "invoice "+res.Doc.InvoiceNumber+" extracted")

	out := invoiceOut{
		Ref:           res.Ref,
		InvoiceNumber: res.Doc.InvoiceNumber,
		LotNumber:     res.Doc.Lot,
		InvoiceDate:   res.Doc.InvoiceDate,
		Cached:        res.Cached,
	}
	if total, ok := res.Doc.ResolvedTotal(); ok {
		out.TotalAmount = total.String()
	}
	return out, nil
}

func (p *Pipeline) persistInvoice(ctx context.Context, in persistInvoiceInput) (any, error) {
	inv := contracts.Invoice{
		PackageID:     in.PackageID,
		InvoiceNumber: in.InvoiceNumber,
		LotNumber:     in.LotNumber,
		InvoiceDate:   in.InvoiceDate,
		Status:        contracts.InvoiceExtracted,
		InvoiceRef:    &in.Ref,
	}
	if in.TotalAmount != "" {
		total, err := decimal.NewFromString(in.TotalAmount)
		if err != nil {
			return nil, &fault.ValidationError{Field: "total_amount", Reason: err.Error()}
		}
		inv.TotalAmount = &total
	}
	if err := p.store.UpsertInvoice(ctx, inv); err != nil {
		return nil, err
	}
	extracted, err := p.store.SyncExtractedInvoices(ctx, in.PackageID)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("invoice %s persisted (%d extracted)", in.InvoiceNumber, extracted)
	if _, err := p.store.AppendProgress(ctx, in.PackageID, contracts.StepExtractInvoice, msg); err != nil {
		return nil, err
	}
	return persistInvoiceOut{ExtractedInvoices: extracted}, nil
}

func (p *Pipeline) validateInvoice(ctx context.Context, in validateInput) (any, error) {
	family, err := contracts.ParseFamily(in.FeedlotFamily)
	if err != nil {
		return nil, err
	}
	var doc contracts.InvoiceDocument
	if err := p.artifacts.GetJSON(ctx, in.Ref, &doc, true); err != nil {
		return nil, err
	}

	result := contracts.ValidationResult{
		InvoiceNumber: doc.InvoiceNumber,
		Status:        contracts.ValidationPass,
		CheckedAt:     time.Now().UTC(),
	}
	// The error set matches the reconciliation required-field blocker, so a
	// document cannot pass here and block there on the same field.
	if doc.InvoiceNumber == "" {
		result.Errors = append(result.Errors, "missing invoice_number")
	}
	if _, ok := contracts.ParseDate(doc.InvoiceDate); !ok {
		result.Errors = append(result.Errors, "missing or unparseable invoice_date")
	}
	if len(doc.LineItems) == 0 {
		result.Errors = append(result.Errors, "no line items")
	}
	total, hasTotal := doc.ResolvedTotal()
	if !hasTotal {
		result.Errors = append(result.Errors, "no resolvable total: total_amount_due, total_period_charges and line totals all missing")
	}
	if lineSum, ok := doc.LineTotalSum(); ok && hasTotal {
		if diff := lineSum.Sub(total).Abs(); diff.GreaterThan(amountTolerance) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("line totals sum %s differs from claimed total %s by %s", lineSum, total, diff))
		}
	}
	if len(result.Errors) > 0 {
		result.Status = contracts.ValidationFail
	}

	// Re-validation must stay byte-stable: reuse the stored result when the
	// verdict is unchanged, replace it when the document produced a new one.
	path := family.Slug() + "/validations/" + validationStem(doc.InvoiceNumber, in.Ref) + ".json"
	if raw, _, readErr := p.artifacts.ReadPath(ctx, path); readErr == nil {
		var prev contracts.ValidationResult
		if json.Unmarshal(raw, &prev) == nil &&
			prev.Status == result.Status &&
			slices.Equal(prev.Errors, result.Errors) &&
			slices.Equal(prev.Warnings, result.Warnings) {
			result = prev
		} else if err := p.artifacts.Delete(ctx, path); err != nil {
			return nil, err
		}
	}
	ref, err := p.artifacts.PutJSON(ctx, path, result)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("invoice %s validation %s (%d errors, %d warnings)",
		doc.InvoiceNumber, result.Status, len(result.Errors), len(result.Warnings))
	if _, err := p.store.AppendProgress(ctx, in.PackageID, contracts.StepValidate, msg); err != nil {
		return nil, err
	}
	return validateOut{
		InvoiceNumber: doc.InvoiceNumber,
		Status:        result.Status,
		Ref:           ref,
		Errors:        result.Errors,
		Warnings:      result.Warnings,
	}, nil
}

// validationStem mirrors the invoice artifact naming so validation results
// sit next to their documents even for unnumbered invoices.
func validationStem(invoiceNumber string, ref contracts.DataReference) string {
	if safe := extract.SafeInvoiceNumber(invoiceNumber); safe != "" {
		return safe
	}
	return artifactStem(ref.StorageURI)
}

func (p *Pipeline) updateInvoiceStatus(ctx context.Context, in invoiceStatusInput) (any, error) {
	if err := p.store.UpdateInvoiceStatus(ctx, in.PackageID, in.InvoiceNumber, in.Status, in.ValidationRef); err != nil {
		return nil, err
	}
	return auditOut{}, nil
}

func (p *Pipeline) reconcilePackage(ctx context.Context, in reconcileInput) (any, error) {
	family, err := contracts.ParseFamily(in.FeedlotFamily)
	if err != nil {
		return nil, err
	}
	var stmt contracts.StatementDocument
	if err := p.artifacts.GetJSON(ctx, in.StatementRef, &stmt, true); err != nil {
		return nil, err
	}
	invoices := make([]*contracts.InvoiceDocument, 0, len(in.InvoiceRefs))
	for _, ref := range in.InvoiceRefs {
		var doc contracts.InvoiceDocument
		if err := p.artifacts.GetJSON(ctx, ref, &doc, true); err != nil {
			return nil, err
		}
		invoices = append(invoices, &doc)
	}

	report := reconcile.Reconcile(&stmt, invoices, family)
	reportRef, err := p.artifacts.PutJSON(ctx, family.Slug()+"/reconciliation.json", report)
	if err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("reconciliation %s: %d/%d checks passed",
		report.Status, report.Summary.Passed, report.Summary.TotalChecks)
	if _, err := p.store.AppendProgress(ctx, in.PackageID, contracts.StepReconcile, msg); err != nil {
		return nil, err
	}
	severity := contracts.SeverityInfo
	switch report.Status {
	case contracts.ReportWarn:
		severity = contracts.SeverityWarn
	case contracts.ReportFail:
		severity = contracts.SeverityError
	}
	err = p.store.AppendAudit(ctx, contracts.AuditEvent{
		EventID:      uuid.NewString(),
		Severity:     severity,
		Kind:         contracts.AuditReconciliation,
		PackageID:    in.PackageID,
		WorkflowID:   in.PackageID,
		ActivityName: actReconcilePackage,
		Actor:        "workflow",
		Details: map[string]any{
			"status":        string(report.Status),
			"blocks_failed": report.FailedBlocks(),
		},
		ArtifactRefs: []contracts.DataReference{reportRef},
	})
	if err != nil {
		return nil, err
	}
	return reconcileOut{
		Status:       report.Status,
		BlocksFailed: report.FailedBlocks(),
		TotalChecks:  report.Summary.TotalChecks,
		ReportRef:    reportRef,
	}, nil
}

func (p *Pipeline) updatePackageStatus(ctx context.Context, in packageStatusInput) (any, error) {
	if err := p.store.UpdatePackageStatus(ctx, in.PackageID, in.Status); err != nil {
		return nil, err
	}
	if in.Status.Terminal() || in.Status == contracts.PackageReconciledPass ||
		in.Status == contracts.PackageReconciledWarn || in.Status == contracts.PackageReconciledFail {
		p.releaseAllocator(in.PackageID)
	}
	return auditOut{}, nil
}

func (p *Pipeline) logProgress(ctx context.Context, in progressInput) (any, error) {
	if _, err := p.store.AppendProgress(ctx, in.PackageID, in.Step, in.Message); err != nil {
		return nil, err
	}
	return auditOut{}, nil
}

func (p *Pipeline) persistAuditEvent(ctx context.Context, in auditInput) (any, error) {
	id := in.EventID
	if id == "" {
		id = uuid.NewString()
	}
	err := p.store.AppendAudit(ctx, contracts.AuditEvent{
		EventID:       id,
		Severity:      in.Severity,
		Kind:          in.Kind,
		PackageID:     in.PackageID,
		InvoiceNumber: in.InvoiceNumber,
		WorkflowID:    in.WorkflowID,
		ActivityName:  in.ActivityName,
		Details:       in.Details,
		Actor:         "workflow",
		ArtifactRefs:  in.ArtifactRefs,
	})
	if err != nil {
		return nil, err
	}
	return auditOut{EventID: id}, nil
}

// reconcileLink checks whether the statement claims this invoice. An
// unclaimed invoice is a business warning, never a failure.
func (p *Pipeline) reconcileLink(ctx context.Context, in reconcileLinkInput) (any, error) {
	if in.StatementRef == nil {
		return reconcileLinkOut{}, nil
	}
	var stmt contracts.StatementDocument
	if err := p.artifacts.GetJSON(ctx, *in.StatementRef, &stmt, true); err != nil {
		return nil, err
	}
	for _, lr := range stmt.LotReferences {
		if lr.InvoiceNumber == in.InvoiceNumber {
			out := reconcileLinkOut{Linked: true, LotNumber: lr.LotNumber}
			if lr.StatementCharge != nil {
				out.StatementCharge = lr.StatementCharge.String()
			}
			return out, nil
		}
	}
	return reconcileLinkOut{}, nil
}

func (p *Pipeline) resolveEntity(ctx context.Context, in resolveEntityInput) (any, error) {
	var inv contracts.InvoiceDocument
	if err := p.artifacts.GetJSON(ctx, in.InvoiceRef, &inv, true); err != nil {
		return nil, err
	}
	var stmt *contracts.StatementDocument
	if in.StatementRef != nil {
		var s contracts.StatementDocument
		if err := p.artifacts.GetJSON(ctx, *in.StatementRef, &s, true); err != nil {
			return nil, err
		}
		stmt = &s
	}
	sig := entity.ExtractSignals(&inv, stmt)
	resolver := entity.NewResolver(p.store, p.vendorLookup(), p.entityCfg)
	res, err := resolver.Resolve(ctx, sig)
	if err != nil {
		return nil, err
	}
	return resolveEntityOut{Resolution: res, Signals: sig}, nil
}

// vendorLookup backs the entity resolver's vendor-presence signal with the
// ERP catalog. Nil without an ERP client, which disables the signal.
func (p *Pipeline) vendorLookup() entity.VendorLookup {
	if p.erp == nil {
		return nil
	}
	return func(ctx context.Context, entityID, vendorName string) (bool, error) {
		profile, err := p.store.GetEntityProfile(ctx, entityID)
		if err != nil {
			return false, err
		}
		refs, err := p.erp.ListVendors(ctx, profile.EntityCode)
		if err != nil {
			return false, err
		}
		want := vendors.Normalize(vendorName)
		for _, ref := range refs {
			if vendors.Normalize(ref.Name) == want {
				return true, nil
			}
		}
		return false, nil
	}
}

func (p *Pipeline) resolveVendor(ctx context.Context, in resolveVendorInput) (any, error) {
	catalog, err := p.vendorCatalog(ctx, in.EntityCode)
	if err != nil {
		return nil, err
	}
	resolver := vendors.NewResolver(p.store, p.vendorCfg)
	return resolver.Resolve(ctx, p.customerID, in.EntityID, in.VendorName, vendors.Address{}, catalog)
}

func (p *Pipeline) vendorCatalog(ctx context.Context, entityCode string) ([]vendors.CatalogVendor, error) {
	if p.erp == nil {
		return nil, nil
	}
	refs, err := p.erp.ListVendors(ctx, entityCode)
	if err != nil {
		return nil, err
	}
	catalog := make([]vendors.CatalogVendor, 0, len(refs))
	for _, ref := range refs {
		if !ref.IsActive {
			continue
		}
		catalog = append(catalog, vendors.CatalogVendor{
			VendorID:     ref.ID,
			VendorNumber: ref.Code,
			Name:         ref.Name,
		})
	}
	return catalog, nil
}

func (p *Pipeline) applyMappingOverlay(ctx context.Context, in mappingInput) (any, error) {
	family, err := contracts.ParseFamily(in.FeedlotFamily)
	if err != nil {
		return nil, err
	}
	var inv contracts.InvoiceDocument
	if err := p.artifacts.GetJSON(ctx, in.InvoiceRef, &inv, true); err != nil {
		return nil, err
	}
	input := coding.Input{Invoice: &inv, Vendor: in.Vendor}
	if in.StatementRef != nil {
		var stmt contracts.StatementDocument
		if err := p.artifacts.GetJSON(ctx, *in.StatementRef, &stmt, true); err != nil {
			return nil, err
		}
		input.Statement = &stmt
	}
	if in.EntityID != "" {
		profile, err := p.store.GetEntityProfile(ctx, in.EntityID)
		if err != nil {
			return nil, err
		}
		input.Entity = &profile
	}

	result, err := coding.NewEngine(p.store).CodeInvoice(ctx, input)
	if err != nil {
		return nil, err
	}
	path := family.Slug() + "/codings/" + validationStem(inv.InvoiceNumber, in.InvoiceRef) + ".json"
	ref, err := p.artifacts.PutJSON(ctx, path, result)
	if err != nil {
		return nil, err
	}
	return mappingOut{
		Ref:               ref,
		Complete:          result.Complete,
		MissingMappings:   result.MissingMappings,
		MissingDimensions: result.MissingDimensions,
		Warnings:          result.Warnings,
	}, nil
}

func (p *Pipeline) buildERPPayload(ctx context.Context, in payloadInput) (any, error) {
	family, err := contracts.ParseFamily(in.FeedlotFamily)
	if err != nil {
		return nil, err
	}
	var inv contracts.InvoiceDocument
	if err := p.artifacts.GetJSON(ctx, in.InvoiceRef, &inv, true); err != nil {
		return nil, err
	}
	var invCoding *coding.InvoiceCoding
	if in.CodingRef != nil {
		var c coding.InvoiceCoding
		if err := p.artifacts.GetJSON(ctx, *in.CodingRef, &c, true); err != nil {
			return nil, err
		}
		invCoding = &c
	}

	payload, err := erp.BuildPayload(erp.BuildInput{
		PackageID:    in.PackageID,
		Invoice:      &inv,
		Coding:       invCoding,
		VendorCode:   in.VendorCode,
		CurrencyCode: in.CurrencyCode,
		PostingDate:  in.PostingDate,
		DueDate:      in.DueDate,
	})
	if err != nil {
		return nil, err
	}
	path := family.Slug() + "/payloads/" + validationStem(inv.InvoiceNumber, in.InvoiceRef) + ".json"
	ref, err := p.artifacts.PutJSON(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	return payloadOut{Ref: ref, IdempotencyKey: payload.IdempotencyKey, Ready: payload.Ready()}, nil
}
