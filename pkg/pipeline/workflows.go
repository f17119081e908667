package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/corralhq/corral/pkg/canonical"
	"github.com/corralhq/corral/pkg/coding"
	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/durable"
	"github.com/corralhq/corral/pkg/extract"
	"github.com/corralhq/corral/pkg/fault"
	"github.com/corralhq/corral/pkg/vendors"
)

// PackageInput starts an APPackageWorkflow. The workflow id equals the
// package id, making the workflow the package row's single writer.
type PackageInput struct {
	PackageID     string                    `json:"package_id"`
	FeedlotFamily string                    `json:"feedlot_family"`
	PDFPath       string                    `json:"pdf_path"`
	DocumentRefs  []contracts.DataReference `json:"document_refs,omitempty"`
}

// ReconciliationSummary is the reconciliation triplet carried in the
// workflow result.
type ReconciliationSummary struct {
	Status       contracts.ReportStatus  `json:"status"`
	BlocksFailed []string                `json:"blocks_failed,omitempty"`
	ReportRef    contracts.DataReference `json:"report_ref"`
}

// PackageResult summarizes a completed package run: counts and references,
// no document bodies.
type PackageResult struct {
	PackageID         string                   `json:"package_id"`
	FinalStatus       contracts.PackageStatus  `json:"final_status"`
	TotalPages        int                      `json:"total_pages"`
	TotalInvoices     int                      `json:"total_invoices"`
	ExtractedInvoices int                      `json:"extracted_invoices"`
	ValidatedPass     int                      `json:"validated_pass"`
	ValidatedFail     int                      `json:"validated_fail"`
	StatementRef      *contracts.DataReference `json:"statement_ref,omitempty"`
	Reconciliation    *ReconciliationSummary   `json:"reconciliation,omitempty"`
}

// packageWorkflow drives a package from raw PDF to reconciled rows. Every
// step is an activity; the body stays deterministic across replays.
func (p *Pipeline) packageWorkflow(wc *durable.Context, raw json.RawMessage) (any, error) {
	var in PackageInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &fault.ValidationError{Field: "workflow_input", Reason: err.Error()}
	}
	if in.PackageID == "" || in.PDFPath == "" {
		return nil, &fault.ValidationError{Field: "workflow_input", Reason: "package_id and pdf_path are required"}
	}
	log := wc.Logger()

	setStatus := func(s contracts.PackageStatus) error {
		return wc.ExecuteActivity(actUpdatePackageStatus, packageStatusInput{PackageID: in.PackageID, Status: s}, nil)
	}

	if err := wc.ExecuteActivity(actPersistPackageStarted, startInput{
		PackageID:     in.PackageID,
		FeedlotFamily: in.FeedlotFamily,
		DocumentRefs:  in.DocumentRefs,
	}, nil); err != nil {
		return nil, err
	}
	if err := setStatus(contracts.PackageExtracting); err != nil {
		return nil, err
	}

	var split extract.Classification
	if err := wc.ExecuteActivity(actSplitPDF, splitInput{
		PackageID:     in.PackageID,
		FeedlotFamily: in.FeedlotFamily,
		PDFPath:       in.PDFPath,
	}, &split); err != nil {
		return nil, err
	}
	log.Info("pages classified",
		"total", split.TotalPages,
		"statement_pages", len(split.StatementPages),
		"invoice_pages", len(split.InvoicePages))

	result := PackageResult{
		PackageID:     in.PackageID,
		TotalPages:    split.TotalPages,
		TotalInvoices: len(split.InvoicePages),
	}

	var stmt statementOut
	haveStatement := len(split.StatementPages) > 0
	if haveStatement {
		if err := wc.ExecuteActivity(actExtractStatement, extractStatementInput{
			PackageID:     in.PackageID,
			FeedlotFamily: in.FeedlotFamily,
			PDFPath:       in.PDFPath,
			Pages:         split.StatementPages,
		}, &stmt); err != nil {
			return nil, err
		}
		result.StatementRef = &stmt.Ref
	}

	// Invoices extract sequentially in page order so progress ordinals read
	// top to bottom of the source document.
	var invoiceRefs []contracts.DataReference
	for i, page := range split.InvoicePages {
		var inv invoiceOut
		if err := wc.ExecuteActivity(actExtractInvoice, extractInvoiceInput{
			PackageID:     in.PackageID,
			FeedlotFamily: in.FeedlotFamily,
			PDFPath:       in.PDFPath,
			Page:          page,
			PageIndex:     i,
		}, &inv); err != nil {
			return nil, err
		}

		var persisted persistInvoiceOut
		if err := wc.ExecuteActivity(actPersistInvoice, persistInvoiceInput{
			PackageID:     in.PackageID,
			InvoiceNumber: inv.InvoiceNumber,
			LotNumber:     inv.LotNumber,
			InvoiceDate:   inv.InvoiceDate,
			TotalAmount:   inv.TotalAmount,
			Ref:           inv.Ref,
		}, &persisted); err != nil {
			return nil, err
		}
		result.ExtractedInvoices = persisted.ExtractedInvoices

		var val validateOut
		if err := wc.ExecuteActivity(actValidateInvoice, validateInput{
			PackageID:     in.PackageID,
			FeedlotFamily: in.FeedlotFamily,
			Ref:           inv.Ref,
		}, &val); err != nil {
			return nil, err
		}
		status := contracts.InvoiceValidatedPass
		if val.Status == contracts.ValidationFail {
			status = contracts.InvoiceValidatedFail
			result.ValidatedFail++
		} else {
			result.ValidatedPass++
		}
		if err := wc.ExecuteActivity(actUpdateInvoiceStatus, invoiceStatusInput{
			PackageID:     in.PackageID,
			InvoiceNumber: inv.InvoiceNumber,
			Status:        status,
			ValidationRef: &val.Ref,
		}, nil); err != nil {
			return nil, err
		}
		invoiceRefs = append(invoiceRefs, inv.Ref)
	}

	if err := setStatus(contracts.PackageExtracted); err != nil {
		return nil, err
	}

	final := contracts.PackageExtracted
	if haveStatement && len(invoiceRefs) > 0 {
		for _, s := range []contracts.PackageStatus{
			contracts.PackageValidating, contracts.PackageValidated, contracts.PackageReconciling,
		} {
			if err := setStatus(s); err != nil {
				return nil, err
			}
		}
		var rec reconcileOut
		if err := wc.ExecuteActivity(actReconcilePackage, reconcileInput{
			PackageID:     in.PackageID,
			FeedlotFamily: in.FeedlotFamily,
			StatementRef:  stmt.Ref,
			InvoiceRefs:   invoiceRefs,
		}, &rec); err != nil {
			return nil, err
		}
		result.Reconciliation = &ReconciliationSummary{
			Status:       rec.Status,
			BlocksFailed: rec.BlocksFailed,
			ReportRef:    rec.ReportRef,
		}
		switch rec.Status {
		case contracts.ReportPass:
			final = contracts.PackageReconciledPass
		case contracts.ReportWarn:
			final = contracts.PackageReconciledWarn
		default:
			final = contracts.PackageReconciledFail
		}
	}

	if err := setStatus(final); err != nil {
		return nil, err
	}
	result.FinalStatus = final
	log.Info("package complete",
		"final_status", final,
		"invoices", result.ExtractedInvoices,
		"validated_pass", result.ValidatedPass,
		"validated_fail", result.ValidatedFail)
	return result, nil
}

// InvoiceWorkflow stages, in execution order.
const (
	StageExtract        = "EXTRACT"
	StageValidate       = "VALIDATE"
	StageReconcileLink  = "RECONCILE_LINK"
	StageResolveEntity  = "RESOLVE_ENTITY"
	StageResolveVendor  = "RESOLVE_VENDOR"
	StageMappingOverlay = "APPLY_MAPPING_OVERLAY"
	StageBuildPayload   = "BUILD_ERP_PAYLOAD"
	StagePayloadDone    = "PAYLOAD_GENERATED"
)

// InvoiceInput starts an InvoiceWorkflow over one already-extracted invoice.
type InvoiceInput struct {
	PackageID     string                   `json:"package_id"`
	FeedlotFamily string                   `json:"feedlot_family"`
	InvoiceNumber string                   `json:"invoice_number"`
	InvoiceRef    contracts.DataReference  `json:"invoice_ref"`
	StatementRef  *contracts.DataReference `json:"statement_ref,omitempty"`
	CurrencyCode  string                   `json:"currency_code,omitempty"`
	PostingDate   string                   `json:"posting_date,omitempty"`
	DueDate       string                   `json:"due_date,omitempty"`
}

// InvoiceResult reports how far the invoice progressed and what it resolved
// to. FinalStage is the last stage that completed.
type InvoiceResult struct {
	PackageID      string                   `json:"package_id"`
	InvoiceNumber  string                   `json:"invoice_number"`
	FinalStage     string                   `json:"final_stage"`
	InvoiceStatus  contracts.InvoiceStatus  `json:"invoice_status"`
	Linked         bool                     `json:"linked"`
	EntityID       string                   `json:"entity_id,omitempty"`
	EntityCode     string                   `json:"entity_code,omitempty"`
	VendorCode     string                   `json:"vendor_code,omitempty"`
	PayloadRef     *contracts.DataReference `json:"payload_ref,omitempty"`
	IdempotencyKey string                   `json:"idempotency_key,omitempty"`
	Warnings       []string                 `json:"warnings,omitempty"`
}

var stageKinds = map[string]contracts.AuditKind{
	StageExtract:        contracts.AuditExtraction,
	StageValidate:       contracts.AuditValidation,
	StageReconcileLink:  contracts.AuditReconciliation,
	StageResolveEntity:  contracts.AuditWorkflow,
	StageResolveVendor:  contracts.AuditWorkflow,
	StageMappingOverlay: contracts.AuditMapping,
	StageBuildPayload:   contracts.AuditMapping,
	StagePayloadDone:    contracts.AuditPosting,
}

// invoiceWorkflow runs one invoice through resolution, coding, and payload
// assembly. Each stage emits an audit event; an unresolvable stage skips the
// rest without failing the workflow, while an activity error marks the
// invoice FAILED.
func (p *Pipeline) invoiceWorkflow(wc *durable.Context, raw json.RawMessage) (any, error) {
	var in InvoiceInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &fault.ValidationError{Field: "workflow_input", Reason: err.Error()}
	}
	if in.PackageID == "" || in.InvoiceNumber == "" || in.InvoiceRef.StorageURI == "" {
		return nil, &fault.ValidationError{Field: "workflow_input", Reason: "package_id, invoice_number and invoice_ref are required"}
	}

	result := InvoiceResult{
		PackageID:     in.PackageID,
		InvoiceNumber: in.InvoiceNumber,
		InvoiceStatus: contracts.InvoiceExtracted,
	}

	// Audit ids derive from (workflow_id, activity, stage) so a replayed
	// append hits the same row and is absorbed by the store.
	audit := func(stage, activity string, sev contracts.AuditSeverity, details map[string]any, refs ...contracts.DataReference) error {
		id, err := canonical.Hash(map[string]string{
			"workflow_id": wc.WorkflowID(),
			"activity":    activity,
			"stage":       stage,
		})
		if err != nil {
			return err
		}
		return wc.ExecuteActivity(actPersistAuditEvent, auditInput{
			EventID:       id,
			Severity:      sev,
			Kind:          stageKinds[stage],
			PackageID:     in.PackageID,
			InvoiceNumber: in.InvoiceNumber,
			WorkflowID:    wc.WorkflowID(),
			ActivityName:  activity,
			Details:       details,
			ArtifactRefs:  refs,
		}, nil)
	}

	fail := func(stage, activity string, cause error) (any, error) {
		if errors.Is(cause, durable.ErrCancelled) || errors.Is(cause, durable.ErrNondeterminism) || errors.Is(cause, durable.ErrWorkflowOwned) {
			return nil, cause
		}
		_ = audit(stage, activity, contracts.SeverityError, map[string]any{"error": cause.Error()})
		_ = wc.ExecuteActivity(actUpdateInvoiceStatus, invoiceStatusInput{
			PackageID:     in.PackageID,
			InvoiceNumber: in.InvoiceNumber,
			Status:        contracts.InvoiceFailed,
		}, nil)
		return nil, fmt.Errorf("stage %s: %w", stage, cause)
	}

	// EXTRACT happened in the package workflow; the stage records the
	// document this run starts from.
	if err := audit(StageExtract, actExtractInvoice, contracts.SeverityInfo,
		map[string]any{"outcome": "document present"}, in.InvoiceRef); err != nil {
		return nil, err
	}
	result.FinalStage = StageExtract

	var val validateOut
	if err := wc.ExecuteActivity(actValidateInvoice, validateInput{
		PackageID:     in.PackageID,
		FeedlotFamily: in.FeedlotFamily,
		Ref:           in.InvoiceRef,
	}, &val); err != nil {
		return fail(StageValidate, actValidateInvoice, err)
	}
	status := contracts.InvoiceValidatedPass
	if val.Status == contracts.ValidationFail {
		status = contracts.InvoiceValidatedFail
	}
	if err := wc.ExecuteActivity(actUpdateInvoiceStatus, invoiceStatusInput{
		PackageID:     in.PackageID,
		InvoiceNumber: in.InvoiceNumber,
		Status:        status,
		ValidationRef: &val.Ref,
	}, nil); err != nil {
		return fail(StageValidate, actUpdateInvoiceStatus, err)
	}
	result.InvoiceStatus = status
	result.Warnings = append(result.Warnings, val.Warnings...)
	if val.Status == contracts.ValidationFail {
		if err := audit(StageValidate, actValidateInvoice, contracts.SeverityWarn,
			map[string]any{"outcome": "validation failed", "errors": val.Errors}, val.Ref); err != nil {
			return nil, err
		}
		result.FinalStage = StageValidate
		return result, nil
	}
	if err := audit(StageValidate, actValidateInvoice, contracts.SeverityInfo,
		map[string]any{"outcome": "validation passed", "warnings": val.Warnings}, val.Ref); err != nil {
		return nil, err
	}
	result.FinalStage = StageValidate

	var link reconcileLinkOut
	if err := wc.ExecuteActivity(actReconcileLink, reconcileLinkInput{
		PackageID:     in.PackageID,
		InvoiceNumber: in.InvoiceNumber,
		StatementRef:  in.StatementRef,
	}, &link); err != nil {
		return fail(StageReconcileLink, actReconcileLink, err)
	}
	result.Linked = link.Linked
	linkSeverity := contracts.SeverityInfo
	linkOutcome := "claimed by statement"
	if in.StatementRef != nil && !link.Linked {
		linkSeverity = contracts.SeverityWarn
		linkOutcome = "not claimed by statement"
		result.Warnings = append(result.Warnings, "invoice not claimed by statement")
	}
	if err := audit(StageReconcileLink, actReconcileLink, linkSeverity,
		map[string]any{"outcome": linkOutcome, "lot_number": link.LotNumber}); err != nil {
		return nil, err
	}
	result.FinalStage = StageReconcileLink

	var ent resolveEntityOut
	if err := wc.ExecuteActivity(actResolveEntity, resolveEntityInput{
		PackageID:     in.PackageID,
		InvoiceNumber: in.InvoiceNumber,
		InvoiceRef:    in.InvoiceRef,
		StatementRef:  in.StatementRef,
	}, &ent); err != nil {
		return fail(StageResolveEntity, actResolveEntity, err)
	}
	if !ent.Resolution.AutoAssigned || ent.Resolution.Entity == nil {
		if err := audit(StageResolveEntity, actResolveEntity, contracts.SeverityWarn, map[string]any{
			"outcome":    "escalated to manual assignment",
			"confidence": ent.Resolution.Confidence,
			"candidates": len(ent.Resolution.Candidates),
		}); err != nil {
			return nil, err
		}
		result.FinalStage = StageResolveEntity
		result.Warnings = append(result.Warnings, "entity resolution escalated")
		return result, nil
	}
	result.EntityID = ent.Resolution.Entity.EntityID
	result.EntityCode = ent.Resolution.Entity.EntityCode
	if err := audit(StageResolveEntity, actResolveEntity, contracts.SeverityInfo, map[string]any{
		"outcome":     "auto-assigned",
		"entity_code": result.EntityCode,
		"confidence":  ent.Resolution.Confidence,
		"reasons":     ent.Resolution.Reasons,
	}); err != nil {
		return nil, err
	}
	result.FinalStage = StageResolveEntity

	var vres vendors.Resolution
	if err := wc.ExecuteActivity(actResolveVendor, resolveVendorInput{
		PackageID:     in.PackageID,
		InvoiceNumber: in.InvoiceNumber,
		EntityID:      result.EntityID,
		EntityCode:    result.EntityCode,
		VendorName:    ent.Signals.VendorName,
	}, &vres); err != nil {
		return fail(StageResolveVendor, actResolveVendor, err)
	}
	if vres.Vendor == nil {
		if err := audit(StageResolveVendor, actResolveVendor, contracts.SeverityWarn, map[string]any{
			"outcome":    "no auto-match",
			"match_type": vres.MatchType,
			"confidence": vres.Confidence,
			"candidates": len(vres.Candidates),
		}); err != nil {
			return nil, err
		}
		result.FinalStage = StageResolveVendor
		result.Warnings = append(result.Warnings, "vendor resolution escalated")
		return result, nil
	}
	vendorCode := vres.Vendor.VendorNumber
	if vendorCode == "" {
		vendorCode = vres.Vendor.VendorID
	}
	result.VendorCode = vendorCode
	if err := audit(StageResolveVendor, actResolveVendor, contracts.SeverityInfo, map[string]any{
		"outcome":     "matched",
		"match_type":  vres.MatchType,
		"vendor_code": vendorCode,
		"confidence":  vres.Confidence,
	}); err != nil {
		return nil, err
	}
	result.FinalStage = StageResolveVendor

	if err := wc.ExecuteActivity(actLogProgress, progressInput{
		PackageID: in.PackageID,
		Step:      contracts.StepMapping,
		Message:   "coding invoice " + in.InvoiceNumber,
	}, nil); err != nil {
		return fail(StageMappingOverlay, actLogProgress, err)
	}
	var mapped mappingOut
	if err := wc.ExecuteActivity(actApplyMappingOverlay, mappingInput{
		PackageID:     in.PackageID,
		FeedlotFamily: in.FeedlotFamily,
		InvoiceNumber: in.InvoiceNumber,
		InvoiceRef:    in.InvoiceRef,
		StatementRef:  in.StatementRef,
		EntityID:      result.EntityID,
		Vendor: &coding.VendorInfo{
			VendorID:     vres.Vendor.VendorID,
			VendorNumber: vres.Vendor.VendorNumber,
			VendorName:   vres.Vendor.Name,
		},
	}, &mapped); err != nil {
		return fail(StageMappingOverlay, actApplyMappingOverlay, err)
	}
	if err := wc.ExecuteActivity(actUpdateInvoiceStatus, invoiceStatusInput{
		PackageID:     in.PackageID,
		InvoiceNumber: in.InvoiceNumber,
		Status:        contracts.InvoiceMapped,
	}, nil); err != nil {
		return fail(StageMappingOverlay, actUpdateInvoiceStatus, err)
	}
	result.InvoiceStatus = contracts.InvoiceMapped
	mapSeverity := contracts.SeverityInfo
	if !mapped.Complete {
		mapSeverity = contracts.SeverityWarn
		result.Warnings = append(result.Warnings, mapped.MissingMappings...)
		result.Warnings = append(result.Warnings, mapped.MissingDimensions...)
	}
	if err := audit(StageMappingOverlay, actApplyMappingOverlay, mapSeverity, map[string]any{
		"outcome":          "coded",
		"complete":         mapped.Complete,
		"missing_mappings": mapped.MissingMappings,
	}, mapped.Ref); err != nil {
		return nil, err
	}
	result.FinalStage = StageMappingOverlay

	if err := wc.ExecuteActivity(actLogProgress, progressInput{
		PackageID: in.PackageID,
		Step:      contracts.StepPayload,
		Message:   "building payload for invoice " + in.InvoiceNumber,
	}, nil); err != nil {
		return fail(StageBuildPayload, actLogProgress, err)
	}
	var payload payloadOut
	if err := wc.ExecuteActivity(actBuildERPPayload, payloadInput{
		PackageID:     in.PackageID,
		FeedlotFamily: in.FeedlotFamily,
		InvoiceNumber: in.InvoiceNumber,
		InvoiceRef:    in.InvoiceRef,
		CodingRef:     &mapped.Ref,
		VendorCode:    vendorCode,
		CurrencyCode:  in.CurrencyCode,
		PostingDate:   in.PostingDate,
		DueDate:       in.DueDate,
	}, &payload); err != nil {
		return fail(StageBuildPayload, actBuildERPPayload, err)
	}
	if err := audit(StageBuildPayload, actBuildERPPayload, contracts.SeverityInfo, map[string]any{
		"outcome":         "payload built",
		"idempotency_key": payload.IdempotencyKey,
		"ready":           payload.Ready,
	}, payload.Ref); err != nil {
		return nil, err
	}
	result.PayloadRef = &payload.Ref
	result.IdempotencyKey = payload.IdempotencyKey
	result.FinalStage = StageBuildPayload

	if err := audit(StagePayloadDone, actBuildERPPayload, contracts.SeverityInfo,
		map[string]any{"outcome": "payload generated"}, payload.Ref); err != nil {
		return nil, err
	}
	result.FinalStage = StagePayloadDone
	return result, nil
}
