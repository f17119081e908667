// Package pipeline hosts the AP workflows and their activities: the
// package workflow (split, extract, validate, reconcile) and the per-invoice
// workflow (entity and vendor resolution, GL coding, ERP payload). Workflow
// history carries references and small summaries only; every document access
// happens inside an activity.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/artifact"
	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/durable"
	"github.com/corralhq/corral/pkg/entity"
	"github.com/corralhq/corral/pkg/erp"
	"github.com/corralhq/corral/pkg/extract"
	"github.com/corralhq/corral/pkg/fault"
	"github.com/corralhq/corral/pkg/gate"
	"github.com/corralhq/corral/pkg/store"
	"github.com/corralhq/corral/pkg/vendors"
)

// Workflow kinds.
const (
	WorkflowPackage = "ap_package"
	WorkflowInvoice = "ap_invoice"
)

// Activity names. History records these; renaming one under an open
// execution is a nondeterminism fault by design of the runtime.
const (
	actPersistPackageStarted = "persist_package_started"
	actSplitPDF              = "split_pdf"
	actExtractStatement      = "extract_statement"
	actExtractInvoice        = "extract_invoice"
	actPersistInvoice        = "persist_invoice"
	actValidateInvoice       = "validate_invoice"
	actUpdateInvoiceStatus   = "update_invoice_status"
	actReconcilePackage      = "reconcile_package"
	actUpdatePackageStatus   = "update_package_status"
	actLogProgress           = "log_progress"
	actPersistAuditEvent     = "persist_audit_event"
	actReconcileLink         = "reconcile_link"
	actResolveEntity         = "resolve_entity"
	actResolveVendor         = "resolve_vendor"
	actApplyMappingOverlay   = "apply_mapping_overlay"
	actBuildERPPayload       = "build_erp_payload"
)

// Pipeline bundles the collaborators the activities close over.
type Pipeline struct {
	store      *store.Store
	artifacts  artifact.Store
	extraction *extract.Service
	texter     extract.PageTexter
	gate       gate.Gate
	erp        erp.Client
	entityCfg  entity.Config
	vendorCfg  vendors.Config
	logger     *slog.Logger
	customerID string

	mu     sync.Mutex
	allocs map[string]*extract.PathAllocator
}

// Option configures optional collaborators.
type Option func(*Pipeline)

// WithERPClient wires the ERP listing surface used by vendor resolution and
// the vendor-presence entity signal. Without it, resolution runs against an
// empty catalog.
func WithERPClient(c erp.Client) Option {
	return func(p *Pipeline) { p.erp = c }
}

// WithResolutionConfig overrides the entity and vendor resolver tuning,
// normally from the resolution profile.
func WithResolutionConfig(e entity.Config, v vendors.Config) Option {
	return func(p *Pipeline) { p.entityCfg, p.vendorCfg = e, v }
}

// WithCustomerID scopes vendor aliases. Defaults to "default".
func WithCustomerID(id string) Option {
	return func(p *Pipeline) { p.customerID = id }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New assembles the pipeline over its mandatory collaborators.
func New(st *store.Store, artifacts artifact.Store, extraction *extract.Service, texter extract.PageTexter, g gate.Gate, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      st,
		artifacts:  artifacts,
		extraction: extraction,
		texter:     texter,
		gate:       g,
		entityCfg:  entity.DefaultConfig(),
		vendorCfg:  vendors.DefaultConfig(),
		logger:     slog.Default().With("component", "pipeline"),
		customerID: "default",
		allocs:     make(map[string]*extract.PathAllocator),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register wires the workflows and the activity policy table into the worker.
func (p *Pipeline) Register(w *durable.Worker) {
	w.RegisterWorkflow(WorkflowPackage, p.packageWorkflow)
	w.RegisterWorkflow(WorkflowInvoice, p.invoiceWorkflow)
	w.OnCancel(WorkflowPackage, p.markPackageCancelled)

	db := durable.DefaultDBWriteOptions()
	for name, fn := range map[string]durable.ActivityFunc{
		actPersistPackageStarted: durable.Handler(p.persistPackageStarted),
		actPersistInvoice:        durable.Handler(p.persistInvoice),
		actUpdateInvoiceStatus:   durable.Handler(p.updateInvoiceStatus),
		actUpdatePackageStatus:   durable.Handler(p.updatePackageStatus),
		actLogProgress:           durable.Handler(p.logProgress),
		actPersistAuditEvent:     durable.Handler(p.persistAuditEvent),
	} {
		w.RegisterActivity(name, fn, db)
	}

	w.RegisterActivity(actSplitPDF, durable.Handler(p.splitPDF), splitOptions())
	w.RegisterActivity(actExtractStatement, durable.Handler(p.extractStatement), extractOptions())
	w.RegisterActivity(actExtractInvoice, durable.Handler(p.extractInvoice), extractOptions())
	w.RegisterActivity(actValidateInvoice, durable.Handler(p.validateInvoice), shortOptions(30*time.Second))
	w.RegisterActivity(actReconcileLink, durable.Handler(p.reconcileLink), shortOptions(30*time.Second))
	w.RegisterActivity(actReconcilePackage, durable.Handler(p.reconcilePackage), shortOptions(2*time.Minute))
	w.RegisterActivity(actResolveEntity, durable.Handler(p.resolveEntity), shortOptions(time.Minute))
	w.RegisterActivity(actResolveVendor, durable.Handler(p.resolveVendor), shortOptions(time.Minute))
	w.RegisterActivity(actApplyMappingOverlay, durable.Handler(p.applyMappingOverlay), shortOptions(30*time.Second))
	w.RegisterActivity(actBuildERPPayload, durable.Handler(p.buildERPPayload), shortOptions(30*time.Second))
}

func splitOptions() durable.ActivityOptions {
	return durable.ActivityOptions{
		StartToClose: time.Minute,
		Retry: durable.RetryPolicy{
			InitialInterval: time.Second,
			BackoffFactor:   2,
			MaxInterval:     30 * time.Second,
			MaxAttempts:     3,
			NonRetryable:    []fault.Category{fault.CategoryValidation, fault.CategoryIntegrity, fault.CategoryNotFound},
		},
	}
}

func extractOptions() durable.ActivityOptions {
	return durable.ActivityOptions{
		StartToClose:      5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		Retry: durable.RetryPolicy{
			InitialInterval: time.Second,
			BackoffFactor:   2,
			MaxInterval:     30 * time.Second,
			MaxAttempts:     5,
			NonRetryable:    []fault.Category{fault.CategoryNotFound, fault.CategorySchema, fault.CategoryValidation},
		},
	}
}

func shortOptions(startToClose time.Duration) durable.ActivityOptions {
	return durable.ActivityOptions{
		StartToClose: startToClose,
		Retry: durable.RetryPolicy{
			InitialInterval: time.Second,
			BackoffFactor:   2,
			MaxInterval:     30 * time.Second,
			MaxAttempts:     3,
			NonRetryable:    []fault.Category{fault.CategoryValidation, fault.CategoryIntegrity, fault.CategoryNotFound, fault.CategorySchema},
		},
	}
}

// markPackageCancelled is the cancellation hook: the package workflow id is
// the package id, and a cancelled run must leave the row CANCELLED.
func (p *Pipeline) markPackageCancelled(ctx context.Context, workflowID string) {
	if err := p.store.UpdatePackageStatus(ctx, workflowID, contracts.PackageCancelled); err != nil {
		p.logger.ErrorContext(ctx, "marking package cancelled", "package_id", workflowID, "error", err)
	}
	p.releaseAllocator(workflowID)
}

// allocatorFor returns the package's invoice path allocator, seeding it from
// artifacts already on disk so a resumed run never reuses a taken filename.
func (p *Pipeline) allocatorFor(ctx context.Context, packageID string, family contracts.FeedlotFamily) *extract.PathAllocator {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.allocs[packageID]; ok {
		return a
	}
	a := extract.NewPathAllocator()
	if paths, err := p.artifacts.List(ctx, family.Slug()+"/invoices"); err == nil {
		for _, path := range paths {
			a.Claim(artifactStem(path))
		}
	}
	p.allocs[packageID] = a
	return a
}

func (p *Pipeline) releaseAllocator(packageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocs, packageID)
}

func artifactStem(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	return strings.TrimSuffix(path, ".json")
}
