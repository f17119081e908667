package contracts

// PackageStatus is the package state machine. Transitions are enforced by
// the owning workflow, not by the storage layer.
type PackageStatus string

const (
	PackageStarted        PackageStatus = "STARTED"
	PackageExtracting     PackageStatus = "EXTRACTING"
	PackageExtracted      PackageStatus = "EXTRACTED"
	PackageValidating     PackageStatus = "VALIDATING"
	PackageValidated      PackageStatus = "VALIDATED"
	PackageReconciling    PackageStatus = "RECONCILING"
	PackageReconciledPass PackageStatus = "RECONCILED_PASS"
	PackageReconciledWarn PackageStatus = "RECONCILED_WARN"
	PackageReconciledFail PackageStatus = "RECONCILED_FAIL"
	PackageMapping        PackageStatus = "MAPPING"
	PackageMapped         PackageStatus = "MAPPED"
	PackagePosting        PackageStatus = "POSTING"
	PackagePosted         PackageStatus = "POSTED"
	PackageFailed         PackageStatus = "FAILED"
	PackageCancelled      PackageStatus = "CANCELLED"
)

var packageNext = map[PackageStatus][]PackageStatus{
	PackageStarted:        {PackageExtracting},
	PackageExtracting:     {PackageExtracted},
	PackageExtracted:      {PackageValidating},
	PackageValidating:     {PackageValidated},
	PackageValidated:      {PackageReconciling},
	PackageReconciling:    {PackageReconciledPass, PackageReconciledWarn, PackageReconciledFail},
	PackageReconciledPass: {PackageMapping},
	PackageReconciledWarn: {PackageMapping},
	PackageReconciledFail: {PackageMapping},
	PackageMapping:        {PackageMapped},
	PackageMapped:         {PackagePosting},
	PackagePosting:        {PackagePosted},
}

// CanTransition reports whether to is a legal successor of s. FAILED and
// CANCELLED are reachable from every non-terminal state.
func (s PackageStatus) CanTransition(to PackageStatus) bool {
	if s.Terminal() {
		return false
	}
	if to == PackageFailed || to == PackageCancelled {
		return true
	}
	for _, n := range packageNext[s] {
		if n == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s PackageStatus) Terminal() bool {
	return s == PackagePosted || s == PackageFailed || s == PackageCancelled
}

// InvoiceStatus is the per-invoice state machine.
type InvoiceStatus string

const (
	InvoiceExtracted     InvoiceStatus = "EXTRACTED"
	InvoiceValidatedPass InvoiceStatus = "VALIDATED_PASS"
	InvoiceValidatedFail InvoiceStatus = "VALIDATED_FAIL"
	InvoiceMapped        InvoiceStatus = "MAPPED"
	InvoicePosted        InvoiceStatus = "POSTED"
	InvoiceFailed        InvoiceStatus = "FAILED"
)

var invoiceNext = map[InvoiceStatus][]InvoiceStatus{
	InvoiceExtracted:     {InvoiceValidatedPass, InvoiceValidatedFail},
	InvoiceValidatedPass: {InvoiceMapped},
	InvoiceMapped:        {InvoicePosted},
}

// CanTransition reports whether to is a legal successor of s. FAILED is
// reachable from every non-terminal state.
func (s InvoiceStatus) CanTransition(to InvoiceStatus) bool {
	if s == InvoicePosted || s == InvoiceFailed {
		return false
	}
	if to == InvoiceFailed {
		return true
	}
	for _, n := range invoiceNext[s] {
		if n == to {
			return true
		}
	}
	return false
}
