package contracts

// ReportStatus is the reconciliation verdict.
type ReportStatus string

const (
	ReportPass ReportStatus = "PASS"
	ReportWarn ReportStatus = "WARN"
	ReportFail ReportStatus = "FAIL"
)

// CheckSeverity grades a reconciliation check. A failed BLOCK fails the
// package; a failed WARN downgrades it; INFO never does.
type CheckSeverity string

const (
	CheckBlock CheckSeverity = "BLOCK"
	CheckWarn  CheckSeverity = "WARN"
	CheckInfo  CheckSeverity = "INFO"
)

// CheckResult is one reconciliation check outcome with machine-readable
// evidence.
type CheckResult struct {
	CheckID  string         `json:"check_id"`
	Severity CheckSeverity  `json:"severity"`
	Passed   bool           `json:"passed"`
	Message  string         `json:"message"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

// ReportSummary counts check outcomes.
type ReportSummary struct {
	TotalChecks  int `json:"total_checks"`
	Passed       int `json:"passed"`
	Failed       int `json:"failed"`
	BlocksFailed int `json:"blocks_failed"`
	WarnsFailed  int `json:"warns_failed"`
}

// ReconciliationReport is the full verdict over a package: FAIL if any BLOCK
// failed, else WARN if any WARN failed, else PASS. Checks appear in stable
// order regardless of which fired.
type ReconciliationReport struct {
	Status  ReportStatus   `json:"status"`
	Checks  []CheckResult  `json:"checks"`
	Summary ReportSummary  `json:"summary"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// FailedBlocks returns the failed BLOCK check ids, in emission order.
func (r *ReconciliationReport) FailedBlocks() []string {
	var ids []string
	for _, c := range r.Checks {
		if c.Severity == CheckBlock && !c.Passed {
			ids = append(ids, c.CheckID)
		}
	}
	return ids
}
