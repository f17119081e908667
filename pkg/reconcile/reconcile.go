// Package reconcile implements the set-matching and amount-balancing checks
// that turn an extracted package into a PASS/WARN/FAIL verdict. Reconcile is
// a pure function: no I/O, no clock, deterministic for identical inputs, so
// replayed reconciliations are free.
package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/corralhq/corral/pkg/contracts"
)

// Tolerance is the inclusive amount-match bound shared by A5, A6 and B2: a
// difference of exactly 0.05 passes, 0.0501 fails.
var Tolerance = decimal.RequireFromString("0.05")

// Check ids in stable emission order. Every report carries all of them
// regardless of which fired.
const (
	CheckPackageCompleteness = "A1"
	CheckNoExtras            = "A2"
	CheckPeriodConsistency   = "A3"
	CheckFeedlotOwner        = "A4"
	CheckInvoiceAmounts      = "A5"
	CheckPackageTotal        = "A6"
	CheckLotCompleteness     = "A7"
	CheckRequiredFields      = "B1"
	CheckLineSums            = "B2"
	CheckDuplicateInvoices   = "D1"
)

// Reconcile evaluates all checks over a statement and its extracted
// invoices. Missing amounts are failed matches, never zero; tolerance is
// additive and inclusive; ties on exact equality favor PASS.
func Reconcile(stmt *contracts.StatementDocument, invoices []*contracts.InvoiceDocument, family contracts.FeedlotFamily) contracts.ReconciliationReport {
	r := &run{stmt: stmt, invoices: invoices, family: family}
	r.index()

	checks := []contracts.CheckResult{
		r.packageCompleteness(),
		r.noExtras(),
		r.periodConsistency(),
		r.feedlotOwnerConsistency(),
		r.invoiceAmounts(),
		r.packageTotal(),
		r.lotCompleteness(),
		r.requiredFields(),
		r.lineSums(),
		r.duplicateInvoices(),
	}

	report := contracts.ReconciliationReport{
		Status:  contracts.ReportPass,
		Checks:  checks,
		Metrics: r.metrics(),
	}
	for _, c := range checks {
		report.Summary.TotalChecks++
		if c.Passed {
			report.Summary.Passed++
			continue
		}
		report.Summary.Failed++
		switch c.Severity {
		case contracts.CheckBlock:
			report.Summary.BlocksFailed++
		case contracts.CheckWarn:
			report.Summary.WarnsFailed++
		}
	}
	switch {
	case report.Summary.BlocksFailed > 0:
		report.Status = contracts.ReportFail
	case report.Summary.WarnsFailed > 0:
		report.Status = contracts.ReportWarn
	}
	return report
}

type run struct {
	stmt     *contracts.StatementDocument
	invoices []*contracts.InvoiceDocument
	family   contracts.FeedlotFamily

	byNumber map[string]*contracts.InvoiceDocument // first occurrence wins
	refs     map[string]contracts.LotReference

	totalSource string
}

func (r *run) index() {
	r.byNumber = make(map[string]*contracts.InvoiceDocument, len(r.invoices))
	for _, inv := range r.invoices {
		if _, ok := r.byNumber[inv.InvoiceNumber]; !ok {
			r.byNumber[inv.InvoiceNumber] = inv
		}
	}
	r.refs = make(map[string]contracts.LotReference, len(r.stmt.LotReferences))
	for _, ref := range r.stmt.LotReferences {
		if _, ok := r.refs[ref.InvoiceNumber]; !ok {
			r.refs[ref.InvoiceNumber] = ref
		}
	}
}

// A1 — every statement lot reference has a matching invoice.
func (r *run) packageCompleteness() contracts.CheckResult {
	var missing []string
	for _, ref := range r.stmt.LotReferences {
		if _, ok := r.byNumber[ref.InvoiceNumber]; !ok {
			missing = append(missing, ref.InvoiceNumber)
		}
	}
	missing = dedupeSorted(missing)
	c := contracts.CheckResult{
		CheckID:  CheckPackageCompleteness,
		Severity: contracts.CheckBlock,
		Passed:   len(missing) == 0,
		Message:  "all statement invoices extracted",
	}
	if len(missing) > 0 {
		c.Message = fmt.Sprintf("%d statement invoice(s) missing from package", len(missing))
		c.Evidence = map[string]any{"missing": missing}
	}
	return c
}

// A2 — no invoice outside the statement references.
func (r *run) noExtras() contracts.CheckResult {
	var extras []string
	for _, inv := range r.invoices {
		if _, ok := r.refs[inv.InvoiceNumber]; !ok {
			extras = append(extras, inv.InvoiceNumber)
		}
	}
	extras = dedupeSorted(extras)
	c := contracts.CheckResult{
		CheckID:  CheckNoExtras,
		Severity: contracts.CheckWarn,
		Passed:   len(extras) == 0,
		Message:  "no invoices outside statement references",
	}
	if len(extras) > 0 {
		c.Message = fmt.Sprintf("%d invoice(s) not referenced by statement", len(extras))
		c.Evidence = map[string]any{"extra": extras}
	}
	return c
}

// A3 — invoice dates fall inside the statement period when both bounds are
// present and parse.
func (r *run) periodConsistency() contracts.CheckResult {
	c := contracts.CheckResult{
		CheckID:  CheckPeriodConsistency,
		Severity: contracts.CheckWarn,
		Passed:   true,
		Message:  "invoice dates within statement period",
	}
	start, okStart := parseDate(r.stmt.PeriodStart)
	end, okEnd := parseDate(r.stmt.PeriodEnd)
	if !okStart || !okEnd {
		c.Message = "statement period incomplete, check skipped"
		return c
	}
	var outside []string
	for _, inv := range r.invoices {
		d, ok := parseDate(inv.InvoiceDate)
		if !ok {
			continue // missing dates are B1's problem
		}
		if d.Before(start) || d.After(end) {
			outside = append(outside, inv.InvoiceNumber)
		}
	}
	outside = dedupeSorted(outside)
	if len(outside) > 0 {
		c.Passed = false
		c.Message = fmt.Sprintf("%d invoice(s) dated outside statement period", len(outside))
		c.Evidence = map[string]any{
			"outside_period": outside,
			"period_start":   r.stmt.PeriodStart,
			"period_end":     r.stmt.PeriodEnd,
		}
	}
	return c
}

// A4 — feedlot and owner agree between statement and every invoice.
func (r *run) feedlotOwnerConsistency() contracts.CheckResult {
	c := contracts.CheckResult{
		CheckID:  CheckFeedlotOwner,
		Severity: contracts.CheckWarn,
		Passed:   true,
		Message:  "feedlot and owner consistent",
	}
	stmtFeedlot := normalizeName(r.stmt.Feedlot)
	stmtOwner := normalizeName(r.stmt.Owner)
	var mismatched []map[string]any
	for _, inv := range r.invoices {
		var fields []string
		if inv.Feedlot != "" && stmtFeedlot != "" && normalizeName(inv.Feedlot) != stmtFeedlot {
			fields = append(fields, "feedlot")
		}
		if inv.Owner != "" && stmtOwner != "" && normalizeName(inv.Owner) != stmtOwner {
			fields = append(fields, "owner")
		}
		if len(fields) > 0 {
			mismatched = append(mismatched, map[string]any{
				"invoice_number": inv.InvoiceNumber,
				"fields":         fields,
			})
		}
	}
	if len(mismatched) > 0 {
		c.Passed = false
		c.Message = fmt.Sprintf("%d invoice(s) disagree with statement feedlot/owner", len(mismatched))
		c.Evidence = map[string]any{"mismatched": mismatched}
	}
	return c
}

// A5 — per-invoice totals match the statement charge within tolerance.
// Missing amounts on either side fail the pair.
func (r *run) invoiceAmounts() contracts.CheckResult {
	c := contracts.CheckResult{
		CheckID:  CheckInvoiceAmounts,
		Severity: contracts.CheckBlock,
		Passed:   true,
		Message:  "invoice totals match statement charges",
	}
	var mismatches []map[string]any
	for _, ref := range r.stmt.LotReferences {
		inv, ok := r.byNumber[ref.InvoiceNumber]
		if !ok {
			continue // A1 already blocks on the missing invoice
		}
		total, hasTotal := inv.ResolvedTotal()
		if !hasTotal || ref.StatementCharge == nil {
			mismatches = append(mismatches, map[string]any{
				"invoice_number": ref.InvoiceNumber,
				"reason":         "amount missing",
			})
			continue
		}
		diff := total.Sub(*ref.StatementCharge).Abs()
		if diff.GreaterThan(Tolerance) {
			mismatches = append(mismatches, map[string]any{
				"invoice_number":   ref.InvoiceNumber,
				"invoice_total":    total.String(),
				"statement_charge": ref.StatementCharge.String(),
				"difference":       diff.String(),
			})
		}
	}
	if len(mismatches) > 0 {
		c.Passed = false
		c.Message = fmt.Sprintf("%d invoice amount(s) outside tolerance", len(mismatches))
		c.Evidence = map[string]any{"mismatches": mismatches, "tolerance": Tolerance.String()}
	}
	return c
}

// A6 — the sum of invoice totals matches the family-specific statement
// grand total within tolerance.
func (r *run) packageTotal() contracts.CheckResult {
	c := contracts.CheckResult{
		CheckID:  CheckPackageTotal,
		Severity: contracts.CheckBlock,
		Passed:   true,
		Message:  "package total matches statement",
	}
	stmtTotal, source, ok := r.statementTotal()
	r.totalSource = source
	if !ok {
		c.Passed = false
		c.Message = "statement grand total unresolvable"
		c.Evidence = map[string]any{"statement_total_source": source}
		return c
	}
	sum := decimal.Zero
	missing := false
	for _, inv := range r.invoices {
		t, has := inv.ResolvedTotal()
		if !has {
			missing = true
			continue
		}
		sum = sum.Add(t)
	}
	diff := sum.Sub(stmtTotal).Abs()
	if missing || diff.GreaterThan(Tolerance) {
		c.Passed = false
		c.Message = fmt.Sprintf("invoice sum %s vs statement total %s", sum.String(), stmtTotal.String())
		c.Evidence = map[string]any{
			"invoice_sum":            sum.String(),
			"statement_total":        stmtTotal.String(),
			"difference":             diff.String(),
			"statement_total_source": source,
			"unresolved_totals":      missing,
		}
	}
	return c
}

// statementTotal resolves the family-specific grand total: a labelled
// summary row first, the lot-reference charge sum as fallback.
func (r *run) statementTotal() (decimal.Decimal, string, bool) {
	labels := summaryLabels(r.family)
	for _, row := range r.stmt.SummaryRows {
		if row.Amount == nil {
			continue
		}
		norm := normalizeName(row.Label)
		for _, want := range labels {
			if strings.Contains(norm, want) {
				return *row.Amount, "summary:" + want, true
			}
		}
	}
	sum := decimal.Zero
	seen := false
	for _, ref := range r.stmt.LotReferences {
		if ref.StatementCharge != nil {
			sum = sum.Add(*ref.StatementCharge)
			seen = true
		}
	}
	if seen {
		return sum, "lot_reference_sum", true
	}
	return decimal.Decimal{}, "unresolved", false
}

func summaryLabels(family contracts.FeedlotFamily) []string {
	switch family {
	case contracts.FamilyBovina:
		return []string{"TOTAL OF NOTES", "TOTAL NEW CHARGES"}
	case contracts.FamilyMesquite:
		return []string{"TOTAL CURRENT CHARGES"}
	default:
		return nil
	}
}

// A7 — every referenced lot has at least one invoice.
func (r *run) lotCompleteness() contracts.CheckResult {
	c := contracts.CheckResult{
		CheckID:  CheckLotCompleteness,
		Severity: contracts.CheckInfo,
		Passed:   true,
		Message:  "all referenced lots have invoices",
	}
	lots := make(map[string]bool)
	for _, ref := range r.stmt.LotReferences {
		if ref.LotNumber != "" {
			lots[ref.LotNumber] = false
		}
	}
	for _, inv := range r.invoices {
		if inv.Lot != "" {
			if _, ok := lots[inv.Lot]; ok {
				lots[inv.Lot] = true
			}
		}
	}
	var uncovered []string
	for lot, covered := range lots {
		if !covered {
			uncovered = append(uncovered, lot)
		}
	}
	sort.Strings(uncovered)
	if len(uncovered) > 0 {
		c.Passed = false
		c.Message = fmt.Sprintf("%d lot(s) without invoices", len(uncovered))
		c.Evidence = map[string]any{"lots_without_invoices": uncovered}
	}
	return c
}

// B1 — invoice number, date, at least one line item, and a resolvable total
// on every invoice.
func (r *run) requiredFields() contracts.CheckResult {
	c := contracts.CheckResult{
		CheckID:  CheckRequiredFields,
		Severity: contracts.CheckBlock,
		Passed:   true,
		Message:  "required fields present on all invoices",
	}
	var failures []map[string]any
	for i, inv := range r.invoices {
		var missing []string
		if inv.InvoiceNumber == "" {
			missing = append(missing, "invoice_number")
		}
		if _, ok := parseDate(inv.InvoiceDate); !ok {
			missing = append(missing, "invoice_date")
		}
		if len(inv.LineItems) == 0 {
			missing = append(missing, "line_items")
		}
		if _, ok := inv.ResolvedTotal(); !ok {
			missing = append(missing, "invoice_total")
		}
		if len(missing) > 0 {
			key := inv.InvoiceNumber
			if key == "" {
				key = fmt.Sprintf("(position %d)", i)
			}
			failures = append(failures, map[string]any{
				"invoice_number": key,
				"missing":        missing,
			})
		}
	}
	if len(failures) > 0 {
		c.Passed = false
		c.Message = fmt.Sprintf("%d invoice(s) missing required fields", len(failures))
		c.Evidence = map[string]any{"failures": failures}
	}
	return c
}

// B2 — line totals sum to the invoice total within tolerance. Invoices with
// no line totals are B1's problem, not B2's.
func (r *run) lineSums() contracts.CheckResult {
	c := contracts.CheckResult{
		CheckID:  CheckLineSums,
		Severity: contracts.CheckWarn,
		Passed:   true,
		Message:  "line sums match invoice totals",
	}
	var mismatches []map[string]any
	for _, inv := range r.invoices {
		total, hasTotal := inv.ResolvedTotal()
		lineSum, hasLines := inv.LineTotalSum()
		if !hasTotal || !hasLines {
			continue
		}
		diff := lineSum.Sub(total).Abs()
		if diff.GreaterThan(Tolerance) {
			mismatches = append(mismatches, map[string]any{
				"invoice_number": inv.InvoiceNumber,
				"line_sum":       lineSum.String(),
				"invoice_total":  total.String(),
				"difference":     diff.String(),
			})
		}
	}
	if len(mismatches) > 0 {
		c.Passed = false
		c.Message = fmt.Sprintf("%d invoice(s) with line sums off total", len(mismatches))
		c.Evidence = map[string]any{"mismatches": mismatches}
	}
	return c
}

// D1 — no invoice number appears twice in the package.
func (r *run) duplicateInvoices() contracts.CheckResult {
	c := contracts.CheckResult{
		CheckID:  CheckDuplicateInvoices,
		Severity: contracts.CheckBlock,
		Passed:   true,
		Message:  "no duplicate invoice numbers",
	}
	counts := make(map[string]int)
	for _, inv := range r.invoices {
		counts[inv.InvoiceNumber]++
	}
	var dupes []string
	for n, count := range counts {
		if count > 1 && n != "" {
			dupes = append(dupes, n)
		}
	}
	sort.Strings(dupes)
	if len(dupes) > 0 {
		c.Passed = false
		c.Message = fmt.Sprintf("%d duplicate invoice number(s)", len(dupes))
		c.Evidence = map[string]any{"duplicates": dupes}
	}
	return c
}

func (r *run) metrics() map[string]any {
	matched := 0
	for _, ref := range r.stmt.LotReferences {
		if _, ok := r.byNumber[ref.InvoiceNumber]; ok {
			matched++
		}
	}
	sum := decimal.Zero
	for _, inv := range r.invoices {
		if t, ok := inv.ResolvedTotal(); ok {
			sum = sum.Add(t)
		}
	}
	return map[string]any{
		"expected_invoices":      len(r.stmt.LotReferences),
		"extracted_invoices":     len(r.invoices),
		"matched_invoices":       matched,
		"invoice_total_sum":      sum.String(),
		"statement_total_source": r.totalSource,
	}
}

func parseDate(s string) (time.Time, bool) {
	return contracts.ParseDate(s)
}

// normalizeName uppercases and collapses whitespace for case-insensitive
// comparison of feedlot/owner names and summary labels.
func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToUpper(strings.TrimSpace(s))), " ")
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
