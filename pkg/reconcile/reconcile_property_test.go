//go:build property
// +build property

// Property-based determinism tests for the reconciliation engine.
package reconcile

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/corralhq/corral/pkg/canonical"
	"github.com/corralhq/corral/pkg/contracts"
)

// TestReconcileDeterministic verifies bit-identical reports for identical
// inputs across arbitrary generated packages.
func TestReconcileDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same inputs, same report hash", prop.ForAll(
		func(numbers []string, cents []int64) bool {
			stmt := &contracts.StatementDocument{
				Feedlot: "Bovina Feeders",
				Owner:   "Owner",
			}
			var invoices []*contracts.InvoiceDocument
			for i, n := range numbers {
				amount := decimal.New(cents[i%len(cents)], -2)
				stmt.LotReferences = append(stmt.LotReferences, contracts.LotReference{
					InvoiceNumber: n, StatementCharge: &amount,
				})
				invoices = append(invoices, &contracts.InvoiceDocument{
					InvoiceNumber: n,
					InvoiceDate:   "2024-06-15",
					LineItems:     []contracts.LineItem{{Description: "FEED", Total: &amount}},
					Totals:        contracts.InvoiceTotals{TotalAmountDue: &amount},
				})
			}
			h1, err := canonical.Hash(Reconcile(stmt, invoices, contracts.FamilyBovina))
			if err != nil {
				return false
			}
			h2, err := canonical.Hash(Reconcile(stmt, invoices, contracts.FamilyBovina))
			if err != nil {
				return false
			}
			return h1 == h2
		},
		gen.SliceOfN(5, gen.RegexMatch(`[0-9]{4,6}`)),
		gen.SliceOfN(5, gen.Int64Range(1, 10_000_000)),
	))

	properties.TestingRun(t)
}

// TestVerdictImpliesBlockState verifies the aggregation law: FAIL iff some
// BLOCK check failed, given no WARN-only failures can produce FAIL.
func TestVerdictImpliesBlockState(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("FAIL implies failed BLOCK, PASS implies none", prop.ForAll(
		func(drop bool, deltaCents int64) bool {
			amount := decimal.New(1234567, -2)
			stmt := &contracts.StatementDocument{
				Feedlot: "Bovina Feeders",
				Owner:   "Owner",
				LotReferences: []contracts.LotReference{
					{InvoiceNumber: "13330", StatementCharge: &amount},
				},
			}
			var invoices []*contracts.InvoiceDocument
			if !drop {
				total := amount.Add(decimal.New(deltaCents, -2))
				invoices = append(invoices, &contracts.InvoiceDocument{
					InvoiceNumber: "13330",
					InvoiceDate:   "2024-06-15",
					LineItems:     []contracts.LineItem{{Description: "FEED", Total: &total}},
					Totals:        contracts.InvoiceTotals{TotalAmountDue: &total},
				})
			}
			report := Reconcile(stmt, invoices, contracts.FamilyBovina)
			switch report.Status {
			case contracts.ReportFail:
				return len(report.FailedBlocks()) > 0
			case contracts.ReportPass, contracts.ReportWarn:
				return len(report.FailedBlocks()) == 0
			}
			return false
		},
		gen.Bool(),
		gen.Int64Range(-100, 100),
	))

	properties.TestingRun(t)
}
