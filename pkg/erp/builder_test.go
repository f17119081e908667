package erp_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/coding"
	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/erp"
)

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func sampleInvoice() *contracts.InvoiceDocument {
	return &contracts.InvoiceDocument{
		InvoiceNumber: "13334",
		InvoiceDate:   "2025-05-31",
		LineItems: []contracts.LineItem{
			{Description: "FEED RATION 3", Quantity: amount("1250.5"), Rate: amount("0.82"), Total: amount("1025.41")},
			{Description: "YARDAGE", Total: amount("224.59")},
		},
		Totals: contracts.InvoiceTotals{TotalAmountDue: amount("1250.00")},
	}
}

func TestBuildPayloadEnvelope(t *testing.T) {
	cod := &coding.InvoiceCoding{
		InvoiceNumber: "13334",
		LineCodings: []coding.LineCoding{
			{LineIndex: 0, GLRef: "5200", Dimensions: []coding.Dimension{{Code: "LOT", Value: "20-38"}}},
			{LineIndex: 1, GLRef: "5210"},
		},
	}
	p, err := erp.BuildPayload(erp.BuildInput{
		PackageID:    "pkg-1",
		Invoice:      sampleInvoice(),
		Coding:       cod,
		VendorCode:   "V-BOVINA",
		CurrencyCode: "USD",
	})
	require.NoError(t, err)

	require.Equal(t, "V-BOVINA", p.Header.VendorCode)
	require.Equal(t, "13334", p.Header.ExternalDocumentNo)
	require.Equal(t, "2025-05-31", p.Header.DocumentDate)
	require.Equal(t, "1250.00", p.Header.TotalAmount)
	require.Len(t, p.Lines, 2)
	require.Equal(t, "1250.50", p.Lines[0].Quantity)
	require.Equal(t, "0.82", p.Lines[0].UnitPrice)
	require.Equal(t, "5200", p.Lines[0].GLAccountCode)
	require.Equal(t, map[string]string{"LOT": "20-38"}, p.Lines[0].Dimensions)
	require.Equal(t, "1", p.Lines[1].Quantity)
	require.Equal(t, "224.59", p.Lines[1].UnitPrice, "unit price falls back to line total")
	require.True(t, p.Ready())
}

func TestBuildPayloadIdempotencyKeyStable(t *testing.T) {
	in := erp.BuildInput{PackageID: "pkg-1", Invoice: sampleInvoice(), VendorCode: "V-1"}
	a, err := erp.BuildPayload(in)
	require.NoError(t, err)
	b, err := erp.BuildPayload(in)
	require.NoError(t, err)
	require.Equal(t, a.IdempotencyKey, b.IdempotencyKey)
	require.NotEmpty(t, a.IdempotencyKey)

	// Any component change moves the key.
	in.VendorCode = "V-2"
	c, err := erp.BuildPayload(in)
	require.NoError(t, err)
	require.NotEqual(t, a.IdempotencyKey, c.IdempotencyKey)
}

func TestBuildPayloadMissingCodingFallsToSuspense(t *testing.T) {
	p, err := erp.BuildPayload(erp.BuildInput{
		PackageID: "pkg-1", Invoice: sampleInvoice(), VendorCode: "V-1",
	})
	require.NoError(t, err)
	for _, line := range p.Lines {
		require.Equal(t, coding.SuspenseAccount, line.GLAccountCode)
	}
}

func TestBuildPayloadRejectsIncompleteInput(t *testing.T) {
	_, err := erp.BuildPayload(erp.BuildInput{PackageID: "pkg-1", Invoice: sampleInvoice()})
	require.Error(t, err, "unresolved vendor")

	noTotal := &contracts.InvoiceDocument{InvoiceNumber: "x", LineItems: []contracts.LineItem{{Description: "FEED"}}}
	_, err = erp.BuildPayload(erp.BuildInput{PackageID: "pkg-1", Invoice: noTotal, VendorCode: "V-1"})
	require.Error(t, err, "missing total is an error, never zero")
}
