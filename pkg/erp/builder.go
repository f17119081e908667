package erp

import (
	"github.com/shopspring/decimal"

	"github.com/corralhq/corral/pkg/canonical"
	"github.com/corralhq/corral/pkg/coding"
	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/fault"
)

// BuildInput carries everything the payload needs: the extracted invoice,
// its coding, and the resolved vendor code.
type BuildInput struct {
	PackageID    string
	Invoice      *contracts.InvoiceDocument
	Coding       *coding.InvoiceCoding
	VendorCode   string
	CurrencyCode string
	PostingDate  string
	DueDate      string
}

// BuildPayload assembles the purchase-invoice envelope. Line order follows
// the invoice; quantities default to 1 and unit prices to the line total when
// the document does not carry them. The idempotency key is the canonical hash
// of (package_id, invoice_number, vendor_code, total) so an identical
// submission always carries the identical key.
func BuildPayload(in BuildInput) (Payload, error) {
	if in.Invoice == nil {
		return Payload{}, &fault.ValidationError{Field: "invoice", Reason: "invoice document required"}
	}
	if in.VendorCode == "" {
		return Payload{}, &fault.ValidationError{Field: "vendor_code", Reason: "vendor must be resolved before payload build"}
	}
	total, ok := in.Invoice.ResolvedTotal()
	if !ok {
		return Payload{}, &fault.ValidationError{
			Field:  "total_amount",
			Reason: "invoice " + in.Invoice.InvoiceNumber + " carries no total",
		}
	}

	key, err := canonical.Hash(map[string]string{
		"package_id":     in.PackageID,
		"invoice_number": in.Invoice.InvoiceNumber,
		"vendor_code":    in.VendorCode,
		"total":          amountString(total),
	})
	if err != nil {
		return Payload{}, err
	}

	p := Payload{
		Header: Header{
			VendorCode:         in.VendorCode,
			ExternalDocumentNo: in.Invoice.InvoiceNumber,
			DocumentDate:       in.Invoice.InvoiceDate,
			DueDate:            in.DueDate,
			PostingDate:        in.PostingDate,
			CurrencyCode:       in.CurrencyCode,
			TotalAmount:        amountString(total),
		},
		PackageID:      in.PackageID,
		IdempotencyKey: key,
	}

	for i, li := range in.Invoice.LineItems {
		line := Line{
			Description: li.Description,
			Quantity:    "1",
			UnitPrice:   "0",
		}
		if li.Quantity != nil {
			line.Quantity = amountString(*li.Quantity)
		}
		switch {
		case li.Rate != nil:
			line.UnitPrice = amountString(*li.Rate)
		case li.Total != nil:
			line.UnitPrice = amountString(*li.Total)
		}
		if in.Coding != nil && i < len(in.Coding.LineCodings) {
			lc := in.Coding.LineCodings[i]
			line.GLAccountCode = lc.GLRef
			if len(lc.Dimensions) > 0 {
				line.Dimensions = make(map[string]string, len(lc.Dimensions))
				for _, d := range lc.Dimensions {
					line.Dimensions[d.Code] = d.Value
				}
			}
		}
		if line.GLAccountCode == "" {
			line.GLAccountCode = coding.SuspenseAccount
		}
		p.Lines = append(p.Lines, line)
	}
	return p, nil
}

// amountString renders a decimal with at least two fraction digits, never
// losing precision beyond that.
func amountString(d decimal.Decimal) string {
	if d.Exponent() >= -2 {
		return d.StringFixed(2)
	}
	return d.String()
}
