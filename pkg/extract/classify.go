package extract

import (
	"context"
	"strings"

	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/fault"
)

// Classification is the split_pdf result: zero-based page numbers grouped by
// document type. Pages matching neither keyword are dropped.
type Classification struct {
	StatementPages []int `json:"statement_pages"`
	InvoicePages   []int `json:"invoice_pages"`
	TotalPages     int   `json:"total_pages"`
}

// familyKeywords are the per-family page markers. A page is a statement page
// when its text contains the statement keyword, an invoice page when it
// contains the invoice keyword; statement wins when both appear.
type familyKeywords struct {
	statement string
	invoice   string
}

var keywordsByFamily = map[contracts.FeedlotFamily]familyKeywords{
	contracts.FamilyBovina:   {statement: "statement of notes", invoice: "feed invoice"},
	contracts.FamilyMesquite: {statement: "statement of account", invoice: "invoice"},
}

// ClassifyPages walks the PDF's pages and buckets them by document type.
func ClassifyPages(ctx context.Context, texter PageTexter, family contracts.FeedlotFamily, pdfPath string) (Classification, error) {
	// A zero-value keyword pair would match every page, so a family without
	// keywords is rejected rather than classified.
	kw, ok := keywordsByFamily[family]
	if !ok {
		if _, err := contracts.ParseFamily(string(family)); err != nil {
			return Classification{}, err
		}
		return Classification{}, &fault.ValidationError{
			Field:  "feedlot_family",
			Reason: "no page keywords registered for " + string(family),
		}
	}

	total, err := texter.PageCount(ctx, pdfPath)
	if err != nil {
		return Classification{}, err
	}

	c := Classification{TotalPages: total}
	for page := 0; page < total; page++ {
		text, err := texter.PageText(ctx, pdfPath, page)
		if err != nil {
			return Classification{}, err
		}
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, kw.statement):
			c.StatementPages = append(c.StatementPages, page)
		case strings.Contains(lower, kw.invoice):
			c.InvoicePages = append(c.InvoicePages, page)
		}
	}
	return c, nil
}
