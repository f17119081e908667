package extract_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/artifact"
	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/extract"
)

type fakeExtractor struct {
	statements     atomic.Int32
	invoices       atomic.Int32
	invoiceByPage  map[int]contracts.InvoiceDocument
	statementDoc   contracts.StatementDocument
	invoiceDefault contracts.InvoiceDocument
}

func (f *fakeExtractor) ExtractStatement(ctx context.Context, pdfPath string, pages []int, prompt string) (contracts.StatementDocument, error) {
	f.statements.Add(1)
	return f.statementDoc, nil
}

func (f *fakeExtractor) ExtractInvoice(ctx context.Context, pdfPath string, page int, prompt string) (contracts.InvoiceDocument, error) {
	f.invoices.Add(1)
	if doc, ok := f.invoiceByPage[page]; ok {
		return doc, nil
	}
	doc := f.invoiceDefault
	doc.Page = page
	return doc, nil
}

type fakeTexter struct {
	pages []string
}

func (f *fakeTexter) PageCount(ctx context.Context, pdfPath string) (int, error) {
	return len(f.pages), nil
}

func (f *fakeTexter) PageText(ctx context.Context, pdfPath string, page int) (string, error) {
	return f.pages[page], nil
}

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func newService(t *testing.T, ex extract.Extractor, useCache bool) (*extract.Service, artifact.Store) {
	t.Helper()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	schemas, err := contracts.NewSchemaSet()
	require.NoError(t, err)
	return extract.NewService(ex, store, schemas, useCache), store
}

func TestSafeInvoiceNumber(t *testing.T) {
	cases := map[string]string{
		"13334":       "13334",
		"INV 13/334":  "INV13334",
		"A-12_b":      "A-12_b",
		"  #99! ":     "99",
		"..//..":      "",
		"LOT 20-38 x": "LOT20-38x",
	}
	for in, want := range cases {
		require.Equal(t, want, extract.SafeInvoiceNumber(in), "input %q", in)
	}
}

func TestPathAllocatorSuffixesCollisions(t *testing.T) {
	a := extract.NewPathAllocator()
	first := a.InvoicePath(contracts.FamilyBovina, "INV/1", 0)
	second := a.InvoicePath(contracts.FamilyBovina, "INV 1", 3)
	require.Equal(t, "bovina/invoices/INV1.json", first)
	require.Equal(t, "bovina/invoices/INV1_page_4.json", second)

	blank := a.InvoicePath(contracts.FamilyBovina, "###", 6)
	require.Equal(t, "bovina/invoices/page_7.json", blank)
}

func TestClassifyPagesByFamilyKeywords(t *testing.T) {
	texter := &fakeTexter{pages: []string{
		"BOVINA FEEDERS\nSTATEMENT OF NOTES\nperiod ...",
		"FEED INVOICE No 13334",
		"cover letter",
		"Feed Invoice No 13335",
	}}
	c, err := extract.ClassifyPages(context.Background(), texter, contracts.FamilyBovina, "pkg.pdf")
	require.NoError(t, err)
	require.Equal(t, []int{0}, c.StatementPages)
	require.Equal(t, []int{1, 3}, c.InvoicePages)
	require.Equal(t, 4, c.TotalPages)

	mesquite := &fakeTexter{pages: []string{
		"STATEMENT OF ACCOUNT",
		"INVOICE 900-1",
	}}
	c, err = extract.ClassifyPages(context.Background(), mesquite, contracts.FamilyMesquite, "pkg.pdf")
	require.NoError(t, err)
	require.Equal(t, []int{0}, c.StatementPages)
	require.Equal(t, []int{1}, c.InvoicePages)
}

func TestClassifyPagesRejectsUnknownFamily(t *testing.T) {
	_, err := extract.ClassifyPages(context.Background(), &fakeTexter{}, "ANGUS", "pkg.pdf")
	require.Error(t, err)
}

func TestExtractStatementStampsVersionAndCaches(t *testing.T) {
	ex := &fakeExtractor{statementDoc: contracts.StatementDocument{
		Feedlot: "Bovina Feeders",
		Owner:   "Cactus Land & Cattle",
		LotReferences: []contracts.LotReference{
			{InvoiceNumber: "13334", StatementCharge: amount("1250.00")},
		},
	}}
	svc, _ := newService(t, ex, true)
	ctx := context.Background()

	res, err := svc.ExtractStatement(ctx, contracts.FamilyBovina, "pkg.pdf", []int{0})
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.Equal(t, contracts.DocumentSchemaVersion, res.Doc.SchemaVersion)
	require.NotEmpty(t, res.Ref.ContentHash)

	again, err := svc.ExtractStatement(ctx, contracts.FamilyBovina, "pkg.pdf", []int{0})
	require.NoError(t, err)
	require.True(t, again.Cached, "existing artifact must be reused")
	require.Equal(t, res.Ref.ContentHash, again.Ref.ContentHash)
	require.Equal(t, int32(1), ex.statements.Load())
}

func TestExtractStatementSchemaGate(t *testing.T) {
	// Missing owner violates the statement schema.
	ex := &fakeExtractor{statementDoc: contracts.StatementDocument{Feedlot: "Bovina Feeders"}}
	svc, store := newService(t, ex, false)

	_, err := svc.ExtractStatement(context.Background(), contracts.FamilyBovina, "pkg.pdf", []int{0})
	require.Error(t, err)

	exists, err := store.Exists(context.Background(), extract.StatementPath(contracts.FamilyBovina))
	require.NoError(t, err)
	require.False(t, exists, "gated document must not be persisted")
}

func TestExtractInvoiceCacheHitByPage(t *testing.T) {
	ex := &fakeExtractor{invoiceDefault: contracts.InvoiceDocument{
		InvoiceNumber: "13334",
		LineItems:     []contracts.LineItem{{Description: "FEED", Total: amount("100.00")}},
	}}
	svc, _ := newService(t, ex, true)
	ctx := context.Background()

	alloc := extract.NewPathAllocator()
	res, err := svc.ExtractInvoice(ctx, contracts.FamilyBovina, "pkg.pdf", 1, 0, alloc)
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.Equal(t, 1, res.Doc.Page)

	// A fresh run (new allocator, same artifacts) reuses the page artifact.
	res2, err := svc.ExtractInvoice(ctx, contracts.FamilyBovina, "pkg.pdf", 1, 0, extract.NewPathAllocator())
	require.NoError(t, err)
	require.True(t, res2.Cached)
	require.Equal(t, res.Ref.ContentHash, res2.Ref.ContentHash)
	require.Equal(t, int32(1), ex.invoices.Load())
}

func TestExtractInvoiceCollisionSuffix(t *testing.T) {
	ex := &fakeExtractor{
		invoiceByPage: map[int]contracts.InvoiceDocument{
			1: {InvoiceNumber: "INV/9", Page: 1, LineItems: []contracts.LineItem{{Description: "FEED"}}},
			2: {InvoiceNumber: "INV 9", Page: 2, LineItems: []contracts.LineItem{{Description: "YARDAGE"}}},
		},
	}
	svc, store := newService(t, ex, false)
	ctx := context.Background()

	alloc := extract.NewPathAllocator()
	_, err := svc.ExtractInvoice(ctx, contracts.FamilyBovina, "pkg.pdf", 1, 0, alloc)
	require.NoError(t, err)
	_, err = svc.ExtractInvoice(ctx, contracts.FamilyBovina, "pkg.pdf", 2, 1, alloc)
	require.NoError(t, err)

	paths, err := store.List(ctx, "bovina/invoices")
	require.NoError(t, err)
	require.Equal(t, []string{
		"bovina/invoices/INV9.json",
		"bovina/invoices/INV9_page_2.json",
	}, paths)
}

func TestPromptSelectionPerFamily(t *testing.T) {
	require.Contains(t, extract.StatementPrompt(contracts.FamilyBovina), "statement of notes")
	require.Contains(t, extract.StatementPrompt(contracts.FamilyMesquite), "statement of account")
	require.NotEqual(t, extract.InvoicePrompt(contracts.FamilyBovina), extract.InvoicePrompt(contracts.FamilyMesquite))
}
