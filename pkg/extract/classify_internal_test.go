package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/fault"
)

type stubTexter struct{ pages []string }

func (s stubTexter) PageCount(ctx context.Context, pdfPath string) (int, error) {
	return len(s.pages), nil
}

func (s stubTexter) PageText(ctx context.Context, pdfPath string, page int) (string, error) {
	return s.pages[page], nil
}

func TestClassifyRejectsFamilyWithoutKeywords(t *testing.T) {
	// A family the parser admits but the keyword table does not know must be
	// rejected outright: the zero-value keyword pair would otherwise match
	// every page as a statement.
	kw := keywordsByFamily[contracts.FamilyMesquite]
	delete(keywordsByFamily, contracts.FamilyMesquite)
	t.Cleanup(func() { keywordsByFamily[contracts.FamilyMesquite] = kw })

	texter := stubTexter{pages: []string{"STATEMENT OF ACCOUNT", "INVOICE 20-0001"}}
	c, err := ClassifyPages(context.Background(), texter, contracts.FamilyMesquite, "stmt.pdf")
	require.Error(t, err)
	require.True(t, fault.IsValidation(err))
	require.Empty(t, c.StatementPages)

	_, err = ClassifyPages(context.Background(), texter, contracts.FeedlotFamily("LONGHORN"), "stmt.pdf")
	require.Error(t, err)
}
