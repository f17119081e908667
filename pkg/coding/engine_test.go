package coding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/contracts"
)

type memLookups struct {
	mappings map[string]string // level|entity|vendor|category
	rules    []contracts.DimensionRule
}

func mappingKey(level contracts.MappingLevel, entityID, vendorID string, cat contracts.LineCategory) string {
	return string(level) + "|" + entityID + "|" + vendorID + "|" + string(cat)
}

func (m *memLookups) LookupGLMapping(_ context.Context, level contracts.MappingLevel, entityID, vendorID string, cat contracts.LineCategory) (string, bool, error) {
	ref, ok := m.mappings[mappingKey(level, entityID, vendorID, cat)]
	return ref, ok, nil
}

func (m *memLookups) ListDimensionRules(_ context.Context, entityID string) ([]contracts.DimensionRule, error) {
	var out []contracts.DimensionRule
	for _, r := range m.rules {
		if r.EntityID == "" || r.EntityID == entityID {
			out = append(out, r)
		}
	}
	return out, nil
}

func codingInput() Input {
	return Input{
		Invoice: &contracts.InvoiceDocument{
			InvoiceNumber: "13330",
			InvoiceDate:   "2024-06-15",
			Lot:           "20-3883",
			LineItems: []contracts.LineItem{
				{Description: "Feed ration week 24"},
				{Description: "Yardage 1250 head"},
				{Description: "Implant and vaccination program"},
			},
		},
		Statement: &contracts.StatementDocument{Feedlot: "Bovina Feeders", Owner: "High Plains"},
		Entity:    &contracts.EntityProfile{EntityID: "BF2", EntityCode: "BF2", Name: "Bovina Feeders II"},
		Vendor:    &VendorInfo{VendorID: "V-BF2", VendorNumber: "1001", VendorName: "Bovina Feeders"},
	}
}

func TestCategorizeFirstMatchWins(t *testing.T) {
	cases := map[string]contracts.LineCategory{
		"Feed ration week 24":        contracts.CategoryFeed,
		"YARDAGE 1250 HEAD":          contracts.CategoryYardage,
		"Vet supplies and implants":  contracts.CategoryVet,
		"Freight to Amarillo":        contracts.CategoryFreight,
		"Death loss adjustment":      contracts.CategoryDeathLoss,
		"Interest on open balance":   contracts.CategoryInterest,
		"Processing fee new arrival": contracts.CategoryProcessing,
		"Beef council check-off":     contracts.CategoryCheckoff,
		"Brand inspection":           contracts.CategoryBrand,
		"Insurance premium":          contracts.CategoryInsurance,
		"Misc supplies":              contracts.CategoryMisc,
		"Completely opaque entry":    contracts.CategoryUncategorized,
	}
	for desc, want := range cases {
		require.Equal(t, want, Categorize(desc), "description %q", desc)
	}
}

func TestCategorizeDeterministic(t *testing.T) {
	// "feed" outranks "freight" by rule order when both could apply.
	got := Categorize("Feed freight surcharge")
	for i := 0; i < 20; i++ {
		require.Equal(t, got, Categorize("Feed freight surcharge"))
	}
	require.Equal(t, contracts.CategoryFeed, got)
}

func TestGLLookupPrecedence(t *testing.T) {
	lookups := &memLookups{mappings: map[string]string{
		mappingKey(contracts.LevelVendor, "BF2", "V-BF2", contracts.CategoryFeed): "5100-VENDOR",
		mappingKey(contracts.LevelEntity, "BF2", "", contracts.CategoryFeed):      "5100-ENTITY",
		mappingKey(contracts.LevelGlobal, "", "", contracts.CategoryFeed):         "5100-GLOBAL",
		mappingKey(contracts.LevelEntity, "BF2", "", contracts.CategoryYardage):   "5200-ENTITY",
		mappingKey(contracts.LevelGlobal, "", "", contracts.CategoryVet):          "5300-GLOBAL",
	}}
	engine := NewEngine(lookups)

	out, err := engine.CodeInvoice(context.Background(), codingInput())
	require.NoError(t, err)
	require.Len(t, out.LineCodings, 3)

	require.Equal(t, "5100-VENDOR", out.LineCodings[0].GLRef)
	require.Equal(t, contracts.LevelVendor, out.LineCodings[0].MappingLevel)
	require.Equal(t, "5200-ENTITY", out.LineCodings[1].GLRef)
	require.Equal(t, contracts.LevelEntity, out.LineCodings[1].MappingLevel)
	require.Equal(t, "5300-GLOBAL", out.LineCodings[2].GLRef)
	require.Equal(t, contracts.LevelGlobal, out.LineCodings[2].MappingLevel)
	require.True(t, out.Complete)
	require.Empty(t, out.MissingMappings)
}

func TestSuspenseFallbackReported(t *testing.T) {
	engine := NewEngine(&memLookups{mappings: map[string]string{}})

	out, err := engine.CodeInvoice(context.Background(), codingInput())
	require.NoError(t, err)
	require.False(t, out.Complete)
	for _, lc := range out.LineCodings {
		require.Equal(t, SuspenseAccount, lc.GLRef)
		require.Equal(t, contracts.LevelSuspense, lc.MappingLevel)
		require.False(t, lc.Complete)
	}
	require.ElementsMatch(t, []string{"FEED", "YARDAGE", "VET"}, out.MissingMappings)
	require.NotEmpty(t, out.Warnings)
}

func TestDimensionRuleEvaluation(t *testing.T) {
	lookups := &memLookups{
		mappings: map[string]string{
			mappingKey(contracts.LevelGlobal, "", "", contracts.CategoryFeed):    "5100",
			mappingKey(contracts.LevelGlobal, "", "", contracts.CategoryYardage): "5200",
			mappingKey(contracts.LevelGlobal, "", "", contracts.CategoryVet):     "5300",
		},
		rules: []contracts.DimensionRule{
			{EntityID: "BF2", DimensionCode: "LOT", Source: contracts.SourceInvoice, SourceField: "lot",
				Transform: contracts.TransformUppercase, IsRequired: true},
			{EntityID: "BF2", DimensionCode: "PERIOD", Source: contracts.SourceInvoice, SourceField: "invoice_date",
				Transform: contracts.TransformYYYYMM},
			{EntityID: "BF2", DimensionCode: "COSTTYPE", Source: contracts.SourceLine, SourceField: "category",
				Transform: contracts.TransformMap, TransformParams: map[string]string{"FEED": "F", "YARDAGE": "Y"},
				DefaultValue: "X"},
			{DimensionCode: "DIVISION", Source: contracts.SourceEntity, SourceField: "entity_code",
				Transform: contracts.TransformPrefix, TransformParams: map[string]string{"value": "DIV-"}},
		},
	}
	engine := NewEngine(lookups)

	out, err := engine.CodeInvoice(context.Background(), codingInput())
	require.NoError(t, err)
	require.True(t, out.Complete)

	feed := out.LineCodings[0]
	dims := map[string]string{}
	for _, d := range feed.Dimensions {
		dims[d.Code] = d.Value
	}
	require.Equal(t, "20-3883", dims["LOT"])
	require.Equal(t, "2024-06", dims["PERIOD"])
	require.Equal(t, "F", dims["COSTTYPE"])
	require.Equal(t, "DIV-BF2", dims["DIVISION"])

	// The vet line maps through the default on the category map.
	vet := out.LineCodings[2]
	dims = map[string]string{}
	for _, d := range vet.Dimensions {
		dims[d.Code] = d.Value
	}
	require.Equal(t, "X", dims["COSTTYPE"])
}

func TestRequiredDimensionMissing(t *testing.T) {
	lookups := &memLookups{
		mappings: map[string]string{
			mappingKey(contracts.LevelGlobal, "", "", contracts.CategoryFeed):    "5100",
			mappingKey(contracts.LevelGlobal, "", "", contracts.CategoryYardage): "5200",
			mappingKey(contracts.LevelGlobal, "", "", contracts.CategoryVet):     "5300",
		},
		rules: []contracts.DimensionRule{
			{EntityID: "BF2", DimensionCode: "LOT", Source: contracts.SourceInvoice, SourceField: "lot", IsRequired: true},
		},
	}
	engine := NewEngine(lookups)
	in := codingInput()
	in.Invoice.Lot = ""

	out, err := engine.CodeInvoice(context.Background(), in)
	require.NoError(t, err)
	require.False(t, out.Complete)
	require.Equal(t, []string{"LOT"}, out.MissingDimensions)
	require.Equal(t, []string{"LOT"}, out.LineCodings[0].MissingDimensions)
}

func TestTransforms(t *testing.T) {
	require.Equal(t, "ABC", applyTransform(contracts.TransformUppercase, nil, "abc"))
	require.Equal(t, "2024", applyTransform(contracts.TransformYYYY, nil, "2024-06-15"))
	require.Equal(t, "2024-06", applyTransform(contracts.TransformYYYYMM, nil, "2024-06-15"))
	require.Equal(t, "", applyTransform(contracts.TransformYYYYMM, nil, "2024"))
	require.Equal(t, "AB", applyTransform(contracts.TransformTruncate, map[string]string{"length": "2"}, "ABCD"))
	require.Equal(t, "ABCD", applyTransform(contracts.TransformTruncate, map[string]string{"length": "0"}, "ABCD"))
	require.Equal(t, "X-1", applyTransform(contracts.TransformPrefix, map[string]string{"value": "X-"}, "1"))
	require.Equal(t, "1-X", applyTransform(contracts.TransformSuffix, map[string]string{"value": "-X"}, "1"))
	require.Equal(t, "HIGH PLAINS", applyTransform(contracts.TransformNormalize, nil, "  high   plains "))
	require.Equal(t, "", applyTransform(contracts.TransformMap, map[string]string{"A": "1"}, "B"))
}

func TestDefaultValueFillsEmptyTransform(t *testing.T) {
	engine := NewEngine(&memLookups{})
	rule := contracts.DimensionRule{
		DimensionCode: "REGION", Source: contracts.SourceInvoice, SourceField: "feedlot",
		DefaultValue: "SOUTHWEST",
	}
	in := codingInput()
	in.Invoice.Feedlot = ""
	value := engine.evaluateRule(rule, in, contracts.LineItem{})
	require.Equal(t, "SOUTHWEST", value)
}
