// Package coding assigns each invoice line a GL account and a set of ERP
// dimensions: keyword categorization, hierarchical mapping lookup
// (VENDOR then ENTITY then GLOBAL then suspense), and per-entity dimension
// rules with value transforms. The engine is a constructed instance over
// injected lookups; there is no module-level mutable state.
package coding

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/corralhq/corral/pkg/contracts"
)

// SuspenseAccount is the fallback GL reference when no mapping level hits.
const SuspenseAccount = "SUSPENSE"

// Lookups is the mapping and dimension-rule surface, satisfied by the
// persistence layer.
type Lookups interface {
	LookupGLMapping(ctx context.Context, level contracts.MappingLevel, entityID, vendorID string, category contracts.LineCategory) (string, bool, error)
	ListDimensionRules(ctx context.Context, entityID string) ([]contracts.DimensionRule, error)
}

// Dimension is one resolved ERP dimension value.
type Dimension struct {
	Code  string `json:"code"`
	Value string `json:"value"`
}

// LineCoding is the per-line result.
type LineCoding struct {
	LineIndex         int                    `json:"line_index"`
	Description       string                 `json:"description"`
	Category          contracts.LineCategory `json:"category"`
	GLRef             string                 `json:"gl_ref"`
	MappingLevel      contracts.MappingLevel `json:"mapping_level"`
	Dimensions        []Dimension            `json:"dimensions,omitempty"`
	MissingDimensions []string               `json:"missing_dimensions,omitempty"`
	Complete          bool                   `json:"complete"`
}

// InvoiceCoding aggregates the package-facing result.
type InvoiceCoding struct {
	InvoiceNumber     string       `json:"invoice_number"`
	LineCodings       []LineCoding `json:"line_codings"`
	MissingMappings   []string     `json:"missing_mappings,omitempty"`
	MissingDimensions []string     `json:"missing_dimensions,omitempty"`
	Warnings          []string     `json:"warnings,omitempty"`
	Complete          bool         `json:"complete"`
}

// Input carries the documents the engine and its dimension rules read from.
type Input struct {
	Invoice   *contracts.InvoiceDocument
	Statement *contracts.StatementDocument
	Entity    *contracts.EntityProfile
	Vendor    *VendorInfo
}

// VendorInfo is the resolved vendor as dimension rules see it.
type VendorInfo struct {
	VendorID     string `json:"vendor_id"`
	VendorNumber string `json:"vendor_number,omitempty"`
	VendorName   string `json:"vendor_name,omitempty"`
}

// Engine evaluates codings. Construct one per workflow or request.
type Engine struct {
	lookups Lookups
}

// NewEngine builds an engine over the injected lookups.
func NewEngine(lookups Lookups) *Engine {
	return &Engine{lookups: lookups}
}

// CodeInvoice categorizes every line, resolves its GL account through the
// lookup hierarchy, and evaluates the entity's dimension rules per line.
// Missing mappings land on the suspense account and are reported, never
// fatal.
func (e *Engine) CodeInvoice(ctx context.Context, in Input) (InvoiceCoding, error) {
	if in.Invoice == nil {
		return InvoiceCoding{}, fmt.Errorf("coding: invoice document required")
	}
	entityID := ""
	if in.Entity != nil {
		entityID = in.Entity.EntityID
	}
	vendorID := ""
	if in.Vendor != nil {
		vendorID = in.Vendor.VendorID
	}

	rules, err := e.lookups.ListDimensionRules(ctx, entityID)
	if err != nil {
		return InvoiceCoding{}, err
	}

	out := InvoiceCoding{InvoiceNumber: in.Invoice.InvoiceNumber, Complete: true}
	missingMappings := make(map[string]bool)
	missingDims := make(map[string]bool)

	for i, line := range in.Invoice.LineItems {
		lc := LineCoding{
			LineIndex:   i,
			Description: line.Description,
			Category:    Categorize(line.Description),
			Complete:    true,
		}

		ref, level, err := e.lookupGL(ctx, entityID, vendorID, lc.Category)
		if err != nil {
			return InvoiceCoding{}, err
		}
		lc.GLRef = ref
		lc.MappingLevel = level
		if level == contracts.LevelSuspense {
			lc.Complete = false
			missingMappings[string(lc.Category)] = true
		}

		for _, rule := range rules {
			value := e.evaluateRule(rule, in, line)
			if value == "" {
				if rule.IsRequired {
					lc.MissingDimensions = append(lc.MissingDimensions, rule.DimensionCode)
					lc.Complete = false
					missingDims[rule.DimensionCode] = true
				}
				continue
			}
			lc.Dimensions = append(lc.Dimensions, Dimension{Code: rule.DimensionCode, Value: value})
		}

		if !lc.Complete {
			out.Complete = false
		}
		out.LineCodings = append(out.LineCodings, lc)
	}

	out.MissingMappings = sortedKeys(missingMappings)
	out.MissingDimensions = sortedKeys(missingDims)
	for _, cat := range out.MissingMappings {
		out.Warnings = append(out.Warnings, fmt.Sprintf("no GL mapping for category %s, suspense account used", cat))
	}
	for _, code := range out.MissingDimensions {
		out.Warnings = append(out.Warnings, fmt.Sprintf("required dimension %s unresolved", code))
	}
	return out, nil
}

// lookupGL walks the mapping hierarchy: vendor-scoped, entity-scoped,
// global, suspense.
func (e *Engine) lookupGL(ctx context.Context, entityID, vendorID string, category contracts.LineCategory) (string, contracts.MappingLevel, error) {
	if vendorID != "" && entityID != "" {
		ref, ok, err := e.lookups.LookupGLMapping(ctx, contracts.LevelVendor, entityID, vendorID, category)
		if err != nil {
			return "", "", err
		}
		if ok {
			return ref, contracts.LevelVendor, nil
		}
	}
	if entityID != "" {
		ref, ok, err := e.lookups.LookupGLMapping(ctx, contracts.LevelEntity, entityID, "", category)
		if err != nil {
			return "", "", err
		}
		if ok {
			return ref, contracts.LevelEntity, nil
		}
	}
	ref, ok, err := e.lookups.LookupGLMapping(ctx, contracts.LevelGlobal, "", "", category)
	if err != nil {
		return "", "", err
	}
	if ok {
		return ref, contracts.LevelGlobal, nil
	}
	return SuspenseAccount, contracts.LevelSuspense, nil
}

// evaluateRule reads the rule's source field, applies its transform, and
// falls back to the default value when the result is empty.
func (e *Engine) evaluateRule(rule contracts.DimensionRule, in Input, line contracts.LineItem) string {
	raw := readSourceField(rule.Source, rule.SourceField, in, line)
	value := applyTransform(rule.Transform, rule.TransformParams, raw)
	if value == "" {
		value = rule.DefaultValue
	}
	return value
}

func readSourceField(source contracts.DimensionSource, field string, in Input, line contracts.LineItem) string {
	switch source {
	case contracts.SourceInvoice:
		if in.Invoice == nil {
			return ""
		}
		switch field {
		case "invoice_number":
			return in.Invoice.InvoiceNumber
		case "invoice_date":
			return in.Invoice.InvoiceDate
		case "lot", "lot_number":
			return in.Invoice.Lot
		case "feedlot":
			return in.Invoice.Feedlot
		case "owner":
			return in.Invoice.Owner
		case "owner_number":
			return in.Invoice.OwnerNumber
		}
	case contracts.SourceStatement:
		if in.Statement == nil {
			return ""
		}
		switch field {
		case "feedlot":
			return in.Statement.Feedlot
		case "owner":
			return in.Statement.Owner
		case "owner_number":
			return in.Statement.OwnerNumber
		case "period_start":
			return in.Statement.PeriodStart
		case "period_end":
			return in.Statement.PeriodEnd
		}
	case contracts.SourceEntity:
		if in.Entity == nil {
			return ""
		}
		switch field {
		case "entity_id":
			return in.Entity.EntityID
		case "entity_code":
			return in.Entity.EntityCode
		case "name":
			return in.Entity.Name
		default:
			return in.Entity.DefaultDimensions[field]
		}
	case contracts.SourceVendor:
		if in.Vendor == nil {
			return ""
		}
		switch field {
		case "vendor_id":
			return in.Vendor.VendorID
		case "vendor_number":
			return in.Vendor.VendorNumber
		case "vendor_name":
			return in.Vendor.VendorName
		}
	case contracts.SourceLine:
		switch field {
		case "description":
			return line.Description
		case "category":
			return string(Categorize(line.Description))
		}
	}
	return ""
}

func applyTransform(t contracts.DimensionTransform, params map[string]string, value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	switch t {
	case contracts.TransformNone, "":
		return value
	case contracts.TransformUppercase:
		return strings.ToUpper(value)
	case contracts.TransformYYYYMM:
		if len(value) >= 7 {
			return value[:7]
		}
		return ""
	case contracts.TransformYYYY:
		if len(value) >= 4 {
			return value[:4]
		}
		return ""
	case contracts.TransformNormalize:
		return strings.Join(strings.Fields(strings.ToUpper(value)), " ")
	case contracts.TransformPrefix:
		return params["value"] + value
	case contracts.TransformSuffix:
		return value + params["value"]
	case contracts.TransformTruncate:
		n, err := strconv.Atoi(params["length"])
		if err != nil || n <= 0 {
			return value
		}
		if len(value) > n {
			return value[:n]
		}
		return value
	case contracts.TransformMap:
		return params[value]
	default:
		return value
	}
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
