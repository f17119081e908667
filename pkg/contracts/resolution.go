package contracts

import "time"

// EntityProfile is a tenant company documents can be routed to.
type EntityProfile struct {
	EntityID          string            `json:"entity_id"`
	EntityCode        string            `json:"entity_code"`
	Name              string            `json:"name"`
	Aliases           []string          `json:"aliases,omitempty"`
	DefaultDimensions map[string]string `json:"default_dimensions,omitempty"`
	IsActive          bool              `json:"is_active"`
}

// RoutingKeyType enumerates the indexed signal types.
type RoutingKeyType string

const (
	KeyOwnerNumber RoutingKeyType = "OWNER_NUMBER"
	KeyRemitState  RoutingKeyType = "REMIT_STATE"
	KeyLotPrefix   RoutingKeyType = "LOT_PREFIX"
	KeyFeedlotName RoutingKeyType = "FEEDLOT_NAME"
	KeyVendorName  RoutingKeyType = "VENDOR_NAME"
)

// KeyConfidence grades a routing key. (key_type, key_value) is globally
// unique for HARD keys; SOFT keys may overlap.
type KeyConfidence string

const (
	ConfidenceHard KeyConfidence = "HARD"
	ConfidenceSoft KeyConfidence = "SOFT"
)

// RoutingKey maps a signal value to an entity.
type RoutingKey struct {
	KeyType    RoutingKeyType `json:"key_type"`
	KeyValue   string         `json:"key_value"`
	EntityID   string         `json:"entity_id"`
	Confidence KeyConfidence  `json:"confidence"`
	Priority   int            `json:"priority"`
}

// VendorAlias is a confirmed normalized-name to vendor mapping, unique on
// (customer_id, entity_id, alias_normalized).
type VendorAlias struct {
	CustomerID      string    `json:"customer_id"`
	EntityID        string    `json:"entity_id"`
	AliasNormalized string    `json:"alias_normalized"`
	VendorID        string    `json:"vendor_id"`
	VendorNumber    string    `json:"vendor_number"`
	VendorName      string    `json:"vendor_name"`
	CreatedAt       time.Time `json:"created_at"`
}

// LineCategory is the fixed category set produced by line categorization.
type LineCategory string

const (
	CategoryFeed          LineCategory = "FEED"
	CategoryYardage       LineCategory = "YARDAGE"
	CategoryVet           LineCategory = "VET"
	CategoryFreight       LineCategory = "FREIGHT"
	CategoryDeathLoss     LineCategory = "DEATH_LOSS"
	CategoryInterest      LineCategory = "INTEREST"
	CategoryProcessing    LineCategory = "PROCESSING"
	CategoryCheckoff      LineCategory = "CHECKOFF"
	CategoryBrand         LineCategory = "BRAND"
	CategoryInsurance     LineCategory = "INSURANCE"
	CategoryMisc          LineCategory = "MISC"
	CategoryUncategorized LineCategory = "UNCATEGORIZED"
)

// MappingLevel records which GL lookup level produced an account.
type MappingLevel string

const (
	LevelVendor   MappingLevel = "VENDOR"
	LevelEntity   MappingLevel = "ENTITY"
	LevelGlobal   MappingLevel = "GLOBAL"
	LevelSuspense MappingLevel = "SUSPENSE"
)

// GLMapping maps (level, entity, vendor, category) to a GL account.
// EntityID and VendorID are empty where the level does not scope them.
type GLMapping struct {
	Level        MappingLevel `json:"level"`
	EntityID     string       `json:"entity_id,omitempty"`
	VendorID     string       `json:"vendor_id,omitempty"`
	Category     LineCategory `json:"category"`
	GLAccountRef string       `json:"gl_account_ref"`
}

// DimensionSource names where a dimension rule reads its value from.
type DimensionSource string

const (
	SourceInvoice   DimensionSource = "invoice"
	SourceStatement DimensionSource = "statement"
	SourceEntity    DimensionSource = "entity"
	SourceVendor    DimensionSource = "vendor"
	SourceLine      DimensionSource = "line"
)

// DimensionTransform names the value transform a dimension rule applies.
type DimensionTransform string

const (
	TransformNone      DimensionTransform = "none"
	TransformUppercase DimensionTransform = "uppercase"
	TransformYYYYMM    DimensionTransform = "yyyy_mm"
	TransformYYYY      DimensionTransform = "yyyy"
	TransformNormalize DimensionTransform = "normalize"
	TransformPrefix    DimensionTransform = "prefix"
	TransformSuffix    DimensionTransform = "suffix"
	TransformTruncate  DimensionTransform = "truncate"
	TransformMap       DimensionTransform = "map"
)

// DimensionRule derives one ERP dimension value. EntityID empty means the
// rule is global.
type DimensionRule struct {
	EntityID        string             `json:"entity_id,omitempty"`
	DimensionCode   string             `json:"dimension_code"`
	SourceField     string             `json:"source_field"`
	Source          DimensionSource    `json:"source"`
	Transform       DimensionTransform `json:"transform"`
	TransformParams map[string]string  `json:"transform_params,omitempty"`
	DefaultValue    string             `json:"default_value,omitempty"`
	IsRequired      bool               `json:"is_required"`
}
