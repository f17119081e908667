// Package vendors matches extracted vendor names to catalog entries through
// a normalized alias cache backed by fuzzy token/address scoring. A confirmed
// match persists an alias so the next identical normalized name is an exact
// hit.
package vendors

import (
	"context"
	"sort"
	"strings"

	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/fault"
)

// MatchType classifies how a resolution was produced.
type MatchType string

const (
	MatchExactAlias MatchType = "EXACT_ALIAS"
	MatchFuzzy      MatchType = "FUZZY"
	MatchNone       MatchType = "NONE"
)

// Address is the normalized comparison form of a postal address.
type Address struct {
	Street string `json:"street,omitempty"`
	City   string `json:"city,omitempty"`
	State  string `json:"state,omitempty"`
}

func (a Address) empty() bool { return a.Street == "" && a.City == "" && a.State == "" }

// CatalogVendor is one entry of the entity's vendor catalog as supplied by
// the ERP listing.
type CatalogVendor struct {
	VendorID     string  `json:"vendor_id"`
	VendorNumber string  `json:"vendor_number,omitempty"`
	Name         string  `json:"name"`
	Address      Address `json:"address,omitempty"`
}

// Candidate is one scored catalog vendor.
type Candidate struct {
	Vendor       CatalogVendor `json:"vendor"`
	Score        float64       `json:"score"`
	NameScore    float64       `json:"name_score"`
	AddressScore float64       `json:"address_score,omitempty"`
}

// Resolution is the outcome of resolving one extracted name.
type Resolution struct {
	MatchType  MatchType      `json:"match_type"`
	Vendor     *CatalogVendor `json:"vendor,omitempty"`
	Confidence float64        `json:"confidence"`
	Candidates []Candidate    `json:"candidates,omitempty"`
	Normalized string         `json:"normalized"`
}

// Config holds the similarity weights and decision thresholds.
type Config struct {
	FuzzyThreshold     float64 `yaml:"fuzzy_threshold"`
	AutoMatchThreshold float64 `yaml:"auto_match_threshold"`
	MaxCandidates      int     `yaml:"max_candidates"`
	NameWeight         float64 `yaml:"name_weight"`
	AddressWeight      float64 `yaml:"address_weight"`
}

// DefaultConfig returns the spec defaults.
func DefaultConfig() Config {
	return Config{
		FuzzyThreshold:     60,
		AutoMatchThreshold: 85,
		MaxCandidates:      5,
		NameWeight:         0.75,
		AddressWeight:      0.25,
	}
}

// AliasStore is the persisted alias surface, satisfied by the persistence
// layer.
type AliasStore interface {
	GetVendorAlias(ctx context.Context, customerID, entityID, aliasNormalized string) (contracts.VendorAlias, error)
	UpsertVendorAlias(ctx context.Context, a contracts.VendorAlias) error
}

// Resolver matches extracted names against a catalog. Construct one per
// workflow or request.
type Resolver struct {
	aliases AliasStore
	cfg     Config
}

// NewResolver builds a resolver over the alias store.
func NewResolver(aliases AliasStore, cfg Config) *Resolver {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultConfig().MaxCandidates
	}
	return &Resolver{aliases: aliases, cfg: cfg}
}

// Resolve normalizes the extracted name, consults the alias cache, then
// falls back to fuzzy scoring over the supplied catalog. Auto-match requires
// the top score at or above the auto threshold.
func (r *Resolver) Resolve(ctx context.Context, customerID, entityID, extractedName string, extractedAddr Address, catalog []CatalogVendor) (Resolution, error) {
	normalized := Normalize(extractedName)
	res := Resolution{MatchType: MatchNone, Normalized: normalized}
	if normalized == "" {
		return res, nil
	}

	alias, err := r.aliases.GetVendorAlias(ctx, customerID, entityID, normalized)
	switch {
	case err == nil:
		vendor := findCatalogVendor(catalog, alias)
		res.MatchType = MatchExactAlias
		res.Vendor = &vendor
		res.Confidence = 100
		return res, nil
	case !fault.IsNotFound(err):
		return Resolution{}, err
	}

	candidates := make([]Candidate, 0, len(catalog))
	for _, v := range catalog {
		c := r.score(normalized, extractedAddr, v)
		if c.Score >= r.cfg.FuzzyThreshold {
			candidates = append(candidates, c)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Vendor.VendorID < candidates[j].Vendor.VendorID
	})
	if len(candidates) > r.cfg.MaxCandidates {
		candidates = candidates[:r.cfg.MaxCandidates]
	}
	if len(candidates) == 0 {
		return res, nil
	}
	top := candidates[0]
	if top.Score >= r.cfg.AutoMatchThreshold {
		vendor := top.Vendor
		res.MatchType = MatchFuzzy
		res.Vendor = &vendor
		res.Confidence = top.Score
		return res, nil
	}
	res.MatchType = MatchFuzzy
	res.Candidates = candidates
	res.Confidence = top.Score
	return res, nil
}

// ConfirmMatch persists the alias for a user-confirmed pairing. Idempotent
// on (customer_id, entity_id, alias_normalized).
func (r *Resolver) ConfirmMatch(ctx context.Context, customerID, entityID, extractedName string, vendor CatalogVendor) (contracts.VendorAlias, error) {
	alias := contracts.VendorAlias{
		CustomerID:      customerID,
		EntityID:        entityID,
		AliasNormalized: Normalize(extractedName),
		VendorID:        vendor.VendorID,
		VendorNumber:    vendor.VendorNumber,
		VendorName:      vendor.Name,
	}
	if alias.AliasNormalized == "" {
		return contracts.VendorAlias{}, &fault.ValidationError{Field: "extracted_name", Reason: "normalizes to empty"}
	}
	if err := r.aliases.UpsertVendorAlias(ctx, alias); err != nil {
		return contracts.VendorAlias{}, err
	}
	return alias, nil
}

func findCatalogVendor(catalog []CatalogVendor, alias contracts.VendorAlias) CatalogVendor {
	for _, v := range catalog {
		if v.VendorID == alias.VendorID {
			return v
		}
	}
	return CatalogVendor{VendorID: alias.VendorID, VendorNumber: alias.VendorNumber, Name: alias.VendorName}
}

func (r *Resolver) score(normalized string, addr Address, v CatalogVendor) Candidate {
	vendorNorm := Normalize(v.Name)
	nameScore := nameSimilarity(normalized, vendorNorm) * 100

	c := Candidate{Vendor: v, NameScore: nameScore}
	if addr.empty() || v.Address.empty() {
		c.Score = nameScore
		return c
	}
	addrScore := addressSimilarity(addr, v.Address) * 100
	c.AddressScore = addrScore
	c.Score = r.cfg.NameWeight*nameScore + r.cfg.AddressWeight*addrScore
	return c
}

// nameSimilarity blends token similarity (0.7) with string similarity
// (0.3), each in [0,1].
func nameSimilarity(a, b string) float64 {
	return 0.7*tokenSimilarity(a, b) + 0.3*stringSimilarity(a, b)
}

// tokenSimilarity is token-set jaccard plus a first-token bonus (0.15) and a
// partial-substring bonus (up to 0.2), capped at 1.0.
func tokenSimilarity(a, b string) float64 {
	ta, tb := Tokenize(a), Tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(ta))
	for _, t := range ta {
		setA[t] = true
	}
	setB := make(map[string]bool, len(tb))
	for _, t := range tb {
		setB[t] = true
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	sim := float64(inter) / float64(union)

	if ta[0] == tb[0] {
		sim += 0.15
	}

	// Partial substring bonus: non-identical tokens containing each other.
	partial := 0.0
	for t := range setA {
		for u := range setB {
			if t == u {
				continue
			}
			if strings.Contains(t, u) || strings.Contains(u, t) {
				partial += 0.1
			}
		}
	}
	if partial > 0.2 {
		partial = 0.2
	}
	sim += partial

	if sim > 1 {
		sim = 1
	}
	return sim
}

// stringSimilarity is the containment ratio when one normalized name
// contains the other, else the character-set jaccard.
func stringSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if strings.Contains(longer, shorter) {
		return float64(len(shorter)) / float64(len(longer))
	}
	setA := make(map[rune]bool)
	for _, r := range a {
		setA[r] = true
	}
	setB := make(map[rune]bool)
	for _, r := range b {
		setB[r] = true
	}
	inter := 0
	for r := range setA {
		if setB[r] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// addressSimilarity weighs state equality 0.4, city 0.35 (0.2 for a partial
// match), street similarity 0.25.
func addressSimilarity(a, b Address) float64 {
	score := 0.0
	if s1, s2 := normalizeState(a.State), normalizeState(b.State); s1 != "" && s1 == s2 {
		score += 0.4
	}
	c1, c2 := normalizeToken(a.City), normalizeToken(b.City)
	switch {
	case c1 != "" && c1 == c2:
		score += 0.35
	case c1 != "" && c2 != "" && (strings.Contains(c1, c2) || strings.Contains(c2, c1)):
		score += 0.2
	}
	if st1, st2 := normalizeToken(a.Street), normalizeToken(b.Street); st1 != "" && st2 != "" {
		score += 0.25 * stringSimilarity(st1, st2)
	}
	return score
}

// stateNames maps spelled-out US states seen on remit addresses to their
// two-letter codes.
var stateNames = map[string]string{
	"TEXAS": "TX", "NEW MEXICO": "NM", "OKLAHOMA": "OK", "KANSAS": "KS",
	"COLORADO": "CO", "NEBRASKA": "NE", "CALIFORNIA": "CA", "IOWA": "IA",
}

func normalizeState(s string) string {
	up := strings.ToUpper(strings.TrimSpace(s))
	if code, ok := stateNames[up]; ok {
		return code
	}
	return up
}

func normalizeToken(s string) string {
	return strings.Join(strings.Fields(strings.ToUpper(strings.TrimSpace(s))), " ")
}
