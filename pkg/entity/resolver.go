// Package entity routes a document to the tenant company that owns it.
// Resolution is score-based over indexed routing keys with a layered signal
// table and a confidence-gated auto-assign/escalate decision. Given the same
// routing-key snapshot and inputs, the resolution is identical.
package entity

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/corralhq/corral/pkg/contracts"
)

// Config holds the scoring weights and decision thresholds. All values are
// overridable by the resolution profile.
type Config struct {
	Weights             Weights `yaml:"weights"`
	AutoAssignThreshold float64 `yaml:"auto_assign_threshold"`
	MarginThreshold     float64 `yaml:"margin_threshold"`
	MaxCandidates       int     `yaml:"max_candidates"`
}

// Weights are the per-signal score contributions.
type Weights struct {
	OwnerNumberHard float64 `yaml:"owner_number_hard"`
	OwnerNumberSoft float64 `yaml:"owner_number_soft"`
	VendorPresence  float64 `yaml:"vendor_presence"`
	FeedlotHard     float64 `yaml:"feedlot_hard"`
	FeedlotSoft     float64 `yaml:"feedlot_soft"`
	RemitState      float64 `yaml:"remit_state"`
	LotPrefix       float64 `yaml:"lot_prefix"`
}

// DefaultConfig returns the spec defaults: auto-assign at 70 with a margin
// of 15 over the runner-up, at most 3 candidates for manual confirmation.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			OwnerNumberHard: 40,
			OwnerNumberSoft: 25,
			VendorPresence:  30,
			FeedlotHard:     15,
			FeedlotSoft:     7.5,
			RemitState:      15,
			LotPrefix:       10,
		},
		AutoAssignThreshold: 70,
		MarginThreshold:     15,
		MaxCandidates:       3,
	}
}

// Directory is the routing-key and profile lookup surface, satisfied by the
// persistence layer.
type Directory interface {
	ListEntityProfiles(ctx context.Context, activeOnly bool) ([]contracts.EntityProfile, error)
	ListRoutingKeys(ctx context.Context, keyType contracts.RoutingKeyType) ([]contracts.RoutingKey, error)
}

// VendorLookup reports whether a vendor with the extracted name exists in
// the entity's catalog. Optional; nil disables the signal.
type VendorLookup func(ctx context.Context, entityID, vendorName string) (bool, error)

// Signals are the extracted routing inputs. Statement fields backfill
// whatever the invoice is missing.
type Signals struct {
	OwnerNumber  string `json:"owner_number,omitempty"`
	OwnerName    string `json:"owner_name,omitempty"`
	FeedlotName  string `json:"feedlot_name,omitempty"`
	FeedlotState string `json:"feedlot_state,omitempty"`
	LotNumber    string `json:"lot_number,omitempty"`
	RemitState   string `json:"remit_state,omitempty"`
	VendorName   string `json:"vendor_name,omitempty"`
}

// ExtractSignals builds the signal set from an invoice with statement
// backfill.
func ExtractSignals(inv *contracts.InvoiceDocument, stmt *contracts.StatementDocument) Signals {
	s := Signals{}
	if inv != nil {
		s.OwnerNumber = inv.OwnerNumber
		s.OwnerName = inv.Owner
		s.FeedlotName = inv.Feedlot
		s.FeedlotState = inv.FeedlotState
		s.LotNumber = inv.Lot
		s.RemitState = inv.RemitState
		s.VendorName = inv.Feedlot
	}
	if stmt != nil {
		if s.OwnerNumber == "" {
			s.OwnerNumber = stmt.OwnerNumber
		}
		if s.OwnerName == "" {
			s.OwnerName = stmt.Owner
		}
		if s.FeedlotName == "" {
			s.FeedlotName = stmt.Feedlot
			if s.VendorName == "" {
				s.VendorName = stmt.Feedlot
			}
		}
		if s.FeedlotState == "" {
			s.FeedlotState = stmt.FeedlotState
		}
		if s.RemitState == "" {
			s.RemitState = stmt.RemitState
		}
	}
	return s
}

// Candidate is one scored entity.
type Candidate struct {
	Entity  contracts.EntityProfile `json:"entity"`
	Score   float64                 `json:"score"`
	Reasons []string                `json:"reasons"`
}

// Resolution is the advisory decision. The workflow's final choice is what
// gets persisted to audit.
type Resolution struct {
	AutoAssigned bool                     `json:"auto_assigned"`
	Entity       *contracts.EntityProfile `json:"entity,omitempty"`
	Candidates   []Candidate              `json:"candidates,omitempty"`
	Confidence   float64                  `json:"confidence"`
	Reasons      []string                 `json:"reasons,omitempty"`
}

// Resolver scores entities against routing keys. Construct one per workflow
// or request; it keeps no mutable state between calls.
type Resolver struct {
	dir    Directory
	lookup VendorLookup
	cfg    Config
}

// NewResolver builds a resolver over the directory. lookup may be nil.
func NewResolver(dir Directory, lookup VendorLookup, cfg Config) *Resolver {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultConfig().MaxCandidates
	}
	return &Resolver{dir: dir, lookup: lookup, cfg: cfg}
}

// Resolve scores every active entity against the signals and applies the
// auto-assign gate: top score at or above the threshold AND a margin over
// the runner-up at or above the margin threshold.
func (r *Resolver) Resolve(ctx context.Context, sig Signals) (Resolution, error) {
	profiles, err := r.dir.ListEntityProfiles(ctx, true)
	if err != nil {
		return Resolution{}, err
	}
	if len(profiles) == 0 {
		return Resolution{Reasons: []string{"no active entities"}}, nil
	}

	keys, err := r.loadKeys(ctx)
	if err != nil {
		return Resolution{}, err
	}

	candidates := make([]Candidate, 0, len(profiles))
	for _, p := range profiles {
		c := Candidate{Entity: p}
		r.scoreOwnerNumber(&c, sig, keys)
		if err := r.scoreVendorPresence(ctx, &c, sig); err != nil {
			return Resolution{}, err
		}
		r.scoreFeedlot(&c, sig, keys)
		r.scoreRemitState(&c, sig, keys)
		r.scoreLotPrefix(&c, sig, keys)
		candidates = append(candidates, c)
	}

	// Descending by score, entity code as the deterministic tie-break.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Entity.EntityCode < candidates[j].Entity.EntityCode
	})

	top := candidates[0]
	second := 0.0
	if len(candidates) > 1 {
		second = candidates[1].Score
	}

	res := Resolution{Confidence: top.Score, Reasons: top.Reasons}
	if top.Score >= r.cfg.AutoAssignThreshold && top.Score-second >= r.cfg.MarginThreshold {
		entity := top.Entity
		res.AutoAssigned = true
		res.Entity = &entity
		return res, nil
	}

	n := r.cfg.MaxCandidates
	if n > len(candidates) {
		n = len(candidates)
	}
	kept := make([]Candidate, 0, n)
	for _, c := range candidates[:n] {
		if c.Score > 0 {
			kept = append(kept, c)
		}
	}
	res.Candidates = kept
	if !res.AutoAssigned {
		res.Reasons = append(res.Reasons,
			fmt.Sprintf("manual confirmation required: top %.1f, margin %.1f", top.Score, top.Score-second))
	}
	return res, nil
}

type keyIndex map[contracts.RoutingKeyType][]contracts.RoutingKey

func (r *Resolver) loadKeys(ctx context.Context) (keyIndex, error) {
	idx := make(keyIndex)
	for _, kt := range []contracts.RoutingKeyType{
		contracts.KeyOwnerNumber,
		contracts.KeyRemitState,
		contracts.KeyLotPrefix,
		contracts.KeyFeedlotName,
	} {
		keys, err := r.dir.ListRoutingKeys(ctx, kt)
		if err != nil {
			return nil, err
		}
		idx[kt] = keys
	}
	return idx, nil
}

// bestKey returns the entity's matching key with the highest priority, or
// false. Keys arrive priority-descending from the store, so first match
// wins.
func bestKey(keys []contracts.RoutingKey, entityID, value string) (contracts.RoutingKey, bool) {
	for _, k := range keys {
		if k.EntityID == entityID && strings.EqualFold(k.KeyValue, value) {
			return k, true
		}
	}
	return contracts.RoutingKey{}, false
}

func (r *Resolver) scoreOwnerNumber(c *Candidate, sig Signals, keys keyIndex) {
	if sig.OwnerNumber == "" {
		return
	}
	k, ok := bestKey(keys[contracts.KeyOwnerNumber], c.Entity.EntityID, sig.OwnerNumber)
	if !ok {
		return
	}
	if k.Confidence == contracts.ConfidenceHard {
		c.Score += r.cfg.Weights.OwnerNumberHard
		c.Reasons = append(c.Reasons, fmt.Sprintf("Owner number '%s' matches (hard)", sig.OwnerNumber))
	} else {
		c.Score += r.cfg.Weights.OwnerNumberSoft
		c.Reasons = append(c.Reasons, fmt.Sprintf("Owner number '%s' matches (soft)", sig.OwnerNumber))
	}
}

func (r *Resolver) scoreVendorPresence(ctx context.Context, c *Candidate, sig Signals) error {
	if r.lookup == nil || sig.VendorName == "" {
		return nil
	}
	present, err := r.lookup(ctx, c.Entity.EntityID, sig.VendorName)
	if err != nil {
		return err
	}
	if present {
		c.Score += r.cfg.Weights.VendorPresence
		c.Reasons = append(c.Reasons, fmt.Sprintf("Vendor '%s' exists in entity", sig.VendorName))
	}
	return nil
}

func (r *Resolver) scoreFeedlot(c *Candidate, sig Signals, keys keyIndex) {
	if sig.FeedlotName == "" {
		return
	}
	if k, ok := bestKey(keys[contracts.KeyFeedlotName], c.Entity.EntityID, sig.FeedlotName); ok {
		if k.Confidence == contracts.ConfidenceHard {
			c.Score += r.cfg.Weights.FeedlotHard
			c.Reasons = append(c.Reasons, fmt.Sprintf("Feedlot '%s' matches (hard)", sig.FeedlotName))
		} else {
			c.Score += r.cfg.Weights.FeedlotSoft
			c.Reasons = append(c.Reasons, fmt.Sprintf("Feedlot '%s' matches (soft)", sig.FeedlotName))
		}
		return
	}
	// Alias substring counts as a soft signal.
	upper := strings.ToUpper(sig.FeedlotName)
	for _, alias := range c.Entity.Aliases {
		a := strings.ToUpper(alias)
		if a == "" {
			continue
		}
		if strings.Contains(upper, a) || strings.Contains(a, upper) {
			c.Score += r.cfg.Weights.FeedlotSoft
			c.Reasons = append(c.Reasons, fmt.Sprintf("Feedlot '%s' matches alias '%s'", sig.FeedlotName, alias))
			return
		}
	}
}

func (r *Resolver) scoreRemitState(c *Candidate, sig Signals, keys keyIndex) {
	state := sig.RemitState
	if state == "" {
		state = sig.FeedlotState
	}
	if state == "" {
		return
	}
	if _, ok := bestKey(keys[contracts.KeyRemitState], c.Entity.EntityID, state); ok {
		c.Score += r.cfg.Weights.RemitState
		c.Reasons = append(c.Reasons, fmt.Sprintf("Remit state '%s' matches", state))
	}
}

// scoreLotPrefix selects the longest matching prefix; ties break by
// priority, which the store's ordering already encodes.
func (r *Resolver) scoreLotPrefix(c *Candidate, sig Signals, keys keyIndex) {
	if sig.LotNumber == "" {
		return
	}
	lot := strings.ToUpper(sig.LotNumber)
	var best contracts.RoutingKey
	bestLen := -1
	for _, k := range keys[contracts.KeyLotPrefix] {
		if k.EntityID != c.Entity.EntityID {
			continue
		}
		prefix := strings.ToUpper(k.KeyValue)
		if !strings.HasPrefix(lot, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best, bestLen = k, len(prefix)
		}
	}
	if bestLen >= 0 {
		c.Score += r.cfg.Weights.LotPrefix
		c.Reasons = append(c.Reasons, fmt.Sprintf("Lot '%s' matches prefix '%s'", sig.LotNumber, best.KeyValue))
	}
}
