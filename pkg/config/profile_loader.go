package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/corralhq/corral/pkg/entity"
	"github.com/corralhq/corral/pkg/vendors"
)

// ResolutionProfile overrides the entity and vendor resolver defaults per
// deployment. Absent sections keep the built-in values.
type ResolutionProfile struct {
	Entity *entity.Config  `yaml:"entity,omitempty"`
	Vendor *vendors.Config `yaml:"vendor,omitempty"`
}

// LoadProfile reads the YAML profile at path and merges it over the resolver
// defaults. An empty path returns the defaults unchanged.
func LoadProfile(path string) (entity.Config, vendors.Config, error) {
	entityCfg := entity.DefaultConfig()
	vendorCfg := vendors.DefaultConfig()
	if path == "" {
		return entityCfg, vendorCfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return entityCfg, vendorCfg, fmt.Errorf("config: reading resolution profile %s: %w", path, err)
	}
	var profile ResolutionProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return entityCfg, vendorCfg, fmt.Errorf("config: parsing resolution profile %s: %w", path, err)
	}

	if profile.Entity != nil {
		entityCfg = mergeEntity(entityCfg, *profile.Entity)
	}
	if profile.Vendor != nil {
		vendorCfg = mergeVendor(vendorCfg, *profile.Vendor)
	}
	return entityCfg, vendorCfg, nil
}

// mergeEntity overlays non-zero profile values on the defaults. A weight of
// zero in the profile keeps the default; disabling a signal entirely is not a
// profile concern.
func mergeEntity(base, over entity.Config) entity.Config {
	if over.AutoAssignThreshold > 0 {
		base.AutoAssignThreshold = over.AutoAssignThreshold
	}
	if over.MarginThreshold > 0 {
		base.MarginThreshold = over.MarginThreshold
	}
	if over.MaxCandidates > 0 {
		base.MaxCandidates = over.MaxCandidates
	}
	if over.Weights.OwnerNumberHard > 0 {
		base.Weights.OwnerNumberHard = over.Weights.OwnerNumberHard
	}
	if over.Weights.OwnerNumberSoft > 0 {
		base.Weights.OwnerNumberSoft = over.Weights.OwnerNumberSoft
	}
	if over.Weights.VendorPresence > 0 {
		base.Weights.VendorPresence = over.Weights.VendorPresence
	}
	if over.Weights.FeedlotHard > 0 {
		base.Weights.FeedlotHard = over.Weights.FeedlotHard
	}
	if over.Weights.FeedlotSoft > 0 {
		base.Weights.FeedlotSoft = over.Weights.FeedlotSoft
	}
	if over.Weights.RemitState > 0 {
		base.Weights.RemitState = over.Weights.RemitState
	}
	if over.Weights.LotPrefix > 0 {
		base.Weights.LotPrefix = over.Weights.LotPrefix
	}
	return base
}

func mergeVendor(base, over vendors.Config) vendors.Config {
	if over.FuzzyThreshold > 0 {
		base.FuzzyThreshold = over.FuzzyThreshold
	}
	if over.AutoMatchThreshold > 0 {
		base.AutoMatchThreshold = over.AutoMatchThreshold
	}
	if over.MaxCandidates > 0 {
		base.MaxCandidates = over.MaxCandidates
	}
	if over.NameWeight > 0 {
		base.NameWeight = over.NameWeight
	}
	if over.AddressWeight > 0 {
		base.AddressWeight = over.AddressWeight
	}
	return base
}
