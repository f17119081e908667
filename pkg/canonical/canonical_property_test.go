//go:build property
// +build property

// Property-based tests for canonical hashing determinism.
package canonical_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/corralhq/corral/pkg/canonical"
)

// TestHashKeyOrderInvariance verifies the JCS hash ignores map insertion
// order. Property: Hash(m) == Hash(reversed(m)) for any string map.
func TestHashKeyOrderInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hash is key-order invariant", prop.ForAll(
		func(keys []string, values []string) bool {
			fwd := make(map[string]any)
			rev := make(map[string]any)
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			for i := 0; i < n; i++ {
				if keys[i] == "" {
					continue
				}
				fwd[keys[i]] = values[i]
			}
			for i := n - 1; i >= 0; i-- {
				if keys[i] == "" {
					continue
				}
				rev[keys[i]] = values[i]
			}
			h1, err1 := canonical.Hash(fwd)
			h2, err2 := canonical.Hash(rev)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("repeated hashing is stable", prop.ForAll(
		func(key string, val int64) bool {
			obj := map[string]any{key: val, "fixed": "anchor"}
			h1, err1 := canonical.Hash(obj)
			h2, err2 := canonical.Hash(obj)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.AlphaString(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
