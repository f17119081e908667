package entity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/contracts"
)

// fakeDirectory serves a fixed routing snapshot, priority-descending like
// the store does.
type fakeDirectory struct {
	profiles []contracts.EntityProfile
	keys     map[contracts.RoutingKeyType][]contracts.RoutingKey
}

func (d *fakeDirectory) ListEntityProfiles(_ context.Context, activeOnly bool) ([]contracts.EntityProfile, error) {
	if !activeOnly {
		return d.profiles, nil
	}
	var out []contracts.EntityProfile
	for _, p := range d.profiles {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *fakeDirectory) ListRoutingKeys(_ context.Context, kt contracts.RoutingKeyType) ([]contracts.RoutingKey, error) {
	return d.keys[kt], nil
}

func twoEntityDirectory() *fakeDirectory {
	return &fakeDirectory{
		profiles: []contracts.EntityProfile{
			{EntityID: "BF2", EntityCode: "BF2", Name: "Bovina Feeders II", Aliases: []string{"BOVINA FEEDERS"}, IsActive: true},
			{EntityID: "MESQ", EntityCode: "MESQ", Name: "Mesquite Cattle", IsActive: true},
		},
		keys: map[contracts.RoutingKeyType][]contracts.RoutingKey{
			contracts.KeyOwnerNumber: {
				{KeyType: contracts.KeyOwnerNumber, KeyValue: "531", EntityID: "BF2", Confidence: contracts.ConfidenceHard, Priority: 100},
			},
			contracts.KeyFeedlotName: {
				{KeyType: contracts.KeyFeedlotName, KeyValue: "BOVINA FEEDERS", EntityID: "BF2", Confidence: contracts.ConfidenceHard, Priority: 50},
			},
			contracts.KeyRemitState: {
				{KeyType: contracts.KeyRemitState, KeyValue: "TX", EntityID: "BF2", Confidence: contracts.ConfidenceSoft, Priority: 10},
			},
			contracts.KeyLotPrefix: {
				{KeyType: contracts.KeyLotPrefix, KeyValue: "20-38", EntityID: "BF2", Confidence: contracts.ConfidenceSoft, Priority: 20},
				{KeyType: contracts.KeyLotPrefix, KeyValue: "20", EntityID: "BF2", Confidence: contracts.ConfidenceSoft, Priority: 90},
				{KeyType: contracts.KeyLotPrefix, KeyValue: "20", EntityID: "MESQ", Confidence: contracts.ConfidenceSoft, Priority: 5},
			},
		},
	}
}

func TestAutoAssignOnHardOwnerNumber(t *testing.T) {
	r := NewResolver(twoEntityDirectory(), nil, DefaultConfig())

	start := time.Now()
	res, err := r.Resolve(context.Background(), Signals{
		OwnerNumber: "531",
		FeedlotName: "Bovina Feeders",
		LotNumber:   "20-3883",
		RemitState:  "TX",
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.True(t, res.AutoAssigned)
	require.NotNil(t, res.Entity)
	require.Equal(t, "BF2", res.Entity.EntityID)
	require.Contains(t, res.Reasons, "Owner number '531' matches (hard)")
	// 40 + 15 + 15 + 10: every configured signal fired.
	require.InDelta(t, 80, res.Confidence, 0.001)
	require.Less(t, elapsed, 50*time.Millisecond)
}

func TestNoAutoAssignBelowThreshold(t *testing.T) {
	r := NewResolver(twoEntityDirectory(), nil, DefaultConfig())

	res, err := r.Resolve(context.Background(), Signals{FeedlotName: "Bovina Feeders", RemitState: "TX"})
	require.NoError(t, err)
	// 15 + 15 = 30 < 70: candidates returned for manual confirmation.
	require.False(t, res.AutoAssigned)
	require.Nil(t, res.Entity)
	require.NotEmpty(t, res.Candidates)
	require.Equal(t, "BF2", res.Candidates[0].Entity.EntityID)
}

func TestNoAutoAssignWithoutMargin(t *testing.T) {
	dir := twoEntityDirectory()
	// Give MESQ a competing hard owner-number route on a second signal so
	// both entities land within the margin.
	dir.keys[contracts.KeyOwnerNumber] = append(dir.keys[contracts.KeyOwnerNumber],
		contracts.RoutingKey{KeyType: contracts.KeyOwnerNumber, KeyValue: "531", EntityID: "MESQ", Confidence: contracts.ConfidenceSoft, Priority: 1})
	dir.keys[contracts.KeyRemitState] = append(dir.keys[contracts.KeyRemitState],
		contracts.RoutingKey{KeyType: contracts.KeyRemitState, KeyValue: "TX", EntityID: "MESQ", Confidence: contracts.ConfidenceSoft, Priority: 1})
	dir.keys[contracts.KeyFeedlotName] = append(dir.keys[contracts.KeyFeedlotName],
		contracts.RoutingKey{KeyType: contracts.KeyFeedlotName, KeyValue: "BOVINA FEEDERS", EntityID: "MESQ", Confidence: contracts.ConfidenceHard, Priority: 1})

	r := NewResolver(dir, nil, DefaultConfig())
	res, err := r.Resolve(context.Background(), Signals{
		OwnerNumber: "531",
		FeedlotName: "Bovina Feeders",
		RemitState:  "TX",
	})
	require.NoError(t, err)
	// BF2 70 vs MESQ 55: margin 15 not exceeded? It is exactly 15, so the
	// inclusive gate auto-assigns.
	require.True(t, res.AutoAssigned)

	// Tighten: one more soft point for MESQ breaks the margin.
	dir.keys[contracts.KeyLotPrefix] = append(dir.keys[contracts.KeyLotPrefix],
		contracts.RoutingKey{KeyType: contracts.KeyLotPrefix, KeyValue: "9", EntityID: "MESQ", Confidence: contracts.ConfidenceSoft, Priority: 1})
	res, err = r.Resolve(context.Background(), Signals{
		OwnerNumber: "531",
		FeedlotName: "Bovina Feeders",
		RemitState:  "TX",
		LotNumber:   "9-100",
	})
	require.NoError(t, err)
	require.False(t, res.AutoAssigned)
	require.Len(t, res.Candidates, 2)
}

func TestVendorPresenceSignal(t *testing.T) {
	lookup := func(_ context.Context, entityID, vendorName string) (bool, error) {
		return entityID == "BF2" && vendorName == "Bovina Feeders", nil
	}
	r := NewResolver(twoEntityDirectory(), lookup, DefaultConfig())

	res, err := r.Resolve(context.Background(), Signals{
		OwnerNumber: "531",
		VendorName:  "Bovina Feeders",
	})
	require.NoError(t, err)
	require.True(t, res.AutoAssigned)
	// 40 hard owner + 30 vendor presence.
	require.InDelta(t, 70, res.Confidence, 0.001)
	require.Contains(t, res.Reasons, "Vendor 'Bovina Feeders' exists in entity")
}

func TestLotPrefixLongestMatchWins(t *testing.T) {
	r := NewResolver(twoEntityDirectory(), nil, DefaultConfig())

	res, err := r.Resolve(context.Background(), Signals{LotNumber: "20-3883"})
	require.NoError(t, err)
	require.False(t, res.AutoAssigned)
	require.NotEmpty(t, res.Candidates)
	top := res.Candidates[0]
	require.Equal(t, "BF2", top.Entity.EntityID)
	// "20-38" beats "20" despite lower priority.
	require.Contains(t, top.Reasons, "Lot '20-3883' matches prefix '20-38'")
}

func TestFeedlotAliasSubstringScoresSoft(t *testing.T) {
	dir := twoEntityDirectory()
	dir.keys[contracts.KeyFeedlotName] = nil // force the alias path
	r := NewResolver(dir, nil, DefaultConfig())

	res, err := r.Resolve(context.Background(), Signals{FeedlotName: "BOVINA FEEDERS YARD 2"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Candidates)
	require.InDelta(t, 7.5, res.Candidates[0].Score, 0.001)
}

func TestCandidatesCappedAtMax(t *testing.T) {
	dir := &fakeDirectory{keys: map[contracts.RoutingKeyType][]contracts.RoutingKey{}}
	for _, id := range []string{"E1", "E2", "E3", "E4", "E5"} {
		dir.profiles = append(dir.profiles, contracts.EntityProfile{EntityID: id, EntityCode: id, Name: id, IsActive: true})
		dir.keys[contracts.KeyRemitState] = append(dir.keys[contracts.KeyRemitState],
			contracts.RoutingKey{KeyType: contracts.KeyRemitState, KeyValue: "TX", EntityID: id, Confidence: contracts.ConfidenceSoft})
	}
	r := NewResolver(dir, nil, DefaultConfig())

	res, err := r.Resolve(context.Background(), Signals{RemitState: "TX"})
	require.NoError(t, err)
	require.False(t, res.AutoAssigned)
	require.Len(t, res.Candidates, 3)
}

func TestStatementBackfillsSignals(t *testing.T) {
	inv := &contracts.InvoiceDocument{InvoiceNumber: "13330", Lot: "20-3883"}
	stmt := &contracts.StatementDocument{
		Feedlot:     "Bovina Feeders",
		Owner:       "High Plains Cattle Co",
		OwnerNumber: "531",
		RemitState:  "TX",
	}
	sig := ExtractSignals(inv, stmt)
	require.Equal(t, "531", sig.OwnerNumber)
	require.Equal(t, "Bovina Feeders", sig.FeedlotName)
	require.Equal(t, "TX", sig.RemitState)
	require.Equal(t, "20-3883", sig.LotNumber)
}

func TestResolutionDeterministic(t *testing.T) {
	r := NewResolver(twoEntityDirectory(), nil, DefaultConfig())
	sig := Signals{OwnerNumber: "531", FeedlotName: "Bovina Feeders", LotNumber: "20-3883"}

	first, err := r.Resolve(context.Background(), sig)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Resolve(context.Background(), sig)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}
