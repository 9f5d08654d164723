package pattern

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ppiankov/patternlens/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paxSection = "DataLists/PaxList/Pax"

func paxFact(ordinal int, attrs map[string]string, children ...model.ChildFact) model.NodeFact {
	return model.NodeFact{
		ID:          "fact-" + string(rune('0'+ordinal)),
		RunID:       "run-1",
		Version:     "21.3",
		MessageRoot: "OrderViewRS",
		Section:     paxSection,
		NodeType:    "Pax",
		Ordinal:     ordinal,
		Payload: model.Payload{
			Attributes: attrs,
			Children:   children,
			References: map[string]string{"ContactInfoRefID": "CI1"},
			Snippet:    "<Pax/>",
		},
	}
}

func TestSynthesize_RequiredAndOptional(t *testing.T) {
	facts := []model.NodeFact{
		paxFact(1, map[string]string{"PaxID": "P1", "PTC": "ADT", "Birthdate": "1980-01-01"}),
		paxFact(2, map[string]string{"PaxID": "P2", "PTC": "CHD"}),
	}

	rule := Synthesize(facts, nil)

	assert.Equal(t, "Pax", rule.NodeType)
	assert.Equal(t, paxSection, rule.Section)
	assert.Equal(t, []string{"PTC", "PaxID"}, rule.MustHave)
	assert.Equal(t, []string{"Birthdate"}, rule.Optional)
	assert.Equal(t, []string{"contactinfo"}, rule.References)
	assert.Empty(t, rule.ExpectedRelationships)
}

func TestSynthesize_CardinalityInvariant(t *testing.T) {
	adult := model.ChildFact{NodeType: "Individual", Attributes: map[string]string{"GivenName": "A", "Surname": "B"}}
	child := model.ChildFact{NodeType: "Individual", Attributes: map[string]string{"GivenName": "C", "Surname": "D"}}

	one := Synthesize([]model.NodeFact{paxFact(1, map[string]string{"PaxID": "P1"}, adult)}, nil)
	two := Synthesize([]model.NodeFact{paxFact(1, map[string]string{"PaxID": "P1"}, adult, child)}, nil)
	same := Synthesize([]model.NodeFact{paxFact(1, map[string]string{"PaxID": "P1"}, adult, adult)}, nil)

	if diff := cmp.Diff(one, two); diff != "" {
		t.Errorf("child count changed the rule (-one +two):\n%s", diff)
	}
	if diff := cmp.Diff(two, same); diff != "" {
		t.Errorf("child values changed the rule (-two +same):\n%s", diff)
	}
	assert.Equal(t, Signature(one, "21.3", "OrderViewRS"), Signature(two, "21.3", "OrderViewRS"))
}

func TestSynthesize_ExpectedRelationships(t *testing.T) {
	facts := []model.NodeFact{
		paxFact(1, map[string]string{"PaxID": "P1"}),
		paxFact(2, map[string]string{"PaxID": "P2"}),
		paxFact(3, map[string]string{"PaxID": "P3"}),
	}
	target := "DataLists/ContactInfoList/ContactInfo"
	rels := model.RelationshipsBySource([]model.NodeRelationship{
		{SourceSection: paxSection, SourceOrdinal: 1, TargetSection: target, ReferenceType: "ContactInfo", Valid: true},
		{SourceSection: paxSection, SourceOrdinal: 2, TargetSection: target, ReferenceType: "ContactInfo", Valid: true},
		{SourceSection: paxSection, SourceOrdinal: 3, TargetSection: target, ReferenceType: "ContactInfo", Valid: false},
	})

	rule := Synthesize(facts, rels)

	require.Contains(t, rule.ExpectedRelationships, target)
	e := rule.ExpectedRelationships[target]
	assert.Equal(t, 2, e.ValidCount)
	assert.Equal(t, 1, e.BrokenCount)
	assert.True(t, e.IsValid)
}

func TestSignature_DeterministicAndOrderIndependent(t *testing.T) {
	a := model.DecisionRule{
		NodeType: "Pax",
		Section:  paxSection,
		MustHave: []string{"PaxID", "PTC"},
		Optional: []string{"Birthdate"},
		Children: []model.ChildShape{
			{NodeType: "Individual", MustHave: []string{"Surname", "GivenName"}},
			{NodeType: "LoyaltyProgramAccount", MustHave: []string{"AccountNumber"}},
		},
		References: []string{"contactinfo"},
	}
	b := model.DecisionRule{
		NodeType: " Pax ",
		Section:  paxSection,
		MustHave: []string{"PTC", "PaxID", "PTC"},
		Optional: []string{"Birthdate"},
		Children: []model.ChildShape{
			{NodeType: "LoyaltyProgramAccount", MustHave: []string{"AccountNumber"}},
			{NodeType: "Individual", MustHave: []string{"GivenName", "Surname"}},
		},
		References: []string{"contactinfo", "contactinfo"},
	}

	sig := Signature(a, "21.3", "OrderViewRS")
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, Signature(a, "21.3", "OrderViewRS"))
	assert.Equal(t, sig, Signature(b, "21.3", "OrderViewRS"))

	assert.NotEqual(t, sig, Signature(a, "17.2", "OrderViewRS"), "version is part of identity")
	assert.NotEqual(t, sig, Signature(a, "21.3", "AirShoppingRS"), "message root is part of identity")

	c := a
	c.MustHave = []string{"PaxID"}
	assert.NotEqual(t, sig, Signature(c, "21.3", "OrderViewRS"))
}

func TestSignature_IgnoresExpectedRelationships(t *testing.T) {
	rule := model.DecisionRule{NodeType: "Pax", Section: paxSection, MustHave: []string{"PaxID"}}
	withStats := rule
	withStats.ExpectedRelationships = map[string]model.ExpectedRelationship{
		"DataLists/ContactInfoList/ContactInfo": {IsValid: false, ValidCount: 1, BrokenCount: 7},
	}

	assert.Equal(t, Signature(rule, "21.3", "OrderViewRS"), Signature(withStats, "21.3", "OrderViewRS"))
}

func TestNormalizeRule_MergesRepeatedChildTypes(t *testing.T) {
	repeated := model.DecisionRule{
		NodeType: "Pax",
		Section:  paxSection,
		MustHave: []string{"PaxID"},
		Children: []model.ChildShape{
			{NodeType: "Adult", MustHave: []string{"id", "name"}, References: []string{"InfantRefID"}},
			{NodeType: "Adult", MustHave: []string{"id"}, References: []string{"ContactRefID"}},
		},
	}
	merged := model.DecisionRule{
		NodeType: "Pax",
		Section:  paxSection,
		MustHave: []string{"PaxID"},
		Children: []model.ChildShape{
			{NodeType: "Adult", MustHave: []string{"id"}, References: []string{"ContactRefID", "InfantRefID"}},
		},
	}

	got := NormalizeRule(repeated)
	if diff := cmp.Diff(NormalizeRule(merged).Children, got.Children); diff != "" {
		t.Errorf("child shapes mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Signature(merged, "21.3", "OrderViewRS"), Signature(repeated, "21.3", "OrderViewRS"))
}

func TestGenerate_Idempotent(t *testing.T) {
	ctx := context.Background()
	catalog := NewMemoryCatalog()
	gen := NewGenerator(catalog, nil)
	facts := []model.NodeFact{
		paxFact(1, map[string]string{"PaxID": "P1", "PTC": "ADT"}),
		paxFact(2, map[string]string{"PaxID": "P2", "PTC": "ADT"}),
	}

	first, err := gen.Generate(ctx, "run-1", "acme", facts, nil)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, model.DeltaCreated, first[0].Action)
	assert.Equal(t, 1, first[0].Pattern.TimesSeen)
	assert.Len(t, first[0].Pattern.Examples, 1, "identical snippets are stored once")

	again, err := gen.Generate(ctx, "run-1", "acme", facts, nil)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, model.DeltaUnchanged, again[0].Action)
	assert.Equal(t, 1, again[0].Pattern.TimesSeen)
	assert.Equal(t, first[0].Pattern.ID, again[0].Pattern.ID)
	assert.Equal(t, 1, catalog.Len())

	next, err := gen.Generate(ctx, "run-2", "acme", facts, nil)
	require.NoError(t, err)
	assert.Equal(t, model.DeltaUpdated, next[0].Action)
	assert.Equal(t, 2, next[0].Pattern.TimesSeen)
	assert.Equal(t, 1, catalog.Len())

	var stats model.RunStats
	CountDeltas(append(append(first, again...), next...), &stats)
	assert.Equal(t, 1, stats.PatternsCreated)
	assert.Equal(t, 1, stats.PatternsUnchanged)
	assert.Equal(t, 1, stats.PatternsUpdated)
}

func TestGenerate_Supersedes(t *testing.T) {
	ctx := context.Background()
	catalog := NewMemoryCatalog()
	gen := NewGenerator(catalog, nil)

	old, err := gen.Generate(ctx, "run-1", "", []model.NodeFact{paxFact(1, map[string]string{"PaxID": "P1"})}, nil)
	require.NoError(t, err)

	changed, err := gen.Generate(ctx, "run-2", "", []model.NodeFact{paxFact(1, map[string]string{"PaxID": "P1", "PTC": "ADT"})}, nil)
	require.NoError(t, err)

	require.Len(t, changed, 1)
	assert.Equal(t, model.DeltaCreated, changed[0].Action)
	assert.Equal(t, old[0].Pattern.ID, changed[0].Pattern.SupersedesID)
	assert.Empty(t, old[0].Pattern.SupersedesID)
	assert.Equal(t, 2, catalog.Len())
}

func TestGenerate_GroupsByVersionAndScope(t *testing.T) {
	ctx := context.Background()
	catalog := NewMemoryCatalog()
	gen := NewGenerator(catalog, nil)

	v21 := paxFact(1, map[string]string{"PaxID": "P1"})
	v17 := paxFact(1, map[string]string{"PaxID": "P1"})
	v17.Version = "17.2"

	deltas, err := gen.Generate(ctx, "run-1", "acme", []model.NodeFact{v21, v17}, nil)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, "17.2", deltas[0].Pattern.Version, "groups are emitted in sorted order")
	assert.NotEqual(t, deltas[0].Pattern.SignatureHash, deltas[1].Pattern.SignatureHash)

	other, err := gen.Generate(ctx, "run-1", "globex", []model.NodeFact{v21}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.DeltaCreated, other[0].Action, "tenants never share catalog rows")

	got, err := catalog.Candidates(ctx, model.PatternQuery{MessageRoot: "OrderViewRS", Version: "21.3", Scopes: []string{"acme"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "acme", got[0].TenantScope)
}

func TestAbsorb_MergesCounts(t *testing.T) {
	target := "DataLists/ContactInfoList/ContactInfo"
	existing := model.Pattern{
		TimesSeen: 2,
		Examples:  []string{"a", "b"},
		Rule: model.DecisionRule{ExpectedRelationships: map[string]model.ExpectedRelationship{
			target: {IsValid: true, ValidCount: 2},
		}},
	}
	observed := model.Pattern{
		Examples: []string{"b", "c", "d"},
		Rule: model.DecisionRule{ExpectedRelationships: map[string]model.ExpectedRelationship{
			target: {IsValid: false, BrokenCount: 3},
		}},
	}

	got := Absorb(existing, observed, existing.UpdatedAt)

	assert.Equal(t, 3, got.TimesSeen)
	assert.Equal(t, []string{"a", "b", "c"}, got.Examples)
	assert.Equal(t, model.ExpectedRelationship{IsValid: false, ValidCount: 2, BrokenCount: 3}, got.Rule.ExpectedRelationships[target])
	assert.Equal(t, 2, existing.Rule.ExpectedRelationships[target].ValidCount, "existing pattern is not mutated")
}

func TestGenerate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := NewGenerator(NewMemoryCatalog(), nil)
	_, err := gen.Generate(ctx, "run-1", "", []model.NodeFact{paxFact(1, map[string]string{"PaxID": "P1"})}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
