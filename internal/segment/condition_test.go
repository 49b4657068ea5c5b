package segment

import (
	"encoding/json"
	"testing"

	"github.com/beaconhq/beacon/internal/domain"
)

func testRegistry() *Registry {
	return NewRegistry(map[string]string{
		"favorite_color": "text",
		"loyalty_tier":   "category",
		"lifetime_value": "number",
		"vip":            "boolean",
		"signup_date":    "date",
		"interests":      "multiple_choice",
	})
}

func TestParseGroupEmptyIsMatchAll(t *testing.T) {
	g, err := ParseGroup(nil)
	if err != nil {
		t.Fatalf("ParseGroup(nil) error = %v", err)
	}
	if g.Combinator != CombinatorAnd {
		t.Errorf("combinator = %q, want and", g.Combinator)
	}
	if !g.IsEmpty() {
		t.Error("empty document should parse as empty group")
	}
}

func TestParseGroupMalformed(t *testing.T) {
	_, err := ParseGroup(json.RawMessage(`{"combinator": and}`))
	if !domain.IsValidation(err) {
		t.Fatalf("error = %v, want validation error", err)
	}
}

func TestValidateAcceptsTypicalTree(t *testing.T) {
	g := &ConditionGroup{
		Combinator: CombinatorAnd,
		Conditions: []Condition{
			{Attribute: "total_spend", Operator: OpGreaterThan, Value: float64(100)},
			{Attribute: "tags", Operator: OpContains, Value: "vip"},
		},
		Groups: []*ConditionGroup{
			{
				Combinator: CombinatorOr,
				Conditions: []Condition{
					{Attribute: "location_country", Operator: OpIn, Value: []any{"US", "CA"}},
					{Attribute: "favorite_color", Operator: OpEquals, Value: "blue"},
				},
			},
		},
	}
	if err := Validate(g, testRegistry()); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := g.LeafCount(); got != 4 {
		t.Errorf("LeafCount() = %d, want 4", got)
	}
}

func TestValidateUnknownAttribute(t *testing.T) {
	g := &ConditionGroup{
		Combinator: CombinatorAnd,
		Conditions: []Condition{{Attribute: "shoe_size", Operator: OpEquals, Value: "42"}},
	}
	if err := Validate(g, testRegistry()); !domain.IsValidation(err) {
		t.Fatalf("error = %v, want validation error", err)
	}
}

func TestValidateOperatorTypeCompatibility(t *testing.T) {
	cases := []struct {
		name string
		cond Condition
		ok   bool
	}{
		{"contains on number", Condition{Attribute: "total_spend", Operator: OpContains, Value: "10"}, false},
		{"greater_than on category", Condition{Attribute: "loyalty_tier", Operator: OpGreaterThan, Value: "gold"}, false},
		{"within_days on number", Condition{Attribute: "order_count", Operator: OpWithinDays, Value: float64(7)}, false},
		{"within_days on date", Condition{Attribute: "last_active_at", Operator: OpWithinDays, Value: float64(7)}, true},
		{"equals on boolean", Condition{Attribute: "vip", Operator: OpEquals, Value: true}, true},
		{"between on number", Condition{Attribute: "lifetime_value", Operator: OpBetween, Value: []any{float64(10), float64(50)}}, true},
	}
	reg := testRegistry()
	for _, tc := range cases {
		g := &ConditionGroup{Combinator: CombinatorAnd, Conditions: []Condition{tc.cond}}
		err := Validate(g, reg)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !domain.IsValidation(err) {
			t.Errorf("%s: error = %v, want validation error", tc.name, err)
		}
	}
}

func TestValidateValueArity(t *testing.T) {
	cases := []struct {
		name string
		cond Condition
	}{
		{"in with empty list", Condition{Attribute: "loyalty_tier", Operator: OpIn, Value: []any{}}},
		{"in with scalar", Condition{Attribute: "loyalty_tier", Operator: OpIn, Value: "gold"}},
		{"between with one value", Condition{Attribute: "total_spend", Operator: OpBetween, Value: []any{float64(5)}}},
		{"between with three values", Condition{Attribute: "total_spend", Operator: OpBetween, Value: []any{float64(1), float64(2), float64(3)}}},
		{"is_set with value", Condition{Attribute: "email", Operator: OpIsSet, Value: "x"}},
		{"equals with list", Condition{Attribute: "favorite_color", Operator: OpEquals, Value: []any{"red"}}},
		{"equals with nil", Condition{Attribute: "favorite_color", Operator: OpEquals}},
		{"within_days negative", Condition{Attribute: "last_active_at", Operator: OpWithinDays, Value: float64(-1)}},
		{"number with string value", Condition{Attribute: "total_spend", Operator: OpGreaterThan, Value: "lots"}},
		{"boolean with string value", Condition{Attribute: "vip", Operator: OpEquals, Value: "yes"}},
	}
	reg := testRegistry()
	for _, tc := range cases {
		g := &ConditionGroup{Combinator: CombinatorAnd, Conditions: []Condition{tc.cond}}
		if err := Validate(g, reg); !domain.IsValidation(err) {
			t.Errorf("%s: error = %v, want validation error", tc.name, err)
		}
	}
}

func TestValidateDepthLimit(t *testing.T) {
	root := &ConditionGroup{Combinator: CombinatorAnd}
	node := root
	for i := 0; i < MaxTreeDepth+1; i++ {
		child := &ConditionGroup{Combinator: CombinatorAnd}
		node.Groups = []*ConditionGroup{child}
		node = child
	}
	node.Conditions = []Condition{{Attribute: "email", Operator: OpIsSet}}

	if err := Validate(root, testRegistry()); !domain.IsValidation(err) {
		t.Fatalf("error = %v, want validation error for depth", err)
	}
}

func TestValidateLeafLimit(t *testing.T) {
	g := &ConditionGroup{Combinator: CombinatorOr}
	for i := 0; i < MaxTreeLeaves+1; i++ {
		g.Conditions = append(g.Conditions, Condition{Attribute: "email", Operator: OpIsSet})
	}
	if err := Validate(g, testRegistry()); !domain.IsValidation(err) {
		t.Fatalf("error = %v, want validation error for leaf count", err)
	}
}

func TestValidateUnknownCombinator(t *testing.T) {
	g := &ConditionGroup{
		Combinator: "xor",
		Conditions: []Condition{{Attribute: "email", Operator: OpIsSet}},
	}
	if err := Validate(g, testRegistry()); !domain.IsValidation(err) {
		t.Fatalf("error = %v, want validation error", err)
	}
}

func TestRegistryBuiltinsShadowCustom(t *testing.T) {
	reg := NewRegistry(map[string]string{"email": "number"})
	ref, ok := reg.Lookup("email")
	if !ok {
		t.Fatal("email should resolve")
	}
	if ref.Custom || ref.Type != AttrEmail {
		t.Errorf("got %+v, want builtin email ref", ref)
	}
}

func TestRegistryDropsInvalidTypes(t *testing.T) {
	reg := NewRegistry(map[string]string{"weird": "blob"})
	if _, ok := reg.Lookup("weird"); ok {
		t.Fatal("attribute with invalid type should not resolve")
	}
}
