package segment

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/beaconhq/beacon/internal/domain"
)

func compile(t *testing.T, g *ConditionGroup) *Filter {
	t.Helper()
	f, err := Compile(g, uuid.New(), testRegistry())
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return f
}

func TestCompileAlwaysScopesToMerchant(t *testing.T) {
	merchantID := uuid.New()
	f, err := Compile(&ConditionGroup{Combinator: CombinatorAnd}, merchantID, testRegistry())
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if f.Where != "merchant_id = $1 AND status = 'active'" {
		t.Errorf("empty tree WHERE = %q", f.Where)
	}
	if len(f.Args) != 1 || f.Args[0] != merchantID {
		t.Errorf("args = %v, want just the merchant ID", f.Args)
	}
}

func TestCompileEmptyOrMatchesNothing(t *testing.T) {
	f := compile(t, &ConditionGroup{Combinator: CombinatorOr})
	if !strings.HasSuffix(f.Where, "AND FALSE") {
		t.Errorf("empty OR WHERE = %q, want trailing FALSE", f.Where)
	}
}

func TestCompileParameterizesValues(t *testing.T) {
	f := compile(t, &ConditionGroup{
		Combinator: CombinatorAnd,
		Conditions: []Condition{
			{Attribute: "total_spend", Operator: OpGreaterThan, Value: float64(100)},
			{Attribute: "location_country", Operator: OpEquals, Value: "US'; DROP TABLE subscribers; --"},
		},
	})
	if strings.Contains(f.Where, "DROP TABLE") {
		t.Fatalf("value interpolated into SQL: %q", f.Where)
	}
	if !strings.Contains(f.Where, "total_spend > $2") {
		t.Errorf("WHERE = %q, want total_spend > $2", f.Where)
	}
	if !strings.Contains(f.Where, "location_country = $3") {
		t.Errorf("WHERE = %q, want location_country = $3", f.Where)
	}
	if len(f.Args) != 3 {
		t.Errorf("args = %v, want 3 (merchant + 2 values)", f.Args)
	}
}

func TestCompileNestedGroups(t *testing.T) {
	f := compile(t, &ConditionGroup{
		Combinator: CombinatorAnd,
		Conditions: []Condition{
			{Attribute: "order_count", Operator: OpGreaterThan, Value: float64(1)},
		},
		Groups: []*ConditionGroup{
			{
				Combinator: CombinatorOr,
				Conditions: []Condition{
					{Attribute: "location_country", Operator: OpEquals, Value: "US"},
					{Attribute: "location_country", Operator: OpEquals, Value: "CA"},
				},
			},
		},
	})
	if !strings.Contains(f.Where, "(order_count > $2 AND (location_country = $3 OR location_country = $4))") {
		t.Errorf("WHERE = %q", f.Where)
	}
}

func TestCompileTagsArray(t *testing.T) {
	f := compile(t, &ConditionGroup{
		Combinator: CombinatorAnd,
		Conditions: []Condition{
			{Attribute: "tags", Operator: OpContains, Value: "vip"},
		},
	})
	if !strings.Contains(f.Where, "$2 = ANY(tags)") {
		t.Errorf("contains on tags WHERE = %q", f.Where)
	}

	f = compile(t, &ConditionGroup{
		Combinator: CombinatorAnd,
		Conditions: []Condition{
			{Attribute: "tags", Operator: OpIn, Value: []any{"vip", "beta"}},
		},
	})
	if !strings.Contains(f.Where, "tags && $2") {
		t.Errorf("in on tags WHERE = %q", f.Where)
	}
	if arr, ok := f.Args[1].([]string); !ok || len(arr) != 2 {
		t.Errorf("tags arg = %#v, want []string of 2", f.Args[1])
	}
}

func TestCompileCustomAttributeKeysAreBound(t *testing.T) {
	f := compile(t, &ConditionGroup{
		Combinator: CombinatorAnd,
		Conditions: []Condition{
			{Attribute: "lifetime_value", Operator: OpGreaterThan, Value: float64(500)},
		},
	})
	if !strings.Contains(f.Where, "(attributes->>$2)::numeric > $3") {
		t.Errorf("custom numeric WHERE = %q", f.Where)
	}
	if f.Args[1] != "lifetime_value" {
		t.Errorf("key arg = %v, want attribute name bound as parameter", f.Args[1])
	}
}

func TestCompileCustomMultipleChoice(t *testing.T) {
	f := compile(t, &ConditionGroup{
		Combinator: CombinatorAnd,
		Conditions: []Condition{
			{Attribute: "interests", Operator: OpContains, Value: "cycling"},
		},
	})
	if !strings.Contains(f.Where, "attributes->$2 ? $3") {
		t.Errorf("multiple_choice contains WHERE = %q", f.Where)
	}

	f = compile(t, &ConditionGroup{
		Combinator: CombinatorAnd,
		Conditions: []Condition{
			{Attribute: "interests", Operator: OpIn, Value: []any{"cycling", "running"}},
		},
	})
	if !strings.Contains(f.Where, "attributes->$2 ?| $3") {
		t.Errorf("multiple_choice in WHERE = %q", f.Where)
	}
}

func TestCompileBetweenAndWithinDays(t *testing.T) {
	f := compile(t, &ConditionGroup{
		Combinator: CombinatorAnd,
		Conditions: []Condition{
			{Attribute: "total_spend", Operator: OpBetween, Value: []any{float64(10), float64(50)}},
			{Attribute: "last_active_at", Operator: OpWithinDays, Value: float64(30)},
		},
	})
	if !strings.Contains(f.Where, "total_spend BETWEEN $2 AND $3") {
		t.Errorf("between WHERE = %q", f.Where)
	}
	if !strings.Contains(f.Where, "last_active_at >= NOW() - make_interval(days => $4)") {
		t.Errorf("within_days WHERE = %q", f.Where)
	}
	if f.Args[3] != 30 {
		t.Errorf("days arg = %v, want 30", f.Args[3])
	}
}

func TestCompileIsSetOnTextishUsesNullif(t *testing.T) {
	f := compile(t, &ConditionGroup{
		Combinator: CombinatorAnd,
		Conditions: []Condition{
			{Attribute: "email", Operator: OpIsSet},
		},
	})
	if !strings.Contains(f.Where, "NULLIF(email, '') IS NOT NULL") {
		t.Errorf("is_set on email WHERE = %q", f.Where)
	}
}

func TestCompileRejectsInvalidTree(t *testing.T) {
	_, err := Compile(&ConditionGroup{
		Combinator: CombinatorAnd,
		Conditions: []Condition{
			{Attribute: "no_such_attribute", Operator: OpEquals, Value: "x"},
		},
	}, uuid.New(), testRegistry())
	if !domain.IsValidation(err) {
		t.Fatalf("error = %v, want validation error", err)
	}
}

func TestCompileNumberListArg(t *testing.T) {
	f := compile(t, &ConditionGroup{
		Combinator: CombinatorAnd,
		Conditions: []Condition{
			{Attribute: "order_count", Operator: OpIn, Value: []any{float64(1), float64(2), float64(3)}},
		},
	})
	if arr, ok := f.Args[1].([]float64); !ok || len(arr) != 3 {
		t.Errorf("number list arg = %#v, want []float64 of 3", f.Args[1])
	}
}
