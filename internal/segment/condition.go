// Package segment implements the audience segmentation engine: the typed
// condition model, the query compiler that lowers condition trees into
// merchant-scoped SQL predicates, and the resolver that turns segments
// into concrete subscriber ID sets at dispatch time.
package segment

import (
	"encoding/json"
	"fmt"

	"github.com/beaconhq/beacon/internal/domain"
)

// Operator is a single filter predicate operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpBetween     Operator = "between"
	OpIsSet       Operator = "is_set"
	OpIsNotSet    Operator = "is_not_set"
	OpWithinDays  Operator = "within_days"
)

// AttrType is the declared type of a targetable attribute.
type AttrType string

const (
	AttrText           AttrType = "text"
	AttrNumber         AttrType = "number"
	AttrBoolean        AttrType = "boolean"
	AttrDate           AttrType = "date"
	AttrCategory       AttrType = "category"
	AttrMultipleChoice AttrType = "multiple_choice"
	AttrEmail          AttrType = "email"
	AttrURL            AttrType = "url"
)

// Combinator joins the children of a ConditionGroup.
type Combinator string

const (
	CombinatorAnd Combinator = "and"
	CombinatorOr  Combinator = "or"
)

// Tree limits enforced before compilation so a pathological tree is
// rejected in bounded time.
const (
	MaxTreeDepth  = 8
	MaxTreeLeaves = 64
)

// Condition is one leaf predicate: attribute, operator, value. Value is a
// scalar for most operators, a list for in/between, and absent for
// is_set/is_not_set.
type Condition struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value,omitempty"`
}

// ConditionGroup is a boolean tree node combining leaf conditions and
// nested groups. Evaluation is order-independent within a level. An empty
// AND group matches everything, an empty OR group matches nothing.
type ConditionGroup struct {
	Combinator Combinator        `json:"combinator"`
	Conditions []Condition       `json:"conditions,omitempty"`
	Groups     []*ConditionGroup `json:"groups,omitempty"`
}

// ParseGroup decodes a raw condition tree. A nil/empty document yields an
// empty AND group (match all).
func ParseGroup(raw json.RawMessage) (*ConditionGroup, error) {
	if len(raw) == 0 {
		return &ConditionGroup{Combinator: CombinatorAnd}, nil
	}
	var g ConditionGroup
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, domain.Validationf("conditions", "malformed condition tree: %v", err)
	}
	return &g, nil
}

// operatorsByType maps each attribute type to the operators it accepts.
// An incompatible pairing is rejected at validation, never silently
// dropped.
var operatorsByType = map[AttrType]map[Operator]bool{
	AttrText:           {OpEquals: true, OpNotEquals: true, OpContains: true, OpIn: true, OpIsSet: true, OpIsNotSet: true},
	AttrEmail:          {OpEquals: true, OpNotEquals: true, OpContains: true, OpIn: true, OpIsSet: true, OpIsNotSet: true},
	AttrURL:            {OpEquals: true, OpNotEquals: true, OpContains: true, OpIn: true, OpIsSet: true, OpIsNotSet: true},
	AttrNumber:         {OpEquals: true, OpNotEquals: true, OpGreaterThan: true, OpLessThan: true, OpIn: true, OpBetween: true, OpIsSet: true, OpIsNotSet: true},
	AttrBoolean:        {OpEquals: true, OpNotEquals: true, OpIsSet: true, OpIsNotSet: true},
	AttrDate:           {OpGreaterThan: true, OpLessThan: true, OpBetween: true, OpWithinDays: true, OpIsSet: true, OpIsNotSet: true},
	AttrCategory:       {OpEquals: true, OpNotEquals: true, OpIn: true, OpIsSet: true, OpIsNotSet: true},
	AttrMultipleChoice: {OpContains: true, OpIn: true, OpIsSet: true, OpIsNotSet: true},
}

// Validate walks the tree checking structure, limits, attribute
// resolution, operator/type compatibility, and value arity. It is called
// by the compiler, and by the estimate boundary before compilation.
func Validate(g *ConditionGroup, reg *Registry) error {
	leaves := 0
	return validateGroup(g, reg, 1, &leaves)
}

func validateGroup(g *ConditionGroup, reg *Registry, depth int, leaves *int) error {
	if g == nil {
		return nil
	}
	if depth > MaxTreeDepth {
		return domain.Validationf("conditions", "tree depth exceeds %d", MaxTreeDepth)
	}
	switch g.Combinator {
	case CombinatorAnd, CombinatorOr:
	case "":
		// tolerated for a bare leafless root; children require one
		if len(g.Conditions) > 0 || len(g.Groups) > 0 {
			return domain.Validationf("combinator", "combinator must be %q or %q", CombinatorAnd, CombinatorOr)
		}
	default:
		return domain.Validationf("combinator", "unknown combinator %q", g.Combinator)
	}
	for i := range g.Conditions {
		*leaves++
		if *leaves > MaxTreeLeaves {
			return domain.Validationf("conditions", "tree exceeds %d conditions", MaxTreeLeaves)
		}
		if err := validateCondition(&g.Conditions[i], reg); err != nil {
			return err
		}
	}
	for _, child := range g.Groups {
		if err := validateGroup(child, reg, depth+1, leaves); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(c *Condition, reg *Registry) error {
	if c.Attribute == "" {
		return domain.Validationf("attribute", "attribute is required")
	}
	ref, ok := reg.Lookup(c.Attribute)
	if !ok {
		return domain.Validationf(c.Attribute, "unknown attribute")
	}
	allowed, ok := operatorsByType[ref.Type]
	if !ok || !allowed[c.Operator] {
		return domain.Validationf(c.Attribute, "operator %q is not valid for %s attributes", c.Operator, ref.Type)
	}
	return validateValue(c, ref.Type)
}

func validateValue(c *Condition, typ AttrType) error {
	switch c.Operator {
	case OpIsSet, OpIsNotSet:
		if c.Value != nil {
			return domain.Validationf(c.Attribute, "%s takes no value", c.Operator)
		}
		return nil
	case OpIn:
		list, ok := asList(c.Value)
		if !ok || len(list) == 0 {
			return domain.Validationf(c.Attribute, "in requires a non-empty list")
		}
		for _, v := range list {
			if err := checkScalar(c.Attribute, v, typ); err != nil {
				return err
			}
		}
		return nil
	case OpBetween:
		list, ok := asList(c.Value)
		if !ok || len(list) != 2 {
			return domain.Validationf(c.Attribute, "between requires exactly two values")
		}
		for _, v := range list {
			if err := checkScalar(c.Attribute, v, typ); err != nil {
				return err
			}
		}
		return nil
	case OpWithinDays:
		days, ok := asNumber(c.Value)
		if !ok || days < 0 {
			return domain.Validationf(c.Attribute, "within_days requires a non-negative number of days")
		}
		return nil
	default:
		if _, isList := asList(c.Value); isList || c.Value == nil {
			return domain.Validationf(c.Attribute, "%s requires a single value", c.Operator)
		}
		return checkScalar(c.Attribute, c.Value, typ)
	}
}

func checkScalar(attr string, v any, typ AttrType) error {
	switch typ {
	case AttrNumber:
		if _, ok := asNumber(v); !ok {
			return domain.Validationf(attr, "expected a number, got %T", v)
		}
	case AttrBoolean:
		if _, ok := v.(bool); !ok {
			return domain.Validationf(attr, "expected a boolean, got %T", v)
		}
	case AttrDate:
		if _, ok := v.(string); !ok {
			return domain.Validationf(attr, "expected an ISO timestamp string, got %T", v)
		}
	default:
		switch v.(type) {
		case string, float64, int, int64, bool:
		default:
			return domain.Validationf(attr, "unsupported value type %T", v)
		}
	}
	return nil
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (o Operator) String() string { return string(o) }

// IsEmpty reports whether the group carries no predicates at any level.
func (g *ConditionGroup) IsEmpty() bool {
	if g == nil {
		return true
	}
	if len(g.Conditions) > 0 {
		return false
	}
	for _, child := range g.Groups {
		if !child.IsEmpty() {
			return false
		}
	}
	return true
}

// LeafCount returns the number of leaf conditions in the tree.
func (g *ConditionGroup) LeafCount() int {
	if g == nil {
		return 0
	}
	n := len(g.Conditions)
	for _, child := range g.Groups {
		n += child.LeafCount()
	}
	return n
}

func (g *ConditionGroup) String() string {
	b, err := json.Marshal(g)
	if err != nil {
		return fmt.Sprintf("<invalid group: %v>", err)
	}
	return string(b)
}
