package segment

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/beaconhq/beacon/internal/domain"
)

// Filter is a compiled, parameterized predicate over the subscribers
// table. Where always begins with the merchant scope, so a filter can
// never match another tenant's rows.
type Filter struct {
	Where string
	Args  []any
}

// Compile validates the tree and lowers it into a Postgres WHERE clause.
// The result is always scoped to the merchant's active subscribers; an
// empty tree therefore matches all of them (AND-of-empty convention).
func Compile(g *ConditionGroup, merchantID uuid.UUID, reg *Registry) (*Filter, error) {
	if err := Validate(g, reg); err != nil {
		return nil, err
	}

	c := &compiler{reg: reg, args: []any{merchantID}}
	tree, err := c.group(g)
	if err != nil {
		return nil, err
	}

	where := "merchant_id = $1 AND status = 'active'"
	if tree != "TRUE" {
		where += " AND " + tree
	}
	return &Filter{Where: where, Args: c.args}, nil
}

type compiler struct {
	reg  *Registry
	args []any
}

// bind appends an argument and returns its placeholder.
func (c *compiler) bind(v any) string {
	c.args = append(c.args, v)
	return fmt.Sprintf("$%d", len(c.args))
}

func (c *compiler) group(g *ConditionGroup) (string, error) {
	if g == nil {
		return "TRUE", nil
	}
	parts := make([]string, 0, len(g.Conditions)+len(g.Groups))
	for i := range g.Conditions {
		expr, err := c.condition(&g.Conditions[i])
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}
	for _, child := range g.Groups {
		expr, err := c.group(child)
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}

	// Explicit identity elements: empty AND matches all, empty OR none.
	if len(parts) == 0 {
		if g.Combinator == CombinatorOr {
			return "FALSE", nil
		}
		return "TRUE", nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	joiner := " AND "
	if g.Combinator == CombinatorOr {
		joiner = " OR "
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

func (c *compiler) condition(cond *Condition) (string, error) {
	ref, ok := c.reg.Lookup(cond.Attribute)
	if !ok {
		return "", domain.Validationf(cond.Attribute, "unknown attribute")
	}
	if ref.Custom {
		return c.customExpr(cond, ref)
	}
	if ref.Array {
		return c.arrayExpr(cond, ref)
	}
	return c.columnExpr(cond, ref)
}

// columnExpr lowers a predicate over a scalar subscriber column.
func (c *compiler) columnExpr(cond *Condition, ref AttrRef) (string, error) {
	col := ref.Column
	switch cond.Operator {
	case OpEquals:
		return col + " = " + c.bind(scalarArg(cond.Value, ref.Type)), nil
	case OpNotEquals:
		return col + " IS DISTINCT FROM " + c.bind(scalarArg(cond.Value, ref.Type)), nil
	case OpContains:
		return col + " ILIKE '%' || " + c.bind(cond.Value) + " || '%'", nil
	case OpGreaterThan:
		return col + " > " + c.bind(scalarArg(cond.Value, ref.Type)), nil
	case OpLessThan:
		return col + " < " + c.bind(scalarArg(cond.Value, ref.Type)), nil
	case OpIn:
		return col + " = ANY(" + c.bind(listArg(cond.Value, ref.Type)) + ")", nil
	case OpBetween:
		list, _ := asList(cond.Value)
		lo := c.bind(scalarArg(list[0], ref.Type))
		hi := c.bind(scalarArg(list[1], ref.Type))
		return col + " BETWEEN " + lo + " AND " + hi, nil
	case OpWithinDays:
		days, _ := asNumber(cond.Value)
		return col + " >= NOW() - make_interval(days => " + c.bind(int(days)) + ")", nil
	case OpIsSet:
		if ref.Type == AttrNumber || ref.Type == AttrDate || ref.Type == AttrBoolean {
			return col + " IS NOT NULL", nil
		}
		return "NULLIF(" + col + ", '') IS NOT NULL", nil
	case OpIsNotSet:
		if ref.Type == AttrNumber || ref.Type == AttrDate || ref.Type == AttrBoolean {
			return col + " IS NULL", nil
		}
		return "NULLIF(" + col + ", '') IS NULL", nil
	}
	return "", domain.Validationf(cond.Attribute, "operator %q not supported", cond.Operator)
}

// arrayExpr lowers a predicate over the tags text[] column.
func (c *compiler) arrayExpr(cond *Condition, ref AttrRef) (string, error) {
	col := ref.Column
	switch cond.Operator {
	case OpContains:
		return c.bind(cond.Value) + " = ANY(" + col + ")", nil
	case OpIn:
		return col + " && " + c.bind(listArg(cond.Value, AttrText)), nil
	case OpIsSet:
		return "COALESCE(array_length(" + col + ", 1), 0) > 0", nil
	case OpIsNotSet:
		return "COALESCE(array_length(" + col + ", 1), 0) = 0", nil
	}
	return "", domain.Validationf(cond.Attribute, "operator %q not supported", cond.Operator)
}

// customExpr lowers a predicate over a JSONB custom attribute. The key is
// bound as a parameter, never interpolated.
func (c *compiler) customExpr(cond *Condition, ref AttrRef) (string, error) {
	key := c.bind(ref.Name)
	text := "attributes->>" + key

	if ref.Type == AttrMultipleChoice {
		switch cond.Operator {
		case OpContains:
			return "attributes->" + key + " ? " + c.bind(cond.Value), nil
		case OpIn:
			return "attributes->" + key + " ?| " + c.bind(listArg(cond.Value, AttrText)), nil
		case OpIsSet:
			return "attributes ? " + key, nil
		case OpIsNotSet:
			return "NOT (attributes ? " + key + ")", nil
		}
		return "", domain.Validationf(cond.Attribute, "operator %q not supported", cond.Operator)
	}

	expr := text
	switch ref.Type {
	case AttrNumber:
		expr = "(" + text + ")::numeric"
	case AttrBoolean:
		expr = "(" + text + ")::boolean"
	case AttrDate:
		expr = "(" + text + ")::timestamptz"
	}

	switch cond.Operator {
	case OpEquals:
		return expr + " = " + c.bind(scalarArg(cond.Value, ref.Type)), nil
	case OpNotEquals:
		return expr + " IS DISTINCT FROM " + c.bind(scalarArg(cond.Value, ref.Type)), nil
	case OpContains:
		return text + " ILIKE '%' || " + c.bind(cond.Value) + " || '%'", nil
	case OpGreaterThan:
		return expr + " > " + c.bind(scalarArg(cond.Value, ref.Type)), nil
	case OpLessThan:
		return expr + " < " + c.bind(scalarArg(cond.Value, ref.Type)), nil
	case OpIn:
		return expr + " = ANY(" + c.bind(listArg(cond.Value, ref.Type)) + ")", nil
	case OpBetween:
		list, _ := asList(cond.Value)
		lo := c.bind(scalarArg(list[0], ref.Type))
		hi := c.bind(scalarArg(list[1], ref.Type))
		return expr + " BETWEEN " + lo + " AND " + hi, nil
	case OpWithinDays:
		days, _ := asNumber(cond.Value)
		return expr + " >= NOW() - make_interval(days => " + c.bind(int(days)) + ")", nil
	case OpIsSet:
		return text + " IS NOT NULL", nil
	case OpIsNotSet:
		return text + " IS NULL", nil
	}
	return "", domain.Validationf(cond.Attribute, "operator %q not supported", cond.Operator)
}

// scalarArg normalizes a validated scalar into the argument type pgx
// expects for the attribute's SQL type.
func scalarArg(v any, typ AttrType) any {
	if typ == AttrNumber {
		n, _ := asNumber(v)
		return n
	}
	return v
}

// listArg materializes a validated list into a typed slice so it can be
// passed to = ANY / && / ?| as a single array parameter.
func listArg(v any, typ AttrType) any {
	list, _ := asList(v)
	if typ == AttrNumber {
		out := make([]float64, len(list))
		for i, item := range list {
			out[i], _ = asNumber(item)
		}
		return out
	}
	out := make([]string, len(list))
	for i, item := range list {
		out[i] = fmt.Sprintf("%v", item)
	}
	return out
}
