// Package rules evaluates approval rule condition trees against entity data.
// Evaluation is pure: no I/O, no clock, no shared state besides a compiled
// expression cache.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Operator is a leaf predicate operator.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "notEquals"
	OpGreaterThan    Operator = "greaterThan"
	OpLessThan       Operator = "lessThan"
	OpGreaterOrEqual Operator = "greaterOrEqual"
	OpLessOrEqual    Operator = "lessOrEqual"
	OpContains       Operator = "contains"
	OpIn             Operator = "in"
	OpManual         Operator = "manual"
	OpExpression     Operator = "expression"
)

// Combinator joins child conditions.
type Combinator string

const (
	And Combinator = "AND"
	Or  Combinator = "OR"
)

// Condition is one node of a rule's condition tree.
type Condition interface {
	Evaluate(data map[string]any) (bool, error)
	Validate() error
}

// Predicate compares one field of the entity data with a value.
type Predicate struct {
	Field    string
	Operator Operator
	Value    any
}

// Group combines child conditions with AND or OR. An empty AND group is true,
// an empty OR group is false.
type Group struct {
	Combinator Combinator
	Conditions []Condition
}

// Expression is a boolean expr-lang program over the whole entity data.
type Expression struct {
	Source string
}

func (p *Predicate) Validate() error {
	switch p.Operator {
	case OpManual:
		return nil
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual, OpContains:
	case OpIn:
		if _, ok := p.Value.([]any); !ok {
			return fmt.Errorf("operator %q needs a list value", p.Operator)
		}
	default:
		return fmt.Errorf("unknown operator %q", p.Operator)
	}
	if strings.TrimSpace(p.Field) == "" {
		return fmt.Errorf("operator %q needs a field", p.Operator)
	}
	return nil
}

func (p *Predicate) Evaluate(data map[string]any) (bool, error) {
	if p.Operator == OpManual {
		return true, nil
	}

	actual, ok := Lookup(data, p.Field)
	if !ok {
		// A missing field only satisfies notEquals.
		return p.Operator == OpNotEquals, nil
	}

	switch p.Operator {
	case OpEquals:
		return equal(actual, p.Value), nil
	case OpNotEquals:
		return !equal(actual, p.Value), nil
	case OpGreaterThan:
		c, ok := compare(actual, p.Value)
		return ok && c > 0, nil
	case OpLessThan:
		c, ok := compare(actual, p.Value)
		return ok && c < 0, nil
	case OpGreaterOrEqual:
		c, ok := compare(actual, p.Value)
		return ok && c >= 0, nil
	case OpLessOrEqual:
		c, ok := compare(actual, p.Value)
		return ok && c <= 0, nil
	case OpContains:
		return contains(actual, p.Value), nil
	case OpIn:
		list, _ := p.Value.([]any)
		for _, v := range list {
			if equal(actual, v) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown operator %q", p.Operator)
}

func (g *Group) Validate() error {
	if g.Combinator != And && g.Combinator != Or {
		return fmt.Errorf("unknown combinator %q", g.Combinator)
	}
	for i, c := range g.Conditions {
		if c == nil {
			return fmt.Errorf("condition %d is empty", i)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

func (g *Group) Evaluate(data map[string]any) (bool, error) {
	for _, c := range g.Conditions {
		ok, err := c.Evaluate(data)
		if err != nil {
			return false, err
		}
		if g.Combinator == Or && ok {
			return true, nil
		}
		if g.Combinator == And && !ok {
			return false, nil
		}
	}
	return g.Combinator == And, nil
}

var programs sync.Map // source -> *vm.Program

func (e *Expression) program() (*vm.Program, error) {
	if p, ok := programs.Load(e.Source); ok {
		return p.(*vm.Program), nil
	}
	p, err := expr.Compile(e.Source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	programs.Store(e.Source, p)
	return p, nil
}

func (e *Expression) Validate() error {
	if strings.TrimSpace(e.Source) == "" {
		return fmt.Errorf("expression is empty")
	}
	if _, err := e.program(); err != nil {
		return fmt.Errorf("invalid expression: %w", err)
	}
	return nil
}

func (e *Expression) Evaluate(data map[string]any) (bool, error) {
	p, err := e.program()
	if err != nil {
		return false, err
	}
	out, err := expr.Run(p, data)
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return b, nil
}

// Evaluate runs c against data. A nil condition never matches.
func Evaluate(c Condition, data map[string]any) (bool, error) {
	if c == nil {
		return false, nil
	}
	return c.Evaluate(data)
}

// ── JSON encoding ────────────────────────────────────────────────────────────

// node is the wire shape shared by every variant:
//
//	{"operator":"AND","conditions":[...]}
//	{"field":"amount","operator":"greaterThan","value":1000}
//	{"operator":"expression","value":"amount > 1000 && region == 'EU'"}
type node struct {
	Field      string            `json:"field,omitempty"`
	Operator   string            `json:"operator"`
	Value      any               `json:"value,omitempty"`
	Conditions []json.RawMessage `json:"conditions,omitempty"`
}

// Parse decodes and validates a condition tree.
func Parse(raw []byte) (Condition, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, fmt.Errorf("conditions are empty")
	}
	c, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func decode(raw []byte) (Condition, error) {
	var n node
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}

	switch strings.ToUpper(n.Operator) {
	case string(And), string(Or):
		g := &Group{Combinator: Combinator(strings.ToUpper(n.Operator))}
		for _, child := range n.Conditions {
			c, err := decode(child)
			if err != nil {
				return nil, err
			}
			g.Conditions = append(g.Conditions, c)
		}
		return g, nil
	}

	if Operator(n.Operator) == OpExpression {
		src, ok := n.Value.(string)
		if !ok {
			return nil, fmt.Errorf("expression value must be a string")
		}
		return &Expression{Source: src}, nil
	}

	return &Predicate{Field: n.Field, Operator: Operator(n.Operator), Value: normalize(n.Value)}, nil
}

// Marshal encodes a condition tree in the wire shape accepted by Parse.
func Marshal(c Condition) ([]byte, error) {
	n, err := encode(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

func encode(c Condition) (any, error) {
	switch v := c.(type) {
	case *Predicate:
		return map[string]any{"field": v.Field, "operator": v.Operator, "value": v.Value}, nil
	case *Expression:
		return map[string]any{"operator": OpExpression, "value": v.Source}, nil
	case *Group:
		children := make([]any, 0, len(v.Conditions))
		for _, child := range v.Conditions {
			enc, err := encode(child)
			if err != nil {
				return nil, err
			}
			children = append(children, enc)
		}
		return map[string]any{"operator": v.Combinator, "conditions": children}, nil
	}
	return nil, fmt.Errorf("unsupported condition %T", c)
}

// FromMap builds a condition tree from a decoded YAML or JSON document.
func FromMap(m map[string]any) (Condition, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode condition: %w", err)
	}
	return Parse(raw)
}
