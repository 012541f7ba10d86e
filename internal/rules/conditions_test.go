package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) Condition {
	t.Helper()
	c, err := Parse([]byte(raw))
	require.NoError(t, err)
	return c
}

func TestPredicateOperators(t *testing.T) {
	data := map[string]any{
		"amount":   5000.0,
		"currency": "EUR",
		"tags":     []any{"capex", "it"},
		"vendor":   map[string]any{"country": "DE", "tier": 2.0},
		"due":      "2026-03-01T00:00:00Z",
	}

	tests := []struct {
		name string
		cond string
		want bool
	}{
		{"equals string", `{"field":"currency","operator":"equals","value":"EUR"}`, true},
		{"equals number", `{"field":"amount","operator":"equals","value":5000}`, true},
		{"notEquals", `{"field":"currency","operator":"notEquals","value":"USD"}`, true},
		{"greaterThan", `{"field":"amount","operator":"greaterThan","value":1000}`, true},
		{"greaterThan numeric string", `{"field":"amount","operator":"greaterThan","value":"1000"}`, true},
		{"lessThan false", `{"field":"amount","operator":"lessThan","value":1000}`, false},
		{"greaterOrEqual boundary", `{"field":"amount","operator":"greaterOrEqual","value":5000}`, true},
		{"lessOrEqual boundary", `{"field":"amount","operator":"lessOrEqual","value":5000}`, true},
		{"contains element", `{"field":"tags","operator":"contains","value":"capex"}`, true},
		{"contains substring", `{"field":"currency","operator":"contains","value":"U"}`, true},
		{"in list", `{"field":"currency","operator":"in","value":["USD","EUR"]}`, true},
		{"nested path", `{"field":"vendor.country","operator":"equals","value":"DE"}`, true},
		{"timestamp compare", `{"field":"due","operator":"lessThan","value":"2026-04-01T00:00:00Z"}`, true},
		{"manual", `{"operator":"manual"}`, true},
		{"string vs number incomparable", `{"field":"currency","operator":"greaterThan","value":10}`, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Evaluate(mustParse(t, tc.cond), data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMissingField(t *testing.T) {
	data := map[string]any{"amount": 10.0}

	for op, want := range map[string]bool{
		"equals":      false,
		"notEquals":   true,
		"greaterThan": false,
		"lessThan":    false,
		"contains":    false,
	} {
		t.Run(op, func(t *testing.T) {
			c := mustParse(t, `{"field":"department","operator":"`+op+`","value":"ops"}`)
			got, err := Evaluate(c, data)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestGroups(t *testing.T) {
	data := map[string]any{"amount": 2500.0, "region": "EU"}

	and := mustParse(t, `{"operator":"AND","conditions":[
		{"field":"amount","operator":"greaterThan","value":1000},
		{"field":"region","operator":"equals","value":"EU"}]}`)
	ok, err := Evaluate(and, data)
	require.NoError(t, err)
	assert.True(t, ok)

	or := mustParse(t, `{"operator":"or","conditions":[
		{"field":"amount","operator":"greaterThan","value":10000},
		{"operator":"AND","conditions":[{"field":"region","operator":"equals","value":"EU"}]}]}`)
	ok, err = Evaluate(or, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate(mustParse(t, `{"operator":"AND","conditions":[]}`), data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate(mustParse(t, `{"operator":"OR","conditions":[]}`), data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpression(t *testing.T) {
	c := mustParse(t, `{"operator":"expression","value":"amount > 1000 && region == \"EU\""}`)

	ok, err := Evaluate(c, map[string]any{"amount": 5000.0, "region": "EU"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate(c, map[string]any{"amount": 50.0, "region": "EU"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseRejectsInvalidTrees(t *testing.T) {
	for name, raw := range map[string]string{
		"empty":            ``,
		"null":             `null`,
		"unknown operator": `{"field":"a","operator":"between","value":1}`,
		"missing field":    `{"operator":"equals","value":1}`,
		"in without list":  `{"field":"a","operator":"in","value":1}`,
		"bad expression":   `{"operator":"expression","value":"amount >"}`,
		"bad child":        `{"operator":"AND","conditions":[{"operator":"nope"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestMarshalRoundTripsThroughParse(t *testing.T) {
	in := &Group{Combinator: Or, Conditions: []Condition{
		&Predicate{Field: "amount", Operator: OpGreaterThan, Value: 1000.0},
		&Expression{Source: "priority == 'high'"},
		&Predicate{Operator: OpManual},
	}}

	raw, err := Marshal(in)
	require.NoError(t, err)

	out, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
