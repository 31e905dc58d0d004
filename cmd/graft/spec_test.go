package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graft/pkg/eval"
	"github.com/orneryd/graft/pkg/merge"
)

func writeSpec(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upsert.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadUpsertSpec_Node(t *testing.T) {
	path := writeSpec(t, `
constraints:
  - label: Person
    property: name
pattern:
  node:
    var: n
    labels: [Person]
    props:
      name: { value: Alice }
      age: { value: 30 }
on_create:
  - target: n.createdAt
    expr: { func: timestamp }
on_match:
  - target: n.visits
    expr:
      op: "+"
      left: { prop: n.visits }
      right: { value: 1 }
`)

	spec, err := loadUpsertSpec(path)
	require.NoError(t, err)

	require.Len(t, spec.Constraints, 1)
	assert.Equal(t, "Person", spec.Constraints[0].Label)

	pattern, err := spec.buildPattern()
	require.NoError(t, err)
	require.NoError(t, pattern.Validate())
	require.Len(t, pattern.Nodes, 1)
	assert.Equal(t, "n", pattern.Nodes[0].Var)
	assert.Equal(t, []string{"Person"}, pattern.Nodes[0].Labels)

	// YAML ints arrive widened to int64.
	age, err := pattern.Nodes[0].Props["age"].Eval(merge.NewRow())
	require.NoError(t, err)
	assert.Equal(t, int64(30), age)

	onCreate, err := spec.buildMutations(spec.OnCreate)
	require.NoError(t, err)
	require.Len(t, onCreate, 1)
	assert.Equal(t, merge.PropertyTarget{Var: "n", Property: "createdAt"}, onCreate[0].Target)
	_, isCall := onCreate[0].Value.(eval.Call)
	assert.True(t, isCall)

	onMatch, err := spec.buildMutations(spec.OnMatch)
	require.NoError(t, err)
	require.Len(t, onMatch, 1)
	assert.Equal(t, "n.visits + 1", onMatch[0].Value.String())
}

func TestLoadUpsertSpec_Path(t *testing.T) {
	path := writeSpec(t, `
pattern:
  path:
    from:
      var: a
      labels: [Person]
      props:
        id: { value: 1 }
    edge:
      var: r
      type: KNOWS
      props:
        since: { value: 2020 }
    to:
      var: b
      labels: [Person]
      props:
        id: { value: 2 }
`)

	spec, err := loadUpsertSpec(path)
	require.NoError(t, err)

	pattern, err := spec.buildPattern()
	require.NoError(t, err)
	require.NoError(t, pattern.Validate())
	require.Len(t, pattern.Nodes, 2)
	require.NotNil(t, pattern.Edge)
	assert.Equal(t, "KNOWS", pattern.Edge.Type)
	assert.Equal(t, "r", pattern.Edge.Var)
}

// Int widening reaches into list and map literals, not just scalars.
func TestNormalizeYAML_NestedLiterals(t *testing.T) {
	var list any = []any{1, "two", []any{3}}
	expr, err := exprSpec{Value: &list}.build()
	require.NoError(t, err)

	got, err := expr.Eval(merge.NewRow())
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), "two", []any{int64(3)}}, got)

	var obj any = map[string]any{"n": 1, "s": "x", "nested": map[string]any{"m": 2}}
	expr, err = exprSpec{Value: &obj}.build()
	require.NoError(t, err)

	got, err = expr.Eval(merge.NewRow())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"n": int64(1), "s": "x",
		"nested": map[string]any{"m": int64(2)},
	}, got)
}

func TestBuildPattern_Errors(t *testing.T) {
	empty := &upsertSpec{}
	_, err := empty.buildPattern()
	assert.Error(t, err)

	both := &upsertSpec{Pattern: patternSpec{
		Node: &nodeSpec{Var: "n"},
		Path: &pathSpec{},
	}}
	_, err = both.buildPattern()
	assert.Error(t, err)
}

func TestBuildMutations_BadTarget(t *testing.T) {
	spec := &upsertSpec{}
	one := int64(1)
	var v any = one

	_, err := spec.buildMutations([]assignmentSpec{
		{Target: "noproperty", Expr: exprSpec{Value: &v}},
	})
	assert.Error(t, err)
}

func TestExprSpec_Build(t *testing.T) {
	var lit any = "x"

	tests := []struct {
		name    string
		spec    exprSpec
		want    string
		wantErr bool
	}{
		{"literal", exprSpec{Value: &lit}, `"x"`, false},
		{"prop", exprSpec{Prop: "n.count"}, "n.count", false},
		{"bad prop", exprSpec{Prop: "nodot"}, "", true},
		{"var", exprSpec{Var: "name"}, "name", false},
		{"func", exprSpec{Func: "timestamp"}, "timestamp()", false},
		{"op missing side", exprSpec{Op: "+", Left: &exprSpec{Var: "x"}}, "", true},
		{"empty", exprSpec{}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := tt.spec.build()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, expr.String())
		})
	}
}
