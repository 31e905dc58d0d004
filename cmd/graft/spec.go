package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/graft/pkg/eval"
	"github.com/orneryd/graft/pkg/merge"
)

// upsertSpec is the YAML form of one upsert plan: a pattern, the two
// conditional mutation lists, optional input bindings, and the unique
// constraints the run depends on. This is declarative plumbing, not a query
// language; expressions are structured nodes rather than parsed text.
//
// Example:
//
//	constraints:
//	  - label: Person
//	    property: name
//	pattern:
//	  node:
//	    var: n
//	    labels: [Person]
//	    props:
//	      name: { value: Alice }
//	on_create:
//	  - target: n.createdAt
//	    expr: { func: timestamp }
//	on_match:
//	  - target: n.visits
//	    expr:
//	      op: "+"
//	      left: { prop: n.visits }
//	      right: { value: 1 }
type upsertSpec struct {
	Constraints []constraintSpec `yaml:"constraints"`
	Pattern     patternSpec      `yaml:"pattern"`
	OnCreate    []assignmentSpec `yaml:"on_create"`
	OnMatch     []assignmentSpec `yaml:"on_match"`
}

type constraintSpec struct {
	Label    string `yaml:"label"`
	Property string `yaml:"property"`
}

type patternSpec struct {
	Node *nodeSpec `yaml:"node"`
	Path *pathSpec `yaml:"path"`
}

type nodeSpec struct {
	Var    string              `yaml:"var"`
	Labels []string            `yaml:"labels"`
	Props  map[string]exprSpec `yaml:"props"`
}

type pathSpec struct {
	From nodeSpec `yaml:"from"`
	Edge edgeSpec `yaml:"edge"`
	To   nodeSpec `yaml:"to"`
}

type edgeSpec struct {
	Var   string              `yaml:"var"`
	Type  string              `yaml:"type"`
	Props map[string]exprSpec `yaml:"props"`
}

type assignmentSpec struct {
	Target string   `yaml:"target"`
	Expr   exprSpec `yaml:"expr"`
}

// exprSpec is a tagged union; exactly one of the field groups is set.
type exprSpec struct {
	Value *any       `yaml:"value"` // literal
	Prop  string     `yaml:"prop"`  // "var.property"
	Var   string     `yaml:"var"`   // bare variable
	Func  string     `yaml:"func"`  // function call
	Args  []exprSpec `yaml:"args"`
	Op    string     `yaml:"op"` // binary operator
	Left  *exprSpec  `yaml:"left"`
	Right *exprSpec  `yaml:"right"`
}

func loadUpsertSpec(path string) (*upsertSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading upsert spec: %w", err)
	}

	var spec upsertSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing upsert spec %s: %w", path, err)
	}
	return &spec, nil
}

func (s *upsertSpec) buildPattern() (merge.Pattern, error) {
	switch {
	case s.Pattern.Node != nil && s.Pattern.Path != nil:
		return merge.Pattern{}, fmt.Errorf("pattern: node and path are mutually exclusive")
	case s.Pattern.Node != nil:
		node, err := s.Pattern.Node.build()
		if err != nil {
			return merge.Pattern{}, err
		}
		return merge.NodeOnly(node), nil
	case s.Pattern.Path != nil:
		from, err := s.Pattern.Path.From.build()
		if err != nil {
			return merge.Pattern{}, err
		}
		to, err := s.Pattern.Path.To.build()
		if err != nil {
			return merge.Pattern{}, err
		}
		edgeProps, err := buildProps(s.Pattern.Path.Edge.Props)
		if err != nil {
			return merge.Pattern{}, err
		}
		edge := merge.EdgePattern{
			Var:   s.Pattern.Path.Edge.Var,
			Type:  s.Pattern.Path.Edge.Type,
			Props: edgeProps,
		}
		return merge.Path(from, edge, to), nil
	default:
		return merge.Pattern{}, fmt.Errorf("pattern: node or path required")
	}
}

func (n *nodeSpec) build() (merge.NodePattern, error) {
	props, err := buildProps(n.Props)
	if err != nil {
		return merge.NodePattern{}, err
	}
	return merge.NodePattern{Var: n.Var, Labels: n.Labels, Props: props}, nil
}

func buildProps(specs map[string]exprSpec) (map[string]eval.Expr, error) {
	props := make(map[string]eval.Expr, len(specs))
	for name, spec := range specs {
		expr, err := spec.build()
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		props[name] = expr
	}
	return props, nil
}

func (s *upsertSpec) buildMutations(specs []assignmentSpec) (merge.MutationList, error) {
	list := make(merge.MutationList, 0, len(specs))
	for _, a := range specs {
		varName, propName, ok := strings.Cut(a.Target, ".")
		if !ok {
			return nil, fmt.Errorf("assignment target %q: want var.property", a.Target)
		}
		expr, err := a.Expr.build()
		if err != nil {
			return nil, fmt.Errorf("assignment %s: %w", a.Target, err)
		}
		list = append(list, merge.Assignment{
			Target: merge.PropertyTarget{Var: varName, Property: propName},
			Value:  expr,
		})
	}
	return list, nil
}

func (e exprSpec) build() (eval.Expr, error) {
	switch {
	case e.Value != nil:
		return eval.Literal{Value: normalizeYAML(*e.Value)}, nil

	case e.Prop != "":
		varName, propName, ok := strings.Cut(e.Prop, ".")
		if !ok {
			return nil, fmt.Errorf("prop %q: want var.property", e.Prop)
		}
		return eval.Property{Var: varName, Name: propName}, nil

	case e.Var != "":
		return eval.Variable{Name: e.Var}, nil

	case e.Func != "":
		args := make([]eval.Expr, 0, len(e.Args))
		for i, a := range e.Args {
			expr, err := a.build()
			if err != nil {
				return nil, fmt.Errorf("arg %d of %s: %w", i, e.Func, err)
			}
			args = append(args, expr)
		}
		return eval.Call{Name: e.Func, Args: args}, nil

	case e.Op != "":
		if e.Left == nil || e.Right == nil {
			return nil, fmt.Errorf("operator %q requires left and right", e.Op)
		}
		left, err := e.Left.build()
		if err != nil {
			return nil, err
		}
		right, err := e.Right.build()
		if err != nil {
			return nil, err
		}
		return eval.Binary{Op: e.Op, Left: left, Right: right}, nil

	default:
		return nil, fmt.Errorf("empty expression")
	}
}

// normalizeYAML widens YAML ints to int64, recursing into list and map
// literals, so stored values compare consistently with evaluator output.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
