// Package merge implements the pattern-match-or-create upsert operator:
// given a node or node-edge-node pattern with property constraints, find the
// matching subgraph or create it, then apply exactly one of two conditional
// mutation lists depending on which branch ran.
//
// The operator follows Neo4j MERGE semantics: the whole pattern is one unit
// for branch selection, identity-key equality is the only match criterion,
// and concurrent creates of the same identity key are resolved by a single
// retry against the storage engine's unique-constraint enforcement.
package merge

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/orneryd/graft/pkg/eval"
)

// NodePattern describes one node of the pattern: an optional label set and
// the property constraints that form its identity key. Constraint
// expressions are fixed at plan build time and evaluated to concrete values
// against the binding row before resolution begins.
type NodePattern struct {
	Var    string
	Labels []string
	Props  map[string]eval.Expr
}

// EdgePattern describes the relationship of a node-edge-node pattern. The
// edge's endpoints are the pattern's two nodes; Type and Props form its
// identity key together with the resolved endpoint identities.
type EdgePattern struct {
	Var   string
	Type  string
	Props map[string]eval.Expr
}

// Pattern is a single node or a node-edge-node path.
//
//	Nodes: [a]           a single node pattern
//	Nodes: [a, b],
//	Edge:  r             the path (a)-[r]->(b)
type Pattern struct {
	Nodes []NodePattern
	Edge  *EdgePattern
}

// NodeOnly builds a single-node pattern.
func NodeOnly(node NodePattern) Pattern {
	return Pattern{Nodes: []NodePattern{node}}
}

// Path builds a node-edge-node pattern (a)-[r]->(b).
func Path(a NodePattern, r EdgePattern, b NodePattern) Pattern {
	return Pattern{Nodes: []NodePattern{a, b}, Edge: &r}
}

// Validate checks structural well-formedness at plan build time.
func (p Pattern) Validate() error {
	switch len(p.Nodes) {
	case 1:
		if p.Edge != nil {
			return errors.New("merge: edge pattern requires two nodes")
		}
	case 2:
		if p.Edge == nil {
			return errors.New("merge: two-node pattern requires an edge")
		}
	default:
		return fmt.Errorf("merge: pattern must have one or two nodes, got %d", len(p.Nodes))
	}

	seen := make(map[string]struct{})
	for _, n := range p.Nodes {
		if n.Var == "" {
			return errors.New("merge: node pattern requires a variable name")
		}
		if _, dup := seen[n.Var]; dup {
			return fmt.Errorf("merge: duplicate pattern variable %q", n.Var)
		}
		seen[n.Var] = struct{}{}
	}
	if p.Edge != nil {
		if p.Edge.Var == "" {
			return errors.New("merge: edge pattern requires a variable name")
		}
		if p.Edge.Type == "" {
			return errors.New("merge: edge pattern requires a type")
		}
		if _, dup := seen[p.Edge.Var]; dup {
			return fmt.Errorf("merge: duplicate pattern variable %q", p.Edge.Var)
		}
	}
	return nil
}

// IdentityKey is the (label, constraint property map) tuple that decides
// match versus create. Two elements are the same element iff their identity
// keys compare equal; properties outside the constraint set are irrelevant.
type IdentityKey struct {
	Label string
	Props map[string]any
}

func (k IdentityKey) String() string {
	keys := make([]string, 0, len(k.Props))
	for prop := range k.Props {
		keys = append(keys, prop)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, prop := range keys {
		parts[i] = fmt.Sprintf("%s: %v", prop, k.Props[prop])
	}
	return fmt.Sprintf("(:%s {%s})", k.Label, strings.Join(parts, ", "))
}

// evalConstraints evaluates a constraint expression map to concrete values.
// A constraint referencing an unbound variable is a plan bug and fails with
// UnboundConstraintError.
func evalConstraints(props map[string]eval.Expr, row *Row, pattern string) (map[string]any, error) {
	values := make(map[string]any, len(props))
	for name, expr := range props {
		val, err := expr.Eval(row)
		if err != nil {
			if errors.Is(err, eval.ErrUnknownVariable) {
				return nil, &UnboundConstraintError{Variable: expr.String(), Pattern: pattern}
			}
			return nil, fmt.Errorf("merge: evaluating constraint %s of %s: %w", name, pattern, err)
		}
		values[name] = val
	}
	return values, nil
}

// nodeIdentityKey computes the identity key of a node pattern against a row.
// The first label is the key's label; additional labels are carried onto
// created nodes but do not narrow resolution.
func nodeIdentityKey(np NodePattern, row *Row) (IdentityKey, error) {
	props, err := evalConstraints(np.Props, row, np.describe())
	if err != nil {
		return IdentityKey{}, err
	}

	label := ""
	if len(np.Labels) > 0 {
		label = np.Labels[0]
	}
	return IdentityKey{Label: label, Props: props}, nil
}

// edgeIdentityKey computes the identity key of an edge pattern.
func edgeIdentityKey(ep EdgePattern, row *Row) (IdentityKey, error) {
	props, err := evalConstraints(ep.Props, row, ep.describe())
	if err != nil {
		return IdentityKey{}, err
	}
	return IdentityKey{Label: ep.Type, Props: props}, nil
}

func (np NodePattern) describe() string {
	if len(np.Labels) > 0 {
		return fmt.Sprintf("(%s:%s)", np.Var, strings.Join(np.Labels, ":"))
	}
	return fmt.Sprintf("(%s)", np.Var)
}

func (ep EdgePattern) describe() string {
	return fmt.Sprintf("[%s:%s]", ep.Var, ep.Type)
}
