// Package eval is the expression evaluator used to compute property values
// during upsert mutation. Expressions are fixed ASTs built at plan
// construction time and evaluated against a set of variable bindings; they
// never mutate the graph.
package eval

import (
	"errors"
	"fmt"

	"github.com/orneryd/graft/pkg/storage"
)

// Bindings resolves variable names to values. The merge package's binding
// row implements this.
type Bindings interface {
	Get(name string) (any, bool)
}

// Expr is an evaluatable expression.
type Expr interface {
	Eval(b Bindings) (any, error)
	String() string
}

// Evaluation errors.
var (
	ErrUnknownVariable = errors.New("eval: unknown variable")
	ErrUnknownFunction = errors.New("eval: unknown function")
	ErrTypeMismatch    = errors.New("eval: type mismatch")
	ErrDivisionByZero  = errors.New("eval: division by zero")
)

// Literal is a constant value.
type Literal struct {
	Value any
}

func (l Literal) Eval(Bindings) (any, error) { return l.Value, nil }

func (l Literal) String() string {
	if s, ok := l.Value.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", l.Value)
}

// Variable resolves a bound variable's value.
type Variable struct {
	Name string
}

func (v Variable) Eval(b Bindings) (any, error) {
	val, ok := b.Get(v.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariable, v.Name)
	}
	return val, nil
}

func (v Variable) String() string { return v.Name }

// Property reads a property from a bound node or edge, e.g. n.count.
// A missing property evaluates to nil (Cypher NULL), not an error.
type Property struct {
	Var  string
	Name string
}

func (p Property) Eval(b Bindings) (any, error) {
	val, ok := b.Get(p.Var)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariable, p.Var)
	}

	switch elem := val.(type) {
	case *storage.Node:
		return elem.Properties[p.Name], nil
	case *storage.Edge:
		return elem.Properties[p.Name], nil
	case map[string]any:
		return elem[p.Name], nil
	default:
		return nil, fmt.Errorf("%w: %s is not a graph element", ErrTypeMismatch, p.Var)
	}
}

func (p Property) String() string { return p.Var + "." + p.Name }

// Binary applies an arithmetic operator. "+" doubles as string
// concatenation when either side is a string.
type Binary struct {
	Op    string
	Left  Expr
	Right Expr
}

func (e Binary) Eval(b Bindings) (any, error) {
	left, err := e.Left.Eval(b)
	if err != nil {
		return nil, err
	}
	right, err := e.Right.Eval(b)
	if err != nil {
		return nil, err
	}

	// NULL propagates through arithmetic, as in Cypher.
	if left == nil || right == nil {
		return nil, nil
	}

	if e.Op == "+" {
		if ls, ok := left.(string); ok {
			return ls + stringify(right), nil
		}
		if rs, ok := right.(string); ok {
			return stringify(left) + rs, nil
		}
	}

	li, lInt := toInt(left)
	ri, rInt := toInt(right)
	if lInt && rInt {
		return applyIntOp(e.Op, li, ri)
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, fmt.Errorf("%w: %s %s %s", ErrTypeMismatch,
			typeName(left), e.Op, typeName(right))
	}
	return applyFloatOp(e.Op, lf, rf)
}

func (e Binary) String() string {
	return fmt.Sprintf("%s %s %s", e.Left, e.Op, e.Right)
}

func applyIntOp(op string, l, r int64) (any, error) {
	switch op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return nil, ErrDivisionByZero
		}
		return l / r, nil
	case "%":
		if r == 0 {
			return nil, ErrDivisionByZero
		}
		return l % r, nil
	default:
		return nil, fmt.Errorf("%w: operator %q", ErrTypeMismatch, op)
	}
}

func applyFloatOp(op string, l, r float64) (any, error) {
	switch op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return nil, ErrDivisionByZero
		}
		return l / r, nil
	default:
		return nil, fmt.Errorf("%w: operator %q", ErrTypeMismatch, op)
	}
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

func stringify(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%v", v)
}
