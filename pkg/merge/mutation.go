package merge

import (
	"context"
	"fmt"

	"github.com/orneryd/graft/pkg/eval"
	"github.com/orneryd/graft/pkg/storage"
)

// PropertyTarget is the left-hand side of a mutation assignment: a property
// name rooted at a bound pattern variable.
type PropertyTarget struct {
	Var      string
	Property string
}

func (t PropertyTarget) String() string { return t.Var + "." + t.Property }

// Assignment writes the result of evaluating Value against the binding row
// to Target.
type Assignment struct {
	Target PropertyTarget
	Value  eval.Expr
}

func (a Assignment) String() string {
	return fmt.Sprintf("%s = %s", a.Target, a.Value)
}

// MutationList is an ordered list of assignments, applied sequentially.
// Later assignments observe the writes of earlier ones in the same list. An
// upsert carries two lists, on-create and on-match; either may be empty,
// and both are fixed when the plan is built.
type MutationList []Assignment

// Applier executes a MutationList against a row whose pattern variables are
// bound to resolved or created elements.
type Applier struct {
	store storage.Engine
}

// NewApplier creates an applier over the given engine.
func NewApplier(store storage.Engine) *Applier {
	return &Applier{store: store}
}

// Apply executes each assignment in order. Each value expression is
// evaluated against the current bindings, written to the bound element
// in-row (so the next assignment sees it), and persisted through the
// engine's property update primitive. Cancellation is checked before each
// assignment.
//
// A failing expression aborts with MutationEvaluationError; assignments
// already applied for this row keep their writes, matching
// statement-sequence semantics. Callers needing row atomicity wrap the
// whole row in the enclosing transaction.
func (a *Applier) Apply(ctx context.Context, list MutationList, row *Row) error {
	for _, asg := range list {
		if err := ctx.Err(); err != nil {
			return err
		}

		bound, ok := row.Get(asg.Target.Var)
		if !ok {
			return &UnboundConstraintError{Variable: asg.Target.Var, Pattern: asg.String()}
		}

		val, err := asg.Value.Eval(row)
		if err != nil {
			return &MutationEvaluationError{Assignment: asg.String(), Err: err}
		}

		switch elem := bound.(type) {
		case *storage.Node:
			elem.Properties[asg.Target.Property] = val
			if err := a.store.SetNodeProperty(elem.ID, asg.Target.Property, val); err != nil {
				return &MutationEvaluationError{Assignment: asg.String(), Err: err}
			}
		case *storage.Edge:
			elem.Properties[asg.Target.Property] = val
			if err := a.store.SetEdgeProperty(elem.ID, asg.Target.Property, val); err != nil {
				return &MutationEvaluationError{Assignment: asg.String(), Err: err}
			}
		default:
			return &MutationEvaluationError{
				Assignment: asg.String(),
				Err:        fmt.Errorf("target %s is not a graph element", asg.Target.Var),
			}
		}
	}
	return nil
}
