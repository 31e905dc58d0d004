package merge

import (
	"errors"
	"fmt"
)

// ErrEndOfRows is returned by RowSource.Next and Operator.Next when the
// upstream is exhausted.
var ErrEndOfRows = errors.New("merge: end of rows")

// UnboundConstraintError indicates a pattern constraint or mutation target
// references a variable that is not bound in the row. This is a
// plan-construction bug: fatal, never retried.
type UnboundConstraintError struct {
	Variable string
	Pattern  string
}

func (e *UnboundConstraintError) Error() string {
	return fmt.Sprintf("unbound variable %q in pattern %s", e.Variable, e.Pattern)
}

// AmbiguousMatchError indicates more than one stored element satisfies an
// identity key. Upsert requires the identity key to be unique; this
// condition means a uniqueness guarantee is missing upstream (no unique
// constraint) and is surfaced rather than resolved arbitrarily.
type AmbiguousMatchError struct {
	Key   IdentityKey
	Count int
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("identity key %s matches %d elements, expected at most one", e.Key, e.Count)
}

// ConcurrentCreateConflictError indicates two consecutive uniqueness
// conflicts while creating the same identity key. The first conflict is
// retried automatically (the concurrent winner should then be matched); a
// second conflict is surfaced to bound worst-case work.
type ConcurrentCreateConflictError struct {
	Key IdentityKey
	Err error
}

func (e *ConcurrentCreateConflictError) Error() string {
	return fmt.Sprintf("repeated create conflict on identity key %s: %v", e.Key, e.Err)
}

func (e *ConcurrentCreateConflictError) Unwrap() error { return e.Err }

// MutationEvaluationError indicates a mutation assignment's value expression
// failed. Assignments earlier in the same list have already been applied and
// persist; the enclosing transaction is responsible for rollback if the
// caller needs row atomicity.
type MutationEvaluationError struct {
	Assignment string
	Err        error
}

func (e *MutationEvaluationError) Error() string {
	return fmt.Sprintf("evaluating mutation %s: %v", e.Assignment, e.Err)
}

func (e *MutationEvaluationError) Unwrap() error { return e.Err }
