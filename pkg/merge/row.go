package merge

import "context"

// Row is the binding context threaded through query execution: variable name
// to value or graph element for the current input tuple. A Row is owned by
// the iterator invocation processing it; the operator reads and extends it
// but never retains it across calls.
type Row struct {
	vars  map[string]any
	order []string
}

// NewRow creates an empty binding row.
func NewRow() *Row {
	return &Row{vars: make(map[string]any)}
}

// Bind sets a variable. Rebinding an existing name keeps its position.
func (r *Row) Bind(name string, value any) {
	if _, exists := r.vars[name]; !exists {
		r.order = append(r.order, name)
	}
	r.vars[name] = value
}

// Get returns a variable's value. Implements eval.Bindings.
func (r *Row) Get(name string) (any, bool) {
	v, ok := r.vars[name]
	return v, ok
}

// Vars returns the bound variable names in binding order.
func (r *Row) Vars() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Clone copies the row's bindings. Bound elements are shared, not copied;
// the operator rebinds fresh element copies before mutating.
func (r *Row) Clone() *Row {
	clone := &Row{
		vars:  make(map[string]any, len(r.vars)),
		order: make([]string, len(r.order)),
	}
	copy(clone.order, r.order)
	for k, v := range r.vars {
		clone.vars[k] = v
	}
	return clone
}

// RowSource is the pull-based iterator protocol: one row at a time, in
// order, ErrEndOfRows when exhausted. The Operator both consumes and
// implements it, so it composes into a larger plan.
type RowSource interface {
	Next(ctx context.Context) (*Row, error)
}

// Rows is a slice-backed RowSource, used to drive an operator from
// pre-built bindings (and to feed operators in tests).
type Rows struct {
	rows []*Row
	pos  int
}

// NewRows creates a RowSource over the given rows.
func NewRows(rows ...*Row) *Rows {
	return &Rows{rows: rows}
}

// SingleRow is shorthand for a source yielding one empty row, the common
// case for a standalone upsert with no upstream bindings.
func SingleRow() *Rows {
	return NewRows(NewRow())
}

func (s *Rows) Next(ctx context.Context) (*Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.rows) {
		return nil, ErrEndOfRows
	}
	row := s.rows[s.pos]
	s.pos++
	return row, nil
}
