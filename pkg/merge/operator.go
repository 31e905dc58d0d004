package merge

import (
	"context"
	"errors"

	"github.com/orneryd/graft/pkg/storage"
)

// Branch identifies which of the two mutually exclusive mutation branches an
// upsert row took. Exactly one branch executes per row, even when its
// mutation list is empty.
type Branch int

const (
	BranchNone Branch = iota
	BranchCreate
	BranchMatch
)

func (b Branch) String() string {
	switch b {
	case BranchCreate:
		return "create"
	case BranchMatch:
		return "match"
	default:
		return "none"
	}
}

// branchMutations is the tagged pair selected once per path: the branch
// taken and the mutation list that goes with it.
type branchMutations struct {
	branch Branch
	list   MutationList
}

// Stats accumulates operator-level counters across rows.
type Stats struct {
	RowsEmitted     int64
	NodesCreated    int64
	EdgesCreated    int64
	PathsCreated    int64
	PathsMatched    int64
	ConflictRetries int64
}

// Operator is the upsert operator: a pull-based plan iterator that, per
// input row, resolves the pattern against the store and runs exactly one of
// the create or match branches.
//
// Per row the operator moves through
//
//	START → RESOLVING → {CREATING → APPLY_ON_CREATE} | {APPLY_ON_MATCH} → EMIT
//
// looping back to START until the upstream is exhausted. Path resolution is
// conjunctive and all-or-nothing: the match branch runs only when every
// pattern element resolves consistently; otherwise the create branch runs
// for the whole path, materializing the unmatched elements and reusing the
// individually resolved ones.
//
// A uniqueness conflict during CREATING (a concurrent execution created the
// same identity key first) re-enters RESOLVING once and the branch is
// re-decided fresh, so the retried row normally takes the match branch. A
// second conflict fails with ConcurrentCreateConflictError.
//
// Fatal errors (UnboundConstraintError, AmbiguousMatchError,
// ConcurrentCreateConflictError, MutationEvaluationError) terminate the
// operator; subsequent Next calls return ErrEndOfRows.
type Operator struct {
	source   RowSource
	pattern  Pattern
	onCreate MutationList
	onMatch  MutationList

	resolver     *Resolver
	materializer *Materializer
	applier      *Applier

	stats      Stats
	lastBranch Branch
	done       bool
}

// NewOperator builds an upsert operator. The pattern and both mutation
// lists are static plan configuration; either list may be empty.
func NewOperator(store storage.Engine, source RowSource, pattern Pattern, onCreate, onMatch MutationList) (*Operator, error) {
	if err := pattern.Validate(); err != nil {
		return nil, err
	}

	return &Operator{
		source:       source,
		pattern:      pattern,
		onCreate:     onCreate,
		onMatch:      onMatch,
		resolver:     NewResolver(store),
		materializer: NewMaterializer(store),
		applier:      NewApplier(store),
	}, nil
}

// Next pulls the next binding row from upstream, executes the upsert
// against it, and emits the row extended with the pattern's elements.
// Returns ErrEndOfRows when upstream is exhausted and the terminal error
// after a fatal failure.
func (o *Operator) Next(ctx context.Context) (*Row, error) {
	if o.done {
		return nil, ErrEndOfRows
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row, err := o.source.Next(ctx)
	if err != nil {
		o.done = true
		return nil, err
	}

	out, err := o.processRow(ctx, row)
	if err != nil {
		o.done = true
		return nil, err
	}

	o.stats.RowsEmitted++
	return out, nil
}

// Stats returns the operator's counters so far.
func (o *Operator) Stats() Stats { return o.stats }

// LastBranch reports which branch the most recently emitted row took.
func (o *Operator) LastBranch() Branch { return o.lastBranch }

// resolution holds per-element RESOLVING results. A nil entry is an
// unmatched element.
type resolution struct {
	nodes []*storage.Node
	edge  *storage.Edge
}

func (r resolution) allFound(p Pattern) bool {
	for _, n := range r.nodes {
		if n == nil {
			return false
		}
	}
	return p.Edge == nil || r.edge != nil
}

// bind projects resolved elements into the row.
func (r resolution) bind(p Pattern, row *Row) {
	for i, np := range p.Nodes {
		row.Bind(np.Var, r.nodes[i])
	}
	if p.Edge != nil {
		row.Bind(p.Edge.Var, r.edge)
	}
}

func (o *Operator) processRow(ctx context.Context, in *Row) (*Row, error) {
	row := in.Clone()

	res, err := o.resolvePath(row)
	if err != nil {
		return nil, err
	}

	var chosen branchMutations
	if res.allFound(o.pattern) {
		res.bind(o.pattern, row)
		chosen = branchMutations{branch: BranchMatch, list: o.onMatch}
	} else {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key, err := o.createPath(row, res)
		if isCreateConflict(err) {
			// Another execution won the race for this identity key. Retry the
			// resolve once from the original bindings; the branch is decided
			// fresh, so the retried row normally matches the winner.
			o.stats.ConflictRetries++
			row = in.Clone()

			res, rerr := o.resolvePath(row)
			if rerr != nil {
				return nil, rerr
			}
			if res.allFound(o.pattern) {
				res.bind(o.pattern, row)
				chosen = branchMutations{branch: BranchMatch, list: o.onMatch}
			} else {
				key, err = o.createPath(row, res)
				if isCreateConflict(err) {
					return nil, &ConcurrentCreateConflictError{Key: key, Err: err}
				}
				if err != nil {
					return nil, err
				}
				chosen = branchMutations{branch: BranchCreate, list: o.onCreate}
			}
		} else if err != nil {
			return nil, err
		} else {
			chosen = branchMutations{branch: BranchCreate, list: o.onCreate}
		}
	}

	o.lastBranch = chosen.branch
	switch chosen.branch {
	case BranchCreate:
		o.stats.PathsCreated++
	case BranchMatch:
		o.stats.PathsMatched++
	}

	if err := o.applier.Apply(ctx, chosen.list, row); err != nil {
		return nil, err
	}

	return row, nil
}

// resolvePath runs RESOLVING: every pattern element left to right. The edge
// is resolvable only when both endpoint nodes resolved, since edge identity
// includes the endpoint node identities.
func (o *Operator) resolvePath(row *Row) (resolution, error) {
	res := resolution{nodes: make([]*storage.Node, len(o.pattern.Nodes))}

	for i, np := range o.pattern.Nodes {
		node, err := o.resolver.ResolveNode(np, row)
		if err != nil {
			return res, err
		}
		res.nodes[i] = node
	}

	if o.pattern.Edge != nil && res.nodes[0] != nil && res.nodes[1] != nil {
		edge, err := o.resolver.ResolveEdge(*o.pattern.Edge, res.nodes[0].ID, res.nodes[1].ID, row)
		if err != nil {
			return res, err
		}
		res.edge = edge
	}

	return res, nil
}

// createPath runs CREATING: materialize unmatched elements in path order,
// reusing individually resolved ones, binding each into the row as it is
// produced so the edge can reference just-created endpoints. On error the
// returned key identifies the element whose creation conflicted.
func (o *Operator) createPath(row *Row, res resolution) (IdentityKey, error) {
	for i, np := range o.pattern.Nodes {
		node := res.nodes[i]
		if node == nil {
			created, err := o.materializer.CreateNode(np, row)
			if err != nil {
				key, kerr := nodeIdentityKey(np, row)
				if kerr != nil {
					key = IdentityKey{Label: np.describe()}
				}
				return key, err
			}
			node = created
			o.stats.NodesCreated++
		}
		row.Bind(np.Var, node)
	}

	if o.pattern.Edge != nil {
		start, _ := row.Get(o.pattern.Nodes[0].Var)
		end, _ := row.Get(o.pattern.Nodes[1].Var)
		startNode := start.(*storage.Node)
		endNode := end.(*storage.Node)

		edge, err := o.materializer.CreateEdge(*o.pattern.Edge, startNode.ID, endNode.ID, row)
		if err != nil {
			key, kerr := edgeIdentityKey(*o.pattern.Edge, row)
			if kerr != nil {
				key = IdentityKey{Label: o.pattern.Edge.Type}
			}
			return key, err
		}
		o.stats.EdgesCreated++
		row.Bind(o.pattern.Edge.Var, edge)
	}

	return IdentityKey{}, nil
}

// isCreateConflict reports whether err is the storage engine's uniqueness
// signal: another transaction created the same key first.
func isCreateConflict(err error) bool {
	return errors.Is(err, storage.ErrUniqueViolation) || errors.Is(err, storage.ErrAlreadyExists)
}
