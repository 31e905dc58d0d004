package merge

import (
	"github.com/orneryd/graft/pkg/storage"
)

// Resolver probes the store for elements matching a pattern element's
// identity key. Read-only: resolution never mutates the graph.
type Resolver struct {
	store storage.Engine
}

// NewResolver creates a resolver over the given engine.
func NewResolver(store storage.Engine) *Resolver {
	return &Resolver{store: store}
}

// ResolveNode returns the single node matching the pattern's identity key,
// nil if none exists, or AmbiguousMatchError if the key is not unique in
// the store.
func (r *Resolver) ResolveNode(np NodePattern, row *Row) (*storage.Node, error) {
	key, err := nodeIdentityKey(np, row)
	if err != nil {
		return nil, err
	}

	matches, err := r.store.FindNodes(key.Label, key.Props)
	if err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, &AmbiguousMatchError{Key: key, Count: len(matches)}
	}
}

// ResolveEdge returns the single edge of the pattern's type between the two
// endpoint nodes matching the edge's property constraints. Endpoint
// identities must already be resolved; an edge whose endpoints differ is a
// different element by definition.
func (r *Resolver) ResolveEdge(ep EdgePattern, start, end storage.NodeID, row *Row) (*storage.Edge, error) {
	key, err := edgeIdentityKey(ep, row)
	if err != nil {
		return nil, err
	}

	matches, err := r.store.FindEdges(ep.Type, start, end, key.Props)
	if err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, &AmbiguousMatchError{Key: key, Count: len(matches)}
	}
}
