package merge

import (
	"github.com/google/uuid"

	"github.com/orneryd/graft/pkg/storage"
)

// Materializer creates graph elements for the unmatched parts of a pattern.
// The pattern's constraint values double as the new element's initial
// properties.
type Materializer struct {
	store storage.Engine

	// newID is swappable in tests to force ID collisions.
	newID func() string
}

// NewMaterializer creates a materializer over the given engine.
func NewMaterializer(store storage.Engine) *Materializer {
	return &Materializer{store: store, newID: uuid.NewString}
}

// CreateNode inserts a new node whose labels and properties come from the
// pattern's constraint set. A uniqueness conflict from the engine (another
// transaction created the same identity key first) is returned unwrapped so
// the operator can take its retry path.
func (m *Materializer) CreateNode(np NodePattern, row *Row) (*storage.Node, error) {
	key, err := nodeIdentityKey(np, row)
	if err != nil {
		return nil, err
	}

	node := &storage.Node{
		ID:         storage.NodeID(m.newID()),
		Labels:     append([]string(nil), np.Labels...),
		Properties: key.Props,
	}

	if err := m.store.CreateNode(node); err != nil {
		return nil, err
	}
	return node, nil
}

// CreateEdge inserts a new edge between two resolved or just-created nodes.
func (m *Materializer) CreateEdge(ep EdgePattern, start, end storage.NodeID, row *Row) (*storage.Edge, error) {
	key, err := edgeIdentityKey(ep, row)
	if err != nil {
		return nil, err
	}

	edge := &storage.Edge{
		ID:         storage.EdgeID(m.newID()),
		Type:       ep.Type,
		StartNode:  start,
		EndNode:    end,
		Properties: key.Props,
	}

	if err := m.store.CreateEdge(edge); err != nil {
		return nil, err
	}
	return edge, nil
}
