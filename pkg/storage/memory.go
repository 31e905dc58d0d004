package storage

import (
	"sync"
	"time"
)

// MemoryEngine is a thread-safe in-memory implementation of Engine.
// It's useful for:
// - Unit testing (no disk I/O)
// - Small datasets that fit in RAM
//
// Unique constraints and edge identities are enforced under the engine's
// write lock, so the existence check and the insert are atomic with respect
// to concurrent callers: of two simultaneous creates carrying the same
// constrained value (or the same edge identity), exactly one succeeds and
// the other fails with ErrUniqueViolation (or ErrAlreadyExists).
type MemoryEngine struct {
	mu     sync.RWMutex
	nodes  map[NodeID]*Node
	edges  map[EdgeID]*Edge
	schema *Schema

	// Indexes for efficient lookups
	nodesByLabel  map[string]map[NodeID]struct{}
	outgoingEdges map[NodeID]map[EdgeID]struct{}
	incomingEdges map[NodeID]map[EdgeID]struct{}

	closed bool
}

// NewMemoryEngine creates a new in-memory storage engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:         make(map[NodeID]*Node),
		edges:         make(map[EdgeID]*Edge),
		schema:        NewSchema(),
		nodesByLabel:  make(map[string]map[NodeID]struct{}),
		outgoingEdges: make(map[NodeID]map[EdgeID]struct{}),
		incomingEdges: make(map[NodeID]map[EdgeID]struct{}),
	}
}

// CreateNode creates a new node. It fails with ErrAlreadyExists if the ID is
// taken and with ErrUniqueViolation (wrapped in ConstraintViolationError) if
// the node duplicates a value under a unique constraint.
func (m *MemoryEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.nodes[node.ID]; exists {
		return ErrAlreadyExists
	}

	if err := m.schema.ReserveUniqueValues(node); err != nil {
		return err
	}

	// Deep copy to prevent external mutation
	stored := copyNode(node)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = stored.CreatedAt
	m.nodes[node.ID] = stored

	for _, label := range node.Labels {
		if m.nodesByLabel[label] == nil {
			m.nodesByLabel[label] = make(map[NodeID]struct{})
		}
		m.nodesByLabel[label][node.ID] = struct{}{}
	}

	return nil
}

// GetNode retrieves a node by ID.
func (m *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	node, exists := m.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}

	return copyNode(node), nil
}

// UpdateNode replaces an existing node's labels and properties.
func (m *MemoryEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	existing, exists := m.nodes[node.ID]
	if !exists {
		return ErrNotFound
	}

	// Move unique claims from the old property set to the new one in one
	// atomic step.
	if err := m.schema.SwapUniqueValues(existing, node); err != nil {
		return err
	}

	// Remove from old label indexes
	for _, label := range existing.Labels {
		if m.nodesByLabel[label] != nil {
			delete(m.nodesByLabel[label], node.ID)
		}
	}

	stored := copyNode(node)
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()
	m.nodes[node.ID] = stored

	for _, label := range node.Labels {
		if m.nodesByLabel[label] == nil {
			m.nodesByLabel[label] = make(map[NodeID]struct{})
		}
		m.nodesByLabel[label][node.ID] = struct{}{}
	}

	return nil
}

// DeleteNode removes a node and all its edges.
func (m *MemoryEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	node, exists := m.nodes[id]
	if !exists {
		return ErrNotFound
	}

	m.schema.ReleaseUniqueValues(node)

	for _, label := range node.Labels {
		if m.nodesByLabel[label] != nil {
			delete(m.nodesByLabel[label], id)
		}
	}

	// Delete all outgoing edges
	if outgoing := m.outgoingEdges[id]; outgoing != nil {
		for edgeID := range outgoing {
			edge := m.edges[edgeID]
			if edge != nil {
				m.schema.ReleaseEdgeIdentity(edge)
				if incoming := m.incomingEdges[edge.EndNode]; incoming != nil {
					delete(incoming, edgeID)
				}
			}
			delete(m.edges, edgeID)
		}
		delete(m.outgoingEdges, id)
	}

	// Delete all incoming edges
	if incoming := m.incomingEdges[id]; incoming != nil {
		for edgeID := range incoming {
			edge := m.edges[edgeID]
			if edge != nil {
				m.schema.ReleaseEdgeIdentity(edge)
				if outgoing := m.outgoingEdges[edge.StartNode]; outgoing != nil {
					delete(outgoing, edgeID)
				}
			}
			delete(m.edges, edgeID)
		}
		delete(m.incomingEdges, id)
	}

	delete(m.nodes, id)
	return nil
}

// GetNodesByLabel returns all nodes with the given label.
func (m *MemoryEngine) GetNodesByLabel(label string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	nodeIDs := m.nodesByLabel[label]
	if nodeIDs == nil {
		return []*Node{}, nil
	}

	nodes := make([]*Node, 0, len(nodeIDs))
	for id := range nodeIDs {
		if node := m.nodes[id]; node != nil {
			nodes = append(nodes, copyNode(node))
		}
	}

	return nodes, nil
}

// FindNodes returns nodes carrying label whose properties include every
// entry of props.
func (m *MemoryEngine) FindNodes(label string, props map[string]any) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	matches := []*Node{}
	if label != "" {
		for id := range m.nodesByLabel[label] {
			if node := m.nodes[id]; node != nil && propsMatch(node.Properties, props) {
				matches = append(matches, copyNode(node))
			}
		}
		return matches, nil
	}

	for _, node := range m.nodes {
		if propsMatch(node.Properties, props) {
			matches = append(matches, copyNode(node))
		}
	}
	return matches, nil
}

// SetNodeProperty writes a single property on an existing node.
func (m *MemoryEngine) SetNodeProperty(id NodeID, key string, value any) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	node, exists := m.nodes[id]
	if !exists {
		return ErrNotFound
	}

	updated := copyNode(node)
	updated.Properties[key] = value

	if err := m.schema.SwapUniqueValues(node, updated); err != nil {
		return err
	}

	updated.UpdatedAt = time.Now()
	m.nodes[id] = updated
	return nil
}

// CreateEdge creates a new edge. Both endpoints must exist. An edge whose
// type, endpoints, and properties duplicate a stored edge fails with
// ErrAlreadyExists (wrapped in EdgeConflictError), which is how upsert
// callers detect a concurrent create of the same edge identity.
func (m *MemoryEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.edges[edge.ID]; exists {
		return ErrAlreadyExists
	}

	if _, exists := m.nodes[edge.StartNode]; !exists {
		return ErrNotFound
	}
	if _, exists := m.nodes[edge.EndNode]; !exists {
		return ErrNotFound
	}

	if err := m.schema.ReserveEdgeIdentity(edge); err != nil {
		return err
	}

	stored := copyEdge(edge)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = stored.CreatedAt
	m.edges[edge.ID] = stored

	if m.outgoingEdges[edge.StartNode] == nil {
		m.outgoingEdges[edge.StartNode] = make(map[EdgeID]struct{})
	}
	m.outgoingEdges[edge.StartNode][edge.ID] = struct{}{}

	if m.incomingEdges[edge.EndNode] == nil {
		m.incomingEdges[edge.EndNode] = make(map[EdgeID]struct{})
	}
	m.incomingEdges[edge.EndNode][edge.ID] = struct{}{}

	return nil
}

// GetEdge retrieves an edge by ID.
func (m *MemoryEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edge, exists := m.edges[id]
	if !exists {
		return nil, ErrNotFound
	}

	return copyEdge(edge), nil
}

// UpdateEdge replaces an existing edge's type, endpoints, and properties.
func (m *MemoryEngine) UpdateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	existing, exists := m.edges[edge.ID]
	if !exists {
		return ErrNotFound
	}

	if _, ok := m.nodes[edge.StartNode]; !ok {
		return ErrNotFound
	}
	if _, ok := m.nodes[edge.EndNode]; !ok {
		return ErrNotFound
	}

	// Move the identity claim to the new (type, endpoints, properties) in
	// one atomic step.
	if err := m.schema.SwapEdgeIdentity(existing, edge); err != nil {
		return err
	}

	// If endpoints changed, update indexes
	if existing.StartNode != edge.StartNode || existing.EndNode != edge.EndNode {
		if m.outgoingEdges[existing.StartNode] != nil {
			delete(m.outgoingEdges[existing.StartNode], edge.ID)
		}
		if m.incomingEdges[existing.EndNode] != nil {
			delete(m.incomingEdges[existing.EndNode], edge.ID)
		}

		if m.outgoingEdges[edge.StartNode] == nil {
			m.outgoingEdges[edge.StartNode] = make(map[EdgeID]struct{})
		}
		m.outgoingEdges[edge.StartNode][edge.ID] = struct{}{}

		if m.incomingEdges[edge.EndNode] == nil {
			m.incomingEdges[edge.EndNode] = make(map[EdgeID]struct{})
		}
		m.incomingEdges[edge.EndNode][edge.ID] = struct{}{}
	}

	stored := copyEdge(edge)
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()
	m.edges[edge.ID] = stored

	return nil
}

// DeleteEdge removes an edge.
func (m *MemoryEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	edge, exists := m.edges[id]
	if !exists {
		return ErrNotFound
	}

	m.schema.ReleaseEdgeIdentity(edge)

	if m.outgoingEdges[edge.StartNode] != nil {
		delete(m.outgoingEdges[edge.StartNode], id)
	}
	if m.incomingEdges[edge.EndNode] != nil {
		delete(m.incomingEdges[edge.EndNode], id)
	}

	delete(m.edges, id)
	return nil
}

// FindEdges returns edges of edgeType between start and end whose properties
// include every entry of props. Empty selectors match anything.
func (m *MemoryEngine) FindEdges(edgeType string, start, end NodeID, props map[string]any) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	matches := []*Edge{}

	consider := func(edge *Edge) {
		if edgeType != "" && edge.Type != edgeType {
			return
		}
		if start != "" && edge.StartNode != start {
			return
		}
		if end != "" && edge.EndNode != end {
			return
		}
		if !propsMatch(edge.Properties, props) {
			return
		}
		matches = append(matches, copyEdge(edge))
	}

	// Narrow by the outgoing index when the start endpoint is known.
	if start != "" {
		for id := range m.outgoingEdges[start] {
			if edge := m.edges[id]; edge != nil {
				consider(edge)
			}
		}
		return matches, nil
	}

	for _, edge := range m.edges {
		consider(edge)
	}
	return matches, nil
}

// SetEdgeProperty writes a single property on an existing edge.
func (m *MemoryEngine) SetEdgeProperty(id EdgeID, key string, value any) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	edge, exists := m.edges[id]
	if !exists {
		return ErrNotFound
	}

	updated := copyEdge(edge)
	updated.Properties[key] = value

	if err := m.schema.SwapEdgeIdentity(edge, updated); err != nil {
		return err
	}

	updated.UpdatedAt = time.Now()
	m.edges[id] = updated
	return nil
}

// AddUniqueConstraint validates existing data and registers a unique
// constraint on (label, property).
func (m *MemoryEngine) AddUniqueConstraint(label, property string) error {
	if err := ValidateUniqueConstraint(m, label, property); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	nodes := make([]*Node, 0)
	for id := range m.nodesByLabel[label] {
		if node := m.nodes[id]; node != nil {
			nodes = append(nodes, node)
		}
	}

	m.schema.AddUniqueConstraint(label, property)
	m.schema.seedUniqueValues(label, property, nodes)
	return nil
}

// Stats returns node and edge counts.
func (m *MemoryEngine) Stats() (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	return &Stats{Nodes: int64(len(m.nodes)), Edges: int64(len(m.edges))}, nil
}

// Close closes the storage engine.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.nodes = nil
	m.edges = nil
	m.nodesByLabel = nil
	m.outgoingEdges = nil
	m.incomingEdges = nil

	return nil
}

// Verify MemoryEngine implements Engine interface
var _ Engine = (*MemoryEngine)(nil)
