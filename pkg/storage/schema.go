package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ConstraintViolationError reports a write that would duplicate a value
// protected by a unique constraint. It unwraps to ErrUniqueViolation so
// callers can branch on errors.Is.
type ConstraintViolationError struct {
	Label    string
	Property string
	Value    any
	Owner    NodeID
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("unique constraint on %s.%s violated: value %v already owned by node %s",
		e.Label, e.Property, e.Value, e.Owner)
}

func (e *ConstraintViolationError) Unwrap() error { return ErrUniqueViolation }

// EdgeConflictError reports a create that would duplicate an existing edge
// identity: same type, same endpoints, same properties. It unwraps to
// ErrAlreadyExists so callers can branch on errors.Is.
type EdgeConflictError struct {
	Type  string
	Start NodeID
	End   NodeID
	Owner EdgeID
}

func (e *EdgeConflictError) Error() string {
	return fmt.Sprintf("edge %s from %s to %s already exists as %s",
		e.Type, e.Start, e.End, e.Owner)
}

func (e *EdgeConflictError) Unwrap() error { return ErrAlreadyExists }

// Schema tracks unique constraints, the node values currently claimed under
// them, and the identity of every stored edge. Reservation is atomic:
// ReserveUniqueValues either claims every value for a node or fails with
// ConstraintViolationError, never both, and ReserveEdgeIdentity claims an
// edge's (type, endpoints, properties) identity or fails with
// EdgeConflictError. Engines reserve before the durable insert and release
// if the insert fails, so two concurrent creates of the same identity key
// cannot both succeed.
type Schema struct {
	mu sync.Mutex

	// constraintKey(label, property) -> valueKey -> owning node
	unique map[string]map[string]NodeID

	// edgeClaimKey(edge) -> owning edge
	edgeClaims map[string]EdgeID
}

// NewSchema creates an empty schema.
func NewSchema() *Schema {
	return &Schema{
		unique:     make(map[string]map[string]NodeID),
		edgeClaims: make(map[string]EdgeID),
	}
}

func constraintKey(label, property string) string {
	return label + "." + property
}

// valueKey normalizes a property value for index lookup, with the same
// numeric promotion as property matching.
func valueKey(v any) string {
	if f, ok := toFloat(v); ok {
		return fmt.Sprintf("f:%v", f)
	}
	return fmt.Sprintf("v:%v", v)
}

// edgeClaimKey normalizes an edge's identity (type, endpoints, property
// values) for claim lookup. Properties are sorted so equal identities render
// identically.
func edgeClaimKey(e *Edge) string {
	parts := make([]string, 0, len(e.Properties))
	for name, value := range e.Properties {
		parts = append(parts, name+"="+valueKey(value))
	}
	sort.Strings(parts)
	return e.Type + "|" + string(e.StartNode) + "|" + string(e.EndNode) + "|" + strings.Join(parts, ",")
}

// AddUniqueConstraint registers a unique constraint on (label, property).
// Adding the same constraint twice is a no-op.
func (s *Schema) AddUniqueConstraint(label, property string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := constraintKey(label, property)
	if s.unique[key] == nil {
		s.unique[key] = make(map[string]NodeID)
	}
}

// HasUniqueConstraint reports whether (label, property) is constrained.
func (s *Schema) HasUniqueConstraint(label, property string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.unique[constraintKey(label, property)]
	return ok
}

// ReserveUniqueValues claims every constrained (label, property, value)
// combination the node carries. On conflict it rolls back the claims made
// during this call and returns ConstraintViolationError. Claims already
// owned by the same node are left untouched, so updates re-reserving their
// own values succeed.
func (s *Schema) ReserveUniqueValues(node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserveLocked(node)
}

func (s *Schema) reserveLocked(node *Node) error {
	type claim struct {
		key string
		val string
	}
	var made []claim

	for _, label := range node.Labels {
		for prop, value := range node.Properties {
			key := constraintKey(label, prop)
			values, ok := s.unique[key]
			if !ok || value == nil {
				continue
			}

			vk := valueKey(value)
			if owner, exists := values[vk]; exists {
				if owner == node.ID {
					continue
				}
				for _, c := range made {
					delete(s.unique[c.key], c.val)
				}
				return &ConstraintViolationError{
					Label:    label,
					Property: prop,
					Value:    value,
					Owner:    owner,
				}
			}

			values[vk] = node.ID
			made = append(made, claim{key: key, val: vk})
		}
	}

	return nil
}

// ReleaseUniqueValues drops every claim held by the node. Used when an
// insert fails after reservation and when a node is deleted or updated away
// from its old values.
func (s *Schema) ReleaseUniqueValues(node *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(node)
}

func (s *Schema) releaseLocked(node *Node) {
	for _, label := range node.Labels {
		for prop, value := range node.Properties {
			key := constraintKey(label, prop)
			values, ok := s.unique[key]
			if !ok || value == nil {
				continue
			}

			vk := valueKey(value)
			if values[vk] == node.ID {
				delete(values, vk)
			}
		}
	}
}

// SwapUniqueValues moves claims from old to updated in one atomic step:
// old's claims are released, updated's reserved, and old's restored if the
// reservation conflicts. Engines use this for updates so a concurrent
// create cannot claim a released value in the window between the two halves.
func (s *Schema) SwapUniqueValues(old, updated *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked(old)
	if err := s.reserveLocked(updated); err != nil {
		s.reserveLocked(old) // restoring prior claims cannot conflict
		return err
	}
	return nil
}

// ReserveEdgeIdentity claims an edge's identity. A second edge carrying the
// same type, endpoints, and properties fails with EdgeConflictError; the
// same edge re-reserving its own identity succeeds.
func (s *Schema) ReserveEdgeIdentity(edge *Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserveEdgeLocked(edge)
}

func (s *Schema) reserveEdgeLocked(edge *Edge) error {
	key := edgeClaimKey(edge)
	if owner, exists := s.edgeClaims[key]; exists && owner != edge.ID {
		return &EdgeConflictError{
			Type:  edge.Type,
			Start: edge.StartNode,
			End:   edge.EndNode,
			Owner: owner,
		}
	}
	s.edgeClaims[key] = edge.ID
	return nil
}

// ReleaseEdgeIdentity drops the claim held by the edge. Used when an insert
// fails after reservation and when an edge is deleted or updated away from
// its old identity.
func (s *Schema) ReleaseEdgeIdentity(edge *Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseEdgeLocked(edge)
}

func (s *Schema) releaseEdgeLocked(edge *Edge) {
	key := edgeClaimKey(edge)
	if s.edgeClaims[key] == edge.ID {
		delete(s.edgeClaims, key)
	}
}

// SwapEdgeIdentity atomically moves the claim from old to updated,
// restoring old's claim if updated's conflicts.
func (s *Schema) SwapEdgeIdentity(old, updated *Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseEdgeLocked(old)
	if err := s.reserveEdgeLocked(updated); err != nil {
		s.reserveEdgeLocked(old) // restoring the prior claim cannot conflict
		return err
	}
	return nil
}

// seedEdgeIdentities registers existing edges' identities, used when a
// durable engine rehydrates its claim index at open.
func (s *Schema) seedEdgeIdentities(edges []*Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, edge := range edges {
		s.edgeClaims[edgeClaimKey(edge)] = edge.ID
	}
}

// ValidateUniqueConstraint scans existing nodes for duplicates before a
// constraint is accepted, matching Neo4j's CREATE CONSTRAINT behavior.
func ValidateUniqueConstraint(engine Engine, label, property string) error {
	nodes, err := engine.GetNodesByLabel(label)
	if err != nil {
		return fmt.Errorf("scanning nodes: %w", err)
	}

	seen := make(map[string]NodeID)
	for _, node := range nodes {
		value := node.Properties[property]
		if value == nil {
			continue // NULL values don't violate uniqueness
		}

		vk := valueKey(value)
		if owner, found := seen[vk]; found {
			return &ConstraintViolationError{
				Label:    label,
				Property: property,
				Value:    value,
				Owner:    owner,
			}
		}
		seen[vk] = node.ID
	}

	return nil
}

// seedUniqueValues registers existing nodes' values after a constraint is
// validated, so later reservations see them.
func (s *Schema) seedUniqueValues(label, property string, nodes []*Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := constraintKey(label, property)
	values := s.unique[key]
	if values == nil {
		values = make(map[string]NodeID)
		s.unique[key] = values
	}

	for _, node := range nodes {
		if value := node.Properties[property]; value != nil {
			values[valueKey(value)] = node.ID
		}
	}
}
