// Package storage provides the graph element model and storage engines.
//
// Two engines are provided:
//   - MemoryEngine: thread-safe in-memory storage for testing and small datasets
//   - BadgerEngine: durable storage backed by BadgerDB
//
// Both enforce registered unique constraints on node creation, which is how
// upsert callers detect that a concurrent transaction created the same
// identity key first.
package storage

import (
	"errors"
	"fmt"
	"time"
)

// NodeID uniquely identifies a node.
type NodeID string

// EdgeID uniquely identifies an edge.
type EdgeID string

// Node is a labeled graph vertex with dynamically typed properties.
type Node struct {
	ID         NodeID
	Labels     []string
	Properties map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Edge is a typed, directed relationship between two nodes.
type Edge struct {
	ID         EdgeID
	Type       string
	StartNode  NodeID
	EndNode    NodeID
	Properties map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Sentinel errors returned by all engines.
var (
	ErrNotFound        = errors.New("storage: not found")
	ErrAlreadyExists   = errors.New("storage: already exists")
	ErrInvalidID       = errors.New("storage: invalid ID")
	ErrInvalidData     = errors.New("storage: invalid data")
	ErrStorageClosed   = errors.New("storage: engine closed")
	ErrUniqueViolation = errors.New("storage: unique constraint violation")
)

// Stats holds aggregate counts for an engine.
type Stats struct {
	Nodes int64
	Edges int64
}

// Engine is the storage contract consumed by the merge operator and the CLI.
//
// All methods are safe for concurrent use. Lookup methods return deep copies;
// mutating a returned element does not change stored state until it is written
// back through an update method.
type Engine interface {
	CreateNode(node *Node) error
	GetNode(id NodeID) (*Node, error)
	UpdateNode(node *Node) error
	DeleteNode(id NodeID) error
	GetNodesByLabel(label string) ([]*Node, error)

	// FindNodes returns nodes carrying the label whose properties include
	// every entry of props. An empty label matches any label.
	FindNodes(label string, props map[string]any) ([]*Node, error)

	// SetNodeProperty writes a single property on an existing node.
	SetNodeProperty(id NodeID, key string, value any) error

	// CreateEdge inserts an edge. An edge duplicating a stored edge's
	// identity (type, endpoints, properties) fails with ErrAlreadyExists.
	CreateEdge(edge *Edge) error
	GetEdge(id EdgeID) (*Edge, error)
	UpdateEdge(edge *Edge) error
	DeleteEdge(id EdgeID) error

	// FindEdges returns edges of edgeType between start and end whose
	// properties include every entry of props. An empty edgeType matches any
	// type; an empty start or end matches any endpoint.
	FindEdges(edgeType string, start, end NodeID, props map[string]any) ([]*Edge, error)

	// SetEdgeProperty writes a single property on an existing edge.
	SetEdgeProperty(id EdgeID, key string, value any) error

	// AddUniqueConstraint registers a uniqueness guarantee on (label,
	// property). Existing data is validated; a duplicate pair fails the call.
	AddUniqueConstraint(label, property string) error

	Stats() (*Stats, error)
	Close() error
}

// valueEqual compares two property values with numeric promotion, so an
// int written through YAML matches an int64 read back from gob.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}

	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
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

// propsMatch reports whether elem contains every entry of want.
func propsMatch(elem, want map[string]any) bool {
	for k, v := range want {
		ev, ok := elem[k]
		if !ok || !valueEqual(ev, v) {
			return false
		}
	}
	return true
}

// hasLabel reports whether labels contains label.
func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// copyNode creates a deep copy of a node.
func copyNode(n *Node) *Node {
	if n == nil {
		return nil
	}

	copied := &Node{
		ID:         n.ID,
		Labels:     make([]string, len(n.Labels)),
		Properties: make(map[string]any, len(n.Properties)),
		CreatedAt:  n.CreatedAt,
		UpdatedAt:  n.UpdatedAt,
	}

	copy(copied.Labels, n.Labels)
	for k, v := range n.Properties {
		copied.Properties[k] = v
	}

	return copied
}

// copyEdge creates a deep copy of an edge.
func copyEdge(e *Edge) *Edge {
	if e == nil {
		return nil
	}

	copied := &Edge{
		ID:         e.ID,
		Type:       e.Type,
		StartNode:  e.StartNode,
		EndNode:    e.EndNode,
		Properties: make(map[string]any, len(e.Properties)),
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}

	for k, v := range e.Properties {
		copied.Properties[k] = v
	}

	return copied
}
