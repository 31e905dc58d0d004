package storage

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Key prefixes. Element keys hold gob payloads; index keys are empty values
// whose presence is the index entry.
//
//	n:<nodeID>            node payload
//	e:<edgeID>            edge payload
//	ln:<label>:<nodeID>   label index
//	te:<type>:<edgeID>    edge type index
//	out:<nodeID>:<edgeID> outgoing edge index
//	uc:<label>:<prop>     registered unique constraint
func nodeKey(id NodeID) []byte { return []byte("n:" + string(id)) }
func edgeKey(id EdgeID) []byte { return []byte("e:" + string(id)) }
func labelIndexKey(label string, id NodeID) []byte {
	return []byte("ln:" + label + ":" + string(id))
}
func typeIndexKey(edgeType string, id EdgeID) []byte {
	return []byte("te:" + edgeType + ":" + string(id))
}
func outgoingIndexKey(node NodeID, id EdgeID) []byte {
	return []byte("out:" + string(node) + ":" + string(id))
}
func constraintIndexKey(label, property string) []byte {
	return []byte("uc:" + label + ":" + property)
}

// encodeNode serializes a Node using gob (preserves Go types).
func encodeNode(n *Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeNode deserializes a Node from gob.
func decodeNode(data []byte) (*Node, error) {
	var node Node
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&node); err != nil {
		return nil, err
	}
	return &node, nil
}

// encodeEdge serializes an Edge using gob.
func encodeEdge(e *Edge) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeEdge deserializes an Edge from gob.
func decodeEdge(data []byte) (*Edge, error) {
	var edge Edge
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&edge); err != nil {
		return nil, err
	}
	return &edge, nil
}

// Logger receives structured diagnostics from the Badger engine.
//
// This is intentionally minimal to avoid coupling storage to a specific
// logging library. Implementations should treat fields as a stable
// machine-readable contract.
type Logger interface {
	Log(level string, msg string, fields map[string]any)
}

type nopLogger struct{}

func (nopLogger) Log(string, string, map[string]any) {}

// BadgerOptions configures a BadgerEngine.
type BadgerOptions struct {
	// DataDir is the on-disk location. Ignored when InMemory is set.
	DataDir string

	// InMemory runs Badger without disk persistence. Useful for tests.
	InMemory bool

	// Logger receives engine diagnostics. Defaults to a no-op logger.
	Logger Logger

	// NodeCacheMaxEntries bounds the node read cache. Zero disables caching.
	NodeCacheMaxEntries int
}

// BadgerEngine is a durable Engine backed by BadgerDB.
//
// Unique constraints and edge identities are enforced through the shared
// in-process Schema before the durable write. Constraint registrations are
// persisted and edge claims are rebuilt from the stored edges, so both
// survive reopen. As with MemoryEngine, of two concurrent creates carrying
// the same constrained value or edge identity exactly one wins.
type BadgerEngine struct {
	db     *badger.DB
	schema *Schema
	logger Logger

	mu     sync.RWMutex
	closed bool

	nodeCacheMu         sync.Mutex
	nodeCache           map[NodeID]*Node
	nodeCacheMaxEntries int
}

// OpenBadger opens (or creates) a Badger-backed engine and rehydrates the
// unique-constraint schema from persisted registrations.
func OpenBadger(opts BadgerOptions) (*BadgerEngine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.DataDir)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", opts.DataDir, err)
	}

	maxEntries := opts.NodeCacheMaxEntries
	if maxEntries < 0 {
		maxEntries = 0
	}

	b := &BadgerEngine{
		db:                  db,
		schema:              NewSchema(),
		logger:              logger,
		nodeCache:           make(map[NodeID]*Node),
		nodeCacheMaxEntries: maxEntries,
	}

	if err := b.loadSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return b, nil
}

// loadSchema reads persisted constraint registrations and re-seeds the
// in-process claim index by scanning each constrained label.
func (b *BadgerEngine) loadSchema() error {
	type constraint struct{ label, property string }
	var constraints []constraint

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("uc:")})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			parts := strings.SplitN(strings.TrimPrefix(key, "uc:"), ":", 2)
			if len(parts) != 2 {
				continue
			}
			constraints = append(constraints, constraint{label: parts[0], property: parts[1]})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}

	for _, c := range constraints {
		nodes, err := b.GetNodesByLabel(c.label)
		if err != nil {
			return fmt.Errorf("seeding constraint %s.%s: %w", c.label, c.property, err)
		}
		b.schema.AddUniqueConstraint(c.label, c.property)
		b.schema.seedUniqueValues(c.label, c.property, nodes)
		b.logger.Log("info", "unique constraint loaded", map[string]any{
			"label":    c.label,
			"property": c.property,
			"values":   len(nodes),
		})
	}

	// Edge identity claims are rehydrated from the edges themselves.
	edges, err := b.FindEdges("", "", "", nil)
	if err != nil {
		return fmt.Errorf("seeding edge identities: %w", err)
	}
	b.schema.seedEdgeIdentities(edges)

	return nil
}

func (b *BadgerEngine) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *BadgerEngine) cacheStoreNode(node *Node) {
	if b.nodeCacheMaxEntries == 0 || node == nil {
		return
	}

	b.nodeCacheMu.Lock()
	// Simple eviction: if the cache is too large, clear it.
	if len(b.nodeCache) >= b.nodeCacheMaxEntries {
		b.nodeCache = make(map[NodeID]*Node, b.nodeCacheMaxEntries)
	}
	b.nodeCache[node.ID] = copyNode(node)
	b.nodeCacheMu.Unlock()
}

func (b *BadgerEngine) cacheDeleteNode(id NodeID) {
	b.nodeCacheMu.Lock()
	delete(b.nodeCache, id)
	b.nodeCacheMu.Unlock()
}

func (b *BadgerEngine) cacheGetNode(id NodeID) *Node {
	if b.nodeCacheMaxEntries == 0 {
		return nil
	}

	b.nodeCacheMu.Lock()
	defer b.nodeCacheMu.Unlock()
	if cached, ok := b.nodeCache[id]; ok {
		return copyNode(cached)
	}
	return nil
}

// CreateNode creates a new node in persistent storage.
func (b *BadgerEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if b.isClosed() {
		return ErrStorageClosed
	}

	// Claim constrained values before the durable write; released on failure.
	if err := b.schema.ReserveUniqueValues(node); err != nil {
		return err
	}

	stored := copyNode(node)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = stored.CreatedAt

	err := b.db.Update(func(txn *badger.Txn) error {
		key := nodeKey(stored.ID)
		if _, err := txn.Get(key); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := encodeNode(stored)
		if err != nil {
			return fmt.Errorf("failed to encode node: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}

		for _, label := range stored.Labels {
			if err := txn.Set(labelIndexKey(label, stored.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.schema.ReleaseUniqueValues(node)
		return err
	}

	b.cacheStoreNode(stored)
	return nil
}

// GetNode retrieves a node by ID.
func (b *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if b.isClosed() {
		return nil, ErrStorageClosed
	}

	if cached := b.cacheGetNode(id); cached != nil {
		return cached, nil
	}

	var node *Node
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			node, decodeErr = decodeNode(val)
			return decodeErr
		})
	})
	if err != nil {
		return nil, err
	}

	b.cacheStoreNode(node)
	return node, nil
}

// UpdateNode replaces an existing node's labels and properties.
func (b *BadgerEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if b.isClosed() {
		return ErrStorageClosed
	}

	existing, err := b.GetNode(node.ID)
	if err != nil {
		return err
	}

	// Move unique claims from the old property set to the new one in one
	// atomic step, so a concurrent create cannot claim a released value
	// mid-swap.
	if err := b.schema.SwapUniqueValues(existing, node); err != nil {
		return err
	}

	stored := copyNode(node)
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()

	err = b.db.Update(func(txn *badger.Txn) error {
		data, err := encodeNode(stored)
		if err != nil {
			return fmt.Errorf("failed to encode node: %w", err)
		}
		if err := txn.Set(nodeKey(stored.ID), data); err != nil {
			return err
		}

		for _, label := range existing.Labels {
			if !hasLabel(stored.Labels, label) {
				if err := txn.Delete(labelIndexKey(label, stored.ID)); err != nil {
					return err
				}
			}
		}
		for _, label := range stored.Labels {
			if err := txn.Set(labelIndexKey(label, stored.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.schema.SwapUniqueValues(node, existing) // restoring prior claims cannot conflict
		return err
	}

	b.cacheStoreNode(stored)
	return nil
}

// DeleteNode removes a node and all edges touching it.
func (b *BadgerEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if b.isClosed() {
		return ErrStorageClosed
	}

	existing, err := b.GetNode(id)
	if err != nil {
		return err
	}

	// Collect edges touching the node outside the delete transaction.
	edges, err := b.FindEdges("", "", "", nil)
	if err != nil {
		return err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(nodeKey(id)); err != nil {
			return err
		}
		for _, label := range existing.Labels {
			if err := txn.Delete(labelIndexKey(label, id)); err != nil {
				return err
			}
		}
		for _, edge := range edges {
			if edge.StartNode != id && edge.EndNode != id {
				continue
			}
			if err := txn.Delete(edgeKey(edge.ID)); err != nil {
				return err
			}
			if err := txn.Delete(typeIndexKey(edge.Type, edge.ID)); err != nil {
				return err
			}
			if err := txn.Delete(outgoingIndexKey(edge.StartNode, edge.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	b.schema.ReleaseUniqueValues(existing)
	for _, edge := range edges {
		if edge.StartNode == id || edge.EndNode == id {
			b.schema.ReleaseEdgeIdentity(edge)
		}
	}
	b.cacheDeleteNode(id)
	return nil
}

// GetNodesByLabel returns all nodes with the given label.
func (b *BadgerEngine) GetNodesByLabel(label string) ([]*Node, error) {
	if b.isClosed() {
		return nil, ErrStorageClosed
	}

	prefix := []byte("ln:" + label + ":")
	var ids []NodeID

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, NodeID(strings.TrimPrefix(key, string(prefix))))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		node, err := b.GetNode(id)
		if errors.Is(err, ErrNotFound) {
			continue // index entry racing a delete
		}
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// FindNodes returns nodes carrying label whose properties include every
// entry of props.
func (b *BadgerEngine) FindNodes(label string, props map[string]any) ([]*Node, error) {
	if label != "" {
		candidates, err := b.GetNodesByLabel(label)
		if err != nil {
			return nil, err
		}

		matches := []*Node{}
		for _, node := range candidates {
			if propsMatch(node.Properties, props) {
				matches = append(matches, node)
			}
		}
		return matches, nil
	}

	// Unlabeled probe: full node scan.
	if b.isClosed() {
		return nil, ErrStorageClosed
	}

	matches := []*Node{}
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("n:"), PrefetchValues: true})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				node, err := decodeNode(val)
				if err != nil {
					return err
				}
				if propsMatch(node.Properties, props) {
					matches = append(matches, node)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// SetNodeProperty writes a single property on an existing node.
func (b *BadgerEngine) SetNodeProperty(id NodeID, key string, value any) error {
	node, err := b.GetNode(id)
	if err != nil {
		return err
	}

	node.Properties[key] = value
	return b.UpdateNode(node)
}

// CreateEdge creates a new edge. Both endpoints must exist. An edge whose
// type, endpoints, and properties duplicate a stored edge fails with
// ErrAlreadyExists (wrapped in EdgeConflictError), which is how upsert
// callers detect a concurrent create of the same edge identity.
func (b *BadgerEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}
	if b.isClosed() {
		return ErrStorageClosed
	}

	// Claim the identity before the durable write; released on failure.
	if err := b.schema.ReserveEdgeIdentity(edge); err != nil {
		return err
	}

	stored := copyEdge(edge)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = stored.CreatedAt

	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(edgeKey(stored.ID)); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		// Verify endpoints exist
		if _, err := txn.Get(nodeKey(stored.StartNode)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		if _, err := txn.Get(nodeKey(stored.EndNode)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}

		data, err := encodeEdge(stored)
		if err != nil {
			return fmt.Errorf("failed to encode edge: %w", err)
		}
		if err := txn.Set(edgeKey(stored.ID), data); err != nil {
			return err
		}
		if err := txn.Set(typeIndexKey(stored.Type, stored.ID), nil); err != nil {
			return err
		}
		return txn.Set(outgoingIndexKey(stored.StartNode, stored.ID), nil)
	})
	if err != nil {
		b.schema.ReleaseEdgeIdentity(edge)
		return err
	}
	return nil
}

// GetEdge retrieves an edge by ID.
func (b *BadgerEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if b.isClosed() {
		return nil, ErrStorageClosed
	}

	var edge *Edge
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			edge, decodeErr = decodeEdge(val)
			return decodeErr
		})
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// UpdateEdge replaces an existing edge's type, endpoints, and properties.
func (b *BadgerEngine) UpdateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}
	if b.isClosed() {
		return ErrStorageClosed
	}

	existing, err := b.GetEdge(edge.ID)
	if err != nil {
		return err
	}

	// Move the identity claim to the new (type, endpoints, properties) in
	// one atomic step.
	if err := b.schema.SwapEdgeIdentity(existing, edge); err != nil {
		return err
	}

	stored := copyEdge(edge)
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()

	err = b.db.Update(func(txn *badger.Txn) error {
		data, err := encodeEdge(stored)
		if err != nil {
			return fmt.Errorf("failed to encode edge: %w", err)
		}
		if err := txn.Set(edgeKey(stored.ID), data); err != nil {
			return err
		}

		if existing.Type != stored.Type {
			if err := txn.Delete(typeIndexKey(existing.Type, stored.ID)); err != nil {
				return err
			}
			if err := txn.Set(typeIndexKey(stored.Type, stored.ID), nil); err != nil {
				return err
			}
		}
		if existing.StartNode != stored.StartNode {
			if err := txn.Delete(outgoingIndexKey(existing.StartNode, stored.ID)); err != nil {
				return err
			}
			if err := txn.Set(outgoingIndexKey(stored.StartNode, stored.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.schema.SwapEdgeIdentity(edge, existing) // restoring the prior claim cannot conflict
		return err
	}
	return nil
}

// DeleteEdge removes an edge.
func (b *BadgerEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if b.isClosed() {
		return ErrStorageClosed
	}

	existing, err := b.GetEdge(id)
	if err != nil {
		return err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(edgeKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(typeIndexKey(existing.Type, id)); err != nil {
			return err
		}
		return txn.Delete(outgoingIndexKey(existing.StartNode, id))
	})
	if err != nil {
		return err
	}

	b.schema.ReleaseEdgeIdentity(existing)
	return nil
}

// FindEdges returns edges of edgeType between start and end whose properties
// include every entry of props. Empty selectors match anything.
func (b *BadgerEngine) FindEdges(edgeType string, start, end NodeID, props map[string]any) ([]*Edge, error) {
	if b.isClosed() {
		return nil, ErrStorageClosed
	}

	// Narrow by the outgoing index when the start endpoint is known,
	// otherwise by the type index, otherwise scan.
	var prefix []byte
	switch {
	case start != "":
		prefix = []byte("out:" + string(start) + ":")
	case edgeType != "":
		prefix = []byte("te:" + edgeType + ":")
	default:
		prefix = []byte("e:")
	}

	var ids []EdgeID
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, EdgeID(key[strings.LastIndex(key, ":")+1:]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	matches := []*Edge{}
	for _, id := range ids {
		edge, err := b.GetEdge(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if edgeType != "" && edge.Type != edgeType {
			continue
		}
		if start != "" && edge.StartNode != start {
			continue
		}
		if end != "" && edge.EndNode != end {
			continue
		}
		if !propsMatch(edge.Properties, props) {
			continue
		}
		matches = append(matches, edge)
	}
	return matches, nil
}

// SetEdgeProperty writes a single property on an existing edge.
func (b *BadgerEngine) SetEdgeProperty(id EdgeID, key string, value any) error {
	edge, err := b.GetEdge(id)
	if err != nil {
		return err
	}

	edge.Properties[key] = value
	return b.UpdateEdge(edge)
}

// AddUniqueConstraint validates existing data, registers the constraint, and
// persists the registration so it survives reopen.
func (b *BadgerEngine) AddUniqueConstraint(label, property string) error {
	if b.isClosed() {
		return ErrStorageClosed
	}

	if err := ValidateUniqueConstraint(b, label, property); err != nil {
		return err
	}

	nodes, err := b.GetNodesByLabel(label)
	if err != nil {
		return err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(constraintIndexKey(label, property), nil)
	})
	if err != nil {
		return err
	}

	b.schema.AddUniqueConstraint(label, property)
	b.schema.seedUniqueValues(label, property, nodes)

	b.logger.Log("info", "unique constraint added", map[string]any{
		"label":    label,
		"property": property,
	})
	return nil
}

// Stats returns node and edge counts by scanning element key prefixes.
func (b *BadgerEngine) Stats() (*Stats, error) {
	if b.isClosed() {
		return nil, ErrStorageClosed
	}

	stats := &Stats{}
	err := b.db.View(func(txn *badger.Txn) error {
		for _, scan := range []struct {
			prefix []byte
			count  *int64
		}{
			{[]byte("n:"), &stats.Nodes},
			{[]byte("e:"), &stats.Edges},
		} {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: scan.prefix})
			for it.Rewind(); it.Valid(); it.Next() {
				*scan.count++
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close flushes and closes the underlying Badger database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	b.nodeCacheMu.Lock()
	b.nodeCache = nil
	b.nodeCacheMu.Unlock()

	return b.db.Close()
}

// Verify BadgerEngine implements Engine interface
var _ Engine = (*BadgerEngine)(nil)
