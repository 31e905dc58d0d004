package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema_ReserveAndRelease(t *testing.T) {
	schema := NewSchema()
	schema.AddUniqueConstraint("Person", "email")
	assert.True(t, schema.HasUniqueConstraint("Person", "email"))
	assert.False(t, schema.HasUniqueConstraint("Person", "name"))

	first := &Node{
		ID:         "p1",
		Labels:     []string{"Person"},
		Properties: map[string]any{"email": "a@example.com"},
	}
	require.NoError(t, schema.ReserveUniqueValues(first))

	// Same node re-reserving its own value is fine.
	require.NoError(t, schema.ReserveUniqueValues(first))

	second := &Node{
		ID:         "p2",
		Labels:     []string{"Person"},
		Properties: map[string]any{"email": "a@example.com"},
	}
	err := schema.ReserveUniqueValues(second)
	var violation *ConstraintViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, NodeID("p1"), violation.Owner)

	schema.ReleaseUniqueValues(first)
	require.NoError(t, schema.ReserveUniqueValues(second))
}

// A conflicting reservation must roll back the claims it made before the
// conflict, or a failed create would poison later ones.
func TestSchema_ReserveRollsBackOnConflict(t *testing.T) {
	schema := NewSchema()
	schema.AddUniqueConstraint("Person", "email")
	schema.AddUniqueConstraint("Person", "handle")

	holder := &Node{
		ID:         "p1",
		Labels:     []string{"Person"},
		Properties: map[string]any{"handle": "taken"},
	}
	require.NoError(t, schema.ReserveUniqueValues(holder))

	// p2 claims a fresh email but conflicts on the handle.
	conflicted := &Node{
		ID:         "p2",
		Labels:     []string{"Person"},
		Properties: map[string]any{"email": "b@example.com", "handle": "taken"},
	}
	require.Error(t, schema.ReserveUniqueValues(conflicted))

	// The email claim from the failed call must be gone.
	third := &Node{
		ID:         "p3",
		Labels:     []string{"Person"},
		Properties: map[string]any{"email": "b@example.com"},
	}
	require.NoError(t, schema.ReserveUniqueValues(third))
}

func TestSchema_NilAndUnconstrainedValues(t *testing.T) {
	schema := NewSchema()
	schema.AddUniqueConstraint("Person", "email")

	// NULLs never claim; any number of nodes may omit the property.
	for _, id := range []NodeID{"p1", "p2"} {
		node := &Node{
			ID:         id,
			Labels:     []string{"Person"},
			Properties: map[string]any{"email": nil, "name": "same"},
		}
		require.NoError(t, schema.ReserveUniqueValues(node))
	}

	// Other labels carrying the constrained property are untouched.
	city := &Node{
		ID:         "c1",
		Labels:     []string{"City"},
		Properties: map[string]any{"email": "a@example.com"},
	}
	require.NoError(t, schema.ReserveUniqueValues(city))
	again := &Node{
		ID:         "c2",
		Labels:     []string{"City"},
		Properties: map[string]any{"email": "a@example.com"},
	}
	require.NoError(t, schema.ReserveUniqueValues(again))
}

// int and float forms of the same number collide, matching property lookup.
func TestSchema_NumericPromotion(t *testing.T) {
	schema := NewSchema()
	schema.AddUniqueConstraint("Account", "number")

	intNode := &Node{
		ID:         "a1",
		Labels:     []string{"Account"},
		Properties: map[string]any{"number": int64(42)},
	}
	require.NoError(t, schema.ReserveUniqueValues(intNode))

	floatNode := &Node{
		ID:         "a2",
		Labels:     []string{"Account"},
		Properties: map[string]any{"number": float64(42)},
	}
	assert.ErrorIs(t, schema.ReserveUniqueValues(floatNode), ErrUniqueViolation)
}

func TestSchema_EdgeIdentityClaims(t *testing.T) {
	schema := NewSchema()

	knows := &Edge{
		ID: "e1", Type: "KNOWS", StartNode: "a", EndNode: "b",
		Properties: map[string]any{"since": int64(2020)},
	}
	require.NoError(t, schema.ReserveEdgeIdentity(knows))

	// Same edge re-reserving its own identity is fine.
	require.NoError(t, schema.ReserveEdgeIdentity(knows))

	dup := &Edge{
		ID: "e2", Type: "KNOWS", StartNode: "a", EndNode: "b",
		Properties: map[string]any{"since": int64(2020)},
	}
	err := schema.ReserveEdgeIdentity(dup)
	var conflict *EdgeConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, EdgeID("e1"), conflict.Owner)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// Any component of the identity makes it a different claim.
	require.NoError(t, schema.ReserveEdgeIdentity(&Edge{
		ID: "e3", Type: "LIKES", StartNode: "a", EndNode: "b",
		Properties: map[string]any{"since": int64(2020)},
	}))
	require.NoError(t, schema.ReserveEdgeIdentity(&Edge{
		ID: "e4", Type: "KNOWS", StartNode: "b", EndNode: "a",
		Properties: map[string]any{"since": int64(2020)},
	}))
	require.NoError(t, schema.ReserveEdgeIdentity(&Edge{
		ID: "e5", Type: "KNOWS", StartNode: "a", EndNode: "b",
		Properties: map[string]any{"since": int64(2021)},
	}))

	schema.ReleaseEdgeIdentity(knows)
	require.NoError(t, schema.ReserveEdgeIdentity(dup))
}

func TestSchema_SwapEdgeIdentity(t *testing.T) {
	schema := NewSchema()

	old := &Edge{ID: "e1", Type: "KNOWS", StartNode: "a", EndNode: "b",
		Properties: map[string]any{"since": int64(2020)}}
	taken := &Edge{ID: "e2", Type: "KNOWS", StartNode: "a", EndNode: "b",
		Properties: map[string]any{"since": int64(2021)}}
	require.NoError(t, schema.ReserveEdgeIdentity(old))
	require.NoError(t, schema.ReserveEdgeIdentity(taken))

	// Swapping into a taken identity fails and keeps the old claim.
	updated := &Edge{ID: "e1", Type: "KNOWS", StartNode: "a", EndNode: "b",
		Properties: map[string]any{"since": int64(2021)}}
	assert.ErrorIs(t, schema.SwapEdgeIdentity(old, updated), ErrAlreadyExists)

	stillOwned := &Edge{ID: "e3", Type: "KNOWS", StartNode: "a", EndNode: "b",
		Properties: map[string]any{"since": int64(2020)}}
	assert.ErrorIs(t, schema.ReserveEdgeIdentity(stillOwned), ErrAlreadyExists)

	// A swap to a free identity releases the old claim.
	free := &Edge{ID: "e1", Type: "KNOWS", StartNode: "a", EndNode: "b",
		Properties: map[string]any{"since": int64(2022)}}
	require.NoError(t, schema.SwapEdgeIdentity(old, free))
	require.NoError(t, schema.ReserveEdgeIdentity(stillOwned))
}

func TestSchema_SwapUniqueValues(t *testing.T) {
	schema := NewSchema()
	schema.AddUniqueConstraint("Person", "email")

	old := &Node{ID: "p1", Labels: []string{"Person"},
		Properties: map[string]any{"email": "a@example.com"}}
	other := &Node{ID: "p2", Labels: []string{"Person"},
		Properties: map[string]any{"email": "b@example.com"}}
	require.NoError(t, schema.ReserveUniqueValues(old))
	require.NoError(t, schema.ReserveUniqueValues(other))

	// Swapping into a taken value fails and restores the old claim.
	updated := &Node{ID: "p1", Labels: []string{"Person"},
		Properties: map[string]any{"email": "b@example.com"}}
	assert.ErrorIs(t, schema.SwapUniqueValues(old, updated), ErrUniqueViolation)

	intruder := &Node{ID: "p3", Labels: []string{"Person"},
		Properties: map[string]any{"email": "a@example.com"}}
	assert.ErrorIs(t, schema.ReserveUniqueValues(intruder), ErrUniqueViolation)

	// A swap to a free value releases the old one.
	moved := &Node{ID: "p1", Labels: []string{"Person"},
		Properties: map[string]any{"email": "c@example.com"}}
	require.NoError(t, schema.SwapUniqueValues(old, moved))
	require.NoError(t, schema.ReserveUniqueValues(intruder))
}

func TestValidateUniqueConstraint(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	require.NoError(t, engine.CreateNode(newPerson("p1", "alice")))
	require.NoError(t, engine.CreateNode(newPerson("p2", "bob")))
	require.NoError(t, engine.CreateNode(&Node{
		ID:         "p3",
		Labels:     []string{"Person"},
		Properties: map[string]any{},
	}))

	assert.NoError(t, ValidateUniqueConstraint(engine, "Person", "name"))

	require.NoError(t, engine.CreateNode(newPerson("p4", "alice")))
	err := ValidateUniqueConstraint(engine, "Person", "name")
	assert.ErrorIs(t, err, ErrUniqueViolation)
}
