package eval

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graft/pkg/storage"
)

// mapBindings is a test Bindings over a plain map.
type mapBindings map[string]any

func (m mapBindings) Get(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

func TestLiteral(t *testing.T) {
	val, err := Literal{Value: int64(42)}.Eval(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), val)

	assert.Equal(t, `"hi"`, Literal{Value: "hi"}.String())
	assert.Equal(t, "42", Literal{Value: int64(42)}.String())
}

func TestVariable(t *testing.T) {
	b := mapBindings{"x": int64(7)}

	val, err := Variable{Name: "x"}.Eval(b)
	require.NoError(t, err)
	assert.Equal(t, int64(7), val)

	_, err = Variable{Name: "missing"}.Eval(b)
	assert.ErrorIs(t, err, ErrUnknownVariable)
}

func TestProperty(t *testing.T) {
	node := &storage.Node{ID: "n1", Properties: map[string]any{"name": "alice"}}
	edge := &storage.Edge{ID: "e1", Properties: map[string]any{"since": int64(2020)}}
	b := mapBindings{
		"n":   node,
		"r":   edge,
		"m":   map[string]any{"k": "v"},
		"num": int64(5),
	}

	val, err := Property{Var: "n", Name: "name"}.Eval(b)
	require.NoError(t, err)
	assert.Equal(t, "alice", val)

	val, err = Property{Var: "r", Name: "since"}.Eval(b)
	require.NoError(t, err)
	assert.Equal(t, int64(2020), val)

	val, err = Property{Var: "m", Name: "k"}.Eval(b)
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	// Missing property is NULL, not an error.
	val, err = Property{Var: "n", Name: "ghost"}.Eval(b)
	require.NoError(t, err)
	assert.Nil(t, val)

	_, err = Property{Var: "gone", Name: "x"}.Eval(b)
	assert.ErrorIs(t, err, ErrUnknownVariable)

	_, err = Property{Var: "num", Name: "x"}.Eval(b)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestBinary_Arithmetic(t *testing.T) {
	lit := func(v any) Expr { return Literal{Value: v} }

	tests := []struct {
		name  string
		expr  Binary
		want  any
		isErr error
	}{
		{"int add", Binary{Op: "+", Left: lit(int64(2)), Right: lit(int64(3))}, int64(5), nil},
		{"int sub", Binary{Op: "-", Left: lit(int64(2)), Right: lit(int64(3))}, int64(-1), nil},
		{"int mul", Binary{Op: "*", Left: lit(int64(4)), Right: lit(int64(3))}, int64(12), nil},
		{"int div", Binary{Op: "/", Left: lit(int64(7)), Right: lit(int64(2))}, int64(3), nil},
		{"int mod", Binary{Op: "%", Left: lit(int64(7)), Right: lit(int64(2))}, int64(1), nil},
		{"mixed promotes to float", Binary{Op: "+", Left: lit(int64(1)), Right: lit(0.5)}, 1.5, nil},
		{"float div", Binary{Op: "/", Left: lit(1.0), Right: lit(4.0)}, 0.25, nil},
		{"int div by zero", Binary{Op: "/", Left: lit(int64(1)), Right: lit(int64(0))}, nil, ErrDivisionByZero},
		{"mod by zero", Binary{Op: "%", Left: lit(int64(1)), Right: lit(int64(0))}, nil, ErrDivisionByZero},
		{"float div by zero", Binary{Op: "/", Left: lit(1.0), Right: lit(0.0)}, nil, ErrDivisionByZero},
		{"bool arithmetic", Binary{Op: "+", Left: lit(true), Right: lit(int64(1))}, nil, ErrTypeMismatch},
		{"unknown op", Binary{Op: "^", Left: lit(int64(1)), Right: lit(int64(2))}, nil, ErrTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, err := tt.expr.Eval(nil)
			if tt.isErr != nil {
				assert.ErrorIs(t, err, tt.isErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, val)
		})
	}
}

func TestBinary_StringConcat(t *testing.T) {
	lit := func(v any) Expr { return Literal{Value: v} }

	val, err := Binary{Op: "+", Left: lit("a"), Right: lit("b")}.Eval(nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", val)

	val, err = Binary{Op: "+", Left: lit("n"), Right: lit(int64(1))}.Eval(nil)
	require.NoError(t, err)
	assert.Equal(t, "n1", val)

	val, err = Binary{Op: "+", Left: lit(int64(1)), Right: lit("n")}.Eval(nil)
	require.NoError(t, err)
	assert.Equal(t, "1n", val)
}

func TestBinary_NullPropagation(t *testing.T) {
	lit := func(v any) Expr { return Literal{Value: v} }

	for _, expr := range []Binary{
		{Op: "+", Left: lit(nil), Right: lit(int64(1))},
		{Op: "*", Left: lit(int64(1)), Right: lit(nil)},
		{Op: "+", Left: lit(nil), Right: lit("s")},
	} {
		val, err := expr.Eval(nil)
		require.NoError(t, err)
		assert.Nil(t, val)
	}
}

func TestBinary_String(t *testing.T) {
	expr := Binary{
		Op:    "+",
		Left:  Property{Var: "n", Name: "count"},
		Right: Literal{Value: int64(1)},
	}
	assert.Equal(t, "n.count + 1", expr.String())
}

func TestCall_Temporal(t *testing.T) {
	before := time.Now().UnixMilli()
	val, err := Call{Name: "timestamp"}.Eval(nil)
	require.NoError(t, err)
	ts, ok := val.(int64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, ts, before)
	assert.LessOrEqual(t, ts, time.Now().UnixMilli())

	val, err = Call{Name: "datetime"}.Eval(nil)
	require.NoError(t, err)
	_, perr := time.Parse(time.RFC3339, val.(string))
	assert.NoError(t, perr)
}

func TestCall_RandomUUID(t *testing.T) {
	first, err := Call{Name: "randomUUID"}.Eval(nil)
	require.NoError(t, err)
	second, err := Call{Name: "randomUUID"}.Eval(nil)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	_, perr := uuid.Parse(first.(string))
	assert.NoError(t, perr)
}

func TestCall_Coalesce(t *testing.T) {
	lit := func(v any) Expr { return Literal{Value: v} }

	val, err := Call{Name: "coalesce", Args: []Expr{lit(nil), lit(nil), lit("x"), lit("y")}}.Eval(nil)
	require.NoError(t, err)
	assert.Equal(t, "x", val)

	val, err = Call{Name: "coalesce", Args: []Expr{lit(nil)}}.Eval(nil)
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestCall_Strings(t *testing.T) {
	lit := func(v any) Expr { return Literal{Value: v} }

	val, err := Call{Name: "toString", Args: []Expr{lit(int64(42))}}.Eval(nil)
	require.NoError(t, err)
	assert.Equal(t, "42", val)

	val, err = Call{Name: "toLower", Args: []Expr{lit("ABC")}}.Eval(nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", val)

	val, err = Call{Name: "toUpper", Args: []Expr{lit("abc")}}.Eval(nil)
	require.NoError(t, err)
	assert.Equal(t, "ABC", val)

	// NULL in, NULL out.
	val, err = Call{Name: "toUpper", Args: []Expr{lit(nil)}}.Eval(nil)
	require.NoError(t, err)
	assert.Nil(t, val)

	_, err = Call{Name: "toLower", Args: []Expr{lit(int64(1))}}.Eval(nil)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = Call{Name: "toLower", Args: []Expr{lit("a"), lit("b")}}.Eval(nil)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestCall_Unknown(t *testing.T) {
	_, err := Call{Name: "explode"}.Eval(nil)
	assert.ErrorIs(t, err, ErrUnknownFunction)
}

func TestCall_String(t *testing.T) {
	call := Call{Name: "coalesce", Args: []Expr{
		Property{Var: "n", Name: "x"},
		Literal{Value: int64(0)},
	}}
	assert.Equal(t, "coalesce(n.x, 0)", call.String())
}
