package eval

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Call invokes a built-in function.
//
// Supported functions (case-insensitive, Neo4j-compatible):
//   - timestamp()        milliseconds since epoch
//   - datetime()         current time as RFC 3339
//   - randomUUID()       random v4 UUID string
//   - coalesce(a, b, …)  first non-null argument
//   - toString(x)        string form of x
//   - toLower(s) / toUpper(s)
type Call struct {
	Name string
	Args []Expr
}

func (c Call) Eval(b Bindings) (any, error) {
	switch strings.ToLower(c.Name) {
	case "timestamp":
		return time.Now().UnixMilli(), nil

	case "datetime":
		return time.Now().Format(time.RFC3339), nil

	case "randomuuid":
		return uuid.NewString(), nil

	case "coalesce":
		for _, arg := range c.Args {
			val, err := arg.Eval(b)
			if err != nil {
				return nil, err
			}
			if val != nil {
				return val, nil
			}
		}
		return nil, nil

	case "tostring":
		val, err := c.singleArg(b)
		if err != nil {
			return nil, err
		}
		if val == nil {
			return nil, nil
		}
		return stringify(val), nil

	case "tolower":
		return c.stringArg(b, strings.ToLower)

	case "toupper":
		return c.stringArg(b, strings.ToUpper)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, c.Name)
	}
}

func (c Call) singleArg(b Bindings) (any, error) {
	if len(c.Args) != 1 {
		return nil, fmt.Errorf("%w: %s takes exactly one argument", ErrTypeMismatch, c.Name)
	}
	return c.Args[0].Eval(b)
}

func (c Call) stringArg(b Bindings, apply func(string) string) (any, error) {
	val, err := c.singleArg(b)
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, nil
	}
	s, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects a string, got %s", ErrTypeMismatch, c.Name, typeName(val))
	}
	return apply(s), nil
}

func (c Call) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return c.Name + "(" + strings.Join(args, ", ") + ")"
}
