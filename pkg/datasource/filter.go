package datasource

import (
	"fmt"
	"strconv"
	"time"

	"github.com/geoforge/tilerd/pkg/utils"
	"github.com/geoforge/tilerd/pkg/utils/rfctime"
)

// filterReferences walks a maplibre-style filter expression and collects
// the property names it references.
//
// Comparison and membership operations treat their first operand as a
// property reference; everywhere else a property must be spelled as
// ["get", name]. geomField references are not reported, spatial
// predicates address the geometry column implicitly.
func filterReferences(filter []interface{}, geomField string) ([]string, error) {
	refs := map[string]bool{}
	if err := walkFilter(filter, refs); err != nil {
		return nil, err
	}
	delete(refs, geomField)
	return utils.Sorted(utils.KeysOf(refs), func(a, b string) bool { return a < b }), nil
}

func walkFilter(node []interface{}, refs map[string]bool) error {
	if len(node) == 0 {
		return fmt.Errorf("empty expression")
	}
	op, ok := node[0].(string)
	if !ok {
		return fmt.Errorf("expression operation must be a string, got %v", node[0])
	}
	args := node[1:]

	switch op {
	case "all", "any":
		return walkOperands(args, refs)

	case "!":
		if len(args) < 1 {
			return fmt.Errorf("operation '!' requires an operand")
		}
		return walkOperands(args, refs)

	case "==", "!=", "<", "<=", ">", ">=":
		if len(args) < 2 {
			return fmt.Errorf("operation '%s' requires two operands", op)
		}
		if !isGeometryType(args[0]) {
			if err := walkReference(args[0], refs); err != nil {
				return err
			}
		}
		return walkOperands(args[1:], refs)

	case "like":
		// the matched value stays literal unless spelled as ["get", name]
		if len(args) < 2 {
			return fmt.Errorf("operation 'like' requires a value and a pattern")
		}
		return walkOperands(args, refs)

	case "in", "!in", "has", "!has":
		if len(args) < 1 {
			return fmt.Errorf("operation '%s' requires a property", op)
		}
		if err := walkReference(args[0], refs); err != nil {
			return err
		}
		return walkOperands(args[1:], refs)

	case "get":
		if len(args) < 1 {
			return fmt.Errorf("operation 'get' requires a property name")
		}
		return walkReference(args[0], refs)

	case "intersects", "within":
		if len(args) < 2 {
			return fmt.Errorf("operation '%s' requires two operands", op)
		}
		return walkOperands(args[:2], refs)

	case "before", "after", "during":
		if len(args) < 2 || len(args) > 3 {
			return fmt.Errorf("operation '%s' requires two or three operands", op)
		}
		for _, arg := range args {
			switch v := arg.(type) {
			case string:
				if _, err := parseFilterTime(v); err != nil {
					return err
				}
			case []interface{}:
				if err := walkFilter(v, refs); err != nil {
					return err
				}
			}
		}
		return nil

	case "array", "boolean", "number", "string", "literal",
		"to-boolean", "to-number", "to-string":
		if len(args) < 1 {
			return fmt.Errorf("operation '%s' requires an operand", op)
		}
		return walkOperands(args[:1], refs)

	case "bbox":
		// evaluated against the tile envelope, nothing to resolve
		return nil

	case "+", "-", "*", "/":
		if len(args) < 2 {
			return fmt.Errorf("operation '%s' requires two operands", op)
		}
		return walkOperands(args[:2], refs)

	case "%", "^", "floor", "ceil", "abs", "min", "max":
		if len(args) < 1 {
			return fmt.Errorf("operation '%s' requires an operand", op)
		}
		return walkOperands(args, refs)

	default:
		return fmt.Errorf("unknown expression operation '%s'", op)
	}
}

// walkOperands recurses into nested expressions. Scalar operands are
// literal values, not references.
func walkOperands(args []interface{}, refs map[string]bool) error {
	for _, arg := range args {
		if sub, ok := arg.([]interface{}); ok {
			if err := walkFilter(sub, refs); err != nil {
				return err
			}
		}
	}
	return nil
}

// walkReference records a scalar operand as a property reference, or
// recurses when the operand is itself an expression.
func walkReference(arg interface{}, refs map[string]bool) error {
	switch v := arg.(type) {
	case []interface{}:
		return walkFilter(v, refs)
	case string:
		refs[v] = true
	case float64:
		refs[strconv.FormatFloat(v, 'f', -1, 64)] = true
	default:
		return fmt.Errorf("expression operand %v cannot name a property", v)
	}
	return nil
}

// isGeometryType reports whether the operand addresses the feature
// geometry kind, "$type" or ["geometry-type"], rather than a column.
func isGeometryType(arg interface{}) bool {
	if s, ok := arg.(string); ok {
		return s == "$type"
	}
	if l, ok := arg.([]interface{}); ok {
		return len(l) == 1 && l[0] == "geometry-type"
	}
	return false
}

var filterTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseFilterTime(s string) (time.Time, error) {
	t, _, err := rfctime.ParseMultipleFormats(s, filterTimeLayouts...)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid datetime '%s'", s)
	}
	return t.Time(), nil
}
