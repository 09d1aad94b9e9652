package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Evaluate walks the AST over a materialised JSON document. It is used for
// PATCH value-selectors and wherever search results must be filtered without
// touching the store. And/or short-circuit.
func Evaluate(e Expr, doc map[string]any) (bool, error) {
	switch n := e.(type) {
	case *And:
		for _, sub := range n.Exprs {
			ok, err := Evaluate(sub, doc)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case *Or:
		for _, sub := range n.Exprs {
			ok, err := Evaluate(sub, doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case *Not:
		ok, err := Evaluate(n.Expr, doc)
		return !ok, err
	case *Present:
		return isPresent(resolveAttr(doc, n.Attr)), nil
	case *Compare:
		return evalCompare(resolveAttr(doc, n.Attr), n)
	case *ValuePath:
		arr, ok := resolveAttr(doc, n.Attr).([]any)
		if !ok {
			return false, nil
		}
		for _, el := range arr {
			m, ok := el.(map[string]any)
			if !ok {
				continue
			}
			match, err := Evaluate(n.Filter, m)
			if err != nil {
				return false, err
			}
			if match {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown filter node %T", e)
	}
}

// Lookup returns a document value by case-insensitive key.
func Lookup(doc map[string]any, key string) (any, bool) {
	if v, ok := doc[key]; ok {
		return v, true
	}
	for k, v := range doc {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// resolveAttr resolves an attribute path against a document. Paths through
// an array fan out to the list of element leaf values.
func resolveAttr(doc map[string]any, attr AttrPath) any {
	scope := any(doc)
	if attr.URN != "" && !isCoreURN(attr.URN) {
		ext, ok := Lookup(doc, attr.URN)
		if !ok {
			return nil
		}
		scope = ext
	}
	m, ok := scope.(map[string]any)
	if !ok {
		return nil
	}
	v, ok := Lookup(m, attr.Name)
	if !ok {
		return nil
	}
	if attr.Sub == "" {
		return v
	}
	return descend(v, strings.Split(attr.Sub, "."))
}

func descend(v any, segs []string) any {
	for i, seg := range segs {
		switch cur := v.(type) {
		case map[string]any:
			nv, ok := Lookup(cur, seg)
			if !ok {
				return nil
			}
			v = nv
		case []any:
			var leaves []any
			for _, el := range cur {
				if leaf := descend(el, segs[i:]); leaf != nil {
					leaves = append(leaves, leaf)
				}
			}
			return leaves
		default:
			return nil
		}
	}
	return v
}

func isCoreURN(urn string) bool {
	u := strings.ToLower(urn)
	return u == "urn:ietf:params:scim:schemas:core:2.0:user" ||
		u == "urn:ietf:params:scim:schemas:core:2.0:group"
}

func isPresent(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// CaseExactAttr reports whether an attribute compares case-exactly:
// identifiers, URLs, and certificate material.
func CaseExactAttr(attr AttrPath) bool {
	name := strings.ToLower(attr.Name)
	sub := strings.ToLower(attr.Sub)
	if name == "id" || name == "externalid" || name == "$ref" || sub == "$ref" {
		return true
	}
	if strings.Contains(name, "x509") {
		return true
	}
	if name == "profileurl" || sub == "location" || name == "location" {
		return true
	}
	if name == "photos" && sub == "value" {
		return true
	}
	return false
}

func evalCompare(v any, c *Compare) (bool, error) {
	// Fan out over arrays: the comparison holds if any element holds.
	if arr, ok := v.([]any); ok {
		for _, el := range arr {
			ok, err := evalCompare(el, c)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	caseExact := CaseExactAttr(c.Attr)

	switch lit := c.Value.(type) {
	case nil:
		switch c.Op {
		case OpEq:
			return v == nil, nil
		case OpNe:
			return v != nil, nil
		default:
			return false, fmt.Errorf("operator %s not valid for null", c.Op)
		}
	case bool:
		b, ok := toBool(v)
		if !ok {
			return false, nil
		}
		switch c.Op {
		case OpEq:
			return b == lit, nil
		case OpNe:
			return b != lit, nil
		default:
			return false, fmt.Errorf("operator %s not valid for booleans", c.Op)
		}
	case float64:
		n, ok := toNumber(v)
		if !ok {
			return false, nil
		}
		return compareOrdered(c.Op, n, lit)
	case string:
		s, ok := toString(v)
		if !ok {
			return false, nil
		}
		return compareStrings(c.Op, s, lit, caseExact)
	default:
		return false, fmt.Errorf("unsupported literal %T", c.Value)
	}
}

func compareStrings(op Op, s, lit string, caseExact bool) (bool, error) {
	// Relational operators on strings compare numerically when both sides
	// parse as numbers, lexically otherwise.
	switch op {
	case OpGt, OpGe, OpLt, OpLe:
		if a, errA := strconv.ParseFloat(s, 64); errA == nil {
			if b, errB := strconv.ParseFloat(lit, 64); errB == nil {
				return compareOrdered(op, a, b)
			}
		}
	}
	a, b := s, lit
	if !caseExact {
		a, b = strings.ToLower(s), strings.ToLower(lit)
	}
	switch op {
	case OpEq:
		return a == b, nil
	case OpNe:
		return a != b, nil
	case OpCo:
		return strings.Contains(a, b), nil
	case OpSw:
		return strings.HasPrefix(a, b), nil
	case OpEw:
		return strings.HasSuffix(a, b), nil
	case OpGt:
		return a > b, nil
	case OpGe:
		return a >= b, nil
	case OpLt:
		return a < b, nil
	case OpLe:
		return a <= b, nil
	default:
		return false, fmt.Errorf("unknown operator %s", op)
	}
}

func compareOrdered(op Op, a, b float64) (bool, error) {
	switch op {
	case OpEq:
		return a == b, nil
	case OpNe:
		return a != b, nil
	case OpGt:
		return a > b, nil
	case OpGe:
		return a >= b, nil
	case OpLt:
		return a < b, nil
	case OpLe:
		return a <= b, nil
	case OpCo, OpSw, OpEw:
		as := strconv.FormatFloat(a, 'f', -1, 64)
		bs := strconv.FormatFloat(b, 'f', -1, 64)
		return compareStrings(op, as, bs, true)
	default:
		return false, fmt.Errorf("unknown operator %s", op)
	}
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.ToLower(t))
		return b, err == nil
	default:
		return false, false
	}
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func toString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
