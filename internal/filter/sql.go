package filter

import (
	"fmt"
	"strings"
)

// Dialect selects the JSON extraction syntax of the backing store.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// UnknownAttrError marks a filter referencing an attribute the resource
// schema does not define. Handlers map it to scimType=invalidFilter.
type UnknownAttrError struct{ Attr string }

func (e *UnknownAttrError) Error() string {
	return fmt.Sprintf("unknown attribute %q in filter", e.Attr)
}

// SQLTranslator lowers a filter AST to a parameterised SQL predicate over
// the resource table. Placeholders are emitted as ?; callers rebind for the
// target driver.
type SQLTranslator struct {
	rt      ResourceType
	dialect Dialect
}

func NewSQLTranslator(rt ResourceType, d Dialect) *SQLTranslator {
	return &SQLTranslator{rt: rt, dialect: d}
}

// Translate renders the predicate and its ordered arguments.
func (t *SQLTranslator) Translate(e Expr) (string, []any, error) {
	st := &sqlState{tr: t}
	clause, err := st.expr(e)
	if err != nil {
		return "", nil, err
	}
	return clause, st.args, nil
}

// OrderBy renders an ORDER BY term for a sort attribute. Case-insensitive
// string attributes sort on their lowered form.
func (t *SQLTranslator) OrderBy(spec SortSpec) (string, error) {
	meta, ok := LookupAttr(t.rt, spec.By)
	if !ok {
		return "", &UnknownAttrError{Attr: spec.By.String()}
	}
	var expr string
	switch {
	case meta.IsColumn() && meta.Type == TypeString && !meta.CaseExact:
		expr = "LOWER(" + meta.Column + ")"
	case meta.IsColumn():
		expr = meta.Column
	case meta.MultiValued:
		return "", fmt.Errorf("cannot sort by multi-valued attribute %q", spec.By.String())
	default:
		expr = t.jsonText(meta.JSONPath)
		if meta.Type == TypeString && !meta.CaseExact {
			expr = "LOWER(" + expr + ")"
		}
	}
	dir := "ASC"
	if spec.Descending {
		dir = "DESC"
	}
	return expr + " " + dir, nil
}

func (t *SQLTranslator) jsonText(path []string) string {
	switch t.dialect {
	case Postgres:
		return "data #>> '{" + strings.Join(path, ",") + "}'"
	default:
		return "json_extract(data, '$." + strings.Join(path, ".") + "')"
	}
}

type sqlState struct {
	tr   *SQLTranslator
	args []any
	elem int // EXISTS alias counter
}

func (s *sqlState) expr(e Expr) (string, error) {
	switch n := e.(type) {
	case *And:
		return s.joinLogical(n.Exprs, " AND ")
	case *Or:
		return s.joinLogical(n.Exprs, " OR ")
	case *Not:
		inner, err := s.expr(n.Expr)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case *Present:
		return s.present(n.Attr)
	case *Compare:
		return s.compare(n)
	case *ValuePath:
		return s.valuePath(n)
	default:
		return "", fmt.Errorf("unknown filter node %T", e)
	}
}

func (s *sqlState) joinLogical(exprs []Expr, sep string) (string, error) {
	parts := make([]string, 0, len(exprs))
	for _, sub := range exprs {
		clause, err := s.expr(sub)
		if err != nil {
			return "", err
		}
		parts = append(parts, clause)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func (s *sqlState) meta(attr AttrPath) (AttrMeta, error) {
	m, ok := LookupAttr(s.tr.rt, attr)
	if !ok {
		return AttrMeta{}, &UnknownAttrError{Attr: attr.String()}
	}
	return m, nil
}

func (s *sqlState) present(attr AttrPath) (string, error) {
	meta, err := s.meta(attr)
	if err != nil {
		return "", err
	}
	switch {
	case meta.IsColumn() && meta.Type == TypeString:
		return "(" + meta.Column + " IS NOT NULL AND " + meta.Column + " <> '')", nil
	case meta.IsColumn():
		return meta.Column + " IS NOT NULL", nil
	case meta.MultiValued && len(meta.JSONPath) == meta.ArrayDepth:
		root := meta.JSONPath[:meta.ArrayDepth]
		if s.tr.dialect == Postgres {
			sel := "data->'" + strings.Join(root, "'->'") + "'"
			return "(jsonb_typeof(" + sel + ") = 'array' AND jsonb_array_length(" + sel + ") > 0)", nil
		}
		return "COALESCE(json_array_length(data, '$." + strings.Join(root, ".") + "'), 0) > 0", nil
	case meta.MultiValued:
		return s.existsOverArray(meta.JSONPath[:meta.ArrayDepth], func(elemExpr func([]string) string) (string, error) {
			leaf := elemExpr(meta.JSONPath[meta.ArrayDepth:])
			return leaf + " IS NOT NULL", nil
		})
	default:
		return s.tr.jsonText(meta.JSONPath) + " IS NOT NULL", nil
	}
}

func (s *sqlState) compare(c *Compare) (string, error) {
	meta, err := s.meta(c.Attr)
	if err != nil {
		return "", err
	}
	if meta.MultiValued {
		return s.existsOverArray(meta.JSONPath[:meta.ArrayDepth], func(elemExpr func([]string) string) (string, error) {
			leaf := elemExpr(meta.JSONPath[meta.ArrayDepth:])
			return s.scalarCompare(leaf, meta, c, true)
		})
	}
	var lhs string
	if meta.IsColumn() {
		lhs = meta.Column
	} else {
		lhs = s.tr.jsonText(meta.JSONPath)
	}
	return s.scalarCompare(lhs, meta, c, !meta.IsColumn())
}

// scalarCompare renders `lhs op literal` for one scalar expression. fromJSON
// marks lhs as a JSON text extraction needing casts for non-string types.
func (s *sqlState) scalarCompare(lhs string, meta AttrMeta, c *Compare, fromJSON bool) (string, error) {
	if c.Value == nil {
		switch c.Op {
		case OpEq:
			return lhs + " IS NULL", nil
		case OpNe:
			return lhs + " IS NOT NULL", nil
		default:
			return "", fmt.Errorf("operator %s not valid for null", c.Op)
		}
	}

	sqlOp, ok := map[Op]string{
		OpEq: "=", OpNe: "<>", OpGt: ">", OpGe: ">=", OpLt: "<", OpLe: "<=",
	}[c.Op]

	switch meta.Type {
	case TypeBool:
		b, isBool := toBool(c.Value)
		if !isBool {
			return "", fmt.Errorf("attribute %q expects a boolean", c.Attr.String())
		}
		if c.Op != OpEq && c.Op != OpNe {
			return "", fmt.Errorf("operator %s not valid for booleans", c.Op)
		}
		if fromJSON {
			if s.tr.dialect == Postgres {
				return lhs + " " + sqlOp + " " + s.arg(fmt.Sprintf("%t", b)), nil
			}
			n := 0
			if b {
				n = 1
			}
			return lhs + " " + sqlOp + " " + s.arg(n), nil
		}
		return lhs + " " + sqlOp + " " + s.arg(b), nil

	case TypeNumber:
		n, isNum := toNumber(c.Value)
		if !isNum {
			return "", fmt.Errorf("attribute %q expects a number", c.Attr.String())
		}
		if !ok {
			return "", fmt.Errorf("operator %s not valid for numbers", c.Op)
		}
		if fromJSON {
			lhs = s.castNumeric(lhs)
		}
		return lhs + " " + sqlOp + " " + s.arg(n), nil

	case TypeDateTime:
		lit, isStr := c.Value.(string)
		if !isStr {
			return "", fmt.Errorf("attribute %q expects a datetime string", c.Attr.String())
		}
		if !ok {
			return "", fmt.Errorf("operator %s not valid for datetimes", c.Op)
		}
		rhs := s.arg(lit)
		if !fromJSON && s.tr.dialect == Postgres {
			rhs = "CAST(" + rhs + " AS timestamptz)"
		}
		return lhs + " " + sqlOp + " " + rhs, nil

	default: // string
		lit, isStr := toString(c.Value)
		if !isStr {
			return "", fmt.Errorf("attribute %q expects a string", c.Attr.String())
		}
		caseExact := meta.CaseExact
		switch c.Op {
		case OpCo, OpSw, OpEw:
			pattern := escapeLike(lit)
			switch c.Op {
			case OpCo:
				pattern = "%" + pattern + "%"
			case OpSw:
				pattern = pattern + "%"
			case OpEw:
				pattern = "%" + pattern
			}
			if caseExact {
				return lhs + " LIKE " + s.arg(pattern) + " ESCAPE '\\'", nil
			}
			return "LOWER(" + lhs + ") LIKE " + s.arg(strings.ToLower(pattern)) + " ESCAPE '\\'", nil
		case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe:
			if caseExact {
				return lhs + " " + sqlOp + " " + s.arg(lit), nil
			}
			return "LOWER(" + lhs + ") " + sqlOp + " LOWER(" + s.arg(lit) + ")", nil
		default:
			return "", fmt.Errorf("unknown operator %s", c.Op)
		}
	}
}

// valuePath renders `attr[filter]` as an existential over the JSON array.
func (s *sqlState) valuePath(vp *ValuePath) (string, error) {
	meta, err := s.meta(vp.Attr)
	if err != nil {
		return "", err
	}
	if !meta.MultiValued || meta.IsColumn() {
		return "", fmt.Errorf("attribute %q is not multi-valued", vp.Attr.String())
	}
	root := meta.JSONPath[:meta.ArrayDepth]
	return s.existsOverArray(root, func(elemExpr func([]string) string) (string, error) {
		return s.elementFilter(vp, elemExpr)
	})
}

func (s *sqlState) elementFilter(vp *ValuePath, elemExpr func([]string) string) (string, error) {
	return s.innerExpr(vp.Attr, vp.Filter, elemExpr)
}

func (s *sqlState) innerExpr(parent AttrPath, e Expr, elemExpr func([]string) string) (string, error) {
	switch n := e.(type) {
	case *And:
		parts := make([]string, 0, len(n.Exprs))
		for _, sub := range n.Exprs {
			p, err := s.innerExpr(parent, sub, elemExpr)
			if err != nil {
				return "", err
			}
			parts = append(parts, p)
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	case *Or:
		parts := make([]string, 0, len(n.Exprs))
		for _, sub := range n.Exprs {
			p, err := s.innerExpr(parent, sub, elemExpr)
			if err != nil {
				return "", err
			}
			parts = append(parts, p)
		}
		return "(" + strings.Join(parts, " OR ") + ")", nil
	case *Not:
		inner, err := s.innerExpr(parent, n.Expr, elemExpr)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case *Present:
		return elemExpr(splitSub(n.Attr)) + " IS NOT NULL", nil
	case *Compare:
		segs := splitSub(n.Attr)
		qualified := AttrPath{Name: parent.Name, Sub: strings.Join(segs, ".")}
		meta, found := LookupAttr(s.tr.rt, qualified)
		if !found {
			meta = AttrMeta{CaseExact: CaseExactAttr(n.Attr)}
		}
		return s.scalarCompare(elemExpr(segs), meta, n, true)
	default:
		return "", fmt.Errorf("unsupported expression inside value path")
	}
}

func splitSub(a AttrPath) []string {
	segs := []string{a.Name}
	if a.Sub != "" {
		segs = append(segs, strings.Split(a.Sub, ".")...)
	}
	return segs
}

// existsOverArray builds an EXISTS subquery iterating the JSON array at
// root. The callback receives a function rendering an element field access.
func (s *sqlState) existsOverArray(root []string, body func(elemExpr func([]string) string) (string, error)) (string, error) {
	s.elem++
	alias := fmt.Sprintf("e%d", s.elem)
	var from string
	var elemExpr func([]string) string
	if s.tr.dialect == Postgres {
		from = "jsonb_array_elements(data->'" + strings.Join(root, "'->'") + "') AS " + alias + "(item)"
		elemExpr = func(segs []string) string {
			if len(segs) == 0 {
				return alias + ".item #>> '{}'"
			}
			return alias + ".item #>> '{" + strings.Join(segs, ",") + "}'"
		}
	} else {
		from = "json_each(data, '$." + strings.Join(root, ".") + "') AS " + alias
		elemExpr = func(segs []string) string {
			if len(segs) == 0 {
				return alias + ".value"
			}
			return "json_extract(" + alias + ".value, '$." + strings.Join(segs, ".") + "')"
		}
	}
	inner, err := body(elemExpr)
	if err != nil {
		return "", err
	}
	return "EXISTS (SELECT 1 FROM " + from + " WHERE " + inner + ")", nil
}

func (s *sqlState) castNumeric(expr string) string {
	if s.tr.dialect == Postgres {
		return "(" + expr + ")::numeric"
	}
	return "CAST(" + expr + " AS REAL)"
}

func (s *sqlState) arg(v any) string {
	s.args = append(s.args, v)
	return "?"
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
