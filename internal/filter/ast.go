// Package filter implements the SCIM 2.0 filter grammar (RFC 7644 §3.4.2.2):
// a parser producing a small AST, an in-memory evaluator over JSON documents,
// and a translator lowering the AST to a parameterised SQL predicate.
package filter

import "strings"

// Op is a SCIM comparison operator.
type Op string

const (
	OpEq Op = "eq"
	OpNe Op = "ne"
	OpCo Op = "co"
	OpSw Op = "sw"
	OpEw Op = "ew"
	OpGt Op = "gt"
	OpGe Op = "ge"
	OpLt Op = "lt"
	OpLe Op = "le"
)

// AttrPath addresses an attribute, optionally qualified by a schema URN and
// optionally dotted down to a sub-attribute.
type AttrPath struct {
	URN  string
	Name string
	Sub  string
}

// String reassembles the path in its wire form.
func (a AttrPath) String() string {
	var b strings.Builder
	if a.URN != "" {
		b.WriteString(a.URN)
		b.WriteByte(':')
	}
	b.WriteString(a.Name)
	if a.Sub != "" {
		b.WriteByte('.')
		b.WriteString(a.Sub)
	}
	return b.String()
}

// Key returns the lowercase name[.sub] form used for metadata lookup.
func (a AttrPath) Key() string {
	if a.Sub != "" {
		return strings.ToLower(a.Name + "." + a.Sub)
	}
	return strings.ToLower(a.Name)
}

// Expr is a node of the filter AST. Exactly the six variants below exist;
// both executors switch over them.
type Expr interface{ isExpr() }

// And is a conjunction of two or more sub-expressions.
type And struct{ Exprs []Expr }

// Or is a disjunction of two or more sub-expressions.
type Or struct{ Exprs []Expr }

// Not negates its operand.
type Not struct{ Expr Expr }

// Compare is `attrPath op value`. Value is one of string, float64, bool, nil.
type Compare struct {
	Attr  AttrPath
	Op    Op
	Value any
}

// Present is `attrPath pr`.
type Present struct{ Attr AttrPath }

// ValuePath is `attrPath[filter]`, selecting elements of a multi-valued
// attribute with the inner filter.
type ValuePath struct {
	Attr   AttrPath
	Filter Expr
}

func (*And) isExpr()       {}
func (*Or) isExpr()        {}
func (*Not) isExpr()       {}
func (*Compare) isExpr()   {}
func (*Present) isExpr()   {}
func (*ValuePath) isExpr() {}
