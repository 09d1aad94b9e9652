package resource

import "strings"

// alwaysReturned attributes survive any projection; excludedAttributes
// cannot remove them.
var alwaysReturned = []string{"id", "schemas", "meta"}

// ParseAttrList splits a comma-separated attributes parameter into trimmed
// dotted paths. Schema URN prefixes are dropped; attribute matching is
// case-insensitive downstream.
func ParseAttrList(param string) []string {
	if strings.TrimSpace(param) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(param, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		if i := strings.LastIndex(p, ":"); i >= 0 {
			p = p[i+1:]
		}
		out = append(out, p)
	}
	return out
}

// Project applies the attributes / excludedAttributes parameters to a
// document: inclusion first (when given), then exclusion. Server-owned
// attributes are always returned. The input is not modified.
func Project(d Document, attributes, excluded []string) Document {
	out := d.Clone()
	if len(attributes) > 0 {
		tree := buildTree(append(attributes, alwaysReturned...))
		out = includeTree(out, tree)
	}
	if len(excluded) > 0 {
		for _, path := range excluded {
			segs := strings.Split(strings.ToLower(path), ".")
			// Server-owned attributes cannot be excluded, not even by a
			// dotted path into them.
			if isAlwaysReturned(segs[0]) {
				continue
			}
			excludePath(out, segs)
		}
	}
	return out
}

func isAlwaysReturned(name string) bool {
	for _, a := range alwaysReturned {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}

// node is one level of the inclusion tree. A nil children map means the
// whole subtree is included.
type node struct {
	children map[string]*node
}

func buildTree(paths []string) *node {
	root := &node{children: map[string]*node{}}
	for _, path := range paths {
		segs := strings.Split(strings.ToLower(path), ".")
		cur := root
		for i, seg := range segs {
			if cur.children == nil {
				break // an ancestor already includes everything below
			}
			child, ok := cur.children[seg]
			if !ok {
				child = &node{}
				if i < len(segs)-1 {
					child.children = map[string]*node{}
				}
				cur.children[seg] = child
			} else if i == len(segs)-1 {
				child.children = nil
			}
			cur = child
		}
	}
	return root
}

func includeTree(d Document, tree *node) Document {
	out := make(Document, len(d))
	for k, v := range d {
		child, ok := tree.children[strings.ToLower(k)]
		if !ok {
			continue
		}
		if child.children == nil {
			out[k] = v
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			sub := includeTree(Document(t), child)
			if len(sub) > 0 {
				out[k] = map[string]any(sub)
			}
		case []any:
			arr := make([]any, 0, len(t))
			for _, el := range t {
				if m, ok := el.(map[string]any); ok {
					sub := includeTree(Document(m), child)
					if len(sub) > 0 {
						arr = append(arr, map[string]any(sub))
					}
					continue
				}
				arr = append(arr, el)
			}
			if len(arr) > 0 {
				out[k] = arr
			}
		default:
			// A leaf under a dotted selection: nothing below to pick.
		}
	}
	return out
}

func excludePath(d Document, segs []string) {
	if len(segs) == 0 {
		return
	}
	if len(segs) == 1 {
		d.Delete(segs[0])
		return
	}
	v, ok := d.Get(segs[0])
	if !ok {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		excludePath(Document(t), segs[1:])
	case []any:
		for _, el := range t {
			if m, ok := el.(map[string]any); ok {
				excludePath(Document(m), segs[1:])
			}
		}
	}
}
