// Package patch implements RFC 7644 §3.5.2: the PATCH path grammar with
// value-selector filters and the add/replace/remove semantics over SCIM
// resource documents.
package patch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dhawalhost/scimgate/internal/filter"
	"github.com/dhawalhost/scimgate/internal/resource"
)

// Op is one entry of a PatchOp Operations list.
type Op struct {
	Op    string          `json:"op"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PatchOp is the request body of a PATCH.
type PatchOp struct {
	Schemas    []string `json:"schemas"`
	Operations []Op     `json:"Operations"`
}

// Error is a PATCH application failure carrying the SCIM error token.
type Error struct {
	ScimType string
	Detail   string
}

func (e *Error) Error() string { return e.Detail }

func patchErr(scimType, format string, args ...any) *Error {
	return &Error{ScimType: scimType, Detail: fmt.Sprintf(format, args...)}
}

// Path is a parsed PATCH path: optional schema URN, attribute, optional
// value selector, optional sub-attribute.
type Path struct {
	URN    string
	Attr   string
	Filter filter.Expr
	Sub    string
}

// ParsePath parses a PATCH path expression. URN qualifiers split at the
// last colon before the attribute; a bracketed selector is parsed with the
// full filter grammar.
func ParsePath(s string) (*Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, patchErr("invalidPath", "empty path")
	}
	var p Path

	if open := strings.IndexByte(s, '['); open >= 0 {
		closing := matchingBracket(s, open)
		if closing < 0 {
			return nil, patchErr("invalidPath", "unclosed bracket in path %q", s)
		}
		head := s[:open]
		inner := s[open+1 : closing]
		rest := s[closing+1:]
		p.URN, p.Attr = splitURN(head)
		if p.Attr == "" {
			return nil, patchErr("invalidPath", "missing attribute in path %q", s)
		}
		f, err := filter.Parse(inner)
		if err != nil {
			return nil, patchErr("invalidPath", "invalid value filter in path %q: %v", s, err)
		}
		p.Filter = f
		if rest != "" {
			if !strings.HasPrefix(rest, ".") || len(rest) == 1 {
				return nil, patchErr("invalidPath", "invalid trailing segment in path %q", s)
			}
			p.Sub = rest[1:]
		}
		return &p, nil
	}
	if strings.ContainsAny(s, "]") {
		return nil, patchErr("invalidPath", "unbalanced bracket in path %q", s)
	}

	p.URN, p.Attr = splitURN(s)
	if p.Attr == "" {
		return nil, patchErr("invalidPath", "missing attribute in path %q", s)
	}
	if i := strings.IndexByte(p.Attr, '.'); i >= 0 {
		p.Sub = p.Attr[i+1:]
		p.Attr = p.Attr[:i]
		if p.Attr == "" || p.Sub == "" {
			return nil, patchErr("invalidPath", "invalid path %q", s)
		}
	}
	return &p, nil
}

// matchingBracket finds the index of the ] closing the [ at open, skipping
// quoted strings.
func matchingBracket(s string, open int) int {
	inQuote := false
	for i := open + 1; i < len(s); i++ {
		switch s[i] {
		case '"':
			if i > 0 && s[i-1] == '\\' {
				continue
			}
			inQuote = !inQuote
		case ']':
			if !inQuote {
				return i
			}
		}
	}
	return -1
}

// splitURN separates an optional urn: qualifier from the attribute part.
func splitURN(s string) (urn, attr string) {
	if !strings.HasPrefix(strings.ToLower(s), "urn:") {
		return "", s
	}
	i := strings.LastIndex(s, ":")
	return s[:i], s[i+1:]
}

// isExtensionURN reports whether a URN addresses an extension object stored
// as a top-level key rather than the core schema.
func isExtensionURN(urn string) bool {
	if urn == "" {
		return false
	}
	u := strings.ToLower(urn)
	return u != strings.ToLower(resource.SchemaUser) && u != strings.ToLower(resource.SchemaGroup)
}

// Applier applies PATCH operations subject to the tenant's compatibility
// flags.
type Applier struct {
	AllowReplaceEmptyArray bool
	AllowReplaceEmptyValue bool
}

// Apply runs the operations in order against doc, mutating it. The first
// failing operation aborts the whole application; callers must treat the
// document as dirty and discard it on error.
func (a *Applier) Apply(doc resource.Document, ops []Op) error {
	if len(ops) == 0 {
		return patchErr("invalidSyntax", "PatchOp requires at least one operation")
	}
	for i := range ops {
		if err := a.applyOne(doc, &ops[i]); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) applyOne(doc resource.Document, op *Op) error {
	verb := strings.ToLower(strings.TrimSpace(op.Op))
	switch verb {
	case "add", "replace", "remove":
	default:
		return patchErr("invalidSyntax", "unknown operation %q", op.Op)
	}

	// An explicit JSON null value decodes to nil, the same as no value.
	var value any
	if len(op.Value) > 0 {
		if err := json.Unmarshal(op.Value, &value); err != nil {
			return patchErr("invalidValue", "malformed operation value: %v", err)
		}
	}

	if strings.TrimSpace(op.Path) == "" {
		if verb == "remove" {
			return patchErr("invalidPath", "remove requires a path")
		}
		obj, ok := value.(map[string]any)
		if !ok {
			return patchErr("invalidValue", "%s without a path requires an object value", verb)
		}
		for k, v := range obj {
			p, err := ParsePath(k)
			if err != nil {
				return err
			}
			if err := a.applyPath(doc, verb, p, v); err != nil {
				return err
			}
		}
		return nil
	}

	p, err := ParsePath(op.Path)
	if err != nil {
		return err
	}
	return a.applyPath(doc, verb, p, value)
}

func (a *Applier) applyPath(doc resource.Document, verb string, p *Path, value any) error {
	target := doc
	if isExtensionURN(p.URN) {
		ext := extensionObject(doc, p.URN, verb != "remove")
		if ext == nil {
			return nil // removing from an absent extension is a no-op
		}
		target = ext
		if verb != "remove" {
			ensureSchema(doc, p.URN)
		}
		defer cleanupExtension(doc, p.URN)
	}

	value = coerceActive(p, value)

	if p.Filter != nil {
		return a.applySelected(target, verb, p, value)
	}
	if p.Sub != "" {
		return a.applySub(target, verb, p, value)
	}
	return a.applySimple(target, verb, p, value)
}

// coerceActive normalises string renderings of the active flag; several
// IdPs patch it as "True"/"False".
func coerceActive(p *Path, value any) any {
	if !strings.EqualFold(p.Attr, "active") || p.Sub != "" || p.Filter != nil {
		return value
	}
	if s, ok := value.(string); ok {
		switch strings.ToLower(s) {
		case "true":
			return true
		case "false":
			return false
		}
	}
	return value
}

func (a *Applier) applySimple(doc resource.Document, verb string, p *Path, value any) error {
	switch verb {
	case "add":
		existing, has := doc.Get(p.Attr)
		if arr, ok := existing.([]any); has && ok {
			appended := appendValues(arr, value)
			doc.Set(p.Attr, enforceSinglePrimary(appended, len(arr)))
			return nil
		}
		if em, ok := existing.(map[string]any); has && ok {
			if vm, ok := value.(map[string]any); ok {
				deepMerge(em, vm)
				return nil
			}
		}
		if va, ok := value.([]any); ok {
			doc.Set(p.Attr, enforceSinglePrimary(va, 0))
			return nil
		}
		doc.Set(p.Attr, value)
		return nil

	case "replace":
		if cleared, err := a.replaceAsClear(doc, p, value); cleared || err != nil {
			return err
		}
		if va, ok := value.([]any); ok {
			doc.Set(p.Attr, enforceSinglePrimary(va, 0))
			return nil
		}
		doc.Set(p.Attr, value)
		return nil

	case "remove":
		existing, has := doc.Get(p.Attr)
		if !has {
			return nil
		}
		if arr, ok := existing.([]any); ok && value != nil {
			doc.Set(p.Attr, removeMatching(arr, value))
			return nil
		}
		doc.Delete(p.Attr)
		return nil
	}
	return nil
}

// replaceAsClear handles the quirky "replace with empty array" and
// "replace with [{value:\"\"}]" payloads some IdPs send to clear an
// attribute. Each form is gated by its compatibility flag.
func (a *Applier) replaceAsClear(doc resource.Document, p *Path, value any) (bool, error) {
	arr, ok := value.([]any)
	if !ok {
		return false, nil
	}
	if len(arr) == 0 {
		if !a.AllowReplaceEmptyArray {
			return false, patchErr("unsupported", "replace with an empty array is not enabled for this tenant")
		}
		doc.Delete(p.Attr)
		return true, nil
	}
	if len(arr) == 1 {
		if m, ok := arr[0].(map[string]any); ok && len(m) == 1 {
			if v, found := resource.Document(m).Get("value"); found && v == "" {
				if !a.AllowReplaceEmptyValue {
					return false, patchErr("unsupported", "replace with an empty value is not enabled for this tenant")
				}
				doc.Delete(p.Attr)
				return true, nil
			}
		}
	}
	return false, nil
}

func (a *Applier) applySub(doc resource.Document, verb string, p *Path, value any) error {
	existing, has := doc.Get(p.Attr)

	if arr, ok := existing.([]any); has && ok {
		// Sub-attribute without a selector fans out over every element.
		for _, el := range arr {
			m, ok := el.(map[string]any)
			if !ok {
				continue
			}
			applySubToElement(resource.Document(m), verb, p.Sub, value)
		}
		if strings.EqualFold(lastSegment(p.Sub), "primary") {
			doc.Set(p.Attr, enforceSinglePrimary(arr, 0))
		}
		return nil
	}

	switch verb {
	case "add", "replace":
		var m map[string]any
		if em, ok := existing.(map[string]any); has && ok {
			m = em
		} else {
			m = map[string]any{}
			doc.Set(p.Attr, m)
		}
		setNested(m, strings.Split(p.Sub, "."), value)
	case "remove":
		if m, ok := existing.(map[string]any); has && ok {
			removeNested(m, strings.Split(p.Sub, "."))
		}
	}
	return nil
}

func (a *Applier) applySelected(doc resource.Document, verb string, p *Path, value any) error {
	existing, has := doc.Get(p.Attr)
	if has {
		if _, ok := existing.([]any); !ok {
			return patchErr("invalidValue", "path %q selects into a non-array attribute", p.Attr)
		}
	}
	var arr []any
	if has {
		arr = existing.([]any)
	}

	switch verb {
	case "add":
		matched := false
		for _, el := range arr {
			m, ok := el.(map[string]any)
			if !ok {
				continue
			}
			hit, err := filter.Evaluate(p.Filter, m)
			if err != nil {
				return patchErr("invalidPath", "value filter: %v", err)
			}
			if !hit {
				continue
			}
			matched = true
			if p.Sub != "" {
				applySubToElement(resource.Document(m), "replace", p.Sub, value)
			} else if vm, ok := value.(map[string]any); ok {
				deepMerge(m, vm)
			}
		}
		if !matched {
			el := map[string]any{}
			if p.Sub != "" {
				setNested(el, strings.Split(p.Sub, "."), value)
			} else if vm, ok := value.(map[string]any); ok {
				for k, v := range vm {
					el[k] = v
				}
			} else {
				el["value"] = value
			}
			injectFilterAttrs(el, p.Filter)
			arr = append(arr, el)
		}
		doc.Set(p.Attr, enforceSinglePrimary(arr, 0))
		return nil

	case "replace":
		matched := false
		for i, el := range arr {
			m, ok := el.(map[string]any)
			if !ok {
				continue
			}
			hit, err := filter.Evaluate(p.Filter, m)
			if err != nil {
				return patchErr("invalidPath", "value filter: %v", err)
			}
			if !hit {
				continue
			}
			matched = true
			if p.Sub != "" {
				applySubToElement(resource.Document(m), "replace", p.Sub, value)
			} else {
				arr[i] = value
			}
		}
		if !matched {
			return patchErr("noTarget", "no value matched the path filter")
		}
		if p.Sub == "" || strings.EqualFold(lastSegment(p.Sub), "primary") {
			arr = enforceSinglePrimaryPreferringMatches(arr, p.Filter)
		}
		doc.Set(p.Attr, arr)
		return nil

	case "remove":
		// Reverse order keeps indexes stable while deleting.
		for i := len(arr) - 1; i >= 0; i-- {
			m, ok := arr[i].(map[string]any)
			if !ok {
				continue
			}
			hit, err := filter.Evaluate(p.Filter, m)
			if err != nil {
				return patchErr("invalidPath", "value filter: %v", err)
			}
			if !hit {
				continue
			}
			if p.Sub != "" {
				removeNested(m, strings.Split(p.Sub, "."))
			} else {
				arr = append(arr[:i], arr[i+1:]...)
			}
		}
		doc.Set(p.Attr, arr)
		return nil
	}
	return nil
}

func lastSegment(sub string) string {
	if i := strings.LastIndexByte(sub, '.'); i >= 0 {
		return sub[i+1:]
	}
	return sub
}

func applySubToElement(el resource.Document, verb, sub string, value any) {
	segs := strings.Split(sub, ".")
	switch verb {
	case "remove":
		removeNested(el, segs)
	default:
		setNested(el, segs, value)
	}
}

func setNested(m map[string]any, segs []string, value any) {
	for i := 0; i < len(segs)-1; i++ {
		next, ok := resource.Document(m).Get(segs[i])
		nm, isMap := next.(map[string]any)
		if !ok || !isMap {
			nm = map[string]any{}
			resource.Document(m).Set(segs[i], nm)
		}
		m = nm
	}
	resource.Document(m).Set(segs[len(segs)-1], value)
}

func removeNested(m map[string]any, segs []string) {
	for i := 0; i < len(segs)-1; i++ {
		next, ok := resource.Document(m).Get(segs[i])
		nm, isMap := next.(map[string]any)
		if !ok || !isMap {
			return
		}
		m = nm
	}
	resource.Document(m).Delete(segs[len(segs)-1])
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := resource.Document(dst).Get(k); ok {
				if dm, ok := dv.(map[string]any); ok {
					deepMerge(dm, sv)
					continue
				}
			}
		}
		resource.Document(dst).Set(k, v)
	}
}

func appendValues(arr []any, value any) []any {
	if va, ok := value.([]any); ok {
		return append(arr, va...)
	}
	return append(arr, value)
}

// enforceSinglePrimary keeps at most one primary=true element. Elements
// appended at or after newFrom win over earlier ones; among equals the first
// wins.
func enforceSinglePrimary(arr []any, newFrom int) []any {
	winner := -1
	for i := len(arr) - 1; i >= newFrom; i-- {
		if elementIsPrimary(arr[i]) {
			winner = i
		}
	}
	if winner < 0 {
		for i, el := range arr {
			if elementIsPrimary(el) {
				winner = i
				break
			}
		}
	}
	if winner < 0 {
		return arr
	}
	for i, el := range arr {
		if i == winner {
			continue
		}
		if m, ok := el.(map[string]any); ok && elementIsPrimary(el) {
			resource.Document(m).Set("primary", false)
		}
	}
	return arr
}

// enforceSinglePrimaryPreferringMatches clears primary on elements not
// matching the selector when a matching element asserts it.
func enforceSinglePrimaryPreferringMatches(arr []any, f filter.Expr) []any {
	hasPrimaryMatch := false
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		if hit, err := filter.Evaluate(f, m); err == nil && hit && elementIsPrimary(el) {
			hasPrimaryMatch = true
			break
		}
	}
	if !hasPrimaryMatch {
		return arr
	}
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		hit, err := filter.Evaluate(f, m)
		if err == nil && !hit && elementIsPrimary(el) {
			resource.Document(m).Set("primary", false)
		}
	}
	return arr
}

func elementIsPrimary(el any) bool {
	m, ok := el.(map[string]any)
	if !ok {
		return false
	}
	p, set := resource.Document(m).GetBool("primary")
	return set && p
}

// removeMatching implements remove-with-matchers: each matcher removes the
// elements it matches, by value, by shared scalar fields, or by exact
// equality.
func removeMatching(arr []any, value any) []any {
	matchers, ok := value.([]any)
	if !ok {
		matchers = []any{value}
	}
	out := make([]any, 0, len(arr))
	for _, el := range arr {
		removed := false
		for _, matcher := range matchers {
			if matchesElement(el, matcher) {
				removed = true
				break
			}
		}
		if !removed {
			out = append(out, el)
		}
	}
	return out
}

func matchesElement(el, matcher any) bool {
	em, elIsMap := el.(map[string]any)
	mm, matcherIsMap := matcher.(map[string]any)
	if elIsMap && matcherIsMap {
		// Match by value when the matcher carries one; otherwise all shared
		// scalar fields must agree.
		if mv, ok := resource.Document(mm).Get("value"); ok {
			ev, _ := resource.Document(em).Get("value")
			return scalarsEqual(ev, mv)
		}
		shared := 0
		for k, mv := range mm {
			ev, ok := resource.Document(em).Get(k)
			if !ok {
				continue
			}
			shared++
			if !scalarsEqual(ev, mv) {
				return false
			}
		}
		return shared > 0
	}
	if !elIsMap && !matcherIsMap {
		return scalarsEqual(el, matcher)
	}
	if elIsMap && !matcherIsMap {
		ev, _ := resource.Document(em).Get("value")
		return scalarsEqual(ev, matcher)
	}
	return false
}

func scalarsEqual(a, b any) bool {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.EqualFold(as, bs)
		}
	}
	return a == b
}

// injectFilterAttrs seeds an appended element with the eq-constraints of
// the selector so the new element satisfies the path it was added under.
func injectFilterAttrs(el map[string]any, f filter.Expr) {
	switch n := f.(type) {
	case *filter.Compare:
		if n.Op == filter.OpEq && n.Attr.Sub == "" {
			if _, ok := resource.Document(el).Get(n.Attr.Name); !ok {
				resource.Document(el).Set(n.Attr.Name, n.Value)
			}
		}
	case *filter.And:
		for _, sub := range n.Exprs {
			injectFilterAttrs(el, sub)
		}
	}
}

func extensionObject(doc resource.Document, urn string, create bool) resource.Document {
	if v, ok := doc.Get(urn); ok {
		if m, ok := v.(map[string]any); ok {
			return resource.Document(m)
		}
	}
	if !create {
		return nil
	}
	m := map[string]any{}
	doc.Set(urn, m)
	return resource.Document(m)
}

func ensureSchema(doc resource.Document, urn string) {
	schemas := doc.Schemas()
	for _, s := range schemas {
		if strings.EqualFold(s, urn) {
			return
		}
	}
	arr := make([]any, 0, len(schemas)+1)
	for _, s := range schemas {
		arr = append(arr, s)
	}
	doc.Set("schemas", append(arr, urn))
}

// cleanupExtension drops an extension object emptied by removals, together
// with its schemas entry.
func cleanupExtension(doc resource.Document, urn string) {
	v, ok := doc.Get(urn)
	if !ok {
		return
	}
	m, ok := v.(map[string]any)
	if !ok || len(m) > 0 {
		return
	}
	doc.Delete(urn)
	schemas := doc.Schemas()
	arr := make([]any, 0, len(schemas))
	for _, s := range schemas {
		if !strings.EqualFold(s, urn) {
			arr = append(arr, s)
		}
	}
	doc.Set("schemas", arr)
}
