// Package resource models SCIM resources as open JSON documents. Known
// attributes get typed accessors; everything else round-trips verbatim.
// The package also owns serialisation shaping: null-field omission, meta
// formatting, and attribute projection.
package resource

import (
	"encoding/json"
	"strings"
)

// Schema URNs used across the server.
const (
	SchemaUser           = "urn:ietf:params:scim:schemas:core:2.0:User"
	SchemaGroup          = "urn:ietf:params:scim:schemas:core:2.0:Group"
	SchemaEnterpriseUser = "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User"
	SchemaListResponse   = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	SchemaPatchOp        = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
	SchemaError          = "urn:ietf:params:scim:api:messages:2.0:Error"
	SchemaSearchRequest  = "urn:ietf:params:scim:api:messages:2.0:SearchRequest"
)

// Document is a SCIM resource as parsed JSON. Attribute names are matched
// case-insensitively per RFC 7643 §2.1.
type Document map[string]any

// ParseDocument decodes a JSON object into a Document.
func ParseDocument(raw []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// Get returns the value for key, matching case-insensitively.
func (d Document) Get(key string) (any, bool) {
	if v, ok := d[key]; ok {
		return v, true
	}
	for k, v := range d {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// GetString returns the string value for key, or "".
func (d Document) GetString(key string) string {
	if v, ok := d.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetBool returns the boolean value for key and whether it was set.
// String renderings of booleans are coerced (several IdPs send "True").
func (d Document) GetBool(key string) (bool, bool) {
	v, ok := d.Get(key)
	if !ok {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(t) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// Set stores v under the canonical key, replacing any case-variant of it.
func (d Document) Set(key string, v any) {
	d.Delete(key)
	d[key] = v
}

// Delete removes key under case-insensitive matching.
func (d Document) Delete(key string) {
	for k := range d {
		if strings.EqualFold(k, key) {
			delete(d, k)
		}
	}
}

// Clone deep-copies the document.
func (d Document) Clone() Document {
	return deepCopy(map[string]any(d)).(map[string]any)
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// Schemas returns the resource's schemas list.
func (d Document) Schemas() []string {
	v, ok := d.Get("schemas")
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// HasSchema reports whether the schemas list contains urn, compared
// case-insensitively.
func (d Document) HasSchema(urn string) bool {
	for _, s := range d.Schemas() {
		if strings.EqualFold(s, urn) {
			return true
		}
	}
	return false
}

// StripNulls removes JSON nulls, empty objects left behind by null removal,
// and nothing else. Responses must never carry an explicit null.
func StripNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			cleaned := StripNulls(val)
			if m, ok := cleaned.(map[string]any); ok && len(m) == 0 {
				continue
			}
			out[k] = cleaned
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			if val == nil {
				continue
			}
			out = append(out, StripNulls(val))
		}
		return out
	default:
		return v
	}
}

// DropEmptyLists removes empty array attributes except those listed in keep
// (compared case-insensitively).
func DropEmptyLists(d Document, keep ...string) {
	for k, v := range d {
		arr, ok := v.([]any)
		if !ok || len(arr) > 0 {
			continue
		}
		kept := false
		for _, kk := range keep {
			if strings.EqualFold(k, kk) {
				kept = true
				break
			}
		}
		if !kept {
			delete(d, k)
		}
	}
}
