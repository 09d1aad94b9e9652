package filter

import "strings"

// SortSpec is a parsed sortBy/sortOrder pair.
type SortSpec struct {
	By         AttrPath
	Descending bool
}

// ParseSort builds a SortSpec from the sortBy and sortOrder query
// parameters. A missing sortBy yields no spec; unknown sortOrder values
// default to ascending.
func ParseSort(sortBy, sortOrder string) (*SortSpec, error) {
	if strings.TrimSpace(sortBy) == "" {
		return nil, nil
	}
	attr, err := ParseAttrPath(sortBy)
	if err != nil {
		return nil, err
	}
	desc := false
	switch strings.ToLower(strings.TrimSpace(sortOrder)) {
	case "descending", "desc":
		desc = true
	}
	return &SortSpec{By: attr, Descending: desc}, nil
}
