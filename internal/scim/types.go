// Package scim contains the resource service and HTTP surface. The service
// orchestrates validation, uniqueness checks, membership propagation and
// version bumps; the handlers shape conformant request and response bodies.
package scim

import (
	"github.com/dhawalhost/scimgate/internal/config"
	"github.com/dhawalhost/scimgate/internal/resource"
)

// ContentType is the media type of every SCIM response body.
const ContentType = "application/scim+json; charset=utf-8"

// Scope is the per-request tenant context the handlers thread through the
// service layer.
type Scope struct {
	TenantID int
	BaseURL  string
	Compat   config.EffectiveCompatibility
}

// ListResponse is the RFC 7644 §3.4.2 search envelope.
type ListResponse struct {
	Schemas      []string            `json:"schemas"`
	TotalResults int64               `json:"totalResults"`
	StartIndex   int64               `json:"startIndex"`
	ItemsPerPage int64               `json:"itemsPerPage"`
	Resources    []resource.Document `json:"Resources"`
}

func newListResponse(total, startIndex int64, resources []resource.Document) *ListResponse {
	if resources == nil {
		resources = []resource.Document{}
	}
	return &ListResponse{
		Schemas:      []string{resource.SchemaListResponse},
		TotalResults: total,
		StartIndex:   startIndex,
		ItemsPerPage: int64(len(resources)),
		Resources:    resources,
	}
}

// SearchRequest is the RFC 7644 §3.4.3 POST .search body.
type SearchRequest struct {
	Schemas            []string `json:"schemas"`
	Filter             string   `json:"filter,omitempty"`
	SortBy             string   `json:"sortBy,omitempty"`
	SortOrder          string   `json:"sortOrder,omitempty"`
	StartIndex         *int64   `json:"startIndex,omitempty"`
	Count              *int64   `json:"count,omitempty"`
	Attributes         []string `json:"attributes,omitempty"`
	ExcludedAttributes []string `json:"excludedAttributes,omitempty"`
}

// SearchParams are the normalised parameters of a search, shared by the
// query-string and POST .search forms.
type SearchParams struct {
	Filter             string
	SortBy             string
	SortOrder          string
	StartIndex         int64 // 1-based; values below 1 are coerced to 1
	Count              int64
	CountSet           bool // distinguishes an absent count from count=0
	Attributes         []string
	ExcludedAttributes []string
}

const (
	// defaultPageSize applies when count is not supplied.
	defaultPageSize = 100
	// maxPageSize matches filter.maxResults advertised by the
	// ServiceProviderConfig.
	maxPageSize = 1000
)

// normalise applies the SCIM pagination rules: 1-based start index, a
// defaulted count when absent, and an upper bound on page size. An explicit
// negative count means "return no resources", which maps to zero.
func (p *SearchParams) normalise() {
	if p.StartIndex < 1 {
		p.StartIndex = 1
	}
	switch {
	case !p.CountSet:
		p.Count = defaultPageSize
	case p.Count < 0:
		p.Count = 0
	case p.Count > maxPageSize:
		p.Count = maxPageSize
	}
}
