// Package client is a small SCIM 2.0 client for provisioning against a
// scimgate tenant. It is what the integration tests drive and doubles as a
// minimal SDK.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to one tenant's SCIM base URL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Token      string

	BasicUsername string
	BasicPassword string
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the tenant base, e.g. https://host/scim/v2.
	BaseURL string
	Token   string
	Timeout time.Duration
}

// New creates a new Client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:    cfg.BaseURL,
		Token:      cfg.Token,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Error is a decoded SCIM error response.
type Error struct {
	StatusCode int
	ScimType   string
	Detail     string
}

func (e *Error) Error() string {
	if e.ScimType != "" {
		return fmt.Sprintf("scim error %d (%s): %s", e.StatusCode, e.ScimType, e.Detail)
	}
	return fmt.Sprintf("scim error %d: %s", e.StatusCode, e.Detail)
}

// Resource is a SCIM resource as an open JSON object.
type Resource map[string]any

// ListResponse is the SCIM search envelope.
type ListResponse struct {
	TotalResults int64      `json:"totalResults"`
	StartIndex   int64      `json:"startIndex"`
	ItemsPerPage int64      `json:"itemsPerPage"`
	Resources    []Resource `json:"Resources"`
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/scim+json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	} else if c.BasicUsername != "" {
		req.SetBasicAuth(c.BasicUsername, c.BasicPassword)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var se struct {
			ScimType string `json:"scimType"`
			Detail   string `json:"detail"`
		}
		raw, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(raw, &se)
		return &Error{StatusCode: resp.StatusCode, ScimType: se.ScimType, Detail: se.Detail}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotModified {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// CreateUser provisions a user.
func (c *Client) CreateUser(ctx context.Context, user Resource) (Resource, error) {
	var out Resource
	if err := c.do(ctx, http.MethodPost, "/Users", nil, user, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetUser fetches a user by id.
func (c *Client) GetUser(ctx context.Context, id string) (Resource, error) {
	var out Resource
	if err := c.do(ctx, http.MethodGet, "/Users/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceUser performs a full PUT. A non-empty etag becomes the If-Match
// precondition.
func (c *Client) ReplaceUser(ctx context.Context, id string, user Resource, etag string) (Resource, error) {
	return c.mutate(ctx, http.MethodPut, "/Users/"+id, user, etag)
}

// PatchUser applies SCIM patch operations.
func (c *Client) PatchUser(ctx context.Context, id string, ops []Resource, etag string) (Resource, error) {
	body := Resource{
		"schemas":    []string{"urn:ietf:params:scim:api:messages:2.0:PatchOp"},
		"Operations": ops,
	}
	return c.mutate(ctx, http.MethodPatch, "/Users/"+id, body, etag)
}

// DeleteUser removes a user.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/Users/"+id, nil, nil, nil)
}

// SearchUsers runs a GET search.
func (c *Client) SearchUsers(ctx context.Context, filter string) (*ListResponse, error) {
	path := "/Users"
	if filter != "" {
		path += "?filter=" + url.QueryEscape(filter)
	}
	var out ListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateGroup provisions a group.
func (c *Client) CreateGroup(ctx context.Context, group Resource) (Resource, error) {
	var out Resource
	if err := c.do(ctx, http.MethodPost, "/Groups", nil, group, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetGroup fetches a group by id.
func (c *Client) GetGroup(ctx context.Context, id string) (Resource, error) {
	var out Resource
	if err := c.do(ctx, http.MethodGet, "/Groups/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PatchGroup applies SCIM patch operations to a group.
func (c *Client) PatchGroup(ctx context.Context, id string, ops []Resource, etag string) (Resource, error) {
	body := Resource{
		"schemas":    []string{"urn:ietf:params:scim:api:messages:2.0:PatchOp"},
		"Operations": ops,
	}
	return c.mutate(ctx, http.MethodPatch, "/Groups/"+id, body, etag)
}

// DeleteGroup removes a group.
func (c *Client) DeleteGroup(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/Groups/"+id, nil, nil, nil)
}

// SearchGroups runs a GET search.
func (c *Client) SearchGroups(ctx context.Context, filter string) (*ListResponse, error) {
	path := "/Groups"
	if filter != "" {
		path += "?filter=" + url.QueryEscape(filter)
	}
	var out ListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) mutate(ctx context.Context, method, path string, body Resource, etag string) (Resource, error) {
	var headers map[string]string
	if etag != "" {
		headers = map[string]string{"If-Match": etag}
	}
	var out Resource
	if err := c.do(ctx, method, path, headers, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ETag returns the resource's meta.version, or "".
func (r Resource) ETag() string {
	meta, ok := r["meta"].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := meta["version"].(string)
	return v
}

// ID returns the resource id.
func (r Resource) ID() string {
	id, _ := r["id"].(string)
	return id
}
