package scim

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/patch"
	"github.com/dhawalhost/scimgate/internal/resource"
)

// maxBodyBytes bounds request bodies; SCIM resources are small.
const maxBodyBytes = 1 << 20

// ResourceService is the contract the HTTP layer drives.
type ResourceService interface {
	CreateUser(ctx context.Context, sc Scope, doc resource.Document) (resource.Document, error)
	GetUser(ctx context.Context, sc Scope, id string) (resource.Document, int64, error)
	ReplaceUser(ctx context.Context, sc Scope, id string, doc resource.Document, ifMatch *int64) (resource.Document, error)
	PatchUser(ctx context.Context, sc Scope, id string, ops []patch.Op, ifMatch *int64) (resource.Document, error)
	DeleteUser(ctx context.Context, sc Scope, id string, ifMatch *int64) error
	SearchUsers(ctx context.Context, sc Scope, p SearchParams) (*ListResponse, error)

	CreateGroup(ctx context.Context, sc Scope, doc resource.Document) (resource.Document, error)
	GetGroup(ctx context.Context, sc Scope, id string) (resource.Document, int64, error)
	ReplaceGroup(ctx context.Context, sc Scope, id string, doc resource.Document, ifMatch *int64) (resource.Document, error)
	PatchGroup(ctx context.Context, sc Scope, id string, ops []patch.Op, ifMatch *int64) (resource.Document, error)
	DeleteGroup(ctx context.Context, sc Scope, id string, ifMatch *int64) error
	SearchGroups(ctx context.Context, sc Scope, p SearchParams) (*ListResponse, error)
}

// ScopeResolver extracts the tenant scope placed on the request by the
// tenant middleware. The second return is the tenant's auth kind, used by
// the ServiceProviderConfig document.
type ScopeResolver func(c *gin.Context) (Scope, string, bool)

// HTTPHandler serves the SCIM protocol surface.
type HTTPHandler struct {
	svc     ResourceService
	logger  *zap.Logger
	resolve ScopeResolver
}

// NewHTTPHandler creates the SCIM HTTP handler.
func NewHTTPHandler(svc ResourceService, logger *zap.Logger, resolve ScopeResolver) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger, resolve: resolve}
}

// RegisterRoutes registers the SCIM endpoints on a router group that is
// already behind the tenant-resolution and auth middleware.
func (h *HTTPHandler) RegisterRoutes(rg gin.IRouter) {
	rg.GET("/ServiceProviderConfig", h.serviceProviderConfig)
	rg.GET("/Schemas", h.listSchemas)
	rg.GET("/Schemas/:id", h.getSchema)
	rg.GET("/ResourceTypes", h.listResourceTypes)
	rg.GET("/ResourceTypes/:id", h.getResourceType)
	rg.POST("/Bulk", h.bulkNotImplemented)

	rg.GET("/Users", h.listUsers)
	rg.POST("/Users", h.createUser)
	rg.POST("/Users/.search", h.searchUsers)
	rg.GET("/Users/:id", h.getUser)
	rg.PUT("/Users/:id", h.replaceUser)
	rg.PATCH("/Users/:id", h.patchUser)
	rg.DELETE("/Users/:id", h.deleteUser)

	rg.GET("/Groups", h.listGroups)
	rg.POST("/Groups", h.createGroup)
	rg.POST("/Groups/.search", h.searchGroups)
	rg.GET("/Groups/:id", h.getGroup)
	rg.PUT("/Groups/:id", h.replaceGroup)
	rg.PATCH("/Groups/:id", h.patchGroup)
	rg.DELETE("/Groups/:id", h.deleteGroup)
}

func (h *HTTPHandler) scope(c *gin.Context) (Scope, bool) {
	sc, _, ok := h.resolve(c)
	if !ok {
		h.writeError(c, &Error{Status: http.StatusNotFound, Detail: "no tenant matches this request"})
		return Scope{}, false
	}
	return sc, true
}

// writeJSON renders a SCIM response body with nulls stripped.
func (h *HTTPHandler) writeJSON(c *gin.Context, status int, v any) {
	body, err := json.Marshal(resource.StripNulls(v))
	if err != nil {
		h.logger.Error("encode response", zap.Error(err))
		c.Data(http.StatusInternalServerError, ContentType,
			[]byte(`{"schemas":["`+resource.SchemaError+`"],"status":"500"}`))
		return
	}
	c.Data(status, ContentType, body)
}

func (h *HTTPHandler) writeError(c *gin.Context, e *Error) {
	if e.Status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path), zap.String("detail", e.Detail))
		// Internal details stay in the log.
		e = &Error{Status: e.Status, Detail: "internal error"}
	}
	h.writeJSON(c, e.Status, e.Body())
	c.Abort()
}

func (h *HTTPHandler) fail(c *gin.Context, err error) {
	if se, ok := err.(*Error); ok {
		h.writeError(c, se)
		return
	}
	h.writeError(c, internal(err))
}

// readDocument enforces the accepted media types and decodes the body.
func (h *HTTPHandler) readDocument(c *gin.Context) (resource.Document, bool) {
	raw, ok := h.readBody(c)
	if !ok {
		return nil, false
	}
	doc, err := resource.ParseDocument(raw)
	if err != nil {
		h.writeError(c, badRequest("invalidSyntax", "request body is not a valid JSON object"))
		return nil, false
	}
	return doc, true
}

func (h *HTTPHandler) readBody(c *gin.Context) ([]byte, bool) {
	ct := c.GetHeader("Content-Type")
	if ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || (mediaType != "application/json" && mediaType != "application/scim+json") {
			h.writeError(c, badRequest("invalidValue",
				"Content-Type must be application/json or application/scim+json"))
			return nil, false
		}
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		h.writeError(c, badRequest("invalidSyntax", "unable to read request body"))
		return nil, false
	}
	return raw, true
}

// ifMatch parses a conditional header into an expected version. Malformed
// or wildcard values skip the precondition, matching lenient IdP clients.
func ifMatch(c *gin.Context, header string) *int64 {
	v := strings.TrimSpace(c.GetHeader(header))
	if v == "" || v == "*" {
		return nil
	}
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func searchParamsFromQuery(c *gin.Context) SearchParams {
	p := SearchParams{
		Filter:             c.Query("filter"),
		SortBy:             c.Query("sortBy"),
		SortOrder:          c.Query("sortOrder"),
		Attributes:         resource.ParseAttrList(c.Query("attributes")),
		ExcludedAttributes: resource.ParseAttrList(c.Query("excludedAttributes")),
	}
	if v, err := strconv.ParseInt(c.Query("startIndex"), 10, 64); err == nil {
		p.StartIndex = v
	}
	if v, err := strconv.ParseInt(c.Query("count"), 10, 64); err == nil {
		p.Count = v
		p.CountSet = true
	}
	return p
}

func searchParamsFromBody(req *SearchRequest) SearchParams {
	p := SearchParams{
		Filter:             req.Filter,
		SortBy:             req.SortBy,
		SortOrder:          req.SortOrder,
		Attributes:         req.Attributes,
		ExcludedAttributes: req.ExcludedAttributes,
	}
	if req.StartIndex != nil {
		p.StartIndex = *req.StartIndex
	}
	if req.Count != nil {
		p.Count = *req.Count
		p.CountSet = true
	}
	return p
}

// shape applies attribute projection and null stripping for the response.
func shape(doc resource.Document, attrs, excluded []string) resource.Document {
	projected := resource.Project(doc, attrs, excluded)
	return resource.StripNulls(map[string]any(projected)).(map[string]any)
}

func shapeList(lr *ListResponse, attrs, excluded []string) *ListResponse {
	for i, doc := range lr.Resources {
		lr.Resources[i] = shape(doc, attrs, excluded)
	}
	return lr
}

func etagOf(doc resource.Document) string {
	if meta, ok := doc.Get("meta"); ok {
		if m, ok := meta.(map[string]any); ok {
			if v, ok := m["version"].(string); ok {
				return v
			}
		}
	}
	return ""
}

func locationOf(doc resource.Document) string {
	if meta, ok := doc.Get("meta"); ok {
		if m, ok := meta.(map[string]any); ok {
			if v, ok := m["location"].(string); ok {
				return v
			}
		}
	}
	return ""
}

func (h *HTTPHandler) writeResource(c *gin.Context, status int, doc resource.Document) {
	if tag := etagOf(doc); tag != "" {
		c.Header("ETag", tag)
	}
	if status == http.StatusCreated {
		if loc := locationOf(doc); loc != "" {
			c.Header("Location", loc)
		}
	}
	h.writeJSON(c, status, doc)
}

// ----- discovery -----

func (h *HTTPHandler) serviceProviderConfig(c *gin.Context) {
	sc, authKind, ok := h.resolve(c)
	if !ok {
		h.writeError(c, &Error{Status: http.StatusNotFound, Detail: "no tenant matches this request"})
		return
	}
	h.writeJSON(c, http.StatusOK, ServiceProviderConfig(sc, authKind))
}

func (h *HTTPHandler) listSchemas(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	docs := Schemas(sc)
	h.writeJSON(c, http.StatusOK, newListResponse(int64(len(docs)), 1, docs))
}

func (h *HTTPHandler) getSchema(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	doc, found := SchemaByID(sc, c.Param("id"))
	if !found {
		h.writeError(c, notFound("Schema", c.Param("id")))
		return
	}
	h.writeJSON(c, http.StatusOK, doc)
}

func (h *HTTPHandler) listResourceTypes(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	docs := ResourceTypes(sc)
	h.writeJSON(c, http.StatusOK, newListResponse(int64(len(docs)), 1, docs))
}

func (h *HTTPHandler) getResourceType(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	doc, found := ResourceTypeByName(sc, c.Param("id"))
	if !found {
		h.writeError(c, notFound("ResourceType", c.Param("id")))
		return
	}
	h.writeJSON(c, http.StatusOK, doc)
}

func (h *HTTPHandler) bulkNotImplemented(c *gin.Context) {
	h.writeError(c, &Error{Status: http.StatusNotImplemented, Detail: "bulk operations are not supported"})
}

// ----- users -----

func (h *HTTPHandler) createUser(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	doc, ok := h.readDocument(c)
	if !ok {
		return
	}
	out, err := h.svc.CreateUser(c.Request.Context(), sc, doc)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.writeResource(c, http.StatusCreated, out)
}

func (h *HTTPHandler) getUser(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	doc, version, err := h.svc.GetUser(c.Request.Context(), sc, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if expected := ifMatch(c, "If-None-Match"); expected != nil && *expected == version {
		c.Header("ETag", resource.ETag(version))
		c.Status(http.StatusNotModified)
		return
	}
	c.Header("ETag", resource.ETag(version))
	h.writeJSON(c, http.StatusOK, shape(doc,
		resource.ParseAttrList(c.Query("attributes")),
		resource.ParseAttrList(c.Query("excludedAttributes"))))
}

func (h *HTTPHandler) replaceUser(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	doc, ok := h.readDocument(c)
	if !ok {
		return
	}
	out, err := h.svc.ReplaceUser(c.Request.Context(), sc, c.Param("id"), doc, ifMatch(c, "If-Match"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.writeResource(c, http.StatusOK, out)
}

func (h *HTTPHandler) patchUser(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	ops, ok := h.readPatchOps(c)
	if !ok {
		return
	}
	out, err := h.svc.PatchUser(c.Request.Context(), sc, c.Param("id"), ops, ifMatch(c, "If-Match"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.writeResource(c, http.StatusOK, out)
}

func (h *HTTPHandler) readPatchOps(c *gin.Context) ([]patch.Op, bool) {
	raw, ok := h.readBody(c)
	if !ok {
		return nil, false
	}
	var po patch.PatchOp
	if err := json.Unmarshal(raw, &po); err != nil {
		h.writeError(c, badRequest("invalidSyntax", "request body is not a valid PatchOp"))
		return nil, false
	}
	hasSchema := false
	for _, s := range po.Schemas {
		if strings.EqualFold(s, resource.SchemaPatchOp) {
			hasSchema = true
			break
		}
	}
	if !hasSchema {
		h.writeError(c, badRequest("invalidSyntax", "schemas must include "+resource.SchemaPatchOp))
		return nil, false
	}
	return po.Operations, true
}

func (h *HTTPHandler) deleteUser(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteUser(c.Request.Context(), sc, c.Param("id"), ifMatch(c, "If-Match")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) listUsers(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	p := searchParamsFromQuery(c)
	lr, err := h.svc.SearchUsers(c.Request.Context(), sc, p)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.writeJSON(c, http.StatusOK, shapeList(lr, p.Attributes, p.ExcludedAttributes))
}

func (h *HTTPHandler) searchUsers(c *gin.Context) {
	h.searchViaPost(c, h.svc.SearchUsers)
}

func (h *HTTPHandler) searchGroups(c *gin.Context) {
	h.searchViaPost(c, h.svc.SearchGroups)
}

func (h *HTTPHandler) searchViaPost(c *gin.Context, search func(context.Context, Scope, SearchParams) (*ListResponse, error)) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	raw, ok := h.readBody(c)
	if !ok {
		return
	}
	var req SearchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.writeError(c, badRequest("invalidSyntax", "request body is not a valid SearchRequest"))
		return
	}
	p := searchParamsFromBody(&req)
	lr, err := search(c.Request.Context(), sc, p)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.writeJSON(c, http.StatusOK, shapeList(lr, p.Attributes, p.ExcludedAttributes))
}

// ----- groups -----

func (h *HTTPHandler) listGroups(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	p := searchParamsFromQuery(c)
	lr, err := h.svc.SearchGroups(c.Request.Context(), sc, p)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.writeJSON(c, http.StatusOK, shapeList(lr, p.Attributes, p.ExcludedAttributes))
}

func (h *HTTPHandler) createGroup(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	doc, ok := h.readDocument(c)
	if !ok {
		return
	}
	out, err := h.svc.CreateGroup(c.Request.Context(), sc, doc)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.writeResource(c, http.StatusCreated, out)
}

func (h *HTTPHandler) getGroup(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	doc, version, err := h.svc.GetGroup(c.Request.Context(), sc, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if expected := ifMatch(c, "If-None-Match"); expected != nil && *expected == version {
		c.Header("ETag", resource.ETag(version))
		c.Status(http.StatusNotModified)
		return
	}
	c.Header("ETag", resource.ETag(version))
	h.writeJSON(c, http.StatusOK, shape(doc,
		resource.ParseAttrList(c.Query("attributes")),
		resource.ParseAttrList(c.Query("excludedAttributes"))))
}

func (h *HTTPHandler) replaceGroup(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	doc, ok := h.readDocument(c)
	if !ok {
		return
	}
	out, err := h.svc.ReplaceGroup(c.Request.Context(), sc, c.Param("id"), doc, ifMatch(c, "If-Match"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.writeResource(c, http.StatusOK, out)
}

func (h *HTTPHandler) patchGroup(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	ops, ok := h.readPatchOps(c)
	if !ok {
		return
	}
	out, err := h.svc.PatchGroup(c.Request.Context(), sc, c.Param("id"), ops, ifMatch(c, "If-Match"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.writeResource(c, http.StatusOK, out)
}

func (h *HTTPHandler) deleteGroup(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteGroup(c.Request.Context(), sc, c.Param("id"), ifMatch(c, "If-Match")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
