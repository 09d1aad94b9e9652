package scim

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/patch"
	"github.com/dhawalhost/scimgate/internal/resource"
)

type stubService struct {
	createUser  func(Scope, resource.Document) (resource.Document, error)
	getUser     func(Scope, string) (resource.Document, int64, error)
	replaceUser func(Scope, string, resource.Document, *int64) (resource.Document, error)
	patchUser   func(Scope, string, []patch.Op, *int64) (resource.Document, error)
	deleteUser  func(Scope, string, *int64) error
	searchUsers func(Scope, SearchParams) (*ListResponse, error)

	createGroup  func(Scope, resource.Document) (resource.Document, error)
	getGroup     func(Scope, string) (resource.Document, int64, error)
	replaceGroup func(Scope, string, resource.Document, *int64) (resource.Document, error)
	patchGroup   func(Scope, string, []patch.Op, *int64) (resource.Document, error)
	deleteGroup  func(Scope, string, *int64) error
	searchGroups func(Scope, SearchParams) (*ListResponse, error)
}

func (s *stubService) CreateUser(_ context.Context, sc Scope, d resource.Document) (resource.Document, error) {
	return s.createUser(sc, d)
}
func (s *stubService) GetUser(_ context.Context, sc Scope, id string) (resource.Document, int64, error) {
	return s.getUser(sc, id)
}
func (s *stubService) ReplaceUser(_ context.Context, sc Scope, id string, d resource.Document, v *int64) (resource.Document, error) {
	return s.replaceUser(sc, id, d, v)
}
func (s *stubService) PatchUser(_ context.Context, sc Scope, id string, ops []patch.Op, v *int64) (resource.Document, error) {
	return s.patchUser(sc, id, ops, v)
}
func (s *stubService) DeleteUser(_ context.Context, sc Scope, id string, v *int64) error {
	return s.deleteUser(sc, id, v)
}
func (s *stubService) SearchUsers(_ context.Context, sc Scope, p SearchParams) (*ListResponse, error) {
	return s.searchUsers(sc, p)
}
func (s *stubService) CreateGroup(_ context.Context, sc Scope, d resource.Document) (resource.Document, error) {
	return s.createGroup(sc, d)
}
func (s *stubService) GetGroup(_ context.Context, sc Scope, id string) (resource.Document, int64, error) {
	return s.getGroup(sc, id)
}
func (s *stubService) ReplaceGroup(_ context.Context, sc Scope, id string, d resource.Document, v *int64) (resource.Document, error) {
	return s.replaceGroup(sc, id, d, v)
}
func (s *stubService) PatchGroup(_ context.Context, sc Scope, id string, ops []patch.Op, v *int64) (resource.Document, error) {
	return s.patchGroup(sc, id, ops, v)
}
func (s *stubService) DeleteGroup(_ context.Context, sc Scope, id string, v *int64) error {
	return s.deleteGroup(sc, id, v)
}
func (s *stubService) SearchGroups(_ context.Context, sc Scope, p SearchParams) (*ListResponse, error) {
	return s.searchGroups(sc, p)
}

func newTestRouter(svc ResourceService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHTTPHandler(svc, zap.NewNop(), func(*gin.Context) (Scope, string, bool) {
		return testScope(), "bearer", true
	})
	h.RegisterRoutes(r.Group("/scim/v2"))
	return r
}

func doRequest(t *testing.T, r *gin.Engine, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/scim+json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v\n%s", err, w.Body.String())
	}
	return out
}

func sampleUserResponse(id string, version int64) resource.Document {
	doc := userDoc("john")
	doc.Set("id", id)
	resource.SetMeta(doc, "User", testScope().BaseURL+"/Users/"+id, version,
		mustTime("2025-06-14T10:03:54.374Z"), mustTime("2025-06-14T10:03:54.374Z"), "rfc3339")
	return doc
}

func mustTime(s string) time.Time {
	t, err := parseSCIMTime(s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestCreateUserEndpoint(t *testing.T) {
	svc := &stubService{
		createUser: func(sc Scope, d resource.Document) (resource.Document, error) {
			if d.GetString("userName") != "john" {
				t.Errorf("userName = %q", d.GetString("userName"))
			}
			return sampleUserResponse("u-1", 1), nil
		},
	}
	w := doRequest(t, newTestRouter(svc), http.MethodPost, "/scim/v2/Users",
		`{"schemas":["urn:ietf:params:scim:schemas:core:2.0:User"],"userName":"john"}`, nil)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != ContentType {
		t.Errorf("Content-Type = %q", got)
	}
	if got := w.Header().Get("ETag"); got != `W/"1"` {
		t.Errorf("ETag = %q", got)
	}
	if got := w.Header().Get("Location"); !strings.HasSuffix(got, "/Users/u-1") {
		t.Errorf("Location = %q", got)
	}
}

func TestCreateUserRejectsWrongContentType(t *testing.T) {
	svc := &stubService{}
	req := httptest.NewRequest(http.MethodPost, "/scim/v2/Users", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	newTestRouter(svc).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "400" {
		t.Errorf("status field = %v, must be the code as a string", body["status"])
	}
	if body["scimType"] != "invalidValue" {
		t.Errorf("scimType = %v", body["scimType"])
	}
	schemas := body["schemas"].([]any)
	if schemas[0] != resource.SchemaError {
		t.Errorf("schemas = %v", schemas)
	}
}

func TestCreateUserMalformedBody(t *testing.T) {
	svc := &stubService{}
	w := doRequest(t, newTestRouter(svc), http.MethodPost, "/scim/v2/Users", `{not json`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["scimType"] != "invalidSyntax" {
		t.Errorf("scimType = %v", body["scimType"])
	}
}

func TestGetUserConditional(t *testing.T) {
	svc := &stubService{
		getUser: func(sc Scope, id string) (resource.Document, int64, error) {
			return sampleUserResponse(id, 3), 3, nil
		},
	}
	r := newTestRouter(svc)

	w := doRequest(t, r, http.MethodGet, "/scim/v2/Users/u-1", "", map[string]string{"If-None-Match": `W/"3"`})
	if w.Code != http.StatusNotModified {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("304 must not carry a body, got %q", w.Body.String())
	}

	w = doRequest(t, r, http.MethodGet, "/scim/v2/Users/u-1", "", map[string]string{"If-None-Match": `W/"2"`})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("ETag"); got != `W/"3"` {
		t.Errorf("ETag = %q", got)
	}
}

func TestGetUserProjection(t *testing.T) {
	svc := &stubService{
		getUser: func(sc Scope, id string) (resource.Document, int64, error) {
			return sampleUserResponse(id, 1), 1, nil
		},
	}
	w := doRequest(t, newTestRouter(svc), http.MethodGet, "/scim/v2/Users/u-1?attributes=userName", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	for _, required := range []string{"id", "schemas", "meta", "userName"} {
		if _, ok := body[required]; !ok {
			t.Errorf("%s missing from projected response", required)
		}
	}
	if _, ok := body["emails"]; ok {
		t.Error("emails should be projected away")
	}
}

func TestPatchRequiresPatchOpSchema(t *testing.T) {
	svc := &stubService{}
	w := doRequest(t, newTestRouter(svc), http.MethodPatch, "/scim/v2/Users/u-1",
		`{"schemas":["urn:wrong"],"Operations":[{"op":"replace","path":"title","value":"x"}]}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["scimType"] != "invalidSyntax" {
		t.Errorf("scimType = %v", body["scimType"])
	}
}

func TestPatchPassesIfMatch(t *testing.T) {
	var gotVersion *int64
	svc := &stubService{
		patchUser: func(sc Scope, id string, ops []patch.Op, v *int64) (resource.Document, error) {
			gotVersion = v
			return sampleUserResponse(id, 2), nil
		},
	}
	w := doRequest(t, newTestRouter(svc), http.MethodPatch, "/scim/v2/Users/u-1",
		`{"schemas":["urn:ietf:params:scim:api:messages:2.0:PatchOp"],"Operations":[{"op":"replace","path":"title","value":"x"}]}`,
		map[string]string{"If-Match": `W/"1"`})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if gotVersion == nil || *gotVersion != 1 {
		t.Errorf("ifMatch = %v", gotVersion)
	}
}

func TestDeleteUserEndpoint(t *testing.T) {
	svc := &stubService{
		deleteUser: func(sc Scope, id string, v *int64) error {
			if id != "u-1" {
				t.Errorf("id = %q", id)
			}
			if v != nil {
				t.Errorf("ifMatch = %v without a header", *v)
			}
			return nil
		},
	}
	w := doRequest(t, newTestRouter(svc), http.MethodDelete, "/scim/v2/Users/u-1", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestDeleteUserForwardsIfMatch(t *testing.T) {
	var gotVersion *int64
	svc := &stubService{
		deleteUser: func(sc Scope, id string, v *int64) error {
			gotVersion = v
			return nil
		},
	}
	w := doRequest(t, newTestRouter(svc), http.MethodDelete, "/scim/v2/Users/u-1", "",
		map[string]string{"If-Match": `W/"3"`})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if gotVersion == nil || *gotVersion != 3 {
		t.Errorf("ifMatch = %v", gotVersion)
	}
}

func TestServiceErrorsRenderAsSCIM(t *testing.T) {
	svc := &stubService{
		getUser: func(sc Scope, id string) (resource.Document, int64, error) {
			return nil, 0, notFound("User", id)
		},
	}
	w := doRequest(t, newTestRouter(svc), http.MethodGet, "/scim/v2/Users/ghost", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "404" || !strings.Contains(body["detail"].(string), "ghost") {
		t.Errorf("body = %v", body)
	}
}

func TestSearchEndpointPost(t *testing.T) {
	svc := &stubService{
		searchUsers: func(sc Scope, p SearchParams) (*ListResponse, error) {
			if p.Filter != `userName sw "j"` || p.StartIndex != 1 || p.Count != 2 || !p.CountSet {
				t.Errorf("params = %+v", p)
			}
			return newListResponse(0, 1, nil), nil
		},
	}
	w := doRequest(t, newTestRouter(svc), http.MethodPost, "/scim/v2/Users/.search",
		`{"schemas":["urn:ietf:params:scim:api:messages:2.0:SearchRequest"],"filter":"userName sw \"j\"","startIndex":1,"count":2}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["totalResults"] != float64(0) {
		t.Errorf("totalResults = %v", body["totalResults"])
	}
	if _, ok := body["Resources"]; !ok {
		t.Error("Resources missing from empty list response")
	}
}

func TestListGroupsEndpoint(t *testing.T) {
	g := groupDoc("Engineering")
	g.Set("id", "g-1")
	resource.SetMeta(g, "Group", testScope().BaseURL+"/Groups/g-1", 1,
		mustTime("2025-06-14T10:03:54.374Z"), mustTime("2025-06-14T10:03:54.374Z"), "rfc3339")
	svc := &stubService{
		searchGroups: func(sc Scope, p SearchParams) (*ListResponse, error) {
			if p.Filter != `displayName eq "Engineering"` {
				t.Errorf("filter = %q", p.Filter)
			}
			return newListResponse(1, 1, []resource.Document{g}), nil
		},
	}
	w := doRequest(t, newTestRouter(svc), http.MethodGet,
		"/scim/v2/Groups?filter=displayName%20eq%20%22Engineering%22", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["totalResults"] != float64(1) {
		t.Errorf("totalResults = %v", body["totalResults"])
	}
	res := body["Resources"].([]any)
	if len(res) != 1 || res[0].(map[string]any)["displayName"] != "Engineering" {
		t.Errorf("Resources = %+v", res)
	}
}

func TestBulkNotImplemented(t *testing.T) {
	w := doRequest(t, newTestRouter(&stubService{}), http.MethodPost, "/scim/v2/Bulk", `{}`, nil)
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "501" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestServiceProviderConfigEndpoint(t *testing.T) {
	w := doRequest(t, newTestRouter(&stubService{}), http.MethodGet, "/scim/v2/ServiceProviderConfig", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["patch"].(map[string]any)["supported"] != true {
		t.Error("patch must be advertised as supported")
	}
	if body["bulk"].(map[string]any)["supported"] != false {
		t.Error("bulk must be advertised as unsupported")
	}
	if body["filter"].(map[string]any)["maxResults"] != float64(maxPageSize) {
		t.Errorf("maxResults = %v", body["filter"].(map[string]any)["maxResults"])
	}
}

func TestDiscoveryEndpoints(t *testing.T) {
	r := newTestRouter(&stubService{})

	w := doRequest(t, r, http.MethodGet, "/scim/v2/ResourceTypes", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["totalResults"] != float64(2) {
		t.Errorf("totalResults = %v", body["totalResults"])
	}

	w = doRequest(t, r, http.MethodGet, "/scim/v2/Schemas/"+resource.SchemaGroup, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["id"] != resource.SchemaGroup {
		t.Errorf("id = %v", body["id"])
	}

	w = doRequest(t, r, http.MethodGet, "/scim/v2/Schemas/urn:nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}
