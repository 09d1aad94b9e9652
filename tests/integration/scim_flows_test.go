//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/dhawalhost/scimgate/pkg/client"
)

func TestUserLifecycle(t *testing.T) {
	env := SetupTestEnv(t)
	defer env.Teardown(t)
	ctx := context.Background()

	created, err := env.Client.CreateUser(ctx, userPayload("alice@example.com"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID() == "" {
		t.Fatal("created user has no id")
	}
	if created.ETag() != `W/"1"` {
		t.Errorf("etag = %q", created.ETag())
	}
	if _, ok := created["password"]; ok {
		t.Error("password echoed back in create response")
	}

	got, err := env.Client.GetUser(ctx, created.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["userName"] != "alice@example.com" {
		t.Errorf("userName = %v", got["userName"])
	}

	list, err := env.Client.SearchUsers(ctx, `userName eq "alice@example.com"`)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if list.TotalResults != 1 || len(list.Resources) != 1 {
		t.Fatalf("search returned %d/%d results", list.TotalResults, len(list.Resources))
	}
	if list.Resources[0].ID() != created.ID() {
		t.Error("search returned a different user")
	}

	patched, err := env.Client.PatchUser(ctx, created.ID(), []client.Resource{
		{"op": "replace", "path": "active", "value": false},
	}, "")
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if patched["active"] != false {
		t.Errorf("active = %v after deactivation", patched["active"])
	}
	if patched.ETag() != `W/"2"` {
		t.Errorf("etag after patch = %q", patched.ETag())
	}

	if err := env.Client.DeleteUser(ctx, created.ID()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = env.Client.GetUser(ctx, created.ID())
	if code := scimStatusCode(t, err); code != http.StatusNotFound {
		t.Errorf("get after delete = %d", code)
	}
}

func TestReplacePreconditions(t *testing.T) {
	env := SetupTestEnv(t)
	defer env.Teardown(t)
	ctx := context.Background()

	created, err := env.Client.CreateUser(ctx, userPayload("bob@example.com"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	replacement := userPayload("bob@example.com")
	delete(replacement, "password")
	replacement["title"] = "Engineer"

	updated, err := env.Client.ReplaceUser(ctx, created.ID(), replacement, created.ETag())
	if err != nil {
		t.Fatalf("replace with current etag: %v", err)
	}
	if updated.ETag() != `W/"2"` {
		t.Errorf("etag after replace = %q", updated.ETag())
	}
	if updated["title"] != "Engineer" {
		t.Errorf("title = %v", updated["title"])
	}

	_, err = env.Client.ReplaceUser(ctx, created.ID(), replacement, created.ETag())
	if code := scimStatusCode(t, err); code != http.StatusPreconditionFailed {
		t.Errorf("stale etag replace = %d, want 412", code)
	}
}

func TestDuplicateUserNameRejected(t *testing.T) {
	env := SetupTestEnv(t)
	defer env.Teardown(t)
	ctx := context.Background()

	if _, err := env.Client.CreateUser(ctx, userPayload("carol@example.com")); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := env.Client.CreateUser(ctx, userPayload("Carol@Example.com"))
	if code := scimStatusCode(t, err); code != http.StatusConflict {
		t.Fatalf("duplicate create = %d, want 409", code)
	}
	if se := err.(*client.Error); se.ScimType != "uniqueness" {
		t.Errorf("scimType = %q", se.ScimType)
	}
}

func TestGroupMembership(t *testing.T) {
	env := SetupTestEnv(t)
	defer env.Teardown(t)
	ctx := context.Background()

	alice, err := env.Client.CreateUser(ctx, userPayload("alice@example.com"))
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := env.Client.CreateUser(ctx, userPayload("bob@example.com"))
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}

	group, err := env.Client.CreateGroup(ctx, groupPayload("Engineering", alice.ID()))
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if n := memberValues(group); len(n) != 1 || n[0] != alice.ID() {
		t.Fatalf("members after create = %v", n)
	}

	group, err = env.Client.PatchGroup(ctx, group.ID(), []client.Resource{
		{"op": "add", "path": "members", "value": []any{map[string]any{"value": bob.ID()}}},
	}, "")
	if err != nil {
		t.Fatalf("patch add member: %v", err)
	}
	if n := memberValues(group); len(n) != 2 {
		t.Fatalf("members after add = %v", n)
	}

	// Membership is reflected on the user side.
	aliceDoc, err := env.Client.GetUser(ctx, alice.ID())
	if err != nil {
		t.Fatalf("get alice: %v", err)
	}
	groups, _ := aliceDoc["groups"].([]any)
	if len(groups) != 1 {
		t.Fatalf("alice groups = %v", aliceDoc["groups"])
	}
	if g := groups[0].(map[string]any); g["value"] != group.ID() || g["display"] != "Engineering" {
		t.Errorf("alice group entry = %v", g)
	}

	group, err = env.Client.PatchGroup(ctx, group.ID(), []client.Resource{
		{"op": "remove", "path": `members[value eq "` + alice.ID() + `"]`},
	}, "")
	if err != nil {
		t.Fatalf("patch remove member: %v", err)
	}
	if n := memberValues(group); len(n) != 1 || n[0] != bob.ID() {
		t.Fatalf("members after remove = %v", n)
	}

	// Deleting a member cleans up the edge.
	if err := env.Client.DeleteUser(ctx, bob.ID()); err != nil {
		t.Fatalf("delete bob: %v", err)
	}
	group, err = env.Client.GetGroup(ctx, group.ID())
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if n := memberValues(group); len(n) != 0 {
		t.Errorf("members after user delete = %v", n)
	}
}

func TestGroupSearchByMember(t *testing.T) {
	env := SetupTestEnv(t)
	defer env.Teardown(t)
	ctx := context.Background()

	alice, err := env.Client.CreateUser(ctx, userPayload("alice@example.com"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Client.CreateGroup(ctx, groupPayload("Engineering", alice.ID())); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := env.Client.CreateGroup(ctx, groupPayload("Sales")); err != nil {
		t.Fatalf("create group: %v", err)
	}

	list, err := env.Client.SearchGroups(ctx, `members[value eq "`+alice.ID()+`"]`)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if list.TotalResults != 1 || list.Resources[0]["displayName"] != "Engineering" {
		t.Errorf("member search = %d results, first %v", list.TotalResults, list.Resources)
	}

	byName, err := env.Client.SearchGroups(ctx, `displayName eq "Sales"`)
	if err != nil {
		t.Fatalf("search by name: %v", err)
	}
	if byName.TotalResults != 1 {
		t.Errorf("displayName search = %d results", byName.TotalResults)
	}
}

func TestTenantIsolation(t *testing.T) {
	env := SetupTestEnv(t)
	defer env.Teardown(t)
	ctx := context.Background()

	created, err := env.Client.CreateUser(ctx, userPayload("alice@example.com"))
	if err != nil {
		t.Fatalf("create in tenant 1: %v", err)
	}

	// The same id does not resolve in the other tenant.
	_, err = env.Client2.GetUser(ctx, created.ID())
	if code := scimStatusCode(t, err); code != http.StatusNotFound {
		t.Errorf("cross-tenant get = %d, want 404", code)
	}

	list, err := env.Client2.SearchUsers(ctx, "")
	if err != nil {
		t.Fatalf("tenant 2 search: %v", err)
	}
	if list.TotalResults != 0 {
		t.Errorf("tenant 2 sees %d users", list.TotalResults)
	}

	// Same userName is free in the other tenant.
	if _, err := env.Client2.CreateUser(ctx, userPayload("alice@example.com")); err != nil {
		t.Errorf("create in tenant 2: %v", err)
	}
}

func TestAuthRequired(t *testing.T) {
	env := SetupTestEnv(t)
	defer env.Teardown(t)
	ctx := context.Background()

	bad := client.New(client.Config{BaseURL: env.Server.URL + "/scim/v2", Token: "wrong"})
	_, err := bad.SearchUsers(ctx, "")
	if code := scimStatusCode(t, err); code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", code)
	}

	resp, err := http.Get(env.Server.URL + "/scim/v2/Users")
	if err != nil {
		t.Fatalf("anonymous request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous request = %d, want 401", resp.StatusCode)
	}
	if h := resp.Header.Get("WWW-Authenticate"); !strings.Contains(h, "Bearer") {
		t.Errorf("WWW-Authenticate = %q", h)
	}
}

func TestDiscoveryEndpoints(t *testing.T) {
	env := SetupTestEnv(t)
	defer env.Teardown(t)

	spc := getJSON(t, env, "/scim/v2/ServiceProviderConfig")
	patch, _ := spc["patch"].(map[string]any)
	if patch["supported"] != true {
		t.Errorf("patch.supported = %v", patch["supported"])
	}
	bulk, _ := spc["bulk"].(map[string]any)
	if bulk["supported"] != false {
		t.Errorf("bulk.supported = %v", bulk["supported"])
	}

	rt := getJSON(t, env, "/scim/v2/ResourceTypes")
	if rt["totalResults"] != float64(2) {
		t.Errorf("resource types = %v", rt["totalResults"])
	}

	schemas := getJSON(t, env, "/scim/v2/Schemas")
	if schemas["totalResults"] != float64(3) {
		t.Errorf("schemas = %v", schemas["totalResults"])
	}
}

func getJSON(t *testing.T, env *TestEnv, path string) map[string]any {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, env.Server.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+tenantOneToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s = %d: %s", path, resp.StatusCode, body)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return out
}

func memberValues(group client.Resource) []string {
	members, _ := group["members"].([]any)
	out := make([]string, 0, len(members))
	for _, m := range members {
		entry, _ := m.(map[string]any)
		if v, ok := entry["value"].(string); ok {
			out = append(out, v)
		}
	}
	return out
}
