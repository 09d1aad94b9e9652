//go:build integration

package integration

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/config"
	"github.com/dhawalhost/scimgate/internal/password"
	"github.com/dhawalhost/scimgate/internal/scim"
	"github.com/dhawalhost/scimgate/internal/store"
	"github.com/dhawalhost/scimgate/internal/tenant"
	"github.com/dhawalhost/scimgate/pkg/client"
	"github.com/dhawalhost/scimgate/pkg/database"
)

const (
	tenantOneToken = "integration-token-one"
	tenantTwoToken = "integration-token-two"
)

// testConfigYAML is the full server configuration the suite runs against:
// two path-routed tenants over one shared store.
const testConfigYAML = `
server:
  port: 3000
storage:
  kind: sqlite
  path: ":memory:"
tenants:
  - id: 1
    path: /scim/v2
    auth:
      kind: bearer
      token: ` + tenantOneToken + `
  - id: 2
    path: /t2/scim/v2
    auth:
      kind: bearer
      token: ` + tenantTwoToken + `
`

// TestEnv is one running server plus clients for both tenants.
type TestEnv struct {
	DB      *sqlx.DB
	Server  *httptest.Server
	Client  *client.Client
	Client2 *client.Client
}

// SetupTestEnv boots the whole stack in-process: parsed config, sqlite
// store, SCIM service, tenant middleware, HTTP server.
func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	cfg, err := config.Parse([]byte(testConfigYAML))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	db, err := database.Open(cfg.Storage)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	st := store.NewSQLite(db)
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init storage: %v", err)
	}

	// Reduced hash cost keeps the suite fast.
	hasher := password.NewArgon2(password.Params{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	})
	svc := scim.NewService(st, hasher, logger)

	router := gin.New()
	handler := scim.NewHTTPHandler(svc, logger, tenant.Resolver)
	resolve := tenant.Middleware(cfg, logger)
	for _, prefix := range []string{"/scim/v2", "/t2/scim/v2"} {
		group := router.Group(prefix)
		group.Use(resolve)
		handler.RegisterRoutes(group)
	}
	router.NoRoute(tenant.NotFound(cfg, logger))

	srv := httptest.NewServer(router)

	return &TestEnv{
		DB:      db,
		Server:  srv,
		Client:  client.New(client.Config{BaseURL: srv.URL + "/scim/v2", Token: tenantOneToken}),
		Client2: client.New(client.Config{BaseURL: srv.URL + "/t2/scim/v2", Token: tenantTwoToken}),
	}
}

// Teardown stops the server and releases the store.
func (env *TestEnv) Teardown(t *testing.T) {
	t.Helper()
	env.Server.Close()
	if err := env.DB.Close(); err != nil {
		t.Logf("close db: %v", err)
	}
}

// userPayload builds a provisioning-shaped user body.
func userPayload(userName string) client.Resource {
	return client.Resource{
		"schemas":  []string{"urn:ietf:params:scim:schemas:core:2.0:User"},
		"userName": userName,
		"name": map[string]any{
			"givenName":  "Test",
			"familyName": "User",
		},
		"emails": []any{
			map[string]any{"value": userName, "type": "work", "primary": true},
		},
		"password": "Correct-Horse-9!",
		"active":   true,
	}
}

func groupPayload(displayName string, memberIDs ...string) client.Resource {
	var members []any
	for _, id := range memberIDs {
		members = append(members, map[string]any{"value": id})
	}
	g := client.Resource{
		"schemas":     []string{"urn:ietf:params:scim:schemas:core:2.0:Group"},
		"displayName": displayName,
	}
	if members != nil {
		g["members"] = members
	}
	return g
}

func scimStatusCode(t *testing.T, err error) int {
	t.Helper()
	se, ok := err.(*client.Error)
	if !ok {
		t.Fatalf("expected SCIM error, got %v", err)
	}
	return se.StatusCode
}
