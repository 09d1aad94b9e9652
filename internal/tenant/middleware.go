// Package tenant resolves the tenant for each request, serves per-tenant
// custom endpoints, and enforces the tenant's authentication scheme before
// any SCIM handler runs.
package tenant

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/config"
	"github.com/dhawalhost/scimgate/internal/resource"
	"github.com/dhawalhost/scimgate/internal/scim"
)

const (
	ctxTenant = "tenant.tenant"
	ctxScope  = "tenant.scope"
)

// From returns the tenant resolved for this request.
func From(c *gin.Context) (*config.Tenant, bool) {
	v, ok := c.Get(ctxTenant)
	if !ok {
		return nil, false
	}
	t, ok := v.(*config.Tenant)
	return t, ok
}

// ScopeFrom returns the request scope placed by the middleware.
func ScopeFrom(c *gin.Context) (scim.Scope, bool) {
	v, ok := c.Get(ctxScope)
	if !ok {
		return scim.Scope{}, false
	}
	sc, ok := v.(scim.Scope)
	return sc, ok
}

// Resolver adapts the middleware context to the SCIM handler's
// scim.ScopeResolver contract.
func Resolver(c *gin.Context) (scim.Scope, string, bool) {
	sc, ok := ScopeFrom(c)
	if !ok {
		return scim.Scope{}, "", false
	}
	kind := string(config.AuthUnauthenticated)
	if t, ok := From(c); ok {
		kind = string(t.Auth.Kind)
	}
	return sc, kind, true
}

// Middleware resolves the tenant for the request, dispatches custom
// endpoints, checks credentials, and stores the scope for the handlers.
func Middleware(cfg *config.Config, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, host := resolveTenant(cfg, c)
		if t == nil {
			writeSCIMError(c, http.StatusNotFound, "", "no tenant matches this request")
			return
		}

		// Custom endpoints are dispatched before the SCIM surface and may
		// carry their own credential.
		rel := tenantRelativePath(t, c.Request.URL.Path)
		if ep := t.FindCustomEndpoint(rel); ep != nil {
			auth := t.Auth
			if ep.Auth != nil {
				auth = *ep.Auth
			}
			if !authorized(c, auth) {
				unauthorized(c)
				return
			}
			c.Data(ep.StatusCode, ep.ContentType, []byte(ep.Response))
			c.Abort()
			return
		}

		if !authorized(c, t.Auth) {
			logger.Warn("authentication failed",
				zap.Int("tenant_id", t.ID), zap.String("path", c.Request.URL.Path))
			unauthorized(c)
			return
		}

		sc := scim.Scope{
			TenantID: t.ID,
			BaseURL:  t.BaseURL(requestScheme(c, t), host),
			Compat:   cfg.EffectiveCompatibility(t.ID),
		}
		c.Set(ctxTenant, t)
		c.Set(ctxScope, sc)
		c.Next()
	}
}

func tenantRelativePath(t *config.Tenant, path string) string {
	prefix := strings.TrimSuffix(t.Path, "/")
	if prefix == "" {
		return path
	}
	rel := strings.TrimPrefix(path, prefix)
	if rel == "" {
		return "/"
	}
	return rel
}

// resolveTenant matches the request to a tenant. Proxy-supplied hosts are
// only honoured when the matched tenant's host resolution asks for that
// header and the immediate peer is a trusted proxy.
func resolveTenant(cfg *config.Config, c *gin.Context) (*config.Tenant, string) {
	path := c.Request.URL.Path

	if fh := forwardedHost(c.GetHeader("Forwarded")); fh != "" {
		if t := cfg.MatchTenant(fh, path); t != nil && t.HostResolution != nil &&
			t.HostResolution.Kind == config.ResolveForwarded &&
			t.HostResolution.TrustsPeer(c.Request.RemoteAddr) {
			return t, fh
		}
	}
	if xh := strings.TrimSpace(c.GetHeader("X-Forwarded-Host")); xh != "" {
		xh = strings.TrimSpace(strings.Split(xh, ",")[0])
		if t := cfg.MatchTenant(xh, path); t != nil && t.HostResolution != nil &&
			t.HostResolution.Kind == config.ResolveXForwarded &&
			t.HostResolution.TrustsPeer(c.Request.RemoteAddr) {
			return t, xh
		}
	}
	if t := cfg.MatchTenant(c.Request.Host, path); t != nil {
		return t, c.Request.Host
	}
	return nil, ""
}

// forwardedHost extracts the host parameter of the first element of an RFC
// 7239 Forwarded header.
func forwardedHost(header string) string {
	if header == "" {
		return ""
	}
	first := strings.Split(header, ",")[0]
	for _, part := range strings.Split(first, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), "host") {
			return strings.Trim(strings.TrimSpace(v), `"`)
		}
	}
	return ""
}

func requestScheme(c *gin.Context, t *config.Tenant) string {
	if t.HostResolution != nil && t.HostResolution.TrustsPeer(c.Request.RemoteAddr) {
		if proto := strings.TrimSpace(c.GetHeader("X-Forwarded-Proto")); proto != "" {
			return strings.ToLower(strings.Split(proto, ",")[0])
		}
	}
	if c.Request.TLS != nil {
		return "https"
	}
	return "http"
}

// authorized checks the request credential against the configured scheme.
// Comparisons are constant time.
func authorized(c *gin.Context, a config.AuthConfig) bool {
	switch a.Kind {
	case config.AuthUnauthenticated, "":
		return true
	case config.AuthBearer:
		return schemeToken(c.GetHeader("Authorization"), "bearer", a.Token)
	case config.AuthToken:
		header := c.GetHeader("Authorization")
		if schemeToken(header, "token", a.Token) {
			return true
		}
		// Some clients send the bare token.
		return secureEqual(strings.TrimSpace(header), a.Token)
	case config.AuthBasic:
		user, pass, ok := c.Request.BasicAuth()
		if !ok {
			return false
		}
		return secureEqual(user, a.BasicUsername) && secureEqual(pass, a.BasicPassword)
	default:
		return false
	}
}

// schemeToken matches "<scheme> <credential>" with a case-insensitive
// scheme word.
func schemeToken(header, scheme, want string) bool {
	word, cred, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(word, scheme) {
		return false
	}
	return secureEqual(strings.TrimSpace(cred), want)
}

func secureEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", `Bearer realm="scim"`)
	writeSCIMError(c, http.StatusUnauthorized, "", "invalid or missing credentials")
}

func writeSCIMError(c *gin.Context, status int, scimType, detail string) {
	body, _ := json.Marshal(scim.ErrorResponse{
		Schemas:  []string{resource.SchemaError},
		Status:   strconv.Itoa(status),
		ScimType: scimType,
		Detail:   detail,
	})
	c.Data(status, scim.ContentType, body)
	c.Abort()
}

// NotFound serves unmatched routes: custom endpoints live on arbitrary
// paths, so the tenant middleware runs for them too, and anything left over
// is a SCIM 404.
func NotFound(cfg *config.Config, logger *zap.Logger) gin.HandlerFunc {
	mw := Middleware(cfg, logger)
	return func(c *gin.Context) {
		mw(c)
		if c.IsAborted() {
			return
		}
		writeSCIMError(c, http.StatusNotFound, "", "unknown endpoint "+c.Request.URL.Path)
	}
}
