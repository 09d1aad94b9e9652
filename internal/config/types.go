// Package config holds the declarative server configuration: bind address,
// storage selection, tenants with their routing and authentication rules,
// and per-tenant compatibility overrides. The structure is loaded once at
// startup and shared read-only afterwards.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// AuthKind enumerates the supported tenant authentication schemes.
type AuthKind string

const (
	AuthUnauthenticated AuthKind = "unauthenticated"
	AuthBearer          AuthKind = "bearer"
	AuthToken           AuthKind = "token"
	AuthBasic           AuthKind = "basic"
)

// HostResolutionKind selects how the effective host is derived for a tenant
// that routes by host.
type HostResolutionKind string

const (
	ResolveHost       HostResolutionKind = "host"
	ResolveForwarded  HostResolutionKind = "forwarded"
	ResolveXForwarded HostResolutionKind = "xforwarded"
)

// Config is the root configuration document.
type Config struct {
	Server        ServerConfig   `yaml:"server"`
	Storage       StorageConfig  `yaml:"storage"`
	Compatibility *Compatibility `yaml:"compatibility,omitempty"`
	Tenants       []Tenant       `yaml:"tenants" validate:"min=1,dive"`
}

// ServerConfig covers the HTTP listener and the ambient middleware knobs.
type ServerConfig struct {
	Host           string          `yaml:"host"`
	Port           int             `yaml:"port" validate:"gt=0,lte=65535"`
	ReadTimeout    time.Duration   `yaml:"read_timeout"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	CORS           CORSConfig      `yaml:"cors"`
	Log            LogConfig       `yaml:"log"`
	Tracing        TracingConfig   `yaml:"tracing"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

type CORSConfig struct {
	Enabled bool     `yaml:"enabled"`
	Origins []string `yaml:"origins"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// StorageConfig selects and parameterises the backing store.
type StorageConfig struct {
	Kind            string        `yaml:"kind" validate:"oneof=postgres sqlite"`
	DSN             string        `yaml:"dsn"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Tenant is one isolated SCIM namespace, addressable by path or host.
type Tenant struct {
	ID              int              `yaml:"id" validate:"gte=0"`
	Path            string           `yaml:"path"`
	Host            string           `yaml:"host"`
	OverrideBaseURL string           `yaml:"override_base_url"`
	Auth            AuthConfig       `yaml:"auth"`
	HostResolution  *HostResolution  `yaml:"host_resolution,omitempty"`
	CustomEndpoints []CustomEndpoint `yaml:"custom_endpoints,omitempty"`
	Compatibility   *Compatibility   `yaml:"compatibility,omitempty"`
}

// AuthConfig describes the credential a tenant (or custom endpoint) expects.
type AuthConfig struct {
	Kind          AuthKind `yaml:"kind"`
	Token         string   `yaml:"token"`
	BasicUsername string   `yaml:"basic_username"`
	BasicPassword string   `yaml:"basic_password"`
}

// HostResolution controls how a host-routed tenant derives the client-facing
// host, optionally trusting proxy-supplied headers.
type HostResolution struct {
	Kind           HostResolutionKind `yaml:"kind"`
	TrustedProxies []string           `yaml:"trusted_proxies"`

	trusted []*net.IPNet
}

// TrustsPeer reports whether the immediate peer address (ip or ip:port) is
// inside one of the configured trusted proxy ranges.
func (h *HostResolution) TrustsPeer(remoteAddr string) bool {
	if h == nil || len(h.trusted) == 0 {
		return false
	}
	host := remoteAddr
	if hp, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = hp
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range h.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (h *HostResolution) compile() error {
	for _, raw := range h.TrustedProxies {
		if strings.Contains(raw, "/") {
			_, n, err := net.ParseCIDR(raw)
			if err != nil {
				return fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			h.trusted = append(h.trusted, n)
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return fmt.Errorf("trusted proxy %q: not an IP or CIDR", raw)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		h.trusted = append(h.trusted, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nil
}

// CustomEndpoint is a literal response served on an exact path before SCIM
// dispatch. Its Auth, when set, overrides the tenant default.
type CustomEndpoint struct {
	Path        string      `yaml:"path"`
	Response    string      `yaml:"response"`
	StatusCode  int         `yaml:"status_code"`
	ContentType string      `yaml:"content_type"`
	Auth        *AuthConfig `yaml:"auth,omitempty"`
}

// Compatibility collects the per-client quirks. Pointer fields distinguish
// "unset, inherit" from an explicit false.
type Compatibility struct {
	MetaDatetimeFormat            string `yaml:"meta_datetime_format"`
	ShowEmptyGroupsMembers        *bool  `yaml:"show_empty_groups_members,omitempty"`
	IncludeUserGroups             *bool  `yaml:"include_user_groups,omitempty"`
	SupportPatchReplaceEmptyArray *bool  `yaml:"support_patch_replace_empty_array,omitempty"`
	SupportPatchReplaceEmptyValue *bool  `yaml:"support_patch_replace_empty_value,omitempty"`
	SupportGroupMembersFilter     *bool  `yaml:"support_group_members_filter,omitempty"`
	SupportGroupDisplayNameFilter *bool  `yaml:"support_group_displayname_filter,omitempty"`
}

// EffectiveCompatibility is the fully resolved flag set for one request.
type EffectiveCompatibility struct {
	MetaDatetimeFormat            string
	ShowEmptyGroupsMembers        bool
	IncludeUserGroups             bool
	SupportPatchReplaceEmptyArray bool
	SupportPatchReplaceEmptyValue bool
	SupportGroupMembersFilter     bool
	SupportGroupDisplayNameFilter bool
}

func defaultCompatibility() EffectiveCompatibility {
	return EffectiveCompatibility{
		MetaDatetimeFormat:            "rfc3339",
		ShowEmptyGroupsMembers:        false,
		IncludeUserGroups:             true,
		SupportPatchReplaceEmptyArray: false,
		SupportPatchReplaceEmptyValue: false,
		SupportGroupMembersFilter:     true,
		SupportGroupDisplayNameFilter: true,
	}
}

func (e *EffectiveCompatibility) overlay(c *Compatibility) {
	if c == nil {
		return
	}
	if c.MetaDatetimeFormat != "" {
		e.MetaDatetimeFormat = c.MetaDatetimeFormat
	}
	if c.ShowEmptyGroupsMembers != nil {
		e.ShowEmptyGroupsMembers = *c.ShowEmptyGroupsMembers
	}
	if c.IncludeUserGroups != nil {
		e.IncludeUserGroups = *c.IncludeUserGroups
	}
	if c.SupportPatchReplaceEmptyArray != nil {
		e.SupportPatchReplaceEmptyArray = *c.SupportPatchReplaceEmptyArray
	}
	if c.SupportPatchReplaceEmptyValue != nil {
		e.SupportPatchReplaceEmptyValue = *c.SupportPatchReplaceEmptyValue
	}
	if c.SupportGroupMembersFilter != nil {
		e.SupportGroupMembersFilter = *c.SupportGroupMembersFilter
	}
	if c.SupportGroupDisplayNameFilter != nil {
		e.SupportGroupDisplayNameFilter = *c.SupportGroupDisplayNameFilter
	}
}

// EffectiveCompatibility resolves the flag set for a tenant: tenant override,
// then the global block, then the built-in defaults.
func (c *Config) EffectiveCompatibility(tenantID int) EffectiveCompatibility {
	eff := defaultCompatibility()
	eff.overlay(c.Compatibility)
	if t := c.TenantByID(tenantID); t != nil {
		eff.overlay(t.Compatibility)
	}
	return eff
}

// TenantByID returns the tenant with the given id, or nil.
func (c *Config) TenantByID(id int) *Tenant {
	for i := range c.Tenants {
		if c.Tenants[i].ID == id {
			return &c.Tenants[i]
		}
	}
	return nil
}

// MatchTenant resolves a tenant for a request. Host-routed tenants match on
// exact host; path-routed tenants match on longest configured path prefix.
func (c *Config) MatchTenant(host, path string) *Tenant {
	var best *Tenant
	bestLen := -1
	for i := range c.Tenants {
		t := &c.Tenants[i]
		if t.Host != "" {
			if hostsEqual(t.Host, host) {
				return t
			}
			continue
		}
		p := strings.TrimSuffix(t.Path, "/")
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			if len(p) > bestLen {
				best = t
				bestLen = len(p)
			}
		}
	}
	return best
}

func hostsEqual(a, b string) bool {
	return strings.EqualFold(stripDefaultPort(a), stripDefaultPort(b))
}

func stripDefaultPort(host string) string {
	if h, p, err := net.SplitHostPort(host); err == nil && (p == "443" || p == "80") {
		return h
	}
	return host
}

// BaseURL computes the tenant's effective external base URL. An explicit
// override wins; otherwise the URL is reconstructed from the request scheme
// and host plus the tenant path, with default ports elided.
func (t *Tenant) BaseURL(scheme, host string) string {
	if t.OverrideBaseURL != "" {
		return strings.TrimSuffix(t.OverrideBaseURL, "/")
	}
	if scheme == "" {
		scheme = "http"
	}
	host = stripDefaultPortFor(scheme, host)
	p := strings.TrimSuffix(t.Path, "/")
	return scheme + "://" + host + p
}

func stripDefaultPortFor(scheme, host string) string {
	h, p, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "https" && p == "443") || (scheme == "http" && p == "80") {
		return h
	}
	return host
}

// FindCustomEndpoint returns the custom endpoint exactly matching the
// tenant-relative path, or nil.
func (t *Tenant) FindCustomEndpoint(path string) *CustomEndpoint {
	for i := range t.CustomEndpoints {
		if t.CustomEndpoints[i].Path == path {
			return &t.CustomEndpoints[i]
		}
	}
	return nil
}
