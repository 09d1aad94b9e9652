package config

import (
	"os"
	"testing"
)

const sampleYAML = `
server:
  port: 3000
storage:
  kind: sqlite
  path: /tmp/test.db
compatibility:
  show_empty_groups_members: true
tenants:
  - id: 1
    path: /scim/v2
    auth:
      kind: bearer
      token: secret-token
  - id: 2
    path: /scim/v2/extra
    auth:
      kind: unauthenticated
    compatibility:
      show_empty_groups_members: false
      meta_datetime_format: epoch
  - id: 3
    host: tenant3.example.com
    auth:
      kind: basic
      basic_username: admin
      basic_password: pw
    host_resolution:
      kind: forwarded
      trusted_proxies: ["10.0.0.0/8", "192.168.1.5"]
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := len(cfg.Tenants); got != 3 {
		t.Fatalf("tenants = %d, want 3", got)
	}
	if cfg.Server.Addr() != ":3000" {
		t.Errorf("Addr() = %q", cfg.Server.Addr())
	}
	if cfg.Tenants[0].Auth.Kind != AuthBearer {
		t.Errorf("tenant 1 auth kind = %q", cfg.Tenants[0].Auth.Kind)
	}
}

func TestEnvExpansion(t *testing.T) {
	os.Setenv("SCIM_TEST_TOKEN", "from-env")
	defer os.Unsetenv("SCIM_TEST_TOKEN")

	raw := []byte("token: ${SCIM_TEST_TOKEN}\nother: ${SCIM_TEST_MISSING:-fallback}\nempty: ${SCIM_TEST_MISSING}")
	got := string(ExpandEnv(raw))
	want := "token: from-env\nother: fallback\nempty: "
	if got != want {
		t.Errorf("ExpandEnv = %q, want %q", got, want)
	}
}

func TestMatchTenantLongestPrefix(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		host, path string
		want       int // tenant id, -1 for no match
	}{
		{"", "/scim/v2/Users", 1},
		{"", "/scim/v2", 1},
		{"", "/scim/v2/extra/Users", 2},
		{"", "/scim/v2extra/Users", -1},
		{"", "/other/Users", -1},
		{"tenant3.example.com", "/Users", 3},
		{"tenant3.example.com:443", "/Users", 3},
	}
	for _, tc := range cases {
		got := cfg.MatchTenant(tc.host, tc.path)
		if tc.want < 0 {
			if got != nil {
				t.Errorf("MatchTenant(%q,%q) = tenant %d, want none", tc.host, tc.path, got.ID)
			}
			continue
		}
		if got == nil || got.ID != tc.want {
			t.Errorf("MatchTenant(%q,%q) = %v, want tenant %d", tc.host, tc.path, got, tc.want)
		}
	}
}

func TestEffectiveCompatibility(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	// Tenant 1 inherits the global override.
	eff := cfg.EffectiveCompatibility(1)
	if !eff.ShowEmptyGroupsMembers {
		t.Error("tenant 1 should inherit show_empty_groups_members=true")
	}
	if eff.MetaDatetimeFormat != "rfc3339" {
		t.Errorf("tenant 1 datetime format = %q", eff.MetaDatetimeFormat)
	}

	// Tenant 2 overrides back to false and switches datetime format.
	eff = cfg.EffectiveCompatibility(2)
	if eff.ShowEmptyGroupsMembers {
		t.Error("tenant 2 override to false ignored")
	}
	if eff.MetaDatetimeFormat != "epoch" {
		t.Errorf("tenant 2 datetime format = %q", eff.MetaDatetimeFormat)
	}

	// Unknown tenant falls back to global + defaults.
	eff = cfg.EffectiveCompatibility(99)
	if !eff.IncludeUserGroups {
		t.Error("default include_user_groups should be true")
	}
}

func TestBaseURL(t *testing.T) {
	tn := Tenant{ID: 1, Path: "/scim/v2"}
	if got := tn.BaseURL("https", "example.com:443"); got != "https://example.com/scim/v2" {
		t.Errorf("BaseURL = %q", got)
	}
	if got := tn.BaseURL("http", "example.com:8080"); got != "http://example.com:8080/scim/v2" {
		t.Errorf("BaseURL = %q", got)
	}
	tn.OverrideBaseURL = "https://scim.example.org/api/"
	if got := tn.BaseURL("http", "ignored"); got != "https://scim.example.org/api" {
		t.Errorf("BaseURL override = %q", got)
	}
}

func TestTrustedProxies(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	hr := cfg.Tenants[2].HostResolution
	if !hr.TrustsPeer("10.1.2.3:54321") {
		t.Error("10.1.2.3 should be trusted via 10.0.0.0/8")
	}
	if !hr.TrustsPeer("192.168.1.5:1000") {
		t.Error("literal trusted proxy not matched")
	}
	if hr.TrustsPeer("192.168.1.6:1000") {
		t.Error("192.168.1.6 should not be trusted")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"duplicate id", `
storage: {kind: sqlite}
tenants:
  - {id: 1, path: /a, auth: {kind: unauthenticated}}
  - {id: 1, path: /b, auth: {kind: unauthenticated}}
`},
		{"bearer without token", `
storage: {kind: sqlite}
tenants:
  - {id: 1, path: /a, auth: {kind: bearer}}
`},
		{"bad trusted proxy", `
storage: {kind: sqlite}
tenants:
  - id: 1
    path: /a
    auth: {kind: unauthenticated}
    host_resolution: {kind: forwarded, trusted_proxies: ["not-an-ip"]}
`},
		{"no path or host", `
storage: {kind: sqlite}
tenants:
  - {id: 1, auth: {kind: unauthenticated}}
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.yaml)); err == nil {
				t.Errorf("Parse accepted invalid config")
			}
		})
	}
}
