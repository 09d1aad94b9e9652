package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:-default} references in the raw
// document before unmarshalling. An unset variable without a default expands
// to the empty string.
func ExpandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		groups := envPattern.FindSubmatch(m)
		name := string(groups[1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		if len(groups[2]) > 0 {
			return groups[3]
		}
		return nil
	})
}

// Load reads, expands, parses, and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse builds a Config from a raw YAML document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(ExpandEnv(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Storage.Kind == "" {
		c.Storage.Kind = "sqlite"
	}
	if c.Storage.Kind == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = "scimgate.db"
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = 25
	}
	if c.Storage.MaxIdleConns == 0 {
		c.Storage.MaxIdleConns = 25
	}
	if c.Storage.ConnMaxLifetime == 0 {
		c.Storage.ConnMaxLifetime = 5 * time.Minute
	}
	for i := range c.Tenants {
		t := &c.Tenants[i]
		if t.Auth.Kind == "" {
			t.Auth.Kind = AuthUnauthenticated
		}
		for j := range t.CustomEndpoints {
			ep := &t.CustomEndpoints[j]
			if ep.StatusCode == 0 {
				ep.StatusCode = 200
			}
			if ep.ContentType == "" {
				ep.ContentType = "application/json"
			}
		}
	}
}

// Validate enforces the structural rules the rest of the server relies on:
// unique tenant ids and paths, complete credentials for the declared auth
// kind, and parseable trusted-proxy entries.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	seenID := make(map[int]bool)
	seenPath := make(map[string]bool)
	seenHost := make(map[string]bool)
	for i := range c.Tenants {
		t := &c.Tenants[i]
		if seenID[t.ID] {
			return fmt.Errorf("tenant %d: duplicate id", t.ID)
		}
		seenID[t.ID] = true
		if t.Path == "" && t.Host == "" {
			return fmt.Errorf("tenant %d: needs a path or a host", t.ID)
		}
		if t.Path != "" {
			if t.Path[0] != '/' {
				return fmt.Errorf("tenant %d: path must start with /", t.ID)
			}
			if seenPath[t.Path] {
				return fmt.Errorf("tenant %d: duplicate path %q", t.ID, t.Path)
			}
			seenPath[t.Path] = true
		}
		if t.Host != "" {
			if seenHost[t.Host] {
				return fmt.Errorf("tenant %d: duplicate host %q", t.ID, t.Host)
			}
			seenHost[t.Host] = true
		}
		if err := validateAuth(&t.Auth); err != nil {
			return fmt.Errorf("tenant %d: %w", t.ID, err)
		}
		for j := range t.CustomEndpoints {
			ep := &t.CustomEndpoints[j]
			if ep.Path == "" || ep.Path[0] != '/' {
				return fmt.Errorf("tenant %d: custom endpoint path %q must start with /", t.ID, ep.Path)
			}
			if ep.Auth != nil {
				if err := validateAuth(ep.Auth); err != nil {
					return fmt.Errorf("tenant %d endpoint %s: %w", t.ID, ep.Path, err)
				}
			}
		}
		if hr := t.HostResolution; hr != nil {
			switch hr.Kind {
			case ResolveHost, ResolveForwarded, ResolveXForwarded:
			default:
				return fmt.Errorf("tenant %d: unknown host resolution kind %q", t.ID, hr.Kind)
			}
			if err := hr.compile(); err != nil {
				return fmt.Errorf("tenant %d: %w", t.ID, err)
			}
		}
	}
	return nil
}

func validateAuth(a *AuthConfig) error {
	switch a.Kind {
	case AuthUnauthenticated:
		return nil
	case AuthBearer, AuthToken:
		if a.Token == "" {
			return fmt.Errorf("auth kind %q requires a token", a.Kind)
		}
	case AuthBasic:
		if a.BasicUsername == "" || a.BasicPassword == "" {
			return fmt.Errorf("auth kind basic requires basic_username and basic_password")
		}
	default:
		return fmt.Errorf("unknown auth kind %q", a.Kind)
	}
	return nil
}
