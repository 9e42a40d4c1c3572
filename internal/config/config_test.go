package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestPartialYAMLInheritsDefaults(t *testing.T) {
	c, err := FromYAML([]byte("credits:\n  signup_grant: 50\nstream:\n  ping_interval: 10s\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Credits.SignupGrant != 50 {
		t.Fatalf("signup_grant = %d, want 50", c.Credits.SignupGrant)
	}
	if c.Stream.PingInterval != Duration(10*time.Second) {
		t.Fatalf("ping_interval = %v", time.Duration(c.Stream.PingInterval))
	}
	// untouched sections keep their defaults
	if c.Pricing.AgentCosts["frontend"] != 8 {
		t.Fatalf("frontend cost = %d, want default 8", c.Pricing.AgentCosts["frontend"])
	}
	if c.Build.Workers != 4 {
		t.Fatalf("workers = %d, want default 4", c.Build.Workers)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero cost", "pricing:\n  agent_costs:\n    planner: 0\n"},
		{"bad discount factor", "pricing:\n  discount_factor: 1.5\n"},
		{"no workers", "build:\n  workers: 0\n"},
		{"negative grant", "credits:\n  signup_grant: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromYAML([]byte(tc.yaml)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Addr != "127.0.0.1:8870" {
		t.Fatalf("addr = %s", c.Server.Addr)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".siteforge"), 0o755); err != nil {
		t.Fatal(err)
	}
	orig := Default()
	orig.Credits.SignupGrant = 99
	data, err := orig.ToYAML()
	if err != nil {
		t.Fatalf("to yaml: %v", err)
	}
	if err := os.WriteFile(Path(dir), data, 0o644); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Credits.SignupGrant != 99 {
		t.Fatalf("signup_grant = %d, want 99", loaded.Credits.SignupGrant)
	}
}
