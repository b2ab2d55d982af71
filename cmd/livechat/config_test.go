package main

import (
	"testing"
	"time"
)

func TestSetConfigValue(t *testing.T) {
	t.Run("known fields", func(t *testing.T) {
		cfg := &Config{}
		cases := map[string]string{
			"default.account":       "demo",
			"default.server":        "http://localhost:8080",
			"visitor.id":            "u-1",
			"visitor.name":          "Ada",
			"session.poll_interval": "2s",
			"session.push":          "true",
		}
		for k, v := range cases {
			if err := setConfigValue(cfg, k, v); err != nil {
				t.Fatalf("setConfigValue(%q): %v", k, err)
			}
		}
		if cfg.Default.Account != "demo" || cfg.Default.Server != "http://localhost:8080" {
			t.Errorf("default section = %+v", cfg.Default)
		}
		if cfg.Visitor.ID != "u-1" || cfg.Visitor.Name != "Ada" {
			t.Errorf("visitor section = %+v", cfg.Visitor)
		}
		if !cfg.Session.Push || cfg.Session.PollInterval != "2s" {
			t.Errorf("session section = %+v", cfg.Session)
		}
	})

	t.Run("rejects bad keys", func(t *testing.T) {
		cfg := &Config{}
		for _, key := range []string{"account", "default.nope", "nope.account"} {
			if err := setConfigValue(cfg, key, "x"); err == nil {
				t.Errorf("setConfigValue(%q) succeeded, want error", key)
			}
		}
		if err := setConfigValue(cfg, "session.push", "maybe"); err == nil {
			t.Error("session.push accepted a non-boolean")
		}
	})

	t.Run("validates values before storing", func(t *testing.T) {
		cfg := &Config{Session: ConfigSession{PollInterval: "5s"}}
		for _, v := range []string{"soon", "0s", "-2s"} {
			if err := setConfigValue(cfg, "session.poll_interval", v); err == nil {
				t.Errorf("session.poll_interval accepted %q", v)
			}
		}
		if cfg.Session.PollInterval != "5s" {
			t.Errorf("PollInterval = %q after rejected sets, want 5s", cfg.Session.PollInterval)
		}
		for _, v := range []string{"localhost:8080", "ftp://host", "/relative"} {
			if err := setConfigValue(cfg, "default.server", v); err == nil {
				t.Errorf("default.server accepted %q", v)
			}
		}
		if cfg.Default.Server != "" {
			t.Errorf("Server = %q after rejected sets", cfg.Default.Server)
		}
	})
}

func TestEffectiveSettings(t *testing.T) {
	find := func(t *testing.T, settings []setting, key string) setting {
		t.Helper()
		for _, s := range settings {
			if s.Key == key {
				return s
			}
		}
		t.Fatalf("no setting %q", key)
		return setting{}
	}

	t.Run("file and defaults", func(t *testing.T) {
		cfg := &Config{
			Default: ConfigDefault{Account: "demo"},
			Visitor: ConfigVisitor{Name: "Ada"},
			Session: ConfigSession{PollInterval: "3s", StorePath: "/tmp/state.db"},
		}
		settings, err := effectiveSettings(cfg)
		if err != nil {
			t.Fatalf("effectiveSettings: %v", err)
		}
		want := map[string]setting{
			"default.account":       {Key: "default.account", Value: "demo", Source: "file"},
			"default.location":      {Key: "default.location", Value: "mobile", Source: "default"},
			"visitor.name":          {Key: "visitor.name", Value: "Ada", Source: "file"},
			"session.poll_interval": {Key: "session.poll_interval", Value: "3s", Source: "file"},
			"session.push":          {Key: "session.push", Value: "false", Source: "default"},
			"session.store_path":    {Key: "session.store_path", Value: "/tmp/state.db", Source: "file"},
		}
		for key, w := range want {
			if got := find(t, settings, key); got != w {
				t.Errorf("%s = %+v, want %+v", key, got, w)
			}
		}
		if got := find(t, settings, "default.server"); got.Source != "default" || got.Value == "" {
			t.Errorf("default.server = %+v, want the hosted URL", got)
		}
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("LIVECHAT_ACCOUNT", "from-env")
		t.Setenv("LIVECHAT_POLL_INTERVAL", "1m")
		t.Setenv("LIVECHAT_PUSH", "false")
		cfg := &Config{
			Default: ConfigDefault{Account: "demo", Server: "http://localhost:8080"},
			Session: ConfigSession{PollInterval: "3s", Push: true, StorePath: "/tmp/state.db"},
		}
		settings, err := effectiveSettings(cfg)
		if err != nil {
			t.Fatalf("effectiveSettings: %v", err)
		}
		want := map[string]setting{
			"default.account":       {Key: "default.account", Value: "from-env", Source: "env"},
			"default.server":        {Key: "default.server", Value: "http://localhost:8080", Source: "file"},
			"session.poll_interval": {Key: "session.poll_interval", Value: "1m0s", Source: "env"},
			"session.push":          {Key: "session.push", Value: "false", Source: "env"},
		}
		for key, w := range want {
			if got := find(t, settings, key); got != w {
				t.Errorf("%s = %+v, want %+v", key, got, w)
			}
		}
	})

	t.Run("bad file value", func(t *testing.T) {
		cfg := &Config{Session: ConfigSession{PollInterval: "soon", StorePath: "/tmp/state.db"}}
		if _, err := effectiveSettings(cfg); err == nil {
			t.Error("expected error for an unparseable interval")
		}
	})
}

func TestSDKConfig(t *testing.T) {
	t.Run("file values", func(t *testing.T) {
		cfg := &Config{
			Default: ConfigDefault{Account: "demo", Location: "support"},
			Session: ConfigSession{PollInterval: "3s", Push: true},
		}
		out, err := sdkConfig(cfg)
		if err != nil {
			t.Fatalf("sdkConfig: %v", err)
		}
		if out.AccountName != "demo" || out.PollInterval != 3*time.Second || !out.Push {
			t.Errorf("sdkConfig = %+v", out)
		}
	})

	t.Run("environment wins", func(t *testing.T) {
		t.Setenv("LIVECHAT_ACCOUNT", "from-env")
		out, err := sdkConfig(&Config{Default: ConfigDefault{Account: "demo"}})
		if err != nil {
			t.Fatalf("sdkConfig: %v", err)
		}
		if out.AccountName != "from-env" {
			t.Errorf("AccountName = %q, want from-env", out.AccountName)
		}
	})

	t.Run("account required", func(t *testing.T) {
		if _, err := sdkConfig(&Config{}); err == nil {
			t.Error("expected error without an account")
		}
	})

	t.Run("bad poll interval", func(t *testing.T) {
		cfg := &Config{Default: ConfigDefault{Account: "demo"}, Session: ConfigSession{PollInterval: "soon"}}
		if _, err := sdkConfig(cfg); err == nil {
			t.Error("expected error for an unparseable interval")
		}
	})
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug", "json"); err != nil {
		t.Errorf("newLogger(debug, json): %v", err)
	}
	if _, err := newLogger("loud", "text"); err == nil {
		t.Error("accepted an unknown level")
	}
	if _, err := newLogger("info", "xml"); err == nil {
		t.Error("accepted an unknown format")
	}
}
