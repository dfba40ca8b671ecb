package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/0x6d61/autoar/internal/notify"
)

// isolate points every config lookup at empty temporary directories.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("HOME", dir)
	return dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	want := Default()
	if cfg.Server.Listen != want.Server.Listen {
		t.Errorf("Server.Listen = %q, want %q", cfg.Server.Listen, want.Server.Listen)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Runner.GracePeriod != 5*time.Second {
		t.Errorf("Runner.GracePeriod = %s, want 5s", cfg.Runner.GracePeriod)
	}
	if cfg.Engine.Script != "./autoAr.sh" {
		t.Errorf("Engine.Script = %q", cfg.Engine.Script)
	}
	if cfg.Engine.PassWebhook {
		t.Error("Engine.PassWebhook should default to false")
	}
	if cfg.Notify.Workers != 4 || cfg.Notify.QueueSize != 64 {
		t.Errorf("Notify = %+v", cfg.Notify)
	}
	if cfg.Limits.MaxConcurrent != 0 {
		t.Errorf("Limits.MaxConcurrent = %d, want 0", cfg.Limits.MaxConcurrent)
	}
	if cfg.Archive.Path != "" {
		t.Errorf("Archive.Path = %q, want empty", cfg.Archive.Path)
	}
}

func TestLoad_File(t *testing.T) {
	dir := isolate(t)
	writeFile(t, dir, "autoar.yaml", `
server:
  listen: 127.0.0.1:8080
  allowed_origins:
    - https://dashboard.example
engine:
  script: /opt/autoar/autoAr.sh
  workdir: /opt/autoar
  pass_webhook: true
  env:
    SECURITYTRAILS_API_KEY: secret
runner:
  grace_period: 2s
archive:
  path: /var/lib/autoar/history.db
notify:
  discord:
    enabled: true
    webhook_url: https://discord.com/api/webhooks/1/abc
limits:
  max_concurrent: 3
scan_defaults:
  skip_fuzz: true
`)

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Errorf("Server.Listen = %q", cfg.Server.Listen)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://dashboard.example" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Engine.Script != "/opt/autoar/autoAr.sh" || cfg.Engine.WorkDir != "/opt/autoar" {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if !cfg.Engine.PassWebhook {
		t.Error("Engine.PassWebhook = false, want true")
	}
	// viper lower-cases map keys.
	if cfg.Engine.Env["securitytrails_api_key"] != "secret" {
		t.Errorf("Engine.Env = %v", cfg.Engine.Env)
	}
	if cfg.Runner.GracePeriod != 2*time.Second {
		t.Errorf("Runner.GracePeriod = %s, want 2s", cfg.Runner.GracePeriod)
	}
	if cfg.Runner.LaunchTimeout != 30*time.Second {
		t.Errorf("Runner.LaunchTimeout = %s, want default 30s", cfg.Runner.LaunchTimeout)
	}
	if cfg.Archive.Path != "/var/lib/autoar/history.db" {
		t.Errorf("Archive.Path = %q", cfg.Archive.Path)
	}
	if cfg.Limits.MaxConcurrent != 3 {
		t.Errorf("Limits.MaxConcurrent = %d, want 3", cfg.Limits.MaxConcurrent)
	}
	if !cfg.ScanDefaults.SkipFuzz || cfg.ScanDefaults.SkipPorts {
		t.Errorf("ScanDefaults = %+v", cfg.ScanDefaults)
	}

	eps := cfg.Notify.Endpoints()
	if len(eps) != 1 || eps[0].Kind != notify.KindDiscord {
		t.Errorf("Endpoints = %+v", eps)
	}
}

func TestLoad_ExplicitPath(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "custom.yaml", "server:\n  listen: :7000\n")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Listen != ":7000" {
		t.Errorf("Server.Listen = %q, want :7000", cfg.Server.Listen)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml"), nil); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "bad.yaml", "server: [unterminated\n")
	if _, err := Load(path, nil); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	writeFile(t, dir, "autoar.yaml", "server:\n  listen: :7000\nrunner:\n  grace_period: 2s\n")
	t.Setenv("AUTOAR_SERVER_LISTEN", ":9000")
	t.Setenv("AUTOAR_RUNNER_GRACE_PERIOD", "750ms")
	t.Setenv("AUTOAR_LIMITS_MAX_CONCURRENT", "8")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Listen != ":9000" {
		t.Errorf("Server.Listen = %q, want :9000", cfg.Server.Listen)
	}
	if cfg.Runner.GracePeriod != 750*time.Millisecond {
		t.Errorf("Runner.GracePeriod = %s, want 750ms", cfg.Runner.GracePeriod)
	}
	if cfg.Limits.MaxConcurrent != 8 {
		t.Errorf("Limits.MaxConcurrent = %d, want 8", cfg.Limits.MaxConcurrent)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	isolate(t)
	t.Setenv("AUTOAR_SERVER_LISTEN", ":9000")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("listen", ":1111", "")
	fs.Bool("verbose", false, "")
	if err := fs.Parse([]string{"--verbose"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := Load("", map[string]*pflag.Flag{
		"server.listen": fs.Lookup("listen"),
		"log.verbose":   fs.Lookup("verbose"),
		"log.format":    nil,
	})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	// An unset flag does not shadow the environment.
	if cfg.Server.Listen != ":9000" {
		t.Errorf("Server.Listen = %q, want :9000", cfg.Server.Listen)
	}
	if !cfg.Log.Verbose {
		t.Error("Log.Verbose = false, want true from flag")
	}

	if err := fs.Set("listen", ":2222"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	cfg, err = Load("", map[string]*pflag.Flag{"server.listen": fs.Lookup("listen")})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Listen != ":2222" {
		t.Errorf("Server.Listen = %q, want :2222", cfg.Server.Listen)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	isolate(t)
	t.Setenv("AUTOAR_RUNNER_GRACE_PERIOD", "0s")
	if _, err := Load("", nil); err == nil || !strings.Contains(err.Error(), "runner.grace_period") {
		t.Errorf("Load error = %v, want runner.grace_period complaint", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "empty listen", mutate: func(c *Config) { c.Server.Listen = "" }, wantErr: "server.listen"},
		{name: "bad origin", mutate: func(c *Config) { c.Server.AllowedOrigins = []string{"localhost:3000"} }, wantErr: "allowed_origins"},
		{name: "wildcard origin", mutate: func(c *Config) { c.Server.AllowedOrigins = []string{"*"} }},
		{name: "zero read timeout", mutate: func(c *Config) { c.Server.ReadTimeout = 0 }, wantErr: "server.read_timeout"},
		{name: "empty script", mutate: func(c *Config) { c.Engine.Script = "" }, wantErr: "engine.script"},
		{name: "negative wait delay", mutate: func(c *Config) { c.Engine.WaitDelay = -time.Second }, wantErr: "engine.wait_delay"},
		{name: "zero launch timeout", mutate: func(c *Config) { c.Runner.LaunchTimeout = 0 }, wantErr: "runner.launch_timeout"},
		{name: "negative retention", mutate: func(c *Config) { c.Store.Retention = -time.Second }, wantErr: "store.retention"},
		{name: "retention without sweep", mutate: func(c *Config) { c.Store.SweepInterval = 0 }, wantErr: "store.sweep_interval"},
		{name: "no retention no sweep", mutate: func(c *Config) { c.Store.Retention, c.Store.SweepInterval = 0, 0 }},
		{name: "zero workers", mutate: func(c *Config) { c.Notify.Workers = 0 }, wantErr: "notify.workers"},
		{name: "negative rate", mutate: func(c *Config) { c.Notify.RateLimit = -1 }, wantErr: "notify.rate_limit"},
		{
			name:    "enabled slack without url",
			mutate:  func(c *Config) { c.Notify.Slack.Enabled = true },
			wantErr: "notify.slack.webhook_url",
		},
		{
			name:   "disabled discord with junk url",
			mutate: func(c *Config) { c.Notify.Discord.WebhookURL = "junk" },
		},
		{name: "negative cap", mutate: func(c *Config) { c.Limits.MaxConcurrent = -1 }, wantErr: "limits.max_concurrent"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
		{name: "upper case log format", mutate: func(c *Config) { c.Log.Format = "JSON" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Server.Listen = ""
	cfg.Notify.Workers = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.listen", "notify.workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestNotifyEndpoints(t *testing.T) {
	n := NotifyConfig{
		Discord: ChannelConfig{Enabled: false, WebhookURL: "https://discord.com/api/webhooks/1/a"},
		Slack:   ChannelConfig{Enabled: true, WebhookURL: "https://hooks.slack.com/services/T/B/X"},
	}
	eps := n.Endpoints()
	if len(eps) != 1 {
		t.Fatalf("Endpoints len = %d, want 1", len(eps))
	}
	if eps[0].Kind != notify.KindSlack || eps[0].URL != n.Slack.WebhookURL {
		t.Errorf("Endpoints[0] = %+v", eps[0])
	}
}

func TestScanDefaultsOptions(t *testing.T) {
	d := ScanDefaults{SkipPorts: true, SkipSQLi: true, Verbose: true}
	opts := d.Options()
	if !opts.SkipPorts || !opts.SkipSQLi || !opts.Verbose || opts.SkipFuzz || opts.SkipParamX {
		t.Errorf("Options() = %+v", opts)
	}
	if opts.WebhookURL != "" {
		t.Errorf("WebhookURL = %q, want empty", opts.WebhookURL)
	}
}

func TestEngineEnviron(t *testing.T) {
	t.Setenv("AUTOAR_TEST_TOKEN", "tok-123")
	e := EngineConfig{Env: map[string]string{
		"securitytrails_api_key": "abc",
		"github_token":           "$AUTOAR_TEST_TOKEN",
	}}
	got := e.Environ()
	want := []string{"GITHUB_TOKEN=tok-123", "SECURITYTRAILS_API_KEY=abc"}
	if len(got) != len(want) {
		t.Fatalf("Environ() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Environ()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
