// Package config loads the autoar configuration from defaults, an optional
// YAML file, AUTOAR_* environment variables and command line flags, in
// increasing priority.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	alog "github.com/0x6d61/autoar/internal/log"
	"github.com/0x6d61/autoar/internal/notify"
	"github.com/0x6d61/autoar/internal/scan"
)

// EnvPrefix prefixes every environment override, e.g. AUTOAR_SERVER_LISTEN.
const EnvPrefix = "AUTOAR"

// FileName is the config file looked up when no explicit path is given.
const FileName = "autoar"

type Config struct {
	Log          LogConfig     `mapstructure:"log"`
	Server       ServerConfig  `mapstructure:"server"`
	Engine       EngineConfig  `mapstructure:"engine"`
	Runner       RunnerConfig  `mapstructure:"runner"`
	Store        StoreConfig   `mapstructure:"store"`
	Archive      ArchiveConfig `mapstructure:"archive"`
	Notify       NotifyConfig  `mapstructure:"notify"`
	Limits       LimitsConfig  `mapstructure:"limits"`
	ScanDefaults ScanDefaults  `mapstructure:"scan_defaults"`
}

type LogConfig struct {
	Verbose bool   `mapstructure:"verbose"`
	Format  string `mapstructure:"format"`
}

type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EngineConfig describes how the scan script is executed.
type EngineConfig struct {
	Script  string            `mapstructure:"script"`
	WorkDir string            `mapstructure:"workdir"`
	Env     map[string]string `mapstructure:"env"`

	// PassWebhook forwards the per-scan webhook to the script with -w.
	PassWebhook bool          `mapstructure:"pass_webhook"`
	WaitDelay   time.Duration `mapstructure:"wait_delay"`
}

// Environ renders Env as KEY=value pairs, sorted by key. Values starting
// with "$" are expanded from the orchestrator's environment.
func (e EngineConfig) Environ() []string {
	keys := make([]string, 0, len(e.Env))
	for k := range e.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		v := e.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}

type RunnerConfig struct {
	LaunchTimeout time.Duration `mapstructure:"launch_timeout"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
}

// StoreConfig controls how long finished sessions stay queryable. A zero
// retention keeps them until they are replaced.
type StoreConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ArchiveConfig enables the SQLite history when Path is set.
type ArchiveConfig struct {
	Path   string        `mapstructure:"path"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

type NotifyConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Discord   ChannelConfig `mapstructure:"discord"`
	Slack     ChannelConfig `mapstructure:"slack"`
}

// ChannelConfig is a globally configured notification webhook.
type ChannelConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

type LimitsConfig struct {
	// MaxConcurrent caps active scans across all targets; 0 is unlimited.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// ScanDefaults fill the options a start request leaves out.
type ScanDefaults struct {
	SkipPorts  bool `mapstructure:"skip_ports"`
	SkipFuzz   bool `mapstructure:"skip_fuzz"`
	SkipSQLi   bool `mapstructure:"skip_sqli"`
	SkipParamX bool `mapstructure:"skip_paramx"`
	Verbose    bool `mapstructure:"verbose"`
}

// Options converts the defaults into scan options.
func (d ScanDefaults) Options() scan.Options {
	return scan.Options{
		SkipPorts:  d.SkipPorts,
		SkipFuzz:   d.SkipFuzz,
		SkipSQLi:   d.SkipSQLi,
		SkipParamX: d.SkipParamX,
		Verbose:    d.Verbose,
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Format: string(alog.FormatText)},
		Server: ServerConfig{
			Listen:          ":5000",
			AllowedOrigins:  []string{"http://localhost:3000"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Engine: EngineConfig{
			Script:    "./autoAr.sh",
			WaitDelay: 10 * time.Second,
		},
		Runner: RunnerConfig{
			LaunchTimeout: 30 * time.Second,
			GracePeriod:   5 * time.Second,
		},
		Store: StoreConfig{
			Retention:     time.Hour,
			SweepInterval: time.Minute,
		},
		Archive: ArchiveConfig{
			MaxAge: 30 * 24 * time.Hour,
		},
		Notify: NotifyConfig{
			Timeout:   10 * time.Second,
			RateLimit: 5,
			Workers:   4,
			QueueSize: 64,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log.verbose", d.Log.Verbose)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("engine.script", d.Engine.Script)
	v.SetDefault("engine.workdir", d.Engine.WorkDir)
	v.SetDefault("engine.env", map[string]string{})
	v.SetDefault("engine.pass_webhook", d.Engine.PassWebhook)
	v.SetDefault("engine.wait_delay", d.Engine.WaitDelay)

	v.SetDefault("runner.launch_timeout", d.Runner.LaunchTimeout)
	v.SetDefault("runner.grace_period", d.Runner.GracePeriod)

	v.SetDefault("store.retention", d.Store.Retention)
	v.SetDefault("store.sweep_interval", d.Store.SweepInterval)

	v.SetDefault("archive.path", d.Archive.Path)
	v.SetDefault("archive.max_age", d.Archive.MaxAge)

	v.SetDefault("notify.timeout", d.Notify.Timeout)
	v.SetDefault("notify.rate_limit", d.Notify.RateLimit)
	v.SetDefault("notify.workers", d.Notify.Workers)
	v.SetDefault("notify.queue_size", d.Notify.QueueSize)
	v.SetDefault("notify.discord.enabled", false)
	v.SetDefault("notify.discord.webhook_url", "")
	v.SetDefault("notify.slack.enabled", false)
	v.SetDefault("notify.slack.webhook_url", "")

	v.SetDefault("limits.max_concurrent", d.Limits.MaxConcurrent)

	v.SetDefault("scan_defaults.skip_ports", false)
	v.SetDefault("scan_defaults.skip_fuzz", false)
	v.SetDefault("scan_defaults.skip_sqli", false)
	v.SetDefault("scan_defaults.skip_paramx", false)
	v.SetDefault("scan_defaults.verbose", false)
}

// Load reads the configuration. An empty path searches the working
// directory and the user config directory for autoar.yaml; a missing file
// is not an error unless path was given explicitly. flags maps config keys
// to command line flags that override them when set.
func Load(path string, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, FileName))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("config: binding flag %s: %w", flag.Name, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	switch strings.ToLower(c.Log.Format) {
	case string(alog.FormatJSON), string(alog.FormatText):
	default:
		add("log.format must be json or text, got %q", c.Log.Format)
	}

	if c.Server.Listen == "" {
		add("server.listen must be set")
	}
	for _, origin := range c.Server.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if err := checkURL(origin); err != nil {
			add("server.allowed_origins: %v", err)
		}
	}
	positive(add, "server.read_timeout", c.Server.ReadTimeout)
	positive(add, "server.write_timeout", c.Server.WriteTimeout)
	positive(add, "server.shutdown_timeout", c.Server.ShutdownTimeout)

	if c.Engine.Script == "" {
		add("engine.script must be set")
	}
	if c.Engine.WaitDelay < 0 {
		add("engine.wait_delay must not be negative")
	}

	positive(add, "runner.launch_timeout", c.Runner.LaunchTimeout)
	positive(add, "runner.grace_period", c.Runner.GracePeriod)

	if c.Store.Retention < 0 {
		add("store.retention must not be negative")
	}
	if c.Store.Retention > 0 {
		positive(add, "store.sweep_interval", c.Store.SweepInterval)
	}
	if c.Archive.MaxAge < 0 {
		add("archive.max_age must not be negative")
	}

	positive(add, "notify.timeout", c.Notify.Timeout)
	if c.Notify.RateLimit < 0 {
		add("notify.rate_limit must not be negative")
	}
	if c.Notify.Workers <= 0 {
		add("notify.workers must be positive")
	}
	if c.Notify.QueueSize < 0 {
		add("notify.queue_size must not be negative")
	}
	for name, ch := range map[string]ChannelConfig{"discord": c.Notify.Discord, "slack": c.Notify.Slack} {
		if !ch.Enabled {
			continue
		}
		if err := checkURL(ch.WebhookURL); err != nil {
			add("notify.%s.webhook_url: %v", name, err)
		}
	}

	if c.Limits.MaxConcurrent < 0 {
		add("limits.max_concurrent must not be negative")
	}
	return errors.Join(errs...)
}

func positive(add func(string, ...any), key string, d time.Duration) {
	if d <= 0 {
		add("%s must be positive, got %s", key, d)
	}
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q is not an http(s) URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// Endpoints returns the enabled global notification channels.
func (n NotifyConfig) Endpoints() []notify.Endpoint {
	var out []notify.Endpoint
	if n.Discord.Enabled && n.Discord.WebhookURL != "" {
		out = append(out, notify.Endpoint{Kind: notify.KindDiscord, URL: n.Discord.WebhookURL})
	}
	if n.Slack.Enabled && n.Slack.WebhookURL != "" {
		out = append(out, notify.Endpoint{Kind: notify.KindSlack, URL: n.Slack.WebhookURL})
	}
	return out
}
