// Package config loads and validates the Rosey Core process configuration:
// an optional YAML file overlaid with environment variables, grounded on
// agents/docker-agent/internal/config/config.go's flag/env-backed struct and
// Validate()-fills-defaults shape, and on the pack's pervasive use of
// gopkg.in/yaml.v3 for structured config.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rosey-chat/rosey-core/internal/permission"
	"github.com/rosey-chat/rosey-core/internal/resource"
	"github.com/rosey-chat/rosey-core/internal/rosyerr"
	"github.com/rosey-chat/rosey-core/internal/supervisor"
)

// RestartSettings is the YAML/env shape of spec §6 "restart.*".
type RestartSettings struct {
	Policy            string  `yaml:"policy"`
	MaxRestarts       int     `yaml:"max_restarts"`
	WindowSeconds     int     `yaml:"window"`
	InitialBackoff    float64 `yaml:"initial_backoff"`
	Multiplier        float64 `yaml:"multiplier"`
	MaxBackoffSeconds float64 `yaml:"max_backoff"`
}

// ResourceSettings is the YAML shape of spec §6 "resources.*".
type ResourceSettings struct {
	MaxRSSMB       int     `yaml:"max_rss_mb"`
	MaxCPUPercent  float64 `yaml:"max_cpu_percent"`
	MaxHandles     int     `yaml:"max_handles"`
	SampleInterval int     `yaml:"sample_interval"`
}

// FilePolicyEntry is one {path, mode} pair of spec §6
// "permissions.file_policy".
type FilePolicyEntry struct {
	Path string `yaml:"path"`
	Mode string `yaml:"mode"` // allow | deny
}

// PermissionSettings is the YAML shape of spec §6 "permissions.*".
type PermissionSettings struct {
	Profile    string            `yaml:"profile"`
	Grant      []string          `yaml:"grant"`
	Deny       []string          `yaml:"deny"`
	FilePolicy []FilePolicyEntry `yaml:"file_policy"`
}

// PluginSettings describes one plugin entry under the top-level `plugins:`
// list, mapping 1:1 onto spec §3 PluginMetadata plus the per-plugin options
// of spec §6.
type PluginSettings struct {
	ID              string   `yaml:"id"`
	Executable      string   `yaml:"executable"`
	Args            []string `yaml:"args"`
	Version         string   `yaml:"version"`
	CommandPrefixes []string `yaml:"command_prefixes"`

	ReadinessTimeout float64 `yaml:"readiness_timeout"`
	GracefulTimeout  float64 `yaml:"graceful_timeout"`

	Restart     RestartSettings    `yaml:"restart"`
	Resources   ResourceSettings   `yaml:"resources"`
	Permissions PermissionSettings `yaml:"permissions"`
}

// RateLimitSettings is the YAML shape of spec §6 "Rate-limit config".
type RateLimitSettings struct {
	RequestsPerMinute int64  `yaml:"requests_per_minute"`
	RequestsPerHour   int64  `yaml:"requests_per_hour"`
	RequestsPerDay    int64  `yaml:"requests_per_day"`
	TokensPerDay      int64  `yaml:"tokens_per_day"`
	RedisURL          string `yaml:"redis_url"`
}

// BusSettings is the connection info for internal/bus.
type BusSettings struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// LoggingSettings configures internal/rosylog.
type LoggingSettings struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// MetricsSettings configures the /metrics HTTP endpoint.
type MetricsSettings struct {
	Addr string `yaml:"addr"`
}

// SchedulerSettings configures the housekeeping cron job of internal/scheduler.
type SchedulerSettings struct {
	HousekeepingSpec string `yaml:"housekeeping_spec"`
}

// Config is the top-level, fully-resolved process configuration.
type Config struct {
	Bus       BusSettings       `yaml:"bus"`
	Plugins   []PluginSettings  `yaml:"plugins"`
	RateLimit RateLimitSettings `yaml:"ratelimit"`
	Logging   LoggingSettings   `yaml:"logging"`
	Metrics   MetricsSettings   `yaml:"metrics"`
	Scheduler SchedulerSettings `yaml:"scheduler"`
}

// Load reads the YAML file at path (if it exists; a missing path is not an
// error, matching the teacher's optional-config-file tolerance), then
// overlays recognized environment variables, mirroring the
// env-variable-alongside-flags pattern in docker-agent/main.go.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, err
		}
	}

	overlayEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overlayEnv(cfg *Config) {
	if v := os.Getenv("ROSEY_BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("ROSEY_BUS_USER"); v != "" {
		cfg.Bus.User = v
	}
	if v := os.Getenv("ROSEY_BUS_PASSWORD"); v != "" {
		cfg.Bus.Password = v
	}
	if v := os.Getenv("ROSEY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ROSEY_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("ROSEY_RATELIMIT_REDIS_URL"); v != "" {
		cfg.RateLimit.RedisURL = v
	}
}

// Validate fills in every documented default (readiness/graceful timeouts,
// restart policy, resource sample interval, rate-limit windows) exactly as
// AgentConfig.Validate() does, returning sentinel errors from
// internal/rosyerr instead of ad hoc fmt.Errorf.
func (c *Config) Validate() error {
	if c.Bus.URL == "" {
		c.Bus.URL = "nats://127.0.0.1:4222"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Scheduler.HousekeepingSpec == "" {
		c.Scheduler.HousekeepingSpec = "@every 30s"
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 60
	}
	if c.RateLimit.RequestsPerHour <= 0 {
		c.RateLimit.RequestsPerHour = 1000
	}
	if c.RateLimit.RequestsPerDay <= 0 {
		c.RateLimit.RequestsPerDay = 10000
	}
	if c.RateLimit.TokensPerDay <= 0 {
		c.RateLimit.TokensPerDay = 100000
	}

	for i := range c.Plugins {
		if err := c.Plugins[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p *PluginSettings) validate() error {
	if p.ReadinessTimeout <= 0 {
		p.ReadinessTimeout = 10
	}
	if p.GracefulTimeout <= 0 {
		p.GracefulTimeout = 5
	}
	if p.Restart.Policy == "" {
		p.Restart.Policy = "on_failure"
	}
	if _, ok := restartPolicyByName(p.Restart.Policy); !ok {
		return rosyerr.ErrInvalidRestartPolicy
	}
	if p.Restart.MaxRestarts <= 0 {
		p.Restart.MaxRestarts = 5
	}
	if p.Restart.WindowSeconds <= 0 {
		p.Restart.WindowSeconds = 60
	}
	if p.Restart.InitialBackoff <= 0 {
		p.Restart.InitialBackoff = 1
	}
	if p.Restart.Multiplier <= 0 {
		p.Restart.Multiplier = 2
	}
	if p.Restart.MaxBackoffSeconds <= 0 {
		p.Restart.MaxBackoffSeconds = 60
	}

	if p.Resources.SampleInterval <= 0 {
		p.Resources.SampleInterval = 5
	}

	if p.Permissions.Profile == "" {
		p.Permissions.Profile = "standard"
	}
	if _, ok := permission.ProfileByName(p.Permissions.Profile); !ok {
		return rosyerr.ErrInvalidPermissionProfile
	}
	return nil
}

func restartPolicyByName(name string) (supervisor.RestartPolicy, bool) {
	switch name {
	case "never":
		return supervisor.RestartNever, true
	case "on_failure":
		return supervisor.RestartOnFailure, true
	case "always":
		return supervisor.RestartAlways, true
	default:
		return 0, false
	}
}

// RestartConfig converts the YAML settings into a supervisor.RestartConfig.
func (p PluginSettings) RestartConfig() supervisor.RestartConfig {
	policy, _ := restartPolicyByName(p.Restart.Policy)
	return supervisor.RestartConfig{
		Policy:            policy,
		MaxRestarts:       p.Restart.MaxRestarts,
		Window:            time.Duration(p.Restart.WindowSeconds) * time.Second,
		InitialBackoff:    time.Duration(p.Restart.InitialBackoff * float64(time.Second)),
		BackoffMultiplier: p.Restart.Multiplier,
		MaxBackoff:        time.Duration(p.Restart.MaxBackoffSeconds * float64(time.Second)),
	}
}

// ResourceLimits converts the YAML settings into a resource.Limits.
func (p PluginSettings) ResourceLimits() resource.Limits {
	return resource.Limits{
		MaxRSSBytes:   uint64(p.Resources.MaxRSSMB) * 1024 * 1024,
		MaxCPUPercent: p.Resources.MaxCPUPercent,
		MaxHandles:    p.Resources.MaxHandles,
		BreachSamples: 3,
	}
}

// Permissions resolves the plugin's profile + grant/deny lists into a
// capability Set, and its file_policy entries into a FileAccessPolicy.
func (p PluginSettings) Permissions() (permission.Set, *permission.FileAccessPolicy) {
	profile, _ := permission.ProfileByName(p.Permissions.Profile)
	grants := capabilitiesByName(p.Permissions.Grant)
	denies := capabilitiesByName(p.Permissions.Deny)
	granted := permission.CreateRestricted(profile, grants, denies)

	var allow, deny []string
	for _, entry := range p.Permissions.FilePolicy {
		if entry.Mode == "deny" {
			deny = append(deny, entry.Path)
		} else {
			allow = append(allow, entry.Path)
		}
	}
	return granted, permission.NewFileAccessPolicy(allow, deny)
}

func capabilitiesByName(names []string) []permission.Capability {
	lookup := map[string]permission.Capability{
		"file.read":    permission.FileRead,
		"file.write":   permission.FileWrite,
		"net.http":     permission.NetHTTP,
		"net.socket":   permission.NetSocket,
		"db.read":      permission.DBRead,
		"db.write":     permission.DBWrite,
		"cmd.execute":  permission.CmdExecute,
		"plugin.spawn": permission.PluginSpawn,
		"config.read":  permission.ConfigRead,
		"config.write": permission.ConfigWrite,
	}
	var out []permission.Capability
	for _, name := range names {
		if cap, ok := lookup[name]; ok {
			out = append(out, cap)
		}
	}
	return out
}
