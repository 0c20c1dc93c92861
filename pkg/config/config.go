// Package config provides YAML-based configuration loading for lanlink.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"lanlink/pkg/codec"
	"lanlink/pkg/transport"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the process
	AppName string `mapstructure:"app_name"`

	// Name is shown to peers as the sender of messages; defaults to the host name
	Name string `mapstructure:"name"`

	// Service is the advertised service identity, e.g. "remote"
	Service string `mapstructure:"service"`

	Transport TransportConfig `mapstructure:"transport"`
	Receive   ReceiveConfig   `mapstructure:"receive"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Message   MessageConfig   `mapstructure:"message"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ReceiveConfig holds the receive bounds handed to the connection manager.
type ReceiveConfig struct {
	MinimumIncompleteLength int `mapstructure:"minimum_incomplete_length"`
	MaximumLength           int `mapstructure:"maximum_length"`
	// HonorBounds makes the receive loop use the two values above instead of
	// its fixed 1 byte / 1 MiB bounds.
	HonorBounds bool `mapstructure:"honor_bounds"`
}

// DiscoveryConfig tunes mDNS browsing.
type DiscoveryConfig struct {
	IntervalMS  int  `mapstructure:"interval_ms"`
	TimeoutMS   int  `mapstructure:"timeout_ms"`
	CacheTTLMS  int  `mapstructure:"cache_ttl_ms"`
	CacheSize   int  `mapstructure:"cache_size"`
	DisableIPv6 bool `mapstructure:"disable_ipv6"`
}

func (d DiscoveryConfig) Interval() time.Duration { return ms(d.IntervalMS) }
func (d DiscoveryConfig) Timeout() time.Duration  { return ms(d.TimeoutMS) }
func (d DiscoveryConfig) CacheTTL() time.Duration { return ms(d.CacheTTLMS) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// MessageConfig selects the payload codec used by the remote session.
type MessageConfig struct {
	// Format: text, json, cbor or proto, or one of their content types
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	// Addr to serve /metrics on; empty disables it
	Addr string `mapstructure:"addr"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "lanlink",
		Service: "remote",
		Transport: TransportConfig{
			Kind:      "tcp",
			Listen:    ":0",
			Domain:    "local.",
			Advertise: true,
		},
		Receive: ReceiveConfig{
			MinimumIncompleteLength: 1024,
			MaximumLength:           1024 * 512,
		},
		Discovery: DiscoveryConfig{
			IntervalMS:  5000,
			TimeoutMS:   2000,
			CacheTTLMS:  60000,
			CacheSize:   128,
			DisableIPv6: true,
		},
		Message: MessageConfig{Format: "text"},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stderr"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/lanlink.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads the YAML file at path, or the first lanlink.yaml found in ".",
// "./configs" or "~/.lanlink" when path and LANLINK_CONFIG are both empty. A
// missing file is not an error. Environment variables override the file under
// the LANLINK prefix with dots and dashes as underscores, e.g.
// LANLINK_RECEIVE_HONOR_BOUNDS=true.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LANLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, d := range defaults(cfg) {
		v.SetDefault(d.key, d.val)
	}
	locate(v, path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type keyDefault struct {
	key string
	val any
}

// defaults lists every key viper must know about for env-only overrides to
// reach Unmarshal.
func defaults(cfg *Config) []keyDefault {
	t, r, d, l := cfg.Transport, cfg.Receive, cfg.Discovery, cfg.Log
	return []keyDefault{
		{"app_name", cfg.AppName},
		{"name", cfg.Name},
		{"service", cfg.Service},
		{"transport.kind", t.Kind},
		{"transport.listen", t.Listen},
		{"transport.interface", t.Interface},
		{"transport.domain", t.Domain},
		{"transport.advertise", t.Advertise},
		{"receive.minimum_incomplete_length", r.MinimumIncompleteLength},
		{"receive.maximum_length", r.MaximumLength},
		{"receive.honor_bounds", r.HonorBounds},
		{"discovery.interval_ms", d.IntervalMS},
		{"discovery.timeout_ms", d.TimeoutMS},
		{"discovery.cache_ttl_ms", d.CacheTTLMS},
		{"discovery.cache_size", d.CacheSize},
		{"discovery.disable_ipv6", d.DisableIPv6},
		{"message.format", cfg.Message.Format},
		{"metrics.addr", cfg.Metrics.Addr},
		{"log.level", l.Level},
		{"log.format", l.Format},
		{"log.outputs", l.Outputs},
		{"log.development", l.Development},
		{"log.rotation.enable", l.Rotation.Enable},
		{"log.rotation.filename", l.Rotation.Filename},
		{"log.rotation.max_size_mb", l.Rotation.MaxSizeMB},
		{"log.rotation.max_backups", l.Rotation.MaxBackups},
		{"log.rotation.max_age_days", l.Rotation.MaxAgeDays},
		{"log.rotation.compress", l.Rotation.Compress},
	}
}

func locate(v *viper.Viper, path string) {
	if path == "" {
		path = os.Getenv("LANLINK_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		return
	}
	v.SetConfigName("lanlink")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".lanlink"))
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	c.Service = strings.TrimSpace(c.Service)
	if c.Service == "" {
		return errors.New("service must not be empty")
	}
	if strings.ContainsAny(c.Service, ". ") {
		return fmt.Errorf("invalid service %q: dots and spaces are not allowed", c.Service)
	}
	if strings.TrimSpace(c.Name) == "" {
		if host, err := os.Hostname(); err == nil {
			c.Name = host
		} else {
			c.Name = c.AppName
		}
	}

	kind, err := transport.ParseKind(c.Transport.Kind)
	if err != nil {
		return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
	}
	c.Transport.Kind = kind.String()

	if c.Receive.MinimumIncompleteLength < 1 {
		return fmt.Errorf("receive.minimum_incomplete_length must be positive, got %d", c.Receive.MinimumIncompleteLength)
	}
	if c.Receive.MaximumLength < c.Receive.MinimumIncompleteLength {
		return fmt.Errorf("receive.maximum_length (%d) is below minimum_incomplete_length (%d)",
			c.Receive.MaximumLength, c.Receive.MinimumIncompleteLength)
	}

	if strings.TrimSpace(c.Message.Format) == "" {
		c.Message.Format = "text"
	}
	reg, err := codec.NewRegistry()
	if err != nil {
		return err
	}
	cd, err := reg.Lookup(c.Message.Format)
	if err != nil {
		return fmt.Errorf("invalid message.format: %w", err)
	}
	c.Message.Format = cd.Name()
	return nil
}
