package handlers

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nirmalramchandani/barcode/services"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. BARCODE_SERVER_PORT.
const EnvPrefix = "BARCODE"

// AppConfig is built once at startup and read-only afterwards.
type AppConfig struct {
	App      AppInfoConfig  `mapstructure:"app" json:"app"`
	Server   ServerConfig   `mapstructure:"server" json:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream" json:"upstream"`
	CORS     CORSConfig     `mapstructure:"cors" json:"cors"`
	Stream   StreamConfig   `mapstructure:"stream" json:"stream"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing" json:"tracing"`
}

type AppInfoConfig struct {
	Name    string `mapstructure:"name" json:"name"`
	Version string `mapstructure:"version" json:"version"`
}

// ServerConfig holds listener settings. Mode is the gin mode ("debug" or "release").
type ServerConfig struct {
	Host            string        `mapstructure:"host" json:"host"`
	Port            int           `mapstructure:"port" json:"port"`
	Mode            string        `mapstructure:"mode" json:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// Address returns host:port for the listener.
func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// UpstreamConfig holds the product API settings.
type UpstreamConfig struct {
	BaseURL      string        `mapstructure:"base_url" json:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout" json:"timeout"`
	UserAgent    string        `mapstructure:"user_agent" json:"user_agent"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" json:"max_body_bytes"`
}

// ServiceConfig converts the section into the product service configuration.
func (c UpstreamConfig) ServiceConfig() services.ProductServiceConfig {
	return services.ProductServiceConfig{
		BaseURL:      c.BaseURL,
		UserAgent:    c.UserAgent,
		Timeout:      c.Timeout,
		MaxBodyBytes: c.MaxBodyBytes,
	}
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// StreamConfig bounds the live scan websocket. Zero values fall back to the Default* constants.
type StreamConfig struct {
	MaxMessageBytes int64         `mapstructure:"max_message_bytes" json:"max_message_bytes"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval" json:"ping_interval"`
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultStreamMaxMessageBytes
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultStreamIdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout * 9 / 10
	}
	return c
}

type LogConfig struct {
	Level    string `mapstructure:"level" json:"level"`
	Encoding string `mapstructure:"encoding" json:"encoding"`
}

type TracingConfig struct {
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "barcode-relay")
	v.SetDefault("app.version", "1.0.0")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("upstream.base_url", services.DefaultBaseURL)
	v.SetDefault("upstream.timeout", services.DefaultTimeout)
	v.SetDefault("upstream.user_agent", services.DefaultUserAgent)
	v.SetDefault("upstream.max_body_bytes", services.DefaultMaxBodyBytes)

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173", "http://127.0.0.1:5173"})

	v.SetDefault("stream.max_message_bytes", DefaultStreamMaxMessageBytes)
	v.SetDefault("stream.idle_timeout", DefaultStreamIdleTimeout)
	v.SetDefault("stream.ping_interval", DefaultStreamPingInterval)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

	v.SetDefault("tracing.service_name", "")
}

// LoadConfig reads configuration with precedence flag > env > file > default.
// An empty configPath searches for config.yaml in . and ./config; a missing file is not an error then.
// flags may be nil; otherwise its "host", "port" and "debug" flags are honoured when set.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	if flags != nil {
		if f := flags.Lookup("host"); f != nil {
			if err := v.BindPFlag("server.host", f); err != nil {
				return nil, fmt.Errorf("bind host flag failed: %w", err)
			}
		}
		if f := flags.Lookup("port"); f != nil {
			if err := v.BindPFlag("server.port", f); err != nil {
				return nil, fmt.Errorf("bind port flag failed: %w", err)
			}
		}
		if debug, err := flags.GetBool("debug"); err == nil && debug {
			v.Set("server.mode", "debug")
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = cfg.App.Name
	}

	return &cfg, nil
}

// Validate checks the values the server cannot start without.
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("server mode %q must be debug, release or test", c.Server.Mode)
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream base_url invalid: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream base_url %q must be an absolute http(s) URL", c.Upstream.BaseURL)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive")
	}

	if len(c.CORS.AllowedOrigins) == 0 {
		return fmt.Errorf("cors allowed_origins is required")
	}
	for _, origin := range c.CORS.AllowedOrigins {
		if strings.Contains(origin, "*") {
			return fmt.Errorf("cors origin %q: wildcards are not allowed with credentials", origin)
		}
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("cors origin %q must start with http:// or https://", origin)
		}
	}

	if c.Stream.MaxMessageBytes <= 0 {
		return fmt.Errorf("stream max_message_bytes must be positive")
	}
	if c.Stream.IdleTimeout <= 0 {
		return fmt.Errorf("stream idle_timeout must be positive")
	}
	if c.Stream.PingInterval <= 0 || c.Stream.PingInterval >= c.Stream.IdleTimeout {
		return fmt.Errorf("stream ping_interval must be positive and shorter than idle_timeout")
	}
	return nil
}
