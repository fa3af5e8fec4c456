package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config covers both binaries; each reads only the keys it needs.
// Every key can be overridden with a SPOKE_* environment variable,
// e.g. SPOKE_RELAY_URL, SPOKE_MEDIA_SECRET, SPOKE_TURN_SECRET.
type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	// Media relay (SFU) reachable by clients.
	RelayURL string `mapstructure:"relay_url"`

	// Credential signing for the relay.
	MediaKey    string        `mapstructure:"media_key"`
	MediaSecret string        `mapstructure:"media_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`

	// Authorization sidecar reachable by clients.
	SidecarURL string `mapstructure:"sidecar_url"`

	// Messaging homeserver used for identity introspection.
	MatrixServer string        `mapstructure:"matrix_server"`
	MatrixToken  string        `mapstructure:"matrix_token"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`

	// Optional traversal relay. Both must be set to derive credentials.
	TurnSecret string `mapstructure:"turn_secret"`
	TurnHost   string `mapstructure:"turn_host"`

	// Client-side session tuning.
	JoinTimeout      time.Duration `mapstructure:"join_timeout"`
	LeaveTimeout     time.Duration `mapstructure:"leave_timeout"`
	DeviceRetryLimit int           `mapstructure:"device_retry_limit"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("SPOKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8090)
	v.SetDefault("relay_url", "ws://localhost:7880")
	v.SetDefault("media_key", "devkey")
	v.SetDefault("media_secret", "devsecretatmostthirtytwocharslong")
	v.SetDefault("token_ttl", "5m")
	v.SetDefault("sidecar_url", "http://localhost:8090")
	v.SetDefault("matrix_server", "http://localhost:8448")
	v.SetDefault("http_timeout", "10s")
	v.SetDefault("join_timeout", "15s")
	v.SetDefault("leave_timeout", "3s")
	v.SetDefault("device_retry_limit", 5)

	// Config file is optional; env vars and defaults carry a dev setup.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// TurnConfigured reports whether traversal-relay credentials can be derived.
func (c *Config) TurnConfigured() bool {
	return c.TurnSecret != "" && c.TurnHost != ""
}
