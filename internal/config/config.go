package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/disgoorg/snowflake/v2"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Discord   DiscordConfig   `yaml:"discord"`
	Minecraft MinecraftConfig `yaml:"minecraft"`
	Mojang    MojangConfig    `yaml:"mojang"`
	Verify    VerifyConfig    `yaml:"verify"`
	Status    StatusConfig    `yaml:"status"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DiscordConfig holds the bot credentials and the channels it manages
type DiscordConfig struct {
	Token            string        `yaml:"token" env:"DISCORD_TOKEN"`
	StatusChannelID  string        `yaml:"status_channel_id" env:"DISCORD_STATUS_CHANNEL_ID"` // voice or stage; text names get rewritten
	VerifyChannelID  string        `yaml:"verify_channel_id" env:"DISCORD_VERIFY_CHANNEL_ID"`
	SettleDelay      time.Duration `yaml:"settle_delay" env:"DISCORD_SETTLE_DELAY"`
	OpenRetryTimeout time.Duration `yaml:"open_retry_timeout" env:"DISCORD_OPEN_RETRY_TIMEOUT"`
}

// MinecraftConfig holds the game server endpoints and RCON secret
type MinecraftConfig struct {
	Address      string        `yaml:"address" env:"SERVER_ADDRESS"`
	RconPassword string        `yaml:"rcon_password" env:"RCON_PASSWORD"`
	RconPort     int           `yaml:"rcon_port" env:"RCON_PORT"`
	QueryPort    int           `yaml:"query_port" env:"QUERY_PORT"`
	RconTimeout  time.Duration `yaml:"rcon_timeout" env:"RCON_TIMEOUT"`
	QueryTimeout time.Duration `yaml:"query_timeout" env:"QUERY_TIMEOUT"`
}

// MojangConfig holds identity lookup settings
type MojangConfig struct {
	BaseURL string        `yaml:"base_url" env:"MOJANG_BASE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"MOJANG_TIMEOUT"`
}

// VerifyConfig holds verification workflow settings
type VerifyConfig struct {
	RoleName         string `yaml:"role_name" env:"VERIFY_ROLE_NAME"`
	SerializePerUser *bool  `yaml:"serialize_per_user" env:"VERIFY_SERIALIZE_PER_USER"`
}

// StatusConfig holds status channel settings
type StatusConfig struct {
	Interval     time.Duration `yaml:"interval" env:"STATUS_INTERVAL"`
	OnlineFormat string        `yaml:"online_format" env:"STATUS_ONLINE_FORMAT"`
	OfflineLabel string        `yaml:"offline_label" env:"STATUS_OFFLINE_LABEL"`
}

// APIConfig holds the optional HTTP status surface settings.
// An empty ListenAddr disables it.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"API_LISTEN_ADDR"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"` // "text" or "json"
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" env:"OTEL_ENABLED"`
	Stdout       bool   `yaml:"stdout" env:"OTEL_STDOUT"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
}

// Load reads configuration from an optional YAML file and then overlays
// environment variables. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Discord.SettleDelay == 0 {
		c.Discord.SettleDelay = 3 * time.Second
	}
	if c.Discord.OpenRetryTimeout == 0 {
		c.Discord.OpenRetryTimeout = time.Minute
	}
	if c.Minecraft.RconPort == 0 {
		c.Minecraft.RconPort = 25575
	}
	if c.Minecraft.QueryPort == 0 {
		c.Minecraft.QueryPort = 25565
	}
	if c.Minecraft.RconTimeout == 0 {
		c.Minecraft.RconTimeout = 5 * time.Second
	}
	if c.Minecraft.QueryTimeout == 0 {
		c.Minecraft.QueryTimeout = 5 * time.Second
	}
	if c.Mojang.BaseURL == "" {
		c.Mojang.BaseURL = "https://api.mojang.com"
	}
	if c.Mojang.Timeout == 0 {
		c.Mojang.Timeout = 10 * time.Second
	}
	if c.Verify.RoleName == "" {
		c.Verify.RoleName = "Verified"
	}
	if c.Verify.SerializePerUser == nil {
		on := true
		c.Verify.SerializePerUser = &on
	}
	// Discord allows two channel renames per ten minutes
	if c.Status.Interval == 0 {
		c.Status.Interval = 6 * time.Minute
	}
	if c.Status.OnlineFormat == "" {
		c.Status.OnlineFormat = "🎮 Players online: {online} 🎮"
	}
	if c.Status.OfflineLabel == "" {
		c.Status.OfflineLabel = "🛑 Server offline 🛑"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mcgate"
	}
}

// Validate checks that every required value is present and well-formed.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	required := []struct {
		name  string
		value string
	}{
		{"SERVER_ADDRESS", c.Minecraft.Address},
		{"RCON_PASSWORD", c.Minecraft.RconPassword},
		{"DISCORD_STATUS_CHANNEL_ID", c.Discord.StatusChannelID},
		{"DISCORD_VERIFY_CHANNEL_ID", c.Discord.VerifyChannelID},
		{"DISCORD_TOKEN", c.Discord.Token},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}

	// discordgo takes IDs as strings; only the format is checked here
	for _, ch := range []struct{ name, value string }{
		{"DISCORD_STATUS_CHANNEL_ID", c.Discord.StatusChannelID},
		{"DISCORD_VERIFY_CHANNEL_ID", c.Discord.VerifyChannelID},
	} {
		if ch.value == "" {
			continue
		}
		if _, err := snowflake.Parse(ch.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.name, err))
		}
	}

	if c.Minecraft.RconPort <= 0 || c.Minecraft.RconPort > 65535 {
		errs = append(errs, fmt.Errorf("rcon_port %d out of range", c.Minecraft.RconPort))
	}
	if c.Minecraft.QueryPort <= 0 || c.Minecraft.QueryPort > 65535 {
		errs = append(errs, fmt.Errorf("query_port %d out of range", c.Minecraft.QueryPort))
	}
	if c.Status.Interval < 0 {
		errs = append(errs, fmt.Errorf("status interval must be positive"))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log format %q must be text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// RconAddr returns host:port of the RCON endpoint
func (c *Config) RconAddr() string {
	return net.JoinHostPort(c.Minecraft.Address, fmt.Sprint(c.Minecraft.RconPort))
}

// QueryAddr returns host:port of the status (Server List Ping) endpoint
func (c *Config) QueryAddr() string {
	return net.JoinHostPort(c.Minecraft.Address, fmt.Sprint(c.Minecraft.QueryPort))
}

// SerializePerUser reports whether concurrent verifications for one user are rejected
func (c *Config) SerializePerUser() bool {
	return c.Verify.SerializePerUser != nil && *c.Verify.SerializePerUser
}

// Redacted returns a copy safe for printing
func (c Config) Redacted() Config {
	if c.Discord.Token != "" {
		c.Discord.Token = "********"
	}
	if c.Minecraft.RconPassword != "" {
		c.Minecraft.RconPassword = "********"
	}
	return c
}
