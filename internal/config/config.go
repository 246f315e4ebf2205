// Package config loads the gateway daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the daemon configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Keys      KeysConfig      `yaml:"keys"`
	Region    RegionConfig    `yaml:"region"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Routers   []RouterConfig  `yaml:"routers"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	API       APIConfig       `yaml:"api"`
	NATS      NATSConfig      `yaml:"nats"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GatewayConfig represents the core gateway settings.
type GatewayConfig struct {
	ID              string        `yaml:"id"`
	UDPBind         string        `yaml:"udp_bind"`
	UplinkQueueSize int           `yaml:"uplink_queue_size"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
}

// KeysConfig represents the signing device settings.
type KeysConfig struct {
	SeedFile    string        `yaml:"seed_file"`
	SignTimeout time.Duration `yaml:"sign_timeout"`
	RetryBudget int           `yaml:"retry_budget"`
}

// RegionConfig represents the region plan selection.
type RegionConfig struct {
	ID        string `yaml:"id"`
	PlansFile string `yaml:"plans_file"`
}

// DedupConfig represents the uplink dedup cache settings.
type DedupConfig struct {
	Window   time.Duration `yaml:"window"`
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
}

// RouterConfig represents one backend router session.
type RouterConfig struct {
	URI              string        `yaml:"uri"`
	Disabled         bool          `yaml:"disabled"`
	QueueSize        int           `yaml:"queue_size"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	BackoffInitial   time.Duration `yaml:"backoff_initial"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
}

// SchedulerConfig represents downlink scheduling settings.
type SchedulerConfig struct {
	DispatchLatency time.Duration `yaml:"dispatch_latency"`
	TransmitTimeout time.Duration `yaml:"transmit_timeout"`
	DutyCycleWindow time.Duration `yaml:"duty_cycle_window"`
}

// APIConfig represents the local status API.
type APIConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
}

// NATSConfig represents the optional local event bus.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	MaxReconnects     int           `yaml:"max_reconnects"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Gateway: GatewayConfig{
			UDPBind:         "0.0.0.0:1700",
			UplinkQueueSize: 64,
			DrainTimeout:    5 * time.Second,
		},
		Keys: KeysConfig{
			SeedFile:    "/etc/gatewayd/gateway_key",
			SignTimeout: 2 * time.Second,
			RetryBudget: 2,
		},
		Region: RegionConfig{ID: "EU868"},
		Dedup: DedupConfig{
			Window:   500 * time.Millisecond,
			TTL:      2 * time.Second,
			Capacity: 1024,
		},
		Scheduler: SchedulerConfig{
			DispatchLatency: 100 * time.Millisecond,
			TransmitTimeout: time.Second,
			DutyCycleWindow: time.Hour,
		},
		API: APIConfig{Host: "127.0.0.1", Port: 8080},
	}
}

// Validate checks the loaded configuration for fatal mistakes.
func (c *Config) Validate() error {
	if c.Gateway.UDPBind == "" {
		return fmt.Errorf("gateway.udp_bind is required")
	}
	if c.Region.ID == "" {
		return fmt.Errorf("region.id is required")
	}
	if len(c.EnabledRouters()) == 0 {
		return fmt.Errorf("at least one enabled router is required")
	}
	for i, r := range c.Routers {
		if !r.Disabled && r.URI == "" {
			return fmt.Errorf("routers[%d].uri is required", i)
		}
	}
	if c.Keys.SignTimeout <= 0 {
		return fmt.Errorf("keys.sign_timeout must be positive")
	}
	if c.Dedup.TTL <= 0 || c.Dedup.Window <= 0 {
		return fmt.Errorf("dedup.ttl and dedup.window must be positive")
	}
	return nil
}

// EnabledRouters returns the router configs that are not disabled.
func (c *Config) EnabledRouters() []RouterConfig {
	out := make([]RouterConfig, 0, len(c.Routers))
	for _, r := range c.Routers {
		if !r.Disabled {
			out = append(out, r)
		}
	}
	return out
}
