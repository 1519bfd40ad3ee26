package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Node struct {
		Alias           string        `yaml:"alias"`
		Address         string        `yaml:"address"`
		PublicURL       string        `yaml:"public_url"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"node"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Stream struct {
		PubMax               uint64        `yaml:"pub_max"`
		SubMax               uint64        `yaml:"sub_max"`
		AutoCreateWhip       bool          `yaml:"auto_create_whip"`
		PublishLeaveTimeout  time.Duration `yaml:"publish_leave_timeout"`
		SubscribeLeaveTimeout time.Duration `yaml:"subscribe_leave_timeout"`
		DisabledCodecs       []string      `yaml:"disabled_codecs"`
	} `yaml:"stream"`

	Cascade struct {
		Enabled              bool          `yaml:"enabled"`
		CheckAttempts        int           `yaml:"check_attempts"`
		CheckInterval        time.Duration `yaml:"check_interval"`
		CheckTickTime        time.Duration `yaml:"check_tick_time"`
		MaximumIdleTime      time.Duration `yaml:"maximum_idle_time"`
		CloseOtherSub        bool          `yaml:"close_other_sub"`
		ConnectTimeout       time.Duration `yaml:"connect_timeout"`
		TotalTimeout         time.Duration `yaml:"total_timeout"`
	} `yaml:"cascade"`

	Cluster struct {
		Enabled  bool   `yaml:"enabled"`
		Redis    struct {
			Address  string `yaml:"address"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
		} `yaml:"redis"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	} `yaml:"cluster"`

	Webhook struct {
		URLs []string `yaml:"urls"`
	} `yaml:"webhook"`

	Auth struct {
		Authorization      string `yaml:"authorization"`
		AdminAuthorization string `yaml:"admin_authorization"`
		JWTSecret          string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool   `yaml:"enabled"`
		JaegerURL   string `yaml:"jaeger_url"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a configuration suitable for a single local node.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Node.Alias = "edge-0"
	cfg.Node.Address = ":7777"
	cfg.Node.PublicURL = "http://localhost:7777"
	cfg.Node.ShutdownTimeout = 10 * time.Second
	cfg.Stream.PubMax = 100
	cfg.Stream.SubMax = 1000
	cfg.Stream.PublishLeaveTimeout = 15 * time.Second
	cfg.Stream.SubscribeLeaveTimeout = 15 * time.Second
	cfg.Cascade.CheckAttempts = 5
	cfg.Cascade.CheckInterval = time.Second
	cfg.Cascade.CheckTickTime = 60 * time.Second
	cfg.Cascade.MaximumIdleTime = 60 * time.Second
	cfg.Cascade.ConnectTimeout = 300 * time.Millisecond
	cfg.Cascade.TotalTimeout = 500 * time.Millisecond
	cfg.Cluster.HeartbeatInterval = time.Second
	cfg.Cluster.Redis.PoolSize = 10
	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9777
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	return cfg
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Node.Address == "" {
		return fmt.Errorf("node.address must not be empty")
	}
	if c.Node.PublicURL == "" {
		return fmt.Errorf("node.public_url must not be empty")
	}
	if c.Stream.PublishLeaveTimeout <= 0 {
		return fmt.Errorf("stream.publish_leave_timeout must be > 0")
	}
	if c.Stream.SubscribeLeaveTimeout <= 0 {
		return fmt.Errorf("stream.subscribe_leave_timeout must be > 0")
	}
	if c.Cascade.CheckAttempts <= 0 {
		return fmt.Errorf("cascade.check_attempts must be > 0")
	}
	if c.Cascade.ConnectTimeout <= 0 || c.Cascade.TotalTimeout <= 0 {
		return fmt.Errorf("cascade timeouts must be > 0")
	}
	if c.Cascade.TotalTimeout < c.Cascade.ConnectTimeout {
		return fmt.Errorf("cascade.total_timeout must be >= cascade.connect_timeout")
	}
	if c.Cluster.Enabled && c.Cluster.Redis.Address == "" {
		return fmt.Errorf("cluster.redis.address required when cluster is enabled")
	}
	if c.WebRTC.PortRange.Min > 0 && c.WebRTC.PortRange.Max < c.WebRTC.PortRange.Min {
		return fmt.Errorf("webrtc.port_range.max must be >= min")
	}
	return nil
}

// IdleTimeouts folds the stream and cascade sections into one policy view.
func (c *Config) IdleTimeouts() (publishLeave, subscribeLeave, reforwardIdle, tick time.Duration) {
	return c.Stream.PublishLeaveTimeout, c.Stream.SubscribeLeaveTimeout,
		c.Cascade.MaximumIdleTime, c.Cascade.CheckTickTime
}
