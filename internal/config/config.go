package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents gateway configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Node identity and inter-node shared secrets
	Node NodeConfig `yaml:"node"`

	// Redis holding the session directory
	Redis RedisConfig `yaml:"redis"`

	// Redis holding login tokens (defaults to Redis)
	TokenRedis RedisConfig `yaml:"token_redis"`

	// Relational store for applications and users
	Database DatabaseConfig `yaml:"database"`

	// Static applications, used when no database is configured
	Applications []ApplicationConfig `yaml:"applications"`

	// Authentication configuration
	Auth AuthConfig `yaml:"auth"`

	// Inter-node forwarding configuration
	Forward ForwardConfig `yaml:"forward"`

	// Session directory configuration
	Directory DirectoryConfig `yaml:"directory"`

	// WebSocket connection configuration
	WebSocket WebSocketConfig `yaml:"websocket"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// Poll interval of the config file watcher, 0 disables hot reload
	ConfigWatchInterval time.Duration `yaml:"config_watch_interval"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	// Listen address for the WebSocket and HTTP API
	ListenAddr string `yaml:"listen_addr"`

	// Health check and metrics port
	HealthCheckPort int `yaml:"health_check_port"`

	// Address other nodes use to reach this node. Together they identify
	// this node inside session directory records.
	AdvertiseIP   string `yaml:"advertise_ip"`
	AdvertisePort int    `yaml:"advertise_port"`

	// Name reported in push responses
	AppName string `yaml:"app_name"`
}

// NodeConfig represents inter-node configuration
type NodeConfig struct {
	// Token peers must present in the loc_to_token header
	Token string `yaml:"token"`

	// Peers this node may forward to, with the token each of them expects
	Peers []PeerConfig `yaml:"peers"`
}

// PeerConfig describes one peer node
type PeerConfig struct {
	IP    string `yaml:"ip"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Optional prefix for Redis keys. Empty keeps the bare app:<app>:user:<user> form.
	KeyPrefix string `yaml:"key_prefix"`

	// Connection pool configuration
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig represents PostgreSQL configuration
type DatabaseConfig struct {
	// Connection URL, empty disables the database
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

// ApplicationConfig describes an application allowed to open connections
type ApplicationConfig struct {
	AppID           string `yaml:"app_id"`
	Token           string `yaml:"token"`
	AuthURL         string `yaml:"auth_url"`
	CallbackMessage string `yaml:"callback_message"`
}

// AuthConfig represents authentication configuration
type AuthConfig struct {
	// Timeout of one auth callback request
	CallbackTimeout time.Duration `yaml:"callback_timeout"`

	// Lifetime of login tokens issued by /api/login
	TokenTTL time.Duration `yaml:"token_ttl"`

	// How long application lookups are cached, 0 disables caching
	AppCacheTTL time.Duration `yaml:"app_cache_ttl"`
}

// ForwardConfig represents inter-node forwarding configuration
type ForwardConfig struct {
	// Timeout of one node push request
	Timeout time.Duration `yaml:"timeout"`

	// Consecutive failures before a peer's breaker opens
	BreakerFailures int64 `yaml:"breaker_failures"`

	// How long a peer's breaker stays open
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// DirectoryConfig represents session directory configuration
type DirectoryConfig struct {
	// Expiry applied to session records on write, 0 keeps them forever
	RecordTTL time.Duration `yaml:"record_ttl"`

	// Timeout of the best-effort detach performed when a connection stops
	DetachTimeout time.Duration `yaml:"detach_timeout"`
}

// WebSocketConfig represents per-connection configuration
type WebSocketConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`

	// Outbound messages buffered per connection
	SendQueueSize int `yaml:"send_queue_size"`

	// Client frames held while authentication is in flight
	PendingFrames int `yaml:"pending_frames"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	// Maximum message size (in bytes) to prevent DoS attacks
	MaxMessageSize int `yaml:"max_message_size"`

	// Maximum number of concurrent WebSocket connections
	MaxConnections int `yaml:"max_connections"`

	// Maximum connections per IP address
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`

	// Connection rate limit (connections per second per IP)
	ConnectionRateLimit int `yaml:"connection_rate_limit"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	// OTLP gRPC collector endpoint, empty disables tracing
	Endpoint string `yaml:"endpoint"`
}

// AdvertiseAddr returns the host:port this node is known by
func (c *Config) AdvertiseAddr() string {
	return net.JoinHostPort(c.Server.AdvertiseIP, fmt.Sprintf("%d", c.Server.AdvertisePort))
}

// PeerToken returns the token expected by the peer at ip:port
func (c *Config) PeerToken(ip string, port int) (string, bool) {
	for _, p := range c.Node.Peers {
		if p.IP == ip && p.Port == port {
			return p.Token, true
		}
	}
	return "", false
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses, defaults and validates configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	SetDefaults(&cfg)

	if err := ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *Config) error {
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if cfg.Server.HealthCheckPort <= 0 || cfg.Server.HealthCheckPort > 65535 {
		return fmt.Errorf("server.health_check_port must be between 1 and 65535")
	}
	if cfg.Server.AdvertiseIP == "" {
		return fmt.Errorf("server.advertise_ip is required")
	}
	if cfg.Server.AdvertisePort <= 0 || cfg.Server.AdvertisePort > 65535 {
		return fmt.Errorf("server.advertise_port must be between 1 and 65535")
	}

	if cfg.Node.Token == "" {
		return fmt.Errorf("node.token is required")
	}
	for i, p := range cfg.Node.Peers {
		if p.IP == "" || p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("node.peers[%d] needs a valid ip and port", i)
		}
		if p.Token == "" {
			return fmt.Errorf("node.peers[%d].token is required", i)
		}
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if cfg.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis.pool_size must be greater than 0")
	}

	if cfg.Database.URL == "" && len(cfg.Applications) == 0 {
		return fmt.Errorf("either database.url or applications must be configured")
	}
	for i, app := range cfg.Applications {
		if app.AppID == "" || app.AuthURL == "" {
			return fmt.Errorf("applications[%d] needs app_id and auth_url", i)
		}
	}

	if cfg.Auth.CallbackTimeout <= 0 {
		return fmt.Errorf("auth.callback_timeout must be greater than 0")
	}
	if cfg.Forward.Timeout <= 0 {
		return fmt.Errorf("forward.timeout must be greater than 0")
	}
	if cfg.Directory.RecordTTL < 0 {
		return fmt.Errorf("directory.record_ttl must not be negative")
	}
	if cfg.WebSocket.SendQueueSize <= 0 {
		return fmt.Errorf("websocket.send_queue_size must be greater than 0")
	}
	if cfg.WebSocket.PingInterval <= 0 || cfg.WebSocket.PongTimeout <= 0 {
		return fmt.Errorf("websocket.ping_interval and websocket.pong_timeout must be greater than 0")
	}

	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

// SetDefaults sets default values for configuration
func SetDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.HealthCheckPort == 0 {
		cfg.Server.HealthCheckPort = 9090
	}
	if cfg.Server.AdvertisePort == 0 {
		if _, port, err := net.SplitHostPort(cfg.Server.ListenAddr); err == nil {
			fmt.Sscanf(port, "%d", &cfg.Server.AdvertisePort)
		}
	}
	if cfg.Server.AppName == "" {
		cfg.Server.AppName = "ws-gateway"
	}

	setRedisDefaults(&cfg.Redis)
	if cfg.TokenRedis.Addr == "" {
		cfg.TokenRedis = cfg.Redis
		// Login tokens live under their own prefix-less keys
		cfg.TokenRedis.KeyPrefix = ""
	} else {
		setRedisDefaults(&cfg.TokenRedis)
	}

	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}

	if cfg.Auth.CallbackTimeout == 0 {
		cfg.Auth.CallbackTimeout = 5 * time.Second
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}

	if cfg.Forward.Timeout == 0 {
		cfg.Forward.Timeout = 3 * time.Second
	}
	if cfg.Forward.BreakerFailures == 0 {
		cfg.Forward.BreakerFailures = 5
	}
	if cfg.Forward.BreakerCooldown == 0 {
		cfg.Forward.BreakerCooldown = 10 * time.Second
	}

	if cfg.Directory.DetachTimeout == 0 {
		cfg.Directory.DetachTimeout = 3 * time.Second
	}

	if cfg.WebSocket.WriteTimeout == 0 {
		cfg.WebSocket.WriteTimeout = 10 * time.Second
	}
	if cfg.WebSocket.PongTimeout == 0 {
		cfg.WebSocket.PongTimeout = 60 * time.Second
	}
	if cfg.WebSocket.PingInterval == 0 {
		cfg.WebSocket.PingInterval = cfg.WebSocket.PongTimeout * 9 / 10
	}
	if cfg.WebSocket.SendQueueSize == 0 {
		cfg.WebSocket.SendQueueSize = 256
	}
	if cfg.WebSocket.PendingFrames == 0 {
		cfg.WebSocket.PendingFrames = 16
	}

	// Security defaults
	if cfg.Security.MaxMessageSize == 0 {
		cfg.Security.MaxMessageSize = 1024 * 1024 // 1MB default
	}
	if cfg.Security.MaxConnections == 0 {
		cfg.Security.MaxConnections = 10000
	}
	if cfg.Security.MaxConnectionsPerIP == 0 {
		cfg.Security.MaxConnectionsPerIP = 50
	}
	if cfg.Security.ConnectionRateLimit == 0 {
		cfg.Security.ConnectionRateLimit = 20
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
}

func setRedisDefaults(r *RedisConfig) {
	if r.Addr == "" {
		r.Addr = "localhost:6379"
	}
	if r.PoolSize == 0 {
		r.PoolSize = 10
	}
	if r.MinIdleConns == 0 {
		r.MinIdleConns = 5
	}
	if r.DialTimeout == 0 {
		r.DialTimeout = 5 * time.Second
	}
	if r.ReadTimeout == 0 {
		r.ReadTimeout = 3 * time.Second
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = 3 * time.Second
	}
}
