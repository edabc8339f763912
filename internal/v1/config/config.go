package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Auth methods accepted in the configuration document.
const (
	MethodNone              = "none"
	MethodToken             = "token"
	MethodEthereumHandshake = "ethereum-handshake"
)

// Routing modes. Unrecognized modes fall back to broadcast at routing
// time, so validation only warns about them.
const (
	RouteBroadcast = "broadcast"
	RouteUnicast   = "unicast"
	RouteMulticast = "multicast"
)

// IP filter entry types.
const (
	FilterWhitelist = "whitelist"
	FilterBlacklist = "blacklist"
)

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Port   int    `json:"port"`
	Host   string `json:"host"`
	WSPath string `json:"wsPath"`
}

// RoomConfig describes one room. The first entry in Config.Rooms is the
// default room used for auto-join and for joins targeting unknown ids.
// MaxConnections parses but room capacity is governed by the global
// maxConnectionsPerRoom limit at upgrade time.
type RoomConfig struct {
	ID                  string   `json:"id"`
	RoutingMode         string   `json:"routingMode"`
	AllowedMessageTypes []string `json:"allowedMessageTypes,omitempty"`
	MaxConnections      int      `json:"maxConnections,omitempty"`
}

// IPFilter is one ordered whitelist/blacklist entry. Pattern is either a
// literal address or IPv4 CIDR.
type IPFilter struct {
	Pattern string `json:"pattern"`
	Type    string `json:"type"`
}

// ConnectionLimits caps live connections at admission time.
// MaxConnectionsPerUser is part of the schema but not enforced anywhere yet.
type ConnectionLimits struct {
	MaxConnectionsPerIP   int `json:"maxConnectionsPerIP"`
	MaxConnectionsPerRoom int `json:"maxConnectionsPerRoom"`
	MaxTotalConnections   int `json:"maxTotalConnections"`
	MaxConnectionsPerUser int `json:"maxConnectionsPerUser"`
}

// RateLimitRule gates inbound frames per connection over a sliding window.
// Scope parses for forward compatibility; only per-client behavior is
// implemented.
type RateLimitRule struct {
	Enabled      bool     `json:"enabled"`
	MaxMessages  int      `json:"maxMessages"`
	WindowMs     int64    `json:"windowMs"`
	MessageTypes []string `json:"messageTypes,omitempty"`
	Scope        string   `json:"scope,omitempty"`
}

// AuthConfig selects the admission auth method and handshake parameters.
// HandshakeExpiry is in seconds.
type AuthConfig struct {
	Enabled          bool   `json:"enabled"`
	Method           string `json:"method"`
	AllowAnonymous   bool   `json:"allowAnonymous"`
	AnonymousPrefix  string `json:"anonymousPrefix"`
	HandshakeMessage string `json:"handshakeMessage"`
	HandshakeExpiry  int    `json:"handshakeExpiry"`
}

// LoggingConfig tunes connection and message logging volume.
type LoggingConfig struct {
	Level          string `json:"level"`
	LogConnections bool   `json:"logConnections"`
	LogMessages    bool   `json:"logMessages"`
}

// Config is the immutable settings snapshot every component consumes.
// Built once at startup by Load; never mutated afterwards.
type Config struct {
	Server           ServerConfig     `json:"server"`
	Rooms            []RoomConfig     `json:"rooms"`
	IPFilters        []IPFilter       `json:"ipFilters"`
	ConnectionLimits ConnectionLimits `json:"connectionLimits"`
	RateLimitRules   []RateLimitRule  `json:"rateLimitRules"`
	Auth             AuthConfig       `json:"auth"`
	Logging          LoggingConfig    `json:"logging"`

	// UIDisabled comes from the DISABLE_UI env var, not the document.
	UIDisabled bool `json:"-"`
}

// Default returns the configuration used when no document is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:   6742,
			Host:   "0.0.0.0",
			WSPath: "/ws",
		},
		Rooms: []RoomConfig{
			{ID: "default", RoutingMode: RouteBroadcast},
		},
		ConnectionLimits: ConnectionLimits{
			MaxConnectionsPerIP:   10,
			MaxConnectionsPerRoom: 50,
			MaxTotalConnections:   500,
			MaxConnectionsPerUser: 3,
		},
		Auth: AuthConfig{
			Enabled:          true,
			Method:           MethodEthereumHandshake,
			AllowAnonymous:   false,
			AnonymousPrefix:  "anon_",
			HandshakeMessage: "Sign this message to authenticate with the signaling server",
			HandshakeExpiry:  300,
		},
		Logging: LoggingConfig{
			Level:          "info",
			LogConnections: true,
			LogMessages:    false,
		},
	}
}

// Load reads the JSON configuration document at path, applies environment
// overrides, and validates the result. A missing file is not an error;
// the defaults are used so the server can start bare.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		slog.Warn("config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logLoadedConfig(cfg, path)
	return cfg, nil
}

// applyEnv layers the two supported environment overrides onto the
// snapshot: PORT replaces server.port, DISABLE_UI=true turns the HTTP UI
// off in favor of the signaling-only responder.
func applyEnv(cfg *Config) {
	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			slog.Warn("ignoring invalid PORT override", "value", raw)
		} else {
			cfg.Server.Port = port
		}
	}
	cfg.UIDisabled = os.Getenv("DISABLE_UI") == "true"
}

// validate collects every problem before failing so a broken document
// surfaces all at once.
func (c *Config) validate() error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, fmt.Sprintf("server.port must be between 1 and 65535 (got %d)", c.Server.Port))
	}
	if c.Server.Host == "" {
		errors = append(errors, "server.host is required")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		errors = append(errors, fmt.Sprintf("server.wsPath must start with '/' (got %q)", c.Server.WSPath))
	}

	for i, room := range c.Rooms {
		if room.ID == "" {
			errors = append(errors, fmt.Sprintf("rooms[%d].id is required", i))
		}
		switch room.RoutingMode {
		case "", RouteBroadcast, RouteUnicast, RouteMulticast:
		default:
			slog.Warn("unknown routing mode, will be treated as broadcast",
				"room", room.ID, "mode", room.RoutingMode)
		}
	}

	for i, filter := range c.IPFilters {
		if filter.Type != FilterWhitelist && filter.Type != FilterBlacklist {
			errors = append(errors, fmt.Sprintf("ipFilters[%d].type must be 'whitelist' or 'blacklist' (got %q)", i, filter.Type))
		}
		if filter.Pattern == "" {
			errors = append(errors, fmt.Sprintf("ipFilters[%d].pattern is required", i))
		} else if !patternParses(filter.Pattern) {
			// Unparseable patterns never match anything, so the server
			// stays bootable and we just warn.
			slog.Warn("ip filter pattern is neither an address nor IPv4 CIDR, it will never match",
				"pattern", filter.Pattern)
		}
	}

	limits := c.ConnectionLimits
	if limits.MaxConnectionsPerIP < 1 {
		errors = append(errors, fmt.Sprintf("connectionLimits.maxConnectionsPerIP must be positive (got %d)", limits.MaxConnectionsPerIP))
	}
	if limits.MaxConnectionsPerRoom < 1 {
		errors = append(errors, fmt.Sprintf("connectionLimits.maxConnectionsPerRoom must be positive (got %d)", limits.MaxConnectionsPerRoom))
	}
	if limits.MaxTotalConnections < 1 {
		errors = append(errors, fmt.Sprintf("connectionLimits.maxTotalConnections must be positive (got %d)", limits.MaxTotalConnections))
	}

	for i, rule := range c.RateLimitRules {
		if !rule.Enabled {
			continue
		}
		if rule.MaxMessages < 1 {
			errors = append(errors, fmt.Sprintf("rateLimitRules[%d].maxMessages must be positive (got %d)", i, rule.MaxMessages))
		}
		if rule.WindowMs < 1 {
			errors = append(errors, fmt.Sprintf("rateLimitRules[%d].windowMs must be positive (got %d)", i, rule.WindowMs))
		} else if rule.WindowMs > 60_000 {
			// Trackers prune anything older than 60s, so wider windows
			// cannot be counted correctly.
			errors = append(errors, fmt.Sprintf("rateLimitRules[%d].windowMs must not exceed 60000 (got %d)", i, rule.WindowMs))
		}
	}

	switch c.Auth.Method {
	case MethodNone, MethodToken, MethodEthereumHandshake:
	default:
		errors = append(errors, fmt.Sprintf("auth.method must be one of none, token, ethereum-handshake (got %q)", c.Auth.Method))
	}
	if c.Auth.Method == MethodEthereumHandshake && c.Auth.HandshakeExpiry < 1 {
		errors = append(errors, fmt.Sprintf("auth.handshakeExpiry must be positive (got %d)", c.Auth.HandshakeExpiry))
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errors = append(errors, fmt.Sprintf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level))
	}

	if len(errors) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}

// DefaultRoom returns the first configured room, the fallback target for
// auto-join and unknown-id joins, or nil when no rooms are configured.
func (c *Config) DefaultRoom() *RoomConfig {
	if len(c.Rooms) == 0 {
		return nil
	}
	return &c.Rooms[0]
}

// RoomByID returns the room configuration with the given id, or nil.
func (c *Config) RoomByID(id string) *RoomConfig {
	for i := range c.Rooms {
		if c.Rooms[i].ID == id {
			return &c.Rooms[i]
		}
	}
	return nil
}

// ListenAddr returns the host:port the listener binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// patternParses reports whether a filter pattern is a parseable address
// or IPv4 CIDR.
func patternParses(pattern string) bool {
	if strings.Contains(pattern, "/") {
		_, _, err := net.ParseCIDR(pattern)
		return err == nil
	}
	return net.ParseIP(pattern) != nil
}

// logLoadedConfig summarizes the effective snapshot at startup. slog is
// used because the zap logger is not initialized yet at load time.
func logLoadedConfig(cfg *Config, path string) {
	slog.Info("✅ Configuration loaded",
		"path", path,
		"listen", cfg.ListenAddr(),
		"ws_path", cfg.Server.WSPath,
		"rooms", len(cfg.Rooms),
		"ip_filters", len(cfg.IPFilters),
		"rate_limit_rules", len(cfg.RateLimitRules),
		"auth_method", cfg.Auth.Method,
		"allow_anonymous", cfg.Auth.AllowAnonymous,
		"ui_disabled", cfg.UIDisabled,
	)
}
