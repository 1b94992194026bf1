package config

import "time"

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Keepalive KeepaliveConfig
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Delimiter       string
	MaxConnections  int                   `mapstructure:"maxConnections"`
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	// Mode selects the resolver: "jwt" or "static".
	Mode      string
	JWTSecret string `mapstructure:"jwtSecret"`

	// Tokens is the token -> userID table used in static mode.
	Tokens map[string]string `mapstructure:"tokens"`

	SuccessNotice      string `mapstructure:"successNotice"`
	UnauthorizedNotice string `mapstructure:"unauthorizedNotice"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type KeepaliveConfig struct {
	Enabled  bool
	Interval time.Duration `mapstructure:"interval"`
}

type RateLimitConfig struct {
	Enabled           bool
	MessagesPerSecond float64 `mapstructure:"messagesPerSecond"`
	Burst             int
}

type TLSConfig struct {
	Enabled  bool
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
}

type LogConfig struct {
	Level string
}
