package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable for the gateway and the client stack. Each
// timeout from the liveness/backoff design is a knob here, never a constant
// in the code that uses it.
type Config struct {
	Mode      string `mapstructure:"mode"`
	Port      int    `mapstructure:"port"`
	WSPath    string `mapstructure:"ws_path"`
	Secret    string `mapstructure:"secret"`
	ReadLimit int64  `mapstructure:"read_limit"`

	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	PingAhead       time.Duration `mapstructure:"ping_ahead"`
	PresenceRefresh time.Duration `mapstructure:"presence_refresh"`

	// Chat persistence collaborator: "none", "rest" or "redis".
	StoreBackend  string `mapstructure:"store_backend"`
	StoreURL      string `mapstructure:"store_url"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// Client side.
	ServerURL         string        `mapstructure:"server_url"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMisses   int           `mapstructure:"heartbeat_misses"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	BackoffAttempts   int           `mapstructure:"backoff_attempts"`

	// Call signaling.
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
	STUNServers []string      `mapstructure:"stun_servers"`
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

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("ws_path", "/ws")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("sweep_interval", "10s")
	v.SetDefault("idle_timeout", "30s")
	v.SetDefault("ping_ahead", "10s")
	v.SetDefault("presence_refresh", "30s")
	v.SetDefault("store_backend", "none")
	v.SetDefault("store_url", "http://localhost:3001")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("server_url", "ws://localhost:8080/ws")
	v.SetDefault("connect_timeout", "10s")
	v.SetDefault("heartbeat_interval", "15s")
	v.SetDefault("heartbeat_misses", 3)
	v.SetDefault("backoff_base", "1s")
	v.SetDefault("backoff_cap", "30s")
	v.SetDefault("backoff_attempts", 5)
	v.SetDefault("ring_timeout", "45s")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
