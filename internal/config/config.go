package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	// ICEServers are handed to every role via state envelopes; roles must
	// cache them before their first negotiation.
	ICEServers []string `mapstructure:"ice_servers"`

	// RedisAddr enables the persistent claim store when non-empty.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// Compositor claim tunables.
	ClaimGrace time.Duration `mapstructure:"claim_grace"`
	ClaimRetry time.Duration `mapstructure:"claim_retry"`

	// Program readiness wait before offering to a viewer.
	ProgramWaitRetries  int           `mapstructure:"program_wait_retries"`
	ProgramWaitInterval time.Duration `mapstructure:"program_wait_interval"`

	// WatchdogWindow is the viewer liveness window before a state re-request.
	WatchdogWindow time.Duration `mapstructure:"watchdog_window"`
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
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("claim_grace", "500ms")
	v.SetDefault("claim_retry", "2s")
	v.SetDefault("program_wait_retries", 10)
	v.SetDefault("program_wait_interval", "200ms")
	v.SetDefault("watchdog_window", "5s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
