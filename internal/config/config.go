package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config carries the full environment configuration for one control-plane
// instance. All knobs come from environment variables; defaults match the
// values the referee panel and HUD clients assume.
type Config struct {
	AppEnv   string
	AppName  string
	LogLevel string

	HTTPBindAddr    string
	MetricsBindAddr string

	PubSubURL   string
	DatabaseURL string

	TokenSharedSecret string
	TokenIssuer       string

	WSPingIntervalSeconds int
	WSIdleTimeoutSeconds  int
	WSSendQueueSize       int
	WSSendTimeoutMS       int

	CommandRetryMax             int
	MatchDefaultDurationSeconds int
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:            os.Getenv("APP_ENV"),
		AppName:           os.Getenv("APP_NAME"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		HTTPBindAddr:      os.Getenv("HTTP_BIND_ADDR"),
		MetricsBindAddr:   os.Getenv("METRICS_BIND_ADDR"),
		PubSubURL:         os.Getenv("PUBSUB_URL"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		TokenSharedSecret: os.Getenv("TOKEN_SHARED_SECRET"),
		TokenIssuer:       os.Getenv("TOKEN_ISSUER"),

		WSPingIntervalSeconds:       25,
		WSIdleTimeoutSeconds:        90,
		WSSendQueueSize:             256,
		WSSendTimeoutMS:             2000,
		CommandRetryMax:             3,
		MatchDefaultDurationSeconds: 300,
	}
	if cfg.AppName == "" {
		cfg.AppName = "procomp"
	}
	if cfg.HTTPBindAddr == "" {
		cfg.HTTPBindAddr = ":8080"
	}
	if cfg.MetricsBindAddr == "" {
		cfg.MetricsBindAddr = ":9090"
	}

	for _, v := range []struct {
		name string
		dst  *int
	}{
		{"WS_PING_INTERVAL_SECONDS", &cfg.WSPingIntervalSeconds},
		{"WS_IDLE_TIMEOUT_SECONDS", &cfg.WSIdleTimeoutSeconds},
		{"WS_SEND_QUEUE_SIZE", &cfg.WSSendQueueSize},
		{"WS_SEND_TIMEOUT_MS", &cfg.WSSendTimeoutMS},
		{"COMMAND_RETRY_MAX", &cfg.CommandRetryMax},
		{"MATCH_DEFAULT_DURATION_SECONDS", &cfg.MatchDefaultDurationSeconds},
	} {
		raw := os.Getenv(v.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", v.name, err)
		}
		*v.dst = n
	}

	if cfg.PubSubURL == "" || cfg.DatabaseURL == "" || cfg.TokenSharedSecret == "" {
		return nil, fmt.Errorf("missing required environment variables: PUBSUB_URL, DATABASE_URL and TOKEN_SHARED_SECRET must be set")
	}
	return cfg, nil
}
