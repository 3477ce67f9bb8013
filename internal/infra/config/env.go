package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v10"
)

// envOverlay lists the settings that may come from the process environment.
// Set variables win over the YAML file.
type envOverlay struct {
	Environment     string `env:"GATEWAY_ENV"`
	ClientID        string `env:"BROKER_CLIENT_ID"`
	AccessToken     string `env:"BROKER_ACCESS_TOKEN"`
	BrokerBaseURL   string `env:"BROKER_BASE_URL"`
	BrokerFeedURL   string `env:"BROKER_FEED_URL"`
	DatabaseURL     string `env:"DATABASE_URL"`
	RunMigrations   *bool  `env:"DATABASE_RUN_MIGRATIONS"`
	APIAddr         string `env:"API_ADDR"`
	LogLevel        string `env:"LOG_LEVEL"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LookupPath      string `env:"INSTRUMENT_MASTER_PATH"`
	FeedAutoConnect *bool  `env:"FEED_AUTO_CONNECT"`
}

func (c *AppConfig) applyEnv(environ map[string]string) error {
	var overlay envOverlay
	if err := env.ParseWithOptions(&overlay, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	setString(&c.Environment, Environment(overlay.Environment))
	setString(&c.Broker.ClientID, overlay.ClientID)
	setString(&c.Broker.AccessToken, overlay.AccessToken)
	setString(&c.Broker.BaseURL, overlay.BrokerBaseURL)
	setString(&c.Broker.FeedURL, overlay.BrokerFeedURL)
	setString(&c.Database.DSN, overlay.DatabaseURL)
	setString(&c.APIServer.Addr, overlay.APIAddr)
	setString(&c.Logging.Level, overlay.LogLevel)
	setString(&c.Telemetry.OTLPEndpoint, overlay.OTLPEndpoint)
	setString(&c.Lookup.Path, overlay.LookupPath)
	if overlay.RunMigrations != nil {
		c.Database.RunMigrations = *overlay.RunMigrations
	}
	if overlay.FeedAutoConnect != nil {
		c.Feed.AutoConnect = *overlay.FeedAutoConnect
	}
	return nil
}

func setString[T ~string](dst *T, value T) {
	if strings.TrimSpace(string(value)) != "" {
		*dst = value
	}
}

func environMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if key, value, ok := strings.Cut(kv, "="); ok {
			out[key] = value
		}
	}
	return out
}
