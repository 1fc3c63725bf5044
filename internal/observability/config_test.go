package observability

import (
	"testing"

	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigFromAppConfig(t *testing.T) {
	cfg := LoadConfig(config.Config{
		AppVersion:   " 1.2.3 ",
		Environment:  "production",
		OTLPEndpoint: "collector:4317",
		Observability: config.ObservabilityConfig{
			LogLevel:          "warn",
			LogFormat:         "json",
			OtelEnabled:       true,
			OtelProtocol:      "http",
			OtelSamplingRatio: 0.5,
		},
	})

	assert.Equal(t, "creditledger", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.Version)
	assert.Equal(t, "collector:4317", cfg.OtelExporterEndpoint)
	assert.Equal(t, "http", cfg.OtelExporterProtocol)
	assert.True(t, cfg.OtelEnabled)
	assert.False(t, cfg.Debug())
}

func TestDebug(t *testing.T) {
	assert.True(t, Config{LogLevel: "DEBUG", Environment: "production"}.Debug())
	assert.True(t, Config{LogLevel: "info", Environment: "local"}.Debug())
	assert.False(t, Config{LogLevel: "info", Environment: "staging"}.Debug())
}
