package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "sqlite")
	t.Setenv("DATABASE_PATH", "/tmp/ledger.db")
	t.Setenv("RATE_LIMIT_ENABLED", "yes")
	t.Setenv("RATE_LIMIT_SESSION_SUBJECT_RATE", "2.5")
	t.Setenv("PAYMENT_SIGNATURE_TOLERANCE_SECONDS", "60")
	t.Setenv("DATABASE_MAX_OPEN_CONN", "not-a-number")

	cfg := Load()

	assert.Equal(t, "sqlite", cfg.DBType)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 2.5, cfg.RateLimit.SessionSubjectRate)
	assert.Equal(t, time.Minute, cfg.Payment.SignatureTolerance)
	assert.Equal(t, 50, cfg.DBMaxOpenConn)

	dbCfg := cfg.DB()
	assert.Equal(t, "sqlite", dbCfg.Type)
	assert.Equal(t, "/tmp/ledger.db", dbCfg.Path)
	assert.Equal(t, 300*time.Second, dbCfg.ConnMaxLifetime)
}

func TestLoadObservability(t *testing.T) {
	t.Setenv("LOG_LEVEL", " DEBUG ")
	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP")
	t.Setenv("SCHEDULER_ENABLED", "off")

	cfg := Load()

	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	assert.True(t, cfg.Observability.OtelEnabled)
	assert.Equal(t, "http", cfg.Observability.OtelProtocol)
	assert.Equal(t, 0.1, cfg.Observability.OtelSamplingRatio)
	assert.Equal(t, "collector:4318", cfg.OTLPEndpoint)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.RunInterval)
}

func TestIsProduction(t *testing.T) {
	assert.True(t, Config{Environment: "Production"}.IsProduction())
	assert.False(t, Config{Environment: "development"}.IsProduction())
}
