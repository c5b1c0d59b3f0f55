package config

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-readback/engine/readback"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/renderertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envTestConfig struct {
	Port int `env:"OXY_TEST_PORT" envDefault:"123"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig
	require.NoError(t, ParseEnv(&cfg))
	assert.Equal(t, 123, cfg.Port)
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("OXY_TEST_PORT", "not-an-int")

	var cfg envTestConfig
	err := ParseEnv(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 60.0, cfg.TickRate)
	assert.Equal(t, 240.0, cfg.RenderFrameLimit)
	assert.False(t, cfg.StrictReadback)
	assert.Zero(t, cfg.StallLimit)
	assert.True(t, cfg.ValidateShaders)
	assert.True(t, cfg.OTelEnabled)
	assert.Empty(t, cfg.OTelEndpoint)
	assert.Equal(t, "oxy-readback", cfg.ServiceName)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OXY_TICK_RATE", "30")
	t.Setenv("OXY_READBACK_STRICT", "true")
	t.Setenv("OXY_READBACK_STALL_LIMIT", "12")
	t.Setenv("OXY_OTEL_ENDPOINT", "http://localhost:4318")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30.0, cfg.TickRate)
	assert.True(t, cfg.StrictReadback)
	assert.Equal(t, uint64(12), cfg.StallLimit)
	assert.Equal(t, "http://localhost:4318", cfg.OTelEndpoint)
}

func TestReadbackOptionsApply(t *testing.T) {
	t.Setenv("OXY_READBACK_STALL_LIMIT", "3")
	t.Setenv("OXY_READBACK_WORKERS", "0")
	cfg, err := Load()
	require.NoError(t, err)

	p := readback.NewPlugin(renderertest.New(), cfg.ReadbackOptions()...)
	t.Cleanup(p.Release)
	assert.Len(t, cfg.RendererOptions(), 2)
	assert.Zero(t, p.Stats().Cycles)
}

func TestTelemetryOptions(t *testing.T) {
	t.Setenv("OXY_OTEL_ENDPOINT", "http://collector:4318")
	t.Setenv("OXY_OTEL_ENABLED", "false")
	cfg, err := Load()
	require.NoError(t, err)

	opts := cfg.TelemetryOptions()
	assert.Equal(t, "oxy-readback", opts.ServiceName)
	assert.Equal(t, "http://collector:4318", opts.Endpoint)
	assert.True(t, opts.Disabled)
}
