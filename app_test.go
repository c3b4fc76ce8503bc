package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"signal-core/internal/engine"
	"signal-core/internal/health"
	"signal-core/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.LogLevel = "error"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "signal.db")
	cfg.API.HTTPAddr = "127.0.0.1:0"
	cfg.API.GRPCAddr = "127.0.0.1:0"
	cfg.API.JWTSecret = "test-secret"
	cfg.TickInterval = 100 * time.Millisecond
	return cfg
}

func TestAppGraphIsComplete(t *testing.T) {
	require.NoError(t, fx.ValidateApp(appOptions(testConfig(t))...))
}

func TestAppStartsAndStops(t *testing.T) {
	var (
		svc   engine.Service
		state *health.State
	)
	app := fxtest.New(t, append(appOptions(testConfig(t)), fx.Populate(&svc, &state))...)
	app.RequireStart()

	assert.True(t, state.Ready())
	assert.Eventually(t, func() bool {
		st := svc.SystemStatus(context.Background())
		return st.Running && st.Mode == "paper"
	}, 2*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return !state.LastTick().IsZero() }, 2*time.Second, 20*time.Millisecond)

	app.RequireStop()
	assert.False(t, state.Ready())
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("SIGNAL_CONFIG", "")
	assert.Equal(t, "explicit.yaml", resolveConfigPath("explicit.yaml"))

	t.Setenv("SIGNAL_CONFIG", "/etc/signal.yaml")
	assert.Equal(t, "/etc/signal.yaml", resolveConfigPath(""))
}
