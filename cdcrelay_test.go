package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/cdcrelay/capture"
	"github.com/maxpert/cdcrelay/cfg"
	"github.com/maxpert/cdcrelay/protocol"
	"github.com/maxpert/cdcrelay/server"
	"github.com/maxpert/cdcrelay/stream"
)

func withConfig(t *testing.T, mutate func(c *cfg.Configuration)) {
	t.Helper()
	original := cfg.Config
	t.Cleanup(func() { cfg.Config = original })
	cfg.Config = cfg.Default()
	mutate(cfg.Config)
}

func TestNewCaptureManager_ReadOnlyUsesMemoryInvoker(t *testing.T) {
	withConfig(t, func(c *cfg.Configuration) {
		c.Server.ReadOnly = true
	})

	m, err := newCaptureManager()
	require.NoError(t, err)
	for _, kind := range []protocol.Kind{protocol.KindOceanBase, protocol.KindStore} {
		inv, err := m.Get(kind)
		require.NoError(t, err)
		assert.IsType(t, &capture.MemoryInvoker{}, inv)
	}
}

func TestNewAdminRouter(t *testing.T) {
	registry := stream.NewRegistry(stream.RegistryConfig{})

	withConfig(t, func(c *cfg.Configuration) { c.Admin.Enabled = false })
	assert.Nil(t, newAdminRouter(registry))

	withConfig(t, func(c *cfg.Configuration) { c.Admin.Enabled = true })
	h := newAdminRouter(registry)
	require.NotNil(t, h)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewReporter_UsesAdvertiseAddress(t *testing.T) {
	withConfig(t, func(c *cfg.Configuration) {
		c.Monitor.Enabled = true
		c.Server.AdvertiseIP = "10.0.0.9"
	})

	registry := stream.NewRegistry(stream.RegistryConfig{})
	srv := server.New(server.Config{BindAddress: "127.0.0.1", AdvertiseIP: "10.0.0.9"}, registry, nil)

	rep, err := newReporter(registry, srv)
	require.NoError(t, err)
	report := rep.Build()
	assert.Equal(t, "10.0.0.9", report.IP)
	assert.Equal(t, cfg.Config.Server.ProxyPort, report.Port)
}
