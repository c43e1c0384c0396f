package pgexporter

import (
	"compress/gzip"
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pgexporter/pgexporter/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExporter(t *testing.T, content string) *Exporter {
	t.Helper()

	path := writeConfig(t, content)
	config, err := NewConfig(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	// Unreachable servers keep the scrape on the error path without a live
	// database; the deadline keeps tests fast.
	config.BlockingTimeout = 2

	eng, err := buildEngine(config)
	require.NoError(t, err)

	_, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(eng.orchestrator.Close)

	return &Exporter{
		configPath: path,
		started:    time.Now(),
		cancel:     cancel,
		config:     config,
		eng:        eng,
		cache:      cache.New(config.Cache.MaxSize, time.Duration(config.Cache.MaxAge)*time.Second),
		bridge:     buildBridge(config),
	}
}

const unreachableConfig = `
servers:
  - name: a
    host: 127.0.0.1
    port: 1
    user: pgexporter
users:
  - username: pgexporter
    password: secret
`

func TestHandleMetrics(t *testing.T) {
	e := testExporter(t, unreachableConfig)

	rr := httptest.NewRecorder()
	e.handleMetrics(rr, httptest.NewRequest("GET", "/metrics", nil))

	// The scrape itself failed for every server, the response is still 200
	// with the exporter's own state metrics.
	require.Equal(t, 200, rr.Code)
	assert.Equal(t, "text/plain; version=0.0.4; charset=utf-8", rr.Header().Get("Content-Type"))

	body := rr.Body.String()
	assert.Contains(t, body, "# TYPE pgexporter_state gauge")
	assert.Contains(t, body, `pgexporter_state{server="a"} 0`)
	assert.Contains(t, body, "pgexporter_logging_error")
}

func TestHandleMetricsGzip(t *testing.T) {
	e := testExporter(t, unreachableConfig)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	rr := httptest.NewRecorder()
	e.handleMetrics(rr, req)

	require.Equal(t, 200, rr.Code)
	require.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(rr.Body)
	require.NoError(t, err)
	payload, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "pgexporter_state")
}

func TestHandleMetricsCached(t *testing.T) {
	e := testExporter(t, unreachableConfig)

	first := httptest.NewRecorder()
	e.handleMetrics(first, httptest.NewRequest("GET", "/metrics", nil))

	// Second scrape within max_age is served from the cache: one entry, same
	// bytes.
	second := httptest.NewRecorder()
	e.handleMetrics(second, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, first.Body.String(), second.Body.String())
	entries, _ := e.cache.Stats()
	assert.Equal(t, 1, entries)
}

func TestHandleBridgeEmpty(t *testing.T) {
	e := testExporter(t, unreachableConfig)

	rr := httptest.NewRecorder()
	e.handleBridge(rr, httptest.NewRequest("GET", "/metrics/bridge", nil))

	// No endpoints configured: 200 with an empty body.
	assert.Equal(t, 200, rr.Code)
	assert.Empty(t, rr.Body.Bytes())
}

func TestHandleBridgeJSONDisabled(t *testing.T) {
	e := testExporter(t, unreachableConfig)

	rr := httptest.NewRecorder()
	e.handleBridgeJSON(rr, httptest.NewRequest("GET", "/metrics/bridge.json", nil))

	assert.Equal(t, 404, rr.Code)
}

func TestVerifyAdmin(t *testing.T) {
	e := testExporter(t, unreachableConfig+"admins:\n  - username: admin\n    password: adminpw\n")

	assert.True(t, e.verifyAdmin("admin", "adminpw"))
	assert.False(t, e.verifyAdmin("admin", "nonsense"))
	assert.False(t, e.verifyAdmin("pgexporter", "secret"))
}

func TestStatus(t *testing.T) {
	e := testExporter(t, unreachableConfig)

	payload, err := e.status(false)
	require.NoError(t, err)
	brief := payload.(map[string]interface{})
	assert.Equal(t, 1, brief["servers"])

	payload, err = e.status(true)
	require.NoError(t, err)
	details := payload.(map[string]interface{})
	servers := details["server_details"].([]serverStatus)
	require.Len(t, servers, 1)
	assert.Equal(t, "a", servers[0].Name)
	assert.False(t, servers[0].Healthy)
}

func TestReload_RestartRequired(t *testing.T) {
	e := testExporter(t, unreachableConfig)

	// Rewrite the config file with a changed listening port.
	path := writeConfig(t, "metrics_port: 9999\n"+unreachableConfig)
	e.configPath = path

	err := e.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restart required")
}

func TestReload_Dynamic(t *testing.T) {
	e := testExporter(t, unreachableConfig)
	before, _, _, _ := e.snapshot()

	e.configPath = writeConfig(t, "log_level: debug\n"+unreachableConfig)
	require.NoError(t, e.Reload())

	after, _, _, _ := e.snapshot()
	assert.NotSame(t, before, after)
	assert.Equal(t, "debug", after.LogLevel)
	assert.Equal(t, int64(1), e.epoch)
}
