package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-meshbridge/internal/bridges/mesh"
	"github.com/nerrad567/gray-logic-meshbridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-meshbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-meshbridge/internal/meshtastic"
)

const writeWait = 3 * time.Second

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	*httptest.Server

	mu      sync.Mutex
	lines   []string
	queries []string
	status  int
}

func newFakeInflux(t *testing.T) *fakeInflux {
	t.Helper()

	f := &fakeInflux{status: http.StatusNoContent}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.status
		f.mu.Unlock()

		if strings.HasSuffix(r.URL.Path, "/write") {
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.queries = append(f.queries, r.URL.RawQuery)
			for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
				if line != "" {
					f.lines = append(f.lines, line)
				}
			}
			f.mu.Unlock()
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeInflux) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeInflux) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func (f *fakeInflux) SetStatus(code int) {
	f.mu.Lock()
	f.status = code
	f.mu.Unlock()
}

// waitForLine returns the first recorded line with the given prefix.
func (f *fakeInflux) waitForLine(t *testing.T, prefix string) string {
	t.Helper()

	var found string
	require.Eventually(t, func() bool {
		for _, l := range f.Lines() {
			if strings.HasPrefix(l, prefix) {
				found = l
				return true
			}
		}
		return false
	}, writeWait, 10*time.Millisecond, "no line with prefix %q", prefix)
	return found
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "meshbridge-test-token",
		Org:           "mesh",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func connect(t *testing.T, f *fakeInflux) *influxdb.Client {
	t.Helper()

	client, err := influxdb.Connect(testConfig(f.URL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f)

	assert.True(t, client.IsConnected())
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:8086")
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if err == nil {
		t.Fatal("Connect() should return error when disabled")
	}
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:59999") // Non-existent port

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_Unhealthy(t *testing.T) {
	f := newFakeInflux(t)
	f.SetStatus(http.StatusServiceUnavailable)

	_, err := influxdb.Connect(testConfig(f.URL))
	assert.ErrorIs(t, err, influxdb.ErrConnectionFailed)
}

func TestConnect_DefaultBatchSettings(t *testing.T) {
	f := newFakeInflux(t)
	cfg := testConfig(f.URL)
	cfg.BatchSize = -5
	cfg.FlushInterval = 0

	client, err := influxdb.Connect(cfg)
	require.NoError(t, err)
	defer client.Close()

	assert.True(t, client.IsConnected())
}

// =============================================================================
// Health Check Tests
// =============================================================================

func TestHealthCheck(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.NoError(t, client.HealthCheck(ctx))

	f.SetStatus(http.StatusInternalServerError)
	assert.Error(t, client.HealthCheck(ctx))
}

func TestHealthCheck_Cancelled(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, client.HealthCheck(ctx))
}

func TestHealthCheck_AfterClose(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f)
	require.NoError(t, client.Close())

	assert.ErrorIs(t, client.HealthCheck(context.Background()), influxdb.ErrNotConnected)
}

// =============================================================================
// Write Tests
// =============================================================================

func TestWriteLinkQuality(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f)

	client.WriteLinkQuality("!a1b2c3d4", &meshtastic.MeshPacket{
		From:     0x00001234,
		RxTime:   1700000000,
		RxSNR:    6.25,
		RxRSSI:   -90,
		HopLimit: 1,
		HopStart: 3,
		Decoded:  &meshtastic.Data{PortNum: meshtastic.PortTelemetry},
	})
	client.Flush()

	line := f.waitForLine(t, "mesh_link,")
	assert.Contains(t, line, "gateway=!a1b2c3d4")
	assert.Contains(t, line, "node=!00001234")
	assert.Contains(t, line, "port=TELEMETRY_APP")
	assert.Contains(t, line, "rx_snr=6.25")
	assert.Contains(t, line, "rx_rssi=-90i")
	assert.Contains(t, line, "hop_limit=1u")
	assert.Contains(t, line, "hops=2u")
	assert.True(t, strings.HasSuffix(line, " 1700000000000000000"), "timestamp not taken from rx_time: %s", line)

	require.NotEmpty(t, f.Queries())
	assert.Contains(t, f.Queries()[0], "bucket=telemetry")
	assert.Contains(t, f.Queries()[0], "org=mesh")
}

func TestWriteLinkQuality_Encrypted(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f)

	client.WriteLinkQuality("!a1b2c3d4", &meshtastic.MeshPacket{
		From:      0x00005678,
		RxRSSI:    -110,
		HopLimit:  3,
		Encrypted: []byte{0x01, 0x02},
	})
	client.WriteLinkQuality("!a1b2c3d4", nil)
	client.Flush()

	line := f.waitForLine(t, "mesh_link,")
	assert.Contains(t, line, "port=encrypted")
	assert.NotContains(t, line, "hops=")
	assert.Len(t, f.Lines(), 1)
}

func TestWriteBridgeStats(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f)

	client.WriteBridgeStats("radio-1", mesh.RoleProxy, mesh.Stats{
		Name:             "proxy",
		Connected:        true,
		Published:        12,
		PublishConfirmed: 10,
		Messaged:         4,
		Dropped:          1,
		Recovered:        2,
		ProxyQueued:      3,
	})
	client.Flush()

	line := f.waitForLine(t, "bridge_stats,")
	assert.Contains(t, line, "bridge=proxy")
	assert.Contains(t, line, "radio=radio-1")
	assert.Contains(t, line, "role=proxy")
	assert.Contains(t, line, "connected=true")
	assert.Contains(t, line, "published=12u")
	assert.Contains(t, line, "publish_confirmed=10u")
	assert.Contains(t, line, "dropped=1u")
	assert.Contains(t, line, "proxy_queued=3i")
}

func TestWritePoint(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f)

	client.WritePoint("custom",
		map[string]string{"host": "bridge-01"},
		map[string]interface{}{"value": 42.5})
	client.Flush()

	line := f.waitForLine(t, "custom,")
	assert.Contains(t, line, "host=bridge-01")
	assert.Contains(t, line, "value=42.5")
}

func TestWritePointWithTime(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f)

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	client.WritePointWithTime("custom", nil, map[string]interface{}{"n": 1}, ts)
	client.Flush()

	line := f.waitForLine(t, "custom ")
	assert.Equal(t, "custom n=1i "+strconv.FormatInt(ts.UnixNano(), 10), line)
}

func TestWriteErrors_Callback(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f)

	errCh := make(chan error, 1)
	client.SetOnError(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})

	f.SetStatus(http.StatusBadRequest)
	client.WritePoint("custom", nil, map[string]interface{}{"value": 1.0})
	client.Flush()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, influxdb.ErrWriteFailed)
	case <-time.After(writeWait):
		t.Fatal("write error callback not invoked")
	}
	assert.GreaterOrEqual(t, client.WriteErrors(), uint64(1))
}

// =============================================================================
// Close Tests
// =============================================================================

func TestClose(t *testing.T) {
	f := newFakeInflux(t)
	client, err := influxdb.Connect(testConfig(f.URL))
	require.NoError(t, err)

	client.WritePoint("close_test", nil, map[string]interface{}{"value": 1.0})

	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected())
	f.waitForLine(t, "close_test ")

	// Writes after close are dropped silently.
	client.WritePoint("after_close", nil, map[string]interface{}{"value": 1.0})
	client.Flush()
	for _, l := range f.Lines() {
		assert.False(t, strings.HasPrefix(l, "after_close"), "write after close reached the server")
	}
}
