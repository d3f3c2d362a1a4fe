package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-meshbridge/internal/meshtastic"
)

type logEntry struct {
	msg string
	kv  map[string]any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) record(msg string, kv ...any) {
	e := logEntry{msg: msg, kv: make(map[string]any)}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			e.kv[k] = kv[i+1]
		}
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

func (l *captureLogger) Debug(msg string, kv ...any) { l.record(msg, kv...) }
func (l *captureLogger) Info(msg string, kv ...any)  { l.record(msg, kv...) }
func (l *captureLogger) Warn(msg string, kv ...any)  { l.record(msg, kv...) }
func (l *captureLogger) Error(msg string, kv ...any) { l.record(msg, kv...) }

func (l *captureLogger) find(msg string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range l.entries {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

type statsPoint struct {
	radio string
	role  Role
	stats Stats
}

type fakeStatsWriter struct {
	mu     sync.Mutex
	points []statsPoint
}

func (w *fakeStatsWriter) WriteBridgeStats(radio string, role Role, s Stats) {
	w.mu.Lock()
	w.points = append(w.points, statsPoint{radio: radio, role: role, stats: s})
	w.mu.Unlock()
}

func (w *fakeStatsWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

// staticProvider serves fixed bridges.
type staticProvider map[Role]*Bridge

func (p staticProvider) Bridge(role Role) (*Bridge, bool) {
	b, ok := p[role]
	return b, ok
}

func TestStatusReporter_ReportNow(t *testing.T) {
	broker := newFakeBroker()
	relay := newTestBridge(t, broker, func(o *BridgeOptions) { o.Name = "relay" })
	require.NoError(t, relay.Start())
	require.Eventually(t, relay.IsConnected, waitFor, tick)
	require.True(t, relay.PublishPacket(testPacket(1, meshtastic.PortTelemetry)))
	require.Eventually(t, func() bool { return relay.PublishConfirmed() == 1 }, waitFor, tick)

	logger := &captureLogger{}
	writer := &fakeStatsWriter{}
	r := NewStatusReporter(StatusReporterConfig{
		Providers: map[string]BridgeProvider{"radio-a": staticProvider{RoleRelay: relay}},
		Writer:    writer,
		Logger:    logger,
	})

	r.ReportNow()

	entries := logger.find("mqtt published")
	require.Len(t, entries, 1, "only existing bridges are reported")
	e := entries[0]
	assert.Equal(t, "radio-a", e.kv["radio"])
	assert.Equal(t, "relay", e.kv["role"])
	assert.Equal(t, uint64(1), e.kv["confirmed"])
	assert.Equal(t, uint64(1), e.kv["published"])
	assert.Equal(t, "subscribed", e.kv["state"])

	require.Equal(t, 1, writer.Len())
	assert.Equal(t, RoleRelay, writer.points[0].role)
	assert.Equal(t, uint64(1), writer.points[0].stats.Published)
}

func TestStatusReporter_ProviderOrder(t *testing.T) {
	broker := newFakeBroker()
	a := newTestBridge(t, broker, func(o *BridgeOptions) { o.Name = "a" })
	b := newTestBridge(t, broker, func(o *BridgeOptions) { o.Name = "b" })

	logger := &captureLogger{}
	r := NewStatusReporter(StatusReporterConfig{
		Providers: map[string]BridgeProvider{
			"z-radio": staticProvider{RoleRelay: b},
			"a-radio": staticProvider{RoleRelay: a, RoleProxy: b},
		},
		Logger: logger,
	})

	r.ReportNow()

	entries := logger.find("mqtt published")
	require.Len(t, entries, 3)
	assert.Equal(t, "a-radio", entries[0].kv["radio"])
	assert.Equal(t, "relay", entries[0].kv["role"])
	assert.Equal(t, "proxy", entries[1].kv["role"])
	assert.Equal(t, "z-radio", entries[2].kv["radio"])
}

func TestStatusReporter_Periodic(t *testing.T) {
	b := newTestBridge(t, newFakeBroker(), nil)
	writer := &fakeStatsWriter{}
	r := NewStatusReporter(StatusReporterConfig{
		Interval:  10 * time.Millisecond,
		Providers: map[string]BridgeProvider{"radio": staticProvider{RoleRelay: b}},
		Writer:    writer,
	})

	r.Start(context.Background())
	r.Start(context.Background())
	require.Eventually(t, func() bool { return writer.Len() >= 2 }, waitFor, tick)

	r.Stop()
	r.Stop()
	n := writer.Len()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, writer.Len(), "no reports after Stop")
}

func TestStatusReporter_ContextCancel(t *testing.T) {
	r := NewStatusReporter(StatusReporterConfig{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	r.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Stop blocked after context cancel")
	}
}

func TestStatusReporter_DefaultInterval(t *testing.T) {
	r := NewStatusReporter(StatusReporterConfig{})
	assert.Equal(t, defaultStatusInterval, r.interval)
	r.Stop()
}
