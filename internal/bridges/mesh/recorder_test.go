package mesh

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-meshbridge/internal/meshtastic"
)

// setupRecorderDB creates an in-memory SQLite database with the sightings table.
func setupRecorderDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE node_sightings (
			node_id TEXT PRIMARY KEY,
			node_num INTEGER NOT NULL,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			packet_count INTEGER NOT NULL DEFAULT 0,
			last_port INTEGER NOT NULL DEFAULT 0,
			last_snr REAL NOT NULL DEFAULT 0,
			last_rssi INTEGER NOT NULL DEFAULT 0
		) STRICT;
	`
	_, err = db.Exec(schema)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

func newTestRecorder(t *testing.T, db *sql.DB, clock *time.Time) *NodeRecorder {
	t.Helper()

	rec := NewNodeRecorder(NodeRecorderConfig{DB: db, FlushInterval: time.Hour})
	if clock != nil {
		rec.now = func() time.Time { return *clock }
	}
	require.NoError(t, rec.Start())
	t.Cleanup(rec.Stop)
	return rec
}

func sighted(from uint32, port meshtastic.PortNum, snr float32, rssi int32) *meshtastic.MeshPacket {
	p := testPacket(1, port)
	p.From = from
	p.RxSNR = snr
	p.RxRSSI = rssi
	return p
}

func TestNodeRecorder_StartStop(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewNodeRecorder(NodeRecorderConfig{DB: db})

	require.NoError(t, rec.Start())
	require.NoError(t, rec.Start(), "double start is a no-op")

	rec.Stop()
	rec.Stop()

	// Ignored once stopped.
	rec.RecordPacket(sighted(1, meshtastic.PortTelemetry, 0, 0))
	assert.Zero(t, rec.Pending())
}

func TestNodeRecorder_AggregatesAndFlushes(t *testing.T) {
	db := setupRecorderDB(t)
	clock := time.Unix(1_700_000_000, 0)
	rec := newTestRecorder(t, db, &clock)
	ctx := context.Background()

	rec.RecordPacket(sighted(0xaaaa, meshtastic.PortNodeInfo, 5.5, -90))
	clock = clock.Add(30 * time.Second)
	rec.RecordPacket(sighted(0xaaaa, meshtastic.PortTelemetry, 6.25, -88))
	rec.RecordPacket(sighted(0xbbbb, meshtastic.PortPosition, -2, -110))
	assert.Equal(t, 2, rec.Pending())

	require.NoError(t, rec.Flush(ctx))
	assert.Zero(t, rec.Pending())

	got, err := rec.Sightings(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	a := got[0]
	assert.Equal(t, "!0000aaaa", a.NodeID)
	assert.Equal(t, uint32(0xaaaa), a.NodeNum)
	assert.Equal(t, int64(2), a.PacketCount)
	assert.Equal(t, time.Unix(1_700_000_000, 0), a.FirstSeen)
	assert.Equal(t, time.Unix(1_700_000_030, 0), a.LastSeen)
	assert.Equal(t, meshtastic.PortTelemetry, a.LastPort)
	assert.InDelta(t, 6.25, a.LastSNR, 0.001)
	assert.Equal(t, int32(-88), a.LastRSSI)

	assert.Equal(t, "!0000bbbb", got[1].NodeID)
}

func TestNodeRecorder_FlushAccumulates(t *testing.T) {
	db := setupRecorderDB(t)
	clock := time.Unix(1_700_000_000, 0)
	rec := newTestRecorder(t, db, &clock)
	ctx := context.Background()

	rec.RecordPacket(sighted(7, meshtastic.PortTelemetry, 0, 0))
	require.NoError(t, rec.Flush(ctx))

	clock = clock.Add(time.Minute)
	rec.RecordPacket(sighted(7, meshtastic.PortPosition, 0, 0))
	rec.RecordPacket(sighted(7, meshtastic.PortPosition, 0, 0))
	require.NoError(t, rec.Flush(ctx))

	got, err := rec.Sightings(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].PacketCount)
	assert.Equal(t, time.Unix(1_700_000_000, 0), got[0].FirstSeen, "first sighting is kept")
	assert.Equal(t, time.Unix(1_700_000_060, 0), got[0].LastSeen)
	assert.Equal(t, meshtastic.PortPosition, got[0].LastPort)

	count, err := rec.NodeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNodeRecorder_IgnoresUnknownSender(t *testing.T) {
	rec := newTestRecorder(t, setupRecorderDB(t), nil)

	rec.RecordPacket(nil)
	rec.RecordPacket(sighted(0, meshtastic.PortTelemetry, 0, 0))

	assert.Zero(t, rec.Pending())
}

func TestNodeRecorder_EncryptedPacket(t *testing.T) {
	rec := newTestRecorder(t, setupRecorderDB(t), nil)
	ctx := context.Background()

	rec.RecordPacket(&meshtastic.MeshPacket{From: 9, Encrypted: []byte{1, 2}})
	require.NoError(t, rec.Flush(ctx))

	got, err := rec.Sightings(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, meshtastic.PortUnknown, got[0].LastPort)
}

func TestNodeRecorder_StopFlushes(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewNodeRecorder(NodeRecorderConfig{DB: db, FlushInterval: time.Hour})
	require.NoError(t, rec.Start())

	rec.RecordPacket(sighted(3, meshtastic.PortTelemetry, 0, 0))
	rec.Stop()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM node_sightings`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestNodeRecorder_PeriodicFlush(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewNodeRecorder(NodeRecorderConfig{DB: db, FlushInterval: 10 * time.Millisecond})
	require.NoError(t, rec.Start())
	t.Cleanup(rec.Stop)

	rec.RecordPacket(sighted(3, meshtastic.PortTelemetry, 0, 0))

	require.Eventually(t, func() bool { return rec.Pending() == 0 }, waitFor, tick)
	require.Eventually(t, func() bool {
		n, err := rec.NodeCount(context.Background())
		return err == nil && n == 1
	}, waitFor, tick)
}

func TestNodeRecorder_StartFailsWithoutTable(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec := NewNodeRecorder(NodeRecorderConfig{DB: db})
	assert.Error(t, rec.Start())
}
