package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-meshbridge/internal/bridges/mesh"
	"github.com/nerrad567/gray-logic-meshbridge/internal/meshtastic"
)

// Measurement names written by the bridge.
const (
	measurementLinkQuality = "mesh_link"
	measurementBridgeStats = "bridge_stats"
)

// WriteLinkQuality records the radio reception quality of a mesh packet.
//
// The point is stamped with the packet's receive time when the radio
// supplied one. Hop count is only written when the sender set hop_start.
//
// Parameters:
//   - gateway: Node id of the radio that heard the packet (e.g., "!a1b2c3d4")
//   - p: The received packet; nil packets are ignored
func (c *Client) WriteLinkQuality(gateway string, p *meshtastic.MeshPacket) {
	if p == nil {
		return
	}

	port := p.Port().String()
	if p.IsEncrypted() {
		port = "encrypted"
	}

	fields := map[string]interface{}{
		"rx_snr":    p.RxSNR,
		"rx_rssi":   p.RxRSSI,
		"hop_limit": p.HopLimit,
	}
	if p.HopStart > 0 && p.HopStart >= p.HopLimit {
		fields["hops"] = p.HopStart - p.HopLimit
	}

	ts := time.Now()
	if p.RxTime > 0 {
		ts = time.Unix(int64(p.RxTime), 0)
	}

	c.WritePointWithTime(measurementLinkQuality,
		map[string]string{
			"gateway": gateway,
			"node":    meshtastic.NodeID(p.From),
			"port":    port,
		},
		fields,
		ts,
	)
}

// WriteBridgeStats records a snapshot of one bridge's counters.
//
// Parameters:
//   - radio: Name of the radio the bridge belongs to
//   - role: Relay or proxy
//   - s: Counter snapshot from Bridge.Stats
func (c *Client) WriteBridgeStats(radio string, role mesh.Role, s mesh.Stats) {
	c.WritePoint(measurementBridgeStats,
		map[string]string{
			"radio":  radio,
			"role":   role.String(),
			"bridge": s.Name,
		},
		map[string]interface{}{
			"connected":         s.Connected,
			"published":         s.Published,
			"publish_confirmed": s.PublishConfirmed,
			"messaged":          s.Messaged,
			"dropped":           s.Dropped,
			"recovered":         s.Recovered,
			"proxy_queued":      s.ProxyQueued,
			"packets_queued":    s.PacketsQueued,
		},
	)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., the radio's receive time).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
