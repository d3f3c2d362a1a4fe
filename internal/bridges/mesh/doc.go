// Package mesh bridges mesh radio traffic to MQTT brokers.
//
// A radio produces two kinds of traffic the bridge cares about: MQTT
// client proxy messages the radio wants published on its behalf, and
// packets it hears on the mesh. Both are relayed through a Bridge, which
// owns one broker session and a single worker draining two bounded queues.
//
// # Architecture
//
//	                 ┌──────────┐  proxy   ┌──────────────┐
//	 radio ─────────►│ Monitor  │─────────►│ proxy Bridge │──► radio's broker
//	 (meshlink)      │          │  packets ├──────────────┤
//	                 │          │─────────►│ relay Bridge │──► local broker
//	                 └──────────┘          └──────────────┘
//	                    │  │
//	     NodeRecorder ◄─┘  └─► LinkMetrics (InfluxDB)
//
// # Key Components
//
//   - Queue: bounded FIFO per message kind. Unless the bridge is running
//     with a granted subscription it holds at most 64 items and rejects
//     the rest; while it drains it grows.
//   - ConnectionManager: one broker session and its state machine. It
//     never reconnects itself; the bridge worker retries per RetryPolicy
//     and discards queued items once the attempts run out.
//   - RecoverPacket: finds a decodable packet inside a payload wrapped in
//     console noise or partial framing.
//   - PortFilter: whitelist of ports allowed onto the relay path. Text
//     message ports can never be added.
//
// # Topics
//
// Packets are published as ServiceEnvelopes under
// <root>/2/e/<channel>/<gateway id>, the same layout the radio firmware
// uses. Proxy messages keep the topic the radio chose.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package mesh
