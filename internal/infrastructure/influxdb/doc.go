// Package influxdb provides InfluxDB connectivity for the mesh bridge.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, metric writing, and health monitoring.
//
// # Purpose
//
// This package handles time-series data storage for:
//   - Per-packet link quality (SNR, RSSI, hop count) seen by each radio
//   - Periodic MQTT bridge counters
//
// *Client satisfies mesh.LinkMetrics and mesh.StatsWriter, so it can be
// handed directly to a Monitor and a StatusReporter.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // metrics off
//	}
//	defer client.Close()
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned
// directly.
package influxdb
