// Package config loads the bridge configuration.
//
// Values are layered: built-in defaults, then the YAML file, then
// MESHBRIDGE_* environment variables. Validate reports every problem at
// once, joined with "; ".
//
// Broker passwords and the InfluxDB token are best supplied through
// MESHBRIDGE_MQTT_PASSWORD, MESHBRIDGE_PROXY_PASSWORD and
// MESHBRIDGE_INFLUXDB_TOKEN rather than the file.
//
//	cfg, err := config.Load("/etc/meshbridge/config.yaml")
//	if err != nil {
//	    return err
//	}
//	for _, addr := range cfg.Radio.Addresses {
//	    // one radio link per address
//	}
package config
