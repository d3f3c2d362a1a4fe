// Package mqtt provides the broker session used by mesh bridges.
//
// A Session wraps one paho.mqtt.golang client and implements the
// mesh.Session contract: Connect, Subscribe and Publish return once paho
// has accepted the request, and the outcomes (CONNACK, SUBACK grants,
// PUBACK/PUBCOMP, lost connections, inbound messages) are reported through
// mesh.SessionEvents from session goroutines.
//
// # Reconnection
//
// Paho's own auto-reconnect is disabled. The bridge worker owns the retry
// policy and dials a fresh Session for each attempt, so a session never
// outlives its connection.
//
// # Security Considerations
//
//   - TLS is enabled per broker (ssl:// scheme, TLS 1.2 minimum)
//   - Credentials are sent only when a username is configured
//   - Passwords are never logged
//
// # Usage
//
//	dial := mqtt.NewDialer(mqtt.DialerConfig{Logger: logger})
//	bridge, err := mesh.NewBridge(mesh.BridgeOptions{
//	    Conn:   mesh.ConnParams{Host: "localhost", Port: 1883, ClientID: "meshbridge"},
//	    Topic:  "mesh/TW",
//	    Dialer: dial,
//	})
package mqtt
