package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-meshbridge/internal/bridges/mesh"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for the CONNACK.
	defaultConnectTimeout = 10 * time.Second

	// defaultSubscribeTimeout is the maximum time to wait for the SUBACK.
	defaultSubscribeTimeout = 10 * time.Second

	// defaultWriteTimeout bounds how long a publish may wait to be written.
	defaultWriteTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// mqttProtocolVersion pins MQTT 3.1.1; firmware gateways speak nothing newer.
	mqttProtocolVersion = 4

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// subscribeFailure is the SUBACK return code for a refused subscription.
	subscribeFailure = 0x80

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// DialerConfig holds settings shared by every session a dialer creates.
type DialerConfig struct {
	// ConnectTimeout bounds the wait for the broker's CONNACK.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// KeepAlive is the MQTT keepalive interval.
	// Default: 60 seconds.
	KeepAlive time.Duration

	// Logger is optional.
	Logger Logger
}

// brokerURL returns the paho broker URL for params.
func brokerURL(params mesh.ConnParams) string {
	scheme := "tcp"
	if params.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, params.Host, params.Port)
}

// buildClientOptions creates paho MQTT options for one bridge session.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - TLS configuration (if enabled)
//   - Clean session mode
//
// Reconnection is disabled: the bridge worker owns the retry policy and
// dials a fresh session for every attempt.
func buildClientOptions(params mesh.ConnParams, cfg DialerConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(brokerURL(params))

	// Client identification
	opts.SetClientID(params.ClientID)

	// Authentication (if credentials provided)
	if params.Username != "" {
		opts.SetUsername(params.Username)
		opts.SetPassword(params.Password)
	}

	// Clean session - start fresh on connect (no persistent session on broker)
	opts.SetCleanSession(true)
	opts.SetProtocolVersion(mqttProtocolVersion)

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetWriteTimeout(defaultWriteTimeout)
	opts.SetKeepAlive(cfg.KeepAlive)

	// Message callbacks must not wait on each other.
	opts.SetOrderMatters(false)

	// TLS configuration if enabled
	if params.TLS {
		tlsConfig := &tls.Config{
			MinVersion: tlsMinVersion,
			ServerName: params.Host,
		}
		opts.SetTLSConfig(tlsConfig)
	}

	return opts
}

func (c DialerConfig) withDefaults() DialerConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = defaultKeepAlive
	}
	return c
}
