package mqtt

import (
	"fmt"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-meshbridge/internal/bridges/mesh"
)

// Session wraps one paho client connection for a mesh bridge.
//
// Connect, Subscribe and Publish return as soon as paho accepts the
// request. Outcomes are reported later through mesh.SessionEvents from
// goroutines owned by the session, never from the caller's goroutine.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - A Session is used for a single connection; after Disconnect or a
//     lost connection, dial a new one.
type Session struct {
	client pahomqtt.Client
	events mesh.SessionEvents
	params mesh.ConnParams
	cfg    DialerConfig
	logger Logger

	// closed is set by Disconnect; late paho callbacks are dropped.
	closed atomic.Bool
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}

// NewDialer returns a mesh.Dialer creating paho sessions with cfg.
func NewDialer(cfg DialerConfig) mesh.Dialer {
	cfg = cfg.withDefaults()
	return func(params mesh.ConnParams, events mesh.SessionEvents) (mesh.Session, error) {
		return Dial(params, events, cfg)
	}
}

// Dial creates a session for params. No network traffic happens until
// Connect is called.
//
// Parameters:
//   - params: Broker address and credentials
//   - events: Receives connection, subscription and publish outcomes
//   - cfg: Timeouts and logging
//
// Returns:
//   - *Session: Ready to connect
//   - error: If params are incomplete
func Dial(params mesh.ConnParams, events mesh.SessionEvents, cfg DialerConfig) (*Session, error) {
	if params.Host == "" {
		return nil, fmt.Errorf("%w: broker host is required", ErrConnectionFailed)
	}
	if params.Port < 1 || params.Port > 65535 {
		return nil, fmt.Errorf("%w: broker port %d out of range", ErrConnectionFailed, params.Port)
	}
	if events == nil {
		return nil, fmt.Errorf("session events are required")
	}

	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	s := &Session{
		events: events,
		params: params,
		cfg:    cfg,
		logger: logger,
	}

	opts := buildClientOptions(params, cfg)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.handleConnectionLost(err)
	})
	s.client = pahomqtt.NewClient(opts)

	return s, nil
}

// Connect starts the connection attempt. The result is delivered to
// SessionEvents.OnConnect.
func (s *Session) Connect() error {
	if s.closed.Load() {
		return ErrNotConnected
	}

	token := s.client.Connect()
	go func() {
		if !token.WaitTimeout(s.cfg.ConnectTimeout) {
			s.notifyConnect(fmt.Errorf("%w: %w after %v", ErrConnectionFailed, ErrTimeout, s.cfg.ConnectTimeout))
			return
		}
		if err := token.Error(); err != nil {
			s.notifyConnect(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
			return
		}
		s.notifyConnect(nil)
	}()
	return nil
}

// Disconnect closes the connection. It is safe to call more than once and
// on a session that never connected.
func (s *Session) Disconnect() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	// Also aborts a connection attempt still in progress.
	s.client.Disconnect(defaultDisconnectQuiesce)
}

// IsConnected reports whether the underlying connection is open.
func (s *Session) IsConnected() bool {
	return !s.closed.Load() && s.client.IsConnectionOpen()
}

func (s *Session) notifyConnect(err error) {
	if s.closed.Load() {
		return
	}
	s.events.OnConnect(err)
}

// handleConnectionLost is called by paho when the connection drops.
func (s *Session) handleConnectionLost(err error) {
	if s.closed.Load() {
		return
	}
	s.logger.Warn("MQTT connection lost", "broker", brokerURL(s.params), "error", err)
	s.events.OnConnectionLost(err)
}

// wrapHandler forwards subscription traffic with panic recovery.
func (s *Session) wrapHandler() pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("MQTT handler panic recovered",
					"topic", msg.Topic(),
					"panic", r,
				)
			}
		}()

		if s.closed.Load() {
			return
		}
		s.events.OnMessage(msg.Topic(), msg.Payload())
	}
}
