package mesh

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// subscribeFailure is the granted QoS a broker returns for a refused
// subscription.
const subscribeFailure = 0x80

// ConnState is the broker session state.
type ConnState int32

// Connection states.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateSubscribed
)

// String returns a readable name for the state.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Session is a broker client session. Results of Connect and Subscribe
// arrive later through SessionEvents; neither call may block on the
// broker. Publish may block until the message is handed to the network.
type Session interface {
	Connect() error
	Subscribe(topic string, qos byte) error
	Publish(topic string, qos byte, retained bool, payload []byte) (uint16, error)
	Disconnect()
}

// SessionEvents receives broker callbacks. Implementations are called from
// the session's own goroutines and must not block.
type SessionEvents interface {
	OnConnect(err error)
	OnConnectionLost(err error)
	OnPublishAck(id uint16)
	OnSubscribeAck(granted []byte)
	OnMessage(topic string, payload []byte)
}

// ConnParams are the broker connection parameters.
type ConnParams struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
	TLS      bool
}

// Dialer creates a session that reports to events.
type Dialer func(params ConnParams, events SessionEvents) (Session, error)

// MessageHandler receives messages arriving on the bridge subscription.
// It runs on a session goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

// ConnectionManager owns one broker session and its state machine:
//
//	Disconnected --Start--> Connecting --OnConnect(ok)--> Connected
//	Connected --OnSubscribeAck(qos)--> Subscribed
//	Connecting --OnConnect(err)--> Disconnected
//	any --OnConnectionLost / Disconnect--> Disconnected
//
// It never reconnects on its own.
//
// Thread Safety: All methods are safe for concurrent use.
type ConnectionManager struct {
	params    ConnParams
	subTopic  string
	qos       byte
	dial      Dialer
	onChange  func()
	onMessage MessageHandler
	logger    Logger

	mu      sync.Mutex
	session Session
	state   ConnState
	granted byte
	lastErr error

	published        atomic.Uint64
	publishConfirmed atomic.Uint64
	messaged         atomic.Uint64
}

// newConnectionManager creates a manager. onChange is called, without
// locks held, after every state transition.
func newConnectionManager(params ConnParams, subTopic string, qos byte, dial Dialer, onChange func(), onMessage MessageHandler, logger Logger) *ConnectionManager {
	if onChange == nil {
		onChange = func() {}
	}
	return &ConnectionManager{
		params:    params,
		subTopic:  subTopic,
		qos:       qos,
		dial:      dial,
		onChange:  onChange,
		onMessage: onMessage,
		logger:    logger,
	}
}

// Start opens a session. It is a no-op unless the manager is disconnected.
// The outcome of the connection attempt is delivered through OnConnect.
func (m *ConnectionManager) Start() error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	s, err := m.dial(m.params, m)
	if err != nil {
		m.fail(fmt.Errorf("%w: %w", ErrConnectFailed, err))
		return m.LastError()
	}

	m.mu.Lock()
	m.session = s
	m.mu.Unlock()

	if err := s.Connect(); err != nil {
		m.teardown(s, fmt.Errorf("%w: %w", ErrConnectFailed, err))
		return m.LastError()
	}

	m.logger.Info("connecting to broker", "host", m.params.Host, "port", m.params.Port)
	return nil
}

// OnConnect handles the connect result. On success the subscription is
// requested; the QoS grant completes the handshake.
func (m *ConnectionManager) OnConnect(err error) {
	m.mu.Lock()
	if m.state != StateConnecting || m.session == nil {
		m.mu.Unlock()
		return
	}
	s := m.session
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("broker connect failed", "host", m.params.Host, "error", err)
		m.teardown(s, fmt.Errorf("%w: %w", ErrConnectFailed, err))
		return
	}
	m.state = StateConnected
	m.mu.Unlock()

	m.logger.Info("connected to broker", "host", m.params.Host)
	if err := s.Subscribe(m.subTopic, m.qos); err != nil {
		m.logger.Error("subscribe request failed", "topic", m.subTopic, "error", err)
		m.teardown(s, fmt.Errorf("%w: %w", ErrSubscribeFailed, err))
		return
	}
	m.onChange()
}

// OnSubscribeAck records the granted QoS of the first subscription. A
// refusal or a downgrade to QoS 0 ends the session: publishes need an
// acknowledged QoS.
func (m *ConnectionManager) OnSubscribeAck(granted []byte) {
	m.mu.Lock()
	if m.state != StateConnected || m.session == nil {
		m.mu.Unlock()
		return
	}
	s := m.session
	switch {
	case len(granted) == 0 || granted[0] == subscribeFailure:
		m.mu.Unlock()
		m.logger.Error("broker refused subscription", "topic", m.subTopic)
		m.teardown(s, ErrSubscribeFailed)
		return
	case granted[0] == 0:
		m.mu.Unlock()
		m.logger.Error("broker downgraded subscription to qos 0", "topic", m.subTopic, "requested", m.qos)
		m.teardown(s, fmt.Errorf("%w: granted qos 0", ErrSubscribeFailed))
		return
	}
	m.granted = granted[0]
	m.state = StateSubscribed
	m.lastErr = nil
	m.mu.Unlock()

	m.logger.Info("subscribed", "topic", m.subTopic, "qos", granted[0])
	m.onChange()
}

// OnConnectionLost clears the session and its grant.
func (m *ConnectionManager) OnConnectionLost(err error) {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.logger.Warn("broker connection lost", "host", m.params.Host, "error", err)
	m.teardown(s, err)
}

// OnPublishAck counts a confirmed publish.
func (m *ConnectionManager) OnPublishAck(uint16) {
	m.publishConfirmed.Add(1)
}

// OnMessage counts a received message and hands it to the handler.
func (m *ConnectionManager) OnMessage(topic string, payload []byte) {
	m.messaged.Add(1)
	if m.onMessage != nil {
		m.onMessage(topic, payload)
	}
}

// Publish sends payload with the granted QoS. It blocks only as long as
// the session's Publish does.
func (m *ConnectionManager) Publish(topic string, payload []byte, retained bool) error {
	m.mu.Lock()
	s, qos, state := m.session, m.granted, m.state
	m.mu.Unlock()

	if s == nil || state != StateSubscribed || qos == 0 {
		return ErrNotConnected
	}
	if _, err := s.Publish(topic, qos, retained, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	m.published.Add(1)
	return nil
}

// Disconnect closes the session, if any, and waits for the client to
// finish. It is only called from the worker.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.granted = 0
	m.state = StateDisconnected
	m.mu.Unlock()

	if s != nil {
		s.Disconnect()
		m.logger.Info("disconnected from broker", "host", m.params.Host)
	}
	m.onChange()
}

// teardown drops s if it is still current. The session is closed on a
// separate goroutine so callbacks never block.
func (m *ConnectionManager) teardown(s Session, cause error) {
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.granted = 0
	m.state = StateDisconnected
	m.lastErr = cause
	m.mu.Unlock()

	go s.Disconnect()
	m.onChange()
}

// fail records a failure that happened before a session existed.
func (m *ConnectionManager) fail(cause error) {
	m.mu.Lock()
	m.state = StateDisconnected
	m.lastErr = cause
	m.mu.Unlock()
	m.logger.Error("broker connect failed", "host", m.params.Host, "error", cause)
	m.onChange()
}

// IsConnected reports whether a session exists and a non-zero QoS has
// been granted. Pending or refused subscriptions do not count.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.granted != 0
}

// State returns the current session state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GrantedQoS returns the QoS granted for the subscription, 0 if none.
func (m *ConnectionManager) GrantedQoS() byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted
}

// LastError returns the cause of the most recent failure, cleared once a
// subscription is granted.
func (m *ConnectionManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Published returns how many publishes the session accepted.
func (m *ConnectionManager) Published() uint64 { return m.published.Load() }

// PublishConfirmed returns how many publishes the broker acknowledged.
func (m *ConnectionManager) PublishConfirmed() uint64 { return m.publishConfirmed.Load() }

// Messaged returns how many messages arrived on the subscription.
func (m *ConnectionManager) Messaged() uint64 { return m.messaged.Load() }
