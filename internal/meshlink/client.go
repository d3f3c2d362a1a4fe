package meshlink

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/temoto/alive/v2"

	"github.com/nerrad567/gray-logic-meshbridge/internal/meshtastic"
)

// Default timeouts and intervals for the radio link.
const (
	defaultConnectTimeout       = 10 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultHeartbeatInterval    = 5 * time.Minute
	defaultReconnectInterval    = time.Second
	defaultMaxReconnectInterval = time.Minute

	// backoffFactor grows the redial delay after each failed attempt.
	backoffFactor = 1.5
)

// Config holds radio link settings.
type Config struct {
	// Address is the radio daemon's host:port, usually port 4403.
	Address string

	// ConnectTimeout bounds a single dial. Default: 10 seconds.
	ConnectTimeout time.Duration

	// HeartbeatInterval is how often a heartbeat is written so the radio
	// keeps the client session open. Default: 5 minutes.
	HeartbeatInterval time.Duration

	// ReconnectInterval is the first redial delay. Default: 1 second.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the redial backoff. Default: 1 minute.
	MaxReconnectInterval time.Duration
}

// Logger is the logging surface the client needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Stats holds link counters.
type Stats struct {
	Address        string
	Connected      bool
	ConfigComplete bool
	FramesRx       uint64
	FramesTx       uint64
	DecodeErrors   uint64
	BytesDiscarded uint64 // console output and corrupt headers skipped between frames
	Reconnects     uint64
	LastActivity   time.Time
}

// Client is a TCP stream client for a radio daemon. It requests the
// radio's configuration on every connect, decodes each FromRadio frame
// and hands it to the handler, and redials with backoff when the
// connection drops.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The handler runs on the receive goroutine and must not block.
type Client struct {
	cfg    Config
	logger Logger

	mu       sync.Mutex
	conn     net.Conn
	worker   *alive.Alive
	configID uint32

	writeMu sync.Mutex

	handlerMu   sync.RWMutex
	onFromRadio func(*meshtastic.FromRadio)

	connected      atomic.Bool
	configComplete atomic.Bool
	framesRx       atomic.Uint64
	framesTx       atomic.Uint64
	decodeErrors   atomic.Uint64
	discarded      atomic.Uint64
	reconnects     atomic.Uint64
	lastActivity   atomic.Int64 // unix nanoseconds
}

// New validates cfg and creates a client. Nothing is dialled until Start.
func New(cfg Config, logger Logger) (*Client, error) {
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return nil, fmt.Errorf("%w: address %q: %w", ErrInvalidConfig, cfg.Address, err)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if cfg.MaxReconnectInterval < cfg.ReconnectInterval {
		cfg.MaxReconnectInterval = cfg.ReconnectInterval
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Client{cfg: cfg, logger: logger}, nil
}

// Address returns the radio daemon address.
func (c *Client) Address() string {
	return c.cfg.Address
}

// SetOnFromRadio sets the callback for decoded radio messages. Panics in
// the callback are recovered and logged.
func (c *Client) SetOnFromRadio(callback func(*meshtastic.FromRadio)) {
	c.handlerMu.Lock()
	c.onFromRadio = callback
	c.handlerMu.Unlock()
}

// Start dials the radio and starts the receive worker. The returned error
// reports only the first dial; the worker keeps redialling until Close.
// Start is a no-op while the worker runs.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.worker != nil {
		c.mu.Unlock()
		return nil
	}
	w := alive.NewAlive()
	c.worker = w
	c.mu.Unlock()

	conn, err := c.connect()
	if err == nil {
		c.logger.Info("connected to radio", "address", c.cfg.Address)
	}

	w.Add(1)
	go c.run(w, conn)
	return err
}

// Close stops the worker, tells the radio the client is leaving and
// closes the connection. Safe to call multiple times; the client may be
// started again afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	w := c.worker
	c.worker = nil
	c.mu.Unlock()

	if w == nil {
		return nil
	}
	w.Stop()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = c.writeTo(conn, &meshtastic.ToRadio{Disconnect: true})
		conn.Close()
	}

	w.Wait()
	c.logger.Info("radio link closed", "address", c.cfg.Address)
	return nil
}

// Send writes one message to the radio.
func (c *Client) Send(msg *meshtastic.ToRadio) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrSendFailed)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	if err := c.writeTo(conn, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

// IsConnected reports whether a TCP session to the radio is open.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns current link statistics.
func (c *Client) Stats() Stats {
	var last time.Time
	if ns := c.lastActivity.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Address:        c.cfg.Address,
		Connected:      c.connected.Load(),
		ConfigComplete: c.configComplete.Load(),
		FramesRx:       c.framesRx.Load(),
		FramesTx:       c.framesTx.Load(),
		DecodeErrors:   c.decodeErrors.Load(),
		BytesDiscarded: c.discarded.Load(),
		Reconnects:     c.reconnects.Load(),
		LastActivity:   last,
	}
}

// connect dials the radio and requests its configuration.
func (c *Client) connect() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, c.cfg.Address, err)
	}

	id := newConfigID()
	if err := c.writeTo(conn, &meshtastic.ToRadio{WantConfigID: id}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: requesting config: %w", ErrConnectionFailed, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.configID = id
	c.mu.Unlock()

	c.configComplete.Store(false)
	c.connected.Store(true)
	c.touch()
	return conn, nil
}

// run owns the connection lifecycle: serve until the connection drops,
// then redial with backoff.
func (c *Client) run(w *alive.Alive, conn net.Conn) {
	defer w.Done()

	backoff := c.cfg.ReconnectInterval
	for {
		if conn != nil {
			if !w.IsRunning() {
				c.dropConn(conn)
				return
			}
			backoff = c.cfg.ReconnectInterval
			c.serve(w, conn)
			c.dropConn(conn)
			conn = nil
		}

		if !sleep(w, backoff) {
			return
		}

		var err error
		conn, err = c.connect()
		if err != nil {
			c.logger.Warn("radio reconnect failed", "address", c.cfg.Address, "backoff", backoff.String(), "error", err)
			backoff = nextBackoff(backoff, c.cfg.MaxReconnectInterval)
			continue
		}
		c.reconnects.Add(1)
		c.logger.Info("reconnected to radio", "address", c.cfg.Address, "total_reconnects", c.reconnects.Load())
	}
}

// serve reads frames until the connection fails or is closed. A heartbeat
// goroutine runs alongside it for the life of the connection.
func (c *Client) serve(w *alive.Alive, conn net.Conn) {
	hbDone := make(chan struct{})
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		c.heartbeat(conn, hbDone)
	}()
	defer func() {
		close(hbDone)
		hb.Wait()
	}()

	fr := meshtastic.NewFrameReader(conn)
	var skipped uint64
	for {
		frame, err := fr.ReadFrame()
		if d := fr.Discarded(); d > skipped {
			c.discarded.Add(d - skipped)
			skipped = d
		}
		if err != nil {
			if w.IsRunning() {
				c.logger.Warn("radio connection lost", "address", c.cfg.Address, "error", err)
			}
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Client) heartbeat(conn net.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.writeTo(conn, &meshtastic.ToRadio{Heartbeat: true}); err != nil {
				c.logger.Warn("radio heartbeat failed, closing connection", "address", c.cfg.Address, "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) handleFrame(frame []byte) {
	var msg meshtastic.FromRadio
	if err := msg.Unmarshal(frame); err != nil {
		c.decodeErrors.Add(1)
		c.logger.Warn("dropping undecodable frame from radio", "address", c.cfg.Address, "size", len(frame), "error", err)
		return
	}
	c.framesRx.Add(1)
	c.touch()

	if msg.ConfigCompleteID != 0 {
		c.mu.Lock()
		want := c.configID
		c.mu.Unlock()
		if msg.ConfigCompleteID == want && c.configComplete.CompareAndSwap(false, true) {
			c.logger.Info("radio config complete", "address", c.cfg.Address)
		}
	}

	c.handlerMu.RLock()
	callback := c.onFromRadio
	c.handlerMu.RUnlock()
	if callback == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("radio message handler panic", "address", c.cfg.Address, "panic", r)
		}
	}()
	callback(&msg)
}

// writeTo frames and writes msg. Writes are serialised so heartbeats,
// downlink messages and the disconnect notice never interleave.
func (c *Client) writeTo(conn net.Conn, msg *meshtastic.ToRadio) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if err := meshtastic.WriteFrame(conn, msg.Marshal()); err != nil {
		return err
	}
	c.framesTx.Add(1)
	return nil
}

func (c *Client) dropConn(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	c.connected.Store(false)
	c.configComplete.Store(false)
	conn.Close()
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// sleep waits for d or until the worker is stopped. It reports whether
// the worker is still running.
func sleep(w *alive.Alive, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.StopChan():
		return false
	case <-timer.C:
		return w.IsRunning()
	}
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backoffFactor)
	if next > limit {
		return limit
	}
	return next
}

// newConfigID returns a non-zero nonce for want_config_id; zero means
// "no request" on the wire.
func newConfigID() uint32 {
	for {
		if id := rand.Uint32(); id != 0 {
			return id
		}
	}
}
