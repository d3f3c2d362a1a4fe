package mesh

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/temoto/alive/v2"

	"github.com/nerrad567/gray-logic-meshbridge/internal/meshtastic"
)

// Bridge operation constants.
const (
	// defaultPollInterval bounds how long the worker sleeps with no traffic.
	defaultPollInterval = time.Second

	// defaultSubscribeQoS is requested when BridgeOptions.QoS is zero.
	defaultSubscribeQoS = 1
)

// RetryPolicy controls reconnection after a failed or lost broker session.
// The delay doubles after every attempt up to MaxDelay. MaxAttempts of 0
// disables reconnection, leaving the bridge disconnected after the first
// failure. Once attempts are exhausted the worker discards whatever is
// queued until the bridge is restarted.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Name identifies the bridge in logs and the registry.
	Name string

	// Conn holds the broker address and credentials.
	Conn ConnParams

	// Topic is the root topic packets are published under.
	Topic string

	// SubscribeTopic defaults to SubscribeTopic(Topic).
	SubscribeTopic string

	// QoS is requested for the subscription. Publishes use whatever the
	// broker grants.
	QoS byte

	// Dialer creates broker sessions.
	Dialer Dialer

	// Logger is optional structured logger.
	Logger Logger

	// Filter gates proxied packets. Defaults to DefaultPortFilter.
	Filter *PortFilter

	// AllowEncrypted relays proxied packets whose port cannot be read.
	AllowEncrypted bool

	// Channels maps channel indexes to names used in topics.
	Channels map[uint32]string

	// Retry controls reconnection.
	Retry RetryPolicy

	// OnMessage receives messages arriving on the subscription.
	OnMessage MessageHandler

	// PollInterval overrides the idle wait. Zero means one second.
	PollInterval time.Duration
}

// Bridge relays proxy messages and locally observed mesh packets to one
// broker. Producers push into two queues; a single worker drains them,
// proxy queue first, publishing through the ConnectionManager.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	name           string
	root           string
	conn           *ConnectionManager
	proxy          *Queue[meshtastic.ProxyMessage]
	packets        *Queue[*meshtastic.MeshPacket]
	filter         PortFilter
	allowEncrypted bool
	channels       map[uint32]string
	retry          RetryPolicy
	poll           time.Duration
	logger         Logger

	running   atomic.Bool
	wake      chan struct{}
	gatewayID atomic.Uint32
	dropped   atomic.Uint64
	recovered atomic.Uint64

	mu     sync.Mutex
	worker *alive.Alive
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if opts.Conn.Host == "" {
		return nil, fmt.Errorf("broker host is required")
	}
	if opts.Conn.Port < 1 || opts.Conn.Port > 65535 {
		return nil, fmt.Errorf("broker port %d out of range", opts.Conn.Port)
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	name := opts.Name
	if name == "" {
		name = opts.Conn.Host
	}
	subTopic := opts.SubscribeTopic
	if subTopic == "" {
		subTopic = SubscribeTopic(opts.Topic)
	}
	qos := opts.QoS
	if qos == 0 {
		qos = defaultSubscribeQoS
	}
	filter := defaultFilter
	if opts.Filter != nil {
		filter = *opts.Filter
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	b := &Bridge{
		name:           name,
		root:           opts.Topic,
		filter:         filter,
		allowEncrypted: opts.AllowEncrypted,
		channels:       opts.Channels,
		retry:          opts.Retry,
		poll:           poll,
		logger:         withName(opts.Logger, "bridge", name),
		wake:           make(chan struct{}, 1),
	}
	b.proxy = newQueue[meshtastic.ProxyMessage](b.draining)
	b.packets = newQueue[*meshtastic.MeshPacket](b.draining)
	b.conn = newConnectionManager(opts.Conn, subTopic, qos, opts.Dialer, b.signal, opts.OnMessage, b.logger)

	return b, nil
}

// Name returns the bridge name.
func (b *Bridge) Name() string {
	return b.name
}

// SetGatewayID sets the node number used as gateway id for relayed packets.
func (b *Bridge) SetGatewayID(num uint32) {
	b.gatewayID.Store(num)
}

// PublishProxy queues a proxy message. It returns false when the message
// is not a binary envelope or the queue is full.
func (b *Bridge) PublishProxy(m meshtastic.ProxyMessage) bool {
	if m.Variant != meshtastic.ProxyVariantData {
		b.dropped.Add(1)
		b.logger.Debug("ignoring non-binary proxy message", "topic", m.Topic, "variant", m.Variant)
		return false
	}
	m.Data = bytes.Clone(m.Data)
	if !b.proxy.Push(m) {
		b.dropped.Add(1)
		b.logger.Debug("proxy queue full, dropping message", "topic", m.Topic)
		return false
	}
	return true
}

// PublishPacket queues a locally observed packet. Callers apply the port
// filter before calling.
func (b *Bridge) PublishPacket(p *meshtastic.MeshPacket) bool {
	if p == nil {
		return false
	}
	if !b.packets.Push(p) {
		b.dropped.Add(1)
		b.logger.Debug("packet queue full, dropping packet", "from", meshtastic.NodeID(p.From))
		return false
	}
	return true
}

// Start begins bridge operation: it starts the worker and the first
// connection attempt. The returned error reports only that first attempt;
// later attempts follow the retry policy. Start is a no-op while a worker
// exists.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.worker != nil {
		return nil
	}

	w := alive.NewAlive()
	b.worker = w
	b.running.Store(true)

	retry := newReconnectState(b.retry)
	err := b.conn.Start()
	retry.scheduleFrom(time.Now())

	w.Add(1)
	go b.run(w, retry)

	b.logger.Info("bridge started", "topic", b.root)
	return err
}

// Stop signals the worker to exit. The worker disconnects the session on
// its way out. Calling Stop more than once is safe.
func (b *Bridge) Stop() {
	b.mu.Lock()
	w := b.worker
	b.mu.Unlock()

	if w == nil {
		return
	}
	if b.running.CompareAndSwap(true, false) {
		b.logger.Info("stopping bridge")
	}
	w.Stop()
}

// Join blocks until the worker has exited. It returns immediately if no
// worker was started. After Join the bridge may be started again.
func (b *Bridge) Join() {
	b.mu.Lock()
	w := b.worker
	b.mu.Unlock()

	if w == nil {
		return
	}
	w.Wait()

	b.mu.Lock()
	if b.worker == w {
		b.worker = nil
	}
	b.mu.Unlock()
}

// Reset discards everything queued.
func (b *Bridge) Reset() {
	b.proxy.Reset()
	b.packets.Reset()
}

// IsRunning reports whether the worker is running.
func (b *Bridge) IsRunning() bool {
	return b.running.Load()
}

// IsConnected reports whether the broker granted the subscription.
func (b *Bridge) IsConnected() bool {
	return b.conn.IsConnected()
}

// State returns the broker session state.
func (b *Bridge) State() ConnState {
	return b.conn.State()
}

// Published returns how many publishes the broker client accepted.
func (b *Bridge) Published() uint64 {
	return b.conn.Published()
}

// PublishConfirmed returns how many publishes the broker acknowledged.
// Acknowledgements are asynchronous, so this may briefly trail Published.
func (b *Bridge) PublishConfirmed() uint64 {
	return b.conn.PublishConfirmed()
}

// Messaged returns how many messages arrived on the subscription.
func (b *Bridge) Messaged() uint64 {
	return b.conn.Messaged()
}

// Dropped returns how many items were rejected or discarded.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	Name             string
	State            ConnState
	Connected        bool
	Running          bool
	Published        uint64
	PublishConfirmed uint64
	Messaged         uint64
	Dropped          uint64
	Recovered        uint64
	ProxyQueued      int
	PacketsQueued    int
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Name:             b.name,
		State:            b.conn.State(),
		Connected:        b.conn.IsConnected(),
		Running:          b.running.Load(),
		Published:        b.conn.Published(),
		PublishConfirmed: b.conn.PublishConfirmed(),
		Messaged:         b.conn.Messaged(),
		Dropped:          b.dropped.Load(),
		Recovered:        b.recovered.Load(),
		ProxyQueued:      b.proxy.Len(),
		PacketsQueued:    b.packets.Len(),
	}
}

// draining reports whether the worker is publishing queued items.
func (b *Bridge) draining() bool {
	return b.running.Load() && b.conn.IsConnected()
}

// signal wakes the worker without blocking.
func (b *Bridge) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// run is the worker loop.
func (b *Bridge) run(w *alive.Alive, retry *reconnectState) {
	defer w.Done()
	defer b.conn.Disconnect()

	subscribed, gaveUp := false, false
	for w.IsRunning() {
		now := time.Now()

		if b.conn.IsConnected() {
			if !subscribed {
				subscribed, gaveUp = true, false
				retry.reset()
			}
			if b.drainOnce() {
				continue
			}
		} else {
			subscribed = false
			if b.conn.State() == StateDisconnected {
				switch {
				case retry.due(now):
					retry.attempt(now)
					b.logger.Info("reconnecting to broker", "attempt", retry.attempts, "max_attempts", b.retry.MaxAttempts)
					_ = b.conn.Start()
				case retry.exhausted():
					if !gaveUp {
						gaveUp = true
						b.logger.Warn("broker unavailable, giving up reconnecting", "attempts", retry.attempts, "error", b.conn.LastError())
					}
					b.discardQueued()
				}
			}
		}

		b.wait(w, retry.timeout(time.Now(), b.poll))
	}
}

// drainOnce relays at most one proxy message and one packet. It reports
// whether anything was dequeued.
func (b *Bridge) drainOnce() bool {
	worked := false
	if m, ok := b.proxy.TryPop(); ok {
		b.relayProxy(m)
		worked = true
	}
	if p, ok := b.packets.TryPop(); ok {
		b.relayPacket(p)
		worked = true
	}
	return worked
}

// discardQueued drops everything queued. Used once reconnecting has been
// given up so producers are not left filling a queue nobody drains.
func (b *Bridge) discardQueued() {
	n := b.proxy.Discard() + b.packets.Discard()
	if n == 0 {
		return
	}
	b.dropped.Add(uint64(n)) // #nosec G115 -- n is a non-negative length
	b.logger.Debug("discarded queued items without a broker", "count", n)
}

func (b *Bridge) wait(w *alive.Alive, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-b.wake:
	case <-b.proxy.Notify():
	case <-b.packets.Notify():
	case <-timer.C:
	case <-w.StopChan():
	}
}

// relayProxy inspects a proxy payload and publishes it unchanged if the
// packet inside may leave the node.
func (b *Bridge) relayProxy(m meshtastic.ProxyMessage) {
	p, err := b.inspectProxy(m.Data)
	if err != nil {
		b.dropped.Add(1)
		b.logger.Warn("dropping undecodable proxy message", "topic", m.Topic, "size", len(m.Data), "error", err)
		return
	}
	if !b.eligible(p) {
		b.dropped.Add(1)
		return
	}
	if err := b.conn.Publish(m.Topic, m.Data, m.Retained); err != nil {
		b.logger.Error("proxy publish failed", "topic", m.Topic, "error", err)
	}
}

// inspectProxy decodes the envelope in a proxy payload, falling back to
// frame recovery.
func (b *Bridge) inspectProxy(data []byte) (*meshtastic.MeshPacket, error) {
	var env meshtastic.ServiceEnvelope
	if err := env.Unmarshal(data); err == nil && env.Packet != nil {
		return env.Packet, nil
	}

	p, win, err := RecoverPacket(data)
	if err != nil {
		return nil, err
	}
	b.recovered.Add(1)
	b.logger.Debug("recovered packet from proxy frame", "offset", win.Offset, "end", win.End, "port", p.Port())
	return p, nil
}

func (b *Bridge) eligible(p *meshtastic.MeshPacket) bool {
	if p.Decoded == nil {
		return b.allowEncrypted
	}
	return b.filter.Allows(p.Decoded.PortNum)
}

// relayPacket wraps a packet in a service envelope and publishes it on the
// packet's channel topic.
func (b *Bridge) relayPacket(p *meshtastic.MeshPacket) {
	env := meshtastic.ServiceEnvelope{
		Packet:    p,
		ChannelID: b.channelName(p.Channel),
		GatewayID: meshtastic.NodeID(b.gatewayID.Load()),
	}
	topic := EnvelopeTopic(b.root, env.ChannelID, env.GatewayID)
	if err := b.conn.Publish(topic, env.Marshal(), false); err != nil {
		b.logger.Error("packet publish failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) channelName(index uint32) string {
	if name, ok := b.channels[index]; ok && name != "" {
		return name
	}
	return strconv.FormatUint(uint64(index), 10)
}

// reconnectState tracks retry attempts for the worker. It is owned by the
// worker goroutine.
type reconnectState struct {
	policy   RetryPolicy
	attempts int
	delay    time.Duration
	next     time.Time
}

func newReconnectState(p RetryPolicy) *reconnectState {
	r := &reconnectState{policy: p}
	r.reset()
	return r
}

// reset clears attempts once a session is established.
func (r *reconnectState) reset() {
	r.attempts = 0
	r.delay = r.policy.InitialDelay
	r.next = time.Time{}
}

// scheduleFrom sets the earliest time of the next attempt.
func (r *reconnectState) scheduleFrom(now time.Time) {
	r.next = now.Add(r.delay)
	r.delay *= 2
	if r.delay > r.policy.MaxDelay {
		r.delay = r.policy.MaxDelay
	}
}

func (r *reconnectState) due(now time.Time) bool {
	return r.attempts < r.policy.MaxAttempts && !now.Before(r.next)
}

// exhausted reports whether no further attempts will be made.
func (r *reconnectState) exhausted() bool {
	return r.attempts >= r.policy.MaxAttempts
}

func (r *reconnectState) attempt(now time.Time) {
	r.attempts++
	r.scheduleFrom(now)
}

// timeout returns how long the worker may sleep before the next attempt.
func (r *reconnectState) timeout(now time.Time, poll time.Duration) time.Duration {
	if r.exhausted() || r.next.IsZero() {
		return poll
	}
	if d := r.next.Sub(now); d > 0 && d < poll {
		return d
	}
	return poll
}
