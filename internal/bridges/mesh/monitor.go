package mesh

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/temoto/alive/v2"

	"github.com/nerrad567/gray-logic-meshbridge/internal/meshtastic"
)

const (
	// downlinkWait bounds how long the downlink worker blocks on an empty queue.
	downlinkWait = time.Second

	defaultBrokerPort    = 1883
	defaultBrokerTLSPort = 8883
)

// RadioLink sends messages to the radio.
type RadioLink interface {
	Send(msg *meshtastic.ToRadio) error
}

// SightingRecorder records every packet heard on the mesh.
type SightingRecorder interface {
	RecordPacket(p *meshtastic.MeshPacket)
}

// LinkMetrics receives per-packet link quality.
type LinkMetrics interface {
	WriteLinkQuality(gateway string, p *meshtastic.MeshPacket)
}

// ProxyBridgeFactory builds the proxy bridge from the radio's MQTT module
// settings. onMessage receives traffic from the bridge subscription.
type ProxyBridgeFactory func(cfg meshtastic.MQTTModuleConfig, onMessage MessageHandler) (*Bridge, error)

// MonitorOptions holds configuration for creating a monitor.
type MonitorOptions struct {
	// Name identifies the radio, usually its address.
	Name string

	// Relay receives locally observed packets that pass the filter.
	// Required.
	Relay *Bridge

	// NewProxyBridge is called once the radio reports an MQTT module with
	// client proxy enabled. Nil disables the proxy.
	NewProxyBridge ProxyBridgeFactory

	// Registry, if set, receives the proxy bridge.
	Registry *Registry

	// Recorder and Metrics are optional sinks for every packet.
	Recorder SightingRecorder
	Metrics  LinkMetrics

	// Filter gates the relay path. Defaults to DefaultPortFilter.
	Filter *PortFilter

	Logger Logger
}

// MonitorStats is a snapshot of monitor counters.
type MonitorStats struct {
	Name           string
	NodeNum        uint32
	Packets        uint64
	Relayed        uint64
	Filtered       uint64
	Downlinked     uint64
	DownlinkFailed uint64
}

// Monitor routes traffic between one radio and its bridges. Packets the
// radio hears go to the relay bridge, proxy messages the radio emits go to
// the proxy bridge, and proxy bridge subscription traffic is sent back to
// the radio.
//
// Thread Safety: All methods are safe for concurrent use.
type Monitor struct {
	name     string
	relay    *Bridge
	factory  ProxyBridgeFactory
	registry *Registry
	recorder SightingRecorder
	metrics  LinkMetrics
	filter   PortFilter
	logger   Logger

	nodeNum  atomic.Uint32
	running  atomic.Bool
	downlink *Queue[meshtastic.ProxyMessage]

	packets        atomic.Uint64
	relayed        atomic.Uint64
	filtered       atomic.Uint64
	downlinked     atomic.Uint64
	downlinkFailed atomic.Uint64

	mu     sync.Mutex
	proxy  *Bridge
	link   RadioLink
	worker *alive.Alive
}

// NewMonitor creates a monitor. Call Start to begin forwarding downlink
// traffic to the radio.
func NewMonitor(opts MonitorOptions) (*Monitor, error) {
	if opts.Relay == nil {
		return nil, fmt.Errorf("relay bridge is required")
	}

	filter := defaultFilter
	if opts.Filter != nil {
		filter = *opts.Filter
	}
	name := opts.Name
	if name == "" {
		name = opts.Relay.Name()
	}

	m := &Monitor{
		name:     name,
		relay:    opts.Relay,
		factory:  opts.NewProxyBridge,
		registry: opts.Registry,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		filter:   filter,
		logger:   withName(opts.Logger, "radio", name),
	}
	m.downlink = newQueue[meshtastic.ProxyMessage](m.running.Load)
	return m, nil
}

// Name returns the monitor name.
func (m *Monitor) Name() string {
	return m.name
}

// NodeNum returns the local node number, or 0 before the radio reported it.
func (m *Monitor) NodeNum() uint32 {
	return m.nodeNum.Load()
}

// Bridge implements BridgeProvider.
func (m *Monitor) Bridge(role Role) (*Bridge, bool) {
	switch role {
	case RoleRelay:
		return m.relay, true
	case RoleProxy:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.proxy, m.proxy != nil
	default:
		return nil, false
	}
}

// Start begins sending downlink traffic to link. It is a no-op while
// already started.
func (m *Monitor) Start(link RadioLink) error {
	if link == nil {
		return fmt.Errorf("radio link is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.worker != nil {
		return nil
	}
	m.link = link
	w := alive.NewAlive()
	m.worker = w
	m.running.Store(true)

	w.Add(1)
	go m.runDownlink(w, link)
	return nil
}

// Stop stops the downlink worker and waits for it. Bridges are left to
// their owner. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.mu.Lock()
	w := m.worker
	m.worker = nil
	m.mu.Unlock()

	if w == nil {
		return
	}
	m.running.Store(false)
	w.Stop()
	w.Wait()
}

// HandleFromRadio dispatches one message from the radio. It never blocks
// on a broker.
func (m *Monitor) HandleFromRadio(msg *meshtastic.FromRadio) {
	if msg == nil {
		return
	}
	switch {
	case msg.HasMyInfo:
		m.setNodeNum(msg.MyNodeNum)
	case msg.MQTTConfig != nil:
		m.handleMQTTConfig(*msg.MQTTConfig)
	case msg.ProxyMessage != nil:
		m.handleProxyMessage(*msg.ProxyMessage)
	case msg.Packet != nil:
		m.handlePacket(msg.Packet)
	}
}

func (m *Monitor) setNodeNum(num uint32) {
	m.nodeNum.Store(num)
	m.relay.SetGatewayID(num)

	m.mu.Lock()
	proxy := m.proxy
	m.mu.Unlock()
	if proxy != nil {
		proxy.SetGatewayID(num)
	}

	m.logger.Info("radio identified", "node", meshtastic.NodeID(num))
}

func (m *Monitor) handleMQTTConfig(cfg meshtastic.MQTTModuleConfig) {
	if m.factory == nil {
		return
	}
	if !cfg.Enabled || !cfg.ProxyToClientEnabled {
		m.logger.Info("radio mqtt client proxy disabled", "mqtt_enabled", cfg.Enabled, "proxy_to_client", cfg.ProxyToClientEnabled)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proxy != nil {
		m.logger.Debug("proxy bridge already running")
		return
	}

	b, err := m.factory(cfg, m.queueDownlink)
	if err != nil {
		m.logger.Error("creating proxy bridge failed", "address", cfg.Address, "error", err)
		return
	}
	if m.registry != nil {
		if err := m.registry.Register(b.Name(), b); err != nil {
			m.logger.Error("registering proxy bridge failed", "bridge", b.Name(), "error", err)
			return
		}
	}
	b.SetGatewayID(m.nodeNum.Load())
	m.proxy = b

	if err := b.Start(); err != nil {
		// The worker keeps retrying per its policy.
		m.logger.Warn("proxy bridge initial connect failed", "bridge", b.Name(), "error", err)
	}
	m.logger.Info("proxy bridge started", "bridge", b.Name(), "address", cfg.Address, "root", cfg.Root)
}

func (m *Monitor) handleProxyMessage(pm meshtastic.ProxyMessage) {
	m.mu.Lock()
	proxy := m.proxy
	m.mu.Unlock()

	if proxy == nil {
		m.logger.Debug("no proxy bridge, dropping proxy message", "topic", pm.Topic)
		return
	}
	proxy.PublishProxy(pm)
}

func (m *Monitor) handlePacket(p *meshtastic.MeshPacket) {
	m.packets.Add(1)

	if m.recorder != nil {
		m.recorder.RecordPacket(p)
	}
	if m.metrics != nil {
		m.metrics.WriteLinkQuality(meshtastic.NodeID(m.nodeNum.Load()), p)
	}

	// Packets that reached the radio over MQTT are already on a broker.
	if p.Decoded == nil || p.ViaMQTT || !m.filter.Allows(p.Decoded.PortNum) {
		m.filtered.Add(1)
		return
	}
	if m.relay.PublishPacket(p) {
		m.relayed.Add(1)
	}
}

// queueDownlink is the proxy bridge's subscription handler. It runs on the
// broker client's goroutine and must not block.
func (m *Monitor) queueDownlink(topic string, payload []byte) {
	pm := meshtastic.ProxyMessage{
		Topic:   topic,
		Variant: meshtastic.ProxyVariantData,
		Data:    append([]byte(nil), payload...),
	}
	if !m.downlink.Push(pm) {
		m.downlinkFailed.Add(1)
	}
}

func (m *Monitor) runDownlink(w *alive.Alive, link RadioLink) {
	defer w.Done()

	for w.IsRunning() {
		pm, ok := m.downlink.PopWait(downlinkWait, w.StopChan())
		if !ok {
			continue
		}
		if err := link.Send(&meshtastic.ToRadio{ProxyMessage: &pm}); err != nil {
			m.downlinkFailed.Add(1)
			m.logger.Warn("sending proxy message to radio failed", "topic", pm.Topic, "error", err)
			continue
		}
		m.downlinked.Add(1)
	}
}

// Stats returns a snapshot of the monitor counters.
func (m *Monitor) Stats() MonitorStats {
	return MonitorStats{
		Name:           m.name,
		NodeNum:        m.nodeNum.Load(),
		Packets:        m.packets.Load(),
		Relayed:        m.relayed.Load(),
		Filtered:       m.filtered.Load(),
		Downlinked:     m.downlinked.Load(),
		DownlinkFailed: m.downlinkFailed.Load(),
	}
}

// ProxyTarget resolves the broker and root topic for a proxy bridge from
// the radio's MQTT settings. Empty radio settings fall back to def and
// defRoot. The address may carry a port; otherwise the MQTT default for
// the TLS setting is used.
func ProxyTarget(cfg meshtastic.MQTTModuleConfig, def ConnParams, defRoot string) (ConnParams, string, error) {
	params := def
	root := defRoot

	if cfg.Address != "" {
		host, port, err := splitBrokerAddress(cfg.Address, cfg.TLSEnabled)
		if err != nil {
			return ConnParams{}, "", err
		}
		params.Host = host
		params.Port = port
		params.TLS = cfg.TLSEnabled
	}
	if cfg.Username != "" {
		params.Username = cfg.Username
		params.Password = cfg.Password
	}
	if cfg.Root != "" {
		root = cfg.Root
	}
	return params, root, nil
}

func splitBrokerAddress(addr string, tls bool) (string, int, error) {
	port := defaultBrokerPort
	if tls {
		port = defaultBrokerTLSPort
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port given.
		return addr, port, nil
	}
	p, err := strconv.Atoi(portStr)
	if err != nil || p < 1 || p > 65535 {
		return "", 0, fmt.Errorf("invalid broker port in %q", addr)
	}
	if host == "" {
		return "", 0, fmt.Errorf("missing broker host in %q", addr)
	}
	return host, p, nil
}
