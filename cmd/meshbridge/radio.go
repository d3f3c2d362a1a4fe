package main

import (
	"fmt"

	"github.com/nerrad567/gray-logic-meshbridge/internal/bridges/mesh"
	"github.com/nerrad567/gray-logic-meshbridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-meshbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-meshbridge/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-meshbridge/internal/meshlink"
	"github.com/nerrad567/gray-logic-meshbridge/internal/meshtastic"
)

// wiring holds what every radio shares.
type wiring struct {
	cfg      *config.Config
	dialer   mesh.Dialer
	registry *mesh.Registry
	recorder mesh.SightingRecorder
	metrics  mesh.LinkMetrics
	filter   mesh.PortFilter
	log      *logging.Logger
}

// radio is the running pipeline for one radio address.
type radio struct {
	monitor *mesh.Monitor
	link    *meshlink.Client
	log     *logging.Logger
}

func newWiring(cfg *config.Config, registry *mesh.Registry, recorder mesh.SightingRecorder, influxClient *influxdb.Client, log *logging.Logger) (*wiring, error) {
	filter, err := relayFilter(cfg.Relay.ExtraPorts)
	if err != nil {
		return nil, fmt.Errorf("building relay filter: %w", err)
	}

	w := &wiring{
		cfg:      cfg,
		dialer:   newDialer(log),
		registry: registry,
		recorder: recorder,
		filter:   filter,
		log:      log,
	}
	if influxClient != nil {
		w.metrics = influxClient
	}
	log.Info("relay port filter", "ports", filter.Ports(), "allow_encrypted", cfg.Relay.AllowEncrypted)
	return w, nil
}

// relayFilter extends the default whitelist with configured ports.
func relayFilter(extra []int) (mesh.PortFilter, error) {
	ports := make([]meshtastic.PortNum, 0, len(extra))
	for _, p := range extra {
		ports = append(ports, meshtastic.PortNum(p)) // #nosec G115 -- range checked by config validation
	}
	return mesh.NewPortFilter(ports...)
}

// startRadio creates and starts the relay bridge, monitor and radio link
// for one address. Broker and radio failures at this point are logged;
// both reconnect in the background.
func (w *wiring) startRadio(index int, address string) (*radio, error) {
	log := w.log.With("radio", address)

	relay, err := mesh.NewBridge(w.relayOptions(index, address, log))
	if err != nil {
		return nil, fmt.Errorf("creating relay bridge: %w", err)
	}
	if err := w.registry.Register(relay.Name(), relay); err != nil {
		return nil, err
	}

	monitorOpts := mesh.MonitorOptions{
		Name:     address,
		Relay:    relay,
		Registry: w.registry,
		Recorder: w.recorder,
		Metrics:  w.metrics,
		Filter:   &w.filter,
		Logger:   log,
	}
	if w.cfg.Proxy.Enabled {
		monitorOpts.NewProxyBridge = w.proxyFactory(index, address, log)
	}
	monitor, err := mesh.NewMonitor(monitorOpts)
	if err != nil {
		return nil, fmt.Errorf("creating monitor: %w", err)
	}

	link, err := meshlink.New(meshlink.Config{
		Address:              address,
		ConnectTimeout:       w.cfg.GetRadioConnectTimeout(),
		HeartbeatInterval:    w.cfg.GetRadioHeartbeatInterval(),
		ReconnectInterval:    w.cfg.GetRadioReconnectInterval(),
		MaxReconnectInterval: w.cfg.GetRadioMaxReconnectInterval(),
	}, log.With("component", "meshlink"))
	if err != nil {
		return nil, fmt.Errorf("creating radio link: %w", err)
	}
	link.SetOnFromRadio(monitor.HandleFromRadio)

	r := &radio{monitor: monitor, link: link, log: log}

	if err := relay.Start(); err != nil {
		log.Warn("relay broker not reachable yet", "bridge", relay.Name(), "error", err)
	}
	if err := monitor.Start(link); err != nil {
		return nil, fmt.Errorf("starting monitor: %w", err)
	}
	if err := link.Start(); err != nil {
		log.Warn("radio not reachable yet", "error", err)
	}

	log.Info("radio pipeline started", "relay", relay.Name(), "proxy", w.cfg.Proxy.Enabled)
	return r, nil
}

// stop closes the radio link first so nothing new arrives, then stops the
// downlink worker. Bridges are stopped by the registry.
func (r *radio) stop() {
	r.log.Info("stopping radio pipeline")
	if err := r.link.Close(); err != nil {
		r.log.Error("error closing radio link", "error", err)
	}
	r.monitor.Stop()
}

func (w *wiring) relayOptions(index int, address string, log *logging.Logger) mesh.BridgeOptions {
	m := w.cfg.MQTT
	return mesh.BridgeOptions{
		Name: "relay@" + address,
		Conn: mesh.ConnParams{
			Host:     m.Broker.Host,
			Port:     m.Broker.Port,
			Username: m.Auth.Username,
			Password: m.Auth.Password,
			ClientID: w.clientID(m.Broker.ClientID, "", index),
			TLS:      m.Broker.TLS,
		},
		Topic:          m.Root,
		SubscribeTopic: m.Subscribe,
		QoS:            byte(m.QoS), // #nosec G115 -- validated as 1 or 2
		Dialer:         w.dialer,
		Logger:         log,
		Filter:         &w.filter,
		AllowEncrypted: w.cfg.Relay.AllowEncrypted,
		Channels:       w.cfg.Relay.Channels,
		Retry:          w.retryPolicy(),
	}
}

// proxyFactory builds the proxy bridge once the radio reports its MQTT
// module settings. With proxy.from_radio off the radio's settings are
// ignored and the proxy section is used as is.
func (w *wiring) proxyFactory(index int, address string, log *logging.Logger) mesh.ProxyBridgeFactory {
	p := w.cfg.Proxy
	def := mesh.ConnParams{
		Host:     p.Broker.Host,
		Port:     p.Broker.Port,
		Username: p.Auth.Username,
		Password: p.Auth.Password,
		ClientID: w.clientID(p.Broker.ClientID, "-proxy", index),
		TLS:      p.Broker.TLS,
	}

	return func(radioCfg meshtastic.MQTTModuleConfig, onMessage mesh.MessageHandler) (*mesh.Bridge, error) {
		if !p.FromRadio {
			radioCfg = meshtastic.MQTTModuleConfig{}
		}
		params, root, err := mesh.ProxyTarget(radioCfg, def, p.Root)
		if err != nil {
			return nil, err
		}
		return mesh.NewBridge(mesh.BridgeOptions{
			Name:           "proxy@" + address,
			Conn:           params,
			Topic:          root,
			QoS:            byte(w.cfg.MQTT.QoS), // #nosec G115 -- validated as 1 or 2
			Dialer:         w.dialer,
			Logger:         log,
			Filter:         &w.filter,
			AllowEncrypted: w.cfg.Relay.AllowEncrypted,
			Channels:       w.cfg.Relay.Channels,
			Retry:          w.retryPolicy(),
			OnMessage:      onMessage,
		})
	}
}

func (w *wiring) retryPolicy() mesh.RetryPolicy {
	return mesh.RetryPolicy{
		InitialDelay: w.cfg.GetReconnectInitialDelay(),
		MaxDelay:     w.cfg.GetReconnectMaxDelay(),
		MaxAttempts:  w.cfg.MQTT.Reconnect.MaxAttempts,
	}
}

// clientID keeps client IDs unique per radio. Brokers drop the older
// session when two clients share an ID. An empty base derives from the
// relay client ID plus suffix.
func (w *wiring) clientID(base, suffix string, index int) string {
	id := base
	if id == "" {
		id = w.cfg.MQTT.Broker.ClientID + suffix
	}
	if len(w.cfg.Radio.Addresses) > 1 {
		id = fmt.Sprintf("%s-%d", id, index)
	}
	return id
}
