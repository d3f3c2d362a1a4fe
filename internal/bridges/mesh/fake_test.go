package mesh

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-meshbridge/internal/meshtastic"
)

const (
	testTopic = "mesh/test"
	waitFor   = 2 * time.Second
	tick      = 5 * time.Millisecond
)

type publishedMsg struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeSession is an in-memory Session. Unless manual is set, connect and
// subscribe results are delivered asynchronously like a real client.
type fakeSession struct {
	events SessionEvents
	params ConnParams

	mu              sync.Mutex
	manual          bool
	grant           byte
	connectErr      error
	asyncConnectErr error
	publishErr      error
	autoAck         bool
	subscriptions   []string
	published       []publishedMsg
	nextID          uint16
	disconnects     int
}

func (s *fakeSession) Connect() error {
	s.mu.Lock()
	manual, syncErr, asyncErr := s.manual, s.connectErr, s.asyncConnectErr
	s.mu.Unlock()

	if syncErr != nil {
		return syncErr
	}
	if !manual {
		go s.events.OnConnect(asyncErr)
	}
	return nil
}

func (s *fakeSession) Subscribe(topic string, qos byte) error {
	s.mu.Lock()
	s.subscriptions = append(s.subscriptions, topic)
	manual, grant := s.manual, s.grant
	s.mu.Unlock()

	if !manual {
		go s.events.OnSubscribeAck([]byte{grant})
	}
	return nil
}

func (s *fakeSession) Publish(topic string, qos byte, retained bool, payload []byte) (uint16, error) {
	s.mu.Lock()
	if s.publishErr != nil {
		err := s.publishErr
		s.mu.Unlock()
		return 0, err
	}
	s.nextID++
	id := s.nextID
	s.published = append(s.published, publishedMsg{topic: topic, qos: qos, retained: retained, payload: payload})
	ack := s.autoAck
	s.mu.Unlock()

	if ack {
		go s.events.OnPublishAck(id)
	}
	return id, nil
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	s.disconnects++
	s.mu.Unlock()
}

func (s *fakeSession) disconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

func (s *fakeSession) Published() []publishedMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishedMsg(nil), s.published...)
}

func (s *fakeSession) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscriptions...)
}

// fakeBroker dials fakeSessions. configure runs on each new session with
// its zero-based dial index.
type fakeBroker struct {
	mu        sync.Mutex
	sessions  []*fakeSession
	dialErr   error
	configure func(i int, s *fakeSession)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{}
}

func (f *fakeBroker) Dial(params ConnParams, events SessionEvents) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dialErr != nil {
		return nil, f.dialErr
	}
	s := &fakeSession{events: events, params: params, grant: 1, autoAck: true}
	if f.configure != nil {
		f.configure(len(f.sessions), s)
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeBroker) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeBroker) Session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.sessions) {
		return nil
	}
	return f.sessions[i]
}

// Published returns every message published across all sessions.
func (f *fakeBroker) Published() []publishedMsg {
	f.mu.Lock()
	sessions := append([]*fakeSession(nil), f.sessions...)
	f.mu.Unlock()

	var out []publishedMsg
	for _, s := range sessions {
		out = append(out, s.Published()...)
	}
	return out
}

func newTestBridge(t *testing.T, broker *fakeBroker, mutate func(*BridgeOptions)) *Bridge {
	t.Helper()

	opts := BridgeOptions{
		Name:         "test",
		Conn:         ConnParams{Host: "broker.test", Port: 1883, ClientID: "meshbridge-test"},
		Topic:        testTopic,
		Dialer:       broker.Dial,
		Retry:        RetryPolicy{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 3},
		PollInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}

	b, err := NewBridge(opts)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	t.Cleanup(func() {
		b.Stop()
		b.Join()
	})
	return b
}

func testPacket(id uint32, port meshtastic.PortNum) *meshtastic.MeshPacket {
	return &meshtastic.MeshPacket{
		From:     0x00001234,
		To:       meshtastic.BroadcastAddr,
		ID:       id,
		HopLimit: 3,
		Decoded: &meshtastic.Data{
			PortNum: port,
			Payload: []byte{0x08, 0x01, 0x10, 0x02},
		},
	}
}

func envelopeBytes(p *meshtastic.MeshPacket) []byte {
	env := meshtastic.ServiceEnvelope{Packet: p, ChannelID: "LongFast", GatewayID: "!00001234"}
	return env.Marshal()
}

func proxyMessage(id uint32, port meshtastic.PortNum) meshtastic.ProxyMessage {
	return meshtastic.ProxyMessage{
		Topic:   fmt.Sprintf("msh/test/2/e/LongFast/!%08x", id),
		Variant: meshtastic.ProxyVariantData,
		Data:    envelopeBytes(testPacket(id, port)),
	}
}
