package meshlink

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-meshbridge/internal/meshtastic"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeRadio is a TCP radio daemon that records every ToRadio it receives.
type fakeRadio struct {
	ln       net.Listener
	accepted chan net.Conn
	msgs     chan meshtastic.ToRadio

	mu    sync.Mutex
	conns []net.Conn
}

func newFakeRadio(t *testing.T) *fakeRadio {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := &fakeRadio{
		ln:       ln,
		accepted: make(chan net.Conn, 8),
		msgs:     make(chan meshtastic.ToRadio, 64),
	}
	go r.acceptLoop()

	t.Cleanup(func() {
		ln.Close()
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, c := range r.conns {
			c.Close()
		}
	})
	return r
}

func (r *fakeRadio) acceptLoop() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.mu.Unlock()

		r.accepted <- conn
		go r.readLoop(conn)
	}
}

func (r *fakeRadio) readLoop(conn net.Conn) {
	fr := meshtastic.NewFrameReader(conn)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			return
		}
		var msg meshtastic.ToRadio
		if err := msg.Unmarshal(frame); err != nil {
			continue
		}
		r.msgs <- msg
	}
}

func (r *fakeRadio) Addr() string {
	return r.ln.Addr().String()
}

func (r *fakeRadio) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-r.accepted:
		return c
	case <-time.After(waitFor):
		t.Fatal("client did not connect")
		return nil
	}
}

func (r *fakeRadio) next(t *testing.T) meshtastic.ToRadio {
	t.Helper()
	select {
	case m := <-r.msgs:
		return m
	case <-time.After(waitFor):
		t.Fatal("no message from client")
		return meshtastic.ToRadio{}
	}
}

// nextMatching skips heartbeats and other traffic until match holds.
func (r *fakeRadio) nextMatching(t *testing.T, match func(meshtastic.ToRadio) bool) meshtastic.ToRadio {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case m := <-r.msgs:
			if match(m) {
				return m
			}
		case <-deadline:
			t.Fatal("expected message not received")
			return meshtastic.ToRadio{}
		}
	}
}

func sendFromRadio(t *testing.T, conn net.Conn, msg *meshtastic.FromRadio) {
	t.Helper()
	require.NoError(t, meshtastic.WriteFrame(conn, msg.Marshal()))
}

// collector gathers handler invocations.
type collector struct {
	ch chan *meshtastic.FromRadio
}

func newCollector() *collector {
	return &collector{ch: make(chan *meshtastic.FromRadio, 32)}
}

func (c *collector) handle(msg *meshtastic.FromRadio) {
	c.ch <- msg
}

func (c *collector) next(t *testing.T) *meshtastic.FromRadio {
	t.Helper()
	select {
	case m := <-c.ch:
		return m
	case <-time.After(waitFor):
		t.Fatal("handler not invoked")
		return nil
	}
}

func startClient(t *testing.T, addr string, mutate func(*Config)) *Client {
	t.Helper()

	cfg := Config{
		Address:              addr,
		ConnectTimeout:       time.Second,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectInterval: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_HandshakeAndReceive(t *testing.T) {
	radio := newFakeRadio(t)
	got := newCollector()

	c := startClient(t, radio.Addr(), nil)
	c.SetOnFromRadio(got.handle)
	require.NoError(t, c.Start())
	assert.True(t, c.IsConnected())

	conn := radio.accept(t)
	hello := radio.next(t)
	require.NotZero(t, hello.WantConfigID)

	console := []byte("INFO | booting\r\n")
	_, err := conn.Write(console)
	require.NoError(t, err)

	sendFromRadio(t, conn, &meshtastic.FromRadio{ID: 1, HasMyInfo: true, MyNodeNum: 0xa1b2c3d4})
	sendFromRadio(t, conn, &meshtastic.FromRadio{ID: 2, Packet: &meshtastic.MeshPacket{
		From:    0x1234,
		ID:      7,
		Decoded: &meshtastic.Data{PortNum: meshtastic.PortTelemetry, Payload: []byte{0x08, 0x01}},
	}})
	sendFromRadio(t, conn, &meshtastic.FromRadio{ID: 3, ConfigCompleteID: hello.WantConfigID})

	first := got.next(t)
	assert.True(t, first.HasMyInfo)
	assert.Equal(t, uint32(0xa1b2c3d4), first.MyNodeNum)

	second := got.next(t)
	require.NotNil(t, second.Packet)
	assert.Equal(t, uint32(7), second.Packet.ID)
	assert.Equal(t, meshtastic.PortTelemetry, second.Packet.Port())

	third := got.next(t)
	assert.Equal(t, hello.WantConfigID, third.ConfigCompleteID)

	require.Eventually(t, func() bool { return c.Stats().ConfigComplete }, waitFor, tick)
	s := c.Stats()
	assert.Equal(t, uint64(3), s.FramesRx)
	assert.Equal(t, uint64(len(console)), s.BytesDiscarded)
	assert.Equal(t, uint64(1), s.FramesTx)
	assert.False(t, s.LastActivity.IsZero())
	assert.Equal(t, radio.Addr(), s.Address)
}

func TestClient_ConfigCompleteRequiresMatchingID(t *testing.T) {
	radio := newFakeRadio(t)
	got := newCollector()

	c := startClient(t, radio.Addr(), nil)
	c.SetOnFromRadio(got.handle)
	require.NoError(t, c.Start())

	conn := radio.accept(t)
	hello := radio.next(t)

	sendFromRadio(t, conn, &meshtastic.FromRadio{ConfigCompleteID: hello.WantConfigID + 1})
	got.next(t)
	assert.False(t, c.Stats().ConfigComplete)
}

func TestClient_Send(t *testing.T) {
	radio := newFakeRadio(t)
	c := startClient(t, radio.Addr(), nil)
	require.NoError(t, c.Start())

	radio.accept(t)
	radio.next(t) // want_config_id

	pm := meshtastic.ProxyMessage{
		Topic:   "msh/EU/2/e/LongFast/!a1b2c3d4",
		Variant: meshtastic.ProxyVariantData,
		Data:    []byte{0x0a, 0x01, 0x02},
	}
	require.NoError(t, c.Send(&meshtastic.ToRadio{ProxyMessage: &pm}))

	msg := radio.nextMatching(t, func(m meshtastic.ToRadio) bool { return m.ProxyMessage != nil })
	assert.Equal(t, pm.Topic, msg.ProxyMessage.Topic)
	assert.Equal(t, pm.Data, msg.ProxyMessage.Data)
}

func TestClient_SendErrors(t *testing.T) {
	c := startClient(t, "127.0.0.1:4403", nil)

	err := c.Send(&meshtastic.ToRadio{Heartbeat: true})
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.Send(nil)
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestClient_SendTooLarge(t *testing.T) {
	radio := newFakeRadio(t)
	c := startClient(t, radio.Addr(), nil)
	require.NoError(t, c.Start())
	radio.accept(t)

	pm := meshtastic.ProxyMessage{Topic: "t", Variant: meshtastic.ProxyVariantData, Data: make([]byte, meshtastic.MaxFrameSize)}
	err := c.Send(&meshtastic.ToRadio{ProxyMessage: &pm})
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.ErrorIs(t, err, meshtastic.ErrFrameTooLarge)
	assert.True(t, c.IsConnected())
}

func TestClient_Heartbeat(t *testing.T) {
	radio := newFakeRadio(t)
	c := startClient(t, radio.Addr(), func(cfg *Config) { cfg.HeartbeatInterval = 20 * time.Millisecond })
	require.NoError(t, c.Start())

	radio.accept(t)
	radio.nextMatching(t, func(m meshtastic.ToRadio) bool { return m.Heartbeat })
}

func TestClient_Reconnect(t *testing.T) {
	radio := newFakeRadio(t)
	got := newCollector()

	c := startClient(t, radio.Addr(), nil)
	c.SetOnFromRadio(got.handle)
	require.NoError(t, c.Start())

	first := radio.accept(t)
	radio.next(t)
	first.Close()

	second := radio.accept(t)
	hello := radio.nextMatching(t, func(m meshtastic.ToRadio) bool { return m.WantConfigID != 0 })

	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Connected && s.Reconnects == 1
	}, waitFor, tick)

	sendFromRadio(t, second, &meshtastic.FromRadio{ConfigCompleteID: hello.WantConfigID})
	got.next(t)
	require.Eventually(t, func() bool { return c.Stats().ConfigComplete }, waitFor, tick)
}

func TestClient_StartUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := startClient(t, addr, nil)
	err = c.Start()
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.False(t, c.IsConnected())

	// The worker keeps redialling in the background; Close must not hang.
	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, c.Close())
}

func TestClient_UndecodableFrame(t *testing.T) {
	radio := newFakeRadio(t)
	got := newCollector()

	c := startClient(t, radio.Addr(), nil)
	c.SetOnFromRadio(got.handle)
	require.NoError(t, c.Start())

	conn := radio.accept(t)
	require.NoError(t, meshtastic.WriteFrame(conn, []byte{0xff, 0xff}))
	sendFromRadio(t, conn, &meshtastic.FromRadio{HasMyInfo: true, MyNodeNum: 1})

	msg := got.next(t)
	assert.Equal(t, uint32(1), msg.MyNodeNum)
	assert.Equal(t, uint64(1), c.Stats().DecodeErrors)
	assert.True(t, c.IsConnected())
}

func TestClient_HandlerPanic(t *testing.T) {
	radio := newFakeRadio(t)
	got := newCollector()

	var once sync.Once
	c := startClient(t, radio.Addr(), nil)
	c.SetOnFromRadio(func(msg *meshtastic.FromRadio) {
		once.Do(func() { panic("boom") })
		got.handle(msg)
	})
	require.NoError(t, c.Start())

	conn := radio.accept(t)
	sendFromRadio(t, conn, &meshtastic.FromRadio{ID: 1})
	sendFromRadio(t, conn, &meshtastic.FromRadio{ID: 2})

	assert.Equal(t, uint32(2), got.next(t).ID)
	assert.True(t, c.IsConnected())
}

func TestClient_CloseSendsDisconnect(t *testing.T) {
	radio := newFakeRadio(t)
	c := startClient(t, radio.Addr(), nil)
	require.NoError(t, c.Start())
	require.NoError(t, c.Start(), "second Start is a no-op")

	radio.accept(t)
	radio.next(t)

	require.NoError(t, c.Close())
	radio.nextMatching(t, func(m meshtastic.ToRadio) bool { return m.Disconnect })
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Send(&meshtastic.ToRadio{Heartbeat: true}), ErrNotConnected)
	require.NoError(t, c.Close())

	// Restart opens a fresh session.
	require.NoError(t, c.Start())
	radio.accept(t)
	assert.NotZero(t, radio.nextMatching(t, func(m meshtastic.ToRadio) bool { return m.WantConfigID != 0 }).WantConfigID)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Address: "10.0.0.5:4403"}, false},
		{"hostname", Config{Address: "radio.local:4403"}, false},
		{"missing port", Config{Address: "radio.local"}, true},
		{"empty", Config{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg, nil)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidConfig), "error = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cfg.Address, c.Address())
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{Address: "radio:4403", ReconnectInterval: 2 * time.Minute}, nil)
	require.NoError(t, err)

	assert.Equal(t, defaultConnectTimeout, c.cfg.ConnectTimeout)
	assert.Equal(t, defaultHeartbeatInterval, c.cfg.HeartbeatInterval)
	assert.Equal(t, 2*time.Minute, c.cfg.MaxReconnectInterval, "cap raised to the initial interval")
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		cur, limit, want time.Duration
	}{
		{time.Second, time.Minute, 1500 * time.Millisecond},
		{40 * time.Second, time.Minute, time.Minute},
		{time.Minute, time.Minute, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextBackoff(tt.cur, tt.limit), "nextBackoff(%v, %v)", tt.cur, tt.limit)
	}
}
