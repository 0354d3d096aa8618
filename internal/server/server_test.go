package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/dmtp/internal/handler"
	"nuha.dev/dmtp/internal/nak"
	"nuha.dev/dmtp/internal/packet"
)

type scriptHandler struct {
	handler.Session
	mu         sync.Mutex
	handle     func(pkt []byte) ([]byte, error)
	length     func(seen []byte) int
	packets    [][]byte
	term       bool
	terminated int
	termErr    error
	in, out    int64
}

func (h *scriptHandler) ActualPacketLength(seen []byte) int {
	if h.length != nil {
		return h.length(seen)
	}
	if h.IsTextPackets() {
		return handler.LineTerminated
	}
	if len(seen) < packet.HeaderLength {
		return packet.HeaderLength
	}
	return packet.HeaderLength + int(seen[2])
}

func (h *scriptHandler) HandlePacket(pkt []byte) ([]byte, error) {
	h.mu.Lock()
	h.packets = append(h.packets, append([]byte(nil), pkt...))
	h.mu.Unlock()
	if h.handle == nil {
		return nil, nil
	}
	return h.handle(pkt)
}

func (h *scriptHandler) TerminateSession() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.term
}

func (h *scriptHandler) SessionTerminated(err error, in, out int64) {
	h.mu.Lock()
	h.terminated++
	h.termErr = err
	h.in, h.out = in, out
	h.mu.Unlock()
}

func (h *scriptHandler) DeviceKey() string {
	return "acme/truck"
}

func testConfig() *ServerConfig {
	c := DefaultConfig()
	c.FirstByteTimeout = time.Second
	c.IdleTimeout = 5 * time.Second
	return c
}

// start runs one session over a pipe and returns the client end and a channel closed when
// the session ends.
func start(t *testing.T, cfg *ServerConfig, h *scriptHandler) (*Server, net.Conn, chan struct{}) {
	t.Helper()
	s := NewServer(cfg, func() handler.PacketHandler { return h })
	client, srv := net.Pipe()
	done := make(chan struct{})
	go func() {
		s.ServeConn(srv, true)
		close(done)
	}()
	t.Cleanup(func() { client.Close() })
	return s, client, done
}

func wait(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestBinarySession(t *testing.T) {
	h := &scriptHandler{}
	h.handle = func(pkt []byte) ([]byte, error) {
		switch pkt[1] {
		case 0x01:
			return []byte("ok"), nil
		case 0x02:
			return nil, &packet.ParseError{Code: nak.PacketPayload, Type: pkt[1], Msg: "bad"}
		}
		h.mu.Lock()
		h.term = true
		h.mu.Unlock()
		return []byte("bye"), nil
	}
	_, client, done := start(t, testConfig(), h)

	_, err := client.Write([]byte{0xE0, 0x01, 0x02, 0xAA, 0xBB})
	require.NoError(t, err)
	resp := make([]byte, 2)
	_, err = io.ReadFull(client, resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp))

	_, err = client.Write([]byte{0xE0, 0x02, 0x00})
	require.NoError(t, err)
	_, err = client.Write([]byte{0xE0, 0x03, 0x00})
	require.NoError(t, err)
	resp = make([]byte, 3)
	_, err = io.ReadFull(client, resp)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(resp))

	wait(t, done)
	_, err = client.Read(resp)
	assert.Error(t, err)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 1, h.terminated)
	assert.NoError(t, h.termErr)
	assert.Equal(t, [][]byte{{0xE0, 0x01, 0x02, 0xAA, 0xBB}, {0xE0, 0x02, 0x00}, {0xE0, 0x03, 0x00}}, h.packets)
	assert.Equal(t, int64(11), h.in)
	assert.Equal(t, int64(5), h.out)
}

func TestCloseBeforeFirstPacket(t *testing.T) {
	h := &scriptHandler{}
	_, client, done := start(t, testConfig(), h)
	client.Close()
	wait(t, done)

	assert.Equal(t, 1, h.terminated)
	assert.NoError(t, h.termErr)
	assert.Empty(t, h.packets)
}

func TestTruncatedPacket(t *testing.T) {
	h := &scriptHandler{}
	_, client, done := start(t, testConfig(), h)
	_, err := client.Write([]byte{0xE0, 0x01, 0x05, 0x01})
	require.NoError(t, err)
	client.Close()
	wait(t, done)

	assert.Equal(t, 1, h.terminated)
	assert.ErrorIs(t, h.termErr, io.ErrUnexpectedEOF)
}

func TestHandlerErrorEndsSession(t *testing.T) {
	boom := errors.New("boom")
	h := &scriptHandler{handle: func(pkt []byte) ([]byte, error) { return nil, boom }}
	_, client, done := start(t, testConfig(), h)
	_, err := client.Write([]byte{0xE0, 0x01, 0x00})
	require.NoError(t, err)
	wait(t, done)

	assert.Equal(t, 1, h.terminated)
	assert.ErrorIs(t, h.termErr, boom)
}

func TestHandlerPanicEndsSession(t *testing.T) {
	h := &scriptHandler{handle: func(pkt []byte) ([]byte, error) { panic("kaboom") }}
	_, client, done := start(t, testConfig(), h)
	_, err := client.Write([]byte{0xE0, 0x01, 0x00})
	require.NoError(t, err)
	wait(t, done)

	assert.Equal(t, 1, h.terminated)
	require.Error(t, h.termErr)
	assert.Contains(t, h.termErr.Error(), "kaboom")
}

type panicStart struct {
	*scriptHandler
}

func (h panicStart) SessionStarted(addr net.Addr, isStream bool, isText bool) {
	panic("start failed")
}

func TestSessionStartedPanic(t *testing.T) {
	h := &scriptHandler{}
	s := NewServer(testConfig(), func() handler.PacketHandler { return panicStart{h} })
	client, srv := net.Pipe()
	defer client.Close()
	done := make(chan struct{})
	go func() {
		s.ServeConn(srv, true)
		close(done)
	}()
	_, err := client.Write([]byte{0xE0, 0x01, 0x00})
	require.NoError(t, err)
	wait(t, done)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 1, h.terminated)
	require.Error(t, h.termErr)
	assert.Contains(t, h.termErr.Error(), "start failed")
	assert.Empty(t, h.packets)
	assert.Empty(t, s.Sessions())
}

func TestPacketTooLong(t *testing.T) {
	h := &scriptHandler{length: func(seen []byte) int { return 5000 }}
	_, client, done := start(t, testConfig(), h)
	_, err := client.Write([]byte{0xE0})
	require.NoError(t, err)
	wait(t, done)

	assert.Equal(t, 1, h.terminated)
	assert.ErrorIs(t, h.termErr, ErrPacketTooLong)
}

func TestTextSession(t *testing.T) {
	h := &scriptHandler{}
	h.handle = func(pkt []byte) ([]byte, error) {
		h.mu.Lock()
		h.term = true
		h.mu.Unlock()
		return []byte("$E0A0*40\r"), nil
	}
	_, client, done := start(t, testConfig(), h)
	_, err := client.Write([]byte("$E001:AABB\r"))
	require.NoError(t, err)
	resp := make([]byte, 9)
	_, err = io.ReadFull(client, resp)
	require.NoError(t, err)
	wait(t, done)

	assert.True(t, h.IsTextPackets())
	assert.True(t, h.IsStream())
	require.Len(t, h.packets, 1)
	assert.Equal(t, "$E001:AABB", string(bytes.TrimRight(h.packets[0], "\r\n")))
	assert.Equal(t, 1, h.terminated)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.PacketRate = 0.001
	cfg.PacketBurst = 1
	h := &scriptHandler{}
	_, client, done := start(t, cfg, h)
	_, err := client.Write([]byte{0xE0, 0x01, 0x00})
	require.NoError(t, err)
	_, err = client.Write([]byte{0xE0, 0x01, 0x00})
	require.NoError(t, err)
	wait(t, done)

	assert.Len(t, h.packets, 1)
	assert.ErrorIs(t, h.termErr, ErrRateExceeded)
}

func TestSessionsSnapshot(t *testing.T) {
	h := &scriptHandler{}
	s, client, done := start(t, testConfig(), h)
	_, err := client.Write([]byte{0xE0, 0x01, 0x00})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(s.Sessions()) == 1 }, time.Second, 10*time.Millisecond)
	info := s.Sessions()[0]
	assert.Equal(t, uint64(1), info.Cid)
	assert.Equal(t, "acme/truck", info.Device)
	assert.True(t, info.Stream)
	assert.False(t, info.Text)

	client.Close()
	wait(t, done)
	assert.Empty(t, s.Sessions())
}

func TestServeListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h := &scriptHandler{handle: func(pkt []byte) ([]byte, error) { return []byte{0xFF}, nil }}
	s := NewServer(testConfig(), func() handler.PacketHandler { return h })
	go s.Serve(ln)

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte{0xE0, 0x01, 0x00})
	require.NoError(t, err)
	resp := make([]byte, 1)
	_, err = io.ReadFull(c, resp)
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), resp[0])

	s.shutdown()
	s.wg.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 1, h.terminated)
}

func TestServePacket(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	handlers := make(chan *scriptHandler, 2)
	s := NewServer(testConfig(), func() handler.PacketHandler {
		h := &scriptHandler{handle: func(pkt []byte) ([]byte, error) { return []byte{0xA0, pkt[1]}, nil }}
		handlers <- h
		return h
	})
	go s.ServePacket(pc)
	defer pc.Close()

	c, err := net.Dial("udp", pc.LocalAddr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte{0xE0, 0x01, 0x00, 0xE0, 0x02, 0x00})
	require.NoError(t, err)

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := make([]byte, 16)
	n, err := c.Read(resp)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA0, 0x01}, resp[:n])
	n, err = c.Read(resp)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA0, 0x02}, resp[:n])

	h := <-handlers
	assert.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.terminated == 1
	}, time.Second, 10*time.Millisecond)
	assert.False(t, h.IsStream())
}

func TestReadAddrLine(t *testing.T) {
	r := bytes.NewReader([]byte("10.1.2.3:4000\n\xE0\x01\x00"))
	addr, err := readAddrLine(r)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3:4000", addr)
	assert.Equal(t, 3, r.Len())

	a := resolveTunnelAddr(addr)
	assert.Equal(t, "tcp", a.Network())
	assert.Equal(t, "unknown", resolveTunnelAddr("unknown").String())

	_, err = readAddrLine(bytes.NewReader([]byte("no newline")))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	c := DefaultConfig()
	c.TCPAddr = ""
	assert.Error(t, c.Validate())
	c.UDPAddr = ":31000"
	assert.NoError(t, c.Validate())

	c = DefaultConfig()
	c.TunnelAddr = "relay:5556"
	assert.Error(t, c.Validate())
	c.TunnelToken = "secret"
	assert.NoError(t, c.Validate())

	c = DefaultConfig()
	c.MaxLineLength = 2
	assert.Error(t, c.Validate())
}
