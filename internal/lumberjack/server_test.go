package lumberjack

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error"})
}

func startTestServer(t *testing.T, rateLimit int) *Server {
	t.Helper()
	cert, key := writeTestCert(t)
	srv, err := NewServer(ServerConfig{
		Host:      "127.0.0.1",
		Port:      0,
		SSLCert:   cert,
		SSLKey:    key,
		RateLimit: rateLimit,
	}, testLogger())
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	t.Cleanup(func() { srv.Close() })
	return srv
}

func serverPort(t *testing.T, srv *Server) int {
	t.Helper()
	addr, ok := srv.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}

func dialRaw(t *testing.T, srv *Server) *tls.Conn {
	t.Helper()
	conn, err := tls.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", serverPort(t, srv)),
		&tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func collectEvents(t *testing.T, srv *Server, n int) []*event.Event {
	t.Helper()
	var events []*event.Event
	deadline := time.After(5 * time.Second)
	for len(events) < n {
		select {
		case ev := <-srv.Events():
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out with %d of %d events", len(events), n)
		}
	}
	return events
}

func assertNoEvent(t *testing.T, srv *Server) {
	t.Helper()
	select {
	case ev := <-srv.Events():
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerDeliversAndAcks(t *testing.T) {
	srv := startTestServer(t, 0)
	conn := dialRaw(t, srv)

	var buf []byte
	buf = AppendWindow(buf, 1, 3)
	for seq := uint32(1); seq <= 3; seq++ {
		buf = AppendData(buf, seq, map[string]string{"line": fmt.Sprintf("L%d", seq)})
	}
	_, err := conn.Write(buf)
	require.NoError(t, err)

	events := collectEvents(t, srv, 3)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("L%d", i+1), ev.Line)
	}

	// ack arrives once window_size frames are in: A(3)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ack := make([]byte, 6)
	_, err = io.ReadFull(conn, ack)
	require.NoError(t, err)
	assert.Equal(t, []byte{'1', 'A', 0, 0, 0, 3}, ack)
}

func TestServerGapIsFatal(t *testing.T) {
	srv := startTestServer(t, 0)
	conn := dialRaw(t, srv)

	var buf []byte
	buf = AppendWindow(buf, 1, 100) // large window, no acks expected
	for _, seq := range []uint32{1, 2, 3, 5} {
		buf = AppendData(buf, seq, map[string]string{"line": fmt.Sprintf("L%d", seq)})
	}
	_, err := conn.Write(buf)
	require.NoError(t, err)

	events := collectEvents(t, srv, 3)
	assert.Equal(t, "L3", events[2].Line)
	assertNoEvent(t, srv)

	// the connection is closed on the gap
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestServerDropsDuplicates(t *testing.T) {
	srv := startTestServer(t, 0)
	conn := dialRaw(t, srv)

	var buf []byte
	buf = AppendWindow(buf, 1, 100)
	for _, seq := range []uint32{1, 2, 2, 3} {
		buf = AppendData(buf, seq, map[string]string{"line": fmt.Sprintf("L%d", seq)})
	}
	_, err := conn.Write(buf)
	require.NoError(t, err)

	events := collectEvents(t, srv, 3)
	assert.Equal(t, []string{"L1", "L2", "L3"},
		[]string{events[0].Line, events[1].Line, events[2].Line})
	assertNoEvent(t, srv)
}

func TestServerCompressedBatch(t *testing.T) {
	srv := startTestServer(t, 0)
	conn := dialRaw(t, srv)

	var body []byte
	body = AppendData(body, 1, map[string]string{"line": "C1"})
	body = AppendData(body, 2, map[string]string{"line": "C2"})

	buf := AppendWindow(nil, 1, 2)
	buf, err := AppendCompressed(buf, 1, body, WrapperZlib)
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	events := collectEvents(t, srv, 2)
	assert.Equal(t, "C1", events[0].Line)
	assert.Equal(t, "C2", events[1].Line)
}

func TestClientBatchSendAgainstServer(t *testing.T) {
	srv := startTestServer(t, 0)

	client, err := NewClient(ClientConfig{
		Hosts:      []string{"127.0.0.1"},
		Port:       serverPort(t, srv),
		WindowSize: 100,
		Persistent: true,
		Timeout:    5 * time.Second,
	}, testLogger())
	require.NoError(t, err)
	defer client.Close()

	batch := []*event.Event{
		event.New("h", "/f", "app", "E1"),
		event.New("h", "/f", "app", "E2"),
		event.New("h", "/f", "app", "E3"),
	}
	require.NoError(t, client.Send(batch))
	assert.Equal(t, uint32(3), client.Sequence())
	assert.Equal(t, uint32(3), client.LastAck())

	events := collectEvents(t, srv, 3)
	assert.Equal(t, "E1", events[0].Line)
	assert.Equal(t, "E3", events[2].Line)
	assert.Equal(t, "app", events[0].Type)
}

func TestClientCompressedBatch(t *testing.T) {
	srv := startTestServer(t, 0)

	client, err := NewClient(ClientConfig{
		Hosts:      []string{"127.0.0.1"},
		Port:       serverPort(t, srv),
		WindowSize: 100,
		Persistent: true,
		Compress:   true,
		Timeout:    5 * time.Second,
	}, testLogger())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send([]*event.Event{
		event.New("h", "/f", "app", "Z1"),
		event.New("h", "/f", "app", "Z2"),
	}))
	events := collectEvents(t, srv, 2)
	assert.Equal(t, "Z2", events[1].Line)
}

func TestClientSingleSendsBlockOnWindow(t *testing.T) {
	srv := startTestServer(t, 0)

	client, err := NewClient(ClientConfig{
		Hosts:      []string{"127.0.0.1"},
		Port:       serverPort(t, srv),
		WindowSize: 2,
		Persistent: true,
		Timeout:    5 * time.Second,
	}, testLogger())
	require.NoError(t, err)
	defer client.Close()

	// first send stays under the window, second exhausts it and blocks
	// for the server ack
	require.NoError(t, client.SendOne(event.New("h", "/f", "app", "S1")))
	assert.Equal(t, uint32(0), client.LastAck())
	require.NoError(t, client.SendOne(event.New("h", "/f", "app", "S2")))
	assert.Equal(t, uint32(2), client.LastAck())

	events := collectEvents(t, srv, 2)
	assert.Equal(t, "S1", events[0].Line)
}

func TestClientProtocolV2(t *testing.T) {
	srv := startTestServer(t, 0)

	client, err := NewClient(ClientConfig{
		Hosts:           []string{"127.0.0.1"},
		Port:            serverPort(t, srv),
		WindowSize:      100,
		Persistent:      true,
		ProtocolVersion: 2,
		Timeout:         5 * time.Second,
	}, testLogger())
	require.NoError(t, err)
	defer client.Close()

	ev := event.New("h", "/var/log/app.log", "app", "J1")
	ev.AddTags("prod")
	require.NoError(t, client.Send([]*event.Event{ev, event.New("h", "/f", "app", "J2")}))

	events := collectEvents(t, srv, 2)
	assert.Equal(t, "J1", events[0].Line)
	assert.Equal(t, []string{"prod"}, events[0].Tags)
	assert.Equal(t, "file://h/var/log/app.log", events[0].Source)
}

func TestClientConnectFailure(t *testing.T) {
	client, err := NewClient(ClientConfig{
		Hosts:          []string{"127.0.0.1"},
		Port:           1, // nothing listens here
		ConnectTimeout: 200 * time.Millisecond,
		Timeout:        200 * time.Millisecond,
	}, testLogger())
	require.NoError(t, err)

	err = client.Send([]*event.Event{event.New("h", "/f", "app", "x")})
	assert.Error(t, err)
}
