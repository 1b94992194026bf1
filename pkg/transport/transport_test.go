package transport_test

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gulars/tcplink/pkg/packet"
	"github.com/gulars/tcplink/pkg/transport"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func startTestServer(t *testing.T, h transport.ServerHandlers) *transport.Server {
	t.Helper()
	srv := transport.NewServer(transport.ServerConfig{
		Address: "127.0.0.1:0",
		Logger:  newTestLogger(),
	})
	srv.SetHandlers(h)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("server Start failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

// --- Server Tests ---

func TestServerReceivesFramedMessages(t *testing.T) {
	received := make(chan string, 4)
	srv := startTestServer(t, transport.ServerHandlers{
		OnReceive: func(conn *transport.Connection, raw []byte, p packet.Packet) {
			received <- string(raw)
		},
	})

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Delimiter split across two writes must still yield whole messages.
	if _, err := conn.Write([]byte("first\r")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := conn.Write([]byte("\nsecond\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if got := waitFor(t, received, "first message"); got != "first" {
		t.Errorf("first message = %q, want %q", got, "first")
	}
	if got := waitFor(t, received, "second message"); got != "second" {
		t.Errorf("second message = %q, want %q", got, "second")
	}
}

func TestServerDecodesPacketsAndFallsBack(t *testing.T) {
	packets := make(chan packet.Packet, 2)
	srv := startTestServer(t, transport.ServerHandlers{
		OnReceive: func(conn *transport.Connection, raw []byte, p packet.Packet) {
			packets <- p
		},
	})

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte(`{"action":2,"data":"structured","timestamp":"2024-01-02T03:04:05Z"}` + "\r\n"))
	conn.Write([]byte("plain text\r\n"))

	p := waitFor(t, packets, "structured packet")
	if p.Action != packet.ActionSentToClient || p.Data != "structured" {
		t.Errorf("structured packet = %+v", p)
	}

	p = waitFor(t, packets, "fallback packet")
	if p.Action != packet.ActionSentToServer || p.Data != "plain text" {
		t.Errorf("fallback packet = %+v", p)
	}
}

func TestServerSendAndDisconnect(t *testing.T) {
	connected := make(chan *transport.Connection, 1)
	disconnected := make(chan *transport.Connection, 2)
	srv := startTestServer(t, transport.ServerHandlers{
		OnConnected:    func(c *transport.Connection) { connected <- c },
		OnDisconnected: func(c *transport.Connection) { disconnected <- c },
	})

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	sc := waitFor(t, connected, "server-side connection")
	if err := srv.SendRaw(context.Background(), sc, "hello"); err != nil {
		t.Fatalf("SendRaw failed: %v", err)
	}

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if got := string(buf[:n]); got != "hello\r\n" {
		t.Errorf("client read %q, want %q", got, "hello\r\n")
	}

	// Repeated disconnects collapse to one teardown and one event.
	if !srv.DisconnectClient(sc) {
		t.Error("first DisconnectClient reported no teardown")
	}
	if srv.DisconnectClient(sc) {
		t.Error("second DisconnectClient reported a teardown")
	}
	waitFor(t, disconnected, "disconnect event")
	select {
	case <-disconnected:
		t.Error("OnDisconnected fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
	if got := srv.ConnectionCount(); got != 0 {
		t.Errorf("ConnectionCount = %d after disconnect, want 0", got)
	}
}

func TestServerRejectsBeyondMaxConnections(t *testing.T) {
	srv := transport.NewServer(transport.ServerConfig{
		Address:        "127.0.0.1:0",
		MaxConnections: 1,
		Logger:         newTestLogger(),
	})
	connected := make(chan struct{}, 2)
	srv.SetHandlers(transport.ServerHandlers{
		OnConnected: func(c *transport.Connection) { connected <- struct{}{} },
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("server Start failed: %v", err)
	}
	defer srv.Stop()

	first, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer first.Close()
	waitFor(t, connected, "first connection")

	second, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer second.Close()

	// The over-limit socket is closed without an OnConnected event.
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Error("over-limit connection was not closed")
	}
	select {
	case <-connected:
		t.Error("OnConnected fired for a rejected connection")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerRestart(t *testing.T) {
	srv := startTestServer(t, transport.ServerHandlers{})
	if err := srv.Start(context.Background()); err != transport.ErrServerAlreadyStarted {
		t.Errorf("second Start error = %v, want ErrServerAlreadyStarted", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := srv.Stop(); err != transport.ErrServerNotStarted {
		t.Errorf("second Stop error = %v, want ErrServerNotStarted", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
}

// --- Client Tests ---

func TestClientConnectSendsToken(t *testing.T) {
	received := make(chan string, 1)
	srv := startTestServer(t, transport.ServerHandlers{
		OnReceive: func(conn *transport.Connection, raw []byte, p packet.Packet) {
			received <- string(raw)
		},
	})

	client := transport.NewClient(transport.ClientConfig{
		Address: srv.Addr(),
		Token:   "oauth:secret-token",
		Logger:  newTestLogger(),
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect(context.Background())

	if got := waitFor(t, received, "token message"); got != "oauth:secret-token" {
		t.Errorf("server received %q, want the token", got)
	}
}

func TestClientAutoPong(t *testing.T) {
	connected := make(chan *transport.Connection, 1)
	received := make(chan string, 1)
	srv := startTestServer(t, transport.ServerHandlers{
		OnConnected: func(c *transport.Connection) { connected <- c },
		OnReceive: func(conn *transport.Connection, raw []byte, p packet.Packet) {
			received <- string(raw)
		},
	})

	appMsgs := make(chan string, 1)
	client := transport.NewClient(transport.ClientConfig{
		Address:     srv.Addr(),
		UsePingPong: true,
		Logger:      newTestLogger(),
	})
	client.SetHandlers(transport.ClientHandlers{
		OnReceive: func(conn *transport.Connection, raw []byte, p packet.Packet) {
			appMsgs <- string(raw)
		},
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect(context.Background())

	sc := waitFor(t, connected, "server-side connection")
	if err := srv.SendRaw(context.Background(), sc, "ping"); err != nil {
		t.Fatalf("SendRaw failed: %v", err)
	}

	// The client answers with pong and never surfaces the ping.
	if got := waitFor(t, received, "pong"); !strings.EqualFold(got, "pong") {
		t.Errorf("server received %q, want pong", got)
	}
	select {
	case msg := <-appMsgs:
		t.Errorf("ping surfaced to the application as %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientDisconnectSentinel(t *testing.T) {
	connected := make(chan *transport.Connection, 1)
	received := make(chan []byte, 1)
	srv := startTestServer(t, transport.ServerHandlers{
		OnConnected: func(c *transport.Connection) { connected <- c },
		OnReceive: func(conn *transport.Connection, raw []byte, p packet.Packet) {
			received <- append([]byte(nil), raw...)
		},
	})

	client := transport.NewClient(transport.ClientConfig{
		Address:               srv.Addr(),
		UseDisconnectSentinel: true,
		Logger:                newTestLogger(),
	})
	disconnected := make(chan struct{}, 2)
	client.SetHandlers(transport.ClientHandlers{
		OnDisconnected: func(conn *transport.Connection) { disconnected <- struct{}{} },
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, connected, "server-side connection")

	if err := client.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	waitFor(t, disconnected, "disconnect event")

	// The sentinel byte reaches the peer before the socket closes.
	raw := waitFor(t, received, "sentinel message")
	if len(raw) != 1 || raw[0] != 0x03 {
		t.Errorf("server received % x, want the 0x03 sentinel", raw)
	}

	if client.IsConnected() {
		t.Error("IsConnected = true after Disconnect")
	}
	if err := client.Send(context.Background(), "late"); err != transport.ErrNotConnected {
		t.Errorf("Send after disconnect error = %v, want ErrNotConnected", err)
	}
}

func TestClientRemoteSentinelTeardown(t *testing.T) {
	connected := make(chan *transport.Connection, 1)
	srv := startTestServer(t, transport.ServerHandlers{
		OnConnected: func(c *transport.Connection) { connected <- c },
	})

	client := transport.NewClient(transport.ClientConfig{
		Address:               srv.Addr(),
		UseDisconnectSentinel: true,
		Logger:                newTestLogger(),
	})
	disconnected := make(chan struct{}, 1)
	appMsgs := make(chan string, 1)
	client.SetHandlers(transport.ClientHandlers{
		OnDisconnected: func(conn *transport.Connection) { disconnected <- struct{}{} },
		OnReceive: func(conn *transport.Connection, raw []byte, p packet.Packet) {
			appMsgs <- string(raw)
		},
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sc := waitFor(t, connected, "server-side connection")
	if err := srv.SendRaw(context.Background(), sc, "\x03"); err != nil {
		t.Fatalf("SendRaw failed: %v", err)
	}

	// Incoming sentinel is a clean teardown, never an application message.
	waitFor(t, disconnected, "disconnect event")
	select {
	case msg := <-appMsgs:
		t.Errorf("sentinel surfaced to the application as %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientEmptySendsAreNoOps(t *testing.T) {
	srv := startTestServer(t, transport.ServerHandlers{})
	client := transport.NewClient(transport.ClientConfig{
		Address: srv.Addr(),
		Logger:  newTestLogger(),
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect(context.Background())

	if err := client.Send(context.Background(), "   "); err != nil {
		t.Errorf("whitespace Send error = %v, want nil", err)
	}
	if err := client.SendBytes(context.Background(), []byte{0, 0, 0}); err != nil {
		t.Errorf("all-zero SendBytes error = %v, want nil", err)
	}
}
