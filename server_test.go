package relay

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(t.Name())},
	})

	base := []Option{
		WithListenOn("127.0.0.1", 0),
		WithLog(handler),
		WithMetricSink(&metrics.BlackholeSink{}),
	}
	srv, err := New(append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

type testClient struct {
	t    *testing.T
	sock net.Conn
	rd   *bufio.Reader
}

func dialRelay(t *testing.T, srv *Server) *testClient {
	t.Helper()
	sock, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	return &testClient{t: t, sock: sock, rd: bufio.NewReader(sock)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := io.WriteString(c.sock, line+"\n")
	require.NoError(c.t, err)
}

// recv reads one full line, waiting up to two seconds for it.
func (c *testClient) recv() string {
	c.t.Helper()
	line, err := c.readLine(2 * time.Second)
	require.NoError(c.t, err)
	return line
}

// recvNothing asserts no line shows up within a short window.
func (c *testClient) recvNothing() {
	c.t.Helper()
	_, err := c.readLine(250 * time.Millisecond)
	require.Error(c.t, err, "expected no traffic on this client")
	var nerr net.Error
	require.ErrorAs(c.t, err, &nerr)
	require.True(c.t, nerr.Timeout())
}

func (c *testClient) readLine(window time.Duration) (string, error) {
	c.sock.SetReadDeadline(time.Now().Add(window))
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func waitActive(t *testing.T, srv *Server, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return srv.ActiveConnections() == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayEndToEnd(t *testing.T) {
	srv := testServer(t)

	a := dialRelay(t, srv)
	b := dialRelay(t, srv)
	c := dialRelay(t, srv)
	waitActive(t, srv, 3)

	a.send("hello")
	require.Equal(t, "hello", b.recv())
	require.Equal(t, "hello", c.recv())
	a.recvNothing()

	b.sock.Close()
	waitActive(t, srv, 2)

	a.send("world")
	require.Equal(t, "world", c.recv())
	a.recvNothing()
}

func TestRelayIncludeSender(t *testing.T) {
	srv := testServer(t, WithIncludeSender(true))

	a := dialRelay(t, srv)
	b := dialRelay(t, srv)
	waitActive(t, srv, 2)

	a.send("echo")
	require.Equal(t, "echo", a.recv())
	require.Equal(t, "echo", b.recv())
}

func TestRelayOrderPerSender(t *testing.T) {
	srv := testServer(t)

	a := dialRelay(t, srv)
	b := dialRelay(t, srv)
	waitActive(t, srv, 2)

	const n = 50
	for i := 0; i < n; i++ {
		a.send(fmt.Sprintf("m%d", i))
	}
	for i := 0; i < n; i++ {
		require.Equal(t, fmt.Sprintf("m%d", i), b.recv())
	}
}

func TestRelayPartialFailureIsolation(t *testing.T) {
	srv := testServer(t)

	a := dialRelay(t, srv)
	b := dialRelay(t, srv)
	c := dialRelay(t, srv)
	d := dialRelay(t, srv)
	waitActive(t, srv, 4)

	// Break b abruptly; whether or not the roster noticed yet, the
	// fan-out of a's line must still reach c and d.
	b.sock.Close()

	a.send("still here")
	require.Equal(t, "still here", c.recv())
	require.Equal(t, "still here", d.recv())
}

func TestRelayEmptyAndCRLFLines(t *testing.T) {
	srv := testServer(t)

	a := dialRelay(t, srv)
	b := dialRelay(t, srv)
	waitActive(t, srv, 2)

	a.send("")
	require.Equal(t, "", b.recv())

	_, err := io.WriteString(a.sock, "crlf line\r\n")
	require.NoError(t, err)
	require.Equal(t, "crlf line", b.recv())
}

func TestRosterAccuracy(t *testing.T) {
	srv := testServer(t)

	clients := make([]*testClient, 0, 5)
	for i := 0; i < 5; i++ {
		clients = append(clients, dialRelay(t, srv))
		waitActive(t, srv, i+1)
	}
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, srv.ConnIDs())

	clients[1].sock.Close()
	clients[3].sock.Close()
	waitActive(t, srv, 3)
	require.Equal(t, 2, srv.ClosedConnections())
	require.Len(t, srv.ConnIDs(), 3)

	// Identifiers are never reused after a disconnect.
	dialRelay(t, srv)
	require.Eventually(t, func() bool {
		ids := srv.ConnIDs()
		return len(ids) == 4 && ids[len(ids)-1] == 6
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdleTimeout(t *testing.T) {
	srv := testServer(t, WithIdleTimeout(150*time.Millisecond))

	a := dialRelay(t, srv)
	waitActive(t, srv, 1)

	// Never send anything; the roster must prune the silent client.
	waitActive(t, srv, 0)

	_, err := a.readLine(time.Second)
	require.Error(t, err)
}

func TestMaxLineBytes(t *testing.T) {
	srv := testServer(t, WithMaxLineBytes(16))

	a := dialRelay(t, srv)
	b := dialRelay(t, srv)
	waitActive(t, srv, 2)

	a.send(strings.Repeat("x", 100))
	waitActive(t, srv, 1)

	// The well-behaved client is unaffected.
	b.send("short")
	require.Equal(t, 1, srv.ActiveConnections())
}

func TestStartStopErrors(t *testing.T) {
	srv := testServer(t)
	require.ErrorIs(t, srv.Start(), ErrAlreadyStarted)

	// Same port again must surface a bind error.
	port := srv.Addr().(*net.TCPAddr).Port
	dup, err := New(WithListenOn("127.0.0.1", port))
	require.NoError(t, err)
	require.ErrorIs(t, dup.Start(), ErrBind)

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
	require.ErrorIs(t, srv.Start(), ErrServerClosed)
}

func TestInvalidOptions(t *testing.T) {
	for name, opt := range map[string]Option{
		"port out of range":     WithListenOn("127.0.0.1", 70000),
		"negative idle timeout": WithIdleTimeout(-time.Second),
		"zero max line bytes":   WithMaxLineBytes(0),
		"zero send buffer":      WithSendBuffer(0),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(opt)
			require.ErrorIs(t, err, ErrInvalidCfg)
		})
	}
}

func TestQueriesBeforeStart(t *testing.T) {
	srv, err := New(WithListenOn("127.0.0.1", 0))
	require.NoError(t, err)
	require.Equal(t, 0, srv.ActiveConnections())
	require.Nil(t, srv.ConnIDs())
	require.Nil(t, srv.Addr())
}

// recordingObserver collects notifications for assertions. The relay
// invokes it from the controlling goroutine; the mutex only syncs the
// test's reads.
type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) ClientConnected(id uint64) {
	o.record(fmt.Sprintf("connect:%d", id))
}

func (o *recordingObserver) ClientDisconnected(id uint64) {
	o.record(fmt.Sprintf("disconnect:%d", id))
}

func (o *recordingObserver) MessageReceived(id uint64, line string) {
	o.record(fmt.Sprintf("message:%d:%s", id, line))
}

func (o *recordingObserver) record(ev string) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) count(ev string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int
	for _, got := range o.events {
		if got == ev {
			n++
		}
	}
	return n
}

func TestObserverNotifications(t *testing.T) {
	obs := &recordingObserver{}
	srv := testServer(t, WithObserver(obs))

	a := dialRelay(t, srv)
	waitActive(t, srv, 1)
	require.Equal(t, 1, obs.count("connect:1"))

	a.send("hi")
	require.Eventually(t, func() bool {
		return obs.count("message:1:hi") == 1
	}, 2*time.Second, 10*time.Millisecond)

	a.sock.Close()
	waitActive(t, srv, 0)
	require.Equal(t, 1, obs.count("disconnect:1"))
}

func TestDisconnectFiresAtMostOnce(t *testing.T) {
	obs := &recordingObserver{}
	srv := testServer(t, WithObserver(obs))

	a := dialRelay(t, srv)
	b := dialRelay(t, srv)
	waitActive(t, srv, 2)

	// Keep b's write path busy while its socket dies, so the read and
	// write paths race to report the same closure.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			// Errors are irrelevant here, the traffic only exists to
			// exercise b's write path while it dies.
			io.WriteString(a.sock, fmt.Sprintf("spam %d\n", i))
			time.Sleep(time.Millisecond)
		}
	}()

	b.sock.Close()
	waitActive(t, srv, 1)
	close(stop)
	wg.Wait()

	require.Equal(t, 1, obs.count("disconnect:2"))

	// Stopping the server must not re-report b either.
	srv.Stop()
	require.Equal(t, 1, obs.count("disconnect:2"))
	require.Equal(t, 1, obs.count("disconnect:1"))
}

func TestMetricsEmitted(t *testing.T) {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	srv := testServer(t, WithMetricSink(sink))

	a := dialRelay(t, srv)
	b := dialRelay(t, srv)
	waitActive(t, srv, 2)

	a.send("ping")
	require.Equal(t, "ping", b.recv())

	hasCounter := func(part string) bool {
		for _, interval := range sink.Data() {
			for key := range interval.Counters {
				if strings.Contains(key, part) {
					return true
				}
			}
		}
		return false
	}
	require.Eventually(t, func() bool {
		return hasCounter("relay.connection.accepted") &&
			hasCounter("relay.message.in") &&
			hasCounter("relay.message.out")
	}, 2*time.Second, 10*time.Millisecond)
}
