package relay

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"
)

// conn is the server-side representative of one accepted client socket.
//
// The `active` flag is owned by the controlling goroutine: it is only
// touched from continuations. The reader and writer goroutines never
// read it; they report outcomes through the pump instead and let the
// roster decide.
type conn struct {
	id   uint64
	sock net.Conn
	srv  *Server

	logger *slog.Logger

	// pump-owned. Once false, no further read or write is issued and
	// the conn is eligible for removal from the roster.
	active bool

	// out is drained by the writer goroutine and closed by the
	// controlling goroutine when the conn goes inactive.
	out chan string
}

func newConn(id uint64, sock net.Conn, srv *Server) *conn {
	return &conn{
		id:   id,
		sock: sock,
		srv:  srv,
		logger: srv.logger.With(
			LabelConnID.L(id),
			LabelPeerAddr.L(sock.RemoteAddr().String()),
		),
		out: make(chan string, srv.config.sendBuffer),
	}
}

// readLoop blocks on the socket for full lines and posts each one to
// the controlling goroutine, one read in flight at a time, so a
// client's lines are handed off in the order they arrived. EOF, I/O
// faults, idle expiry and an oversized line all end the loop the same
// way: a single close continuation.
func (c *conn) readLoop() {
	defer c.srv.wg.Done()

	scanner := bufio.NewScanner(c.sock)
	// Scanner takes the larger of the cap and the initial buffer, so
	// the buffer must not exceed the configured cap.
	initial := 4096
	if c.srv.config.maxLineBytes < initial {
		initial = c.srv.config.maxLineBytes
	}
	scanner.Buffer(make([]byte, 0, initial), c.srv.config.maxLineBytes)

	for {
		if c.srv.config.idleTimeout > 0 {
			c.sock.SetReadDeadline(time.Now().Add(c.srv.config.idleTimeout))
		}
		if !scanner.Scan() {
			break
		}
		// ScanLines already trimmed the terminator, `\r` included.
		line := scanner.Text()
		c.srv.loop.post(func() error {
			return c.srv.handleLine(c, line)
		})
	}

	switch err := scanner.Err(); {
	case err == nil:
		c.logger.Debug("read loop ended", LabelReason.L("eof"))
	case errors.Is(err, bufio.ErrTooLong):
		c.logger.Warn("read loop ended", LabelError.L(ErrLineTooLong))
	case errors.Is(err, net.ErrClosed):
		c.logger.Debug("read loop ended", LabelReason.L("socket closed"))
	default:
		c.logger.Debug("read loop ended", LabelError.L(err))
	}

	c.srv.loop.post(func() error {
		return c.srv.handleClosed(c)
	})
}

// writeLoop drains the outbound queue. It exits when the controlling
// goroutine closes `out`; after the first write fault it keeps draining
// so enqueue never meets a stuck channel.
func (c *conn) writeLoop() {
	defer c.srv.wg.Done()

	var failed bool
	for line := range c.out {
		if failed {
			continue
		}
		if _, err := io.WriteString(c.sock, line+"\n"); err != nil {
			failed = true
			c.logger.Debug("write failed", LabelError.L(err))
			c.srv.loop.post(func() error {
				return c.srv.handleClosed(c)
			})
		}
	}
}

// enqueue queues one line for delivery. Controlling goroutine only.
// Calling it on an inactive conn is a no-op, not an error: a broadcast
// may race a disconnect and that must be safe. A full buffer drops the
// line for this recipient only.
func (c *conn) enqueue(line string) {
	if !c.active {
		return
	}
	select {
	case c.out <- line:
		c.srv.config.msink.IncrCounterWithLabels(
			MetricRelayMsgOutCount, 1.0, c.srv.config.metricLabels)
	default:
		c.srv.config.msink.IncrCounterWithLabels(
			MetricRelayMsgDroppedCount, 1.0, c.srv.config.metricLabels)
		c.logger.Debug("send buffer full, line dropped")
	}
}
