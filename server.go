package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Server owns the listening socket and the roster of live connections.
//
// The roster map and the lifetime counters are touched exclusively from
// continuations running on the pump, never from an I/O goroutine; that
// single-writer discipline is what keeps them lock-free.
type Server struct {
	config config
	logger *slog.Logger

	loop  *pump
	bcast *broadcaster

	// guards the started/stopped transitions only.
	lk       sync.Mutex
	started  bool
	stopped  bool
	listener net.Listener

	// pump-owned roster state.
	conns  map[uint64]*conn
	closed int

	// accept-loop owned; identifiers are never reused.
	nextID uint64

	stopCh   chan struct{}
	acceptWg sync.WaitGroup
	wg       sync.WaitGroup
}

// New builds a Server from the given options. Nothing is bound until
// `Start`.
func New(opts ...Option) (*Server, error) {
	srv := &Server{
		conns:  make(map[uint64]*conn),
		stopCh: make(chan struct{}),
	}

	srv.config = config{
		bindAddr:     DefaultBindAddr,
		bindPort:     DefaultBindPort,
		maxLineBytes: DefaultMaxLineBytes,
		sendBuffer:   DefaultSendBuffer,
		observer:     nopObserver{},
	}

	for _, opt := range opts {
		if err := opt(&srv.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if srv.config.logHandler != nil {
		srv.logger = slog.New(srv.config.logHandler)
	} else {
		srv.logger = slog.Default()
	}

	// Metrics implementations.
	if srv.config.msink == nil {
		srv.config.msink = metrics.Default()
	}

	srv.loop = newPump(srv.logger, srv.config.msink, srv.config.metricLabels)
	srv.bcast = &broadcaster{includeSender: srv.config.includeSender}
	return srv, nil
}

// Start binds the listener and begins accepting clients; it does not
// block. It fails with `ErrBind` if the address is unavailable, with
// `ErrAlreadyStarted` on a second call and with `ErrServerClosed` once
// the server has been stopped.
func (s *Server) Start() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.stopped {
		return ErrServerClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}

	addr := net.JoinHostPort(s.config.bindAddr, strconv.Itoa(s.config.bindPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBind, err)
	}
	s.listener = ln
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop.run()
	}()

	s.acceptWg.Add(1)
	go s.acceptLoop()

	s.logger.Info("relay listening", "addr", ln.Addr().String())
	return nil
}

// Addr reports the bound listener address; nil before Start.
func (s *Server) Addr() net.Addr {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.acceptWg.Done()
	for {
		sock, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Error("accept failed", LabelError.L(err))
				}
			}
			return
		}

		select {
		case <-s.stopCh:
			sock.Close()
			return
		default:
		}

		s.nextID++
		c := newConn(s.nextID, sock, s)
		s.loop.post(func() error {
			s.register(c)
			return nil
		})
	}
}

// register runs on the controlling goroutine: inserting the conn into
// the roster and starting its I/O loops is one atomic step from the
// perspective of all other scheduled work.
func (s *Server) register(c *conn) {
	c.active = true
	s.conns[c.id] = c

	s.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	s.config.msink.IncrCounterWithLabels(
		MetricRelayConnAcceptedCount, 1.0, s.config.metricLabels)
	s.config.msink.SetGaugeWithLabels(
		MetricRelayConnActive, float32(len(s.conns)), s.config.metricLabels)
	s.config.observer.ClientConnected(c.id)
	c.logger.Info("client connected")
}

// handleLine runs on the controlling goroutine for every inbound line.
// The whole fan-out for the line is issued here, before the next queued
// continuation runs, so two broadcasts never interleave.
func (s *Server) handleLine(c *conn, line string) error {
	if !c.active {
		// The conn lost its socket between the read and this
		// continuation; its lines no longer fan out.
		return nil
	}

	s.config.msink.IncrCounterWithLabels(
		MetricRelayMsgInCount, 1.0, s.config.metricLabels)
	s.config.observer.MessageReceived(c.id, line)

	recipients := make([]*conn, 0, len(s.conns))
	for _, rc := range s.conns {
		recipients = append(recipients, rc)
	}
	s.bcast.dispatch(c, line, recipients)
	return nil
}

// handleClosed is the single disconnect funnel: read faults, write
// faults, EOF and idle expiry all land here. The active check makes the
// disconnect fire at most once however many paths detected it.
func (s *Server) handleClosed(c *conn) error {
	if !c.active {
		return nil
	}
	s.drop(c, "io")
	return nil
}

// drop removes a conn from the roster and releases its socket.
// Controlling goroutine only; callers must have checked `active`.
func (s *Server) drop(c *conn, reason string) {
	c.active = false
	close(c.out)
	c.sock.Close()
	delete(s.conns, c.id)
	s.closed++

	s.config.msink.IncrCounterWithLabels(
		MetricRelayConnClosedCount, 1.0, s.config.metricLabels)
	s.config.msink.SetGaugeWithLabels(
		MetricRelayConnActive, float32(len(s.conns)), s.config.metricLabels)
	s.config.observer.ClientDisconnected(c.id)
	c.logger.Info("client disconnected", LabelReason.L(reason))
}

// Stop shuts the relay down immediately: the accept loop ends, every
// live socket is closed without draining pending output, and the pump
// is cancelled once the final disconnects have been queued. Idempotent;
// it returns only when all goroutines have exited.
func (s *Server) Stop() error {
	s.lk.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.lk.Unlock()
		return nil
	}
	s.stopped = true
	s.lk.Unlock()

	start := time.Now()
	s.logger.Info("shutting down...")

	close(s.stopCh)
	s.listener.Close()
	s.acceptWg.Wait()

	// Every registration has been queued by now, so this continuation
	// runs after all of them.
	s.loop.post(func() error {
		for _, c := range s.conns {
			if c.active {
				s.drop(c, "server stopping")
			}
		}
		return nil
	})
	s.loop.cancel()
	s.wg.Wait()

	s.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}

// ActiveConnections reports the current roster size. The count is
// answered by the control loop itself, so it is exact with respect to
// all scheduled work.
func (s *Server) ActiveConnections() int {
	var n int
	s.query(func() { n = len(s.conns) })
	return n
}

// ClosedConnections reports how many clients have disconnected over
// the server's lifetime.
func (s *Server) ClosedConnections() int {
	var n int
	s.query(func() { n = s.closed })
	return n
}

// ConnIDs reports the identifiers currently in the roster, sorted.
func (s *Server) ConnIDs() []uint64 {
	var ids []uint64
	s.query(func() { ids = slices.Sorted(maps.Keys(s.conns)) })
	return ids
}

// query routes a read through the control loop so it never observes a
// half-applied mutation. It reports false when the loop is not running
// and the read did not happen.
func (s *Server) query(read func()) bool {
	s.lk.Lock()
	started := s.started
	s.lk.Unlock()
	if !started {
		return false
	}

	done := make(chan struct{})
	s.loop.post(func() error {
		read()
		close(done)
		return nil
	})

	select {
	case <-done:
		return true
	case <-s.loop.done:
		// The loop may have run the read on its way out.
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}
