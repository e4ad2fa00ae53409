package relay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	DefaultBindAddr     = "0.0.0.0"
	DefaultBindPort     = 9001
	DefaultMaxLineBytes = 64 * 1024
	DefaultSendBuffer   = 64
)

type config struct {
	bindAddr     string
	bindPort     int
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	observer     Observer

	includeSender bool
	idleTimeout   time.Duration
	maxLineBytes  int
	sendBuffer    int
}

// Option to pass to `New`
type Option func(*config) error

// WithListenOn specifies which TCP interface and port the relay must
// bind. Port 0 asks the kernel for an ephemeral port; use `Server.Addr`
// to discover it after `Start`.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("port out of range: %d", port)
		}
		if addr != "" {
			c.bindAddr = addr
		}
		c.bindPort = port
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// by the relay.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// relay.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithObserver registers the collaborator notified of client lifecycle
// events. Callbacks run on the controlling goroutine and MUST NOT
// block: a stalled observer stalls the whole relay.
func WithObserver(obs Observer) Option {
	return func(c *config) error {
		if obs != nil {
			c.observer = obs
		}
		return nil
	}
}

// WithIncludeSender controls whether a relayed line is also delivered
// back to the client it came from. The default is to exclude the
// sender.
func WithIncludeSender(include bool) Option {
	return func(c *config) error {
		c.includeSender = include
		return nil
	}
}

// WithIdleTimeout disconnects a client which has not sent a full line
// for the given duration. Zero, the default, keeps silent clients
// forever.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("negative idle timeout: %s", timeout)
		}
		c.idleTimeout = timeout
		return nil
	}
}

// WithMaxLineBytes caps how large a single inbound line may grow. A
// client exceeding the cap is disconnected; it is a protocol fault, not
// a reason to grow buffers without bound.
func WithMaxLineBytes(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("max line bytes must be positive: %d", n)
		}
		c.maxLineBytes = n
		return nil
	}
}

// WithSendBuffer sets how many outbound lines may be queued per client
// before further lines are dropped for that client.
func WithSendBuffer(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("send buffer must be positive: %d", n)
		}
		c.sendBuffer = n
		return nil
	}
}
