package relay

import (
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// continuation is one unit of deferred work for the controlling
// goroutine: either "handle this I/O outcome" or "run this callback
// now".
type continuation func() error

// pump forces work that physically completes on arbitrary goroutines
// onto a single logical thread of control. Everything above it (roster,
// connections, fan-out) mutates state exclusively from continuations,
// which is why none of those components carry a lock: the mutex below
// is the only one in the relay.
type pump struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	lk        sync.Mutex
	notEmpty  *sync.Cond
	queue     []continuation
	cancelled bool
	// remaining counts the items that were queued when cancel was
	// called; only those still run.
	remaining int

	// done is closed when run returns.
	done chan struct{}
}

func newPump(logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *pump {
	p := &pump{
		logger: logger,
		msink:  msink,
		labels: labels,
		done:   make(chan struct{}),
	}
	p.notEmpty = sync.NewCond(&p.lk)
	return p
}

// post enqueues work for the controlling goroutine. It is callable from
// any goroutine, returns immediately and never fails. Work posted after
// cancel is accepted but never runs: refusing it would only create a
// check-then-post race for the callers.
func (p *pump) post(cont continuation) {
	p.lk.Lock()
	p.queue = append(p.queue, cont)
	depth := len(p.queue)
	p.lk.Unlock()
	p.notEmpty.Signal()
	p.msink.SetGaugeWithLabels(MetricRelayPumpQueueDepth, float32(depth), p.labels)
}

// run blocks and executes continuations one at a time, in FIFO order,
// until cancel. The calling goroutine becomes the controlling
// goroutine. A continuation returning an error is logged and the pump
// keeps going; a panicking continuation escapes, since a programmer
// error must not be swallowed by the loop.
func (p *pump) run() {
	defer close(p.done)
	for {
		p.lk.Lock()
		for len(p.queue) == 0 && !p.cancelled {
			p.notEmpty.Wait()
		}
		if p.cancelled && p.remaining == 0 {
			p.lk.Unlock()
			return
		}
		cont := p.queue[0]
		p.queue = p.queue[1:]
		if p.cancelled {
			p.remaining--
		}
		depth := len(p.queue)
		p.lk.Unlock()

		p.msink.SetGaugeWithLabels(MetricRelayPumpQueueDepth, float32(depth), p.labels)
		if err := cont(); err != nil {
			p.logger.Error("continuation failed", LabelError.L(err))
		}
	}
}

// cancel signals the pump to stop once the items queued at the time of
// the call have drained. It wakes an idle pump and is idempotent.
func (p *pump) cancel() {
	p.lk.Lock()
	if !p.cancelled {
		p.cancelled = true
		p.remaining = len(p.queue)
	}
	p.lk.Unlock()
	p.notEmpty.Broadcast()
}
