// Package relay implements a connection-oriented text-line relay: a TCP
// server which accepts many simultaneous clients, reads newline-delimited
// UTF-8 messages from each of them, and fans every received line out to
// the other live clients.
//
// ## How it works
//
// A `Server` owns a listening socket and a *roster*: the set of live
// connections. Every mutation of the roster, and of each connection's
// lifecycle state, happens on a single controlling goroutine driven by an
// internal FIFO *pump*. Socket I/O itself is carried out by ordinary
// per-connection goroutines; when a read or write completes (or fails),
// the outcome is posted to the pump as a continuation and handled there.
//
// This single-writer discipline is the central design decision:
// business logic never runs concurrently with other business logic, so
// the roster needs no lock, a connection's `active` flag needs no
// atomics, and a disconnect is observed exactly once no matter how many
// I/O paths detect it.
//
// ## Guarantees
//
// * Lines from one client are relayed in the order they were received.
// * One inbound line is dispatched to all of its recipients before the
//   next inbound line is processed; broadcasts never interleave.
// * A recipient failing mid-broadcast never prevents delivery to the
//   remaining recipients.
// * Delivery is best-effort: a slow client may miss lines, a
//   disconnected one always does.
//
// ## Observability
//
// Structured logs go through any `slog.Handler` you provide, and
// counters/gauges through any [`hashicorp/go-metrics`][dep-metrics]
// `MetricSink`. Lifecycle notifications (connect, disconnect, message)
// are delivered to a narrow `Observer` interface so the embedding
// program decides how to render them.
//
// [dep-metrics]: https://pkg.go.dev/github.com/hashicorp/go-metrics
package relay
