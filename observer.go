package relay

// Observer receives client lifecycle notifications from the relay.
//
// All callbacks are invoked from the controlling goroutine, so they are
// serialized with each other and with the fan-out itself: when
// `MessageReceived` fires for a line, no recipient has been handed that
// line yet. Implementations MUST NOT block.
type Observer interface {
	// ClientConnected fires once a client is part of the roster.
	ClientConnected(id uint64)

	// ClientDisconnected fires at most once per client, whichever of
	// the read or write path detected closure first.
	ClientDisconnected(id uint64)

	// MessageReceived fires for every full line read from a client,
	// zero-length lines included. The line carries no terminator.
	MessageReceived(id uint64, line string)
}

type nopObserver struct{}

func (nopObserver) ClientConnected(uint64) {}

func (nopObserver) ClientDisconnected(uint64) {}

func (nopObserver) MessageReceived(uint64, string) {}
