package relay

// broadcaster computes the delivery set for one inbound line and issues
// the sends.
type broadcaster struct {
	// includeSender relays a line back to its origin as well.
	includeSender bool
}

// dispatch delivers one line to every active conn in the snapshot,
// excluding the origin unless configured otherwise. Each recipient gets
// the line at most once, and a broken recipient never aborts the rest
// of the pass: enqueue either queues, drops, or no-ops on an inactive
// conn. Controlling goroutine only.
func (b *broadcaster) dispatch(origin *conn, line string, recipients []*conn) {
	for _, c := range recipients {
		if c == origin && !b.includeSender {
			continue
		}
		c.enqueue(line)
	}
}
