// Package metrics holds the in-process counters the core updates as it
// builds circuits and relays data. There is no scraping endpoint: a caller
// reads Report for a one-line snapshot, typically on shutdown.
package metrics

import (
	"fmt"
	"sync/atomic"
)

// Counters is a set of process-lifetime counters, safe for concurrent use
// from every circuit and proxy session.
type Counters struct {
	circuitsCreated atomic.Uint64
	activeCircuits  atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
}

// CircuitCreated records a circuit build attempt reaching Ready and
// increments the active count.
func (c *Counters) CircuitCreated() {
	c.circuitsCreated.Add(1)
	c.activeCircuits.Add(1)
}

// CircuitClosed decrements the active circuit count. Safe to call once per
// circuit that previously called CircuitCreated.
func (c *Counters) CircuitClosed() {
	c.activeCircuits.Add(^uint64(0))
}

// BytesSent records data handed to a circuit for the outbound direction.
func (c *Counters) BytesSent(n int) {
	c.bytesSent.Add(uint64(n))
}

// BytesReceived records data delivered from a circuit in the inbound
// direction.
func (c *Counters) BytesReceived(n int) {
	c.bytesReceived.Add(uint64(n))
}

// Report renders a one-line snapshot of every counter.
func (c *Counters) Report() string {
	return fmt.Sprintf(
		"circuits_created: %d, active_circuits: %d, bytes_sent: %d, bytes_received: %d",
		c.circuitsCreated.Load(), c.activeCircuits.Load(), c.bytesSent.Load(), c.bytesReceived.Load(),
	)
}
