// Package circuit builds and drives multi-hop onion-routing circuits: it
// allocates circuit ids, runs the ntor handshake chain hop by hop, owns each
// hop's AEAD keying material, and performs layered encryption/decryption of
// relay cells.
package circuit

import (
	"sync"
	"time"

	"github.com/rivergate/shadowcircuit/aead"
	"github.com/rivergate/shadowcircuit/directory"
)

// ID is a circuit identifier, unique for the lifetime of the process.
type ID uint32

// State is a circuit's position in its lifecycle.
type State int

const (
	StateBuilding State = iota
	StateReady
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "Building"
	case StateReady:
		return "Ready"
	case StateClosed:
		return "Closed"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Hop is one relay's keyed state within a circuit: the descriptor used
// during the handshake and the resulting per-direction AEAD contexts.
type Hop struct {
	Relay  directory.Relay
	Crypto *aead.HopCrypto
}

// Circuit is a single multi-hop onion-routing circuit. The circuit manager
// owns it exclusively for its lifetime; callers interact with it only
// through Manager's methods.
type Circuit struct {
	// wmu guards writes to conn and the forward-direction state
	// (relayEarlySent, per-hop forward AEAD counters reached through Seal).
	wmu sync.Mutex
	// rmu guards reads from conn and the backward-direction state.
	rmu sync.Mutex
	// mu guards the fields below, which are read/written outside the
	// send/receive hot path (state transitions, stream bookkeeping).
	mu sync.Mutex

	id        ID
	conn      Conn
	hops      []*Hop
	state     State
	errReason error
	createdAt time.Time

	relayEarlySent int

	streamID   uint16
	streamOpen bool
}

// ID returns the circuit's identifier.
func (c *Circuit) ID() ID { return c.id }

// State returns the circuit's current lifecycle state.
func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HopCount returns the number of hops currently keyed on this circuit.
func (c *Circuit) HopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hops)
}

// ErrReason returns the error that moved the circuit to StateError, if any.
func (c *Circuit) ErrReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errReason
}

func (c *Circuit) setState(s State, reason error) {
	c.mu.Lock()
	c.state = s
	c.errReason = reason
	c.mu.Unlock()
}

// zeroHops overwrites every hop's key material. Called on teardown and on
// any handshake failure that abandons a partially built circuit.
func (c *Circuit) zeroHops() {
	for _, h := range c.hops {
		if h.Crypto != nil {
			h.Crypto.Zero()
		}
	}
}
