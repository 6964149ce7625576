package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rivergate/shadowcircuit/cell"
	"github.com/rivergate/shadowcircuit/directory"
	"github.com/rivergate/shadowcircuit/xerr"
)

// Directory is the subset of directory.Client the manager needs: relay
// selection for a hop position within a circuit of a given size.
type Directory interface {
	SelectRelay(hopIndex, totalHops int, exclude map[[20]byte]bool) (*directory.Relay, error)
}

// MetricsSink receives lifecycle and traffic counts as the manager builds
// and drives circuits. Satisfied by *metrics.Counters; nil is a valid no-op.
type MetricsSink interface {
	CircuitCreated()
	CircuitClosed()
	BytesSent(n int)
	BytesReceived(n int)
}

// Manager owns every circuit's lifetime: id allocation, handshake driving,
// state transitions, and teardown. It holds a shared, read-only handle to a
// Dialer and a Directory, per spec §9's "no reverse edges" ownership rule
// (circuit manager → directory client, never the other way).
type Manager struct {
	dialer  Dialer
	dir     Directory
	log     *slog.Logger
	metrics MetricsSink

	idMu   sync.Mutex
	nextID uint32

	mu       sync.RWMutex
	circuits map[ID]*Circuit
}

// NewManager builds a circuit manager over the given dialer and directory
// client.
func NewManager(dialer Dialer, dir Directory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:   dialer,
		dir:      dir,
		log:      logger,
		nextID:   1,
		circuits: make(map[ID]*Circuit),
	}
}

// WithMetrics installs a counters sink the manager reports circuit and
// traffic events to. Returns the manager for chaining at construction time.
func (m *Manager) WithMetrics(sink MetricsSink) *Manager {
	m.metrics = sink
	return m
}

func (m *Manager) observe(fn func(MetricsSink)) {
	if m.metrics != nil {
		fn(m.metrics)
	}
}

func (m *Manager) allocateID() ID {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	id := ID(m.nextID)
	m.nextID++
	return id
}

// CreateCircuit allocates a fresh circuit id, selects numHops relays from
// the directory (hop 0 guard, last hop exit, intermediates middle), opens a
// TCP connection to the first hop, and drives the handshake chain to
// completion. It returns the id once the circuit reaches Ready; on any
// failure the circuit is marked Error and the id is not reused.
func (m *Manager) CreateCircuit(ctx context.Context, numHops int) (ID, error) {
	if numHops < 1 {
		return 0, xerr.New(xerr.InputFormat, "circuit.CreateCircuit", fmt.Errorf("numHops must be >= 1, got %d", numHops))
	}

	id := m.allocateID()
	circ := &Circuit{id: id, state: StateBuilding, createdAt: time.Now()}

	m.mu.Lock()
	m.circuits[id] = circ
	m.mu.Unlock()

	if err := m.build(ctx, circ, numHops); err != nil {
		circ.zeroHops()
		circ.setState(StateError, err)
		m.log.Warn("circuit build failed", "circID", uint32(id), "error", err)
		return id, err
	}

	circ.setState(StateReady, nil)
	m.observe(func(s MetricsSink) { s.CircuitCreated() })
	m.log.Info("circuit ready", "circID", uint32(id), "hops", numHops)
	return id, nil
}

func (m *Manager) build(ctx context.Context, circ *Circuit, numHops int) error {
	exclude := make(map[[20]byte]bool)

	guard, err := m.dir.SelectRelay(0, numHops, exclude)
	if err != nil {
		return err
	}
	exclude[guard.Identity] = true

	conn, err := m.dialer.Dial(ctx, fmt.Sprintf("%s:%d", guard.Address, guard.ORPort))
	if err != nil {
		return err
	}
	circ.conn = conn

	hop, err := createFirstHop(conn, circ.id, *guard)
	if err != nil {
		conn.Close()
		return err
	}
	circ.hops = append(circ.hops, hop)

	for hopIdx := 1; hopIdx < numHops; hopIdx++ {
		relay, err := m.dir.SelectRelay(hopIdx, numHops, exclude)
		if err != nil {
			return err
		}
		exclude[relay.Identity] = true

		hop, err := circ.extendHop(conn, *relay)
		if err != nil {
			return err
		}
		circ.hops = append(circ.hops, hop)
	}

	return nil
}

// GetState observes a circuit's current lifecycle state.
func (m *Manager) GetState(id ID) (State, error) {
	circ, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	return circ.State(), nil
}

// MaxPayload returns the largest slice a single Send call on this circuit can
// carry, given its current hop count. Callers that stream arbitrary-length
// data must chunk to this size.
func (m *Manager) MaxPayload(id ID) (int, error) {
	circ, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	circ.mu.Lock()
	hops := len(circ.hops)
	circ.mu.Unlock()
	if hops == 0 {
		return 0, xerr.New(xerr.Protocol, "circuit.MaxPayload", fmt.Errorf("circuit %d has no hops", id))
	}
	return innerCapacity(hops) - relayDataOff, nil
}

// Send pushes application data through a Ready circuit as a relay-data cell
// addressed to the circuit's implicit stream. Data larger than a single
// cell's capacity must be chunked by the caller.
func (m *Manager) Send(id ID, data []byte) error {
	circ, err := m.lookup(id)
	if err != nil {
		return err
	}
	if circ.State() != StateReady {
		return xerr.New(xerr.Protocol, "circuit.Send", fmt.Errorf("circuit %d is not Ready", id))
	}

	circ.mu.Lock()
	streamID := circ.streamID
	circ.mu.Unlock()

	circ.wmu.Lock()
	relayCell, err := circ.encryptRelay(RelayData, streamID, data)
	if err != nil {
		circ.wmu.Unlock()
		circ.setState(StateError, err)
		return err
	}
	err = circ.conn.WriteCell(relayCell)
	circ.wmu.Unlock()
	if err != nil {
		circ.setState(StateError, err)
		return err
	}
	m.observe(func(s MetricsSink) { s.BytesSent(len(data)) })
	return nil
}

// Recv pulls the next relay-data payload from a Ready circuit, blocking
// until a cell arrives.
func (m *Manager) Recv(id ID) ([]byte, error) {
	circ, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if circ.State() != StateReady {
		return nil, xerr.New(xerr.Protocol, "circuit.Recv", fmt.Errorf("circuit %d is not Ready", id))
	}

	for {
		circ.rmu.Lock()
		incoming, err := circ.conn.ReadCell()
		if err != nil {
			circ.rmu.Unlock()
			circ.setState(StateError, err)
			return nil, err
		}
		if incoming.Command() == cell.CmdDestroy {
			circ.rmu.Unlock()
			reason := xerr.New(xerr.Protocol, "circuit.Recv", fmt.Errorf("circuit destroyed by remote"))
			circ.setState(StateError, reason)
			return nil, reason
		}
		relayCmd, streamID, data, err := circ.decryptRelay(incoming)
		circ.rmu.Unlock()
		if err != nil {
			circ.setState(StateError, err)
			return nil, err
		}

		circ.mu.Lock()
		want := circ.streamID
		circ.mu.Unlock()
		if streamID != want {
			continue
		}

		switch relayCmd {
		case RelayData:
			m.observe(func(s MetricsSink) { s.BytesReceived(len(data)) })
			return data, nil
		case RelayEnd:
			return nil, xerr.New(xerr.Network, "circuit.Recv", fmt.Errorf("stream ended"))
		default:
			continue
		}
	}
}

// Teardown best-effort destroys a circuit: it sends a DESTROY cell, closes
// the transport, zeroes every hop's key material, and marks the circuit
// Closed. Idempotent: a second call on an already-closed or unknown circuit
// is a no-op.
func (m *Manager) Teardown(id ID) error {
	m.mu.RLock()
	circ, ok := m.circuits[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	prevState := circ.State()
	if prevState == StateClosed {
		return nil
	}

	if circ.conn != nil {
		destroy := cell.NewFixedCell(uint32(id), cell.CmdDestroy)
		circ.wmu.Lock()
		_ = circ.conn.WriteCell(destroy)
		_ = circ.conn.Close()
		circ.wmu.Unlock()
	}
	if prevState == StateReady {
		m.observe(func(s MetricsSink) { s.CircuitClosed() })
	}
	circ.zeroHops()
	circ.setState(StateClosed, nil)
	return nil
}

func (m *Manager) lookup(id ID) (*Circuit, error) {
	m.mu.RLock()
	circ, ok := m.circuits[id]
	m.mu.RUnlock()
	if !ok {
		return nil, xerr.New(xerr.Protocol, "circuit.lookup", fmt.Errorf("unknown circuit %d", id))
	}
	return circ, nil
}
