package circuit

import (
	"fmt"

	"github.com/rivergate/shadowcircuit/xerr"
)

const relayEndReasonDone = 6

// BeginStream opens the circuit's single implicit stream to target
// ("host:port"): it sends RELAY_BEGIN through the exit hop and waits for
// RELAY_CONNECTED, recording the stream id for subsequent Send/Recv calls.
// spec's two-argument send/recv contract carries no stream id, so each
// circuit the proxy builds serves exactly one stream for its lifetime.
func (m *Manager) BeginStream(id ID, target string) error {
	circ, err := m.lookup(id)
	if err != nil {
		return err
	}
	if circ.State() != StateReady {
		return xerr.New(xerr.Protocol, "circuit.BeginStream", fmt.Errorf("circuit %d is not Ready", id))
	}

	circ.mu.Lock()
	if circ.streamOpen {
		circ.mu.Unlock()
		return xerr.New(xerr.Protocol, "circuit.BeginStream", fmt.Errorf("circuit %d already has an open stream", id))
	}
	streamID := uint16(1)
	circ.mu.Unlock()

	payload := make([]byte, len(target)+1+4) // "host:port\0" + 4 zero flag bytes
	copy(payload, target)

	circ.wmu.Lock()
	relayCell, err := circ.encryptRelay(RelayBegin, streamID, payload)
	if err != nil {
		circ.wmu.Unlock()
		return err
	}
	err = circ.conn.WriteCell(relayCell)
	circ.wmu.Unlock()
	if err != nil {
		circ.setState(StateError, err)
		return err
	}

	for {
		circ.rmu.Lock()
		incoming, err := circ.conn.ReadCell()
		if err != nil {
			circ.rmu.Unlock()
			circ.setState(StateError, err)
			return err
		}
		relayCmd, respStreamID, data, err := circ.decryptRelay(incoming)
		circ.rmu.Unlock()
		if err != nil {
			circ.setState(StateError, err)
			return err
		}
		if respStreamID != streamID {
			continue
		}

		switch relayCmd {
		case RelayConnected:
			circ.mu.Lock()
			circ.streamID = streamID
			circ.streamOpen = true
			circ.mu.Unlock()
			return nil
		case RelayEnd:
			reason := uint8(0)
			if len(data) > 0 {
				reason = data[0]
			}
			return xerr.New(xerr.Network, "circuit.BeginStream", fmt.Errorf("stream rejected: RELAY_END reason=%d", reason))
		default:
			return xerr.New(xerr.Protocol, "circuit.BeginStream", fmt.Errorf("unexpected relay command %d while awaiting CONNECTED", relayCmd))
		}
	}
}

// CloseStream sends RELAY_END for the circuit's implicit stream. Best
// effort; does not tear down the circuit itself.
func (m *Manager) CloseStream(id ID) error {
	circ, err := m.lookup(id)
	if err != nil {
		return err
	}
	circ.mu.Lock()
	if !circ.streamOpen {
		circ.mu.Unlock()
		return nil
	}
	streamID := circ.streamID
	circ.streamOpen = false
	circ.mu.Unlock()

	circ.wmu.Lock()
	defer circ.wmu.Unlock()
	relayCell, err := circ.encryptRelay(RelayEnd, streamID, []byte{relayEndReasonDone})
	if err != nil {
		return err
	}
	return circ.conn.WriteCell(relayCell)
}
