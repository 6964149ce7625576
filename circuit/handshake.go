package circuit

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/rivergate/shadowcircuit/aead"
	"github.com/rivergate/shadowcircuit/cell"
	"github.com/rivergate/shadowcircuit/directory"
	"github.com/rivergate/shadowcircuit/ntor"
	"github.com/rivergate/shadowcircuit/xerr"
)

// MaxRelayEarly is the maximum number of RELAY_EARLY-wrapped EXTEND2 cells a
// single circuit may send, carried from the teacher's tor-spec-derived
// budget; it costs nothing to keep even though spec.md doesn't name it.
const MaxRelayEarly = 8

// handshakeDeadline is the per-hop timeout spec §5 assigns to circuit
// creation handshakes.
const handshakeDeadline = 5 * time.Second

// LinkSpecType constants for EXTEND2 link specifiers.
const (
	linkSpecIPv4  = 0x00
	linkSpecRSAID = 0x02
)

// createFirstHop performs the CREATE2/CREATED2 handshake with the guard
// relay directly over conn, establishing the circuit's first keyed hop.
func createFirstHop(conn Conn, circID ID, guard directory.Relay) (*Hop, error) {
	hs, err := ntor.NewHandshake(guard.Identity, guard.NtorOnionKey)
	if err != nil {
		return nil, xerr.New(xerr.Crypto, "circuit.createFirstHop", err)
	}
	defer hs.Close()

	create2 := cell.NewFixedCell(uint32(circID), cell.CmdCreate2)
	copy(create2.Payload(), cell.EncodeCreate2(hs.ClientPublicKey()))

	if err := conn.SetDeadline(time.Now().Add(handshakeDeadline)); err != nil {
		return nil, xerr.New(xerr.Network, "circuit.createFirstHop", err)
	}
	defer conn.SetDeadline(time.Time{})

	if err := conn.WriteCell(create2); err != nil {
		return nil, err
	}

	resp, err := conn.ReadCell()
	if err != nil {
		return nil, err
	}
	if resp.CircID() != uint32(circID) {
		return nil, xerr.New(xerr.Protocol, "circuit.createFirstHop", fmt.Errorf("CREATED2 circuit id mismatch"))
	}
	if resp.Command() != cell.CmdCreated2 {
		return nil, xerr.New(xerr.Protocol, "circuit.createFirstHop", fmt.Errorf("expected CREATED2, got command %d", resp.Command()))
	}

	serverPK, auth, err := cell.DecodeCreated2(resp.Payload())
	if err != nil {
		return nil, err
	}

	km, err := hs.Complete(serverPK, auth)
	if err != nil {
		return nil, err
	}

	crypto, err := aead.New(km.ForwardKey, km.BackwardKey)
	clear(km.ForwardKey[:])
	clear(km.BackwardKey[:])
	if err != nil {
		return nil, err
	}
	return &Hop{Relay: guard, Crypto: crypto}, nil
}

// extendHop extends the circuit through next by building a CREATE2-shaped
// ntor handshake payload, wrapping it as EXTEND2, sending it as RELAY_EARLY
// encrypted through every currently-keyed hop, and waiting for EXTENDED2 to
// traverse the chain back.
func (c *Circuit) extendHop(conn Conn, next directory.Relay) (*Hop, error) {
	hs, err := ntor.NewHandshake(next.Identity, next.NtorOnionKey)
	if err != nil {
		return nil, xerr.New(xerr.Crypto, "circuit.extendHop", err)
	}
	defer hs.Close()

	extend2 := buildExtend2Payload(next, hs.ClientPublicKey())

	relayCell, err := c.encryptRelay(RelayExtend2, 0, extend2)
	if err != nil {
		return nil, err
	}
	if c.relayEarlySent >= MaxRelayEarly {
		return nil, xerr.New(xerr.Resource, "circuit.extendHop", fmt.Errorf("RELAY_EARLY budget exhausted (%d/%d)", c.relayEarlySent, MaxRelayEarly))
	}
	c.relayEarlySent++

	earlyCell := cell.NewFixedCell(uint32(c.id), cell.CmdRelayEarly)
	copy(earlyCell.Payload(), relayCell.Payload())

	if err := conn.SetDeadline(time.Now().Add(handshakeDeadline)); err != nil {
		return nil, xerr.New(xerr.Network, "circuit.extendHop", err)
	}
	defer conn.SetDeadline(time.Time{})

	if err := conn.WriteCell(earlyCell); err != nil {
		return nil, err
	}

	resp, err := conn.ReadCell()
	if err != nil {
		return nil, err
	}
	relayCmd, _, data, err := c.decryptRelay(resp)
	if err != nil {
		return nil, err
	}
	if relayCmd != RelayExtended2 {
		return nil, xerr.New(xerr.Protocol, "circuit.extendHop", fmt.Errorf("expected EXTENDED2, got relay command %d", relayCmd))
	}

	serverPK, auth, err := cell.DecodeCreated2(data)
	if err != nil {
		return nil, err
	}

	km, err := hs.Complete(serverPK, auth)
	if err != nil {
		return nil, err
	}

	crypto, err := aead.New(km.ForwardKey, km.BackwardKey)
	clear(km.ForwardKey[:])
	clear(km.BackwardKey[:])
	if err != nil {
		return nil, err
	}
	return &Hop{Relay: next, Crypto: crypto}, nil
}

// buildExtend2Payload builds an EXTEND2 relay payload: NSPEC, link
// specifiers (IPv4 address + RSA-style identity fingerprint), then the same
// HTYPE/HLEN/HDATA shape as CREATE2.
func buildExtend2Payload(relay directory.Relay, clientPK [32]byte) []byte {
	var specs [][]byte

	if ip := net.ParseIP(relay.Address); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			spec := make([]byte, 8)
			spec[0] = linkSpecIPv4
			spec[1] = 6
			copy(spec[2:6], ip4)
			binary.BigEndian.PutUint16(spec[6:8], relay.ORPort)
			specs = append(specs, spec)
		}
	}

	idSpec := make([]byte, 22)
	idSpec[0] = linkSpecRSAID
	idSpec[1] = 20
	copy(idSpec[2:22], relay.Identity[:])
	specs = append(specs, idSpec)

	specLen := 0
	for _, s := range specs {
		specLen += len(s)
	}
	hsData := cell.EncodeCreate2(clientPK)
	payload := make([]byte, 1+specLen+len(hsData))

	off := 0
	payload[off] = byte(len(specs))
	off++
	for _, s := range specs {
		copy(payload[off:], s)
		off += len(s)
	}
	copy(payload[off:], hsData)
	return payload
}
