package circuit

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/rivergate/shadowcircuit/aead"
	"github.com/rivergate/shadowcircuit/cell"
	"github.com/rivergate/shadowcircuit/xerr"
)

// Relay sub-command constants, named in spec §6's "relay sub-commands at
// minimum BEGIN, DATA, END, EXTEND2, EXTENDED2".
const (
	RelayBegin     uint8 = 1
	RelayData      uint8 = 2
	RelayEnd       uint8 = 3
	RelayConnected uint8 = 4
	RelayExtend2   uint8 = 14
	RelayExtended2 uint8 = 15
)

// Relay header offsets within the innermost plaintext block, kept at the
// teacher's layout for wire-shape continuity even though the digest field is
// now a zeroed vestige: the AEAD tag on each seal is what actually
// authenticates the cell.
const (
	relayCommandOff  = 0  // 1 byte
	relayRecognized  = 1  // 2 bytes, always zero
	relayStreamIDOff = 3  // 2 bytes
	relayDigestOff   = 5  // 4 bytes, vestigial
	relayLengthOff   = 9  // 2 bytes
	relayDataOff     = 11
)

// MaxRelayDataLen is the largest amount of data a single relay cell can
// carry on the common 3-hop circuit. Circuits with a different hop count
// have a different effective capacity; encryptRelay computes the exact
// figure from the live hop count via innerCapacity.
const MaxRelayDataLen = cell.MaxPayloadLen - relayDataOff - 3*aead.TagOverhead

// innerCapacity is the plaintext length the innermost relay header+data+pad
// block must have so that, after sealing once per hop (each seal adding
// aead.TagOverhead bytes of GCM tag), the ciphertext lands exactly on the
// fixed 509-byte cell payload regardless of hop count.
func innerCapacity(hopCount int) int {
	return cell.MaxPayloadLen - hopCount*aead.TagOverhead
}

// encryptRelay builds a relay cell's innermost plaintext block and seals it
// once per hop, starting at the target hop and working outward to the
// guard, returning the finished 514-byte wire cell.
func (c *Circuit) encryptRelay(relayCmd uint8, streamID uint16, data []byte) (cell.Cell, error) {
	if len(c.hops) == 0 {
		return nil, xerr.New(xerr.Protocol, "circuit.encryptRelay", fmt.Errorf("circuit has no hops"))
	}
	capacity := innerCapacity(len(c.hops))
	maxData := capacity - relayDataOff
	if len(data) > maxData {
		return nil, xerr.New(xerr.InputFormat, "circuit.encryptRelay", fmt.Errorf("relay data %d bytes exceeds capacity %d for a %d-hop circuit", len(data), maxData, len(c.hops)))
	}

	plaintext := make([]byte, capacity)
	plaintext[relayCommandOff] = relayCmd
	binary.BigEndian.PutUint16(plaintext[relayStreamIDOff:], streamID)
	binary.BigEndian.PutUint16(plaintext[relayLengthOff:], uint16(len(data)))
	copy(plaintext[relayDataOff:], data)

	padStart := relayDataOff + len(data)
	if padStart+4 < capacity {
		if _, err := rand.Read(plaintext[padStart+4:]); err != nil {
			return nil, xerr.New(xerr.Crypto, "circuit.encryptRelay", err)
		}
	}

	sealed := plaintext
	for i := len(c.hops) - 1; i >= 0; i-- {
		ct, err := c.hops[i].Crypto.Seal(sealed)
		if err != nil {
			return nil, err
		}
		sealed = ct
	}
	if len(sealed) != cell.MaxPayloadLen {
		return nil, xerr.New(xerr.Protocol, "circuit.encryptRelay", fmt.Errorf("sealed relay cell is %d bytes, want %d", len(sealed), cell.MaxPayloadLen))
	}

	return cell.New(uint32(c.id), cell.CmdRelay, sealed)
}

// decryptRelay peels an inbound relay cell through every hop's backward key
// in forward order (hop 0 first), recovering the innermost plaintext. A
// client-only circuit (never itself acting as a relay) always peels every
// keyed hop: the exit hop's seal is the innermost layer, so a failed Open at
// any hop is a genuine protocol violation rather than an expected
// "not recognized here yet" signal.
func (c *Circuit) decryptRelay(incoming cell.Cell) (relayCmd uint8, streamID uint16, data []byte, err error) {
	if len(c.hops) == 0 {
		return 0, 0, nil, xerr.New(xerr.Protocol, "circuit.decryptRelay", fmt.Errorf("circuit has no hops"))
	}

	layer := append([]byte(nil), incoming.Payload()...)
	for _, h := range c.hops {
		layer, err = h.Crypto.Open(layer)
		if err != nil {
			return 0, 0, nil, xerr.New(xerr.Protocol, "circuit.decryptRelay", fmt.Errorf("peel failed: %w", err))
		}
	}

	if binary.BigEndian.Uint16(layer[relayRecognized:]) != 0 {
		return 0, 0, nil, xerr.New(xerr.Protocol, "circuit.decryptRelay", fmt.Errorf("recognized field nonzero after full peel"))
	}

	relayCmd = layer[relayCommandOff]
	streamID = binary.BigEndian.Uint16(layer[relayStreamIDOff:])
	dataLen := binary.BigEndian.Uint16(layer[relayLengthOff:])
	maxData := len(layer) - relayDataOff
	if int(dataLen) > maxData {
		return 0, 0, nil, xerr.New(xerr.Protocol, "circuit.decryptRelay", fmt.Errorf("relay data length %d exceeds capacity %d", dataLen, maxData))
	}
	data = make([]byte, dataLen)
	copy(data, layer[relayDataOff:relayDataOff+int(dataLen)])
	return relayCmd, streamID, data, nil
}
