package cell

import (
	"encoding/binary"
	"fmt"

	"github.com/rivergate/shadowcircuit/xerr"
)

// Command constants.
const (
	CmdCreate2    uint8 = 10
	CmdCreated2   uint8 = 11
	CmdRelay      uint8 = 3
	CmdRelayEarly uint8 = 9
	CmdDestroy    uint8 = 4
)

const (
	MaxPayloadLen = 509
	FixedCellLen  = 514 // 4 (circID) + 1 (cmd) + 509 (payload)
)

// Cell is a fixed-length onion-routing wire frame backed by a byte slice.
type Cell []byte

// NewFixedCell creates a 514-byte fixed-length cell with a zeroed payload.
func NewFixedCell(circID uint32, cmd uint8) Cell {
	c := make(Cell, FixedCellLen)
	binary.BigEndian.PutUint32(c[0:4], circID)
	c[4] = cmd
	return c
}

// New builds a fixed cell with payload copied into the zero-padded payload
// region. Fails InputFormat if payload exceeds MaxPayloadLen.
func New(circID uint32, cmd uint8, payload []byte) (Cell, error) {
	if len(payload) > MaxPayloadLen {
		return nil, xerr.New(xerr.InputFormat, "cell.New", fmt.Errorf("payload %d bytes exceeds max %d", len(payload), MaxPayloadLen))
	}
	c := NewFixedCell(circID, cmd)
	copy(c[5:], payload)
	return c, nil
}

func (c Cell) CircID() uint32 {
	return binary.BigEndian.Uint32(c[0:4])
}

func (c Cell) Command() uint8 {
	return c[4]
}

// Payload returns the full 509-byte zero-padded payload region.
func (c Cell) Payload() []byte {
	return c[5:]
}
