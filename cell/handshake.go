package cell

import (
	"encoding/binary"
	"fmt"

	"github.com/rivergate/shadowcircuit/xerr"
)

// HandshakeTypeNtor is the only handshake type this client speaks.
const HandshakeTypeNtor uint16 = 2

const (
	ntorClientPKLen = 32
	ntorCreatedLen  = 64 // 32-byte server ephemeral pubkey + 32-byte auth tag
)

// EncodeCreate2 builds a CREATE2 payload: 2-byte handshake type, 2-byte
// handshake-data length, then the handshake data (the 32-byte client
// ephemeral public key for ntor).
func EncodeCreate2(clientPK [32]byte) []byte {
	payload := make([]byte, 4+ntorClientPKLen)
	binary.BigEndian.PutUint16(payload[0:2], HandshakeTypeNtor)
	binary.BigEndian.PutUint16(payload[2:4], ntorClientPKLen)
	copy(payload[4:], clientPK[:])
	return payload
}

// DecodeCreate2 parses a CREATE2 payload, validating the handshake type is
// ntor and the length field matches the actual client public key size.
func DecodeCreate2(payload []byte) (clientPK [32]byte, err error) {
	if len(payload) < 4 {
		return clientPK, xerr.New(xerr.InputFormat, "cell.DecodeCreate2", fmt.Errorf("payload too short: %d bytes", len(payload)))
	}
	hsType := binary.BigEndian.Uint16(payload[0:2])
	if hsType != HandshakeTypeNtor {
		return clientPK, xerr.New(xerr.InputFormat, "cell.DecodeCreate2", fmt.Errorf("unsupported handshake type %d", hsType))
	}
	hsLen := binary.BigEndian.Uint16(payload[2:4])
	if int(hsLen) != ntorClientPKLen {
		return clientPK, xerr.New(xerr.InputFormat, "cell.DecodeCreate2", fmt.Errorf("handshake-data length %d, want %d", hsLen, ntorClientPKLen))
	}
	if len(payload) < 4+ntorClientPKLen {
		return clientPK, xerr.New(xerr.InputFormat, "cell.DecodeCreate2", fmt.Errorf("payload truncated"))
	}
	copy(clientPK[:], payload[4:4+ntorClientPKLen])
	return clientPK, nil
}

// EncodeCreated2 builds a CREATED2 payload: 2-byte handshake-data length
// (always 64), 32-byte server ephemeral public key, 32-byte auth tag.
func EncodeCreated2(serverPK [32]byte, auth [32]byte) []byte {
	payload := make([]byte, 2+ntorCreatedLen)
	binary.BigEndian.PutUint16(payload[0:2], ntorCreatedLen)
	copy(payload[2:34], serverPK[:])
	copy(payload[34:66], auth[:])
	return payload
}

// DecodeCreated2 parses a CREATED2 payload, validating the length field is
// exactly 64 (32-byte server pubkey + 32-byte auth tag).
func DecodeCreated2(payload []byte) (serverPK [32]byte, auth [32]byte, err error) {
	if len(payload) < 2 {
		return serverPK, auth, xerr.New(xerr.InputFormat, "cell.DecodeCreated2", fmt.Errorf("payload too short: %d bytes", len(payload)))
	}
	hsLen := binary.BigEndian.Uint16(payload[0:2])
	if int(hsLen) != ntorCreatedLen {
		return serverPK, auth, xerr.New(xerr.InputFormat, "cell.DecodeCreated2", fmt.Errorf("handshake-data length %d, want %d", hsLen, ntorCreatedLen))
	}
	if len(payload) < 2+ntorCreatedLen {
		return serverPK, auth, xerr.New(xerr.InputFormat, "cell.DecodeCreated2", fmt.Errorf("payload truncated"))
	}
	copy(serverPK[:], payload[2:34])
	copy(auth[:], payload[34:66])
	return serverPK, auth, nil
}
