// Package ntor implements the client side of the simplified ntor key
// agreement used to key a circuit hop: a single Curve25519 ECDH exponentiation
// folded into an HKDF-SHA256 expansion, rather than real Tor's two-exponent
// protocol.
package ntor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/rivergate/shadowcircuit/xerr"
)

const protoID = "ntor-curve25519-sha256-1"

// okmLen is the total HKDF output: 32-byte forward key, 32-byte backward
// key, 32-byte authentication tag.
const okmLen = 96

// KeyMaterial holds the derived per-hop AEAD keys from a completed handshake.
type KeyMaterial struct {
	ForwardKey  [32]byte
	BackwardKey [32]byte
}

// HandshakeState holds the client's ephemeral state for an in-progress
// handshake against one relay.
type HandshakeState struct {
	id [20]byte // relay identity fingerprint
	b  [32]byte // relay onion public key (B)
	x  [32]byte // client ephemeral private key
	X  [32]byte // client ephemeral public key
}

// NewHandshake generates a fresh client ephemeral keypair for a handshake
// against the relay identified by id with onion public key b.
func NewHandshake(id [20]byte, b [32]byte) (*HandshakeState, error) {
	var x [32]byte
	if _, err := rand.Read(x[:]); err != nil {
		return nil, xerr.New(xerr.Crypto, "ntor.NewHandshake", err)
	}
	X, err := curve25519.X25519(x[:], curve25519.Basepoint)
	if err != nil {
		return nil, xerr.New(xerr.Crypto, "ntor.NewHandshake", err)
	}
	hs := &HandshakeState{id: id, b: b, x: x}
	copy(hs.X[:], X)
	return hs, nil
}

// Close zeroes the ephemeral private key. Safe to call after Complete, and
// mandatory on any error path that abandons the handshake before Complete.
func (hs *HandshakeState) Close() {
	clear(hs.x[:])
}

// ClientPublicKey returns the client ephemeral public key X, the sole
// handshake datum carried in the CREATE2 cell.
func (hs *HandshakeState) ClientPublicKey() [32]byte {
	return hs.X
}

// Complete processes the relay's ephemeral public key Y and authentication
// tag, derives the shared secret, and verifies the tag in constant time
// before returning the per-hop AEAD keys.
func (hs *HandshakeState) Complete(serverPK [32]byte, authReceived [32]byte) (*KeyMaterial, error) {
	secret, err := curve25519.X25519(hs.x[:], serverPK[:])
	if err != nil {
		return nil, xerr.New(xerr.Crypto, "ntor.Complete", err)
	}
	if isZero(secret) {
		return nil, xerr.New(xerr.Crypto, "ntor.Complete", errZeroSecret{})
	}

	okm, err := expand(secret, hs.id, hs.b, hs.X, serverPK)
	if err != nil {
		return nil, err
	}
	defer clear(okm)

	var expectedAuth [32]byte
	copy(expectedAuth[:], okm[64:96])
	if !hmac.Equal(expectedAuth[:], authReceived[:]) {
		return nil, xerr.New(xerr.Crypto, "ntor.Complete", errAuthMismatch{})
	}

	km := &KeyMaterial{}
	copy(km.ForwardKey[:], okm[0:32])
	copy(km.BackwardKey[:], okm[32:64])

	clear(hs.x[:])
	return km, nil
}

// expand builds the HKDF-SHA256 input `s ‖ ID ‖ B ‖ X ‖ Y ‖ protoID`,
// extracts with the protocol-ID string as salt, and expands to okmLen bytes.
func expand(secret []byte, id [20]byte, b, X, Y [32]byte) ([]byte, error) {
	input := make([]byte, 0, len(secret)+20+32+32+32+len(protoID))
	input = append(input, secret...)
	input = append(input, id[:]...)
	input = append(input, b[:]...)
	input = append(input, X[:]...)
	input = append(input, Y[:]...)
	input = append(input, []byte(protoID)...)

	kdf := hkdf.New(sha256.New, input, []byte(protoID), nil)
	okm := make([]byte, okmLen)
	if _, err := io.ReadFull(kdf, okm); err != nil {
		clear(input)
		return nil, xerr.New(xerr.Crypto, "ntor.expand", err)
	}
	clear(input)
	return okm, nil
}

// ServerRespond performs the relay side of the handshake given its own
// identity/onion-key pair and the client's public key. It is exported for
// use by in-process relay simulators (mock dialers in tests); the client
// core itself never calls it.
func ServerRespond(id [20]byte, b [32]byte, onionPriv [32]byte, X [32]byte) (serverPK [32]byte, auth [32]byte, km *KeyMaterial, err error) {
	var y [32]byte
	if _, rerr := rand.Read(y[:]); rerr != nil {
		return serverPK, auth, nil, xerr.New(xerr.Crypto, "ntor.ServerRespond", rerr)
	}
	defer clear(y[:])

	Y, err := curve25519.X25519(y[:], curve25519.Basepoint)
	if err != nil {
		return serverPK, auth, nil, xerr.New(xerr.Crypto, "ntor.ServerRespond", err)
	}
	copy(serverPK[:], Y)

	secret, err := curve25519.X25519(y[:], X[:])
	if err != nil {
		return serverPK, auth, nil, xerr.New(xerr.Crypto, "ntor.ServerRespond", err)
	}

	okm, err := expand(secret, id, b, X, serverPK)
	if err != nil {
		return serverPK, auth, nil, err
	}
	defer clear(okm)

	copy(auth[:], okm[64:96])
	km = &KeyMaterial{}
	copy(km.ForwardKey[:], okm[0:32])
	copy(km.BackwardKey[:], okm[32:64])
	return serverPK, auth, km, nil
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

type errZeroSecret struct{}

func (errZeroSecret) Error() string { return "ECDH produced all-zeros point" }

type errAuthMismatch struct{}

func (errAuthMismatch) Error() string { return "authentication tag mismatch" }
