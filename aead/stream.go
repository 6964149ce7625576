// Package aead implements the per-hop authenticated stream cipher used to
// layer-encrypt relay cells: two independent AES-256-GCM contexts per hop
// (forward and backward), each keyed off the ntor handshake and advancing an
// independent 64-bit counter that seeds the nonce.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"math"

	"github.com/rivergate/shadowcircuit/xerr"
)

// TagOverhead is the per-seal ciphertext growth of AES-256-GCM (the
// authentication tag appended by cipher.AEAD.Seal).
const TagOverhead = 16

// HopCrypto holds one hop's forward and backward AEAD contexts plus their
// independent monotonic counters. Keys are copied locally so they can be
// zeroed on Close without reaching into the stdlib cipher's internals.
type HopCrypto struct {
	fwdKey [32]byte
	bwdKey [32]byte
	fwd    cipher.AEAD
	bwd    cipher.AEAD
	fwdCtr uint64
	bwdCtr uint64
}

// New builds forward/backward AES-256-GCM contexts from the given keys.
// Counters both start at 0 per spec.
func New(forwardKey, backwardKey [32]byte) (*HopCrypto, error) {
	fwdBlock, err := aes.NewCipher(forwardKey[:])
	if err != nil {
		return nil, xerr.New(xerr.Crypto, "aead.New forward cipher", err)
	}
	fwdGCM, err := cipher.NewGCM(fwdBlock)
	if err != nil {
		return nil, xerr.New(xerr.Crypto, "aead.New forward GCM", err)
	}
	bwdBlock, err := aes.NewCipher(backwardKey[:])
	if err != nil {
		return nil, xerr.New(xerr.Crypto, "aead.New backward cipher", err)
	}
	bwdGCM, err := cipher.NewGCM(bwdBlock)
	if err != nil {
		return nil, xerr.New(xerr.Crypto, "aead.New backward GCM", err)
	}
	hc := &HopCrypto{fwd: fwdGCM, bwd: bwdGCM}
	hc.fwdKey = forwardKey
	hc.bwdKey = backwardKey
	return hc, nil
}

func nonce(counter uint64) []byte {
	var n [12]byte
	// bytes 0..4 are the zero uint32 prefix; bytes 4..12 the big-endian counter.
	for i := 0; i < 8; i++ {
		n[11-i] = byte(counter >> (8 * i))
	}
	return n[:]
}

// Seal encrypts plaintext with the forward key at the current forward
// counter, then advances the counter. Fails with Resource if the counter has
// already reached its maximum value rather than wrapping silently.
func (h *HopCrypto) Seal(plaintext []byte) ([]byte, error) {
	if h.fwdCtr == math.MaxUint64 {
		return nil, xerr.New(xerr.Resource, "aead.Seal", fmt.Errorf("forward nonce counter exhausted"))
	}
	ct := h.fwd.Seal(nil, nonce(h.fwdCtr), plaintext, nil)
	h.fwdCtr++
	return ct, nil
}

// Open decrypts ciphertext with the backward key at the current backward
// counter, then advances the counter on success. The counter is NOT advanced
// on authentication failure, so a cell that fails to open leaves this hop's
// backward state unchanged.
func (h *HopCrypto) Open(ciphertext []byte) ([]byte, error) {
	if h.bwdCtr == math.MaxUint64 {
		return nil, xerr.New(xerr.Resource, "aead.Open", fmt.Errorf("backward nonce counter exhausted"))
	}
	pt, err := h.bwd.Open(nil, nonce(h.bwdCtr), ciphertext, nil)
	if err != nil {
		return nil, xerr.New(xerr.Crypto, "aead.Open", err)
	}
	h.bwdCtr++
	return pt, nil
}

// Zero overwrites the locally held key copies. The stdlib cipher.AEAD
// instances themselves are left to the garbage collector; only the raw key
// material we still hold directly is zeroed.
func (h *HopCrypto) Zero() {
	clear(h.fwdKey[:])
	clear(h.bwdKey[:])
}
