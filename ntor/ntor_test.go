package ntor

import (
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"

	"github.com/rivergate/shadowcircuit/xerr"
)

func TestNtorHandshakeRoundTrip(t *testing.T) {
	var onionPriv [32]byte
	rand.Read(onionPriv[:])
	onionPub, err := curve25519.X25519(onionPriv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatal(err)
	}
	var B [32]byte
	copy(B[:], onionPub)

	var id [20]byte
	rand.Read(id[:])

	hs, err := NewHandshake(id, B)
	if err != nil {
		t.Fatalf("NewHandshake: %v", err)
	}
	defer hs.Close()

	serverPK, auth, serverKM, err := ServerRespond(id, B, onionPriv, hs.ClientPublicKey())
	if err != nil {
		t.Fatalf("ServerRespond: %v", err)
	}

	clientKM, err := hs.Complete(serverPK, auth)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if clientKM.ForwardKey != serverKM.ForwardKey {
		t.Fatal("forward keys diverge between client and server")
	}
	if clientKM.BackwardKey != serverKM.BackwardKey {
		t.Fatal("backward keys diverge between client and server")
	}
	if clientKM.ForwardKey == [32]byte{} || clientKM.BackwardKey == [32]byte{} {
		t.Fatal("derived keys are zero")
	}
}

func TestNtorBadAuthFails(t *testing.T) {
	var onionPriv [32]byte
	rand.Read(onionPriv[:])
	onionPub, _ := curve25519.X25519(onionPriv[:], curve25519.Basepoint)
	var B [32]byte
	copy(B[:], onionPub)

	var id [20]byte
	rand.Read(id[:])

	hs, _ := NewHandshake(id, B)
	defer hs.Close()

	serverPK, auth, _, err := ServerRespond(id, B, onionPriv, hs.ClientPublicKey())
	if err != nil {
		t.Fatal(err)
	}
	auth[0] ^= 0xFF

	if _, err := hs.Complete(serverPK, auth); !xerr.Is(err, xerr.Crypto) {
		t.Fatalf("expected Crypto error, got %v", err)
	}
}

func TestNtorWrongIdentityFails(t *testing.T) {
	var onionPriv [32]byte
	rand.Read(onionPriv[:])
	onionPub, _ := curve25519.X25519(onionPriv[:], curve25519.Basepoint)
	var B [32]byte
	copy(B[:], onionPub)

	var id, wrongID [20]byte
	rand.Read(id[:])
	rand.Read(wrongID[:])

	hs, _ := NewHandshake(wrongID, B)
	defer hs.Close()

	serverPK, auth, _, err := ServerRespond(id, B, onionPriv, hs.ClientPublicKey())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := hs.Complete(serverPK, auth); !xerr.Is(err, xerr.Crypto) {
		t.Fatalf("expected Crypto error from identity mismatch, got %v", err)
	}
}

func TestClientPublicKeyNonZero(t *testing.T) {
	var id [20]byte
	var b [32]byte
	hs, err := NewHandshake(id, b)
	if err != nil {
		t.Fatal(err)
	}
	if hs.ClientPublicKey() == [32]byte{} {
		t.Fatal("client public key is zero")
	}
}
