package circuit

import (
	"bytes"
	"testing"

	"github.com/rivergate/shadowcircuit/aead"
	"github.com/rivergate/shadowcircuit/cell"
)

func testCircuitWithHops(t *testing.T, n int) *Circuit {
	t.Helper()
	c := &Circuit{id: 1}
	for i := 0; i < n; i++ {
		var fwd, bwd [32]byte
		fwd[0] = byte(i + 1)
		bwd[0] = byte(i + 100)
		hc, err := aead.New(fwd, bwd)
		if err != nil {
			t.Fatal(err)
		}
		c.hops = append(c.hops, &Hop{Crypto: hc})
	}
	return c
}

// mirrorCircuit builds the "other side" of a circuit's AEAD state — the
// relay-chain simulator's view — by swapping forward/backward per hop, so
// what the client seals, the mirror can open, and vice versa.
func mirrorCircuit(t *testing.T, n int) *Circuit {
	t.Helper()
	c := &Circuit{id: 1}
	for i := 0; i < n; i++ {
		var fwd, bwd [32]byte
		fwd[0] = byte(i + 1)
		bwd[0] = byte(i + 100)
		hc, err := aead.New(bwd, fwd) // swapped
		if err != nil {
			t.Fatal(err)
		}
		c.hops = append(c.hops, &Hop{Crypto: hc})
	}
	return c
}

func TestEncryptRelayProducesFixedSizePayload(t *testing.T) {
	c := testCircuitWithHops(t, 3)
	out, err := c.encryptRelay(RelayData, 7, []byte("hello"))
	if err != nil {
		t.Fatalf("encryptRelay: %v", err)
	}
	if len(out.Payload()) != 509 {
		t.Fatalf("payload length = %d, want 509", len(out.Payload()))
	}
	if out.Payload()[relayCommandOff] == RelayData {
		t.Fatal("payload appears to be unencrypted")
	}
}

func TestEncryptRelayDataTooLarge(t *testing.T) {
	c := testCircuitWithHops(t, 3)
	bigData := make([]byte, MaxRelayDataLen+1)
	_, err := c.encryptRelay(RelayData, 1, bigData)
	if err == nil {
		t.Fatal("expected error for oversized data")
	}
}

func TestEncryptRelayNoHops(t *testing.T) {
	c := &Circuit{id: 1}
	_, err := c.encryptRelay(RelayData, 1, []byte("x"))
	if err == nil {
		t.Fatal("expected error for a hopless circuit")
	}
}

// TestLayeredRoundTrip seals a relay cell the way the client does (target
// hop innermost, guard outermost) and confirms the mirror side — playing
// every hop's role — peels it back to the original plaintext in forward
// hop order, exactly as the wire protocol requires.
func TestLayeredRoundTrip(t *testing.T) {
	client := testCircuitWithHops(t, 3)
	mirror := mirrorCircuit(t, 3)

	sealed, err := client.encryptRelay(RelayData, 42, []byte("onion layers"))
	if err != nil {
		t.Fatalf("encryptRelay: %v", err)
	}

	layer := append([]byte(nil), sealed.Payload()...)
	for _, h := range mirror.hops {
		layer, err = h.Crypto.Open(layer)
		if err != nil {
			t.Fatalf("peel failed: %v", err)
		}
	}
	if layer[relayCommandOff] != RelayData {
		t.Fatalf("command = %d, want %d", layer[relayCommandOff], RelayData)
	}
	dataLen := int(layer[relayLengthOff])<<8 | int(layer[relayLengthOff+1])
	got := layer[relayDataOff : relayDataOff+dataLen]
	if !bytes.Equal(got, []byte("onion layers")) {
		t.Fatalf("data = %q, want %q", got, "onion layers")
	}
}

func TestDecryptRelayFailsOnGarbage(t *testing.T) {
	c := testCircuitWithHops(t, 3)
	garbage := make([]byte, 509)
	for i := range garbage {
		garbage[i] = 0xFF
	}
	in, err := cell.New(1, cell.CmdRelay, garbage)
	if err != nil {
		t.Fatal(err)
	}
	_, _, _, err = c.decryptRelay(in)
	if err == nil {
		t.Fatal("expected error for unrecognized/garbage cell")
	}
}

func TestDecryptRelayNoHops(t *testing.T) {
	c := &Circuit{id: 1}
	garbage := make([]byte, 509)
	in, err := cell.New(1, cell.CmdRelay, garbage)
	if err != nil {
		t.Fatal(err)
	}
	_, _, _, err = c.decryptRelay(in)
	if err == nil {
		t.Fatal("expected error for a hopless circuit")
	}
}

func TestInnerCapacityBudget(t *testing.T) {
	for hops := 1; hops <= 8; hops++ {
		cap := innerCapacity(hops)
		if cap+hops*aead.TagOverhead != 509 {
			t.Fatalf("hops=%d: capacity %d + overhead %d != 509", hops, cap, hops*aead.TagOverhead)
		}
	}
}
