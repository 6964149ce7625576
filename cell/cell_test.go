package cell

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/rivergate/shadowcircuit/xerr"
)

func TestFixedCellRoundTrip(t *testing.T) {
	c := NewFixedCell(0x80000001, CmdRelay)
	c.Payload()[0] = 0xAB
	if len(c) != FixedCellLen {
		t.Fatalf("expected %d bytes, got %d", FixedCellLen, len(c))
	}
	if c.CircID() != 0x80000001 {
		t.Fatal("circID mismatch")
	}
	if c.Command() != CmdRelay {
		t.Fatal("command mismatch")
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteCell(c); err != nil {
		t.Fatal(err)
	}
	r := NewReader(bufio.NewReader(&buf))
	got, err := r.ReadCell()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(c, got) {
		t.Fatal("round-trip mismatch")
	}
}

func TestNewRejectsOversizePayload(t *testing.T) {
	payload := make([]byte, MaxPayloadLen+1)
	if _, err := New(1, CmdRelay, payload); !xerr.Is(err, xerr.InputFormat) {
		t.Fatalf("expected InputFormat, got %v", err)
	}
}

func TestNewExactMaxPayload(t *testing.T) {
	payload := make([]byte, MaxPayloadLen)
	payload[0] = 0x01
	c, err := New(1, CmdRelay, payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(c) != FixedCellLen {
		t.Fatalf("expected %d bytes, got %d", FixedCellLen, len(c))
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	if _, err := NewReader(bufio.NewReader(bytes.NewReader(make([]byte, 10)))).ReadCell(); err == nil {
		t.Fatal("expected short read to fail")
	}
}

func TestCreate2RoundTrip(t *testing.T) {
	var clientPK [32]byte
	for i := range clientPK {
		clientPK[i] = 0xAA
	}
	payload := EncodeCreate2(clientPK)
	if len(payload) != 36 {
		t.Fatalf("expected 36-byte CREATE2 payload, got %d", len(payload))
	}
	want := []byte{0x00, 0x02, 0x00, 0x20}
	if !bytes.Equal(payload[:4], want) {
		t.Fatalf("header mismatch: got %x want %x", payload[:4], want)
	}

	gotPK, err := DecodeCreate2(payload)
	if err != nil {
		t.Fatal(err)
	}
	if gotPK != clientPK {
		t.Fatal("client pubkey mismatch")
	}
}

func TestDecodeCreate2RejectsUnknownType(t *testing.T) {
	payload := EncodeCreate2([32]byte{})
	payload[1] = 0x09 // handshake type 9, not ntor
	if _, err := DecodeCreate2(payload); !xerr.Is(err, xerr.InputFormat) {
		t.Fatalf("expected InputFormat, got %v", err)
	}
}

func TestCreated2RoundTrip(t *testing.T) {
	var serverPK, auth [32]byte
	for i := range serverPK {
		serverPK[i] = 0xBB
		auth[i] = 0xCC
	}
	payload := EncodeCreated2(serverPK, auth)
	if len(payload) != 66 {
		t.Fatalf("expected 66-byte CREATED2 payload, got %d", len(payload))
	}

	gotPK, gotAuth, err := DecodeCreated2(payload)
	if err != nil {
		t.Fatal(err)
	}
	if gotPK != serverPK || gotAuth != auth {
		t.Fatal("decoded fields mismatch")
	}
}

func TestDecodeCreated2RejectsBadLength(t *testing.T) {
	payload := EncodeCreated2([32]byte{}, [32]byte{})
	payload[1] = 63 // claim 63 instead of 64
	if _, _, err := DecodeCreated2(payload); !xerr.Is(err, xerr.InputFormat) {
		t.Fatalf("expected InputFormat, got %v", err)
	}
}
