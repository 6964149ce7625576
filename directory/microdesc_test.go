package directory

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestParseMicrodescriptor(t *testing.T) {
	ntorKeyBytes := make([]byte, 32)
	for i := range ntorKeyBytes {
		ntorKeyBytes[i] = byte(i)
	}
	ntorKeyB64 := base64.RawStdEncoding.EncodeToString(ntorKeyBytes)

	text := "onion-key\n-----BEGIN RSA PUBLIC KEY-----\nMIGJAoGBALRFSomething\n-----END RSA PUBLIC KEY-----\nntor-onion-key " + ntorKeyB64 + "\n"

	ntorKey, hasNtor := ParseMicrodescriptor(text)
	if !hasNtor {
		t.Fatal("expected ntor key")
	}
	for i := 0; i < 32; i++ {
		if ntorKey[i] != byte(i) {
			t.Fatalf("ntor key byte %d: got %d, want %d", i, ntorKey[i], i)
		}
	}
}

func TestParseMicrodescriptorNoKeys(t *testing.T) {
	text := "onion-key\n-----BEGIN RSA PUBLIC KEY-----\nstuff\n-----END RSA PUBLIC KEY-----\n"
	_, hasNtor := ParseMicrodescriptor(text)
	if hasNtor {
		t.Fatal("should not have ntor key")
	}
}

func TestDigestMatchingPipeline(t *testing.T) {
	microdesc := "onion-key\n-----BEGIN RSA PUBLIC KEY-----\nMIGJAoGBATest\n-----END RSA PUBLIC KEY-----\nntor-onion-key AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA\n"

	hash := sha256.Sum256([]byte(microdesc))
	digestB64 := base64.RawStdEncoding.EncodeToString(hash[:])

	mLineDigest := "sha256=" + digestB64
	parsed := mLineDigest
	if len(parsed) > 7 && parsed[:7] == "sha256=" {
		parsed = parsed[7:]
	}

	entries := splitMicrodescriptors(microdesc)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entryHash := sha256.Sum256([]byte(entries[0]))
	entryDigest := base64.RawStdEncoding.EncodeToString(entryHash[:])

	if entryDigest != parsed {
		t.Fatalf("digest mismatch: split entry %q != consensus %q", entryDigest, parsed)
	}
}

func TestSplitMicrodescriptors(t *testing.T) {
	body := "onion-key\nfirst entry\nntor-onion-key AAA\nonion-key\nsecond entry\nntor-onion-key BBB\n"
	entries := splitMicrodescriptors(body)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}
