package directory

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// signedConsensusFor builds a minimal consensus text signed by key under the
// given authority fingerprint, along with the signing-key digest the
// matching key certificate must advertise.
func signedConsensusFor(t *testing.T, fp string, key *rsa.PrivateKey) (text string, signingKeyDigest string) {
	t.Helper()
	der := x509.MarshalPKCS1PublicKey(&key.PublicKey)
	digest := sha1.Sum(der)
	signingKeyDigest = strings.ToUpper(hex.EncodeToString(digest[:]))

	preamble := "network-status-version 3 microdesc\nvote-status consensus\n"
	signedContent := preamble + "directory-signature "
	h := sha256.Sum256([]byte(signedContent))
	sigBytes, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.Hash(0), h[:])
	if err != nil {
		t.Fatal(err)
	}
	b64 := base64.StdEncoding.EncodeToString(sigBytes)
	text = preamble + fmt.Sprintf("directory-signature sha256 %s %s\n-----BEGIN SIGNATURE-----\n%s\n-----END SIGNATURE-----\n",
		fp, signingKeyDigest, b64)
	return text, signingKeyDigest
}

func keyCertServer(t *testing.T, certText string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tor/keys/all" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, certText)
	}))
}

func TestFetchKeyCertsFetchesParsesAndFiltersKnownAuthorities(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	fp := "F533C81CEF0BC0267857C99B2F471ADF249FA232" // moria1
	certText := buildTestKeyCert(fp, time.Now().Add(365*24*time.Hour), &key.PublicKey)

	srv := keyCertServer(t, certText)
	defer srv.Close()

	certs, err := FetchKeyCerts(context.Background(), []string{srv.Listener.Addr().String()})
	if err != nil {
		t.Fatalf("FetchKeyCerts: %v", err)
	}
	if len(certs) != 1 || certs[0].IdentityFingerprint != fp {
		t.Fatalf("unexpected certs: %+v", certs)
	}
}

func TestFetchKeyCertsTriesNextAddrOnFailure(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	fp := "F533C81CEF0BC0267857C99B2F471ADF249FA232"
	certText := buildTestKeyCert(fp, time.Now().Add(365*24*time.Hour), &key.PublicKey)

	good := keyCertServer(t, certText)
	defer good.Close()

	certs, err := FetchKeyCerts(context.Background(), []string{"127.0.0.1:1", good.Listener.Addr().String()})
	if err != nil {
		t.Fatalf("FetchKeyCerts: %v", err)
	}
	if len(certs) != 1 {
		t.Fatalf("expected fallback to succeed, got %d certs", len(certs))
	}
}

func TestFetchKeyCertsAllSourcesFail(t *testing.T) {
	_, err := FetchKeyCerts(context.Background(), []string{"127.0.0.1:1"})
	if err == nil {
		t.Fatal("expected error when every address fails")
	}
}

func TestNewAuthorityValidatorAcceptsQuorumMet(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	fp := "F533C81CEF0BC0267857C99B2F471ADF249FA232" // moria1
	certText := buildTestKeyCert(fp, time.Now().Add(365*24*time.Hour), &key.PublicKey)

	srv := keyCertServer(t, certText)
	defer srv.Close()

	consensusText, _ := signedConsensusFor(t, fp, key)

	validator := NewAuthorityValidator([]string{srv.Listener.Addr().String()}, 1)
	if err := validator(context.Background(), consensusText); err != nil {
		t.Fatalf("validator: %v", err)
	}
}

func TestNewAuthorityValidatorRejectsQuorumNotMet(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	fp := "F533C81CEF0BC0267857C99B2F471ADF249FA232" // moria1
	certText := buildTestKeyCert(fp, time.Now().Add(365*24*time.Hour), &key.PublicKey)

	srv := keyCertServer(t, certText)
	defer srv.Close()

	consensusText, _ := signedConsensusFor(t, fp, key)

	// Only one authority ever signs in this test, so a quorum of 2 can't be met.
	validator := NewAuthorityValidator([]string{srv.Listener.Addr().String()}, 2)
	if err := validator(context.Background(), consensusText); err == nil {
		t.Fatal("expected quorum error")
	}
}

func TestClientWithSignatureValidationInstallsHook(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	fp := "F533C81CEF0BC0267857C99B2F471ADF249FA232"
	certText := buildTestKeyCert(fp, time.Now().Add(365*24*time.Hour), &key.PublicKey)

	srv := keyCertServer(t, certText)
	defer srv.Close()

	consensusText, _ := signedConsensusFor(t, fp, key)

	c := NewClient(nil, nil)
	c.WithSignatureValidation(NewAuthorityValidator([]string{srv.Listener.Addr().String()}, 1))

	if c.validate == nil {
		t.Fatal("expected validate hook to be installed")
	}
	if err := c.validate(context.Background(), consensusText); err != nil {
		t.Fatalf("installed hook: %v", err)
	}
}
