package directory

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"
)

// dirAuthorityFingerprints lists the known directory-authority identity
// fingerprints (SHA-1 of identity key, hex uppercase) that ValidateSignatures
// will count toward quorum. Signature verification is an optional extension
// point per spec §4.3/§7 Open Question #1: the core itself accepts an
// unsigned consensus when sources agree on a non-empty relay map, and this
// hook is only wired in by a caller that wants a stricter policy.
var dirAuthorityFingerprints = map[string]bool{
	"F533C81CEF0BC0267857C99B2F471ADF249FA232": true, // moria1
	"2F3DF9CA0E5D36F2685A2DA67184EB8DCB8CBA8C": true, // tor26
	"E8A9C45EDE6D711294FADF8E7951F4DE6CA56B58": true, // dizum
	"70849B868D606BAECFB6128C5E3D782029AA394F": true, // Faravahar
	"23D15D965BC35114467363C165C4F724B64B4F66": true, // longclaw
	"27102BC123E7AF1D4741AE047E160C91ADC76B21": true, // bastet
	"0232AF901C31A04EE9848595AF9BB7620D4C5B2E": true, // dannenberg
	"49015F787433103580E3B66A1707A00E60F2D15B": true, // maatuska
	"ED03BB616EB2F60BEC80151114BB25CEF515B226": true, // gabelmoo
}

// ValidateSignatures cryptographically verifies RSA signatures on the
// consensus against the given authority key certificates, requiring at
// least minQuorum valid signatures. This is the optional stricter policy; it
// is never invoked unless a caller wires it in via Client.WithSignatureValidation.
func ValidateSignatures(text string, certs []KeyCert, minQuorum int) error {
	certByDigest := make(map[string]*KeyCert, len(certs))
	for i := range certs {
		certByDigest[certs[i].SigningKeyDigest] = &certs[i]
	}

	signedContentEnd := strings.Index(text, "\ndirectory-signature ")
	if signedContentEnd < 0 {
		return fmt.Errorf("no directory-signature found in consensus")
	}
	signedContentEnd += len("\ndirectory-signature ")
	signedContent := text[:signedContentEnd]

	verified := make(map[string]bool)
	for _, sig := range parseSignatureBlocks(text) {
		if !dirAuthorityFingerprints[sig.identity] {
			continue
		}
		cert, ok := certByDigest[sig.signingKeyDigest]
		if !ok || cert.IdentityFingerprint != sig.identity {
			continue
		}

		var h hash.Hash
		switch sig.algorithm {
		case "sha1", "":
			h = sha1.New()
		case "sha256":
			h = sha256.New()
		default:
			continue
		}
		h.Write([]byte(signedContent))
		digest := h.Sum(nil)

		// Directory signatures use PKCS#1 v1.5 padding without the ASN.1
		// DigestInfo prefix; crypto.Hash(0) tells Go to verify raw padding.
		if rsa.VerifyPKCS1v15(cert.SigningKey, crypto.Hash(0), digest, sig.signature) != nil {
			continue
		}
		verified[sig.identity] = true
	}

	if len(verified) < minQuorum {
		return fmt.Errorf("consensus has %d valid signatures, need at least %d", len(verified), minQuorum)
	}
	return nil
}

type signatureBlock struct {
	algorithm        string
	identity         string
	signingKeyDigest string
	signature        []byte
}

func parseSignatureBlocks(text string) []signatureBlock {
	var blocks []signatureBlock
	remaining := text

	for {
		idx := strings.Index(remaining, "\ndirectory-signature ")
		if idx < 0 {
			break
		}
		remaining = remaining[idx+1:]

		lineEnd := strings.Index(remaining, "\n")
		if lineEnd < 0 {
			break
		}
		line := strings.TrimRight(remaining[:lineEnd], "\r")
		parts := strings.Fields(line)

		var sig signatureBlock
		switch len(parts) {
		case 3:
			sig.algorithm = "sha1"
			sig.identity = strings.ToUpper(parts[1])
			sig.signingKeyDigest = strings.ToUpper(parts[2])
		case 4:
			sig.algorithm = parts[1]
			sig.identity = strings.ToUpper(parts[2])
			sig.signingKeyDigest = strings.ToUpper(parts[3])
		default:
			continue
		}

		remaining = remaining[lineEnd+1:]
		sigStart := strings.Index(remaining, "-----BEGIN SIGNATURE-----")
		if sigStart < 0 {
			continue
		}
		sigEnd := strings.Index(remaining, "-----END SIGNATURE-----")
		if sigEnd < 0 {
			continue
		}

		b64 := remaining[sigStart+len("-----BEGIN SIGNATURE-----") : sigEnd]
		b64 = strings.NewReplacer("\n", "", "\r", "", " ", "").Replace(b64)

		sigBytes, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			continue
		}
		sig.signature = sigBytes
		blocks = append(blocks, sig)

		remaining = remaining[sigEnd:]
	}

	return blocks
}
