// Package sign holds the ed25519 primitives used to attest manifests and
// ledger heads. Signatures cover a SHA-256 digest, never raw content.
package sign

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
)

const AlgEd25519 = "ed25519"

type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

type Signature = schemagov.Signature

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyID is the hex SHA-256 of the raw public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// signBytes is unexported so that every public signature covers a digest.
func signBytes(priv ed25519.PrivateKey, data []byte) Signature {
	return Signature{
		Alg:   AlgEd25519,
		KeyID: KeyID(priv.Public().(ed25519.PublicKey)),
		Sig:   base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data)),
	}
}

func verifyBytes(pub ed25519.PublicKey, sig Signature, data []byte) (bool, error) {
	switch {
	case sig.Alg != AlgEd25519:
		return false, fmt.Errorf("unsupported alg: %s", sig.Alg)
	case sig.KeyID != "" && sig.KeyID != KeyID(pub):
		return false, fmt.Errorf("key id mismatch: signed by %s", sig.KeyID)
	}
	rawSig, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return false, fmt.Errorf("decode sig: %w", err)
	}
	if len(rawSig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature length: %d", len(rawSig))
	}
	return ed25519.Verify(pub, data, rawSig), nil
}

// SignDigestHex signs the decoded bytes of a 64-char hex digest and records
// the digest on the signature.
func SignDigestHex(priv ed25519.PrivateKey, digestHex string) (Signature, error) {
	digest, err := decodeDigest(digestHex)
	if err != nil {
		return Signature{}, err
	}
	sig := signBytes(priv, digest)
	sig.SignedDigest = digestHex
	return sig, nil
}

func VerifyDigestHex(pub ed25519.PublicKey, sig Signature) (bool, error) {
	if sig.SignedDigest == "" {
		return false, fmt.Errorf("missing signed_digest")
	}
	digest, err := decodeDigest(sig.SignedDigest)
	if err != nil {
		return false, err
	}
	return verifyBytes(pub, sig, digest)
}

func decodeDigest(digestHex string) ([]byte, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("invalid digest length: %d", len(digest))
	}
	return digest, nil
}

func LoadPrivateKeyBase64(path string) (ed25519.PrivateKey, error) {
	encoded, err := readKeyFile(path, "private")
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyBase64(encoded)
}

func LoadPublicKeyBase64(path string) (ed25519.PublicKey, error) {
	encoded, err := readKeyFile(path, "public")
	if err != nil {
		return nil, err
	}
	return ParsePublicKeyBase64(encoded)
}

func ParsePrivateKeyBase64(encoded string) (ed25519.PrivateKey, error) {
	raw, err := decodeKey(encoded, "private", ed25519.PrivateKeySize)
	return ed25519.PrivateKey(raw), err
}

func ParsePublicKeyBase64(encoded string) (ed25519.PublicKey, error) {
	raw, err := decodeKey(encoded, "public", ed25519.PublicKeySize)
	return ed25519.PublicKey(raw), err
}

func readKeyFile(path string, kind string) (string, error) {
	// #nosec G304 -- key path comes from operator config.
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s key: %w", kind, err)
	}
	return string(bytes.TrimSpace(content)), nil
}

func decodeKey(encoded string, kind string, size int) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode %s key: %w", kind, err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("invalid %s key length: %d", kind, len(raw))
	}
	return raw, nil
}
