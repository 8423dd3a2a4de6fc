package sign

import (
	"crypto/ed25519"
	"fmt"

	"github.com/davidahmann/govledger/core/hashchain"
)

// SignRecord signs the canonical digest of record.
func SignRecord(priv ed25519.PrivateKey, record any) (Signature, error) {
	digest, err := hashchain.DigestRecord(record)
	if err != nil {
		return Signature{}, err
	}
	return SignDigestHex(priv, digest)
}

// VerifyRecord checks that sig covers the canonical digest of record.
func VerifyRecord(pub ed25519.PublicKey, sig Signature, record any) (bool, error) {
	digest, err := hashchain.DigestRecord(record)
	if err != nil {
		return false, err
	}
	if sig.SignedDigest == "" {
		return false, fmt.Errorf("missing signed_digest")
	}
	if sig.SignedDigest != digest {
		return false, fmt.Errorf("signed_digest mismatch")
	}
	return VerifyDigestHex(pub, sig)
}
