package sign

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSigningKeyNotConfigured(t *testing.T) {
	_, ok, err := LoadSigningKey(KeyConfig{})
	if err != nil {
		t.Fatalf("load signing key: %v", err)
	}
	if ok {
		t.Fatalf("expected no signing key without a source")
	}
	if (KeyConfig{}).Configured() {
		t.Fatalf("empty config should not report configured")
	}
}

func TestLoadSigningKeyEnv(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	t.Setenv("GOVLEDGER_PRIVATE_KEY", base64.StdEncoding.EncodeToString(kp.Private))
	t.Setenv("GOVLEDGER_PUBLIC_KEY", base64.StdEncoding.EncodeToString(kp.Public))

	loaded, ok, err := LoadSigningKey(KeyConfig{
		PrivateKeyEnv: "GOVLEDGER_PRIVATE_KEY",
		PublicKeyEnv:  "GOVLEDGER_PUBLIC_KEY",
	})
	if err != nil {
		t.Fatalf("load signing key: %v", err)
	}
	if !ok {
		t.Fatalf("expected signing key to be configured")
	}
	if !loaded.Private.Equal(kp.Private) || !loaded.Public.Equal(kp.Public) {
		t.Fatalf("loaded keypair mismatch")
	}
}

func TestLoadSigningKeyMismatch(t *testing.T) {
	kp1, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	kp2, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	t.Setenv("GOVLEDGER_PRIVATE_KEY", base64.StdEncoding.EncodeToString(kp1.Private))
	t.Setenv("GOVLEDGER_PUBLIC_KEY", base64.StdEncoding.EncodeToString(kp2.Public))

	if _, _, err := LoadSigningKey(KeyConfig{
		PrivateKeyEnv: "GOVLEDGER_PRIVATE_KEY",
		PublicKeyEnv:  "GOVLEDGER_PUBLIC_KEY",
	}); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestLoadSigningKeyRejectsBothSources(t *testing.T) {
	t.Setenv("GOVLEDGER_PRIVATE_KEY", "ignored")
	cfg := KeyConfig{PrivateKeyPath: "signing.key", PrivateKeyEnv: "GOVLEDGER_PRIVATE_KEY"}
	if _, _, err := LoadSigningKey(cfg); err == nil {
		t.Fatalf("expected error when both path and env are set")
	}
}

func TestLoadSigningKeyMissingEnv(t *testing.T) {
	if _, _, err := LoadSigningKey(KeyConfig{PrivateKeyEnv: "GOVLEDGER_TEST_UNSET_KEY"}); err == nil {
		t.Fatalf("expected error for unset env")
	}
}

func TestWriteKeyPairRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	cfg, keyID, err := WriteKeyPair(dir)
	if err != nil {
		t.Fatalf("write keypair: %v", err)
	}
	loaded, ok, err := LoadSigningKey(cfg)
	if err != nil || !ok {
		t.Fatalf("load written keypair: ok=%v err=%v", ok, err)
	}
	if KeyID(loaded.Public) != keyID {
		t.Fatalf("key id mismatch: %s vs %s", KeyID(loaded.Public), keyID)
	}
	info, err := os.Stat(cfg.PrivateKeyPath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Fatalf("private key must not be group or world readable: %v", info.Mode().Perm())
	}
	if _, _, err := WriteKeyPair(dir); err == nil {
		t.Fatalf("expected refusal to overwrite existing keys")
	}
}

func TestLoadVerifyKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	t.Setenv("GOVLEDGER_PRIVATE_KEY", base64.StdEncoding.EncodeToString(kp.Private))
	t.Setenv("GOVLEDGER_PUBLIC_KEY", base64.StdEncoding.EncodeToString(kp.Public))

	tests := []struct {
		name string
		cfg  KeyConfig
		ok   bool
	}{
		{name: "public", cfg: KeyConfig{PublicKeyEnv: "GOVLEDGER_PUBLIC_KEY"}, ok: true},
		{name: "derived_from_private", cfg: KeyConfig{PrivateKeyEnv: "GOVLEDGER_PRIVATE_KEY"}, ok: true},
		{name: "none", cfg: KeyConfig{}, ok: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pub, ok, err := LoadVerifyKey(tc.cfg)
			if err != nil {
				t.Fatalf("load verify key: %v", err)
			}
			if ok != tc.ok {
				t.Fatalf("expected ok=%v got %v", tc.ok, ok)
			}
			if ok && !pub.Equal(kp.Public) {
				t.Fatalf("public key mismatch")
			}
		})
	}
}
