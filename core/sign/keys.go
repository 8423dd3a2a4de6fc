package sign

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidahmann/govledger/core/fsx"
)

const (
	PrivateKeyFile = "signing.key"
	PublicKeyFile  = "signing.pub"
)

// KeyConfig names where signing material lives. Each key may come from a file
// or an environment variable holding base64, not both.
type KeyConfig struct {
	PrivateKeyPath string
	PublicKeyPath  string
	PrivateKeyEnv  string
	PublicKeyEnv   string
}

func (cfg KeyConfig) Configured() bool {
	return cfg.hasPrivateSource() || cfg.hasPublicSource()
}

// LoadSigningKey returns the configured key pair. ok is false when no private
// key source is configured; signing is optional.
func LoadSigningKey(cfg KeyConfig) (KeyPair, bool, error) {
	if !cfg.hasPrivateSource() {
		return KeyPair{}, false, nil
	}
	priv, err := loadPrivateKey(cfg)
	if err != nil {
		return KeyPair{}, false, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	if cfg.hasPublicSource() {
		loaded, err := loadPublicKey(cfg)
		if err != nil {
			return KeyPair{}, false, err
		}
		if !loaded.Equal(pub) {
			return KeyPair{}, false, fmt.Errorf("public key does not match private key")
		}
	}
	return KeyPair{Public: pub, Private: priv}, true, nil
}

// LoadVerifyKey prefers an explicit public key and falls back to deriving it
// from the private key. ok is false when neither is configured.
func LoadVerifyKey(cfg KeyConfig) (ed25519.PublicKey, bool, error) {
	if cfg.hasPublicSource() {
		pub, err := loadPublicKey(cfg)
		if err != nil {
			return nil, false, err
		}
		return pub, true, nil
	}
	if cfg.hasPrivateSource() {
		priv, err := loadPrivateKey(cfg)
		if err != nil {
			return nil, false, err
		}
		return priv.Public().(ed25519.PublicKey), true, nil
	}
	return nil, false, nil
}

// WriteKeyPair generates a key pair and writes it as base64 into dir. Existing
// key files are never overwritten.
func WriteKeyPair(dir string) (KeyConfig, string, error) {
	cfg := KeyConfig{
		PrivateKeyPath: filepath.Join(dir, PrivateKeyFile),
		PublicKeyPath:  filepath.Join(dir, PublicKeyFile),
	}
	for _, path := range []string{cfg.PrivateKeyPath, cfg.PublicKeyPath} {
		if _, err := os.Stat(path); err == nil {
			return KeyConfig{}, "", fmt.Errorf("key file already exists: %s", path)
		} else if !os.IsNotExist(err) {
			return KeyConfig{}, "", fmt.Errorf("stat key file: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return KeyConfig{}, "", fmt.Errorf("create key dir: %w", err)
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return KeyConfig{}, "", err
	}
	if err := fsx.CreateFileAtomic(cfg.PrivateKeyPath, []byte(base64.StdEncoding.EncodeToString(kp.Private)+"\n"), 0o600); err != nil {
		return KeyConfig{}, "", fmt.Errorf("write private key: %w", err)
	}
	if err := fsx.CreateFileAtomic(cfg.PublicKeyPath, []byte(base64.StdEncoding.EncodeToString(kp.Public)+"\n"), 0o644); err != nil {
		return KeyConfig{}, "", fmt.Errorf("write public key: %w", err)
	}
	return cfg, KeyID(kp.Public), nil
}

func (cfg KeyConfig) hasPrivateSource() bool {
	return cfg.PrivateKeyPath != "" || cfg.PrivateKeyEnv != ""
}

func (cfg KeyConfig) hasPublicSource() bool {
	return cfg.PublicKeyPath != "" || cfg.PublicKeyEnv != ""
}

func loadPrivateKey(cfg KeyConfig) (ed25519.PrivateKey, error) {
	if cfg.PrivateKeyPath != "" && cfg.PrivateKeyEnv != "" {
		return nil, fmt.Errorf("private key source: set either path or env")
	}
	if cfg.PrivateKeyPath != "" {
		return LoadPrivateKeyBase64(cfg.PrivateKeyPath)
	}
	encoded, ok := readEnvValue(cfg.PrivateKeyEnv)
	if !ok {
		return nil, fmt.Errorf("private key env not set: %s", cfg.PrivateKeyEnv)
	}
	return ParsePrivateKeyBase64(encoded)
}

func loadPublicKey(cfg KeyConfig) (ed25519.PublicKey, error) {
	if cfg.PublicKeyPath != "" && cfg.PublicKeyEnv != "" {
		return nil, fmt.Errorf("public key source: set either path or env")
	}
	if cfg.PublicKeyPath != "" {
		return LoadPublicKeyBase64(cfg.PublicKeyPath)
	}
	encoded, ok := readEnvValue(cfg.PublicKeyEnv)
	if !ok {
		return nil, fmt.Errorf("public key env not set: %s", cfg.PublicKeyEnv)
	}
	return ParsePublicKeyBase64(encoded)
}

func readEnvValue(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	val = strings.TrimSpace(val)
	return val, val != ""
}
