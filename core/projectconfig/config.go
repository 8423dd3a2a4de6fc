package projectconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog"

	"github.com/davidahmann/govledger/core/sign"
)

const DefaultPath = ".govledger/config.yaml"

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	FormatJSON    = "json"
	FormatConsole = "console"
)

const (
	defaultLedgerPath      = ".govledger/ledger.jsonl"
	defaultPolicyDir       = ".govledger/policies"
	defaultManifestDir     = ".govledger/manifests"
	defaultDatabaseURLEnv  = "GOVLEDGER_DATABASE_URL"
	defaultListen          = "127.0.0.1:8787"
	defaultMaxRequestBytes = 1 << 20
)

type Config struct {
	Ledger  LedgerConfig  `yaml:"ledger"`
	Stores  StoresConfig  `yaml:"stores"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Signing SigningConfig `yaml:"signing"`
}

type LedgerConfig struct {
	Path string `yaml:"path"`
}

type StoresConfig struct {
	Backend        string `yaml:"backend"`
	PolicyDir      string `yaml:"policy_dir"`
	ManifestDir    string `yaml:"manifest_dir"`
	DatabaseURLEnv string `yaml:"database_url_env"`
}

type ServerConfig struct {
	Listen          string `yaml:"listen"`
	MaxRequestBytes int64  `yaml:"max_request_bytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SigningConfig struct {
	PrivateKey    string `yaml:"private_key"` // #nosec G117 -- config key name documents expected secret input.
	PrivateKeyEnv string `yaml:"private_key_env"`
	PublicKey     string `yaml:"public_key"`
	PublicKeyEnv  string `yaml:"public_key_env"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var configuration Config
	configuration.normalize()
	return configuration
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Default(), nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse project config: %w", err)
	}
	configuration.normalize()
	if err := configuration.Validate(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

func (configuration Config) Validate() error {
	switch configuration.Stores.Backend {
	case BackendFile, BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("stores.backend must be one of file, postgres, memory (got %q)", configuration.Stores.Backend)
	}
	switch configuration.Log.Format {
	case FormatJSON, FormatConsole:
	default:
		return fmt.Errorf("log.format must be json or console (got %q)", configuration.Log.Format)
	}
	if _, err := configuration.LogLevel(); err != nil {
		return err
	}
	if configuration.Server.MaxRequestBytes <= 0 {
		return fmt.Errorf("server.max_request_bytes must be > 0")
	}
	return nil
}

func (configuration Config) LogLevel() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(configuration.Log.Level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// DatabaseURL reads the Postgres DSN from the configured environment variable.
func (configuration Config) DatabaseURL() (string, error) {
	value := strings.TrimSpace(os.Getenv(configuration.Stores.DatabaseURLEnv))
	if value == "" {
		return "", fmt.Errorf("%s is not set", configuration.Stores.DatabaseURLEnv)
	}
	return value, nil
}

func (configuration Config) KeyConfig() sign.KeyConfig {
	return sign.KeyConfig{
		PrivateKeyPath: configuration.Signing.PrivateKey,
		PrivateKeyEnv:  configuration.Signing.PrivateKeyEnv,
		PublicKeyPath:  configuration.Signing.PublicKey,
		PublicKeyEnv:   configuration.Signing.PublicKeyEnv,
	}
}

func (configuration *Config) normalize() {
	configuration.Ledger.Path = withDefault(configuration.Ledger.Path, defaultLedgerPath)
	configuration.Stores.Backend = strings.ToLower(withDefault(configuration.Stores.Backend, BackendFile))
	configuration.Stores.PolicyDir = withDefault(configuration.Stores.PolicyDir, defaultPolicyDir)
	configuration.Stores.ManifestDir = withDefault(configuration.Stores.ManifestDir, defaultManifestDir)
	configuration.Stores.DatabaseURLEnv = withDefault(configuration.Stores.DatabaseURLEnv, defaultDatabaseURLEnv)
	configuration.Server.Listen = withDefault(configuration.Server.Listen, defaultListen)
	if configuration.Server.MaxRequestBytes == 0 {
		configuration.Server.MaxRequestBytes = defaultMaxRequestBytes
	}
	configuration.Log.Level = strings.ToLower(withDefault(configuration.Log.Level, "info"))
	configuration.Log.Format = strings.ToLower(withDefault(configuration.Log.Format, FormatJSON))
	configuration.Signing.PrivateKey = strings.TrimSpace(configuration.Signing.PrivateKey)
	configuration.Signing.PrivateKeyEnv = strings.TrimSpace(configuration.Signing.PrivateKeyEnv)
	configuration.Signing.PublicKey = strings.TrimSpace(configuration.Signing.PublicKey)
	configuration.Signing.PublicKeyEnv = strings.TrimSpace(configuration.Signing.PublicKeyEnv)
}

func withDefault(value string, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
