package main

import (
	"fmt"
	"path/filepath"

	"github.com/davidahmann/govledger/core/sign"
)

type keysInitOutput struct {
	OK             bool   `json:"ok"`
	KeyID          string `json:"key_id,omitempty"`
	PublicKeyPath  string `json:"public_key_path,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	errorFields
}

func runKeys(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Manage the ed25519 key used to sign manifests and ledger head attestations.")
	}
	if len(arguments) == 0 {
		printKeysUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "init":
		return runKeysInit(arguments[1:])
	case "--help", "-h":
		printKeysUsage()
		return exitOK
	default:
		printKeysUsage()
		return exitInvalidInput
	}
}

func runKeysInit(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{"config": true, "out-dir": true})
	var common commonFlags
	flagSet := newFlagSet("keys-init", &common)
	var outDir string
	flagSet.StringVar(&outDir, "out-dir", filepath.Join(".govledger", "keys"), "directory for generated key files")

	if err := flagSet.Parse(arguments); err != nil {
		return writeKeysInitOutput(common.jsonOutput, keysInitOutput{errorFields: errorFieldsFor(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printKeysUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		err := wrapInvalid(fmt.Errorf("unexpected positional arguments"))
		return writeKeysInitOutput(common.jsonOutput, keysInitOutput{errorFields: errorFieldsFor(err, exitInvalidInput)}, exitInvalidInput)
	}

	keyConfig, keyID, err := sign.WriteKeyPair(outDir)
	if err != nil {
		return writeKeysInitOutput(common.jsonOutput, keysInitOutput{errorFields: errorFieldsFor(err, exitStateConflict)}, exitStateConflict)
	}
	return writeKeysInitOutput(common.jsonOutput, keysInitOutput{
		OK:             true,
		KeyID:          keyID,
		PublicKeyPath:  keyConfig.PublicKeyPath,
		PrivateKeyPath: keyConfig.PrivateKeyPath,
	}, exitOK)
}

func writeKeysInitOutput(jsonOutput bool, output keysInitOutput, exitCode int) int {
	return emit(jsonOutput, output, exitCode, func() {
		if output.OK {
			fmt.Printf("keys init ok: key_id=%s public=%s private=%s\n", output.KeyID, output.PublicKeyPath, output.PrivateKeyPath)
			fmt.Println("add signing.private_key and signing.public_key to the workspace config to sign manifests")
			return
		}
		fmt.Printf("keys init error: %s\n", output.Error)
	})
}

func printKeysUsage() {
	fmt.Println("Usage:")
	fmt.Println("  govledger keys init [--out-dir <dir>] [--json] [--explain]")
}
