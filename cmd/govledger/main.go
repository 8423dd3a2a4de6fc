package main

import (
	"fmt"
	"os"
	"strings"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK              = 0
	exitInternalFailure = 1
	exitVerifyFailed    = 2
	exitConsentDenied   = 3
	exitStateConflict   = 4
	exitLedgerCorrupt   = 5
	exitInvalidInput    = 6
)

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	if len(arguments) < 2 {
		fmt.Println("govledger", version)
		return exitOK
	}
	if arguments[1] == "--explain" {
		return writeExplain("govledger records consent-gated clinical AI activity in a hash-chained ledger and verifies it together with the off-ledger reproducibility manifests.")
	}

	switch arguments[1] {
	case "policy":
		return runPolicy(arguments[2:])
	case "infer":
		return runInfer(arguments[2:])
	case "access":
		return runAccess(arguments[2:])
	case "verify":
		return runVerify(arguments[2:])
	case "head":
		return runHead(arguments[2:])
	case "keys":
		return runKeys(arguments[2:])
	case "serve":
		return runServe(arguments[2:])
	case "version", "--version", "-v":
		if hasExplainFlag(arguments[2:]) {
			return writeExplain("Print the CLI version.")
		}
		fmt.Println("govledger", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func hasExplainFlag(arguments []string) bool {
	for _, argument := range arguments {
		if strings.TrimSpace(argument) == "--explain" {
			return true
		}
	}
	return false
}

func writeExplain(text string) int {
	fmt.Println(text)
	return exitOK
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  govledger policy create (--file <policy.yaml> | --subject <id> --purposes <csv> --roles <csv> [--id <policy_id>] [--valid-from <ms>] [--valid-until <ms>] [--non-revocable]) [--config <path>] [--json] [--explain]")
	fmt.Println("  govledger policy revoke <policy_id> [--at <ms>] [--config <path>] [--json] [--explain]")
	fmt.Println("  govledger policy check <policy_id> --purpose <purpose> --role <role> [--at <ms>] [--config <path>] [--json] [--explain]")
	fmt.Println("  govledger infer --request <inference.json> [--config <path>] [--json] [--explain]")
	fmt.Println("  govledger access --request <access.json> [--config <path>] [--json] [--explain]")
	fmt.Println("  govledger verify [--ledger <ledger.jsonl>] [--config <path>] [--json] [--explain]")
	fmt.Println("  govledger head [--attest] [--config <path>] [--json] [--explain]")
	fmt.Println("  govledger keys init [--out-dir <dir>] [--json] [--explain]")
	fmt.Println("  govledger serve [--listen <addr>] [--config <path>] [--explain]")
	fmt.Println("  govledger version")
}
