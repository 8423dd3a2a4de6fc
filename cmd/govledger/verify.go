package main

import (
	"context"
	"fmt"
	"os"

	"github.com/davidahmann/govledger/core/ledger"
	"github.com/davidahmann/govledger/core/overlay"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
)

type verifyOutput struct {
	OK       bool                     `json:"ok"`
	Path     string                   `json:"path,omitempty"`
	OnLedger *ledger.IntegrityResult  `json:"on_ledger,omitempty"`
	Report   *overlay.IntegrityReport `json:"report,omitempty"`
	errorFields
}

type headOutput struct {
	OK          bool                       `json:"ok"`
	Entries     int64                      `json:"entries"`
	Entry       *schemagov.LedgerEntry     `json:"entry,omitempty"`
	Attestation *schemagov.HeadAttestation `json:"attestation,omitempty"`
	errorFields
}

func runVerify(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Verify the ledger hash chain and every referenced manifest. With --ledger, stream-verify a ledger file without taking the writer lock.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{"config": true, "ledger": true})
	var common commonFlags
	flagSet := newFlagSet("verify", &common)
	var ledgerPath string
	flagSet.StringVar(&ledgerPath, "ledger", "", "ledger file to verify on its own")

	if err := flagSet.Parse(arguments); err != nil {
		return writeVerifyOutput(common.jsonOutput, verifyOutput{errorFields: errorFieldsFor(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return verifyFailure(common.jsonOutput, wrapInvalid(fmt.Errorf("unexpected positional arguments")))
	}

	if ledgerPath != "" {
		// #nosec G304 -- ledger path is explicit local user input.
		file, err := os.Open(ledgerPath)
		if err != nil {
			return verifyFailure(common.jsonOutput, wrapInvalid(fmt.Errorf("open ledger: %w", err)))
		}
		defer func() { _ = file.Close() }()
		result, err := ledger.VerifyJSONL(file)
		if err != nil {
			return verifyFailure(common.jsonOutput, err)
		}
		return writeVerifyOutput(common.jsonOutput, verifyOutput{OK: result.Valid, Path: ledgerPath, OnLedger: &result}, verifyExit(result.Valid))
	}

	ws, err := openWorkspace(context.Background(), common.configPath, false)
	if err != nil {
		return verifyFailure(common.jsonOutput, err)
	}
	defer func() { _ = ws.Close() }()
	report, err := ws.overlay.VerifyAll(context.Background())
	if err != nil {
		return verifyFailure(common.jsonOutput, err)
	}
	return writeVerifyOutput(common.jsonOutput, verifyOutput{OK: report.Valid, Path: ws.config.Ledger.Path, OnLedger: &report.OnLedger, Report: &report}, verifyExit(report.Valid))
}

func verifyExit(valid bool) int {
	if valid {
		return exitOK
	}
	return exitVerifyFailed
}

func verifyFailure(jsonOutput bool, err error) int {
	exitCode := exitCodeForError(err, exitInternalFailure)
	return writeVerifyOutput(jsonOutput, verifyOutput{errorFields: errorFieldsFor(err, exitCode)}, exitCode)
}

func writeVerifyOutput(jsonOutput bool, output verifyOutput, exitCode int) int {
	return emit(jsonOutput, output, exitCode, func() {
		if output.Error != "" {
			fmt.Printf("verify error: %s\n", output.Error)
			return
		}
		onLedger := output.OnLedger
		if onLedger.Valid {
			fmt.Printf("verify on-ledger ok: entries=%d head=%s\n", onLedger.EntriesChecked, onLedger.HeadHash)
		} else {
			fmt.Printf("verify on-ledger failed: sequence=%d failure=%s detail=%s\n", derefSequence(onLedger.FirstInvalidSequence), onLedger.Failure, onLedger.Detail)
		}
		if output.Report == nil {
			return
		}
		offLedger := output.Report.OffLedger
		if offLedger.Valid {
			fmt.Printf("verify off-ledger ok: manifests=%d\n", offLedger.ManifestsChecked)
			return
		}
		for _, finding := range offLedger.Findings {
			fmt.Printf("verify off-ledger finding: sequence=%d kind=%s manifest=%s\n", finding.SequenceNumber, finding.Kind, finding.ManifestHash)
		}
	})
}

func derefSequence(sequence *int64) int64 {
	if sequence == nil {
		return -1
	}
	return *sequence
}

func runHead(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Show the ledger tail entry. With --attest, sign the tail with the configured key.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{"config": true})
	var common commonFlags
	flagSet := newFlagSet("head", &common)
	var attest bool
	flagSet.BoolVar(&attest, "attest", false, "sign the current head")

	if err := flagSet.Parse(arguments); err != nil {
		return writeHeadOutput(common.jsonOutput, headOutput{errorFields: errorFieldsFor(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return headFailure(common.jsonOutput, wrapInvalid(fmt.Errorf("unexpected positional arguments")))
	}

	ws, err := openWorkspace(context.Background(), common.configPath, false)
	if err != nil {
		return headFailure(common.jsonOutput, err)
	}
	defer func() { _ = ws.Close() }()

	output := headOutput{OK: true, Entries: ws.ledger.Len()}
	if entry, ok := ws.ledger.Head(); ok {
		output.Entry = &entry
	}
	if attest {
		attestation, err := ws.overlay.AttestHead(context.Background())
		if err != nil {
			return headFailure(common.jsonOutput, err)
		}
		output.Attestation = &attestation
	}
	return writeHeadOutput(common.jsonOutput, output, exitOK)
}

func headFailure(jsonOutput bool, err error) int {
	exitCode := exitCodeForError(err, exitInternalFailure)
	return writeHeadOutput(jsonOutput, headOutput{errorFields: errorFieldsFor(err, exitCode)}, exitCode)
}

func writeHeadOutput(jsonOutput bool, output headOutput, exitCode int) int {
	return emit(jsonOutput, output, exitCode, func() {
		switch {
		case output.Error != "":
			fmt.Printf("head error: %s\n", output.Error)
		case output.Entry == nil:
			fmt.Println("head: ledger is empty")
		default:
			fmt.Printf("head: sequence=%d event=%s entry_hash=%s\n", output.Entry.SequenceNumber, output.Entry.EventType, output.Entry.EntryHash)
		}
		if output.Attestation != nil {
			fmt.Printf("head attested: key_id=%s at_ms=%d\n", output.Attestation.Signature.KeyID, output.Attestation.AttestedAtMS)
		}
	})
}
