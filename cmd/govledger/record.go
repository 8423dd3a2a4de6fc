package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/davidahmann/govledger/core/consent"
	"github.com/davidahmann/govledger/core/overlay"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
)

// Request documents may omit at_time_ms; the pointer shadows the embedded
// field so the command can default it to now.
type inferenceDocument struct {
	overlay.InferenceRequest
	AtMS *int64 `json:"at_time_ms"`
}

type accessDocument struct {
	overlay.AccessRequest
	AtMS *int64 `json:"at_time_ms"`
}

type recordOutput struct {
	OK       bool                               `json:"ok"`
	Decision *consent.Decision                  `json:"decision,omitempty"`
	Manifest *schemagov.ReproducibilityManifest `json:"manifest,omitempty"`
	Entry    *schemagov.LedgerEntry             `json:"entry,omitempty"`
	errorFields
}

func runInfer(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Evaluate consent for an inference, store its reproducibility manifest when authorized, and record the outcome in the ledger.")
	}
	return runRecord("infer", arguments, func(ctx context.Context, ws *workspace, raw []byte) (recordOutput, error) {
		var document inferenceDocument
		if err := decodeRequest(raw, &document); err != nil {
			return recordOutput{}, err
		}
		request := document.InferenceRequest
		request.AtMS = atOrNow(ws, document.AtMS)
		result, err := ws.overlay.RecordInference(ctx, request)
		if err != nil {
			return recordOutput{}, err
		}
		return recordOutput{OK: result.Decision.Authorized, Decision: &result.Decision, Manifest: result.Manifest, Entry: &result.Entry}, nil
	})
}

func runAccess(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Evaluate consent for a data access and record the outcome in the ledger.")
	}
	return runRecord("access", arguments, func(ctx context.Context, ws *workspace, raw []byte) (recordOutput, error) {
		var document accessDocument
		if err := decodeRequest(raw, &document); err != nil {
			return recordOutput{}, err
		}
		request := document.AccessRequest
		request.AtMS = atOrNow(ws, document.AtMS)
		result, err := ws.overlay.RecordDataAccess(ctx, request)
		if err != nil {
			return recordOutput{}, err
		}
		return recordOutput{OK: result.Decision.Authorized, Decision: &result.Decision, Entry: &result.Entry}, nil
	})
}

type recordFunc func(ctx context.Context, ws *workspace, raw []byte) (recordOutput, error)

func runRecord(command string, arguments []string, record recordFunc) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{"config": true, "request": true})
	var common commonFlags
	flagSet := newFlagSet(command, &common)
	var requestPath string
	flagSet.StringVar(&requestPath, "request", "", "request document (json)")

	if err := flagSet.Parse(arguments); err != nil {
		return writeRecordOutput(command, common.jsonOutput, recordOutput{errorFields: errorFieldsFor(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 || requestPath == "" {
		return recordFailure(command, common.jsonOutput, wrapInvalid(fmt.Errorf("--request is required and no positional arguments are accepted")))
	}
	// #nosec G304 -- request path is explicit local user input.
	raw, err := os.ReadFile(requestPath)
	if err != nil {
		return recordFailure(command, common.jsonOutput, wrapInvalid(fmt.Errorf("read request: %w", err)))
	}

	ws, err := openWorkspace(context.Background(), common.configPath, false)
	if err != nil {
		return recordFailure(command, common.jsonOutput, err)
	}
	defer func() { _ = ws.Close() }()

	output, err := record(context.Background(), ws, raw)
	if err != nil {
		return recordFailure(command, common.jsonOutput, err)
	}
	exitCode := exitOK
	if !output.OK {
		exitCode = exitConsentDenied
	}
	return writeRecordOutput(command, common.jsonOutput, output, exitCode)
}

func decodeRequest(raw []byte, dst any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return wrapInvalid(fmt.Errorf("decode request: %w", err))
	}
	return nil
}

func atOrNow(ws *workspace, at *int64) int64 {
	if at == nil {
		return ws.overlay.Now()
	}
	return *at
}

func recordFailure(command string, jsonOutput bool, err error) int {
	exitCode := exitCodeForError(err, exitInternalFailure)
	return writeRecordOutput(command, jsonOutput, recordOutput{errorFields: errorFieldsFor(err, exitCode)}, exitCode)
}

func writeRecordOutput(command string, jsonOutput bool, output recordOutput, exitCode int) int {
	return emit(jsonOutput, output, exitCode, func() {
		switch {
		case output.Error != "":
			fmt.Printf("%s error: %s\n", command, output.Error)
		case output.OK && output.Manifest != nil:
			fmt.Printf("%s authorized: sequence=%d manifest_hash=%s\n", command, output.Entry.SequenceNumber, output.Manifest.ManifestHash)
		case output.OK:
			fmt.Printf("%s authorized: sequence=%d\n", command, output.Entry.SequenceNumber)
		default:
			fmt.Printf("%s denied: reason=%s sequence=%d\n", command, output.Decision.Reason, output.Entry.SequenceNumber)
		}
	})
}
