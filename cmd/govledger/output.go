package main

import (
	"encoding/json"
	"fmt"

	coreerrors "github.com/davidahmann/govledger/core/errors"
)

// errorFields is embedded in every command output so failures share one
// envelope shape.
type errorFields struct {
	Error         string `json:"error,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`
	Hint          string `json:"hint,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`
}

func errorFieldsFor(err error, exitCode int) errorFields {
	fields := errorFields{
		Error:         err.Error(),
		ErrorCode:     coreerrors.CodeOf(err),
		ErrorCategory: string(coreerrors.CategoryOf(err)),
		Hint:          coreerrors.HintOf(err),
		Retryable:     coreerrors.RetryableOf(err),
	}
	if fields.ErrorCode == "" {
		fields.ErrorCode = defaultErrorCode(exitCode)
	}
	if fields.ErrorCategory == "" {
		fields.ErrorCategory = string(defaultErrorCategory(exitCode))
	}
	if fields.Hint == "" {
		fields.Hint = defaultHint(exitCode)
	}
	return fields
}

func writeJSONOutput(output any, exitCode int) int {
	encoded, err := json.Marshal(output)
	if err != nil {
		fmt.Println(`{"ok":false,"error":"failed to encode output","error_code":"ENCODE_FAILED","error_category":"internal_failure"}`)
		return exitInternalFailure
	}
	fmt.Println(string(encoded))
	return exitCode
}

// emit prints output as JSON or hands off to the command's text renderer.
func emit(jsonOutput bool, output any, exitCode int, render func()) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	render()
	return exitCode
}

func exitCodeForError(err error, fallbackExit int) int {
	if err == nil {
		return exitOK
	}
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryInvalidInput:
		return exitInvalidInput
	case coreerrors.CategoryAuthorizationDenied:
		return exitConsentDenied
	case coreerrors.CategoryIntegrityViolation:
		return exitVerifyFailed
	case coreerrors.CategoryStateConflict:
		return exitStateConflict
	case coreerrors.CategoryLedgerCorrupt:
		return exitLedgerCorrupt
	case coreerrors.CategoryCollaboratorFailure, coreerrors.CategoryInternalFailure:
		return exitInternalFailure
	}
	return fallbackExit
}

func defaultErrorCategory(exitCode int) coreerrors.Category {
	switch exitCode {
	case exitInvalidInput:
		return coreerrors.CategoryInvalidInput
	case exitConsentDenied:
		return coreerrors.CategoryAuthorizationDenied
	case exitVerifyFailed:
		return coreerrors.CategoryIntegrityViolation
	case exitStateConflict:
		return coreerrors.CategoryStateConflict
	case exitLedgerCorrupt:
		return coreerrors.CategoryLedgerCorrupt
	default:
		return coreerrors.CategoryInternalFailure
	}
}

func defaultErrorCode(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return coreerrors.CodeValidationFailed
	case exitConsentDenied:
		return coreerrors.CodeAccessDenied
	case exitLedgerCorrupt:
		return coreerrors.CodeLedgerCorrupt
	default:
		return "INTERNAL_FAILURE"
	}
}

func defaultHint(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "check command usage and input documents"
	case exitVerifyFailed, exitLedgerCorrupt:
		return "run govledger verify --json and inspect the first invalid sequence"
	default:
		return "retry after checking the workspace config and logs"
	}
}

func wrapInvalid(err error) error {
	return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeValidationFailed, "", false)
}
