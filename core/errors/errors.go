package errors

import "errors"

type Category string

const (
	CategoryInvalidInput        Category = "invalid_input"
	CategoryAuthorizationDenied Category = "authorization_denied"
	CategoryIntegrityViolation  Category = "integrity_violation"
	CategoryCollaboratorFailure Category = "collaborator_failure"
	CategoryStateConflict       Category = "state_conflict"
	CategoryLedgerCorrupt       Category = "ledger_corrupt"
	CategoryInternalFailure     Category = "internal_failure"
)

const (
	CodeValidationFailed       = "VALIDATION_FAILED"
	CodePolicyExists           = "POLICY_EXISTS"
	CodePolicyNotFound         = "POLICY_NOT_FOUND"
	CodeNotRevocable           = "NOT_REVOCABLE"
	CodeLedgerCorrupt          = "LEDGER_CORRUPT"
	CodeStoreFailure           = "STORE_FAILURE"
	CodeManifestConflict       = "MANIFEST_CONFLICT"
	CodeManifestNotFound       = "MANIFEST_NOT_FOUND"
	CodeCanonicalizationFailed = "CANONICALIZATION_FAILED"
	CodeAccessDenied           = "ACCESS_DENIED"
	CodeLedgerEmpty            = "LEDGER_EMPTY"
	CodeAttestationInvalid     = "ATTESTATION_INVALID"
	CodeSigningUnavailable     = "SIGNING_UNAVAILABLE"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// Wrap classifies cause without altering it; errors.Is and errors.As still
// reach the original error through Unwrap.
func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

func New(category Category, code, message string) error {
	return Wrap(errors.New(message), category, code, "", false)
}

func CategoryOf(err error) Category {
	if classified := find(err); classified != nil {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	if classified := find(err); classified != nil {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	if classified := find(err); classified != nil {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	if classified := find(err); classified != nil {
		return classified.retryable
	}
	return false
}

// find returns the outermost classification, so a caller that re-wraps an
// error with a new category overrides the inner one.
func find(err error) *classifiedError {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified
	}
	return nil
}
