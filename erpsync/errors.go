package erpsync

import (
	"errors"
	"fmt"
)

// The pipeline threads typed error values through the state machine instead
// of letting failures unwind: per-invoice errors become Failed outcomes and
// only FatalRunError ever escapes a run.

// ValidationError reports bad input on the manual trigger or a caller
// precondition violation in the mapper. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// MappingError marks bad or unexpected source data on a single invoice.
type MappingError struct {
	InvoiceNumber string
	Err           error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping invoice %s: %v", e.InvoiceNumber, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

// SubmissionError reports an ERP rejection or unreachability for a single
// invoice. StatusCode 0 means the call never got an HTTP response.
type SubmissionError struct {
	InvoiceNumber string
	StatusCode    int
	Body          string
	Err           error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("erp rejected invoice %s: status %d: %s", e.InvoiceNumber, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("erp submission of invoice %s failed: %v", e.InvoiceNumber, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Retryable reports whether the orchestrator may retry this submission.
// Network failures, 5xx and 429 are transient; auth failures are resolved
// inside the gateway; the remaining 4xx are terminal for the invoice.
func (e *SubmissionError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// ReconciliationError marks the known inconsistency window: the ERP accepted
// the invoice but the write-back failed, so the next run would re-submit it
// unless an operator reconciles the dead letter first.
type ReconciliationError struct {
	InvoiceNumber string
	ErpInvoiceId  string
	Err           error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("write-back of erp reference %s for invoice %s failed: %v", e.ErpInvoiceId, e.InvoiceNumber, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// FatalRunError aborts a run before any invoice state is entered.
type FatalRunError struct {
	Err error
}

func (e *FatalRunError) Error() string {
	return fmt.Sprintf("invoice sync run aborted: %v", e.Err)
}

func (e *FatalRunError) Unwrap() error { return e.Err }

// ErrorKind names the failure class for persistence and diagnostics.
func ErrorKind(err error) string {
	var (
		validationErr     *ValidationError
		mappingErr        *MappingError
		submissionErr     *SubmissionError
		reconciliationErr *ReconciliationError
		fatalErr          *FatalRunError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &mappingErr):
		return "mapping"
	case errors.As(err, &submissionErr):
		return "submission"
	case errors.As(err, &reconciliationErr):
		return "reconciliation"
	case errors.As(err, &validationErr):
		return "validation"
	case errors.As(err, &fatalErr):
		return "fatal"
	default:
		return "unknown"
	}
}
