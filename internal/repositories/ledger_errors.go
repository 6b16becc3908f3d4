package repositories

import (
	"errors"
	"fmt"
)

// LedgerErrorCode enumerates repository error causes for referral, commission,
// withdrawal, and coin wallet operations.
type LedgerErrorCode string

const (
	// LedgerErrorUnknown represents an unspecified failure.
	LedgerErrorUnknown LedgerErrorCode = "ledger_unknown"
	// LedgerErrorCodeNotFound indicates the referral code document is missing.
	LedgerErrorCodeNotFound LedgerErrorCode = "ledger_code_not_found"
	// LedgerErrorCodeExhausted indicates the usage cap was reached before the increment could win.
	LedgerErrorCodeExhausted LedgerErrorCode = "ledger_code_exhausted"
	// LedgerErrorCodeInactive indicates the code was deactivated or expired at mutation time.
	LedgerErrorCodeInactive LedgerErrorCode = "ledger_code_inactive"
	// LedgerErrorRecordNotFound indicates the commission record is missing.
	LedgerErrorRecordNotFound LedgerErrorCode = "ledger_record_not_found"
	// LedgerErrorInvalidTransition indicates the stored status forbids the requested transition.
	LedgerErrorInvalidTransition LedgerErrorCode = "ledger_invalid_transition"
	// LedgerErrorAlreadyProcessed indicates the withdrawal status is no longer requested.
	LedgerErrorAlreadyProcessed LedgerErrorCode = "ledger_already_processed"
	// LedgerErrorInsufficientBalance indicates the earmark or debit exceeds the stored balance.
	LedgerErrorInsufficientBalance LedgerErrorCode = "ledger_insufficient_balance"
	// LedgerErrorWalletNotFound indicates the coin wallet document is missing.
	LedgerErrorWalletNotFound LedgerErrorCode = "ledger_wallet_not_found"
)

// LedgerError wraps ledger-specific failures with machine readable codes.
type LedgerError struct {
	Op      string
	Code    LedgerErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *LedgerError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *LedgerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewLedgerError constructs a typed ledger error.
func NewLedgerError(code LedgerErrorCode, message string, err error) *LedgerError {
	if message == "" {
		message = string(code)
	}
	return &LedgerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// LedgerErrorHasCode reports whether err is a LedgerError carrying code.
func LedgerErrorHasCode(err error, code LedgerErrorCode) bool {
	var le *LedgerError
	if !errors.As(err, &le) {
		return false
	}
	return le.Code == code
}
