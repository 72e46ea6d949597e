package domain

import (
	"fmt"
	"strings"
)

// ErrorCode is a stable, machine readable identifier of a coordinator failure.
type ErrorCode string

const (
	CodeNoSessionToken        ErrorCode = "NO_SESSION_TOKEN"
	CodeInvalidSessionToken   ErrorCode = "INVALID_SESSION_TOKEN"
	CodeNoInteractiveKey      ErrorCode = "NO_INTERACTIVE_KEY"
	CodeInvalidInteractiveKey ErrorCode = "INVALID_INTERACTIVE_KEY"
	CodeAlreadyActive         ErrorCode = "ALREADY_ACTIVE"
	CodeTooManyTransactions   ErrorCode = "TOO_MANY_TRANSACTIONS"
	CodeNoSuchTransaction     ErrorCode = "NO_SUCH_TRANSACTION"
	CodeNoActiveTransaction   ErrorCode = "NO_ACTIVE_TRANSACTION"
	CodeAccessDenied          ErrorCode = "ACCESS_DENIED"
	CodeUnknownParticipant    ErrorCode = "UNKNOWN_PARTICIPANT"
	CodeBeginFailed           ErrorCode = "BEGIN_FAILED"
	CodeOperationFailed       ErrorCode = "OPERATION_FAILED"
	CodePrepareFailed         ErrorCode = "PREPARE_FAILED"
	CodeCommitFailed          ErrorCode = "COMMIT_FAILED"
	CodeInternal              ErrorCode = "INTERNAL"
)

// Error is returned by every coordinator operation. Only the fields relevant
// to Code are set.
type Error struct {
	Code                  ErrorCode
	TransactionID         string
	Participant           string
	Operation             string
	ExistingTransactionID string
	Limit                 int
	Err                   error
}

func (e *Error) Error() string {
	var msg string

	switch e.Code {
	case CodeNoSessionToken:
		msg = "Session token cannot be empty"
	case CodeInvalidSessionToken:
		msg = "Invalid session token"
	case CodeNoInteractiveKey:
		msg = "Interactive session key cannot be empty"
	case CodeInvalidInteractiveKey:
		msg = "Invalid interactive session key"
	case CodeAlreadyActive:
		msg = fmt.Sprintf("Cannot create more than one transaction for the same session token. The already existing and still active transaction: '%s'", e.ExistingTransactionID)
	case CodeTooManyTransactions:
		msg = fmt.Sprintf("Cannot create transaction because the transaction count limit of %d has been reached", e.Limit)
	case CodeNoSuchTransaction:
		msg = fmt.Sprintf("Transaction '%s' does not exist", e.TransactionID)
	case CodeNoActiveTransaction:
		msg = fmt.Sprintf("Transaction '%s' is not active", e.TransactionID)
	case CodeAccessDenied:
		msg = fmt.Sprintf("Access denied to transaction '%s'", e.TransactionID)
	case CodeUnknownParticipant:
		msg = fmt.Sprintf("Unknown participant '%s'", e.Participant)
	case CodeBeginFailed:
		msg = fmt.Sprintf("Begin transaction '%s' failed for participant '%s' (operation '%s'). The transaction is still open", e.TransactionID, e.Participant, e.Operation)
	case CodeOperationFailed:
		msg = fmt.Sprintf("Transaction '%s' execute operation '%s' for participant '%s' failed. The transaction is still open", e.TransactionID, e.Operation, e.Participant)
	case CodePrepareFailed:
		msg = fmt.Sprintf("Prepare transaction '%s' failed for participant '%s'. The transaction was rolled back", e.TransactionID, e.Participant)
	case CodeCommitFailed:
		msg = fmt.Sprintf("Commit transaction '%s' failed. The transaction was rolled back", e.TransactionID)
	default:
		msg = "Internal coordinator error"
		if e.TransactionID != "" {
			msg += fmt.Sprintf(" for transaction '%s'", e.TransactionID)
		}
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so callers can compare against
// the sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNoSessionToken        = &Error{Code: CodeNoSessionToken}
	ErrInvalidSessionToken   = &Error{Code: CodeInvalidSessionToken}
	ErrNoInteractiveKey      = &Error{Code: CodeNoInteractiveKey}
	ErrInvalidInteractiveKey = &Error{Code: CodeInvalidInteractiveKey}
	ErrAlreadyActive         = &Error{Code: CodeAlreadyActive}
	ErrTooManyTransactions   = &Error{Code: CodeTooManyTransactions}
	ErrNoSuchTransaction     = &Error{Code: CodeNoSuchTransaction}
	ErrNoActiveTransaction   = &Error{Code: CodeNoActiveTransaction}
	ErrAccessDenied          = &Error{Code: CodeAccessDenied}
	ErrUnknownParticipant    = &Error{Code: CodeUnknownParticipant}
	ErrBeginFailed           = &Error{Code: CodeBeginFailed}
	ErrOperationFailed       = &Error{Code: CodeOperationFailed}
	ErrPrepareFailed         = &Error{Code: CodePrepareFailed}
	ErrCommitFailed          = &Error{Code: CodeCommitFailed}
)

// ParseErrorCode maps a wire reason back to a known code.
func ParseErrorCode(reason string) ErrorCode {
	code := ErrorCode(strings.ToUpper(reason))
	switch code {
	case CodeNoSessionToken, CodeInvalidSessionToken, CodeNoInteractiveKey, CodeInvalidInteractiveKey,
		CodeAlreadyActive, CodeTooManyTransactions, CodeNoSuchTransaction, CodeNoActiveTransaction,
		CodeAccessDenied, CodeUnknownParticipant, CodeBeginFailed, CodeOperationFailed,
		CodePrepareFailed, CodeCommitFailed:
		return code
	}
	return CodeInternal
}

// ConflictError is returned by a participant when a key is already claimed
// by another prepared transaction.
type ConflictError struct {
	Key   string
	Owner string
}

func (c ConflictError) Error() string {
	return fmt.Sprintf("key '%s' is locked by prepared transaction '%s'", c.Key, c.Owner)
}
