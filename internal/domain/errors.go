package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrProviderStartup       = fmt.Errorf("tool provider failed to start")
	ErrProviderNotFound      = fmt.Errorf("tool provider not found")
	ErrNoSuchTool            = fmt.Errorf("no such tool")
	ErrNotAllowed            = fmt.Errorf("tool call not allowed")
	ErrExecutionFailure      = fmt.Errorf("tool execution failed")
	ErrRepairFailed          = fmt.Errorf("tool call repair failed")
	ErrToolCallLimitExceeded = fmt.Errorf("tool call round limit exceeded")
	ErrSessionClosed         = fmt.Errorf("session closed")
	ErrInvariant             = fmt.Errorf("invariant violated")
	ErrVettingCancelled      = fmt.Errorf("vetting cancelled")
	ErrConfigLoad            = fmt.Errorf("failed to load configuration")
	ErrDecryption            = fmt.Errorf("decryption failed")
	ErrEncryption            = fmt.Errorf("encryption operation failed")
	ErrInvalidArguments      = fmt.Errorf("arguments do not match the tool schema")

	// ErrToolReported means the provider ran the tool and flagged the
	// result as an error.
	ErrToolReported = fmt.Errorf("tool reported an error: %w", ErrExecutionFailure)

	// ErrCircuitOpen means a provider failed repeatedly and calls are
	// short-circuited until it recovers.
	ErrCircuitOpen = fmt.Errorf("provider circuit open: %w", ErrExecutionFailure)
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Session.Connect")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// FailureReason returns the text shown to the model for a failed tool call.
// The outermost DomainError detail is preferred over the full chain.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	var de *DomainError
	if errors.As(err, &de) && de.Detail != "" {
		return de.Detail
	}
	return err.Error()
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Every sentinel error maps to exactly one code.
const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeProviderStartup  ErrorCode = "PROVIDER_STARTUP"
	CodeProviderNotFound ErrorCode = "PROVIDER_NOT_FOUND"
	CodeNoSuchTool       ErrorCode = "NO_SUCH_TOOL"
	CodeNotAllowed       ErrorCode = "NOT_ALLOWED"
	CodeExecutionFailure ErrorCode = "EXECUTION_FAILURE"
	CodeToolReported     ErrorCode = "TOOL_REPORTED"
	CodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	CodeRepairFailed     ErrorCode = "REPAIR_FAILED"
	CodeToolCallLimit    ErrorCode = "TOOL_CALL_LIMIT"
	CodeSessionClosed    ErrorCode = "SESSION_CLOSED"
	CodeInvariant        ErrorCode = "INVARIANT"
	CodeVettingCancelled ErrorCode = "VETTING_CANCELLED"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeDecryption       ErrorCode = "DECRYPTION"
	CodeEncryption       ErrorCode = "ENCRYPTION"
	CodeInvalidArguments ErrorCode = "INVALID_ARGUMENTS"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrProviderStartup:       CodeProviderStartup,
	ErrProviderNotFound:      CodeProviderNotFound,
	ErrNoSuchTool:            CodeNoSuchTool,
	ErrNotAllowed:            CodeNotAllowed,
	ErrExecutionFailure:      CodeExecutionFailure,
	ErrToolReported:          CodeToolReported,
	ErrCircuitOpen:           CodeCircuitOpen,
	ErrRepairFailed:          CodeRepairFailed,
	ErrToolCallLimitExceeded: CodeToolCallLimit,
	ErrSessionClosed:         CodeSessionClosed,
	ErrInvariant:             CodeInvariant,
	ErrVettingCancelled:      CodeVettingCancelled,
	ErrConfigLoad:            CodeConfigLoad,
	ErrDecryption:            CodeDecryption,
	ErrEncryption:            CodeEncryption,
	ErrInvalidArguments:      CodeInvalidArguments,
}

// specificSentinels wrap ErrExecutionFailure and must be matched before it.
var specificSentinels = []error{ErrToolReported, ErrCircuitOpen}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for _, sentinel := range specificSentinels {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
