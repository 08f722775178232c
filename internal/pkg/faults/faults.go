// Package faults provides the worker-wide error taxonomy. Every pipeline
// stage translates its expected failures into a Fault carrying a Code, the
// request it belongs to, and the stage that produced it; callers branch on
// codes, never on message text.
package faults

import (
	"errors"
	"fmt"
)

// Code identifies a failure class. Codes are stable identifiers surfaced in
// delivery payloads and logs.
type Code string

const (
	// Transient failures, retried with backoff by the caller.
	CodeRPCFailure Code = "RPC_FAILURE"

	// Terminal request-level failures. The request is marked FAILED and a
	// delivery payload is still written so the requester sees a terminal
	// state on chain.
	CodeMalformedMetadata Code = "MALFORMED_METADATA"
	CodeInvalidBlueprint  Code = "INVALID_BLUEPRINT"
	CodeToolUnavailable   Code = "TOOL_UNAVAILABLE"
	CodeAgentTimeout      Code = "AGENT_TIMEOUT"
	CodeLoopTerminated    Code = "LOOP_TERMINATED"
	CodeSafeTxRevert      Code = "SAFE_TX_REVERT"
	CodeSimRevert         Code = "SIM_REVERT"
	CodeUnsafeCloneURL    Code = "UNSAFE_CLONE_URL"
	CodeNonFastForward    Code = "NON_FAST_FORWARD"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"

	// Gate outcomes used by the claim loop. Not failures of the request
	// itself: the request stays on chain and is re-evaluated next tick.
	CodeNotStaked      Code = "NOT_STAKED"
	CodeDependencyWait Code = "DEPENDENCY_WAIT"

	// Operator-level failures abort the worker process.
	CodeMissingKey Code = "MISSING_KEY"

	CodeUnknown Code = "UNKNOWN"
)

// Fault is a classified error with structured context. Message is data, not
// a formatted blob; RequestID and Stage are attached where known.
type Fault struct {
	Code      Code
	Message   string
	RequestID string
	Stage     string
	cause     error
}

// New creates a Fault with the given code and message.
func New(code Code, message string) *Fault {
	return &Fault{Code: code, Message: message}
}

// Wrap creates a Fault wrapping an underlying cause.
func Wrap(code Code, message string, cause error) *Fault {
	return &Fault{Code: code, Message: message, cause: cause}
}

// WithRequest returns a copy annotated with the request id.
func (f *Fault) WithRequest(requestID string) *Fault {
	c := *f
	c.RequestID = requestID
	return &c
}

// WithStage returns a copy annotated with the pipeline stage.
func (f *Fault) WithStage(stage string) *Fault {
	c := *f
	c.Stage = stage
	return &c
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap exposes the cause chain.
func (f *Fault) Unwrap() error {
	return f.cause
}

// CodeOf extracts the Code from an error chain. Unclassified errors map to
// CodeUnknown; nil maps to the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable marks an error as transient. Clients wrap transport failures in
// it so retry loops can distinguish them from terminal errors.
type Retryable struct {
	Err error
}

func (e *Retryable) Error() string {
	return e.Err.Error()
}

func (e *Retryable) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the error chain contains a Retryable wrapper
// or a transient fault code.
func IsRetryable(err error) bool {
	var r *Retryable
	if errors.As(err, &r) {
		return true
	}
	return CodeOf(err) == CodeRPCFailure
}

// Terminal reports whether the code marks the request FAILED rather than
// eligible for retry or re-queue.
func Terminal(code Code) bool {
	switch code {
	case CodeMalformedMetadata, CodeInvalidBlueprint, CodeToolUnavailable,
		CodeAgentTimeout, CodeLoopTerminated, CodeSafeTxRevert, CodeSimRevert,
		CodeUnsafeCloneURL, CodeNonFastForward, CodeInsufficientFunds, CodeUnknown:
		return true
	}
	return false
}
