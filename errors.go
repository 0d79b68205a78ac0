package cheddr

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies protocol failures. Every rejection maps to exactly one
// code, and every code maps to one HTTP status.
type ErrorCode string

const (
	// ErrCodeValidation marks malformed addresses, amounts, or headers.
	// Raised before any state is touched.
	ErrCodeValidation ErrorCode = "validation_error"
	// ErrCodeNotFound marks a reference to an unknown channel.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict marks a seed whose immutable fields disagree with an
	// already-recorded channel.
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeSequenceConflict marks a stale or racing update; safe to retry
	// after refetching the current channel state.
	ErrCodeSequenceConflict ErrorCode = "sequence_conflict"
	// ErrCodeBalanceExceeded marks an update that would overdraw the channel.
	ErrCodeBalanceExceeded ErrorCode = "balance_exceeded"
	// ErrCodeExpired marks an update against a channel past its expiry.
	ErrCodeExpired ErrorCode = "channel_expired"
	// ErrCodeUnavailable marks an unreachable or timed-out collaborator;
	// safe to retry with backoff.
	ErrCodeUnavailable ErrorCode = "unavailable"
	// ErrCodeRejected marks an explicit business decline by a collaborator.
	// Not retried automatically.
	ErrCodeRejected ErrorCode = "rejected"
)

// ProtocolError is a classified payment-protocol failure.
type ProtocolError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"error"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a classified error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code from err, walking wrapped errors.
// Unclassified errors report ErrCodeUnavailable: the gateway fails closed and
// treats anything unexplained as a dependency fault rather than a success.
func CodeOf(err error) ErrorCode {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ErrCodeUnavailable
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps an error code to its response status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeValidation, ErrCodeBalanceExceeded, ErrCodeExpired:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeSequenceConflict:
		return http.StatusConflict
	case ErrCodeUnavailable:
		return http.StatusBadGateway
	case ErrCodeRejected:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}
