// Package fault defines the error taxonomy shared by the dispute core. Every
// error carries a stable code and a human-readable reason so callers can
// decide whether to surface it to the consumer or treat it as a no-op.
package fault

import (
	"errors"
	"fmt"
)

type Code string

const (
	InvalidAnchorDate   Code = "INVALID_ANCHOR_DATE"
	IllegalTransition   Code = "ILLEGAL_TRANSITION"
	AlreadySent         Code = "ALREADY_SENT"
	NoticeNotSent       Code = "NOTICE_NOT_SENT"
	AlreadyAdjudicated  Code = "ALREADY_ADJUDICATED"
	DisputeLocked       Code = "DISPUTE_LOCKED"
	DuplicateResponse   Code = "DUPLICATE_RESPONSE"
	UnknownDispute      Code = "UNKNOWN_DISPUTE"
	UnknownViolation    Code = "UNKNOWN_VIOLATION"
	InvalidInput        Code = "INVALID_INPUT"
	ArtifactUnavailable Code = "ARTIFACT_UNAVAILABLE"
)

// Error is a taxonomy error. Two errors match under errors.Is when their
// codes are equal, so the sentinels below can be used as targets.
type Error struct {
	Code   Code
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Reason
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidAnchorDate   = &Error{Code: InvalidAnchorDate}
	ErrIllegalTransition   = &Error{Code: IllegalTransition}
	ErrAlreadySent         = &Error{Code: AlreadySent}
	ErrNoticeNotSent       = &Error{Code: NoticeNotSent}
	ErrAlreadyAdjudicated  = &Error{Code: AlreadyAdjudicated}
	ErrDisputeLocked       = &Error{Code: DisputeLocked}
	ErrDuplicateResponse   = &Error{Code: DuplicateResponse}
	ErrUnknownDispute      = &Error{Code: UnknownDispute}
	ErrUnknownViolation    = &Error{Code: UnknownViolation}
	ErrInvalidInput        = &Error{Code: InvalidInput}
	ErrArtifactUnavailable = &Error{Code: ArtifactUnavailable}
)

// New builds a taxonomy error with a formatted reason.
func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// CodeOf returns the taxonomy code carried by err, or "" for foreign errors.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// ReasonOf returns the human-readable reason, falling back to err.Error().
func ReasonOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
