package models

import (
	"errors"
	"fmt"
	"time"
)

type ErrorKind string

const (
	ErrSourceUnavailable ErrorKind = "SourceUnavailable"
	ErrMediaTooLarge     ErrorKind = "MediaTooLarge"
	ErrMediaGone         ErrorKind = "MediaGone"
	ErrIntegrity         ErrorKind = "IntegrityError"
	ErrUnsupportedFormat ErrorKind = "UnsupportedFormat"
	ErrDurationExceeded  ErrorKind = "DurationExceeded"
	ErrTransformTimeout  ErrorKind = "TransformTimeout"
	ErrToolUnavailable   ErrorKind = "ToolUnavailable"
	ErrRateLimited       ErrorKind = "RateLimited"
	ErrAuth              ErrorKind = "AuthError"
	ErrProviderRejected  ErrorKind = "ProviderRejected"
	ErrNetwork           ErrorKind = "NetworkError"
	ErrAbandoned         ErrorKind = "Abandoned"
	ErrAttemptsExhausted ErrorKind = "AttemptsExhausted"
	ErrInternal          ErrorKind = "Internal"
)

type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassPermanent
	ClassIntegrity
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Class maps an error kind onto the retry taxonomy. Unknown kinds are transient.
func (k ErrorKind) Class() ErrorClass {
	switch k {
	case ErrMediaTooLarge, ErrMediaGone, ErrUnsupportedFormat, ErrDurationExceeded,
		ErrAuth, ErrProviderRejected, ErrAttemptsExhausted:
		return ClassPermanent
	case ErrIntegrity:
		return ClassIntegrity
	default:
		return ClassTransient
	}
}

// StageError is the typed failure every pipeline component returns to the orchestrator.
type StageError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func NewStageError(kind ErrorKind, err error) *StageError {
	return &StageError{Kind: kind, Err: err}
}

func StageErrorf(kind ErrorKind, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the error kind, treating untyped errors as internal.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrInternal
}
