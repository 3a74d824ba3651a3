package fleet

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrorNotFound                 ErrorKind = "NotFound"
	ErrorInvalidProject           ErrorKind = "InvalidProject"
	ErrorDuplicateName            ErrorKind = "DuplicateName"
	ErrorProjectInUse             ErrorKind = "ProjectInUse"
	ErrorConflictingActiveSession ErrorKind = "ConflictingActiveSession"
	ErrorInvalidResume            ErrorKind = "InvalidResume"
	ErrorQuotaExceeded            ErrorKind = "QuotaExceeded"
	ErrorInvalidState             ErrorKind = "InvalidState"
	ErrorAlreadyTerminal          ErrorKind = "AlreadyTerminal"
	ErrorInvalid                  ErrorKind = "Invalid"
	ErrorStorage                  ErrorKind = "Storage"
)

// Error is the typed failure returned by every fleet operation.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var fleetErr *Error
	if errors.As(err, &fleetErr) {
		return fleetErr.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...any) *Error {
	return newError(ErrorNotFound, format, args...)
}

func invalidError(format string, args ...any) *Error {
	return newError(ErrorInvalid, format, args...)
}

func invalidStateError(format string, args ...any) *Error {
	return newError(ErrorInvalidState, format, args...)
}

func invalidResumeError(format string, args ...any) *Error {
	return newError(ErrorInvalidResume, format, args...)
}

func quotaError(format string, args ...any) *Error {
	return newError(ErrorQuotaExceeded, format, args...)
}

func storageError(op string, err error) *Error {
	return &Error{Kind: ErrorStorage, Message: op, Err: err}
}
