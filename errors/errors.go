package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// NandError carries a [Code] plus a customizable message. Every error produced
// by this module that a caller may need to classify implements it.
type NandError interface {
	error
	Code() Code
	WithMessage(message string) NandError
	Wrap(err error) NandError
	Unwrap() error
}

type codeError struct {
	code    Code
	message string
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e codeError) Error() string {
	if e.message != "" {
		return e.message
	}
	return StrError(e.code)
}

func (e codeError) Code() Code {
	return e.code
}

func (e codeError) Unwrap() error {
	return nil
}

func (e codeError) WithMessage(message string) NandError {
	return customError{
		code:          e.code,
		message:       fmt.Sprintf("%s: %s", e.Error(), message),
		originalError: e,
	}
}

func (e codeError) Wrap(err error) NandError {
	return customError{
		code:          e.code,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customError struct {
	code          Code
	message       string
	originalError error
}

func (e customError) Error() string {
	return e.message
}

func (e customError) Code() Code {
	return e.code
}

func (e customError) WithMessage(message string) NandError {
	return customError{
		code:          e.code,
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customError) Wrap(err error) NandError {
	return customError{
		code:          e.code,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customError) Unwrap() error {
	return e.originalError
}

// New creates a new [NandError] with the default message for the code.
func New(code Code) NandError {
	return codeError{code: code}
}

// NewWithMessage creates a new [NandError] from a code with a custom message.
func NewWithMessage(code Code, message string) NandError {
	return New(code).WithMessage(message)
}

// NewFromError creates a [NandError] with the given code that wraps an existing
// error.
func NewFromError(code Code, originalError error) NandError {
	return New(code).Wrap(originalError)
}

// Errorf is shorthand for `NewWithMessage(code, fmt.Sprintf(format, args...))`.
func Errorf(code Code, format string, args ...any) NandError {
	return NewWithMessage(code, fmt.Sprintf(format, args...))
}

// CodeOf returns the code of the outermost [NandError] in err's chain. Errors
// that don't carry a code map to [EIO], and nil maps to [OK].
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var nandErr NandError
	if stderrors.As(err, &nandErr) {
		return nandErr.Code()
	}
	return EIO
}

// ClassOf classifies an arbitrary error. See [Class].
func ClassOf(err error) Class {
	if err == nil {
		return ClassOther
	}
	return CodeOf(err).Class()
}

// IsRecoverable reports whether err only concerns one block.
func IsRecoverable(err error) bool {
	return ClassOf(err) == ClassRecoverable
}

// IsTransport reports whether err came from the channel or bus rather than the
// flash itself.
func IsTransport(err error) bool {
	return ClassOf(err) == ClassTransport
}

// Is and As re-export the standard library functions so that packages
// importing this one don't need a second errors import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}
