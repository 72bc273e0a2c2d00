package errors

import (
	stdErrors "errors"
	"fmt"
)

type Code string

const (
	CodeConfig     Code = "CONFIG_ERROR"
	CodeValidation Code = "VALIDATION_ERROR"
	CodeNotFound   Code = "NOT_FOUND"
	CodeDependency Code = "DEPENDENCY_ERROR"
	CodeInternal   Code = "INTERNAL_ERROR"
)

type Metadata struct {
	Retryable bool
}

var metadataByCode = map[Code]Metadata{
	CodeConfig:     {Retryable: false},
	CodeValidation: {Retryable: false},
	CodeNotFound:   {Retryable: false},
	CodeDependency: {Retryable: true},
	CodeInternal:   {Retryable: true},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

// IsRetryable reports whether the error chain carries a retryable code.
// Unclassified errors are treated as retryable so transient dependency
// failures surfaced as plain errors are not dropped.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return MetadataFor(CodeFor(err)).Retryable
}

// CodeFor extracts the code from the error chain, defaulting to internal.
func CodeFor(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}
