// Package errors provides coded errors for pgcompat.
//
// Codes are grouped so callers can branch on the failure class without
// string matching:
//   - 1xxx: configuration
//   - 2xxx: connection and pool acquisition
//   - 3xxx: query translation
//   - 4xxx: execution and transactions
//   - 5xxx: named query registry
//   - 9xxx: internal
//
// Errors raised by the database engine itself are never wrapped in this
// type; they reach the caller as the driver produced them.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code is a numeric error code.
type Code int

const (
	ErrCodeConfigInvalid Code = 1001
	ErrCodeConfigParse   Code = 1002
	ErrCodeConfigRead    Code = 1003

	ErrCodeConnectFailed  Code = 2001
	ErrCodeConnectTimeout Code = 2002
	ErrCodePoolClosed     Code = 2003

	ErrCodeMissingParam    Code = 3001
	ErrCodeInvalidTemplate Code = 3002

	ErrCodeTxBegin    Code = 4001
	ErrCodeTxCommit   Code = 4002
	ErrCodeTxRollback Code = 4003
	ErrCodeTxPanic    Code = 4004

	ErrCodeQueryNotFound Code = 5001
	ErrCodeQueryLoad     Code = 5002

	ErrCodeInternal       Code = 9001
	ErrCodeNotImplemented Code = 9002
)

// String formats the code as E####.
func (c Code) String() string {
	return fmt.Sprintf("E%04d", int(c))
}

// Category returns the class a code belongs to.
func (c Code) Category() string {
	switch c / 1000 {
	case 1:
		return "configuration"
	case 2:
		return "connection"
	case 3:
		return "translation"
	case 4:
		return "execution"
	case 5:
		return "registry"
	case 9:
		return "internal"
	}
	return "unknown"
}

// Error is a coded error with optional context fields and cause.
type Error struct {
	Code    Code
	Message string
	Op      string
	Fields  map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	b.WriteString(": ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Format supports %+v, which appends sorted context fields.
func (e *Error) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v':
		if f.Flag('+') && len(e.Fields) > 0 {
			fmt.Fprint(f, e.Error())
			keys := make([]string, 0, len(e.Fields))
			for k := range e.Fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(f, "\n  %s: %v", k, e.Fields[k])
			}
			return
		}
		fmt.Fprint(f, e.Error())
	case 's':
		fmt.Fprint(f, e.Error())
	case 'q':
		fmt.Fprintf(f, "%q", e.Error())
	}
}

// Builder assembles an Error.
type Builder struct {
	err Error
}

// New starts an error with a fixed message.
func New(code Code, message string) *Builder {
	return &Builder{err: Error{Code: code, Message: message}}
}

// Newf starts an error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Builder {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap starts an error caused by another.
func Wrap(cause error, code Code, message string) *Builder {
	b := New(code, message)
	b.err.Cause = cause
	return b
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, code Code, format string, args ...interface{}) *Builder {
	return Wrap(cause, code, fmt.Sprintf(format, args...))
}

// WithField attaches a context field.
func (b *Builder) WithField(key string, value interface{}) *Builder {
	if b.err.Fields == nil {
		b.err.Fields = make(map[string]interface{})
	}
	b.err.Fields[key] = value
	return b
}

// WithOp names the operation that failed, e.g. "DB.Execute".
func (b *Builder) WithOp(op string) *Builder {
	b.err.Op = op
	return b
}

// Build returns the assembled *Error.
func (b *Builder) Build() *Error {
	e := b.err
	return &e
}

// Err returns the assembled error as an error value.
func (b *Builder) Err() error {
	return b.Build()
}

// GetCode returns the code of the first *Error in err's chain,
// or ErrCodeInternal when there is none.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// GetFields returns the context fields of the first *Error in err's chain.
func GetFields(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsCategory reports whether err carries a code of the given category.
func IsCategory(err error, category string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code.Category() == category
}

// IsConnection reports whether err is a pool/connectivity failure rather
// than an error raised while executing a statement.
func IsConnection(err error) bool {
	return IsCategory(err, "connection")
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join combines multiple errors.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
