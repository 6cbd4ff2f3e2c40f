// Package errors provides error helpers that tag every error with the file
// and line where it was raised, plus Withf for attaching a sentinel kind so
// callers can classify failures with the standard errors.Is.
package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(), fmt.Sprintf(format, a...), err)
}

// Withf creates an error that wraps the given sentinel, so that
// errors.Is(err, sentinel) holds, with a formatted message and a file:line tag.
// The sentinel's own text is not repeated in the message.
func Withf(sentinel error, format string, a ...interface{}) error {
	return &tagged{
		sentinel: sentinel,
		msg:      fmt.Sprintf("[%s] %s", caller(), fmt.Sprintf(format, a...)),
	}
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers do not need to import two error packages.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain matching target.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

type tagged struct {
	sentinel error
	msg      string
}

func (t *tagged) Error() string { return t.msg }
func (t *tagged) Unwrap() error { return t.sentinel }

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
