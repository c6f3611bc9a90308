package threadrelay

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrBackend        = errors.New("backend error")
	ErrMalformedInput = errors.New("malformed input")
	ErrNotImplemented = errors.New("not implemented")
)

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return e.Message
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type MalformedInputError struct {
	Message string
	Err     error
}

func (e *MalformedInputError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *MalformedInputError) Unwrap() error {
	return e.Err
}

func (e *MalformedInputError) Is(target error) bool {
	return target == ErrMalformedInput
}

// BackendError carries the note service failure verbatim so callers can
// surface it without interpretation.
type BackendError struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *BackendError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" failed")
	} else {
		b.WriteString("backend call failed")
	}
	if e.Status > 0 {
		fmt.Fprintf(&b, ": status=%d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		if e.Status > 0 || e.Code != "" {
			fmt.Fprintf(&b, " message=%s", e.Message)
		} else {
			fmt.Fprintf(&b, ": %s", e.Message)
		}
	}
	return b.String()
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackend
}

// IsInputError reports whether err is the caller's fault rather than a
// routing or backend failure.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrMalformedInput)
}
