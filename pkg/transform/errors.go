package transform

import (
	"errors"
	"fmt"
)

var (
	ErrNonexistentLocalTime = errors.New("local time does not exist in zone")
	ErrAmbiguousLocalTime   = errors.New("local time is ambiguous in zone")
)

// TransformError describes why a mapping failed to compile or why a single
// record was rejected. ExternalKey is set on record rejections whenever the
// external_key rule still resolved.
type TransformError struct {
	Field       string
	Reason      string
	ExternalKey string
	Err         error
}

func (e *TransformError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		}
	}
	if e.Field == "" {
		return msg
	}
	return fmt.Sprintf("field %s: %s", e.Field, msg)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

func IsTransformError(err error) bool {
	var target *TransformError
	return errors.As(err, &target)
}

// RejectedKey returns the external key carried by a record rejection, or ""
// when the key could not be resolved.
func RejectedKey(err error) string {
	var target *TransformError
	if errors.As(err, &target) {
		return target.ExternalKey
	}
	return ""
}

func fieldError(field, format string, args ...interface{}) *TransformError {
	return &TransformError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
