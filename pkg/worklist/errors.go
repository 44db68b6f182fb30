package worklist

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("worklist request not found")

// StoreError wraps a persistence failure. A pass that hits one is rolled
// back as a whole.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func IsStoreError(err error) bool {
	var target *StoreError
	return errors.As(err, &target)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
