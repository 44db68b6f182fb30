package sources

import (
	"errors"
	"fmt"
)

var ErrUnknownPluginType = errors.New("unknown source plugin type")

// ConfigError names the configuration key that is missing or malformed.
// The offending source is disabled; other sources keep running.
type ConfigError struct {
	Source string
	Key    string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		}
	}
	if e.Key == "" {
		return fmt.Sprintf("source %s: %s", e.Source, msg)
	}
	return fmt.Sprintf("source %s: %s: %s", e.Source, e.Key, msg)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// FetchError is a transient failure talking to the external system. The
// pass is skipped and retried on the next interval.
type FetchError struct {
	Source string
	Op     string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func IsFetchError(err error) bool {
	var target *FetchError
	return errors.As(err, &target)
}
