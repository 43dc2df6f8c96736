package config

import (
	"errors"
	"fmt"
)

// ErrConfig marks errors from config loading.
var ErrConfig = errors.New("config")

// ErrConfigInvalid marks a config file that parsed but failed validation.
var ErrConfigInvalid = errors.New("invalid config")

type configError struct {
	op  string
	err error
}

func (e *configError) Error() string { return fmt.Sprintf("config: %s: %v", e.op, e.err) }

func (e *configError) Unwrap() error { return e.err }

func (*configError) Is(target error) bool { return target == ErrConfig }

// ConfigErr wraps an internal error with a consistent prefix.
func ConfigErr(op string, err error) error {
	if err == nil {
		panic(fmt.Sprintf("config: internal error: nil error for %q", op))
	}

	return &configError{op: op, err: err}
}
