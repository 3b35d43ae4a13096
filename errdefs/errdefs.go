// Package errdefs defines the error categories surfaced by imgtrain.
//
// Every error returned by the pipeline falls into one of three kinds and can
// be classified with errors.Is:
//
//	ErrConfiguration  invalid selector or non-positive numeric argument
//	ErrData           missing or malformed input directory or image
//	ErrRuntime        failures raised while decoding, fitting, predicting or plotting
//
// Errors are never recovered internally; they are wrapped with context and
// returned to the immediate caller.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrData          = errors.New("data error")
	ErrRuntime       = errors.New("runtime error")
)

// Configf returns an ErrConfiguration with a formatted message.
func Configf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Dataf returns an ErrData with a formatted message.
func Dataf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrData, fmt.Sprintf(format, args...))
}

// Runtimef returns an ErrRuntime with a formatted message.
func Runtimef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrRuntime, fmt.Sprintf(format, args...))
}

// Wrap classifies err as kind. An error that already belongs to one of the
// categories keeps its original classification.
func Wrap(kind error, err error, msg string) error {
	if err == nil {
		return nil
	}
	if Kind(err) != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%w: %s: %w", kind, msg, err)
}

// Kind reports which category err belongs to, or nil.
func Kind(err error) error {
	switch {
	case errors.Is(err, ErrConfiguration):
		return ErrConfiguration
	case errors.Is(err, ErrData):
		return ErrData
	case errors.Is(err, ErrRuntime):
		return ErrRuntime
	default:
		return nil
	}
}
