package engine

import (
	"errors"
	"fmt"
)

// Engine failures are classified as transient (retry the chunk) or fatal
// (the chunk can never succeed).
var (
	ErrTransient = errors.New("transient engine failure")
	ErrFatal     = errors.New("fatal engine failure")
)

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }
