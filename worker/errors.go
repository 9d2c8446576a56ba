package worker

import (
	"errors"

	"github.com/mohans/tallyx/engine"
)

// ErrDuplicateWork marks a delivery for a chunk that already completed.
var ErrDuplicateWork = errors.New("duplicate work")

// Class is the retry class of a failed chunk attempt.
type Class int

const (
	ClassTransient Class = iota
	ClassFatal
)

func (c Class) String() string {
	if c == ClassFatal {
		return "fatal"
	}
	return "transient"
}

// Classify maps an engine error to its retry class. Only errors explicitly
// marked fatal end a chunk; timeouts and unknown errors are retried.
func Classify(err error) Class {
	if engine.IsFatal(err) {
		return ClassFatal
	}
	return ClassTransient
}
