package chunk

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidJobSpec         = errors.New("invalid job spec")
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// TransitionError reports a rejected state change.
type TransitionError struct {
	ChunkID string
	From    State
	To      State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("chunk %s: %s -> %s: %v", e.ChunkID, e.From, e.To, ErrInvalidStateTransition)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }
