package chunk

import "time"

// Chunk is the smallest independently retryable unit of work in a job.
type Chunk struct {
	ID     string
	Number int
	State  State
	// RetryCount counts FAILED -> QUEUED transitions.
	RetryCount int
	// Attempts counts confirmed publishes; the n-th publish carries attempt n.
	Attempts   int
	MaxRetries int
	Fatal      bool
	LastError  string
	UpdatedAt  time.Time
}

var transitions = map[State][]State{
	StatePending:    {StateQueued},
	StateQueued:     {StateProcessing, StatePending},
	StateProcessing: {StateCompleted, StateFailed},
	StateFailed:     {StateQueued},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanBeQueued reports whether the dispatcher may publish this chunk.
func (c *Chunk) CanBeQueued() bool {
	switch c.State {
	case StatePending:
		return true
	case StateFailed:
		return !c.Fatal && c.RetryCount < c.MaxRetries
	}
	return false
}

// Terminal reports whether the chunk will never change state again.
func (c *Chunk) Terminal() bool {
	switch c.State {
	case StateCompleted:
		return true
	case StateFailed:
		return !c.CanBeQueued()
	}
	return false
}

// Transition moves the chunk to next if the pair is part of the lifecycle
// graph. FAILED -> QUEUED is a retry and consumes one unit of retry budget.
func (c *Chunk) Transition(next State) error {
	if !allowed(c.State, next) {
		return &TransitionError{ChunkID: c.ID, From: c.State, To: next}
	}
	if c.State == StateFailed {
		if !c.CanBeQueued() {
			return &TransitionError{ChunkID: c.ID, From: c.State, To: next}
		}
		c.RetryCount++
	}
	c.State = next
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail records a PROCESSING -> FAILED outcome.
func (c *Chunk) Fail(msg string, fatal bool) error {
	if err := c.Transition(StateFailed); err != nil {
		return err
	}
	c.LastError = msg
	c.Fatal = fatal
	return nil
}

// Cancel forces a non-terminal chunk into a terminal FAILED state. It is the
// only way to leave PENDING or QUEUED other than the lifecycle graph.
func (c *Chunk) Cancel(reason string) bool {
	if c.Terminal() {
		return false
	}
	c.State = StateFailed
	c.Fatal = true
	c.LastError = reason
	c.UpdatedAt = time.Now().UTC()
	return true
}
