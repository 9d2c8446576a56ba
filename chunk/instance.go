package chunk

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Spec describes a job at submission time. Payloads are opaque, one per chunk,
// and are not retained by the TaskInstance.
type Spec struct {
	JobType    JobType
	ElectionID string
	Guardians  GuardianRefs
	Payloads   [][]byte
}

type Options struct {
	MaxRetries int
	Now        func() time.Time
	NewID      func() string
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// TaskInstance is one logical job decomposed into chunks. It owns its chunks;
// chunk i has Number i.
type TaskInstance struct {
	ID         string
	JobType    JobType
	ElectionID string
	Guardians  GuardianRefs
	MaxRetries int
	CreatedAt  time.Time
	Cancelled  bool

	chunks []*Chunk
	byID   map[string]int
	cursor uint64
}

// New validates spec and builds a TaskInstance with one PENDING chunk per payload.
func New(spec Spec, opts Options) (*TaskInstance, error) {
	if !spec.JobType.Valid() {
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidJobSpec, spec.JobType)
	}
	if spec.ElectionID == "" {
		return nil, fmt.Errorf("%w: election id is required", ErrInvalidJobSpec)
	}
	if err := spec.Guardians.Validate(spec.JobType); err != nil {
		return nil, err
	}
	if len(spec.Payloads) == 0 {
		return nil, fmt.Errorf("%w: at least one payload is required", ErrInvalidJobSpec)
	}
	opts = opts.withDefaults()
	now := opts.Now()
	chunks := make([]*Chunk, 0, len(spec.Payloads))
	for i, p := range spec.Payloads {
		if len(p) == 0 {
			return nil, fmt.Errorf("%w: payload %d is empty", ErrInvalidJobSpec, i)
		}
		chunks = append(chunks, &Chunk{
			ID:         opts.NewID(),
			Number:     i,
			State:      StatePending,
			MaxRetries: opts.MaxRetries,
			UpdatedAt:  now,
		})
	}
	return Restore(TaskInstance{
		ID:         opts.NewID(),
		JobType:    spec.JobType,
		ElectionID: spec.ElectionID,
		Guardians:  spec.Guardians,
		MaxRetries: opts.MaxRetries,
		CreatedAt:  now,
	}, chunks), nil
}

// Restore rebuilds an instance from persisted header fields and chunks.
func Restore(header TaskInstance, chunks []*Chunk) *TaskInstance {
	ti := header
	ti.chunks = append([]*Chunk(nil), chunks...)
	sort.Slice(ti.chunks, func(i, j int) bool { return ti.chunks[i].Number < ti.chunks[j].Number })
	ti.byID = make(map[string]int, len(ti.chunks))
	for i, c := range ti.chunks {
		ti.byID[c.ID] = i
	}
	ti.cursor = 0
	return &ti
}

func (t *TaskInstance) Key() LockKey {
	return LockKey{JobType: t.JobType, ElectionID: t.ElectionID, Guardians: t.Guardians}
}

// Chunks returns the chunks ordered by chunk number.
func (t *TaskInstance) Chunks() []*Chunk { return t.chunks }

func (t *TaskInstance) Chunk(id string) (*Chunk, bool) {
	i, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return t.chunks[i], true
}

// IsActive reports whether any chunk can still change state.
func (t *TaskInstance) IsActive() bool {
	for _, c := range t.chunks {
		if !c.Terminal() {
			return true
		}
	}
	return false
}

func (t *TaskInstance) IsComplete() bool { return !t.IsActive() }

// InFlight counts chunks handed to the broker and not yet settled.
func (t *TaskInstance) InFlight() int {
	n := 0
	for _, c := range t.chunks {
		if c.State == StateQueued || c.State == StateProcessing {
			n++
		}
	}
	return n
}

// NextPendingChunk picks among queueable chunks with a cursor that advances on
// every call, so repeated calls cycle through all ready chunks.
func (t *TaskInstance) NextPendingChunk() *Chunk {
	var ready []*Chunk
	for _, c := range t.chunks {
		if c.CanBeQueued() {
			ready = append(ready, c)
		}
	}
	if len(ready) == 0 {
		return nil
	}
	c := ready[t.cursor%uint64(len(ready))]
	t.cursor++
	return c
}

// Failed reports whether some chunk failed terminally.
func (t *TaskInstance) Failed() bool {
	for _, c := range t.chunks {
		if c.State == StateFailed && c.Terminal() {
			return true
		}
	}
	return false
}

// FirstError returns the error of the earliest terminal failure.
func (t *TaskInstance) FirstError() string {
	var first *Chunk
	for _, c := range t.chunks {
		if c.State != StateFailed || !c.Terminal() {
			continue
		}
		if first == nil || c.UpdatedAt.Before(first.UpdatedAt) {
			first = c
		}
	}
	if first == nil {
		return ""
	}
	return first.LastError
}

// Progress is the submitter-facing summary of a TaskInstance.
type Progress struct {
	InstanceID           string  `json:"instance_id"`
	JobType              JobType `json:"job_type"`
	ElectionID           string  `json:"election_id"`
	TotalChunks          int     `json:"total_chunks"`
	CompletedChunks      int     `json:"completed_chunks"`
	FailedChunks         int     `json:"failed_chunks"`
	RetryingChunks       int     `json:"retrying_chunks"`
	ProcessingChunks     int     `json:"processing_chunks"`
	QueuedChunks         int     `json:"queued_chunks"`
	PendingChunks        int     `json:"pending_chunks"`
	CompletionPercentage float64 `json:"completion_percentage"`
	IsComplete           bool    `json:"is_complete"`
	Failed               bool    `json:"failed"`
	Cancelled            bool    `json:"cancelled"`
	FirstError           string  `json:"first_error,omitempty"`
}

// Progress counts chunks per state. FailedChunks holds terminal failures only;
// failures still inside their retry budget are reported as RetryingChunks.
func (t *TaskInstance) Progress() Progress {
	p := Progress{
		InstanceID:  t.ID,
		JobType:     t.JobType,
		ElectionID:  t.ElectionID,
		TotalChunks: len(t.chunks),
		Cancelled:   t.Cancelled,
	}
	for _, c := range t.chunks {
		switch c.State {
		case StatePending:
			p.PendingChunks++
		case StateQueued:
			p.QueuedChunks++
		case StateProcessing:
			p.ProcessingChunks++
		case StateCompleted:
			p.CompletedChunks++
		case StateFailed:
			if c.Terminal() {
				p.FailedChunks++
			} else {
				p.RetryingChunks++
			}
		}
	}
	if p.TotalChunks > 0 {
		p.CompletionPercentage = float64(p.CompletedChunks+p.FailedChunks) * 100 / float64(p.TotalChunks)
	}
	p.IsComplete = p.CompletedChunks+p.FailedChunks == p.TotalChunks
	p.Failed = p.FailedChunks > 0
	p.FirstError = t.FirstError()
	return p
}
