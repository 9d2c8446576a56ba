package chunk

import (
	"fmt"
	"strings"
)

// JobType identifies the cryptographic step a TaskInstance performs.
// Kept as string for readability in SQL and queue names.
type JobType string

const (
	JobTallyCreation         JobType = "tally_creation"
	JobPartialDecryption     JobType = "partial_decryption"
	JobCompensatedDecryption JobType = "compensated_decryption"
	JobCombineDecryption     JobType = "combine_decryption"
)

// JobTypes lists every job type in a stable order.
var JobTypes = []JobType{
	JobTallyCreation,
	JobPartialDecryption,
	JobCompensatedDecryption,
	JobCombineDecryption,
}

func (j JobType) Valid() bool {
	switch j {
	case JobTallyCreation, JobPartialDecryption, JobCompensatedDecryption, JobCombineDecryption:
		return true
	}
	return false
}

// Queue is the broker topic chunks of this type are published to.
func (j JobType) Queue() string { return string(j) }

// TaskType is the task type name handlers are registered under.
func (j JobType) TaskType() string { return "chunk:" + string(j) }

// ParseJobType accepts both the canonical lower-case form and the
// upper-case enumeration names (TALLY_CREATION, ...).
func ParseJobType(s string) (JobType, error) {
	j := JobType(strings.ToLower(strings.TrimSpace(s)))
	if !j.Valid() {
		return "", fmt.Errorf("%w: unknown job type %q", ErrInvalidJobSpec, s)
	}
	return j, nil
}

// State is the lifecycle state of a single chunk.
type State string

const (
	StatePending    State = "PENDING"
	StateQueued     State = "QUEUED"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// GuardianRefs names the guardians a job acts for. Which fields are set
// depends on the job type, see Validate.
type GuardianRefs struct {
	GuardianID       string `json:"guardian_id,omitempty"`
	SourceGuardianID string `json:"source_guardian_id,omitempty"`
	TargetGuardianID string `json:"target_guardian_id,omitempty"`
}

// Validate checks refs against the shape required by jobType.
func (r GuardianRefs) Validate(jobType JobType) error {
	switch jobType {
	case JobTallyCreation, JobCombineDecryption:
		if r != (GuardianRefs{}) {
			return fmt.Errorf("%w: %s takes no guardian refs", ErrInvalidJobSpec, jobType)
		}
	case JobPartialDecryption:
		if r.GuardianID == "" {
			return fmt.Errorf("%w: %s requires guardian_id", ErrInvalidJobSpec, jobType)
		}
		if r.SourceGuardianID != "" || r.TargetGuardianID != "" {
			return fmt.Errorf("%w: %s takes no source/target guardian", ErrInvalidJobSpec, jobType)
		}
	case JobCompensatedDecryption:
		if r.SourceGuardianID == "" || r.TargetGuardianID == "" {
			return fmt.Errorf("%w: %s requires source_guardian_id and target_guardian_id", ErrInvalidJobSpec, jobType)
		}
		if r.SourceGuardianID == r.TargetGuardianID {
			return fmt.Errorf("%w: source and target guardian must differ", ErrInvalidJobSpec)
		}
		if r.GuardianID != "" {
			return fmt.Errorf("%w: %s takes no guardian_id", ErrInvalidJobSpec, jobType)
		}
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidJobSpec, jobType)
	}
	return nil
}

// LockKey identifies jobs that must never run at the same time.
type LockKey struct {
	JobType    JobType
	ElectionID string
	Guardians  GuardianRefs
}

func (k LockKey) String() string {
	return strings.Join([]string{
		string(k.JobType),
		k.ElectionID,
		k.Guardians.GuardianID,
		k.Guardians.SourceGuardianID,
		k.Guardians.TargetGuardianID,
	}, "|")
}
