package queue

import (
	"encoding/json"
	"fmt"

	"github.com/mohans/tallyx/chunk"
)

// ChunkMessage is the body of one published chunk attempt.
type ChunkMessage struct {
	InstanceID  string             `json:"instance_id"`
	ChunkID     string             `json:"chunk_id"`
	ChunkNumber int                `json:"chunk_number"`
	Attempt     int                `json:"attempt"`
	JobType     chunk.JobType      `json:"job_type"`
	ElectionID  string             `json:"election_id"`
	Guardians   chunk.GuardianRefs `json:"guardians"`
	Payload     json.RawMessage    `json:"payload"`
}

// TaskID is the broker-level id of one attempt; republishing the same
// attempt is rejected by the broker.
func (m ChunkMessage) TaskID() string {
	return fmt.Sprintf("%s-%d", m.ChunkID, m.Attempt)
}

func (m ChunkMessage) Validate() error {
	switch {
	case !m.JobType.Valid():
		return fmt.Errorf("unknown job type %q", m.JobType)
	case m.InstanceID == "" || m.ChunkID == "":
		return fmt.Errorf("message without instance or chunk id")
	case m.Attempt < 1:
		return fmt.Errorf("chunk %s: attempt %d out of range", m.ChunkID, m.Attempt)
	case len(m.Payload) == 0:
		return fmt.Errorf("chunk %s: empty payload", m.ChunkID)
	}
	return nil
}

func DecodeChunkMessage(b []byte) (ChunkMessage, error) {
	var m ChunkMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return ChunkMessage{}, fmt.Errorf("decode chunk message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return ChunkMessage{}, err
	}
	return m, nil
}
