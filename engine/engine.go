// Package engine describes the cryptographic engine tallyx delegates to and
// ships an HTTP client for it. Ciphertexts, keys and proofs are opaque JSON.
package engine

import (
	"context"
	"encoding/json"
)

// Engine performs the homomorphic and threshold operations for one chunk.
// Calls are synchronous and may be slow.
type Engine interface {
	Tally(ctx context.Context, req TallyRequest) (TallyResult, error)
	PartialDecrypt(ctx context.Context, req PartialDecryptionRequest) (ShareResult, error)
	CompensatedDecrypt(ctx context.Context, req CompensatedDecryptionRequest) (ShareResult, error)
	Combine(ctx context.Context, req CombineRequest) (CombineResult, error)
}

// ElectionContext carries the election-wide parameters every call needs.
type ElectionContext struct {
	ElectionID        string          `json:"election_id"`
	JointPublicKey    string          `json:"joint_public_key"`
	CommitmentHash    string          `json:"commitment_hash"`
	Manifest          json.RawMessage `json:"manifest,omitempty"`
	NumberOfGuardians int             `json:"number_of_guardians"`
	Quorum            int             `json:"quorum"`
}

type TallyRequest struct {
	Context          ElectionContext   `json:"context"`
	ChunkNumber      int               `json:"chunk_number"`
	BallotIDs        []string          `json:"ballot_ids"`
	EncryptedBallots []json.RawMessage `json:"encrypted_ballots"`
}

type TallyResult struct {
	ChunkNumber    int             `json:"chunk_number"`
	BallotCount    int             `json:"ballot_count"`
	EncryptedTally json.RawMessage `json:"encrypted_tally"`
}

type PartialDecryptionRequest struct {
	Context        ElectionContext `json:"context"`
	ChunkNumber    int             `json:"chunk_number"`
	GuardianID     string          `json:"guardian_id"`
	GuardianKey    json.RawMessage `json:"guardian_key"`
	EncryptedTally json.RawMessage `json:"encrypted_tally"`
}

// CompensatedDecryptionRequest asks SourceGuardianID to produce the share of
// the missing TargetGuardianID.
type CompensatedDecryptionRequest struct {
	Context          ElectionContext `json:"context"`
	ChunkNumber      int             `json:"chunk_number"`
	SourceGuardianID string          `json:"source_guardian_id"`
	TargetGuardianID string          `json:"target_guardian_id"`
	SourceKey        json.RawMessage `json:"source_key"`
	TargetBackup     json.RawMessage `json:"target_backup"`
	EncryptedTally   json.RawMessage `json:"encrypted_tally"`
}

// Share is one guardian's decryption share of a tally. For a compensated
// share GuardianID is the missing guardian and SourceGuardianID the one
// that computed it.
type Share struct {
	GuardianID       string          `json:"guardian_id"`
	SourceGuardianID string          `json:"source_guardian_id,omitempty"`
	Compensated      bool            `json:"compensated"`
	Data             json.RawMessage `json:"data"`
}

type ShareResult struct {
	ChunkNumber int   `json:"chunk_number"`
	Share       Share `json:"share"`
}

type CombineRequest struct {
	Context            ElectionContext `json:"context"`
	ChunkNumber        int             `json:"chunk_number"`
	EncryptedTally     json.RawMessage `json:"encrypted_tally"`
	AvailableGuardians []string        `json:"available_guardians"`
	MissingGuardians   []string        `json:"missing_guardians"`
	Shares             []Share         `json:"shares"`
}

type CombineResult struct {
	ChunkNumber int             `json:"chunk_number"`
	Plaintext   json.RawMessage `json:"plaintext"`
}
