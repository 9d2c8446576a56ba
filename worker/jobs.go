package worker

import (
	"context"
	"encoding/json"

	"github.com/mohans/tallyx/chunk"
	"github.com/mohans/tallyx/engine"
	"github.com/mohans/tallyx/queue"
)

// JobFunc runs one chunk against the engine and returns the value persisted
// as the attempt's result.
type JobFunc func(ctx context.Context, eng engine.Engine, msg queue.ChunkMessage) (any, error)

var jobFuncs = map[chunk.JobType]JobFunc{
	chunk.JobTallyCreation:         runTally,
	chunk.JobPartialDecryption:     runPartialDecryption,
	chunk.JobCompensatedDecryption: runCompensatedDecryption,
	chunk.JobCombineDecryption:     runCombine,
}

func decodePayload(msg queue.ChunkMessage, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return engine.Fatalf("chunk %s: decode %s payload: %v", msg.ChunkID, msg.JobType, err)
	}
	return nil
}

func bindContext(msg queue.ChunkMessage, ec *engine.ElectionContext) error {
	if ec.ElectionID == "" {
		ec.ElectionID = msg.ElectionID
	}
	if ec.ElectionID != msg.ElectionID {
		return engine.Fatalf("payload election %s does not match job election %s", ec.ElectionID, msg.ElectionID)
	}
	return nil
}

func runTally(ctx context.Context, eng engine.Engine, msg queue.ChunkMessage) (any, error) {
	var req engine.TallyRequest
	if err := decodePayload(msg, &req); err != nil {
		return nil, err
	}
	if err := bindContext(msg, &req.Context); err != nil {
		return nil, err
	}
	if len(req.EncryptedBallots) == 0 || len(req.BallotIDs) != len(req.EncryptedBallots) {
		return nil, engine.Fatalf("chunk %s: %d ballot ids for %d encrypted ballots", msg.ChunkID, len(req.BallotIDs), len(req.EncryptedBallots))
	}
	req.ChunkNumber = msg.ChunkNumber
	return eng.Tally(ctx, req)
}

func runPartialDecryption(ctx context.Context, eng engine.Engine, msg queue.ChunkMessage) (any, error) {
	var req engine.PartialDecryptionRequest
	if err := decodePayload(msg, &req); err != nil {
		return nil, err
	}
	if err := bindContext(msg, &req.Context); err != nil {
		return nil, err
	}
	if req.GuardianID != "" && req.GuardianID != msg.Guardians.GuardianID {
		return nil, engine.Fatalf("payload guardian %s does not match job guardian %s", req.GuardianID, msg.Guardians.GuardianID)
	}
	req.GuardianID = msg.Guardians.GuardianID
	req.ChunkNumber = msg.ChunkNumber
	return eng.PartialDecrypt(ctx, req)
}

func runCompensatedDecryption(ctx context.Context, eng engine.Engine, msg queue.ChunkMessage) (any, error) {
	var req engine.CompensatedDecryptionRequest
	if err := decodePayload(msg, &req); err != nil {
		return nil, err
	}
	if err := bindContext(msg, &req.Context); err != nil {
		return nil, err
	}
	req.SourceGuardianID = msg.Guardians.SourceGuardianID
	req.TargetGuardianID = msg.Guardians.TargetGuardianID
	req.ChunkNumber = msg.ChunkNumber
	res, err := eng.CompensatedDecrypt(ctx, req)
	if err != nil {
		return nil, err
	}
	res.Share.Compensated = true
	res.Share.GuardianID = req.TargetGuardianID
	res.Share.SourceGuardianID = req.SourceGuardianID
	return res, nil
}

func runCombine(ctx context.Context, eng engine.Engine, msg queue.ChunkMessage) (any, error) {
	var req engine.CombineRequest
	if err := decodePayload(msg, &req); err != nil {
		return nil, err
	}
	if err := bindContext(msg, &req.Context); err != nil {
		return nil, err
	}
	shares, err := SelectShares(req.AvailableGuardians, req.MissingGuardians, req.Shares, req.Context.Quorum)
	if err != nil {
		return nil, err
	}
	req.Shares = shares
	req.ChunkNumber = msg.ChunkNumber
	return eng.Combine(ctx, req)
}
