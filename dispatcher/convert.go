package dispatcher

import (
	"github.com/mohans/tallyx/chunk"
	"github.com/mohans/tallyx/store"
)

func instanceRecord(inst *chunk.TaskInstance) store.InstanceRecord {
	return store.InstanceRecord{
		ID:               inst.ID,
		JobType:          string(inst.JobType),
		ElectionID:       inst.ElectionID,
		GuardianID:       inst.Guardians.GuardianID,
		SourceGuardianID: inst.Guardians.SourceGuardianID,
		TargetGuardianID: inst.Guardians.TargetGuardianID,
		MaxRetries:       inst.MaxRetries,
		CreatedAt:        inst.CreatedAt,
	}
}

func chunkRecord(inst *chunk.TaskInstance, c *chunk.Chunk) store.ChunkRecord {
	rec := store.ChunkRecord{
		ID:         c.ID,
		InstanceID: inst.ID,
		ElectionID: inst.ElectionID,
		Number:     c.Number,
		State:      string(c.State),
		RetryCount: c.RetryCount,
		Attempts:   c.Attempts,
		Fatal:      c.Fatal,
		UpdatedAt:  c.UpdatedAt,
	}
	if c.LastError != "" {
		msg := c.LastError
		rec.LastError = &msg
	}
	return rec
}

func restoreInstance(rec *store.InstanceRecord, rows []store.ChunkRecord) *chunk.TaskInstance {
	chunks := make([]*chunk.Chunk, 0, len(rows))
	for _, r := range rows {
		c := &chunk.Chunk{
			ID:         r.ID,
			Number:     r.Number,
			State:      chunk.State(r.State),
			RetryCount: r.RetryCount,
			Attempts:   r.Attempts,
			MaxRetries: rec.MaxRetries,
			Fatal:      r.Fatal,
			UpdatedAt:  r.UpdatedAt,
		}
		if r.LastError != nil {
			c.LastError = *r.LastError
		}
		chunks = append(chunks, c)
	}
	return chunk.Restore(chunk.TaskInstance{
		ID:         rec.ID,
		JobType:    chunk.JobType(rec.JobType),
		ElectionID: rec.ElectionID,
		Guardians: chunk.GuardianRefs{
			GuardianID:       rec.GuardianID,
			SourceGuardianID: rec.SourceGuardianID,
			TargetGuardianID: rec.TargetGuardianID,
		},
		MaxRetries: rec.MaxRetries,
		CreatedAt:  rec.CreatedAt,
		Cancelled:  rec.CancelledAt != nil,
	}, chunks)
}

// snapshot captures the persisted columns of a chunk to detect changes.
type snapshot struct {
	state      chunk.State
	retryCount int
	attempts   int
	fatal      bool
	lastError  string
}

func snap(c *chunk.Chunk) snapshot {
	return snapshot{c.State, c.RetryCount, c.Attempts, c.Fatal, c.LastError}
}
