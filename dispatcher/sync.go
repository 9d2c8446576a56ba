package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mohans/tallyx/chunk"
	"github.com/mohans/tallyx/store"
)

// sync folds the latest worker log row of every chunk into its state and
// persists the chunks that changed.
func (d *Dispatcher) sync(ctx context.Context, inst *chunk.TaskInstance) error {
	rows, err := d.store.LatestAttempts(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("load latest attempts: %w", err)
	}
	latest := make(map[string]store.WorkerLogRecord, len(rows))
	for _, r := range rows {
		latest[r.ChunkID] = r
	}

	now := d.now()
	var firstErr error
	for _, c := range inst.Chunks() {
		before := snap(c)
		if row, ok := latest[c.ID]; ok {
			if err := apply(c, row); err != nil {
				d.logger.Warn("worker log does not fit chunk state",
					zap.String("chunk_id", c.ID), zap.Int("attempt", row.Attempt), zap.Error(err))
			}
		}
		if c.State == chunk.StateQueued && now.Sub(c.UpdatedAt) > d.cfg.QueuedTimeout {
			d.logger.Warn("queued chunk was not picked up, requeueing",
				zap.String("chunk_id", c.ID), zap.Int("attempt", c.Attempts))
			if err := c.Transition(chunk.StatePending); err != nil {
				return err
			}
		}
		if snap(c) == before {
			continue
		}
		c.UpdatedAt = now
		if err := d.store.SaveChunk(ctx, chunkRecord(inst, c)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("persist chunk %s: %w", c.ID, err)
		}
	}
	return firstErr
}

// apply moves c forward to match row. A row ahead of the chunk is a publish
// whose bookkeeping was lost and is adopted. A row behind it only matters
// when it completed: the chunk's result exists and the newer attempt will be
// acknowledged as a duplicate.
func apply(c *chunk.Chunk, row store.WorkerLogRecord) error {
	if c.Terminal() {
		return nil
	}
	switch {
	case row.Attempt > c.Attempts:
		if c.CanBeQueued() {
			if err := c.Transition(chunk.StateQueued); err != nil {
				return err
			}
		}
		c.Attempts = row.Attempt
	case row.Attempt < c.Attempts:
		if row.Status != store.StatusCompleted {
			return nil
		}
	case c.State == chunk.StateFailed:
		// already folded in
		return nil
	}

	switch row.Status {
	case store.StatusInProgress:
		return advance(c)
	case store.StatusCompleted:
		if err := advance(c); err != nil {
			return err
		}
		return c.Transition(chunk.StateCompleted)
	case store.StatusFailed:
		if err := advance(c); err != nil {
			return err
		}
		msg := "attempt failed"
		if row.ErrorMessage != nil {
			msg = *row.ErrorMessage
		}
		return c.Fail(msg, row.Fatal)
	}
	return fmt.Errorf("unknown attempt status %q", row.Status)
}

// advance walks a chunk that a worker has picked up to PROCESSING.
func advance(c *chunk.Chunk) error {
	if c.State == chunk.StatePending {
		if err := c.Transition(chunk.StateQueued); err != nil {
			return err
		}
	}
	if c.State == chunk.StateQueued {
		return c.Transition(chunk.StateProcessing)
	}
	if c.State != chunk.StateProcessing {
		return &chunk.TransitionError{ChunkID: c.ID, From: c.State, To: chunk.StateProcessing}
	}
	return nil
}
