// Package worker executes chunk deliveries: it guards against duplicate and
// stale work, records every attempt in the worker log before calling the
// engine, and settles the attempt with its outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mohans/tallyx/chunk"
	"github.com/mohans/tallyx/engine"
	"github.com/mohans/tallyx/internal/metrics"
	"github.com/mohans/tallyx/notify"
	"github.com/mohans/tallyx/queue"
	"github.com/mohans/tallyx/store"
)

const (
	outcomeCompleted = "completed"
	outcomeFatal     = "failed_fatal"
	outcomeTransient = "failed_transient"
	outcomeDuplicate = "duplicate"
	outcomeDiscarded = "discarded"
)

// Notifier is told about every durably settled attempt.
type Notifier interface {
	ChunkSettled(ctx context.Context, ev notify.Event) error
}

type Config struct {
	OperationTimeout   time.Duration
	CompletedCacheSize int
}

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option { return func(h *Handler) { h.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(h *Handler) { h.metrics = m } }

func WithNotifier(n Notifier) Option { return func(h *Handler) { h.notifier = n } }

func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

// Handler is the asynq handler for every chunk task type.
type Handler struct {
	store     store.Store
	engine    engine.Engine
	notifier  Notifier
	logger    *zap.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	completed *lru.Cache[string, struct{}]
	now       func() time.Time
	funcs     map[chunk.JobType]JobFunc
}

func NewHandler(st store.Store, eng engine.Engine, cfg Config, opts ...Option) (*Handler, error) {
	if st == nil || eng == nil {
		return nil, errors.New("worker: store and engine are required")
	}
	size := cfg.CompletedCacheSize
	if size <= 0 {
		size = 1024
	}
	completed, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	h := &Handler{
		store:     st,
		engine:    eng,
		timeout:   timeout,
		completed: completed,
		now:       func() time.Time { return time.Now().UTC() },
		funcs:     jobFuncs,
	}
	for _, o := range opts {
		o(h)
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h, nil
}

// Register routes every job type's task type to h.
func (h *Handler) Register(mux *asynq.ServeMux) {
	for _, j := range chunk.JobTypes {
		mux.Handle(j.TaskType(), h)
	}
}

// ProcessTask acks (returns nil) for completed, fatal, duplicate and
// discarded deliveries, and nacks transient failures so the dispatcher
// publishes a fresh attempt.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	start := time.Now()
	msg, err := queue.DecodeChunkMessage(t.Payload())
	if err != nil {
		h.logger.Error("dropping undecodable chunk message", zap.String("type", t.Type()), zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if t.Type() != msg.JobType.TaskType() {
		h.logger.Error("dropping chunk message with mismatched task type",
			zap.String("type", t.Type()), zap.String("job_type", string(msg.JobType)))
		return fmt.Errorf("task type %s carries %s chunk: %w", t.Type(), msg.JobType, asynq.SkipRetry)
	}
	outcome, err := h.handle(ctx, msg)
	h.metrics.ChunkOutcome(string(msg.JobType), outcome, time.Since(start))
	return err
}

func (h *Handler) handle(ctx context.Context, msg queue.ChunkMessage) (string, error) {
	log := h.logger.With(
		zap.String("instance_id", msg.InstanceID),
		zap.String("chunk_id", msg.ChunkID),
		zap.Int("chunk_number", msg.ChunkNumber),
		zap.Int("attempt", msg.Attempt),
		zap.String("job_type", string(msg.JobType)),
	)
	if err := h.checkDuplicate(ctx, msg.ChunkID); err != nil {
		if errors.Is(err, ErrDuplicateWork) {
			log.Info("chunk already completed, acknowledging duplicate delivery")
			return outcomeDuplicate, nil
		}
		return outcomeTransient, err
	}
	reason, err := h.discardReason(ctx, msg, true)
	if err != nil {
		return outcomeTransient, err
	}
	if reason != "" {
		log.Info("discarding delivery", zap.String("reason", reason))
		return outcomeDiscarded, nil
	}

	rec := store.WorkerLogRecord{
		LogID:            uuid.NewString(),
		JobType:          string(msg.JobType),
		ElectionID:       msg.ElectionID,
		InstanceID:       msg.InstanceID,
		ChunkID:          msg.ChunkID,
		GuardianID:       msg.Guardians.GuardianID,
		SourceGuardianID: msg.Guardians.SourceGuardianID,
		TargetGuardianID: msg.Guardians.TargetGuardianID,
		ChunkNumber:      msg.ChunkNumber,
		Attempt:          msg.Attempt,
		StartTime:        h.now(),
	}
	if err := h.store.StartAttempt(ctx, rec); err != nil {
		if errors.Is(err, store.ErrAttemptExists) {
			log.Info("attempt already recorded, acknowledging redelivery")
			return outcomeDuplicate, nil
		}
		return outcomeTransient, fmt.Errorf("record attempt start: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, h.timeout)
	result, runErr := h.run(opCtx, msg)
	cancel()

	// The attempt row must be settled even if the delivery context is gone.
	pctx := context.WithoutCancel(ctx)
	if runErr == nil {
		return h.complete(pctx, log, msg, rec.LogID, result)
	}
	return h.fail(pctx, log, msg, rec.LogID, runErr)
}

func (h *Handler) run(ctx context.Context, msg queue.ChunkMessage) (result any, err error) {
	fn, ok := h.funcs[msg.JobType]
	if !ok {
		return nil, engine.Fatalf("no handler for job type %s", msg.JobType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = engine.Transient(fmt.Errorf("panic in %s handler: %v", msg.JobType, r))
		}
	}()
	return fn(ctx, h.engine, msg)
}

func (h *Handler) complete(ctx context.Context, log *zap.Logger, msg queue.ChunkMessage, logID string, result any) (string, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return h.fail(ctx, log, msg, logID, engine.Fatalf("encode result: %v", err))
	}
	if reason, err := h.discardReason(ctx, msg, false); err == nil && reason != "" {
		if err := h.store.FailAttempt(ctx, logID, reason, true, h.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warn("settle discarded attempt", zap.Error(err))
		}
		log.Info("dropping result of discarded chunk", zap.String("reason", reason))
		return outcomeDiscarded, nil
	}
	s := string(body)
	switch err := h.store.CompleteAttempt(ctx, logID, &s, h.now()); {
	case errors.Is(err, store.ErrChunkClosed):
		// cancelled after the re-check above
		if err := h.store.FailAttempt(ctx, logID, "chunk cancelled or failed permanently", true, h.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warn("settle discarded attempt", zap.Error(err))
		}
		log.Info("dropping result of discarded chunk", zap.String("reason", "chunk closed before completion"))
		return outcomeDiscarded, nil
	case errors.Is(err, store.ErrAttemptSettled), errors.Is(err, store.ErrNotFound):
		log.Warn("attempt settled elsewhere before completion", zap.Error(err))
		return outcomeDiscarded, nil
	case err != nil:
		return outcomeTransient, fmt.Errorf("record completion: %w", err)
	}
	h.completed.Add(msg.ChunkID, struct{}{})
	h.notify(ctx, log, msg, store.StatusCompleted, false)
	log.Info("chunk completed")
	return outcomeCompleted, nil
}

func (h *Handler) fail(ctx context.Context, log *zap.Logger, msg queue.ChunkMessage, logID string, runErr error) (string, error) {
	class := Classify(runErr)
	if err := h.store.FailAttempt(ctx, logID, runErr.Error(), class == ClassFatal, h.now()); err != nil {
		if !errors.Is(err, store.ErrAttemptSettled) && !errors.Is(err, store.ErrNotFound) {
			return outcomeTransient, fmt.Errorf("record failure of %v: %w", runErr, err)
		}
		log.Warn("attempt settled elsewhere before failure", zap.Error(err))
	}
	h.notify(ctx, log, msg, store.StatusFailed, class == ClassFatal)
	if class == ClassFatal {
		log.Error("chunk failed permanently", zap.Error(runErr))
		return outcomeFatal, nil
	}
	log.Warn("chunk attempt failed, will be retried", zap.Error(runErr))
	return outcomeTransient, runErr
}

func (h *Handler) checkDuplicate(ctx context.Context, chunkID string) error {
	if h.completed.Contains(chunkID) {
		return ErrDuplicateWork
	}
	done, err := h.store.HasCompletedAttempt(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("check completed attempts: %w", err)
	}
	if done {
		h.completed.Add(chunkID, struct{}{})
		return ErrDuplicateWork
	}
	return nil
}

// discardReason reports why a delivery must not run or settle: its chunk is
// gone, cancelled or terminally failed, or (when checkAttempt is set) a newer
// attempt has been published.
func (h *Handler) discardReason(ctx context.Context, msg queue.ChunkMessage, checkAttempt bool) (string, error) {
	rec, err := h.store.GetChunk(ctx, msg.ChunkID)
	if errors.Is(err, store.ErrNotFound) {
		return "chunk no longer exists", nil
	}
	if err != nil {
		return "", fmt.Errorf("load chunk: %w", err)
	}
	switch {
	case rec.State == string(chunk.StateFailed) && rec.Fatal:
		return "chunk cancelled or failed permanently", nil
	case checkAttempt && msg.Attempt < rec.Attempts:
		return fmt.Sprintf("superseded by attempt %d", rec.Attempts), nil
	}
	return "", nil
}

func (h *Handler) notify(ctx context.Context, log *zap.Logger, msg queue.ChunkMessage, status store.Status, fatal bool) {
	if h.notifier == nil {
		return
	}
	ev := notify.Event{
		InstanceID: msg.InstanceID,
		ChunkID:    msg.ChunkID,
		JobType:    msg.JobType,
		Attempt:    msg.Attempt,
		Status:     string(status),
		Fatal:      fatal,
	}
	if err := h.notifier.ChunkSettled(ctx, ev); err != nil {
		log.Warn("publish chunk event", zap.Error(err))
	}
}
