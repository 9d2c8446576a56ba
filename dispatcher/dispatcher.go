// Package dispatcher owns the in-memory view of active task instances and
// decides, one cycle at a time, which chunks to hand to the broker.
//
// Only the dispatcher writes chunk rows. Workers report through the worker
// log; every cycle folds the latest attempt of each chunk back into the
// chunk state machine before anything new is published.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mohans/tallyx/chunk"
	"github.com/mohans/tallyx/guard"
	"github.com/mohans/tallyx/internal/metrics"
	"github.com/mohans/tallyx/queue"
	"github.com/mohans/tallyx/store"
)

var ErrUnknownInstance = errors.New("unknown task instance")

// Publisher hands one chunk attempt to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg queue.ChunkMessage) error
}

type Config struct {
	Interval time.Duration
	// QueuedTimeout returns a published chunk that no worker picked up to
	// PENDING so it is published again.
	QueuedTimeout time.Duration
	// ProcessingGrace is how long an attempt may stay IN_PROGRESS before a
	// sweep declares its worker lost.
	ProcessingGrace        time.Duration
	LockGrace              time.Duration
	MaxRetries             int
	MaxInFlightPerInstance int
	PublishRate            float64
	PublishBurst           int
	RetiredCacheSize       int
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithLocks shares a lock registry, e.g. between dispatchers in one process.
func WithLocks(r *guard.Registry) Option { return func(d *Dispatcher) { d.locks = r } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

type entry struct {
	inst  *chunk.TaskInstance
	lease *guard.Lease
}

type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	store   store.Store
	pub     Publisher
	locks   *guard.Registry
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	active  map[string]*entry
	retired *lru.Cache[string, *chunk.TaskInstance]
	offset  int
	trigger chan struct{}
}

func New(st store.Store, pub Publisher, cfg Config, opts ...Option) (*Dispatcher, error) {
	if st == nil || pub == nil {
		return nil, errors.New("dispatcher: store and publisher are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.QueuedTimeout <= 0 {
		cfg.QueuedTimeout = 10 * time.Minute
	}
	if cfg.ProcessingGrace <= 0 {
		cfg.ProcessingGrace = 15 * time.Minute
	}
	if cfg.LockGrace <= 0 {
		cfg.LockGrace = 5 * time.Minute
	}
	if cfg.RetiredCacheSize <= 0 {
		cfg.RetiredCacheSize = 256
	}
	retired, err := lru.New[string, *chunk.TaskInstance](cfg.RetiredCacheSize)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		cfg:     cfg,
		store:   st,
		pub:     pub,
		now:     func() time.Time { return time.Now().UTC() },
		active:  make(map[string]*entry),
		retired: retired,
		trigger: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.locks == nil {
		d.locks = guard.NewRegistry(cfg.LockGrace, guard.WithClock(d.now))
	}
	if cfg.PublishRate > 0 {
		burst := cfg.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), burst)
	}
	return d, nil
}

// Submit validates and persists a new job and schedules it for dispatch.
// Each payload must be a JSON document; it becomes one chunk.
func (d *Dispatcher) Submit(ctx context.Context, jobType chunk.JobType, electionID string, refs chunk.GuardianRefs, payloads [][]byte) (string, error) {
	for i, p := range payloads {
		if len(p) > 0 && !json.Valid(p) {
			return "", fmt.Errorf("%w: payload %d is not valid JSON", chunk.ErrInvalidJobSpec, i)
		}
	}
	inst, err := chunk.New(chunk.Spec{
		JobType:    jobType,
		ElectionID: electionID,
		Guardians:  refs,
		Payloads:   payloads,
	}, chunk.Options{MaxRetries: d.cfg.MaxRetries, Now: d.now})
	if err != nil {
		return "", err
	}
	recs := make([]store.ChunkRecord, 0, len(payloads))
	for i, c := range inst.Chunks() {
		rec := chunkRecord(inst, c)
		rec.PayloadJSON = string(payloads[i])
		recs = append(recs, rec)
	}
	if err := d.store.CreateInstance(ctx, instanceRecord(inst), recs); err != nil {
		return "", fmt.Errorf("persist instance: %w", err)
	}

	d.mu.Lock()
	d.active[inst.ID] = &entry{inst: inst}
	d.mu.Unlock()

	d.logger.Info("task instance submitted",
		zap.String("instance_id", inst.ID),
		zap.String("job_type", string(jobType)),
		zap.String("election_id", electionID),
		zap.Int("chunks", len(recs)))
	d.Trigger()
	return inst.ID, nil
}

// Progress reports on an active, recently finished or persisted instance.
func (d *Dispatcher) Progress(ctx context.Context, instanceID string) (chunk.Progress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.active[instanceID]; ok {
		return e.inst.Progress(), nil
	}
	if inst, ok := d.retired.Get(instanceID); ok {
		return inst.Progress(), nil
	}
	inst, err := d.load(ctx, instanceID)
	if err != nil {
		return chunk.Progress{}, err
	}
	if !inst.IsActive() {
		d.retired.Add(inst.ID, inst)
	}
	return inst.Progress(), nil
}

// Cancel fails every non-terminal chunk of the instance and releases its
// lock. Chunks whose attempt already completed keep their result; workers
// still holding one of the other chunks discard theirs.
func (d *Dispatcher) Cancel(ctx context.Context, instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.active[instanceID]
	if !ok {
		if _, ok := d.retired.Get(instanceID); ok {
			return nil
		}
		inst, err := d.load(ctx, instanceID)
		if err != nil {
			return err
		}
		if !inst.IsActive() {
			return nil
		}
		e = &entry{inst: inst}
	}
	// outcomes already in the worker log stand
	if err := d.sync(ctx, e.inst); err != nil {
		return fmt.Errorf("sync before cancel: %w", err)
	}
	if !e.inst.IsActive() {
		d.retire(e)
		return nil
	}

	now := d.now()
	var firstErr error
	for _, c := range e.inst.Chunks() {
		if !c.Cancel("task instance cancelled") {
			continue
		}
		c.UpdatedAt = now
		if err := d.store.SaveChunk(ctx, chunkRecord(e.inst, c)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("persist cancelled chunk %s: %w", c.ID, err)
		}
	}
	e.inst.Cancelled = true
	if err := d.store.MarkCancelled(ctx, instanceID, now); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("mark instance cancelled: %w", err)
	}
	d.retire(e)
	d.logger.Info("task instance cancelled", zap.String("instance_id", instanceID))
	return firstErr
}

// DeleteElection forgets every instance of the election and removes its
// rows; worker logs cascade with it.
func (d *Dispatcher) DeleteElection(ctx context.Context, electionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, e := range d.active {
		if e.inst.ElectionID != electionID {
			continue
		}
		if e.lease != nil {
			e.lease.Release()
		}
		delete(d.active, id)
	}
	for _, id := range d.retired.Keys() {
		if inst, ok := d.retired.Peek(id); ok && inst.ElectionID == electionID {
			d.retired.Remove(id)
		}
	}
	return d.store.DeleteElection(ctx, electionID)
}

// Recover runs the reconciliation sweep and reloads every instance that
// still has non-terminal chunks. Call once at startup.
func (d *Dispatcher) Recover(ctx context.Context) error {
	if _, err := d.Sweep(ctx); err != nil {
		return err
	}
	recs, err := d.store.ListActiveInstances(ctx)
	if err != nil {
		return fmt.Errorf("list active instances: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	restored := 0
	for i := range recs {
		if _, ok := d.active[recs[i].ID]; ok {
			continue
		}
		rows, err := d.store.ListChunks(ctx, recs[i].ID)
		if err != nil {
			return fmt.Errorf("load chunks of %s: %w", recs[i].ID, err)
		}
		d.active[recs[i].ID] = &entry{inst: restoreInstance(&recs[i], rows)}
		restored++
	}
	d.logger.Info("recovered active task instances", zap.Int("instances", restored))
	d.Trigger()
	return nil
}

// Sweep settles attempts whose worker has gone quiet for longer than the
// processing grace as retryable failures.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	now := d.now()
	n, err := d.store.FailStaleAttempts(ctx, now.Add(-d.cfg.ProcessingGrace), "worker lost: no outcome within processing grace", now)
	if err != nil {
		return 0, fmt.Errorf("sweep stale attempts: %w", err)
	}
	if n > 0 {
		d.logger.Warn("failed stale attempts", zap.Int("attempts", n))
		d.Trigger()
	}
	return n, nil
}

// Trigger requests a cycle without waiting for the next tick.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run cycles on every tick or trigger until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := d.Cycle(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("dispatch cycle", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.trigger:
		}
	}
}

// Cycle syncs every active instance and publishes at most one chunk per
// instance. Once the publish rate is spent the remaining instances are still
// synced and keep their locks. It returns the number of chunks published.
func (d *Dispatcher) Cycle(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	order := d.ordered()
	published := 0
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}
	// Owners stay live while the dispatcher cycles, even when the rate limit
	// keeps this cycle from reaching them.
	for _, e := range order {
		if e.lease != nil {
			e.lease.Touch()
		}
	}
	if n := len(order); n > 0 {
		start := d.offset % n
		next := start + 1
		throttled := false
		for i := 0; i < n; i++ {
			e := order[(start+i)%n]
			log := d.logger.With(zap.String("instance_id", e.inst.ID), zap.String("job_type", string(e.inst.JobType)))
			if err := d.sync(ctx, e.inst); err != nil {
				log.Warn("sync instance", zap.Error(err))
				keep(err)
				continue
			}
			if !e.inst.IsActive() {
				d.retire(e)
				continue
			}
			if !d.hold(e) {
				d.metrics.LockContended(string(e.inst.JobType))
				log.Debug("lock held by another instance, deferring", zap.String("key", e.inst.Key().String()))
				continue
			}
			if throttled {
				continue
			}
			if limit := d.cfg.MaxInFlightPerInstance; limit > 0 && e.inst.InFlight() >= limit {
				continue
			}
			if d.limiter != nil && d.limiter.Tokens() < 1 {
				log.Debug("publish rate exhausted, only syncing the remaining instances")
				throttled, next = true, start+i
				continue
			}
			c := e.inst.NextPendingChunk()
			if c == nil {
				continue
			}
			if d.limiter != nil && !d.limiter.Allow() {
				throttled, next = true, start+i
				continue
			}
			if err := d.publish(ctx, e.inst, c); err != nil {
				log.Warn("publish chunk", zap.String("chunk_id", c.ID), zap.Error(err))
				keep(err)
				continue
			}
			published++
		}
		// a throttled cycle resumes where it stopped publishing
		d.offset = next
	}
	d.metrics.CycleCompleted(len(d.active))
	return published, firstErr
}

func (d *Dispatcher) ordered() []*entry {
	out := make([]*entry, 0, len(d.active))
	for _, e := range d.active {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].inst, out[j].inst
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (d *Dispatcher) hold(e *entry) bool {
	if e.lease != nil && e.lease.Held() {
		e.lease.Touch()
		return true
	}
	lease, ok := d.locks.Acquire(e.inst.Key().String(), e.inst.ID)
	if !ok {
		return false
	}
	e.lease = lease
	return true
}

func (d *Dispatcher) publish(ctx context.Context, inst *chunk.TaskInstance, c *chunk.Chunk) error {
	payload, err := d.store.ChunkPayload(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("load payload: %w", err)
	}
	msg := queue.ChunkMessage{
		InstanceID:  inst.ID,
		ChunkID:     c.ID,
		ChunkNumber: c.Number,
		Attempt:     c.Attempts + 1,
		JobType:     inst.JobType,
		ElectionID:  inst.ElectionID,
		Guardians:   inst.Guardians,
		Payload:     json.RawMessage(payload),
	}
	if err := d.pub.Publish(ctx, msg); err != nil {
		d.metrics.PublishFailed(string(inst.JobType))
		return err
	}
	if err := c.Transition(chunk.StateQueued); err != nil {
		return err
	}
	c.Attempts = msg.Attempt
	c.UpdatedAt = d.now()
	d.metrics.ChunkPublished(string(inst.JobType))
	if err := d.store.SaveChunk(ctx, chunkRecord(inst, c)); err != nil {
		// The worker log row of this attempt lets the next sync adopt it.
		d.logger.Error("persist published chunk", zap.String("chunk_id", c.ID), zap.Int("attempt", msg.Attempt), zap.Error(err))
	}
	return nil
}

func (d *Dispatcher) retire(e *entry) {
	if e.lease != nil {
		e.lease.Release()
		e.lease = nil
	}
	delete(d.active, e.inst.ID)
	d.retired.Add(e.inst.ID, e.inst)
	p := e.inst.Progress()
	d.logger.Info("task instance finished",
		zap.String("instance_id", p.InstanceID),
		zap.Int("completed", p.CompletedChunks),
		zap.Int("failed", p.FailedChunks),
		zap.Bool("cancelled", p.Cancelled),
		zap.String("first_error", p.FirstError))
}

func (d *Dispatcher) load(ctx context.Context, instanceID string) (*chunk.TaskInstance, error) {
	rec, err := d.store.GetInstance(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	if err != nil {
		return nil, err
	}
	rows, err := d.store.ListChunks(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return restoreInstance(rec, rows), nil
}
