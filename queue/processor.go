package queue

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mohans/tallyx/chunk"
	"github.com/mohans/tallyx/internal/metrics"
)

// Processor runs an asynq server for chunk handlers and retires itself after
// a bounded number of deliveries so the process can be replaced.
type Processor struct {
	server   *asynq.Server
	logger   *zap.Logger
	metrics  *metrics.Metrics
	maxTasks int64

	handled     atomic.Int64
	recycleOnce sync.Once
	recycled    chan struct{}
}

type ProcessorConfig struct {
	Concurrency int
	Queues      map[string]int
	// MaxChunksPerProcess stops pulling new work after this many deliveries.
	// Zero disables recycling.
	MaxChunksPerProcess int
	ShutdownTimeout     time.Duration
	Logger              *zap.Logger
	Metrics             *metrics.Metrics
}

// DefaultQueues gives every job type queue the same priority.
func DefaultQueues() map[string]int {
	qs := make(map[string]int, len(chunk.JobTypes))
	for _, j := range chunk.JobTypes {
		qs[j.Queue()] = 1
	}
	return qs
}

func NewProcessor(redisOpt asynq.RedisConnOpt, cfg ProcessorConfig) *Processor {
	con := cfg.Concurrency
	if con <= 0 {
		con = 10
	}
	qs := cfg.Queues
	if qs == nil {
		qs = DefaultQueues()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     con,
		Queues:          qs,
		Logger:          logger.Named("asynq").Sugar(),
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	return &Processor{
		server:   server,
		logger:   logger,
		metrics:  cfg.Metrics,
		maxTasks: int64(cfg.MaxChunksPerProcess),
		recycled: make(chan struct{}),
	}
}

func (p *Processor) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		start := time.Now()
		err := next.ProcessTask(ctx, t)
		p.metrics.TaskHandled(t.Type(), err)
		fields := []zap.Field{zap.String("task_id", id), zap.String("type", t.Type()), zap.Duration("took", time.Since(start))}
		if err != nil {
			p.logger.Warn("task nacked", append(fields, zap.Error(err))...)
		} else {
			p.logger.Debug("task acked", fields...)
		}
		if n := p.handled.Add(1); p.maxTasks > 0 && n >= p.maxTasks {
			p.recycle(n)
		}
		return err
	})
}

func (p *Processor) recycle(n int64) {
	p.recycleOnce.Do(func() {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		p.logger.Info("chunk budget reached, no longer pulling work",
			zap.Int64("handled", n),
			zap.String("heap_alloc", humanize.Bytes(ms.HeapAlloc)))
		close(p.recycled)
		go p.server.Stop()
	})
}

// Recycled is closed once the process has handled its chunk budget.
func (p *Processor) Recycled() <-chan struct{} { return p.recycled }

func (p *Processor) Handled() int64 { return p.handled.Load() }

// Start begins processing in the background with the given mux wrapped in
// the lifecycle middleware.
func (p *Processor) Start(mux *asynq.ServeMux) error {
	if mux == nil {
		mux = asynq.NewServeMux()
	}
	return p.server.Start(p.lifecycleMiddleware(mux))
}

func (p *Processor) Shutdown() { p.server.Shutdown() }
