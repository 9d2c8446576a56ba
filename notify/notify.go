// Package notify carries chunk-settled events from workers to the
// dispatcher over Redis pub/sub. Events are hints: a lost event only delays
// dispatch until the next tick.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohans/tallyx/chunk"
)

const DefaultChannel = "tallyx:chunk-events"

type Event struct {
	InstanceID string        `json:"instance_id"`
	ChunkID    string        `json:"chunk_id"`
	JobType    chunk.JobType `json:"job_type"`
	Attempt    int           `json:"attempt"`
	Status     string        `json:"status"`
	Fatal      bool          `json:"fatal,omitempty"`
}

type Publisher struct {
	rdb     redis.UniversalClient
	channel string
}

func NewPublisher(rdb redis.UniversalClient, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{rdb: rdb, channel: channel}
}

func (p *Publisher) ChunkSettled(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("publish chunk event: %w", err)
	}
	return nil
}

// Subscription is a confirmed subscription to the events channel.
type Subscription struct {
	ps     *redis.PubSub
	logger *zap.Logger
}

// Subscribe returns once Redis has acknowledged the subscription.
func Subscribe(ctx context.Context, rdb redis.UniversalClient, channel string, logger *zap.Logger) (*Subscription, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ps := rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &Subscription{ps: ps, logger: logger}, nil
}

// Run calls fn for each event until ctx is done or the subscription closes.
func (s *Subscription) Run(ctx context.Context, fn func(Event)) error {
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Warn("dropping malformed chunk event", zap.Error(err))
				continue
			}
			fn(ev)
		}
	}
}

func (s *Subscription) Close() error { return s.ps.Close() }
