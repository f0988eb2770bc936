package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Strob0t/synchub/internal/port/messagequeue"
)

// Queue implements messagequeue.Queue over Redis PUBLISH / SUBSCRIBE.
type Queue struct {
	rdb *redis.Client
}

var _ messagequeue.Queue = (*Queue)(nil)

// NewQueue wraps an existing client. The client is closed by Close.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Publish sends a message to the given channel.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := q.rdb.Publish(ctx, subject, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given channel. It waits
// for the subscription confirmation so later publishes are not missed.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	ps := q.rdb.Subscribe(ctx, subject)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", subject, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(subCtx, msg.Channel, []byte(msg.Payload)); err != nil {
					slog.Error("message handler failed", "subject", msg.Channel, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		if err := ps.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			slog.Warn("redis unsubscribe failed", "subject", subject, "error", err)
		}
		<-done
	}, nil
}

// IsConnected pings Redis.
func (q *Queue) IsConnected() bool {
	return q.rdb.Ping(context.Background()).Err() == nil
}

// Close shuts down the client.
func (q *Queue) Close() error {
	return q.rdb.Close()
}
