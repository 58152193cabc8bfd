package outbox

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher appends each message to a Redis stream.
type RedisPublisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

func NewRedisPublisher(client redis.Cmdable, stream string) *RedisPublisher {
	if stream == "" {
		stream = "parceltrack:events"
	}
	return &RedisPublisher{client: client, stream: stream}
}

// WithMaxLen caps the stream length (approximate trimming). Zero disables it.
func (p *RedisPublisher) WithMaxLen(n int64) *RedisPublisher {
	p.maxLen = n
	return p
}

func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"id":      msg.ID,
			"topic":   msg.Topic,
			"payload": string(msg.Payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("outbox: xadd %s: %w", p.stream, err)
	}
	return nil
}

// LogPublisher writes messages to the process log. Used when no Redis is
// configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, msg Message) error {
	log.Printf("outbox: topic=%s id=%s payload=%s", msg.Topic, msg.ID, msg.Payload)
	return nil
}
