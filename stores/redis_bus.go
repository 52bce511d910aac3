package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisChangeBus fans authoring changes out to every engine sharing a redis
// instance. Writers publish on channel; each publish also bumps a counter so a
// process that missed messages can tell it is behind.
type RedisChangeBus struct {
	client     *redis.Client
	channel    string
	counterKey string
}

type changeMessage struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

func NewRedisChangeBus(client *redis.Client, channel string) *RedisChangeBus {
	if channel == "" {
		channel = "abac:changes"
	}
	return &RedisChangeBus{client: client, channel: channel, counterKey: channel + ":seq"}
}

func (b *RedisChangeBus) NotifyChange(ctx context.Context, kind, key string) error {
	payload, err := json.Marshal(changeMessage{Kind: kind, Key: key})
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.Incr(ctx, b.counterKey)
	pipe.Publish(ctx, b.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Sequence returns how many changes have been published on the bus.
func (b *RedisChangeBus) Sequence(ctx context.Context) (int64, error) {
	n, err := b.client.Get(ctx, b.counterKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Listen calls fn for every change published on the bus until ctx is done.
// Malformed messages are ignored.
func (b *RedisChangeBus) Listen(ctx context.Context, fn func(kind, key string)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription %s closed", b.channel)
			}
			var m changeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				continue
			}
			fn(m.Kind, m.Key)
		}
	}
}
