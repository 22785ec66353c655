package notify

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
)

// Redis fans snapshots out across processes via Redis pub/sub, so every
// terminal observes session, inventory and discount state no matter which
// backend instance committed the change.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr string, password string, db int) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Redis{client: client}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Publish(ctx context.Context, topic string, snapshot any) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, topic, payload).Err()
}

func (r *Redis) Subscribe(topic string) (<-chan []byte, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, topic)
	ch := make(chan []byte, 8)

	go func() {
		defer close(ch)
		for msg := range pubsub.Channel() {
			select {
			case ch <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, func() {
		_ = pubsub.Close()
		cancel()
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
