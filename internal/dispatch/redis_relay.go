package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/motopoint/internal/models"
)

// RedisPublisherClient is the part of the Redis client RedisPublisher uses.
type RedisPublisherClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher broadcasts ride events on a pub/sub channel so every
// replica's hub sees changes made by any other replica.
type RedisPublisher struct {
	Client  RedisPublisherClient
	Channel string
}

func (p *RedisPublisher) Publish(ctx context.Context, ev models.RideEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode ride event: %w", err)
	}
	return p.Client.Publish(ctx, p.Channel, b).Err()
}

// RedisRelay forwards events from the pub/sub channel to a local sink,
// normally the process Hub.
type RedisRelay struct {
	Client  *redis.Client
	Channel string
	Sink    Publisher
	Logger  *slog.Logger
}

// Run subscribes and relays until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.Client.Subscribe(ctx, r.Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.Channel, err)
	}
	r.relay(ctx, sub.Channel())
	return nil
}

func (r *RedisRelay) relay(ctx context.Context, msgs <-chan *redis.Message) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			var ev models.RideEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				logger.Warn("invalid ride event on relay channel", "channel", m.Channel, "error", err)
				continue
			}
			if err := r.Sink.Publish(ctx, ev); err != nil {
				logger.Warn("relay delivery failed", "type", ev.Type, "ride_id", ev.RideID, "error", err)
			}
		}
	}
}
