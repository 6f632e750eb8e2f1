package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/domain"
)

// Publisher delivers change events to realtime subscribers.
type Publisher interface {
	Publish(ctx context.Context, event domain.ChangeEvent) error
}

// LocalPublisher broadcasts events into an in-process Hub.
type LocalPublisher struct {
	hub *Hub
}

// NewLocalPublisher returns a publisher bound to hub.
func NewLocalPublisher(hub *Hub) LocalPublisher {
	return LocalPublisher{hub: hub}
}

// Publish encodes event and delivers it to each of its topics.
func (p LocalPublisher) Publish(_ context.Context, event domain.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	deliver(p.hub, event, payload)
	return nil
}

// RedisRelay publishes events on a Redis channel and feeds events received
// on that channel into the local Hub, so every API replica notifies its own
// subscribers.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *slog.Logger
}

// NewRedisRelay constructs a relay. Run must be started for local delivery.
func NewRedisRelay(client *redis.Client, channel string, hub *Hub, logger *slog.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, hub: hub, logger: logger}
}

// Publish sends event to the shared channel.
func (r *RedisRelay) Publish(ctx context.Context, event domain.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Run subscribes to the channel until ctx is done. Teardown errors are
// logged and dropped.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() {
		if err := sub.Close(); err != nil {
			r.logger.Warn("realtime relay teardown failed", "channel", r.channel, "error", err)
		}
	}()
	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	r.logger.Info("realtime relay subscribed", "channel", r.channel)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			event, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("realtime relay dropped message", "error", err)
				continue
			}
			deliver(r.hub, event, []byte(msg.Payload))
		}
	}
}

// DecodeEvent parses a JSON change event.
func DecodeEvent(payload []byte) (domain.ChangeEvent, error) {
	var event domain.ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.ChangeEvent{}, err
	}
	if event.Table == "" {
		return domain.ChangeEvent{}, errors.New("change event without table")
	}
	return event, nil
}

func deliver(hub *Hub, event domain.ChangeEvent, payload []byte) {
	for _, topic := range event.Topics() {
		hub.Broadcast(topic, payload)
	}
}
