package distributed

import (
	"context"
	"fmt"
	"sync"

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"
	"chathub/pkg/codec"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const relayChannel = "chathub:relay"

// EventBus forwards relay events between signaling instances over Redis
// pub/sub. Each event names the instance that owns the target connection;
// other instances ignore it.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

var _ ports.EventBus = (*EventBus)(nil)

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

func (eb *EventBus) Publish(ctx context.Context, event *domain.RelayEvent) error {
	data, err := codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal relay event: %w", err)
	}

	receivers, err := eb.client.Publish(ctx, relayChannel, data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish relay event: %w", err)
	}

	eb.logger.Debugw("Published relay event",
		"target_id", event.TargetID,
		"instance_id", event.InstanceID,
		"receivers", receivers,
	)
	return nil
}

// Subscribe returns once the subscription is confirmed; events are handed to
// handler on a background goroutine until Close.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*domain.RelayEvent)) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	pubsub := eb.client.Subscribe(ctx, relayChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", relayChannel, err)
	}

	eb.pubsub = pubsub
	eb.done = make(chan struct{})
	go eb.consume(pubsub.Channel(), handler, eb.done)
	return nil
}

func (eb *EventBus) consume(ch <-chan *redis.Message, handler func(*domain.RelayEvent), done chan struct{}) {
	defer close(done)
	for msg := range ch {
		var event domain.RelayEvent
		if err := codec.Unmarshal([]byte(msg.Payload), &event); err != nil {
			eb.logger.Warnw("Failed to unmarshal relay event", "error", err)
			continue
		}
		if event.InstanceID != eb.instanceID {
			continue
		}
		handler(&event)
	}
}

func (eb *EventBus) Close() error {
	eb.mu.Lock()
	pubsub, done := eb.pubsub, eb.done
	eb.pubsub = nil
	eb.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
