package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/orris-inc/meshnode/internal/domain/node"
	"github.com/orris-inc/meshnode/internal/shared/biztime"
	"github.com/orris-inc/meshnode/internal/shared/goroutine"
	"github.com/orris-inc/meshnode/internal/shared/logger"
)

const defaultTopologyChannel = "meshnode:topology"

// TopologyEventType represents the kind of topology delta.
type TopologyEventType string

const (
	TopologyNodeAppended TopologyEventType = "node_appended"
	TopologyNodeRemoved  TopologyEventType = "node_removed"
)

// TopologyEvent is a node delta published by one master for the others.
type TopologyEvent struct {
	Type       TopologyEventType `json:"type"`
	MasterUUID string            `json:"master_uuid"`
	Node       node.Descriptor   `json:"node"`
	Timestamp  int64             `json:"timestamp"`
	InstanceID string            `json:"instance_id,omitempty"` // Source instance ID to avoid self-delivery
}

// TopologyPublisher publishes local topology changes.
type TopologyPublisher interface {
	PublishTopologyEvent(ctx context.Context, event TopologyEvent) error
}

// TopologySubscriber receives topology changes of other masters.
type TopologySubscriber interface {
	SubscribeTopologyEvents(ctx context.Context, handler func(event TopologyEvent)) error
}

// TopologyBus combines publisher and subscriber interfaces.
type TopologyBus interface {
	TopologyPublisher
	TopologySubscriber
}

// RedisTopologyBus implements TopologyBus using Redis Pub/Sub.
type RedisTopologyBus struct {
	client     *redis.Client
	channel    string
	logger     logger.Interface
	instanceID string
}

// NewRedisTopologyBus creates a new Redis-based topology bus.
func NewRedisTopologyBus(client *redis.Client, channel string, logger logger.Interface) *RedisTopologyBus {
	if channel == "" {
		channel = defaultTopologyChannel
	}
	return &RedisTopologyBus{
		client:     client,
		channel:    channel,
		logger:     logger,
		instanceID: uuid.NewString(),
	}
}

// PublishTopologyEvent publishes a delta. The instance ID is set to avoid
// self-delivery.
func (b *RedisTopologyBus) PublishTopologyEvent(ctx context.Context, event TopologyEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = biztime.NowUTC().Unix()
	}
	event.InstanceID = b.instanceID

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal topology event: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.Errorw("failed to publish topology event",
			"event_type", event.Type,
			"uuid", event.Node.UUID,
			"error", err,
		)
		return fmt.Errorf("failed to publish topology event: %w", err)
	}

	b.logger.Debugw("topology event published to Redis",
		"event_type", event.Type,
		"uuid", event.Node.UUID,
	)
	return nil
}

// SubscribeTopologyEvents delivers deltas of other instances in publish
// order. It blocks until ctx is done, reconnecting on failure.
func (b *RedisTopologyBus) SubscribeTopologyEvents(ctx context.Context, handler func(event TopologyEvent)) error {
	return b.subscribeWithReconnect(ctx, b.channel, func(payload string) {
		var event TopologyEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			b.logger.Warnw("failed to unmarshal topology event",
				"payload", payload,
				"error", err,
			)
			return
		}

		if event.InstanceID == b.instanceID {
			return
		}

		handler(event)
	})
}

// subscribeWithReconnect wraps subscribe with automatic reconnection and exponential backoff.
func (b *RedisTopologyBus) subscribeWithReconnect(ctx context.Context, channel string, handler func(payload string)) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		err := b.subscribe(ctx, channel, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.logger.Warnw("topology subscription disconnected, reconnecting",
			"channel", channel,
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

func (b *RedisTopologyBus) subscribe(ctx context.Context, channel string, handler func(payload string)) error {
	pubsub := b.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	_, err := pubsub.Receive(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}

	b.logger.Infow("subscribed to topology channel",
		"channel", channel,
	)

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			b.logger.Infow("topology subscriber stopped",
				"channel", channel,
				"reason", ctx.Err(),
			)
			return ctx.Err()

		case msg, ok := <-ch:
			if !ok {
				b.logger.Warnw("topology channel closed",
					"channel", channel,
				)
				return nil
			}

			goroutine.SafeCall(b.logger, "topology-event-handler", func() {
				handler(msg.Payload)
			})
		}
	}
}
