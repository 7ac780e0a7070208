package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)


type invalidationEvent struct {
	Origin string      `json:"origin"`
	Kind   string      `json:"kind"`
	IDs    []uuid.UUID `json:"ids,omitempty"`
}

// InvalidationBus fans cache invalidations out to every process over Redis
// pub/sub and applies the ones published by others to the local cache.
// Role events carry the expanded descendant set, so receivers never walk
// the store.
type InvalidationBus struct {
	client  *redis.Client
	channel string
	origin  string
	cache   *DecisionCache
	logger  *slog.Logger
}

// NewInvalidationBus constructs a bus applying remote events to cache. An
// empty channel disables the bus: it neither publishes nor subscribes.
func NewInvalidationBus(client *redis.Client, channel string, cache *DecisionCache, logger *slog.Logger) *InvalidationBus {
	if channel == "" {
		client = nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InvalidationBus{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		cache:   cache,
		logger:  logger,
	}
}

// Enabled reports whether the bus talks to Redis.
func (b *InvalidationBus) Enabled() bool {
	return b != nil && b.client != nil
}

// PublishRoles announces a role cascade.
func (b *InvalidationBus) PublishRoles(ctx context.Context, roleIDs []uuid.UUID) error {
	return b.publish(ctx, invalidationEvent{Kind: invalidateRole, IDs: roleIDs})
}

// PublishUsers announces user invalidations.
func (b *InvalidationBus) PublishUsers(ctx context.Context, userIDs []uuid.UUID) error {
	return b.publish(ctx, invalidationEvent{Kind: invalidateUser, IDs: userIDs})
}

// PublishPurge announces a full purge.
func (b *InvalidationBus) PublishPurge(ctx context.Context) error {
	return b.publish(ctx, invalidationEvent{Kind: invalidatePurge})
}

func (b *InvalidationBus) publish(ctx context.Context, event invalidationEvent) error {
	if !b.Enabled() {
		return nil
	}
	event.Origin = b.origin
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("rbac: publish %s invalidation: %w", event.Kind, err)
	}
	return nil
}

// Listen subscribes to the channel and applies remote events until ctx is
// done. It returns once the subscription is confirmed.
func (b *InvalidationBus) Listen(ctx context.Context) error {
	if !b.Enabled() {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("rbac: subscribe %s: %w", b.channel, err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.apply(msg.Payload)
			}
		}
	}()
	return nil
}

func (b *InvalidationBus) apply(payload string) {
	var event invalidationEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		// An undecodable event may have carried anything.
		b.logger.Warn("rbac: malformed invalidation event, purging", slog.Any("error", err))
		b.cache.Purge()
		return
	}
	if event.Origin == b.origin {
		return
	}
	switch event.Kind {
	case invalidateRole:
		b.cache.InvalidateRoles(event.IDs...)
	case invalidateUser:
		b.cache.InvalidateUsers(event.IDs...)
	case invalidatePurge:
		b.cache.Purge()
	default:
		b.logger.Warn("rbac: unknown invalidation kind, purging", slog.String("kind", event.Kind))
		b.cache.Purge()
	}
}
