package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func seedDecision(cache *DecisionCache, userID, roleID uuid.UUID) {
	cache.store(cache.begin(userID), roleID, viewDevice, granted("R"))
}

func listeningBus(t *testing.T, ctx context.Context, client *redis.Client, cache *DecisionCache) *InvalidationBus {
	t.Helper()
	bus := NewInvalidationBus(client, "test.invalidate", cache, discardLogger)
	require.NoError(t, bus.Listen(ctx))
	return bus
}

func TestInvalidationBusPropagatesRoleAndUserEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newTestRedis(t)
	localCache, remoteCache := NewDecisionCache(CacheConfig{}), NewDecisionCache(CacheConfig{})
	local := listeningBus(t, ctx, client, localCache)
	listeningBus(t, ctx, client, remoteCache)

	role, other := uuid.New(), uuid.New()
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()
	seedDecision(remoteCache, u1, role)
	seedDecision(remoteCache, u2, other)
	seedDecision(remoteCache, u3, other)

	require.NoError(t, local.PublishRoles(ctx, []uuid.UUID{role}))
	require.Eventually(t, func() bool {
		_, ok := remoteCache.lookup(u1, viewDevice)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, local.PublishUsers(ctx, []uuid.UUID{u2}))
	require.Eventually(t, func() bool {
		_, ok := remoteCache.lookup(u2, viewDevice)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := remoteCache.lookup(u3, viewDevice)
	require.True(t, ok)
}

func TestInvalidationBusIgnoresOwnEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newTestRedis(t)
	cache := NewDecisionCache(CacheConfig{})
	bus := listeningBus(t, ctx, client, cache)
	remoteCache := NewDecisionCache(CacheConfig{})
	listeningBus(t, ctx, client, remoteCache)

	user := uuid.New()
	seedDecision(cache, user, uuid.New())

	require.NoError(t, bus.PublishPurge(ctx))
	require.Eventually(t, func() bool { return remoteCache.Stats().Epoch == 1 }, 2*time.Second, 10*time.Millisecond)

	_, ok := cache.lookup(user, viewDevice)
	require.True(t, ok)
	require.Zero(t, cache.Stats().Epoch)
}

func TestInvalidationBusPurgesOnMalformedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newTestRedis(t)
	cache := NewDecisionCache(CacheConfig{})
	listeningBus(t, ctx, client, cache)
	seedDecision(cache, uuid.New(), uuid.New())

	require.NoError(t, client.Publish(ctx, "test.invalidate", "{not json").Err())
	require.Eventually(t, func() bool { return cache.Stats().Users == 0 }, 2*time.Second, 10*time.Millisecond)

	seedDecision(cache, uuid.New(), uuid.New())
	require.NoError(t, client.Publish(ctx, "test.invalidate", `{"origin":"elsewhere","kind":"group"}`).Err())
	require.Eventually(t, func() bool { return cache.Stats().Users == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(2), cache.Stats().Epoch)
}

func TestInvalidationBusWithoutClientIsNoop(t *testing.T) {
	var bus *InvalidationBus
	require.NoError(t, bus.PublishPurge(context.Background()))
	require.NoError(t, bus.Listen(context.Background()))

	bus = NewInvalidationBus(nil, "rbac.invalidate", NewDecisionCache(CacheConfig{}), nil)
	require.False(t, bus.Enabled())
	require.NoError(t, bus.PublishRoles(context.Background(), []uuid.UUID{uuid.New()}))
}

func TestInvalidationBusDisabledByEmptyChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newTestRedis(t)

	watcher := client.Subscribe(ctx, "rbac.invalidate")
	defer watcher.Close()
	_, err := watcher.Receive(ctx)
	require.NoError(t, err)

	cache := NewDecisionCache(CacheConfig{})
	bus := NewInvalidationBus(client, "", cache, discardLogger)
	require.False(t, bus.Enabled())
	require.NoError(t, bus.Listen(ctx))

	channels, err := client.PubSubChannels(ctx, "*").Result()
	require.NoError(t, err)
	require.Equal(t, []string{"rbac.invalidate"}, channels)

	require.NoError(t, bus.PublishPurge(ctx))
	_, err = watcher.ReceiveTimeout(ctx, 100*time.Millisecond)
	require.Error(t, err)
	require.Zero(t, cache.Stats().Epoch)
}

func TestEnginePublishesThroughBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newTestRedis(t)

	store := NewMemoryStore()
	remoteCache := NewDecisionCache(CacheConfig{})
	listeningBus(t, ctx, client, remoteCache)
	localCache := NewDecisionCache(CacheConfig{})
	bus := listeningBus(t, ctx, client, localCache)
	engine := NewEngine(store, localCache, bus, discardLogger)
	service := NewService(store, engine, discardLogger)

	root := store.PutRole(Role{Name: "Root"})
	leaf := store.PutRole(Role{Name: "Leaf", ParentID: ptr(root.ID)})
	perm := store.PutPermission(ActionView, ObjectDevice)
	store.Grant(root.ID, perm.ID)
	user := store.PutUser(User{RoleID: leaf.ID, IsActive: true})
	seedDecision(remoteCache, user.ID, leaf.ID)

	require.NoError(t, service.RemoveRolePermission(ctx, root.ID, perm.ID))

	require.Eventually(t, func() bool {
		_, ok := remoteCache.lookup(user.ID, viewDevice)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
