package rbac

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	store   *countingStore
	cache   *DecisionCache
	engine  *Engine
	service *Service
	pub     *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := &countingStore{MemoryStore: NewMemoryStore()}
	cache := NewDecisionCache(CacheConfig{})
	pub := &recordingPublisher{}
	engine := NewEngine(store, cache, pub, discardLogger)
	return &fixture{
		store:   store,
		cache:   cache,
		engine:  engine,
		service: NewService(store, engine, discardLogger),
		pub:     pub,
	}
}

func (f *fixture) role(name string, parent *Role, system bool) Role {
	role := Role{Name: name, IsSystem: system}
	if parent != nil {
		id := parent.ID
		role.ParentID = &id
	}
	return f.store.PutRole(role)
}

func (f *fixture) grant(role Role, action Action, objectType ObjectType) Permission {
	perm := f.store.PutPermission(action, objectType)
	f.store.Grant(role.ID, perm.ID)
	return perm
}

func (f *fixture) user(role Role) User {
	return f.store.PutUser(User{RoleID: role.ID, IsActive: true})
}

func (f *fixture) check(t *testing.T, user User, action Action, objectType ObjectType, objectID *uuid.UUID) Decision {
	t.Helper()
	decision, err := f.engine.CheckPermission(context.Background(), user.ID, action, objectType, objectID)
	require.NoError(t, err)
	return decision
}

func (f *fixture) cached(user User, action Action, objectType ObjectType, objectID *uuid.UUID) bool {
	_, ok := f.cache.lookup(user.ID, newDecisionKey(action, objectType, objectID))
	return ok
}

func ptr[T any](v T) *T {
	return &v
}

// countingStore counts resolutions and can fail the descendant walk.
type countingStore struct {
	*MemoryStore
	granting    atomic.Int64
	failWalk    atomic.Bool
	failMembers atomic.Bool
}

var errStoreDown = errors.New("store down")

func (s *countingStore) RolesGranting(ctx context.Context, roleIDs []uuid.UUID, action Action, objectType ObjectType) ([]uuid.UUID, error) {
	s.granting.Add(1)
	return s.MemoryStore.RolesGranting(ctx, roleIDs, action, objectType)
}

func (s *countingStore) ListChildRoleIDs(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	if s.failWalk.Load() {
		return nil, errStoreDown
	}
	return s.MemoryStore.ListChildRoleIDs(ctx, id)
}

func (s *countingStore) ListGroupMemberUserIDs(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	if s.failMembers.Load() {
		return nil, errStoreDown
	}
	return s.MemoryStore.ListGroupMemberUserIDs(ctx, groupID)
}

type recordingPublisher struct {
	mu     sync.Mutex
	roles  [][]uuid.UUID
	users  [][]uuid.UUID
	purges int
}

func (p *recordingPublisher) PublishRoles(_ context.Context, ids []uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roles = append(p.roles, append([]uuid.UUID(nil), ids...))
	return nil
}

func (p *recordingPublisher) PublishUsers(_ context.Context, ids []uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, append([]uuid.UUID(nil), ids...))
	return nil
}

func (p *recordingPublisher) PublishPurge(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purges++
	return nil
}
