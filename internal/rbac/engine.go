package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Publisher propagates invalidations already applied locally to other
// processes sharing the same store.
type Publisher interface {
	PublishRoles(ctx context.Context, roleIDs []uuid.UUID) error
	PublishUsers(ctx context.Context, userIDs []uuid.UUID) error
	PublishPurge(ctx context.Context) error
}

// DecisionObserver is told about every decision resolved from the store.
type DecisionObserver interface {
	ObserveDecision(reason string, elapsed time.Duration)
}

// Engine resolves permission decisions against the store and keeps the
// decision cache coherent with it.
type Engine struct {
	store     Store
	cache     *DecisionCache
	publisher Publisher
	logger    *slog.Logger
	observer  DecisionObserver
	flights   singleflight.Group
}

// NewEngine constructs an Engine. publisher may be nil.
func NewEngine(store Store, cache *DecisionCache, publisher Publisher, logger *slog.Logger) *Engine {
	if cache == nil {
		cache = NewDecisionCache(CacheConfig{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, cache: cache, publisher: publisher, logger: logger}
}

// SetObserver attaches o to the engine. Call it before serving checks.
func (e *Engine) SetObserver(o DecisionObserver) {
	e.observer = o
}

// Cache exposes the decision cache, e.g. for the janitor and stats.
func (e *Engine) Cache() *DecisionCache {
	return e.cache
}

// CheckPermission decides whether userID may perform action on objectType,
// optionally scoped to one object instance.
func (e *Engine) CheckPermission(ctx context.Context, userID uuid.UUID, action Action, objectType ObjectType, objectID *uuid.UUID) (Decision, error) {
	if !action.Valid() {
		return Decision{}, ErrInvalidAction
	}
	if !objectType.Valid() {
		return Decision{}, ErrInvalidObjectType
	}

	key := newDecisionKey(action, objectType, objectID)
	if decision, ok := e.cache.lookup(userID, key); ok {
		return decision, nil
	}

	// The token is part of the flight key so a caller arriving after an
	// invalidation never joins a resolution that started before it.
	token := e.cache.begin(userID)
	flightKey := fmt.Sprintf("%s|%s|%d|%d", userID, key, token.epoch, token.gen)
	resultCh := e.flights.DoChan(flightKey, func() (interface{}, error) {
		return e.resolve(context.WithoutCancel(ctx), token, key, objectID)
	})
	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			return Decision{}, res.Err
		}
		return res.Val.(Decision).clone(), nil
	}
}

func (e *Engine) resolve(ctx context.Context, token fillToken, key decisionKey, objectID *uuid.UUID) (Decision, error) {
	start := time.Now()
	user, err := e.activeUser(ctx, token.userID)
	if err != nil {
		return Decision{}, err
	}
	chain, err := e.GetRoleHierarchy(ctx, user.RoleID)
	if err != nil {
		return Decision{}, err
	}
	decision, err := e.decide(ctx, user, chain, key, objectID)
	if err != nil {
		return Decision{}, err
	}
	e.cache.store(token, user.RoleID, key, decision)
	if e.observer != nil {
		e.observer.ObserveDecision(string(decision.Reason), time.Since(start))
	}
	return decision, nil
}

func (e *Engine) decide(ctx context.Context, user User, chain []Role, key decisionKey, objectID *uuid.UUID) (Decision, error) {
	ids := make([]uuid.UUID, len(chain))
	for i, role := range chain {
		ids[i] = role.ID
	}
	granting, err := e.store.RolesGranting(ctx, ids, key.action, key.objectType)
	if err != nil {
		return Decision{}, fmt.Errorf("rbac: role grants: %w", err)
	}
	if len(granting) > 0 {
		set := make(map[uuid.UUID]struct{}, len(granting))
		for _, id := range granting {
			set[id] = struct{}{}
		}
		for i, role := range chain {
			if _, ok := set[role.ID]; ok {
				return Decision{Granted: true, Reason: ReasonRoleInherited, Path: roleNames(chain[:i+1])}, nil
			}
		}
	}

	if objectID == nil {
		return denied(), nil
	}

	groupIDs, err := e.store.ListGroupIDsForPerson(ctx, user.PersonID)
	if err != nil {
		return Decision{}, fmt.Errorf("rbac: person groups: %w", err)
	}
	grants, err := e.store.FindObjectGrants(ctx, ObjectGrantQuery{
		PersonID:   user.PersonID,
		GroupIDs:   groupIDs,
		ObjectType: key.objectType,
		ObjectID:   *objectID,
		Action:     key.action,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rbac: object grants: %w", err)
	}

	groupName := ""
	matchedGroup := false
	for _, grant := range grants {
		if grant.PersonID != nil {
			return Decision{Granted: true, Reason: ReasonObjectPerson, Path: []string{}}, nil
		}
		if !matchedGroup || grant.GroupName < groupName {
			groupName = grant.GroupName
			matchedGroup = true
		}
	}
	if matchedGroup {
		return Decision{Granted: true, Reason: ReasonObjectGroup, Path: []string{groupName}}, nil
	}
	return denied(), nil
}

func (e *Engine) activeUser(ctx context.Context, userID uuid.UUID) (User, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if !user.IsActive {
		return User{}, fmt.Errorf("%w: %s is inactive", ErrUserNotFound, userID)
	}
	return user, nil
}

// GetRoleHierarchy returns the chain of roles from roleID up to its root.
func (e *Engine) GetRoleHierarchy(ctx context.Context, roleID uuid.UUID) ([]Role, error) {
	if chain, ok := e.cache.cachedChain(roleID); ok {
		return chain, nil
	}
	epoch := e.cache.chainEpoch()
	chain, err := resolveHierarchy(ctx, e.store, roleID)
	if err != nil {
		if errors.Is(err, ErrCyclicHierarchy) {
			e.logger.Error("rbac: role hierarchy integrity violation",
				slog.String("role_id", roleID.String()), slog.Any("error", err))
		}
		return nil, err
	}
	e.cache.storeChain(epoch, roleID, chain)
	return chain, nil
}

// RoleDepth is the number of ancestors above roleID.
func (e *Engine) RoleDepth(ctx context.Context, roleID uuid.UUID) (int, error) {
	chain, err := e.GetRoleHierarchy(ctx, roleID)
	if err != nil {
		return 0, err
	}
	return len(chain) - 1, nil
}

// EffectivePermissions lists every (action, object type) the user's role
// chain grants. When several roles grant the same pair the closest one is
// reported.
func (e *Engine) EffectivePermissions(ctx context.Context, userID uuid.UUID) ([]EffectivePermission, error) {
	user, err := e.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	chain, err := e.GetRoleHierarchy(ctx, user.RoleID)
	if err != nil {
		return nil, err
	}

	type pair struct {
		action     Action
		objectType ObjectType
	}
	seen := make(map[pair]struct{})
	var out []EffectivePermission
	for i, role := range chain {
		perms, err := e.store.ListRolePermissions(ctx, role.ID)
		if err != nil {
			return nil, fmt.Errorf("rbac: permissions of role %s: %w", role.ID, err)
		}
		for _, perm := range perms {
			p := pair{perm.Action, perm.ObjectType}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, EffectivePermission{
				Action:     perm.Action,
				ObjectType: perm.ObjectType,
				RoleID:     role.ID,
				RoleName:   role.Name,
				Inherited:  i > 0,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ObjectType != out[j].ObjectType {
			return out[i].ObjectType < out[j].ObjectType
		}
		return out[i].Action < out[j].Action
	})
	return out, nil
}

// InvalidateRoleCache drops cached state for roleID and every role below it.
// If the descendants cannot be enumerated the whole cache is purged and the
// walk error is returned.
func (e *Engine) InvalidateRoleCache(ctx context.Context, roleID uuid.UUID) error {
	ids, err := collectDescendants(ctx, e.store, roleID)
	if err != nil {
		e.PurgeCache(ctx)
		return fmt.Errorf("rbac: invalidate role %s: cache purged: %w", roleID, err)
	}
	e.evictRoles(ctx, ids)
	return nil
}

// InvalidateUserCache drops every decision cached for userID.
func (e *Engine) InvalidateUserCache(ctx context.Context, userID uuid.UUID) {
	e.evictUsers(ctx, []uuid.UUID{userID})
}

// InvalidateGroupMembers drops the decisions of every user whose person
// currently belongs to groupID.
func (e *Engine) InvalidateGroupMembers(ctx context.Context, groupID uuid.UUID) error {
	userIDs, err := e.store.ListGroupMemberUserIDs(ctx, groupID)
	if err != nil {
		e.PurgeCache(ctx)
		return fmt.Errorf("rbac: invalidate group %s: cache purged: %w", groupID, err)
	}
	e.evictUsers(ctx, userIDs)
	return nil
}

// PurgeCache empties the cache here and, through the publisher, everywhere
// else.
func (e *Engine) PurgeCache(ctx context.Context) {
	e.cache.Purge()
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishPurge(ctx); err != nil {
		e.logger.Warn("rbac: publish purge", slog.Any("error", err))
	}
}

// CacheStats reports cache occupancy.
func (e *Engine) CacheStats() CacheStats {
	return e.cache.Stats()
}

func (e *Engine) evictRoles(ctx context.Context, roleIDs []uuid.UUID) {
	if len(roleIDs) == 0 {
		return
	}
	evicted := e.cache.InvalidateRoles(roleIDs...)
	e.logger.Debug("rbac: roles invalidated", slog.Int("roles", len(roleIDs)), slog.Int("users", evicted))
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishRoles(ctx, roleIDs); err != nil {
		e.logger.Warn("rbac: publish role invalidation", slog.Any("error", err))
	}
}

func (e *Engine) evictUsers(ctx context.Context, userIDs []uuid.UUID) {
	if len(userIDs) == 0 {
		return
	}
	e.cache.InvalidateUsers(userIDs...)
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishUsers(ctx, userIDs); err != nil {
		e.logger.Warn("rbac: publish user invalidation", slog.Any("error", err))
	}
}

func roleNames(chain []Role) []string {
	names := make([]string, len(chain))
	for i, role := range chain {
		names[i] = role.Name
	}
	return names
}
