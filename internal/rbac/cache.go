package rbac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheTTL  = 5 * time.Minute
	defaultMaxChains = 1024
)

// Invalidation kinds, shared by the cache metrics and the invalidation bus.
const (
	invalidateRole   = "role"
	invalidateUser   = "user"
	invalidatePurge  = "purge"
	invalidateExpiry = "expiry"
)

// CacheConfig tunes the decision cache.
type CacheConfig struct {
	TTL       time.Duration
	MaxChains int
	Metrics   *CacheMetrics
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// decisionKey tells a type-wide check apart from a check on a specific
// object, including the all-zero object id.
type decisionKey struct {
	action     Action
	objectType ObjectType
	hasObject  bool
	objectID   uuid.UUID
}

func newDecisionKey(action Action, objectType ObjectType, objectID *uuid.UUID) decisionKey {
	key := decisionKey{action: action, objectType: objectType}
	if objectID != nil {
		key.hasObject = true
		key.objectID = *objectID
	}
	return key
}

func (k decisionKey) String() string {
	if !k.hasObject {
		return fmt.Sprintf("%s|%s|-", k.action, k.objectType)
	}
	return fmt.Sprintf("%s|%s|%s", k.action, k.objectType, k.objectID)
}

type cachedDecision struct {
	decision Decision
	expires  time.Time
}

type userBucket struct {
	roleID    uuid.UUID
	decisions map[decisionKey]cachedDecision
}

// fillToken snapshots the invalidation state at the start of a resolution.
// store refuses results whose token was overtaken by an invalidation.
type fillToken struct {
	userID uuid.UUID
	epoch  uint64
	gen    uint64
}

// CacheStats is a point-in-time view of the cache.
type CacheStats struct {
	Users     int    `json:"users"`
	Decisions int    `json:"decisions"`
	Roles     int    `json:"roles"`
	Chains    int    `json:"chains"`
	Epoch     uint64 `json:"epoch"`
}

// DecisionCache memoises permission decisions per user and role chains per
// role. Entries are dropped by role cascade, by user, or on expiry.
type DecisionCache struct {
	mu        sync.RWMutex
	ttl       time.Duration
	now       func() time.Time
	metrics   *CacheMetrics
	epoch     uint64
	counter   uint64
	gens      map[uuid.UUID]uint64
	users     map[uuid.UUID]*userBucket
	roleUsers map[uuid.UUID]map[uuid.UUID]struct{}
	chains    *expirable.LRU[uuid.UUID, []Role]
}

// NewDecisionCache constructs an empty cache.
func NewDecisionCache(cfg CacheConfig) *DecisionCache {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	if cfg.MaxChains <= 0 {
		cfg.MaxChains = defaultMaxChains
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &DecisionCache{
		ttl:       cfg.TTL,
		now:       cfg.Now,
		metrics:   cfg.Metrics,
		gens:      make(map[uuid.UUID]uint64),
		users:     make(map[uuid.UUID]*userBucket),
		roleUsers: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		chains:    expirable.NewLRU[uuid.UUID, []Role](cfg.MaxChains, nil, cfg.TTL),
	}
}

// lookup returns a live cached decision.
func (c *DecisionCache) lookup(userID uuid.UUID, key decisionKey) (Decision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bucket, ok := c.users[userID]
	if ok {
		if entry, found := bucket.decisions[key]; found && c.now().Before(entry.expires) {
			c.metrics.hit()
			return entry.decision.clone(), true
		}
	}
	c.metrics.miss()
	return Decision{}, false
}

// begin issues the token a resolution for userID must present to store.
func (c *DecisionCache) begin(userID uuid.UUID) fillToken {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fillToken{userID: userID, epoch: c.epoch, gen: c.gens[userID]}
}

// store records a decision resolved for a user holding roleID. It reports
// false when an invalidation happened after the token was issued.
func (c *DecisionCache) store(token fillToken, roleID uuid.UUID, key decisionKey, decision Decision) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token.epoch != c.epoch || token.gen != c.gens[token.userID] {
		c.metrics.staleFill()
		return false
	}

	bucket, ok := c.users[token.userID]
	if ok && bucket.roleID != roleID {
		c.removeUserLocked(token.userID)
		ok = false
	}
	if !ok {
		bucket = &userBucket{roleID: roleID, decisions: make(map[decisionKey]cachedDecision)}
		c.users[token.userID] = bucket
		members := c.roleUsers[roleID]
		if members == nil {
			members = make(map[uuid.UUID]struct{})
			c.roleUsers[roleID] = members
		}
		members[token.userID] = struct{}{}
	}
	bucket.decisions[key] = cachedDecision{decision: decision.clone(), expires: c.now().Add(c.ttl)}
	return true
}

// cachedChain returns a cached role chain.
func (c *DecisionCache) cachedChain(roleID uuid.UUID) ([]Role, bool) {
	chain, ok := c.chains.Get(roleID)
	if !ok {
		return nil, false
	}
	return append([]Role(nil), chain...), true
}

// chainEpoch is the token for storeChain.
func (c *DecisionCache) chainEpoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// storeChain caches the chain of roleID unless a role invalidation happened
// since epoch was read.
func (c *DecisionCache) storeChain(epoch uint64, roleID uuid.UUID, chain []Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		c.metrics.staleFill()
		return false
	}
	c.chains.Add(roleID, append([]Role(nil), chain...))
	return true
}

// InvalidateUsers drops every decision cached for the given users.
func (c *DecisionCache) InvalidateUsers(userIDs ...uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for _, id := range userIDs {
		c.counter++
		c.gens[id] = c.counter
		if c.removeUserLocked(id) {
			evicted++
		}
	}
	c.metrics.invalidated(invalidateUser, evicted)
	return evicted
}

// InvalidateRoles drops the chains of the given roles and every decision
// cached for users holding them. The caller supplies the full descendant
// set. Resolutions in flight are discarded as well.
func (c *DecisionCache) InvalidateRoles(roleIDs ...uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	evicted := 0
	for _, roleID := range roleIDs {
		c.chains.Remove(roleID)
		for userID := range c.roleUsers[roleID] {
			if c.removeUserLocked(userID) {
				evicted++
			}
		}
		delete(c.roleUsers, roleID)
	}
	c.metrics.invalidated(invalidateRole, evicted)
	return evicted
}

// Purge empties the cache.
func (c *DecisionCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	evicted := len(c.users)
	c.users = make(map[uuid.UUID]*userBucket)
	c.roleUsers = make(map[uuid.UUID]map[uuid.UUID]struct{})
	// Every outstanding token is stale after the epoch bump.
	c.gens = make(map[uuid.UUID]uint64)
	c.chains.Purge()
	c.metrics.invalidated(invalidatePurge, evicted)
}

// Sweep removes expired decisions and empty user buckets.
func (c *DecisionCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed, evicted := 0, 0
	for userID, bucket := range c.users {
		for key, entry := range bucket.decisions {
			if !now.Before(entry.expires) {
				delete(bucket.decisions, key)
				removed++
			}
		}
		if len(bucket.decisions) == 0 && c.removeUserLocked(userID) {
			evicted++
		}
	}
	if removed > 0 {
		c.metrics.invalidated(invalidateExpiry, evicted)
	}
	return removed
}

// Run sweeps the cache every interval until ctx is done.
func (c *DecisionCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stats reports cache occupancy.
func (c *DecisionCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := CacheStats{Users: len(c.users), Roles: len(c.roleUsers), Chains: c.chains.Len(), Epoch: c.epoch}
	for _, bucket := range c.users {
		stats.Decisions += len(bucket.decisions)
	}
	return stats
}

func (c *DecisionCache) removeUserLocked(userID uuid.UUID) bool {
	bucket, ok := c.users[userID]
	if !ok {
		return false
	}
	delete(c.users, userID)
	if members := c.roleUsers[bucket.roleID]; members != nil {
		delete(members, userID)
		if len(members) == 0 {
			delete(c.roleUsers, bucket.roleID)
		}
	}
	return true
}
