package rbac

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics observes the decision cache. A nil *CacheMetrics records
// nothing.
type CacheMetrics struct {
	hits          prometheus.Counter
	misses        prometheus.Counter
	invalidations *prometheus.CounterVec
	evictedUsers  prometheus.Counter
	staleFills    prometheus.Counter
}

// NewCacheMetrics registers the cache collectors with reg, reusing collectors
// that are already registered under the same names.
func NewCacheMetrics(reg prometheus.Registerer) (*CacheMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &CacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moss_rbac_cache_hits_total",
			Help: "Permission decisions served from the cache.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moss_rbac_cache_misses_total",
			Help: "Permission decisions resolved against the store.",
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moss_rbac_cache_invalidations_total",
			Help: "Cache invalidations by kind.",
		}, []string{"kind"}),
		evictedUsers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moss_rbac_cache_evicted_users_total",
			Help: "User buckets dropped by invalidation or expiry.",
		}),
		staleFills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moss_rbac_cache_stale_fills_total",
			Help: "Resolutions discarded because an invalidation overtook them.",
		}),
	}

	if err := registerCounter(reg, &m.hits); err != nil {
		return nil, err
	}
	if err := registerCounter(reg, &m.misses); err != nil {
		return nil, err
	}
	if err := registerCounter(reg, &m.evictedUsers); err != nil {
		return nil, err
	}
	if err := registerCounter(reg, &m.staleFills); err != nil {
		return nil, err
	}
	if err := reg.Register(m.invalidations); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("rbac cache metrics: %w", err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("rbac cache metrics: unexpected collector type %T", already.ExistingCollector)
		}
		m.invalidations = existing
	}
	return m, nil
}

func registerCounter(reg prometheus.Registerer, c *prometheus.Counter) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return fmt.Errorf("rbac cache metrics: %w", err)
		}
		existing, ok := already.ExistingCollector.(prometheus.Counter)
		if !ok {
			return fmt.Errorf("rbac cache metrics: unexpected collector type %T", already.ExistingCollector)
		}
		*c = existing
	}
	return nil
}

func (m *CacheMetrics) hit() {
	if m == nil {
		return
	}
	m.hits.Inc()
}

func (m *CacheMetrics) miss() {
	if m == nil {
		return
	}
	m.misses.Inc()
}

func (m *CacheMetrics) invalidated(kind string, evicted int) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(kind).Inc()
	if evicted > 0 {
		m.evictedUsers.Add(float64(evicted))
	}
}

func (m *CacheMetrics) staleFill() {
	if m == nil {
		return
	}
	m.staleFills.Inc()
}
