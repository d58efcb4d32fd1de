package authority

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/cetus-dns/cetus/internal/metrics"
	"github.com/cetus-dns/cetus/internal/storage"
)

// Snapshot is an immutable set of zones the server is authoritative for.
// Snapshots are published whole; an in-flight request keeps whichever snapshot
// it loaded alive for the duration of the request.
type Snapshot struct {
	zones []string
}

// Zones returns the canonical zone names in the snapshot. Callers must not
// modify the returned slice.
func (s *Snapshot) Zones() []string {
	return s.zones
}

// FindZone returns the zone authoritative for name: the longest zone that is
// an ancestor of name (name itself included). Nested zones resolve to the
// deeper one.
func (s *Snapshot) FindZone(name string) (string, bool) {
	var best string
	for _, zone := range s.zones {
		if dns.IsSubDomain(zone, name) && len(zone) > len(best) {
			best = zone
		}
	}
	return best, best != ""
}

// Cache maintains the authority snapshot and keeps the metric fabric's
// per-zone registrations in sync with it. The snapshot starts empty; every
// query is refused until the first successful refresh.
type Cache struct {
	storage  storage.Storage
	metrics  *metrics.Metrics
	log      *zap.Logger
	interval time.Duration

	current atomic.Pointer[Snapshot]
}

// NewCache creates a cache refreshing from store every interval.
func NewCache(store storage.Storage, m *metrics.Metrics, log *zap.Logger, interval time.Duration) *Cache {
	c := &Cache{
		storage:  store,
		metrics:  m,
		log:      log,
		interval: interval,
	}
	c.current.Store(&Snapshot{})
	return c
}

// Current returns the live snapshot.
func (c *Cache) Current() *Snapshot {
	return c.current.Load()
}

// Refresh reloads the zone list from storage and publishes a new snapshot.
// Metrics for added zones are registered before the snapshot is published, so
// pre-filled series exist before the first request that can see the zone.
// Metrics for removed zones are unregistered after publication.
func (c *Cache) Refresh(ctx context.Context) error {
	zones, err := c.storage.Zones(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(zones))
	for _, zone := range zones {
		known[zone] = true
	}
	previous := make(map[string]bool)
	for _, zone := range c.Current().Zones() {
		previous[zone] = true
	}

	var added, removed []string
	for zone := range known {
		if !previous[zone] {
			added = append(added, zone)
		}
	}
	for zone := range previous {
		if !known[zone] {
			removed = append(removed, zone)
		}
	}

	for _, zone := range added {
		c.metrics.RegisterZone(zone)
	}

	c.current.Store(&Snapshot{zones: zones})

	for _, zone := range removed {
		c.metrics.UnregisterZone(zone)
	}

	if len(added) > 0 || len(removed) > 0 {
		c.log.Info("authority snapshot updated",
			zap.Int("zones", len(zones)),
			zap.Strings("added", added),
			zap.Strings("removed", removed))
	}
	return nil
}

// Run refreshes immediately and then on every tick until ctx is cancelled. A
// failed refresh is logged and skipped; the previous snapshot stays live.
func (c *Cache) Run(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		c.log.Error("authority refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.log.Error("authority refresh failed", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
