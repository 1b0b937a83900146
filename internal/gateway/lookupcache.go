package gateway

import (
	"context"
	"sync"
	"time"

	"fleet-monitor/devicegw/internal/domain"
)

type cacheEntry struct {
	vehicle   domain.Vehicle
	expiresAt time.Time
}

// cachedVehicleStore memoizes successful identity lookups for a short TTL.
// Unregistered sessions re-check their identity on every batch; without
// the cache that hits the registry table once per packet burst per device.
// Misses are never cached, so a device registered mid-session promotes on
// the next batch.
type cachedVehicleStore struct {
	VehicleStore
	cache sync.Map
	ttl   time.Duration
}

func newCachedVehicleStore(store VehicleStore, ttl time.Duration) *cachedVehicleStore {
	return &cachedVehicleStore{VehicleStore: store, ttl: ttl}
}

func (s *cachedVehicleStore) FindVehicleByIdentity(ctx context.Context, imei string) (*domain.Vehicle, error) {
	if raw, ok := s.cache.Load(imei); ok {
		entry := raw.(cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			v := entry.vehicle
			return &v, nil
		}
		s.cache.Delete(imei)
	}

	vehicle, err := s.VehicleStore.FindVehicleByIdentity(ctx, imei)
	if err != nil || vehicle == nil {
		return vehicle, err
	}

	s.cache.Store(imei, cacheEntry{
		vehicle:   *vehicle,
		expiresAt: time.Now().Add(s.ttl),
	})
	return vehicle, nil
}
