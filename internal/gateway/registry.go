package gateway

import (
	"sort"
	"sync"
	"time"
)

// DeviceInfo describes one live tracker session for the status query.
// sessionID identifies the owning session so a stale close cannot evict
// the entry of a newer session under the same identity.
type DeviceInfo struct {
	IMEI         string    `json:"imei"`
	VehicleID    string    `json:"vehicle_id,omitempty"`
	RemoteAddr   string    `json:"remote_address"`
	ConnectedAt  time.Time `json:"connected_at"`
	Unregistered bool      `json:"unregistered"`

	sessionID uint64
}

// Registry is the live-session table, keyed by device identity. Every
// connection goroutine mutates it independently and the ops endpoint
// snapshots it at any time, so all access goes through the lock. It is
// owned by a Server instance, not process-global, so gateways can coexist
// in tests.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]DeviceInfo
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]DeviceInfo)}
}

func (r *Registry) Add(info DeviceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[info.IMEI] = info
}

// Remove deletes the entry for imei, but only when it still belongs to
// the given session. A device that reconnects overwrites its entry; the
// abandoned session's close must not take the new entry with it.
func (r *Registry) Remove(imei string, sessionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.devices[imei]; ok && info.sessionID == sessionID {
		delete(r.devices, imei)
	}
}

// Promote records that a previously unregistered device now has a vehicle.
func (r *Registry) Promote(imei, vehicleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.devices[imei]
	if !ok {
		return
	}
	info.VehicleID = vehicleID
	info.Unregistered = false
	r.devices[imei] = info
}

// Snapshot returns the connected devices sorted by identity.
func (r *Registry) Snapshot() []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceInfo, 0, len(r.devices))
	for _, info := range r.devices {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IMEI < out[j].IMEI })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
