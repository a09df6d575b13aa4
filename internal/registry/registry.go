// Package registry tracks the devices currently connected to the sync
// server.
//
// The registry is the authoritative in-memory table of connections. It is
// process-local state only: devices appear on connect and vanish on
// disconnect or write failure, and nothing here is ever persisted.
package registry

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dtavner/calsync/internal/protocol"
)

// Transport is one device's outbound message channel. Implementations
// wrap a WebSocket connection on the server and a loopback pipe in tests.
type Transport interface {
	// Send writes one wire message. It returns an error when the
	// underlying connection is broken or the context expires.
	Send(ctx context.Context, data []byte) error

	// Open reports whether the transport can still accept writes.
	Open() bool

	// Close tears the transport down. Safe to call more than once.
	Close() error
}

// Preferences holds a device's notification display preferences.
type Preferences struct {
	Sound      bool   `json:"sound"`
	Position   string `json:"position"`
	DurationMs int    `json:"duration"`
}

// Apply merges a partial update over the stored preferences.
func (p *Preferences) Apply(patch protocol.PreferencesPatch) {
	if patch.Sound != nil {
		p.Sound = *patch.Sound
	}
	if patch.Position != nil {
		p.Position = *patch.Position
	}
	if patch.Duration != nil {
		p.DurationMs = *patch.Duration
	}
}

// Device is one connected client. The DeviceID is client-generated and
// stable across reconnects; a reconnect with the same id replaces the
// prior registration.
type Device struct {
	DeviceID  string
	UserID    string
	Platform  string
	Transport Transport
	LastSync  time.Time
	Prefs     Preferences
}

// Registry is a mutex-guarded map of deviceId to connected device.
// Connection goroutines register, unregister, and broadcast concurrently.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	logger  *log.Logger
}

// New creates an empty registry. If logger is nil, a default logger
// writing to stderr is used.
func New(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(os.Stderr, "[registry] ", log.LstdFlags)
	}
	return &Registry{
		devices: make(map[string]*Device),
		logger:  logger,
	}
}

// Register adds a device, replacing any prior registration with the same
// id. The replaced transport, if any and still open, is closed.
func (r *Registry) Register(d *Device) {
	r.mu.Lock()
	prior, existed := r.devices[d.DeviceID]
	r.devices[d.DeviceID] = d
	count := len(r.devices)
	r.mu.Unlock()

	if existed && prior.Transport != d.Transport {
		_ = prior.Transport.Close()
	}
	r.logger.Printf("Device registered: %s (%s, total: %d)", d.DeviceID, d.Platform, count)
}

// Unregister removes a device and closes its transport. Idempotent:
// unknown ids are a no-op.
func (r *Registry) Unregister(deviceID string) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if ok {
		delete(r.devices, deviceID)
	}
	count := len(r.devices)
	r.mu.Unlock()

	if !ok {
		return
	}
	_ = d.Transport.Close()
	r.logger.Printf("Device unregistered: %s (total: %d)", deviceID, count)
}

// UnregisterTransport removes a device only while its registration still
// points at the given transport. Cleanup of a stale connection therefore
// never tears down a reconnect that reused the same device id. Reports
// whether the device was removed.
func (r *Registry) UnregisterTransport(deviceID string, t Transport) bool {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok || d.Transport != t {
		r.mu.Unlock()
		return false
	}
	delete(r.devices, deviceID)
	count := len(r.devices)
	r.mu.Unlock()

	_ = d.Transport.Close()
	r.logger.Printf("Device unregistered: %s (total: %d)", deviceID, count)
	return true
}

// Get returns a snapshot of the device for id. The boolean reports
// whether the device is connected. All mutation goes through registry
// methods under the lock; writes to the snapshot are never seen by other
// callers.
func (r *Registry) Get(deviceID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// UpdatePreferences applies a partial preferences update to a device.
// Returns false when the device is not registered.
func (r *Registry) UpdatePreferences(deviceID string, patch protocol.PreferencesPatch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return false
	}
	d.Prefs.Apply(patch)
	return true
}

// SetLastSync records the device's most recent successful sync time.
func (r *Registry) SetLastSync(deviceID string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceID]; ok {
		d.LastSync = t
	}
}

// ForEachOpen invokes fn for every device whose transport is currently
// open. Each device is passed as a value snapshot taken under the lock,
// so fn runs outside the lock and concurrent preference updates stay
// isolated from it. A write failure inside fn is logged and lazily
// deregisters that device without affecting delivery to the others.
// ForEachOpen never fails.
func (r *Registry) ForEachOpen(fn func(d Device) error) {
	r.mu.RLock()
	snapshot := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		snapshot = append(snapshot, *d)
	}
	r.mu.RUnlock()

	for _, d := range snapshot {
		if !d.Transport.Open() {
			continue
		}
		if err := fn(d); err != nil {
			r.logger.Printf("Write to device %s failed, dropping it: %v", d.DeviceID, err)
			r.UnregisterTransport(d.DeviceID, d.Transport)
		}
	}
}
