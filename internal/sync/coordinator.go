// Package sync implements the server side of the device reconciliation
// protocol: sync_request handling, sync_response assembly, and sync_update
// fan-out.
//
// The coordinator answers each requesting device from one consistent
// datastore read and re-broadcasts device changes to every other open
// connection. There is no cross-device transaction: two devices mutating
// overlapping entries at nearly the same instant both succeed, and the
// conflict becomes visible on the next recompute. Failures while serving
// one device are reported to that device alone and never tear down the
// dispatcher or its peers.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dtavner/calsync/internal/notify"
	"github.com/dtavner/calsync/internal/protocol"
	"github.com/dtavner/calsync/internal/registry"
	"github.com/dtavner/calsync/internal/schedule"
)

const (
	defaultQueryTimeout = 5 * time.Second
	defaultHistoryDepth = 50
)

// Store is the query capability the coordinator needs from the datastore.
type Store interface {
	EntriesUpdatedSince(ctx context.Context, userID string, since time.Time) ([]schedule.Entry, error)
}

// Config holds coordinator configuration.
type Config struct {
	// QueryTimeout bounds the datastore read behind each sync_response.
	// A timeout is treated as a sync failure and reported only to the
	// requesting device.
	QueryTimeout time.Duration

	// HistoryDepth is the per-device bound of the diagnostic change log.
	HistoryDepth int

	// Logger for coordinator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		QueryTimeout: defaultQueryTimeout,
		HistoryDepth: defaultHistoryDepth,
		Logger:       log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Coordinator implements the sync_request / sync_response / sync_update
// protocol over the connection registry.
type Coordinator struct {
	reg      *registry.Registry
	store    Store
	notifier *notify.Broadcaster
	history  *changeLog
	config   *Config
}

// New creates a coordinator. Registry, store, and notifier are required.
func New(reg *registry.Registry, store Store, notifier *notify.Broadcaster, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = defaultQueryTimeout
	}
	return &Coordinator{
		reg:      reg,
		store:    store,
		notifier: notifier,
		history:  newChangeLog(config.HistoryDepth),
		config:   config,
	}
}

// HandleConnect registers a device and brings it up to date: it receives
// a connection ack, then a sync_response covering either the window since
// the device's reported last sync or the current day, while every other
// open device gets a "device joined" notice.
func (c *Coordinator) HandleConnect(ctx context.Context, d *registry.Device, since *time.Time) {
	c.reg.Register(d)

	c.notifier.SendTo(ctx, d.DeviceID, notify.Event{
		Type:    notify.EventSync,
		Title:   "Connected",
		Message: "Schedule sync is active",
	})

	c.HandleSyncRequest(ctx, d.DeviceID, since)

	c.notifier.BroadcastExcept(ctx, d.DeviceID, notify.Event{
		Type:    notify.EventSync,
		Title:   "Device joined",
		Message: fmt.Sprintf("Another device (%s) is now syncing", d.Platform),
	})
}

// HandleDisconnect removes a device and its diagnostic history. The
// transport identifies which connection is going away: when a reconnect
// has already replaced the registration under the same device id, cleanup
// of the stale connection leaves the replacement untouched.
func (c *Coordinator) HandleDisconnect(deviceID string, t registry.Transport) {
	if !c.reg.UnregisterTransport(deviceID, t) {
		return
	}
	c.history.drop(deviceID)
	c.config.Logger.Printf("Device left: %s", deviceID)
}

// HandleSyncRequest answers one device with the entries changed since the
// given timestamp, or since the start of the current day when since is
// nil. Any
// failure while assembling the response is converted into a "sync failed"
// notification to that device alone.
func (c *Coordinator) HandleSyncRequest(ctx context.Context, deviceID string, since *time.Time) {
	d, ok := c.reg.Get(deviceID)
	if !ok {
		c.config.Logger.Printf("sync_request from unregistered device %s ignored", deviceID)
		return
	}

	from := resolveWindowStart(since)
	now := time.Now()

	queryCtx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
	entries, err := c.store.EntriesUpdatedSince(queryCtx, d.UserID, from)
	cancel()
	if err != nil {
		c.config.Logger.Printf("Sync failed for device %s: %v", deviceID, err)
		c.sendSyncFailure(ctx, deviceID)
		return
	}

	resp := protocol.NewSyncResponse(d.DeviceID, d.Platform, entries, now)
	data, err := json.Marshal(resp)
	if err != nil {
		c.config.Logger.Printf("Sync failed for device %s: %v", deviceID, err)
		c.sendSyncFailure(ctx, deviceID)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
	err = d.Transport.Send(sendCtx, data)
	cancel()
	if err != nil {
		c.config.Logger.Printf("Write to device %s failed, dropping it: %v", deviceID, err)
		c.reg.UnregisterTransport(deviceID, d.Transport)
		return
	}

	c.reg.SetLastSync(deviceID, now)
	c.config.Logger.Printf("Synced %d entries to device %s", len(entries), deviceID)
}

// HandleSyncUpdate records a device's change set and fans it out to every
// other open device. The originator never receives its own changes back.
func (c *Coordinator) HandleSyncUpdate(ctx context.Context, deviceID string, changes []protocol.Change) {
	if len(changes) == 0 {
		return
	}
	c.history.append(deviceID, changes)

	platform := ""
	if d, ok := c.reg.Get(deviceID); ok {
		platform = d.Platform
	}
	c.fanOut(ctx, deviceID, platform, changes)
}

// BroadcastChanges fans a change set produced by the server-side write
// path out to all open devices. originDeviceID may be empty when the
// mutation did not originate from a connected device.
func (c *Coordinator) BroadcastChanges(ctx context.Context, originDeviceID string, changes []protocol.Change) {
	if len(changes) == 0 {
		return
	}
	c.fanOut(ctx, originDeviceID, "", changes)
}

// UpdatePreferences applies a device's notification preference patch and
// acknowledges it on the same connection.
func (c *Coordinator) UpdatePreferences(ctx context.Context, deviceID string, patch protocol.PreferencesPatch) {
	if !c.reg.UpdatePreferences(deviceID, patch) {
		c.config.Logger.Printf("update_preferences from unregistered device %s ignored", deviceID)
		return
	}
	c.notifier.SendTo(ctx, deviceID, notify.Event{
		Type:    notify.EventSync,
		Title:   "Preferences updated",
		Message: "Notification preferences saved",
	})
}

// History returns the retained diagnostic change log for a device.
func (c *Coordinator) History(deviceID string) []protocol.Change {
	return c.history.history(deviceID)
}

func (c *Coordinator) fanOut(ctx context.Context, originDeviceID, originPlatform string, changes []protocol.Change) {
	push := protocol.NewSyncUpdatePush(originDeviceID, originPlatform, changes)
	data, err := json.Marshal(push)
	if err != nil {
		c.config.Logger.Printf("Failed to marshal sync_update: %v", err)
		return
	}

	delivered := 0
	c.reg.ForEachOpen(func(d registry.Device) error {
		if d.DeviceID == originDeviceID {
			return nil
		}
		sendCtx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
		defer cancel()
		if err := d.Transport.Send(sendCtx, data); err != nil {
			return err
		}
		delivered++
		return nil
	})
	c.config.Logger.Printf("Fanned %d change(s) from %q to %d device(s)", len(changes), originDeviceID, delivered)
}

func (c *Coordinator) sendSyncFailure(ctx context.Context, deviceID string) {
	c.notifier.SendTo(ctx, deviceID, notify.Event{
		Type:    notify.EventSync,
		Title:   "Sync failed",
		Message: "Could not load schedule changes; the connection will retry",
		Variant: "destructive",
	})
}

// resolveWindowStart picks the sync window's lower bound: the client's
// last-sync timestamp when present, else the start of the current day.
func resolveWindowStart(since *time.Time) time.Time {
	if since != nil && !since.IsZero() {
		return *since
	}
	start, _ := schedule.DayWindow(time.Now())
	return start
}
