// Package notify builds styled notification payloads and pushes them to
// every open device connection.
//
// Each event type (create, update, delete, reminder, sync) has a default
// style template; a device's stored preferences (sound, position,
// duration) are merged over the template per device before delivery.
// Broadcasting has no persistence side effects.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dtavner/calsync/internal/registry"
)

// Event types. They double as the wire "type" discriminator of the
// resulting payload.
const (
	EventCreate   = "create"
	EventUpdate   = "update"
	EventDelete   = "delete"
	EventReminder = "reminder"
	EventSync     = "sync"
)

// Style controls how a client renders a notification.
type Style struct {
	Variant  string `json:"variant"`
	Duration int    `json:"duration"` // milliseconds
	Icon     string `json:"icon"`
	Sound    bool   `json:"sound"`
	Position string `json:"position"`
}

// Payload is the server-to-client notification message.
type Payload struct {
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Style     Style           `json:"style"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Encode marshals the payload for the wire, stamping the timestamp if
// the caller left it zero.
func (p Payload) Encode() ([]byte, error) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	return json.Marshal(p)
}

// Event is a notification request from the write path or the sync layer.
type Event struct {
	Type    string
	Title   string
	Message string
	Data    json.RawMessage

	// Variant, when set, overrides the template variant. Used for
	// destructive-styled failure toasts.
	Variant string
}

// defaultStyles maps event types to their style templates.
func defaultStyles() map[string]Style {
	return map[string]Style{
		EventCreate:   {Variant: "success", Duration: 4000, Icon: "calendar-plus", Sound: true, Position: "topRight"},
		EventUpdate:   {Variant: "info", Duration: 4000, Icon: "pencil", Sound: true, Position: "topRight"},
		EventDelete:   {Variant: "warning", Duration: 4000, Icon: "trash", Sound: true, Position: "topRight"},
		EventReminder: {Variant: "urgent", Duration: 8000, Icon: "bell", Sound: true, Position: "topRight"},
		EventSync:     {Variant: "info", Duration: 3000, Icon: "refresh", Sound: false, Position: "bottomRight"},
	}
}

// Broadcaster fans notification payloads out through the registry.
type Broadcaster struct {
	reg    *registry.Registry
	logger *log.Logger

	mu     sync.RWMutex
	styles map[string]Style

	// SendTimeout bounds each outbound write.
	sendTimeout time.Duration
}

// NewBroadcaster creates a broadcaster over the given registry. If logger
// is nil, a default logger writing to stderr is used.
func NewBroadcaster(reg *registry.Registry, logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &Broadcaster{
		reg:         reg,
		logger:      logger,
		styles:      defaultStyles(),
		sendTimeout: 5 * time.Second,
	}
}

// SetStyleDefaults overrides the sound/position/duration defaults of every
// template, typically after a config reload.
func (b *Broadcaster) SetStyleDefaults(sound bool, position string, durationMs int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for typ, s := range b.styles {
		s.Sound = sound
		if position != "" {
			s.Position = position
		}
		if durationMs > 0 {
			s.Duration = durationMs
		}
		b.styles[typ] = s
	}
}

// styleFor resolves the template for an event and merges the device's
// preferences over it.
func (b *Broadcaster) styleFor(ev Event, prefs registry.Preferences) Style {
	b.mu.RLock()
	style, ok := b.styles[ev.Type]
	b.mu.RUnlock()
	if !ok {
		style = Style{Variant: "info", Duration: 4000, Icon: "bell", Position: "topRight"}
	}
	if ev.Variant != "" {
		style.Variant = ev.Variant
	}
	style.Sound = prefs.Sound
	if prefs.Position != "" {
		style.Position = prefs.Position
	}
	if prefs.DurationMs > 0 {
		style.Duration = prefs.DurationMs
	}
	return style
}

// payloadFor renders the event into the wire payload for one device.
func (b *Broadcaster) payloadFor(ev Event, prefs registry.Preferences) ([]byte, error) {
	p := Payload{
		Type:      ev.Type,
		Title:     ev.Title,
		Message:   ev.Message,
		Timestamp: time.Now(),
		Style:     b.styleFor(ev, prefs),
		Data:      ev.Data,
	}
	return json.Marshal(p)
}

// Broadcast delivers the event to every open device. A failed write to
// one device never blocks delivery to the others.
func (b *Broadcaster) Broadcast(ctx context.Context, ev Event) {
	b.reg.ForEachOpen(func(d registry.Device) error {
		return b.sendPayload(ctx, d, ev)
	})
}

// BroadcastExcept delivers the event to every open device but the one
// named. Used for "device joined" notices.
func (b *Broadcaster) BroadcastExcept(ctx context.Context, exceptDeviceID string, ev Event) {
	b.reg.ForEachOpen(func(d registry.Device) error {
		if d.DeviceID == exceptDeviceID {
			return nil
		}
		return b.sendPayload(ctx, d, ev)
	})
}

// SendTo delivers the event to a single device. Unknown or closed devices
// are logged and dropped; failures here follow the same lazy-deregister
// rule as broadcasts.
func (b *Broadcaster) SendTo(ctx context.Context, deviceID string, ev Event) {
	d, ok := b.reg.Get(deviceID)
	if !ok || !d.Transport.Open() {
		b.logger.Printf("Notification for %s dropped: device not connected", deviceID)
		return
	}
	if err := b.sendPayload(ctx, d, ev); err != nil {
		b.logger.Printf("Write to device %s failed, dropping it: %v", deviceID, err)
		b.reg.UnregisterTransport(deviceID, d.Transport)
	}
}

func (b *Broadcaster) sendPayload(ctx context.Context, d registry.Device, ev Event) error {
	data, err := b.payloadFor(ev, d.Prefs)
	if err != nil {
		// Marshal failure is a programming error; log and skip rather
		// than dropping the device.
		b.logger.Printf("Failed to marshal notification: %v", err)
		return nil
	}
	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	return d.Transport.Send(sendCtx, data)
}

// NotifyCreated announces a newly created entry.
func (b *Broadcaster) NotifyCreated(ctx context.Context, title string) {
	b.Broadcast(ctx, Event{
		Type:    EventCreate,
		Title:   "Entry created",
		Message: fmt.Sprintf("'%s' was added to the schedule", title),
	})
}

// NotifyUpdated announces an updated entry.
func (b *Broadcaster) NotifyUpdated(ctx context.Context, title string) {
	b.Broadcast(ctx, Event{
		Type:    EventUpdate,
		Title:   "Entry updated",
		Message: fmt.Sprintf("'%s' was changed", title),
	})
}

// NotifyDeleted announces a deleted entry.
func (b *Broadcaster) NotifyDeleted(ctx context.Context, title string) {
	b.Broadcast(ctx, Event{
		Type:    EventDelete,
		Title:   "Entry deleted",
		Message: fmt.Sprintf("'%s' was removed from the schedule", title),
	})
}

// NotifyReminder announces that an entry starts soon. The remaining time
// renders as "<n> minutes" under an hour, else "<h> hours <m> minutes",
// with singular unit names for counts of one.
func (b *Broadcaster) NotifyReminder(ctx context.Context, title string, startTime time.Time) {
	b.Broadcast(ctx, Event{
		Type:    EventReminder,
		Title:   "Upcoming entry",
		Message: fmt.Sprintf("'%s' starts in %s", title, FormatRemaining(time.Until(startTime))),
	})
}

// FormatRemaining renders a duration for reminder text.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	if minutes < 60 {
		return fmt.Sprintf("%d %s", minutes, pluralUnit(minutes, "minute"))
	}
	h, m := minutes/60, minutes%60
	return fmt.Sprintf("%d %s %d %s", h, pluralUnit(h, "hour"), m, pluralUnit(m, "minute"))
}

func pluralUnit(n int, unit string) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}
