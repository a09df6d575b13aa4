package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/dtavner/calsync/internal/protocol"
	"github.com/dtavner/calsync/internal/registry"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	fail   error
}

func (t *fakeTransport) Send(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTransport) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) payloads(tb testing.TB) []Payload {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Payload, 0, len(t.sent))
	for _, raw := range t.sent {
		var p Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			tb.Fatalf("unparseable payload %s: %v", raw, err)
		}
		out = append(out, p)
	}
	return out
}

func newTestBroadcaster() (*Broadcaster, *registry.Registry) {
	logger := log.New(io.Discard, "", 0)
	reg := registry.New(logger)
	return NewBroadcaster(reg, logger), reg
}

func addDevice(reg *registry.Registry, id string, prefs registry.Preferences) *fakeTransport {
	tr := &fakeTransport{}
	reg.Register(&registry.Device{
		DeviceID:  id,
		UserID:    "u1",
		Platform:  "test",
		Transport: tr,
		Prefs:     prefs,
	})
	return tr
}

func TestStyleForMergesPreferences(t *testing.T) {
	b, _ := newTestBroadcaster()

	prefs := registry.Preferences{Sound: false, Position: "bottomLeft", DurationMs: 2500}
	style := b.styleFor(Event{Type: EventCreate}, prefs)

	if style.Variant != "success" || style.Icon != "calendar-plus" {
		t.Errorf("template fields lost: %+v", style)
	}
	if style.Sound {
		t.Error("device sound preference not applied")
	}
	if style.Position != "bottomLeft" {
		t.Errorf("position = %q", style.Position)
	}
	if style.Duration != 2500 {
		t.Errorf("duration = %d", style.Duration)
	}
}

func TestStyleForVariantOverride(t *testing.T) {
	b, _ := newTestBroadcaster()

	style := b.styleFor(Event{Type: EventSync, Variant: "destructive"}, registry.Preferences{})
	if style.Variant != "destructive" {
		t.Errorf("variant = %q, want destructive", style.Variant)
	}
}

func TestStyleForUnknownEventType(t *testing.T) {
	b, _ := newTestBroadcaster()

	style := b.styleFor(Event{Type: "mystery"}, registry.Preferences{})
	if style.Variant != "info" || style.Duration != 4000 {
		t.Errorf("fallback style = %+v", style)
	}
}

func TestBroadcastReachesAllOpenDevices(t *testing.T) {
	b, reg := newTestBroadcaster()
	tr1 := addDevice(reg, "d1", registry.Preferences{Position: "topRight"})
	tr2 := addDevice(reg, "d2", registry.Preferences{Position: "bottomLeft"})

	b.NotifyCreated(context.Background(), "standup")

	for name, tr := range map[string]*fakeTransport{"d1": tr1, "d2": tr2} {
		got := tr.payloads(t)
		if len(got) != 1 {
			t.Fatalf("%s received %d payloads, want 1", name, len(got))
		}
		if got[0].Type != EventCreate {
			t.Errorf("%s payload type = %q", name, got[0].Type)
		}
		if got[0].Message != "'standup' was added to the schedule" {
			t.Errorf("%s message = %q", name, got[0].Message)
		}
	}

	// Each device's own position preference is honored.
	if p := tr1.payloads(t)[0]; p.Style.Position != "topRight" {
		t.Errorf("d1 position = %q", p.Style.Position)
	}
	if p := tr2.payloads(t)[0]; p.Style.Position != "bottomLeft" {
		t.Errorf("d2 position = %q", p.Style.Position)
	}
}

func TestBroadcastExcept(t *testing.T) {
	b, reg := newTestBroadcaster()
	origin := addDevice(reg, "origin", registry.Preferences{})
	peer := addDevice(reg, "peer", registry.Preferences{})

	b.BroadcastExcept(context.Background(), "origin", Event{Type: EventSync, Title: "Device joined"})

	if n := len(origin.payloads(t)); n != 0 {
		t.Errorf("excluded device received %d payloads", n)
	}
	if n := len(peer.payloads(t)); n != 1 {
		t.Errorf("peer received %d payloads, want 1", n)
	}
}

func TestBroadcastDropsFailingDevice(t *testing.T) {
	b, reg := newTestBroadcaster()
	healthy := addDevice(reg, "healthy", registry.Preferences{})
	broken := &fakeTransport{fail: errors.New("connection reset")}
	reg.Register(&registry.Device{DeviceID: "broken", Transport: broken})

	b.NotifyDeleted(context.Background(), "old entry")

	if _, ok := reg.Get("broken"); ok {
		t.Error("failing device not deregistered")
	}
	if len(healthy.payloads(t)) != 1 {
		t.Error("healthy device missed the broadcast")
	}
}

// Broadcasting reads preference styling from registry snapshots, so a
// device patching its preferences mid-broadcast must never race with
// delivery. Run with the race detector to verify the isolation.
func TestBroadcastDuringPreferenceUpdates(t *testing.T) {
	b, reg := newTestBroadcaster()
	tr := addDevice(reg, "d1", registry.Preferences{Sound: true, Position: "topRight"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			sound := i%2 == 0
			pos := "bottomLeft"
			reg.UpdatePreferences("d1", protocol.PreferencesPatch{Sound: &sound, Position: &pos})
		}
	}()
	for i := 0; i < 200; i++ {
		b.NotifyUpdated(context.Background(), "standup")
	}
	<-done

	if got := len(tr.payloads(t)); got != 200 {
		t.Errorf("device received %d payloads, want 200", got)
	}
}

func TestSendTo(t *testing.T) {
	b, reg := newTestBroadcaster()
	tr1 := addDevice(reg, "d1", registry.Preferences{})
	tr2 := addDevice(reg, "d2", registry.Preferences{})

	b.SendTo(context.Background(), "d1", Event{Type: EventSync, Title: "Connected"})

	if len(tr1.payloads(t)) != 1 {
		t.Error("target device did not receive the event")
	}
	if len(tr2.payloads(t)) != 0 {
		t.Error("SendTo leaked to another device")
	}

	// Unknown device is a logged no-op.
	b.SendTo(context.Background(), "ghost", Event{Type: EventSync})
}

func TestSetStyleDefaults(t *testing.T) {
	b, _ := newTestBroadcaster()
	b.SetStyleDefaults(false, "bottomCenter", 1500)

	style := b.styleFor(Event{Type: EventReminder}, registry.Preferences{Position: "", DurationMs: 0})
	if style.Position != "bottomCenter" || style.Duration != 1500 {
		t.Errorf("defaults not applied: %+v", style)
	}
	if style.Icon != "bell" {
		t.Errorf("template icon lost: %q", style.Icon)
	}
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{time.Minute, "1 minute"},
		{5 * time.Minute, "5 minutes"},
		{59 * time.Minute, "59 minutes"},
		{60 * time.Minute, "1 hour 0 minutes"},
		{61 * time.Minute, "1 hour 1 minute"},
		{125 * time.Minute, "2 hours 5 minutes"},
		{-time.Minute, "0 minutes"},
	}
	for _, tt := range tests {
		if got := FormatRemaining(tt.d); got != tt.want {
			t.Errorf("FormatRemaining(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestPayloadEncodeStampsTimestamp(t *testing.T) {
	raw, err := Payload{Type: EventSync, Title: "t"}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}
