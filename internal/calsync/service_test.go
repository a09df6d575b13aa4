package calsync

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/dtavner/calsync/internal/conflict"
	"github.com/dtavner/calsync/internal/notify"
	"github.com/dtavner/calsync/internal/priority"
	"github.com/dtavner/calsync/internal/protocol"
	"github.com/dtavner/calsync/internal/registry"
	"github.com/dtavner/calsync/internal/schedule"
	syncer "github.com/dtavner/calsync/internal/sync"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (t *fakeTransport) Send(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTransport) Open() bool   { return true }
func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// testHarness bundles the write path with one observing device.
type testHarness struct {
	service   *Service
	store     *schedule.Store
	transport *fakeTransport
}

func newHarness(t *testing.T, oracle priority.Oracle) *testHarness {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	store, err := schedule.OpenMemoryStore()
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	reg := registry.New(logger)
	notifier := notify.NewBroadcaster(reg, logger)
	coord := syncer.New(reg, store, notifier, &syncer.Config{Logger: logger})

	tr := &fakeTransport{}
	reg.Register(&registry.Device{DeviceID: "observer", UserID: "u1", Platform: "test", Transport: tr})

	return &testHarness{
		service:   NewService(store, oracle, notifier, coord, logger),
		store:     store,
		transport: tr,
	}
}

func newEntry(title string, start, end time.Time) schedule.Entry {
	return schedule.Entry{
		UserID:    "u1",
		Title:     title,
		StartTime: start,
		EndTime:   end,
		Priority:  schedule.PriorityNormal,
	}
}

var testDay = time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)

func TestCreatePersistsAndCachesConflict(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, report, err := h.service.Create(ctx, newEntry("first", testDay.Add(10*time.Hour), testDay.Add(11*time.Hour)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.ID == "" {
		t.Error("no id assigned")
	}
	if report.HasConflict {
		t.Error("lone entry reported a conflict")
	}

	second, report, err := h.service.Create(ctx, newEntry("second", testDay.Add(10*time.Hour+30*time.Minute), testDay.Add(11*time.Hour+30*time.Minute)))
	if err != nil {
		t.Fatalf("Create second: %v", err)
	}
	if !report.HasConflict {
		t.Fatal("overlapping entry reported no conflict")
	}
	if report.ConflictingEntries[0].OverlapMinutes != 30 {
		t.Errorf("overlap = %d minutes", report.ConflictingEntries[0].OverlapMinutes)
	}

	// The report is cached on the stored row.
	stored, err := h.store.Get(ctx, second.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var cached conflict.Report
	if err := json.Unmarshal(stored.ConflictJSON, &cached); err != nil {
		t.Fatalf("cached report unparseable: %v", err)
	}
	if !cached.HasConflict || cached.Severity != report.Severity {
		t.Errorf("cached report = %+v", cached)
	}
}

func TestCreateAssignsPriorityFromOracle(t *testing.T) {
	h := newHarness(t, priority.Static{Priority: schedule.PriorityHigh})

	e := newEntry("board meeting", testDay.Add(9*time.Hour), testDay.Add(10*time.Hour))
	e.Priority = ""
	created, _, err := h.service.Create(context.Background(), e)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Priority != schedule.PriorityHigh {
		t.Errorf("priority = %s, want high from oracle", created.Priority)
	}
}

func TestCreateKeepsCallerPriority(t *testing.T) {
	h := newHarness(t, priority.Static{Priority: schedule.PriorityHigh})

	e := newEntry("walk", testDay.Add(9*time.Hour), testDay.Add(10*time.Hour))
	e.Priority = schedule.PriorityLow
	created, _, err := h.service.Create(context.Background(), e)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Priority != schedule.PriorityLow {
		t.Errorf("oracle overrode caller priority: %s", created.Priority)
	}
}

func TestCreateRejectsInvalidEntry(t *testing.T) {
	h := newHarness(t, nil)

	_, _, err := h.service.Create(context.Background(), schedule.Entry{UserID: "u1", Title: "no times"})
	if err == nil {
		t.Fatal("Create accepted an entry without times")
	}
}

func TestCreateBroadcastsChange(t *testing.T) {
	h := newHarness(t, nil)

	created, _, err := h.service.Create(context.Background(), newEntry("standup", testDay.Add(10*time.Hour), testDay.Add(11*time.Hour)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var sawUpdatePush, sawCreateToast bool
	for _, raw := range h.transport.frames() {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			t.Fatalf("unparseable frame: %v", err)
		}
		switch head.Type {
		case protocol.TypeSyncUpdate:
			var push protocol.SyncUpdatePush
			if err := json.Unmarshal(raw, &push); err != nil {
				t.Fatalf("unmarshal push: %v", err)
			}
			if len(push.Data.Changes) == 1 && push.Data.Changes[0].Schedule.ID == created.ID {
				sawUpdatePush = true
			}
		case notify.EventCreate:
			sawCreateToast = true
		}
	}
	if !sawUpdatePush {
		t.Error("connected device did not receive the sync_update")
	}
	if !sawCreateToast {
		t.Error("connected device did not receive the create notification")
	}
}

func TestUpdateRecomputesConflict(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	blocker, _, err := h.service.Create(ctx, newEntry("blocker", testDay.Add(10*time.Hour), testDay.Add(11*time.Hour)))
	if err != nil {
		t.Fatalf("Create blocker: %v", err)
	}
	moved, report, err := h.service.Create(ctx, newEntry("movable", testDay.Add(13*time.Hour), testDay.Add(14*time.Hour)))
	if err != nil {
		t.Fatalf("Create movable: %v", err)
	}
	if report.HasConflict {
		t.Fatal("disjoint entries reported a conflict")
	}

	// Moving the entry onto the blocker surfaces the conflict.
	moved.StartTime = blocker.StartTime
	moved.EndTime = blocker.EndTime
	_, report, err = h.service.Update(ctx, moved)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !report.HasConflict {
		t.Error("update did not recompute the conflict")
	}
}

func TestUpdateRequiresID(t *testing.T) {
	h := newHarness(t, nil)
	_, _, err := h.service.Update(context.Background(), newEntry("no id", testDay, testDay.Add(time.Hour)))
	if err == nil {
		t.Fatal("Update accepted an entry without an id")
	}
}

func TestDelete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	created, _, err := h.service.Create(ctx, newEntry("doomed", testDay.Add(10*time.Hour), testDay.Add(11*time.Hour)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.service.Delete(ctx, created.ID, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := h.store.Get(ctx, created.ID); got != nil {
		t.Error("entry still stored after delete")
	}

	if err := h.service.Delete(ctx, created.ID, "u1"); err == nil {
		t.Error("second delete did not fail")
	}
}

func TestCheckConflictsDoesNotPersist(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, _, err := h.service.Create(ctx, newEntry("existing", testDay.Add(10*time.Hour), testDay.Add(11*time.Hour)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	candidate := newEntry("candidate", testDay.Add(10*time.Hour+15*time.Minute), testDay.Add(10*time.Hour+45*time.Minute))
	report, err := h.service.CheckConflicts(ctx, candidate)
	if err != nil {
		t.Fatalf("CheckConflicts: %v", err)
	}
	if !report.HasConflict {
		t.Error("candidate overlap not detected")
	}

	// The candidate was never stored.
	entries, err := h.store.SameDayEntries(ctx, "u1", testDay.Add(10*time.Hour))
	if err != nil {
		t.Fatalf("SameDayEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("store holds %d entries, want 1", len(entries))
	}
}

func TestReminderScan(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	logger := log.New(io.Discard, "", 0)

	soon := time.Now().Add(10 * time.Minute)
	if _, _, err := h.service.Create(ctx, newEntry("starts soon", soon, soon.Add(time.Hour))); err != nil {
		t.Fatalf("Create upcoming: %v", err)
	}
	done := newEntry("already done", soon, soon.Add(time.Hour))
	done.Done = true
	if _, _, err := h.service.Create(ctx, done); err != nil {
		t.Fatalf("Create done: %v", err)
	}
	far := time.Now().Add(3 * time.Hour)
	if _, _, err := h.service.Create(ctx, newEntry("far away", far, far.Add(time.Hour))); err != nil {
		t.Fatalf("Create far: %v", err)
	}

	reg := registry.New(logger)
	notifier := notify.NewBroadcaster(reg, logger)
	tr := &fakeTransport{}
	reg.Register(&registry.Device{DeviceID: "d1", UserID: "u1", Transport: tr})

	r := NewReminders(h.store, notifier, ReminderConfig{Lead: 15 * time.Minute, Logger: logger})
	r.scan(ctx)
	r.scan(ctx) // second scan must not re-send

	var reminders []notify.Payload
	for _, raw := range tr.frames() {
		var p notify.Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Fatalf("unparseable frame: %v", err)
		}
		if p.Type == notify.EventReminder {
			reminders = append(reminders, p)
		}
	}
	if len(reminders) != 1 {
		t.Fatalf("got %d reminders, want exactly 1", len(reminders))
	}
	if reminders[0].Title != "Upcoming entry" {
		t.Errorf("reminder title = %q", reminders[0].Title)
	}
}
