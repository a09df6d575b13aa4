package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dtavner/calsync/internal/notify"
	"github.com/dtavner/calsync/internal/protocol"
	"github.com/dtavner/calsync/internal/registry"
	"github.com/dtavner/calsync/internal/schedule"
	syncer "github.com/dtavner/calsync/internal/sync"
)

// startServer spins up a full sync stack on a random port.
func startServer(t *testing.T) (*Server, *schedule.Store) {
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

	srv := New(coord, &Config{
		Addr:     "127.0.0.1:0",
		Resolver: TokenResolver(nil),
		Logger:   logger,
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Stop(); err != nil {
			t.Errorf("failed to stop server: %v", err)
		}
	})
	return srv, store
}

func dial(t *testing.T, srv *Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("ws://%s/ws?token=%s", srv.Addr(), token)
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendRaw(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readFrame reads one frame and returns its type discriminator plus the
// raw bytes.
func readFrame(t *testing.T, ws *websocket.Conn) (string, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		t.Fatalf("unparseable frame %s: %v", data, err)
	}
	return head.Type, data
}

// readUntil reads frames until one of the wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, wantType string) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		typ, data := readFrame(t, ws)
		if typ == wantType {
			return data
		}
	}
	t.Fatalf("never received a %s frame", wantType)
	return nil
}

// syncRequest performs the initial handshake for a device and returns the
// decoded sync_response.
func syncRequest(t *testing.T, ws *websocket.Conn, deviceID string) protocol.SyncResponse {
	t.Helper()
	send(t, ws, map[string]any{
		"type":     protocol.TypeSyncRequest,
		"deviceId": deviceID,
		"platform": "test",
	})
	data := readUntil(t, ws, protocol.TypeSyncResponse)
	var resp protocol.SyncResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal sync_response: %v", err)
	}
	return resp
}

func seedEntry(t *testing.T, store *schedule.Store, id, userID string) {
	t.Helper()
	now := time.Now()
	err := store.Create(context.Background(), &schedule.Entry{
		ID:        id,
		UserID:    userID,
		Title:     "seeded " + id,
		StartTime: now.Add(time.Hour),
		EndTime:   now.Add(2 * time.Hour),
		Priority:  schedule.PriorityNormal,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed entry: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := startServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.Addr()))
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %s", body)
	}
}

func TestRejectsMissingToken(t *testing.T) {
	srv, _ := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", srv.Addr()), nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 response, got %+v", resp)
	}
}

func TestConnectHandshake(t *testing.T) {
	srv, store := startServer(t)
	seedEntry(t, store, "e1", "u1")
	seedEntry(t, store, "other", "u2")

	ws := dial(t, srv, "u1")

	send(t, ws, map[string]any{
		"type":     protocol.TypeSyncRequest,
		"deviceId": "phone-1",
		"platform": "ios",
	})

	// First frame is the connection ack, then the snapshot.
	typ, data := readFrame(t, ws)
	if typ != notify.EventSync {
		t.Fatalf("first frame type = %q, want connection ack", typ)
	}
	var ack notify.Payload
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Title != "Connected" {
		t.Errorf("ack title = %q", ack.Title)
	}

	raw := readUntil(t, ws, protocol.TypeSyncResponse)
	var resp protocol.SyncResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal sync_response: %v", err)
	}
	if resp.DeviceID != "phone-1" {
		t.Errorf("response device = %q", resp.DeviceID)
	}
	// Only the authenticated user's entries are included.
	if len(resp.Data.Schedules) != 1 || resp.Data.Schedules[0].ID != "e1" {
		t.Errorf("snapshot = %+v", resp.Data.Schedules)
	}
	if resp.Data.LastSyncTimestamp.IsZero() {
		t.Error("lastSyncTimestamp not set")
	}
}

func TestReconnectSameDeviceID(t *testing.T) {
	srv, store := startServer(t)
	seedEntry(t, store, "e1", "u1")

	first := dial(t, srv, "u1")
	syncRequest(t, first, "phone")

	// A reconnect with the same device id replaces the prior registration.
	second := dial(t, srv, "u1")
	resp := syncRequest(t, second, "phone")
	if resp.DeviceID != "phone" {
		t.Errorf("response device = %q", resp.DeviceID)
	}
	if len(resp.Data.Schedules) != 1 || resp.Data.Schedules[0].ID != "e1" {
		t.Errorf("snapshot = %+v", resp.Data.Schedules)
	}

	// Give the superseded connection's cleanup time to run; it must not
	// tear down the new registration.
	time.Sleep(200 * time.Millisecond)

	wsC := dial(t, srv, "u1")
	syncRequest(t, wsC, "tablet")

	// The reconnected device is still registered and receives the notice.
	raw := readUntil(t, second, notify.EventSync)
	var p notify.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal notice: %v", err)
	}
	if p.Title != "Device joined" {
		t.Errorf("notice title = %q", p.Title)
	}
}

func TestSyncUpdateFanOut(t *testing.T) {
	srv, _ := startServer(t)

	wsA := dial(t, srv, "u1")
	syncRequest(t, wsA, "device-a")

	wsB := dial(t, srv, "u1")
	syncRequest(t, wsB, "device-b")

	change := map[string]any{
		"type": "create",
		"schedule": map[string]any{
			"id":    "e-new",
			"title": "made on device b",
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}
	send(t, wsB, map[string]any{
		"type":    protocol.TypeSyncUpdate,
		"changes": []any{change},
	})

	// Device A receives the change with device B as origin.
	raw := readUntil(t, wsA, protocol.TypeSyncUpdate)
	var push protocol.SyncUpdatePush
	if err := json.Unmarshal(raw, &push); err != nil {
		t.Fatalf("unmarshal push: %v", err)
	}
	if push.DeviceID != "device-b" {
		t.Errorf("push origin = %q, want device-b", push.DeviceID)
	}
	if len(push.Data.Changes) != 1 || push.Data.Changes[0].Schedule.ID != "e-new" {
		t.Errorf("push changes = %+v", push.Data.Changes)
	}

	// Device B never sees its own change echoed back.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, data, err := wsB.Read(ctx); err == nil {
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &head)
		if head.Type == protocol.TypeSyncUpdate {
			t.Errorf("originator received its own sync_update: %s", data)
		}
	}
}

func TestProtocolErrorKeepsConnectionOpen(t *testing.T) {
	srv, _ := startServer(t)

	ws := dial(t, srv, "u1")
	syncRequest(t, ws, "device-1")

	sendRaw(t, ws, `{"type":"teleport"}`)

	// The server answers with a destructive sync toast.
	raw := readUntil(t, ws, notify.EventSync)
	var p notify.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal toast: %v", err)
	}
	if p.Title != "Sync error" {
		t.Errorf("toast title = %q", p.Title)
	}
	if p.Style.Variant != "destructive" {
		t.Errorf("toast variant = %q", p.Style.Variant)
	}

	// The same connection still serves sync requests.
	resp := syncRequest(t, ws, "device-1")
	if resp.DeviceID != "device-1" {
		t.Errorf("post-error sync response device = %q", resp.DeviceID)
	}
}

func TestUpdatePreferencesOverWire(t *testing.T) {
	srv, _ := startServer(t)

	ws := dial(t, srv, "u1")
	syncRequest(t, ws, "device-1")

	send(t, ws, map[string]any{
		"type": protocol.TypeUpdatePreferences,
		"preferences": map[string]any{
			"sound":    false,
			"position": "bottomLeft",
		},
	})

	raw := readUntil(t, ws, notify.EventSync)
	var p notify.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if p.Title != "Preferences updated" {
		t.Errorf("ack title = %q", p.Title)
	}
	// The ack itself renders with the freshly applied preferences.
	if p.Style.Sound {
		t.Error("ack styled with stale sound preference")
	}
	if p.Style.Position != "bottomLeft" {
		t.Errorf("ack position = %q", p.Style.Position)
	}
}

func TestDeviceJoinedNotice(t *testing.T) {
	srv, _ := startServer(t)

	wsA := dial(t, srv, "u1")
	syncRequest(t, wsA, "device-a")

	wsB := dial(t, srv, "u1")
	syncRequest(t, wsB, "device-b")

	raw := readUntil(t, wsA, notify.EventSync)
	var p notify.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal notice: %v", err)
	}
	if p.Title != "Device joined" {
		t.Errorf("notice title = %q", p.Title)
	}
}

func TestStopWithoutStart(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	reg := registry.New(logger)
	notifier := notify.NewBroadcaster(reg, logger)
	coord := syncer.New(reg, nil, notifier, &syncer.Config{Logger: logger})

	srv := New(coord, &Config{Logger: logger})
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
}

func TestTokenResolver(t *testing.T) {
	resolver := TokenResolver(func(token string) (string, error) {
		if token == "secret" {
			return "user-42", nil
		}
		return "", fmt.Errorf("unknown token")
	})

	r, _ := http.NewRequest("GET", "/ws?token=secret", nil)
	user, err := resolver.ResolveUser(r)
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	if user != "user-42" {
		t.Errorf("user = %q", user)
	}

	r, _ = http.NewRequest("GET", "/ws?token=wrong", nil)
	if _, err := resolver.ResolveUser(r); err == nil {
		t.Error("bad token accepted")
	}

	r, _ = http.NewRequest("GET", "/ws", nil)
	if _, err := resolver.ResolveUser(r); err == nil {
		t.Error("missing token accepted")
	}
}
