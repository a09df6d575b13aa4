// Package client implements the device-side sync agent.
//
// The agent keeps one WebSocket connection to the sync server, reconnects
// with exponential backoff and jitter when it drops, and merges inbound
// payloads into an in-memory entry cache: sync_response snapshots replace
// the synced window wholesale, sync_update changes apply incrementally.
// The retry loop is supervised by the caller's context; cancelling it
// stops the agent for good.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dtavner/calsync/internal/notify"
	"github.com/dtavner/calsync/internal/protocol"
	"github.com/dtavner/calsync/internal/schedule"
)

// Config holds agent configuration.
type Config struct {
	// URL of the sync endpoint, e.g. ws://host:8787/ws?token=...
	URL string

	// DeviceID is the client-generated id, stable across reconnects.
	DeviceID string

	// Platform tag reported at connect time.
	Platform string

	// OnNotification is invoked for every styled notification payload.
	// May be nil.
	OnNotification func(p notify.Payload)

	// InitialBackoff and MaxBackoff bound the reconnect delay
	// (defaults: 1s and 30s).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Logger for agent activity.
	Logger *log.Logger
}

// Agent maintains the connection and the local entry cache.
type Agent struct {
	config Config
	logger *log.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	cache    map[string]schedule.Entry
	lastSync time.Time
}

// New creates an agent. URL and DeviceID are required.
func New(config Config) (*Agent, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("agent requires a server URL")
	}
	if config.DeviceID == "" {
		return nil, fmt.Errorf("agent requires a device id")
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[agent] ", log.LstdFlags)
	}
	return &Agent{
		config: config,
		logger: config.Logger,
		cache:  make(map[string]schedule.Entry),
	}, nil
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff plus jitter after each failure.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.config.InitialBackoff

	for {
		started := time.Now()
		err := a.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			a.logger.Printf("Connection lost: %v", err)
		}
		// A connection that held for a while earns a fresh backoff.
		if time.Since(started) > 30*time.Second {
			backoff = a.config.InitialBackoff
		}

		delay := withJitter(backoff)
		a.logger.Printf("Reconnecting in %v", delay.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		backoff *= 2
		if backoff > a.config.MaxBackoff {
			backoff = a.config.MaxBackoff
		}
	}
}

// connectAndServe runs one connection: dial, initial sync_request, then
// the read loop. A successful dial resets nothing here; the caller resets
// backoff when serve lasted long enough to have synced.
func (a *Agent) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, a.config.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	a.logger.Printf("Connected to %s", a.config.URL)

	if err := a.sendSyncRequest(ctx, conn); err != nil {
		return err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		a.handleMessage(data)
	}
}

// SendChanges pushes local mutations to the server for peer fan-out.
// It fails when the agent is currently disconnected; queueing changes
// while offline is the caller's concern, not the agent's.
func (a *Agent) SendChanges(ctx context.Context, changes []protocol.Change) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	msg := struct {
		Type    string            `json:"type"`
		Changes []protocol.Change `json:"changes"`
	}{Type: protocol.TypeSyncUpdate, Changes: changes}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal changes: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (a *Agent) sendSyncRequest(ctx context.Context, conn *websocket.Conn) error {
	req := struct {
		Type              string     `json:"type"`
		DeviceID          string     `json:"deviceId"`
		Platform          string     `json:"platform"`
		LastSyncTimestamp *time.Time `json:"lastSyncTimestamp,omitempty"`
	}{
		Type:     protocol.TypeSyncRequest,
		DeviceID: a.config.DeviceID,
		Platform: a.config.Platform,
	}

	a.mu.Lock()
	if !a.lastSync.IsZero() {
		t := a.lastSync
		req.LastSyncTimestamp = &t
	}
	a.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal sync_request: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send sync_request: %w", err)
	}
	return nil
}

// handleMessage merges one inbound server message into the local cache.
func (a *Agent) handleMessage(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		a.logger.Printf("Unparseable server message: %v", err)
		return
	}

	switch head.Type {
	case protocol.TypeSyncResponse:
		var resp protocol.SyncResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			a.logger.Printf("Malformed sync_response: %v", err)
			return
		}
		a.applySnapshot(resp.Data.Schedules, resp.Data.LastSyncTimestamp)

	case protocol.TypeSyncUpdate:
		var push protocol.SyncUpdatePush
		if err := json.Unmarshal(data, &push); err != nil {
			a.logger.Printf("Malformed sync_update: %v", err)
			return
		}
		a.applyChanges(push.Data.Changes)

	default:
		var p notify.Payload
		if err := json.Unmarshal(data, &p); err != nil {
			a.logger.Printf("Malformed notification: %v", err)
			return
		}
		if a.config.OnNotification != nil {
			a.config.OnNotification(p)
		}
	}
}

// applySnapshot upserts every entry of a sync_response. Entries outside
// the synced window are untouched so an incremental response never wipes
// older local state.
func (a *Agent) applySnapshot(entries []schedule.Entry, lastSync time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range entries {
		a.cache[e.ID] = e
	}
	a.lastSync = lastSync
	a.logger.Printf("Applied snapshot of %d entries", len(entries))
}

// applyChanges merges a peer's change set: creates and updates upsert,
// deletes evict.
func (a *Agent) applyChanges(changes []protocol.Change) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range changes {
		switch ch.Type {
		case protocol.ChangeCreate, protocol.ChangeUpdate:
			a.cache[ch.Schedule.ID] = ch.Schedule
		case protocol.ChangeDelete:
			delete(a.cache, ch.Schedule.ID)
		default:
			a.logger.Printf("Unknown change type %q ignored", ch.Type)
		}
	}
	a.logger.Printf("Applied %d peer change(s)", len(changes))
}

// Entries returns the cached entries ordered by start time.
func (a *Agent) Entries() []schedule.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]schedule.Entry, 0, len(a.cache))
	for _, e := range a.cache {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// LastSync returns the server clock of the most recent sync_response.
func (a *Agent) LastSync() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSync
}

// withJitter spreads a delay by up to ±20% so reconnecting devices do not
// stampede the server in lockstep.
func withJitter(d time.Duration) time.Duration {
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(d) * jitter)
}
